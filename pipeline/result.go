package pipeline

// Result is the outcome of one per-entity stage: a value, or the error that
// stopped the chain. Later stages never run on a failed Result.
type Result[T any] struct {
	val T
	err error
	ok  bool
}

// Ok creates a successful Result.
func Ok[T any](v T) Result[T] {
	return Result[T]{val: v, ok: true}
}

// Err creates a failed Result from an error.
func Err[T any](err error) Result[T] {
	return Result[T]{err: err}
}

// FromPair creates a Result from a (value, error) pair.
func FromPair[T any](v T, err error) Result[T] {
	if err != nil {
		return Err[T](err)
	}
	return Ok(v)
}

// IsOk returns true if the result is successful.
func (r Result[T]) IsOk() bool { return r.ok }

// Err returns the failure, or nil.
func (r Result[T]) Err() error { return r.err }

// Unwrap returns the value and error.
func (r Result[T]) Unwrap() (T, error) { return r.val, r.err }

// Then feeds a successful value into the next stage and carries a failure
// through unchanged.
func Then[T, U any](r Result[T], f func(T) (U, error)) Result[U] {
	if !r.ok {
		return Err[U](r.err)
	}
	return FromPair(f(r.val))
}
