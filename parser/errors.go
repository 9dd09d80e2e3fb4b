package parser

import (
	"errors"
	"fmt"
)

var (
	// ErrIdentityNotFound means no element carried the "<name> (<id>)" marker.
	ErrIdentityNotFound = errors.New("identity not found")
	// ErrResultsTableNotFound means no table had the event, date and time headers.
	ErrResultsTableNotFound = errors.New("results table not found")
)

// ParseError reports markup whose structure is not what the parser expects.
// It signals markup drift rather than a transient outage.
type ParseError struct {
	Op  string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %v", e.Op, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// IdentityMismatchError reports that a results page belongs to someone other
// than the configured entity, usually a wrong ID mapped to a name.
type IdentityMismatchError struct {
	Expected  string
	Extracted string
	// Similarity is the Jaro-Winkler score of the normalised names. It is
	// diagnostic only and never affects the outcome.
	Similarity float64
}

func (e *IdentityMismatchError) Error() string {
	return fmt.Sprintf("identity mismatch: expected %q, page shows %q (similarity %.2f)", e.Expected, e.Extracted, e.Similarity)
}
