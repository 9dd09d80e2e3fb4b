// Package models defines data structures for the results collector.
package models

import "time"

// Entity is a tracked parkrunner: the display name we expect on their
// results page and the numeric identifier the upstream site assigned.
type Entity struct {
	Name       string `csv:"name" json:"name"`
	ExternalID string `csv:"external_id" json:"external_id"`
}

// Result is one race result. The parser produces it and the store persists
// the same shape after merging.
type Result struct {
	Event       string        `csv:"Event" json:"event"`
	RunDate     time.Time     `csv:"Run Date" json:"run_date"`
	RunNumber   int           `csv:"Run Number" json:"run_number"`
	Position    int           `csv:"Pos" json:"position"`
	Time        time.Duration `csv:"Time" json:"time"`
	AgeGrade    float64       `csv:"Age Grade" json:"age_grade"`
	PB          bool          `csv:"PB" json:"pb"`
	AthleteName string        `csv:"Athlete Name" json:"athlete_name"`
	AthleteID   string        `csv:"Athlete ID" json:"athlete_id"`
}

// Key identifies a result for de-duplication. It deliberately ignores the
// athlete because historical rows may not carry a reliable identifier.
type Key struct {
	Event   string
	RunDate string
}

// Key returns the de-duplication key for r.
func (r Result) Key() Key {
	return Key{Event: r.Event, RunDate: r.RunDate.Format("2006-01-02")}
}

// EntityFailure records why one entity contributed nothing to a run.
type EntityFailure struct {
	ExternalID string
	Name       string
	Kind       string
	Err        error
}

// RunResult holds the overall result of an orchestration run.
type RunResult struct {
	RunID        string
	StartTime    time.Time
	EndTime      time.Time
	EntityCount  int
	Succeeded    []string
	Failures     []EntityFailure
	ErrorsByType map[string]int
	RowsParsed   int
	RetryCount   int
	RequestCount int

	StoreBefore  int
	StoreAfter   int
	RowsAdded    int
	StoreChanged bool
}

// Success reports whether at least one entity was fetched and parsed.
func (r *RunResult) Success() bool {
	return r != nil && len(r.Succeeded) > 0
}
