package reader

import "time"

// Mode names the stop condition of a read.
type Mode string

const (
	ModeBytes      Mode = "bytes"
	ModeMarker     Mode = "marker"
	ModeEndMarker  Mode = "end_marker"
	ModeExpression Mode = "expression"
	ModePause      Mode = "pause"
)

// Outcome describes how a read ended.
type Outcome string

const (
	// OutcomeMatched means the stop condition held. For pause reads it means
	// the pause elapsed.
	OutcomeMatched Outcome = "matched"
	// OutcomeDeadline means the idle deadline elapsed first.
	OutcomeDeadline Outcome = "deadline"
	// OutcomeClosed means every handle reached EOF.
	OutcomeClosed Outcome = "closed"
	// OutcomeError means a handle returned an error.
	OutcomeError Outcome = "error"
)

// Report summarises one completed read.
type Report struct {
	Mode            Mode
	Outcome         Outcome
	PrimaryBytes    int
	DiagnosticBytes int
	Duration        time.Duration
}

// Observer is notified after every read.
type Observer interface {
	ObserveRead(Report)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Report)

func (f ObserverFunc) ObserveRead(r Report) { f(r) }
