package models

import (
	"time"
)

// RunStatus is the terminal status of an ingestion run
type RunStatus string

// Run status constants
const (
	RunSucceeded          RunStatus = "succeeded"
	RunPartiallySucceeded RunStatus = "partially_succeeded"
	RunFailed             RunStatus = "failed"
	RunCancelled          RunStatus = "cancelled"
)

// OK reports whether the status counts as a completed run for callers
func (s RunStatus) OK() bool {
	return s == RunSucceeded || s == RunPartiallySucceeded
}

// RunState is a step of the per-run state machine
type RunState string

// Run states in order
const (
	StatePending      RunState = "pending"
	StateFetching     RunState = "fetching"
	StateTransforming RunState = "transforming"
	StatePersisting   RunState = "persisting"
)

// Outcome is the result of one orchestrator run. It is never persisted.
type Outcome struct {
	RunID        string        `json:"run_id"`
	InstrumentID int64         `json:"instrument_id"`
	Symbol       string        `json:"symbol"`
	Period       string        `json:"period"`
	WindowStart  time.Time     `json:"window_start"`
	WindowEnd    time.Time     `json:"window_end"`
	Fetched      int           `json:"fetched"`
	Inserted     int           `json:"inserted"`
	Skipped      int           `json:"skipped"`
	Invalid      int           `json:"invalid"`
	Attempts     int           `json:"attempts"`
	Status       RunStatus     `json:"status"`
	FailedStage  RunState      `json:"failed_stage,omitempty"`
	Err          error         `json:"-"`
	StartedAt    time.Time     `json:"started_at"`
	Duration     time.Duration `json:"duration"`
}
