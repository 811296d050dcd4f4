package models

import "time"

// Instrument event type constants
const (
	EventInstrumentAdded       = "INSTRUMENT_ADDED"
	EventInstrumentActivated   = "INSTRUMENT_ACTIVATED"
	EventInstrumentDeactivated = "INSTRUMENT_DEACTIVATED"
)

// EventRunCompleted is published once per finished ingestion run
const EventRunCompleted = "INGESTION_RUN_COMPLETED"

// InstrumentEvent represents a Kafka event emitted by the instrument API
type InstrumentEvent struct {
	EventType string    `json:"event_type"`
	Symbol    string    `json:"symbol"`
	Period    string    `json:"period,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// RunEvent represents a Kafka event describing a completed ingestion run
type RunEvent struct {
	EventType  string    `json:"event_type"`
	RunID      string    `json:"run_id"`
	Symbol     string    `json:"symbol"`
	Period     string    `json:"period"`
	Fetched    int       `json:"fetched"`
	Inserted   int       `json:"inserted"`
	Skipped    int       `json:"skipped"`
	Status     RunStatus `json:"status"`
	ErrorKind  string    `json:"error_kind,omitempty"`
	DurationMs int64     `json:"duration_ms"`
	Timestamp  time.Time `json:"timestamp"`
}
