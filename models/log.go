package models

import "time"

type LogLevel string

const (
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// SweepLog mirrors important orchestrator events into the store so the
// outcome of a sweep is recoverable even when process logs are lost.
type SweepLog struct {
	ID             int64     `json:"id" db:"id"`
	RunID          *int64    `json:"run_id" db:"run_id"`
	Timestamp      time.Time `json:"timestamp" db:"timestamp"`
	Level          LogLevel  `json:"level" db:"level"`
	Message        string    `json:"message" db:"message"`
	DestinationKey string    `json:"destination_key" db:"destination_key"`
}
