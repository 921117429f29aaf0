package models

import "time"

type RunStatus string

const (
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusFailed   RunStatus = "failed"
)

// SearchRun is one persisted attempt at a (destination, sweep) unit.
type SearchRun struct {
	ID               int64      `json:"id" db:"id"`
	DestinationKey   string     `json:"destination_key" db:"destination_key"`
	DestinationName  string     `json:"destination_name" db:"destination_name"`
	DestinationGroup string     `json:"destination_group" db:"destination_group"`
	Label            string     `json:"label" db:"label"`
	Status           RunStatus  `json:"status" db:"status"`
	StartedAt        time.Time  `json:"started_at" db:"started_at"`
	UpdatedAt        time.Time  `json:"updated_at" db:"updated_at"`
	CompletedAt      *time.Time `json:"completed_at" db:"completed_at"`
	FailureReason    string     `json:"failure_reason" db:"failure_reason"`
	TotalHotels      int        `json:"total_hotels" db:"total_hotels"`
	TotalRates       int        `json:"total_rates" db:"total_rates"`
	Signature        string     `json:"search_signature" db:"search_signature"`
}
