package model

import "time"

// ProcessedEvent marks an inbound event whose side effect has been applied.
type ProcessedEvent struct {
	EventID     string    `db:"event_id"`
	EventType   string    `db:"event_type"`
	ProcessedAt time.Time `db:"processed_at"`
}
