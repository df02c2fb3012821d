package types

import "time"

// QueueItem is one pending unit of vectorization work. Items live in memory
// while queued and are written to durable storage on shutdown (or batch
// failure) so pending work survives restarts.
type QueueItem struct {
	RecordID   string    `json:"record_id"`
	Content    string    `json:"content"`
	Importance float64   `json:"importance"`
	RetryCount int       `json:"retry_count"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}
