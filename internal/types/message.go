package types

import "time"

// MessageStatus is the lifecycle state of a queued notification message.
type MessageStatus string

// Queue message statuses.
//
// State machine: pending -> processing -> {sent | retry_scheduled | max_retries_exceeded}.
// retry_scheduled returns to processing on the next eligible pickup. sent and
// max_retries_exceeded are terminal for the polling loop; only an explicit
// manual retry re-enters the cycle (at pending).
const (
	StatusPending            MessageStatus = "pending"
	StatusProcessing         MessageStatus = "processing"
	StatusSent               MessageStatus = "sent"
	StatusFailed             MessageStatus = "failed"
	StatusRetryScheduled     MessageStatus = "retry_scheduled"
	StatusMaxRetriesExceeded MessageStatus = "max_retries_exceeded"
)

// AllMessageStatuses lists every known status. Queue statistics report a count
// for each of these, including zero counts.
func AllMessageStatuses() []MessageStatus {
	return []MessageStatus{
		StatusPending,
		StatusProcessing,
		StatusSent,
		StatusFailed,
		StatusRetryScheduled,
		StatusMaxRetriesExceeded,
	}
}

// Priority bounds. 1 is the most urgent, 10 the least. Priority governs
// processing order only; low-priority work is never dropped.
const (
	PriorityHighest = 1
	PriorityDefault = 5
	PriorityLowest  = 10
)

// QueuedMessage is a single durable notification work item. One record exists
// per attempt-group: retries mutate the record in place rather than creating
// new rows.
type QueuedMessage struct {
	ID               string         `json:"id"`
	Event            string         `json:"event"`
	RecipientType    RecipientType  `json:"recipient_type"`
	Phone            string         `json:"phone"`
	Variables        map[string]any `json:"variables"`
	OrderID          string         `json:"order_id,omitempty"`
	PreferredChannel Channel        `json:"preferred_channel"`
	Priority         int            `json:"priority"`
	Status           MessageStatus  `json:"status"`
	RetryCount       int            `json:"retry_count"`
	MaxRetries       int            `json:"max_retries"`

	// NextRetryAt is the earliest time the message may be picked up.
	// Zero means immediately eligible.
	NextRetryAt time.Time `json:"next_retry_at"`

	// ClaimedAt is set when a worker transitions the message to processing.
	// The reaper uses it to detect messages stranded by a crash.
	ClaimedAt time.Time `json:"claimed_at,omitzero"`

	// LastError holds the most recent failure reason, overwritten on each
	// failed attempt.
	LastError string `json:"last_error,omitempty"`

	// Result is the opaque payload returned by the notification gateway on
	// success. The queue stores it without interpreting it.
	Result map[string]any `json:"result,omitempty"`

	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	ProcessedAt time.Time `json:"processed_at,omitzero"`
}

// Terminal reports whether the normal polling loop will ever transition the
// message again.
func (m *QueuedMessage) Terminal() bool {
	return m.Status == StatusSent || m.Status == StatusMaxRetriesExceeded
}
