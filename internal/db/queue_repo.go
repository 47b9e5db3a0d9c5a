package db

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"

	"escrownotify/internal/types"
)

// messageColumns is the canonical column list for queued_messages queries.
// Every SELECT/RETURNING in this file must use this exact order so that
// scanMessage stays a single shared code path.
const messageColumns = `id, event, recipient_type, phone, variables, order_id,
	preferred_channel, priority, status, retry_count, max_retries,
	next_retry_at, claimed_at, last_error, result, created_at, updated_at,
	processed_at`

// QueueRepository provides data access for the queued_messages table. It is
// the persistent store behind the notification queue: insert, lookup, status
// transitions, the eligible-message picker, and the group-by-status aggregate
// the operator dashboard reads.
type QueueRepository struct {
	db DBTX
}

// NewQueueRepository creates a new QueueRepository backed by the given
// database connection (pool or transaction).
func NewQueueRepository(db DBTX) *QueueRepository {
	return &QueueRepository{db: db}
}

// Insert persists a new queued message. The caller must set the ID and all
// lifecycle fields (status, retry counters, timestamps) before calling.
func (r *QueueRepository) Insert(ctx context.Context, m *types.QueuedMessage) error {
	variables, err := marshalJSONB(m.Variables)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to encode message variables", err)
	}

	_, err = r.db.Exec(ctx,
		`INSERT INTO queued_messages
		 (id, event, recipient_type, phone, variables, order_id,
		  preferred_channel, priority, status, retry_count, max_retries,
		  next_retry_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		m.ID,
		m.Event,
		string(m.RecipientType),
		m.Phone,
		variables,
		nilIfEmpty(m.OrderID),
		string(m.PreferredChannel),
		m.Priority,
		string(m.Status),
		m.RetryCount,
		m.MaxRetries,
		m.NextRetryAt,
		m.CreatedAt,
		m.UpdatedAt,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to insert queued message", err)
	}
	return nil
}

// GetByID retrieves a single message by ID. Returns (nil, nil) when no such
// message exists.
func (r *QueueRepository) GetByID(ctx context.Context, id string) (*types.QueuedMessage, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+messageColumns+` FROM queued_messages WHERE id = $1`,
		id,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get queued message", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get queued message", err)
		}
		return nil, nil
	}

	m, err := scanMessage(rows)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan queued message", err)
	}
	return m, nil
}

// ListEligible returns messages ready for processing: status pending or
// retry_scheduled with next_retry_at at or before now, ordered by priority
// ascending (1 first) then created_at ascending. This is a read-only view;
// it does not claim the messages.
func (r *QueueRepository) ListEligible(ctx context.Context, now time.Time, limit int) ([]*types.QueuedMessage, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := r.db.Query(ctx,
		`SELECT `+messageColumns+`
		 FROM queued_messages
		 WHERE status IN ('pending', 'retry_scheduled')
		   AND next_retry_at <= $1
		 ORDER BY priority ASC, created_at ASC
		 LIMIT $2`,
		now, limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list eligible messages", err)
	}
	defer rows.Close()

	return collectMessages(rows)
}

// ClaimEligible atomically claims up to limit eligible messages, transitioning
// them to processing with claimed_at set. The conditional UPDATE with SKIP
// LOCKED makes the claim safe under concurrent pollers: no two workers can
// claim the same message.
func (r *QueueRepository) ClaimEligible(ctx context.Context, now time.Time, limit int) ([]*types.QueuedMessage, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := r.db.Query(ctx,
		`UPDATE queued_messages SET
			status = 'processing',
			claimed_at = $1,
			updated_at = $1
		 WHERE id IN (
			SELECT id FROM queued_messages
			WHERE status IN ('pending', 'retry_scheduled')
			  AND next_retry_at <= $1
			ORDER BY priority ASC, created_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+messageColumns,
		now, limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to claim eligible messages", err)
	}
	defer rows.Close()

	claimed, err := collectMessages(rows)
	if err != nil {
		return nil, err
	}

	// UPDATE ... RETURNING does not guarantee the subquery's ordering, so
	// restore priority-then-age order before handing the batch to the worker.
	sort.SliceStable(claimed, func(i, j int) bool {
		if claimed[i].Priority != claimed[j].Priority {
			return claimed[i].Priority < claimed[j].Priority
		}
		return claimed[i].CreatedAt.Before(claimed[j].CreatedAt)
	})

	return claimed, nil
}

// MarkProcessing transitions a single message to processing regardless of its
// current status, recording the claim time. Returns false when the message
// does not exist. Used by the manual single-message processing path; the
// batch path claims via ClaimEligible instead.
func (r *QueueRepository) MarkProcessing(ctx context.Context, id string, now time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE queued_messages SET
			status = 'processing',
			claimed_at = $2,
			updated_at = $2
		 WHERE id = $1`,
		id, now,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to mark message processing", err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkSent records a successful delivery: status sent, result payload stored,
// processed_at set, claim released.
func (r *QueueRepository) MarkSent(ctx context.Context, id string, result map[string]any, now time.Time) error {
	payload, err := marshalJSONB(result)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to encode send result", err)
	}

	tag, err := r.db.Exec(ctx,
		`UPDATE queued_messages SET
			status = 'sent',
			result = $2,
			processed_at = $3,
			claimed_at = NULL,
			updated_at = $3
		 WHERE id = $1`,
		id, payload, now,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to mark message sent", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundMessage, "queued message not found", nil)
	}
	return nil
}

// ScheduleRetry records a failed attempt that has retries remaining: the
// incremented retry count, the backoff deadline, and the failure reason.
func (r *QueueRepository) ScheduleRetry(ctx context.Context, id string, retryCount int, nextRetryAt time.Time, lastError string, now time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE queued_messages SET
			status = 'retry_scheduled',
			retry_count = $2,
			next_retry_at = $3,
			last_error = $4,
			claimed_at = NULL,
			updated_at = $5
		 WHERE id = $1`,
		id, retryCount, nextRetryAt, lastError, now,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to schedule retry", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundMessage, "queued message not found", nil)
	}
	return nil
}

// MarkExhausted records a terminal failure after the retry ceiling was hit.
// The message will never be picked up by the polling path again.
func (r *QueueRepository) MarkExhausted(ctx context.Context, id string, retryCount int, lastError string, now time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE queued_messages SET
			status = 'max_retries_exceeded',
			retry_count = $2,
			last_error = $3,
			claimed_at = NULL,
			updated_at = $4
		 WHERE id = $1`,
		id, retryCount, lastError, now,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to mark message exhausted", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundMessage, "queued message not found", nil)
	}
	return nil
}

// ResetForRetry is the manual operator override: status back to pending,
// retry counter zeroed, immediately eligible. It applies regardless of the
// message's current status, including sent.
func (r *QueueRepository) ResetForRetry(ctx context.Context, id string, now time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE queued_messages SET
			status = 'pending',
			retry_count = 0,
			next_retry_at = $2,
			last_error = NULL,
			claimed_at = NULL,
			updated_at = $2
		 WHERE id = $1`,
		id, now,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to reset message for retry", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundMessage, "queued message not found", nil)
	}
	return nil
}

// ListFailed returns the paginated operator view over failed and
// max_retries_exceeded messages, newest first, along with the total count
// matching the filter.
func (r *QueueRepository) ListFailed(ctx context.Context, offset, limit int) ([]*types.QueuedMessage, int, error) {
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	var total int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM queued_messages
		 WHERE status IN ('failed', 'max_retries_exceeded')`,
	).Scan(&total)
	if err != nil {
		return nil, 0, types.NewAppError(types.ErrCodeInternalDB, "failed to count failed messages", err)
	}

	rows, err := r.db.Query(ctx,
		`SELECT `+messageColumns+`
		 FROM queued_messages
		 WHERE status IN ('failed', 'max_retries_exceeded')
		 ORDER BY created_at DESC
		 LIMIT $1 OFFSET $2`,
		limit, offset,
	)
	if err != nil {
		return nil, 0, types.NewAppError(types.ErrCodeInternalDB, "failed to list failed messages", err)
	}
	defer rows.Close()

	messages, err := collectMessages(rows)
	if err != nil {
		return nil, 0, err
	}
	return messages, total, nil
}

// CountByStatus returns the aggregate message count per status. Statuses with
// no messages are absent from the map; the queue layer fills in zeros.
func (r *QueueRepository) CountByStatus(ctx context.Context) (map[types.MessageStatus]int, error) {
	rows, err := r.db.Query(ctx,
		`SELECT status, COUNT(*) FROM queued_messages GROUP BY status`,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to aggregate message counts", err)
	}
	defer rows.Close()

	counts := make(map[types.MessageStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan status count", err)
		}
		counts[types.MessageStatus(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating status counts", err)
	}

	return counts, nil
}

// ListStuck returns messages stranded in processing whose claim is older than
// the cutoff. The reaper routes these back through the backoff state machine.
func (r *QueueRepository) ListStuck(ctx context.Context, cutoff time.Time, limit int) ([]*types.QueuedMessage, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := r.db.Query(ctx,
		`SELECT `+messageColumns+`
		 FROM queued_messages
		 WHERE status = 'processing'
		   AND claimed_at IS NOT NULL
		   AND claimed_at < $1
		 ORDER BY claimed_at ASC
		 LIMIT $2`,
		cutoff, limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list stuck messages", err)
	}
	defer rows.Close()

	return collectMessages(rows)
}

// collectMessages drains a pgx.Rows result set into message structs.
func collectMessages(rows pgx.Rows) ([]*types.QueuedMessage, error) {
	var results []*types.QueuedMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan message row", err)
		}
		results = append(results, m)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating message rows", err)
	}
	return results, nil
}

// scanMessage scans a single queued_messages row in messageColumns order.
// Handles nullable columns using pointer types.
func scanMessage(rows pgx.Rows) (*types.QueuedMessage, error) {
	var (
		m             types.QueuedMessage
		recipientType string
		channel       string
		status        string
		variables     []byte
		orderID       *string
		claimedAt     *time.Time
		lastError     *string
		result        []byte
		processedAt   *time.Time
	)

	err := rows.Scan(
		&m.ID,
		&m.Event,
		&recipientType,
		&m.Phone,
		&variables,
		&orderID,
		&channel,
		&m.Priority,
		&status,
		&m.RetryCount,
		&m.MaxRetries,
		&m.NextRetryAt,
		&claimedAt,
		&lastError,
		&result,
		&m.CreatedAt,
		&m.UpdatedAt,
		&processedAt,
	)
	if err != nil {
		return nil, err
	}

	m.RecipientType = types.RecipientType(recipientType)
	m.PreferredChannel = types.Channel(channel)
	m.Status = types.MessageStatus(status)
	if orderID != nil {
		m.OrderID = *orderID
	}
	if claimedAt != nil {
		m.ClaimedAt = *claimedAt
	}
	if lastError != nil {
		m.LastError = *lastError
	}
	if processedAt != nil {
		m.ProcessedAt = *processedAt
	}
	if len(variables) > 0 {
		_ = json.Unmarshal(variables, &m.Variables)
	}
	if len(result) > 0 {
		_ = json.Unmarshal(result, &m.Result)
	}

	return &m, nil
}

// marshalJSONB encodes a map for a JSONB column, defaulting to an empty
// object for nil maps.
func marshalJSONB(v map[string]any) ([]byte, error) {
	if v == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(v)
}

// nilIfEmpty returns nil for empty strings so optional TEXT columns store
// NULL instead of "".
func nilIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
