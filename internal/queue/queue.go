// Package queue implements the durable notification delivery queue: enqueue,
// priority-ordered pickup, per-message processing with exponential backoff on
// failure, a background polling loop, and the administrative surface the
// operator dashboard reads.
//
// The queue treats the notification gateway as opaque. A send attempt either
// succeeds (the message becomes sent, terminally) or fails (the message is
// rescheduled with backoff until the retry ceiling, then parked terminally in
// max_retries_exceeded until an operator intervenes).
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"escrownotify/internal/types"
)

// Defaults applied when callers pass zero values.
const (
	DefaultBatchSize    = 10
	DefaultPendingLimit = 50
	DefaultPollInterval = 10 * time.Second
)

// MessageStore is the persistence interface the queue requires. It is a
// narrow view over the queued_messages repository so the queue is testable
// with an in-memory fake.
type MessageStore interface {
	Insert(ctx context.Context, m *types.QueuedMessage) error
	GetByID(ctx context.Context, id string) (*types.QueuedMessage, error)

	// ListEligible is the read-only eligible-message view: pending or
	// retry_scheduled with next_retry_at <= now, priority ascending then
	// created_at ascending.
	ListEligible(ctx context.Context, now time.Time, limit int) ([]*types.QueuedMessage, error)

	// ClaimEligible atomically transitions up to limit eligible messages to
	// processing and returns them in pickup order. Safe under concurrent
	// pollers.
	ClaimEligible(ctx context.Context, now time.Time, limit int) ([]*types.QueuedMessage, error)

	// MarkProcessing claims a single message regardless of current status.
	// Returns false when the message does not exist.
	MarkProcessing(ctx context.Context, id string, now time.Time) (bool, error)

	MarkSent(ctx context.Context, id string, result map[string]any, now time.Time) error
	ScheduleRetry(ctx context.Context, id string, retryCount int, nextRetryAt time.Time, lastError string, now time.Time) error
	MarkExhausted(ctx context.Context, id string, retryCount int, lastError string, now time.Time) error
	ResetForRetry(ctx context.Context, id string, now time.Time) error

	ListFailed(ctx context.Context, offset, limit int) ([]*types.QueuedMessage, int, error)
	CountByStatus(ctx context.Context) (map[types.MessageStatus]int, error)
	ListStuck(ctx context.Context, cutoff time.Time, limit int) ([]*types.QueuedMessage, error)
}

// Sender delivers a single notification through whatever channel transport
// backs it. A returned error and a SendResult with Success=false are treated
// identically: the attempt failed and the backoff state machine applies.
type Sender interface {
	Send(ctx context.Context, req types.SendRequest) (types.SendResult, error)
}

// Config holds the dependencies and tuning for a NotificationQueue.
type Config struct {
	Store  MessageStore
	Sender Sender
	Policy RetryPolicy
	Logger *slog.Logger

	// BatchSize is the polling loop's drain size per cycle. Zero means
	// DefaultBatchSize.
	BatchSize int

	// Now overrides the clock for deterministic tests. Nil means time.Now.
	Now func() time.Time
}

// NotificationQueue owns enqueue, message processing, failure handling, batch
// draining, and the background polling loop.
type NotificationQueue struct {
	store     MessageStore
	sender    Sender
	policy    RetryPolicy
	logger    *slog.Logger
	batchSize int
	now       func() time.Time

	// The polling loop is a supervised goroutine: cancel and done are the
	// sole source of truth for whether it is running. There is no detached
	// boolean to drift out of sync with the task.
	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a NotificationQueue from the given configuration, applying
// defaults for unset fields.
func New(cfg Config) *NotificationQueue {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	policy := cfg.Policy
	if policy.MaxRetries <= 0 {
		policy = DefaultRetryPolicy()
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &NotificationQueue{
		store:     cfg.Store,
		sender:    cfg.Sender,
		policy:    policy,
		logger:    logger,
		batchSize: batchSize,
		now:       now,
	}
}

// EnqueueInput describes a notification to persist. Only Event, Phone, and
// Variables are required; everything else has queue-level defaults.
type EnqueueInput struct {
	Event            string
	RecipientType    types.RecipientType
	Phone            string
	Variables        map[string]any
	OrderID          string
	PreferredChannel types.Channel
	Priority         int

	// ScheduledAt delays first eligibility. Zero means immediately eligible.
	ScheduledAt time.Time
}

// Enqueue creates a new durable queue entry and returns its ID immediately.
// No delivery is attempted synchronously: enqueue is fire-and-forget so that
// notification problems never block the triggering business transaction.
func (q *NotificationQueue) Enqueue(ctx context.Context, in EnqueueInput) (string, error) {
	if in.Event == "" {
		return "", types.NewAppError(types.ErrCodeValidationMissingField, "event is required", nil)
	}
	if in.Phone == "" {
		return "", types.NewAppError(types.ErrCodeValidationMissingField, "phone is required", nil)
	}

	priority := in.Priority
	if priority == 0 {
		priority = types.PriorityDefault
	}
	if priority < types.PriorityHighest {
		priority = types.PriorityHighest
	}
	if priority > types.PriorityLowest {
		priority = types.PriorityLowest
	}

	channel := in.PreferredChannel
	if channel == "" {
		channel = types.ChannelSMS
	}

	now := q.now().UTC()
	nextRetryAt := now
	if in.ScheduledAt.After(now) {
		nextRetryAt = in.ScheduledAt.UTC()
	}

	msg := &types.QueuedMessage{
		ID:               uuid.New().String(),
		Event:            in.Event,
		RecipientType:    in.RecipientType,
		Phone:            in.Phone,
		Variables:        in.Variables,
		OrderID:          in.OrderID,
		PreferredChannel: channel,
		Priority:         priority,
		Status:           types.StatusPending,
		MaxRetries:       q.policy.MaxRetries,
		NextRetryAt:      nextRetryAt,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if err := q.store.Insert(ctx, msg); err != nil {
		return "", fmt.Errorf("enqueue %s: %w", in.Event, err)
	}

	recordEnqueued(in.Event)
	q.logger.DebugContext(ctx, "notification enqueued",
		"message_id", msg.ID,
		"event", msg.Event,
		"recipient_type", string(msg.RecipientType),
		"order_id", msg.OrderID,
		"priority", msg.Priority,
		"preferred_channel", string(msg.PreferredChannel),
	)

	return msg.ID, nil
}

// ProcessMessage claims the message, invokes the gateway, and records the
// outcome: sent on success, retry_scheduled or max_retries_exceeded on
// failure. Returns whether the attempt succeeded. The success path depends
// only on the gateway's response, never on the message's prior stored status,
// so re-processing an already-sent message is harmless.
func (q *NotificationQueue) ProcessMessage(ctx context.Context, msg *types.QueuedMessage) (bool, error) {
	found, err := q.store.MarkProcessing(ctx, msg.ID, q.now().UTC())
	if err != nil {
		return false, fmt.Errorf("claim message %s: %w", msg.ID, err)
	}
	if !found {
		return false, types.NewAppError(types.ErrCodeNotFoundMessage, "queued message not found", nil)
	}
	return q.deliver(ctx, msg)
}

// deliver runs one send attempt for an already-claimed message.
func (q *NotificationQueue) deliver(ctx context.Context, msg *types.QueuedMessage) (bool, error) {
	req := types.SendRequest{
		Event:         msg.Event,
		RecipientType: msg.RecipientType,
		Phone:         msg.Phone,
		Variables:     msg.Variables,
		OrderID:       msg.OrderID,
		Channel:       msg.PreferredChannel,
	}

	res, err := q.sender.Send(ctx, req)
	if err != nil {
		return false, q.handleFailure(ctx, msg, err.Error())
	}
	if !res.Success {
		reason := res.Error
		if reason == "" {
			reason = "notification gateway reported failure"
		}
		return false, q.handleFailure(ctx, msg, reason)
	}

	now := q.now().UTC()
	if err := q.store.MarkSent(ctx, msg.ID, res.Payload, now); err != nil {
		return false, fmt.Errorf("mark message %s sent: %w", msg.ID, err)
	}

	recordProcessed("sent")
	q.logger.InfoContext(ctx, "notification sent",
		"message_id", msg.ID,
		"event", msg.Event,
		"recipient_type", string(msg.RecipientType),
		"order_id", msg.OrderID,
		"retry_count", msg.RetryCount,
	)

	return true, nil
}

// handleFailure applies the backoff state machine to a failed attempt: the
// retry counter is incremented; at the ceiling the message is terminally
// exhausted, otherwise the next attempt is scheduled BaseDelay*2^(n-1) out.
func (q *NotificationQueue) handleFailure(ctx context.Context, msg *types.QueuedMessage, reason string) error {
	msg.RetryCount++
	msg.LastError = reason
	now := q.now().UTC()

	maxRetries := msg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = q.policy.MaxRetries
	}

	if msg.RetryCount >= maxRetries {
		if err := q.store.MarkExhausted(ctx, msg.ID, msg.RetryCount, reason, now); err != nil {
			return fmt.Errorf("mark message %s exhausted: %w", msg.ID, err)
		}
		recordProcessed("exhausted")
		q.logger.ErrorContext(ctx, "notification delivery permanently failed",
			"message_id", msg.ID,
			"event", msg.Event,
			"order_id", msg.OrderID,
			"retry_count", msg.RetryCount,
			"reason", reason,
		)
		return nil
	}

	delay := BackoffDelay(q.policy, msg.RetryCount)
	nextRetryAt := now.Add(delay)
	if err := q.store.ScheduleRetry(ctx, msg.ID, msg.RetryCount, nextRetryAt, reason, now); err != nil {
		return fmt.Errorf("schedule retry for message %s: %w", msg.ID, err)
	}

	recordProcessed("retried")
	q.logger.WarnContext(ctx, "notification delivery failed, retry scheduled",
		"message_id", msg.ID,
		"event", msg.Event,
		"order_id", msg.OrderID,
		"retry_count", msg.RetryCount,
		"next_retry_in", delay.String(),
		"reason", reason,
	)

	return nil
}

// GetPendingMessages returns up to limit eligible messages in pickup order
// without claiming them. Limit <= 0 means DefaultPendingLimit.
func (q *NotificationQueue) GetPendingMessages(ctx context.Context, limit int) ([]*types.QueuedMessage, error) {
	if limit <= 0 {
		limit = DefaultPendingLimit
	}
	return q.store.ListEligible(ctx, q.now().UTC(), limit)
}

// BatchResult summarizes one drain cycle.
type BatchResult struct {
	Processed int `json:"processed"`
	Succeeded int `json:"success"`
	Failed    int `json:"failed"`
}

// ProcessBatch claims up to batchSize eligible messages and processes them
// strictly sequentially. There is no fan-out within a batch; throughput is
// bounded by the sum of per-message send latencies.
func (q *NotificationQueue) ProcessBatch(ctx context.Context, batchSize int) (BatchResult, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	claimed, err := q.store.ClaimEligible(ctx, q.now().UTC(), batchSize)
	if err != nil {
		return BatchResult{}, fmt.Errorf("claim batch: %w", err)
	}

	var res BatchResult
	for _, msg := range claimed {
		res.Processed++
		ok, err := q.deliver(ctx, msg)
		if err != nil {
			q.logger.ErrorContext(ctx, "message processing error",
				"message_id", msg.ID,
				"error", err,
			)
			res.Failed++
			continue
		}
		if ok {
			res.Succeeded++
		} else {
			res.Failed++
		}
	}

	return res, nil
}

// Start launches the background polling loop, draining one batch every
// interval. Idempotent: calling Start while the loop is running is a no-op.
// Interval <= 0 means DefaultPollInterval.
func (q *NotificationQueue) Start(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	q.cancel = cancel
	q.done = done

	go q.run(ctx, interval, done)

	q.logger.Info("notification queue started",
		"poll_interval", interval.String(),
		"batch_size", q.batchSize,
	)
}

// Stop cancels the polling loop and waits for it to exit. A message already
// claimed into processing at cancellation time is not interrupted cleanly;
// the reaper recovers anything stranded. Safe to call when not running.
func (q *NotificationQueue) Stop() {
	q.mu.Lock()
	cancel := q.cancel
	done := q.done
	q.cancel = nil
	q.done = nil
	q.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	q.logger.Info("notification queue stopped")
}

func (q *NotificationQueue) run(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := q.ProcessBatch(ctx, q.batchSize)
			if err != nil {
				q.logger.ErrorContext(ctx, "batch processing failed", "error", err)
				continue
			}
			if res.Processed > 0 {
				q.logger.InfoContext(ctx, "batch processed",
					"processed", res.Processed,
					"success", res.Succeeded,
					"failed", res.Failed,
				)
			}
		}
	}
}

// QueueStats is the aggregate count per status. ByStatus always contains
// every known status key, including zero counts, and Total equals their sum.
type QueueStats struct {
	ByStatus map[types.MessageStatus]int `json:"by_status"`
	Total    int                         `json:"total"`
}

// GetQueueStats returns aggregate message counts for the operator dashboard
// and refreshes the queue-size gauge.
func (q *NotificationQueue) GetQueueStats(ctx context.Context) (QueueStats, error) {
	counts, err := q.store.CountByStatus(ctx)
	if err != nil {
		return QueueStats{}, fmt.Errorf("queue stats: %w", err)
	}

	stats := QueueStats{ByStatus: make(map[types.MessageStatus]int)}
	for _, status := range types.AllMessageStatuses() {
		n := counts[status]
		stats.ByStatus[status] = n
		stats.Total += n
		recordQueueSize(string(status), n)
	}

	return stats, nil
}

// FailedPage is one page of the failed-message view: messages in failed or
// max_retries_exceeded status, newest first.
type FailedPage struct {
	Messages []*types.QueuedMessage `json:"messages"`
	Total    int                    `json:"total"`
	Page     int                    `json:"page"`
	Pages    int                    `json:"pages"`
}

// GetFailedMessages returns the paginated failed-message view. Page starts
// at 1; limit <= 0 defaults to 20.
func (q *NotificationQueue) GetFailedMessages(ctx context.Context, page, limit int) (FailedPage, error) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = 20
	}

	messages, total, err := q.store.ListFailed(ctx, (page-1)*limit, limit)
	if err != nil {
		return FailedPage{}, fmt.Errorf("list failed messages: %w", err)
	}

	pages := 0
	if total > 0 {
		pages = (total + limit - 1) / limit
	}

	return FailedPage{
		Messages: messages,
		Total:    total,
		Page:     page,
		Pages:    pages,
	}, nil
}

// RetryFailed is the manual operator override: it unconditionally resets the
// message to pending with a zeroed retry counter and immediate eligibility,
// bypassing the retry ceiling. It applies to any existing message regardless
// of status, including sent; misuse can resend a delivered notification.
func (q *NotificationQueue) RetryFailed(ctx context.Context, id string) error {
	if err := q.store.ResetForRetry(ctx, id, q.now().UTC()); err != nil {
		return err
	}
	q.logger.InfoContext(ctx, "message manually requeued", "message_id", id)
	return nil
}
