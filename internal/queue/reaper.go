package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// sweepBatchSize bounds how many stranded messages one sweep recovers.
const sweepBatchSize = 100

// Reaper recovers messages stranded in processing. A message whose claim is
// older than the timeout was abandoned by a crashed or cancelled worker; the
// sweep routes it back through the same backoff state machine a failed send
// uses, so a repeatedly crashing handler still hits the retry ceiling instead
// of looping forever.
type Reaper struct {
	queue   *NotificationQueue
	timeout time.Duration
	logger  *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewReaper creates a Reaper over the given queue. Timeout is how long a
// processing claim may stand before the message counts as stranded.
func NewReaper(q *NotificationQueue, timeout time.Duration, logger *slog.Logger) *Reaper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{
		queue:   q,
		timeout: timeout,
		logger:  logger,
	}
}

// Sweep runs one recovery pass and returns how many messages were routed back
// into the retry cycle.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	cutoff := r.queue.now().UTC().Add(-r.timeout)

	stuck, err := r.queue.store.ListStuck(ctx, cutoff, sweepBatchSize)
	if err != nil {
		return 0, fmt.Errorf("list stuck messages: %w", err)
	}

	recovered := 0
	for _, msg := range stuck {
		reason := fmt.Sprintf("processing claim expired after %s", r.timeout)
		if err := r.queue.handleFailure(ctx, msg, reason); err != nil {
			r.logger.ErrorContext(ctx, "failed to requeue stuck message",
				"message_id", msg.ID,
				"error", err,
			)
			continue
		}
		recovered++
	}

	if recovered > 0 {
		recordStuckRequeued(recovered)
		r.logger.WarnContext(ctx, "recovered stuck messages",
			"count", recovered,
			"claim_timeout", r.timeout.String(),
		)
	}

	return recovered, nil
}

// Start launches the background sweep loop. Idempotent.
func (r *Reaper) Start(interval time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	r.cancel = cancel
	r.done = done

	go r.run(ctx, interval, done)

	r.logger.Info("queue reaper started",
		"sweep_interval", interval.String(),
		"claim_timeout", r.timeout.String(),
	)
}

// Stop cancels the sweep loop and waits for it to exit. Safe to call when
// not running.
func (r *Reaper) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	done := r.done
	r.cancel = nil
	r.done = nil
	r.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (r *Reaper) run(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil {
				r.logger.ErrorContext(ctx, "reaper sweep failed", "error", err)
			}
		}
	}
}
