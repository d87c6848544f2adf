// Package queue drains persisted deliveries to assistants that were
// offline when their messages were sent.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/duet/internal/backoff"
	"github.com/haasonsaas/duet/internal/observability"
	"github.com/haasonsaas/duet/internal/registry"
	"github.com/haasonsaas/duet/internal/store"
	"github.com/haasonsaas/duet/pkg/models"
)

const (
	drainInterval = 5 * time.Second
	sweepInterval = 5 * time.Minute
	drainBatch    = 10
)

// errTargetOffline marks entries deferred because the target
// disconnected mid-drain.
var errTargetOffline = errors.New("target went offline")

// Processor periodically drains the message queue for online targets
// and sweeps out entries that exhausted their attempts.
type Processor struct {
	store    *store.Store
	registry *registry.Registry
	policy   backoff.Policy
	metrics  *observability.Metrics
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	// kick wakes the drain loop when a client comes online.
	kick chan models.AssistantID
}

// NewProcessor creates a queue processor. Call Start to begin draining.
func NewProcessor(st *store.Store, reg *registry.Registry, metrics *observability.Metrics, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		store:    st,
		registry: reg,
		policy:   backoff.QueuePolicy(),
		metrics:  metrics,
		logger:   logger.With("component", "queue"),
		kick:     make(chan models.AssistantID, 4),
	}
}

// Start launches the drain and sweep loops. It is a no-op if the
// processor is already running.
func (p *Processor) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.run(runCtx)
}

// Stop halts the loops and waits for them to exit.
func (p *Processor) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel = nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// OnClientOnline triggers an immediate drain for the reconnected
// assistant instead of waiting for the next tick.
func (p *Processor) OnClientOnline(id models.AssistantID) {
	select {
	case p.kick <- id:
	default:
	}
}

func (p *Processor) run(ctx context.Context) {
	defer close(p.done)

	drain := time.NewTicker(drainInterval)
	defer drain.Stop()
	sweep := time.NewTicker(sweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-drain.C:
			p.DrainAll(ctx)
		case id := <-p.kick:
			p.Drain(ctx, id)
		case <-sweep.C:
			if n, err := p.store.ClearExhausted(ctx); err != nil {
				p.logger.Warn("exhausted sweep failed", "error", err)
			} else if n > 0 {
				p.logger.Info("cleared exhausted queue entries", "count", n)
			}
		}
	}
}

// DrainAll drains the queue for every currently online assistant.
func (p *Processor) DrainAll(ctx context.Context) {
	for _, id := range p.registry.OnlineList() {
		p.Drain(ctx, id)
	}
}

// Drain attempts delivery of due entries addressed to target. Entries
// are delivered by marking the message delivered; on failure the
// attempt counter advances and the entry is rescheduled.
func (p *Processor) Drain(ctx context.Context, target models.AssistantID) {
	// The registry may have changed since the caller looked.
	if !p.registry.IsOnline(target) {
		return
	}

	entries, err := p.store.DequeueMessages(ctx, target, drainBatch)
	if err != nil {
		p.logger.Warn("dequeue failed", "target", target, "error", err)
		return
	}
	for _, entry := range entries {
		if _, err := p.store.GetMessage(ctx, entry.MessageID); errors.Is(err, store.ErrNotFound) {
			// Orphaned entry: the message is gone, drop it.
			if rerr := p.store.RemoveFromQueue(ctx, entry.MessageID); rerr != nil {
				p.logger.Warn("orphan cleanup failed", "message_id", entry.MessageID, "error", rerr)
			}
			p.count("removed")
			continue
		}
		if !p.registry.IsOnline(target) {
			// The target dropped mid-drain; reschedule and stop.
			p.retryLater(ctx, entry, errTargetOffline)
			return
		}
		if err := p.deliver(ctx, entry); err != nil {
			p.retryLater(ctx, entry, err)
			continue
		}
		if err := p.store.RemoveFromQueue(ctx, entry.MessageID); err != nil {
			p.logger.Warn("dequeue cleanup failed", "message_id", entry.MessageID, "error", err)
		}
		p.count("delivered")
		p.logger.Info("queued message delivered", "message_id", entry.MessageID, "target", target)
	}
}

// retryLater advances the attempt counter and pushes next_attempt out
// by the backoff delay.
func (p *Processor) retryLater(ctx context.Context, entry *models.QueueEntry, cause error) {
	p.count("retry")
	delay := p.policy.Delay(entry.Attempts)
	if err := p.store.IncrementAttempts(ctx, entry.ID, delay); err != nil {
		p.logger.Warn("retry bookkeeping failed", "entry_id", entry.ID, "error", err)
	}
	p.logger.Debug("queued delivery deferred", "message_id", entry.MessageID,
		"attempt", entry.Attempts+1, "retry_in", delay, "cause", cause)
}

func (p *Processor) deliver(ctx context.Context, entry *models.QueueEntry) error {
	_, err := p.store.UpdateMessageStatus(ctx, entry.MessageID, models.MessageDelivered)
	if errors.Is(err, store.ErrStatusRegression) {
		// The message already moved past delivered; the entry is stale.
		return nil
	}
	return err
}

func (p *Processor) count(outcome string) {
	if p.metrics != nil {
		p.metrics.QueueDeliveries.WithLabelValues(outcome).Inc()
	}
}
