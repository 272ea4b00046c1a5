package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shineum/smtp-relay/internal/email"
	"github.com/shineum/smtp-relay/internal/provider"
)

// Recorder receives the outcome of every delivery attempt.
type Recorder interface {
	RecordSuccess(identity string, at time.Time)
	RecordFailure(identity string, at time.Time)
}

// ProcessorOptions configures a Processor.
type ProcessorOptions struct {
	// PollInterval is the longest the processor sleeps without a wake signal.
	PollInterval time.Duration
	// SendTimeout bounds a single provider call.
	SendTimeout time.Duration
	// Retention is how long Sent and Failed items are kept. Zero keeps them
	// until the process exits.
	Retention time.Duration
}

// Processor is the single consumer of a Queue.
type Processor struct {
	queue    *Queue
	provider provider.Provider
	recorder Recorder
	opts     ProcessorOptions
	log      *slog.Logger
	now      func() time.Time

	lastPurge time.Time
}

// NewProcessor creates a Processor. recorder may be nil.
func NewProcessor(q *Queue, p provider.Provider, recorder Recorder, opts ProcessorOptions, log *slog.Logger) *Processor {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 30 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Processor{
		queue:    q,
		provider: p,
		recorder: recorder,
		opts:     opts,
		log:      log.With("component", "processor", "provider", p.Name()),
		now:      time.Now,
	}
}

// Run dispatches due items until ctx is cancelled. A send in flight when ctx
// ends runs to completion (bounded by SendTimeout) before Run returns.
func (p *Processor) Run(ctx context.Context) {
	p.log.Info("queue processor started")
	defer p.log.Info("queue processor stopped")

	timer := time.NewTimer(p.opts.PollInterval)
	defer timer.Stop()

	for {
		p.drain(ctx)
		if ctx.Err() != nil {
			return
		}
		p.purge()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(p.sleepFor())

		select {
		case <-ctx.Done():
			return
		case <-p.queue.Wake():
		case <-timer.C:
		}
	}
}

// sleepFor returns min(poll interval, time until the next due item).
func (p *Processor) sleepFor() time.Duration {
	wait := p.opts.PollInterval
	if next, ok := p.queue.NextDue(); ok {
		if d := next.Sub(p.now()); d < wait {
			wait = max(d, 0)
		}
	}
	return wait
}

// drain dispatches every item that is due now, one at a time.
func (p *Processor) drain(ctx context.Context) {
	for ctx.Err() == nil {
		it, ok := p.queue.Dequeue(p.now())
		if !ok {
			return
		}
		p.dispatch(ctx, it)
	}
}

// send calls the provider and turns a panic into a transient failure.
func (p *Processor) send(ctx context.Context, msg *email.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("provider panicked", "panic", r)
			err = provider.TransientError(fmt.Errorf("provider panic: %v", r))
		}
	}()
	return p.provider.Send(ctx, msg)
}

func (p *Processor) dispatch(ctx context.Context, it Item) {
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.opts.SendTimeout)
	err := p.send(sendCtx, it.Message)
	cancel()

	now := p.now()
	log := p.log.With("id", it.ID, "identity", it.Identity, "attempt", it.Retries+1)

	if err == nil {
		if _, qerr := p.queue.Complete(it.ID, now); qerr != nil {
			log.Error("failed to record delivery", "error", qerr)
		}
		if p.recorder != nil {
			p.recorder.RecordSuccess(it.Identity, now)
		}
		log.Info("message delivered", "recipients", len(it.Message.To))
		return
	}

	if p.recorder != nil {
		p.recorder.RecordFailure(it.Identity, now)
	}

	updated, qerr := p.queue.Fail(it.ID, err, provider.RetryAfter(err), now)
	if qerr != nil {
		log.Error("failed to record delivery failure", "error", qerr, "send_error", err)
		return
	}

	kind := "transient"
	if provider.IsPermanent(err) {
		kind = "permanent"
	}

	switch {
	case updated.Status == Failed:
		log.Error("delivery failed, giving up",
			"kind", kind,
			"retries", updated.Retries,
			"error", err,
		)
	case kind == "permanent":
		log.Warn("permanent delivery failure, will retry",
			"retries", updated.Retries,
			"next_retry", updated.NextRetry,
			"error", err,
		)
	default:
		log.Warn("transient delivery failure, will retry",
			"retries", updated.Retries,
			"next_retry", updated.NextRetry,
			"error", err,
		)
	}
}

// purge drops old terminal items at most once per retention/10.
func (p *Processor) purge() {
	if p.opts.Retention <= 0 {
		return
	}
	now := p.now()
	if now.Sub(p.lastPurge) < p.opts.Retention/10 {
		return
	}
	p.lastPurge = now
	if n := p.queue.Purge(now.Add(-p.opts.Retention)); n > 0 {
		p.log.Debug("purged finished queue items", "count", n)
	}
}
