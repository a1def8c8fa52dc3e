package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/rs/zerolog"

	"github.com/iceweasel13/monplace/internal/grid"
	"github.com/iceweasel13/monplace/internal/ledger"
	"github.com/iceweasel13/monplace/internal/observability"
)

// Source is the ledger read side. *ledger.Client implements it.
type Source interface {
	Head(ctx context.Context) (uint64, error)
	FetchPaints(ctx context.Context, from, to uint64) ([]grid.PaintEvent, error)
	SubscribePaints(ctx context.Context, sink chan<- grid.PaintEvent) (ledger.Subscription, error)
}

var _ Source = (*ledger.Client)(nil)

// Options tunes the pipeline. Zero values fall back to the defaults below.
type Options struct {
	PollInterval  time.Duration
	ProbeInterval time.Duration
	// StallBlocks is how far the head may run ahead of the last verified block
	// before the push stream is checked against eth_getLogs.
	StallBlocks uint64
	// StartBlock is used when no checkpoint exists. Zero starts at the head.
	StartBlock uint64
	// MaxRange caps the block span of a single eth_getLogs call.
	MaxRange uint64
	// RetryPushAfter is how long a session polls after push failed to
	// establish before trying push again.
	RetryPushAfter time.Duration
	// Reconnect paces resubscriptions.
	Reconnect func() backoff.BackOff
}

const (
	DefaultPollInterval  = 2 * time.Second
	DefaultProbeInterval = 10 * time.Second
	DefaultStallBlocks   = 30
	DefaultMaxRange      = 1000
)

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.ProbeInterval <= 0 {
		o.ProbeInterval = DefaultProbeInterval
	}
	if o.StallBlocks == 0 {
		o.StallBlocks = DefaultStallBlocks
	}
	if o.MaxRange == 0 {
		o.MaxRange = DefaultMaxRange
	}
	if o.RetryPushAfter <= 0 {
		o.RetryPushAfter = time.Minute
	}
	if o.Reconnect == nil {
		o.Reconnect = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Second
			b.MaxInterval = 30 * time.Second
			b.RandomizationFactor = 0.5
			b.MaxElapsedTime = 0
			return b
		}
	}
	return o
}

// Pipeline keeps the mirror in step with the ledger. Each session subscribes,
// backfills from the resume point to the head, then follows the push stream
// (or polls) until something fails, after which Run starts a new session.
type Pipeline struct {
	source     Source
	applier    *Applier
	checkpoint Checkpoint
	opts       Options
	logger     zerolog.Logger

	// next is the first block not yet handed to the applier.
	next       uint64
	positioned bool
}

func NewPipeline(source Source, applier *Applier, checkpoint Checkpoint, opts Options, logger zerolog.Logger) *Pipeline {
	if checkpoint == nil {
		checkpoint = &MemoryCheckpoint{}
	}
	return &Pipeline{
		source:     source,
		applier:    applier,
		checkpoint: checkpoint,
		opts:       opts.withDefaults(),
		logger:     logger,
	}
}

// Run blocks until ctx is done. It only returns an error when the reconnect
// policy gives up.
func (p *Pipeline) Run(ctx context.Context) error {
	p.applier.Bind(ctx)
	defer p.applier.Wait()
	p.resume(ctx)

	reconnect := p.opts.Reconnect()
	for {
		healthy, reason, err := p.session(ctx)
		if ctx.Err() != nil {
			p.logger.Info().Uint64("next_block", p.next).Msg("ingestion stopped")
			return nil
		}
		if healthy {
			reconnect.Reset()
		}
		observability.RecordResubscribe(reason)
		delay := reconnect.NextBackOff()
		if delay == backoff.Stop {
			return fmt.Errorf("ingest: giving up after %s: %w", reason, err)
		}
		p.logger.Warn().Err(err).Str("reason", reason).Dur("delay", delay).Msg("resubscribing to ledger")
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (p *Pipeline) resume(ctx context.Context) {
	block, ok, err := p.checkpoint.Load(ctx)
	switch {
	case err != nil:
		p.logger.Warn().Err(err).Msg("checkpoint unreadable, ignoring it")
	case ok:
		p.next, p.positioned = block, true
		p.logger.Info().Uint64("block", block).Msg("resuming from checkpoint")
		return
	}
	if p.opts.StartBlock > 0 {
		p.next, p.positioned = p.opts.StartBlock, true
	}
}

// session runs one subscription. healthy reports whether it got far enough
// to reset the reconnect backoff.
func (p *Pipeline) session(ctx context.Context) (healthy bool, reason string, err error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Subscribe before reading the head so nothing lands between backfill
	// and the stream.
	sink := make(chan grid.PaintEvent, 256)
	sub, subErr := p.source.SubscribePaints(ctx, sink)
	if subErr == nil {
		defer sub.Unsubscribe()
	}

	head, err := p.source.Head(ctx)
	if err != nil {
		return false, "head_failed", err
	}
	observability.RecordLedgerHead(head)
	if !p.positioned {
		p.next, p.positioned = head+1, true
		p.logger.Info().Uint64("block", p.next).Msg("no checkpoint, starting at ledger head")
	}
	if err := p.catchUp(ctx, head, nil); err != nil {
		return false, "backfill_failed", err
	}

	if subErr != nil {
		pushFailed := !errors.Is(subErr, ledger.ErrPushUnsupported)
		if pushFailed {
			p.logger.Warn().Err(subErr).Msg("push subscription failed, polling")
		} else {
			p.logger.Info().Dur("interval", p.opts.PollInterval).Msg("transport has no push, polling")
		}
		return p.poll(ctx, pushFailed)
	}
	p.logger.Info().Uint64("head", head).Msg("following ledger push stream")
	return p.follow(ctx, sub, sink)
}

func (p *Pipeline) follow(ctx context.Context, sub ledger.Subscription, sink <-chan grid.PaintEvent) (bool, string, error) {
	probe := time.NewTicker(p.opts.ProbeInterval)
	defer probe.Stop()

	probed := false
	delivered := make(map[uint64]uint64) // seq -> block
	for {
		select {
		case <-ctx.Done():
			return probed, "shutdown", ctx.Err()
		case err, ok := <-sub.Err():
			if !ok || err == nil {
				err = errors.New("push subscription closed")
			}
			return probed, "push_error", err
		case ev := <-sink:
			delivered[ev.SequenceID] = ev.Block
			p.applier.Apply(ctx, ev)
		case <-probe.C:
			head, err := p.source.Head(ctx)
			if err != nil {
				return probed, "probe_failed", err
			}
			observability.RecordLedgerHead(head)
			if head < p.next+p.opts.StallBlocks {
				probed = true
				continue
			}
			to := head - p.opts.StallBlocks
			missed := 0
			err = p.catchUp(ctx, to, func(ev grid.PaintEvent) {
				if _, ok := delivered[ev.SequenceID]; !ok {
					missed++
				}
			})
			if err != nil {
				return probed, "probe_failed", err
			}
			for seq, block := range delivered {
				if block <= to {
					delete(delivered, seq)
				}
			}
			if missed > 0 {
				return probed, "stalled", fmt.Errorf("push stream missed %d events up to block %d", missed, to)
			}
			probed = true
		}
	}
}

func (p *Pipeline) poll(ctx context.Context, pushFailed bool) (bool, string, error) {
	ticker := time.NewTicker(p.opts.PollInterval)
	defer ticker.Stop()
	var retryPush <-chan time.Time
	if pushFailed {
		t := time.NewTimer(p.opts.RetryPushAfter)
		defer t.Stop()
		retryPush = t.C
	}

	polled := false
	for {
		select {
		case <-ctx.Done():
			return polled, "shutdown", ctx.Err()
		case <-retryPush:
			return true, "push_retry", nil
		case <-ticker.C:
			head, err := p.source.Head(ctx)
			if err != nil {
				return polled, "poll_failed", err
			}
			observability.RecordLedgerHead(head)
			if err := p.catchUp(ctx, head, nil); err != nil {
				return polled, "poll_failed", err
			}
			polled = true
		}
	}
}

// saveCheckpoint records the next block to read, held back to the lowest
// block whose events are still being retried so a restart fetches them again.
func (p *Pipeline) saveCheckpoint(ctx context.Context) {
	next := p.next
	if low, ok := p.applier.LowestPending(); ok && low < next {
		next = low
	}
	if err := p.checkpoint.Save(ctx, next); err != nil {
		p.logger.Warn().Err(err).Uint64("block", next).Msg("checkpoint save failed")
	}
}

// catchUp hands every event in [p.next, to] to the applier in MaxRange
// chunks, advancing the checkpoint after each chunk. seen is called for each
// fetched event before it is applied.
func (p *Pipeline) catchUp(ctx context.Context, to uint64, seen func(grid.PaintEvent)) error {
	for p.next <= to {
		end := to
		if to-p.next+1 > p.opts.MaxRange {
			end = p.next + p.opts.MaxRange - 1
		}
		events, err := p.source.FetchPaints(ctx, p.next, end)
		if err != nil {
			return err
		}
		for _, ev := range events {
			if seen != nil {
				seen(ev)
			}
			p.applier.Apply(ctx, ev)
		}
		p.next = end + 1
		p.saveCheckpoint(ctx)
	}
	return nil
}
