// Package resolver drives the block-processing pipeline: it follows the
// indexer chain head, re-resolves the DIDs each block touched, refreshes
// trust results nearing expiry, and retries failed resources on a daily
// cadence. Exactly one instance runs the pipeline at a time, gated by the
// leader lock.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/verana-labs/trust-resolver/pkg/did"
	"github.com/verana-labs/trust-resolver/pkg/observability"
	"github.com/verana-labs/trust-resolver/pkg/state"
	"github.com/verana-labs/trust-resolver/pkg/trust"
	"github.com/verana-labs/trust-resolver/pkg/vp"
	"github.com/verana-labs/trust-resolver/pkg/vpr"
)

// DocumentSource resolves DID documents and can drop cached copies.
type DocumentSource interface {
	Resolve(ctx context.Context, d string) (*did.Document, error)
	Invalidate(ctx context.Context, d string) error
}

var _ DocumentSource = (*did.CachedResolver)(nil)

// PresentationSource dereferences linked verifiable presentations and can
// drop cached copies.
type PresentationSource interface {
	DereferenceAll(ctx context.Context, endpoints []string) ([]vp.Dereferenced, []vp.Failure)
	Invalidate(ctx context.Context, endpoint string) error
}

var _ PresentationSource = (*vp.Dereferencer)(nil)

// TrustSource produces trust results within an evaluation context.
type TrustSource interface {
	Resolve(ctx context.Context, d string, ec *trust.EvalContext) (*trust.Result, error)
}

var _ TrustSource = (*trust.Resolver)(nil)

// memoClearer is implemented by indexer clients that memoize at-block
// reads; the memo is dropped at the start of every cycle.
type memoClearer interface{ ClearMemo() }

// Config wires the poller's collaborators and tuning knobs.
type Config struct {
	Store         state.Store
	Lock          state.LeaderLock
	Indexer       vpr.Indexer
	Events        vpr.EventSource // optional push channel; polling continues regardless
	Docs          DocumentSource
	Presentations PresentationSource
	Trust         TrustSource

	// AllowedEcosystems is the operator's ecosystem DID allowlist, shared
	// by every evaluation tree.
	AllowedEcosystems []string

	PollInterval time.Duration
	TrustTTL     time.Duration
	// RefreshWindow is how far before expiry a result becomes eligible
	// for re-evaluation.
	RefreshWindow time.Duration
	// RefreshLimit caps how many expiring results one cycle refreshes.
	RefreshLimit int
	// Retention bounds how long a failing resource is retried before its
	// owner is pinned UNTRUSTED.
	Retention time.Duration

	Now     func() time.Time
	Logger  *slog.Logger
	Metrics *observability.Provider
}

// Poller owns the processing loop. Construct with New, then call Run on
// the leader instance.
type Poller struct {
	store   state.Store
	lock    state.LeaderLock
	indexer vpr.Indexer
	events  vpr.EventSource
	docs    DocumentSource
	vps     PresentationSource
	trust   TrustSource

	allowed       []string
	pollInterval  time.Duration
	trustTTL      time.Duration
	refreshWindow time.Duration
	refreshLimit  int
	retention     time.Duration

	now     func() time.Time
	log     *slog.Logger
	metrics *observability.Provider
}

// New builds a poller from its config, applying defaults for unset knobs.
func New(cfg Config) *Poller {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.TrustTTL <= 0 {
		cfg.TrustTTL = time.Hour
	}
	if cfg.RefreshWindow <= 0 {
		cfg.RefreshWindow = cfg.TrustTTL / 5
	}
	if cfg.RefreshLimit <= 0 {
		cfg.RefreshLimit = 100
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 7 * 24 * time.Hour
	}
	return &Poller{
		store:         cfg.Store,
		lock:          cfg.Lock,
		indexer:       cfg.Indexer,
		events:        cfg.Events,
		docs:          cfg.Docs,
		vps:           cfg.Presentations,
		trust:         cfg.Trust,
		allowed:       cfg.AllowedEcosystems,
		pollInterval:  cfg.PollInterval,
		trustTTL:      cfg.TrustTTL,
		refreshWindow: cfg.RefreshWindow,
		refreshLimit:  cfg.RefreshLimit,
		retention:     cfg.Retention,
		now:           cfg.Now,
		log:           cfg.Logger.With("component", "poller"),
		metrics:       cfg.Metrics,
	}
}

// Run acquires leadership, then cycles until ctx ends: once per poll
// interval, plus immediately on every block-processed event. Returns nil
// on cancellation and an error when leadership is lost.
func (p *Poller) Run(ctx context.Context) error {
	if err := p.acquireLeadership(ctx); err != nil {
		return err
	}
	defer func() { _ = p.lock.Release(context.WithoutCancel(ctx)) }()

	var events <-chan vpr.BlockEvent
	if p.events != nil {
		ch, err := p.events.Subscribe(ctx)
		if err != nil {
			p.log.Warn("event subscription failed, polling only", "error", err)
		} else {
			events = ch
		}
	}

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	p.log.Info("poller started", "interval", p.pollInterval)
	for {
		held, err := p.lock.TryAcquire(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("leader lock check: %w", err)
		}
		if !held {
			return errors.New("leader lock lost")
		}

		p.Cycle(ctx)

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			p.log.Debug("block event received", "height", ev.Height)
		}
	}
}

// acquireLeadership blocks until this instance holds the leader lock.
func (p *Poller) acquireLeadership(ctx context.Context) error {
	for {
		held, err := p.lock.TryAcquire(ctx)
		if err != nil {
			return fmt.Errorf("acquire leader lock: %w", err)
		}
		if held {
			p.log.Info("leadership acquired")
			return nil
		}
		p.log.Debug("leadership held elsewhere, standing by")
		if !sleepCtx(ctx, p.pollInterval) {
			return ctx.Err()
		}
	}
}

// Cycle runs one full poll cycle: advance the cursor block by block, then
// refresh expiring results and sweep retries past retention. The two
// maintenance passes run even when a block deferred, so quiet failures
// never stall result freshness. Run calls this continuously; the sync
// command calls it once.
func (p *Poller) Cycle(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if mc, ok := p.indexer.(memoClearer); ok {
		mc.ClearMemo()
	}

	last, err := p.store.LastProcessedBlock(ctx)
	if err != nil {
		p.log.Error("read cursor failed", "error", err)
		return
	}

	height, err := p.indexer.BlockHeight(ctx)
	switch {
	case err != nil:
		p.log.Warn("indexer height unavailable", "error", err)
		p.metrics.RecordError(ctx, "height", err)
	case height < last:
		// A rolled-back indexer reports a lower head; never follow it
		// down, just wait for it to catch back up.
		p.log.Warn("indexer behind cursor", "height", height, "cursor", last)
	default:
		for last < height && ctx.Err() == nil {
			target := last + 1
			if err := p.processBlock(ctx, target); err != nil {
				if ctx.Err() != nil {
					return
				}
				// The cursor stays put: the whole block is redone next
				// cycle rather than half-applied now.
				p.log.Warn("block deferred", "height", target, "error", err)
				p.metrics.RecordError(ctx, "block", err)
				break
			}
			if err := p.store.SetLastProcessedBlock(ctx, target); err != nil {
				p.log.Error("advance cursor failed", "height", target, "error", err)
				break
			}
			p.metrics.RecordBlock(ctx, target)
			last = target
		}
	}

	p.refreshExpiring(ctx, last)
	p.sweepExpiredRetries(ctx, last)
}

// processBlock applies one block: re-resolve the DIDs it touched, then
// give due reattempts their daily try. Any error means the block must be
// redone and the cursor must not advance.
func (p *Poller) processBlock(ctx context.Context, target int64) error {
	feed, err := p.indexer.ListChanges(ctx, target)
	if err != nil {
		return fmt.Errorf("list changes at %d: %w", target, err)
	}
	if dids := vpr.AffectedDids(feed); len(dids) > 0 {
		p.log.Info("processing block", "height", target, "affected", len(dids))
		resolved := p.pass1(ctx, dids, target)
		if err := p.pass2(ctx, resolved, target); err != nil {
			return err
		}
	}
	return p.retryDue(ctx, target)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
