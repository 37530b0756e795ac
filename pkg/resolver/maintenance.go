package resolver

import (
	"context"
	"fmt"
	"time"

	"github.com/verana-labs/trust-resolver/pkg/credential"
	"github.com/verana-labs/trust-resolver/pkg/state"
	"github.com/verana-labs/trust-resolver/pkg/trust"
	"github.com/verana-labs/trust-resolver/pkg/vpr"
)

// retryDue gives queued failures whose daily window has opened another
// try. Retries run the ordinary two passes over the owning DIDs, so a
// success clears the queue row and a failure bumps its retry count.
func (p *Poller) retryDue(ctx context.Context, block int64) error {
	rows, err := p.store.RetryEligible(ctx, p.retention)
	if err != nil {
		return fmt.Errorf("list retry eligible: %w", err)
	}
	if len(rows) == 0 {
		return nil
	}

	dids := ownerDids(rows)
	p.log.Info("retrying queued failures", "rows", len(rows), "dids", len(dids), "block", block)
	resolved := p.pass1(ctx, dids, block)
	return p.pass2(ctx, resolved, block)
}

// refreshExpiring re-evaluates results approaching expiry, anchored at
// the current cursor, so DIDs with no on-chain activity never go stale.
func (p *Poller) refreshExpiring(ctx context.Context, block int64) {
	if ctx.Err() != nil {
		return
	}
	cutoff := p.now().Add(p.refreshWindow)
	dids, err := p.store.ListExpiring(ctx, cutoff, p.refreshLimit)
	if err != nil {
		p.log.Error("list expiring failed", "error", err)
		return
	}
	if len(dids) == 0 {
		return
	}
	p.log.Info("refreshing expiring results", "count", len(dids), "block", block)
	resolved := p.pass1(ctx, dids, block)
	if err := p.pass2(ctx, resolved, block); err != nil {
		p.log.Error("refresh evaluation failed", "error", err)
		p.metrics.RecordError(ctx, "refresh", err)
	}
}

// sweepExpiredRetries drops reattempt rows older than the retention
// window and pins their owning DIDs UNTRUSTED: after that many days of
// failed attempts the benefit of the doubt is used up.
func (p *Poller) sweepExpiredRetries(ctx context.Context, block int64) {
	if ctx.Err() != nil {
		return
	}
	removed, err := p.store.CleanupExpiredRetries(ctx, p.retention)
	if err != nil {
		p.log.Error("retry cleanup failed", "error", err)
		return
	}
	if len(removed) == 0 {
		return
	}

	seen := make(map[string]struct{}, len(removed))
	var escalate []*trust.Result
	for _, row := range removed {
		owner := row.OwnerDid
		if owner == "" {
			owner = row.ResourceID
		}
		if !vpr.IsDid(owner) {
			continue
		}
		if _, dup := seen[owner]; dup {
			continue
		}
		seen[owner] = struct{}{}
		cause := fmt.Errorf("failing since %s, retry window exhausted",
			row.FirstFailure.UTC().Format(time.RFC3339))
		escalate = append(escalate,
			trust.Unresolvable(owner, credential.ErrCodeEvaluationError, cause, block, p.now(), p.trustTTL))
	}
	if len(escalate) == 0 {
		return
	}
	if err := p.store.UpsertResults(ctx, escalate); err != nil {
		p.log.Error("persist escalations failed", "error", err)
		return
	}
	p.log.Warn("escalated after exhausted retries", "dids", len(escalate))
}

// ownerDids maps queue rows to the distinct DIDs whose evaluation they
// belong to, in queue order.
func ownerDids(rows []state.Reattempt) []string {
	seen := make(map[string]struct{}, len(rows))
	out := make([]string, 0, len(rows))
	for _, row := range rows {
		owner := row.OwnerDid
		if owner == "" {
			owner = row.ResourceID
		}
		if !vpr.IsDid(owner) {
			continue
		}
		if _, dup := seen[owner]; dup {
			continue
		}
		seen[owner] = struct{}{}
		out = append(out, owner)
	}
	return out
}
