package resolver

import (
	"context"
	"fmt"

	"github.com/verana-labs/trust-resolver/pkg/credential"
	"github.com/verana-labs/trust-resolver/pkg/did"
	"github.com/verana-labs/trust-resolver/pkg/observability"
	"github.com/verana-labs/trust-resolver/pkg/state"
	"github.com/verana-labs/trust-resolver/pkg/trust"
	"github.com/verana-labs/trust-resolver/pkg/vp"
)

// pass1 refreshes the raw material for each DID: drop the cached document
// and presentations, re-resolve, re-dereference. Returns the DIDs whose
// documents resolved; the rest are queued for reattempt, with dead DIDs
// written UNTRUSTED on the spot.
func (p *Poller) pass1(ctx context.Context, dids []string, block int64) []string {
	resolved := make([]string, 0, len(dids))
	for _, d := range dids {
		if ctx.Err() != nil {
			break
		}
		if err := p.docs.Invalidate(ctx, d); err != nil {
			p.log.Warn("document invalidate failed", "did", d, "error", err)
		}
		doc, err := p.docs.Resolve(ctx, d)
		if err != nil {
			p.recordResolutionFailure(ctx, d, err, block)
			continue
		}

		endpoints := vp.Endpoints(doc)
		for _, ep := range endpoints {
			if err := p.vps.Invalidate(ctx, ep); err != nil {
				p.log.Warn("presentation invalidate failed", "url", ep, "error", err)
			}
		}
		derefs, failures := p.vps.DereferenceAll(ctx, endpoints)
		for _, f := range failures {
			p.log.Warn("presentation fetch deferred", "did", d, "url", f.URL, "error", f.Err)
			p.addReattempt(ctx, f.URL, d, state.ResourceVPURL, state.ErrorTransient)
		}
		for _, deref := range derefs {
			p.removeReattempt(ctx, deref.URL)
		}
		resolved = append(resolved, d)
	}
	return resolved
}

// recordResolutionFailure handles a DID whose document did not come back.
// Dead DIDs (bad syntax, unsupported method, no document) become UNTRUSTED
// immediately; transport trouble leaves the stored result alone. Both get
// a reattempt row, since even dead domains have a habit of returning.
func (p *Poller) recordResolutionFailure(ctx context.Context, d string, cause error, block int64) {
	if did.IsPermanent(cause) {
		p.log.Warn("did unresolvable", "did", d, "error", cause)
		res := trust.Unresolvable(d, credential.ErrCodeDidResolutionFailed, cause, block, p.now(), p.trustTTL)
		if err := p.store.UpsertResults(ctx, []*trust.Result{res}); err != nil {
			p.log.Error("persist unresolvable result failed", "did", d, "error", err)
		}
		p.addReattempt(ctx, d, d, state.ResourceDid, state.ErrorPermanent)
		return
	}
	p.log.Warn("did resolution deferred", "did", d, "error", cause)
	p.addReattempt(ctx, d, d, state.ResourceDid, state.ErrorTransient)
}

// pass2 runs the trust resolver over each DID that survived pass 1,
// persisting every result its evaluation tree produced. Only store
// failures propagate; evaluator trouble is queued and skipped.
func (p *Poller) pass2(ctx context.Context, dids []string, block int64) error {
	for _, d := range dids {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.evaluate(ctx, d, block); err != nil {
			return err
		}
	}
	return nil
}

// evaluate resolves one DID in a fresh evaluation tree.
func (p *Poller) evaluate(ctx context.Context, d string, block int64) error {
	start := p.now()
	ec := trust.NewEvalContext(block, p.trustTTL, p.allowed)
	res, err := p.resolveSafe(ctx, d, ec)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		p.log.Warn("trust evaluation deferred", "did", d, "error", err)
		p.addReattempt(ctx, d, d, state.ResourceTrustEval, state.ErrorTransient)
		p.metrics.RecordError(ctx, "pass2", err)
		return nil
	}

	// The tree may contain recursively resolved issuers. Persist what is
	// conclusive; DIDs that failed resolution transiently keep whatever
	// row they already have and go on the retry queue instead.
	results := ec.Results()
	persist := make([]*trust.Result, 0, len(results))
	for _, r := range results {
		if r.ResolutionErr != nil {
			if did.IsPermanent(r.ResolutionErr) {
				p.addReattempt(ctx, r.Did, r.Did, state.ResourceDid, state.ErrorPermanent)
				persist = append(persist, r)
			} else {
				p.addReattempt(ctx, r.Did, r.Did, state.ResourceDid, state.ErrorTransient)
			}
			continue
		}
		persist = append(persist, r)
	}
	if err := p.store.UpsertResults(ctx, persist); err != nil {
		return fmt.Errorf("persist results for %s: %w", d, err)
	}
	if res.ResolutionErr == nil {
		p.removeReattempt(ctx, d)
	}

	p.metrics.RecordResolution(ctx, string(res.Status), p.now().Sub(start),
		observability.ResolutionAttrs(d, block)...)
	return nil
}

// resolveSafe shields the loop from evaluator panics; one misbehaving
// credential tree must not take the whole cycle down.
func (p *Poller) resolveSafe(ctx context.Context, d string, ec *trust.EvalContext) (res *trust.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("trust evaluation panicked: %v", r)
		}
	}()
	return p.trust.Resolve(ctx, d, ec)
}

func (p *Poller) addReattempt(ctx context.Context, id, owner string, typ state.ResourceType, errType state.ErrorType) {
	if err := p.store.AddReattemptable(ctx, id, owner, typ, errType); err != nil {
		p.log.Error("queue reattempt failed", "resource", id, "error", err)
		return
	}
	p.metrics.RecordReattempt(ctx, string(typ), string(errType))
}

func (p *Poller) removeReattempt(ctx context.Context, id string) {
	if err := p.store.RemoveReattemptable(ctx, id); err != nil {
		p.log.Error("clear reattempt failed", "resource", id, "error", err)
	}
}
