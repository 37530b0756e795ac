// Package trust resolves the trust status of a DID: it walks the DID's
// linked presentations, runs every credential through the evaluator, and
// applies the verifiable-service rules across ecosystems. Recursive
// issuer resolutions share one EvalContext per tree so cycles terminate
// and repeated DIDs are evaluated once.
package trust

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/verana-labs/trust-resolver/pkg/credential"
	"github.com/verana-labs/trust-resolver/pkg/did"
	"github.com/verana-labs/trust-resolver/pkg/vp"
)

// PresentationSource yields the credentials linked from a DID document's
// service endpoints.
type PresentationSource interface {
	DereferenceAll(ctx context.Context, endpoints []string) ([]vp.Dereferenced, []vp.Failure)
}

var _ PresentationSource = (*vp.Dereferencer)(nil)

// CredentialEvaluator runs the per-credential pipeline.
type CredentialEvaluator interface {
	Evaluate(ctx context.Context, in credential.Input) (*credential.Evaluation, *credential.Failed)
}

var _ CredentialEvaluator = (*credential.Evaluator)(nil)

// Config wires the resolver's collaborators.
type Config struct {
	Docs          did.Resolver
	Presentations PresentationSource
	Evaluator     CredentialEvaluator
	Now           func() time.Time
	Logger        *slog.Logger
}

// Resolver produces trust results. One Resolver serves many trees;
// per-tree state lives in the EvalContext handed to Resolve.
type Resolver struct {
	docs did.Resolver
	vps  PresentationSource
	eval CredentialEvaluator
	now  func() time.Time
	log  *slog.Logger
}

// New builds a resolver from its config.
func New(cfg Config) *Resolver {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Resolver{
		docs: cfg.Docs,
		vps:  cfg.Presentations,
		eval: cfg.Evaluator,
		now:  cfg.Now,
		log:  cfg.Logger.With("component", "trust_resolver"),
	}
}

// Resolve produces the trust result for one DID within ec's tree. Domain
// failures are folded into the result itself; the error return fires only
// on context cancellation.
func (r *Resolver) Resolve(ctx context.Context, d string, ec *EvalContext) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if res, ok := ec.memoized(d); ok {
		return res, nil
	}
	if ec.entered(d) {
		r.log.Debug("trust cycle detected", "did", d)
		res := r.skeleton(d, ec)
		res.FailedCredentials = append(res.FailedCredentials, credential.Failed{
			Code:   credential.ErrCodeCircularReference,
			Reason: fmt.Sprintf("%s appears twice on its own trust path", d),
		})
		return ec.memoize(res), nil
	}
	ec.enter(d)

	doc, err := r.docs.Resolve(ctx, d)
	if err != nil {
		r.log.Warn("did resolution failed", "did", d, "permanent", did.IsPermanent(err), "error", err)
		res := r.skeleton(d, ec)
		res.ResolutionErr = err
		res.FailedCredentials = append(res.FailedCredentials, credential.Failed{
			Code:   credential.ErrCodeDidResolutionFailed,
			Reason: err.Error(),
		})
		return ec.memoize(res), nil
	}

	res := r.skeleton(d, ec)
	derefs, failures := r.vps.DereferenceAll(ctx, vp.Endpoints(doc))
	for _, f := range failures {
		res.VPErrors = append(res.VPErrors, VPError{URL: f.URL, Reason: f.Err.Error()})
	}

	lookup := func(x string) (credential.TrustHint, bool) {
		if m, ok := ec.memoized(x); ok {
			return Hint(m), true
		}
		return credential.TrustHint{}, false
	}

	var valid []credential.Evaluation
	for _, deref := range derefs {
		for _, raw := range deref.Credentials {
			eval, failed := r.eval.Evaluate(ctx, credential.Input{
				Raw:         raw,
				PresentedBy: d,
				AtBlock:     ec.block,
				Trust:       lookup,
			})
			if failed != nil {
				res.FailedCredentials = append(res.FailedCredentials, *failed)
				continue
			}
			res.Credentials = append(res.Credentials, *eval)
			if eval.Result == credential.ResultValid {
				valid = append(valid, *eval)
			}
		}
	}

	res.Status = r.requirements(ctx, d, valid, ec)
	for i := range res.Credentials {
		if res.Credentials[i].Result == credential.ResultValid && res.Credentials[i].EcsType != "" {
			res.Production = true
			break
		}
	}
	r.log.Debug("trust resolved",
		"did", d, "status", res.Status, "credentials", len(res.Credentials),
		"failed", len(res.FailedCredentials), "block", ec.block)
	return ec.memoize(res), nil
}

// skeleton stamps a new result with the tree's evaluation coordinates.
// Slices start non-nil so empty lists serialize as [].
func (r *Resolver) skeleton(d string, ec *EvalContext) *Result {
	now := r.now().UTC()
	return &Result{
		Did:               d,
		Status:            StatusUntrusted,
		EvaluatedAt:       now,
		EvaluatedAtBlock:  ec.block,
		ExpiresAt:         now.Add(ec.ttl),
		Credentials:       []credential.Evaluation{},
		FailedCredentials: []credential.Failed{},
	}
}
