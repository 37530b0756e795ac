package trust

import "time"

// EvalContext carries the state of one resolution tree: the DIDs already
// entered (cycle detection), the memo of finished results, and the
// parameters every evaluation in the tree shares. A context is confined
// to one tree and never reused across top-level resolutions.
type EvalContext struct {
	block   int64
	ttl     time.Duration
	allowed map[string]struct{}

	visited map[string]struct{}
	memo    map[string]*Result
	order   []string
}

// NewEvalContext opens a fresh tree pinned at block, with result lifetime
// ttl and the given allowed ecosystem DIDs.
func NewEvalContext(block int64, ttl time.Duration, allowedEcosystems []string) *EvalContext {
	allowed := make(map[string]struct{}, len(allowedEcosystems))
	for _, d := range allowedEcosystems {
		allowed[d] = struct{}{}
	}
	return &EvalContext{
		block:   block,
		ttl:     ttl,
		allowed: allowed,
		visited: make(map[string]struct{}),
		memo:    make(map[string]*Result),
	}
}

// Block returns the block the whole tree is evaluated against.
func (ec *EvalContext) Block() int64 { return ec.block }

// Results returns every memoized result in first-finished order. The
// processing pipeline persists these after each top-level resolution, so
// recursively resolved issuers get rows of their own.
func (ec *EvalContext) Results() []*Result {
	out := make([]*Result, 0, len(ec.order))
	for _, d := range ec.order {
		out = append(out, ec.memo[d])
	}
	return out
}

func (ec *EvalContext) allowedEcosystem(d string) bool {
	_, ok := ec.allowed[d]
	return ok
}

func (ec *EvalContext) memoized(d string) (*Result, bool) {
	r, ok := ec.memo[d]
	return r, ok
}

// memoize inserts res unless the DID already has an entry. The first
// write wins: a cycle placeholder recorded mid-tree must not be papered
// over when the evaluation above it completes.
func (ec *EvalContext) memoize(res *Result) *Result {
	if existing, ok := ec.memo[res.Did]; ok {
		return existing
	}
	ec.memo[res.Did] = res
	ec.order = append(ec.order, res.Did)
	return res
}

func (ec *EvalContext) entered(d string) bool {
	_, ok := ec.visited[d]
	return ok
}

func (ec *EvalContext) enter(d string) {
	ec.visited[d] = struct{}{}
}
