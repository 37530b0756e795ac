package trust

import (
	"context"

	"github.com/verana-labs/trust-resolver/pkg/credential"
)

// requirements applies the verifiable-service rules over the valid
// credentials: group by ecosystem, demand a service credential per group,
// and tie it back to an organization or persona credential (the DID's
// own when the service is self-issued, the issuer's otherwise).
func (r *Resolver) requirements(ctx context.Context, d string, valid []credential.Evaluation, ec *EvalContext) Status {
	groups := make(map[string][]credential.Evaluation)
	var order []string
	for _, c := range valid {
		eco := c.SchemaEcosystemDid
		if eco == "" || !ec.allowedEcosystem(eco) {
			continue
		}
		if _, seen := groups[eco]; !seen {
			order = append(order, eco)
		}
		groups[eco] = append(groups[eco], c)
	}
	if len(groups) == 0 {
		return StatusUntrusted
	}

	satisfied := 0
	for _, eco := range order {
		if r.ecosystemSatisfied(ctx, d, groups[eco], ec) {
			satisfied++
		}
	}
	switch {
	case satisfied == len(order):
		return StatusTrusted
	case satisfied > 0:
		return StatusPartial
	default:
		return StatusUntrusted
	}
}

func (r *Resolver) ecosystemSatisfied(ctx context.Context, d string, group []credential.Evaluation, ec *EvalContext) bool {
	var service *credential.Evaluation
	for i := range group {
		if group[i].EcsType == credential.ECSService {
			service = &group[i]
			break
		}
	}
	if service == nil {
		return false
	}

	if service.IssuedBy == d {
		// Self-issued: the DID itself must present an organization or
		// persona credential in the same ecosystem.
		for i := range group {
			if group[i].PresentedBy != d {
				continue
			}
			if group[i].EcsType == credential.ECSOrg || group[i].EcsType == credential.ECSPersona {
				return true
			}
		}
		return false
	}

	// Externally issued: the issuer must itself present a valid
	// organization or persona credential. Resolved in the same tree so
	// memoization and cycle detection apply.
	if service.IssuedBy == "" {
		return false
	}
	issuerRes, err := r.Resolve(ctx, service.IssuedBy, ec)
	if err != nil || issuerRes == nil {
		return false
	}
	return issuerRes.HasValidOrgOrPersona(service.IssuedBy)
}
