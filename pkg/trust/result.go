package trust

import (
	"time"

	"github.com/verana-labs/trust-resolver/pkg/credential"
)

// Status is the aggregate verdict over a DID's ecosystem groups.
type Status string

const (
	StatusTrusted   Status = "TRUSTED"
	StatusPartial   Status = "PARTIAL"
	StatusUntrusted Status = "UNTRUSTED"
)

// VPError reports one presentation endpoint that could not be
// dereferenced. These are infrastructure failures, kept apart from
// credential verdicts.
type VPError struct {
	URL    string `json:"url"`
	Reason string `json:"reason"`
}

// Result is the full trust verdict for one DID at one block.
type Result struct {
	Did               string                  `json:"did"`
	Status            Status                  `json:"trustStatus"`
	Production        bool                    `json:"production"`
	EvaluatedAt       time.Time               `json:"evaluatedAt"`
	EvaluatedAtBlock  int64                   `json:"evaluatedAtBlock"`
	ExpiresAt         time.Time               `json:"expiresAt"`
	Credentials       []credential.Evaluation `json:"credentials"`
	FailedCredentials []credential.Failed     `json:"failedCredentials"`
	VPErrors          []VPError               `json:"vpDereferenceErrors,omitempty"`

	// ResolutionErr is set when the DID document itself could not be
	// resolved. did.IsPermanent distinguishes a dead DID from transport
	// trouble; callers use that to pick the reattempt class.
	ResolutionErr error `json:"-"`
}

// Unresolvable builds the UNTRUSTED result recorded when a DID cannot be
// processed at all: its document never resolved, or its failures outlived
// the reattempt retention window. code is the credential error code that
// explains the verdict.
func Unresolvable(d string, code credential.ErrorCode, cause error, block int64, now time.Time, ttl time.Duration) *Result {
	now = now.UTC()
	return &Result{
		Did:              d,
		Status:           StatusUntrusted,
		EvaluatedAt:      now,
		EvaluatedAtBlock: block,
		ExpiresAt:        now.Add(ttl),
		Credentials:      []credential.Evaluation{},
		FailedCredentials: []credential.Failed{{
			Code:   code,
			Reason: cause.Error(),
		}},
		ResolutionErr: cause,
	}
}

// HasValidOrgOrPersona reports whether the result carries a VALID
// organization or persona credential presented by the given DID.
func (r *Result) HasValidOrgOrPersona(presentedBy string) bool {
	for i := range r.Credentials {
		c := &r.Credentials[i]
		if c.Result != credential.ResultValid || c.PresentedBy != presentedBy {
			continue
		}
		if c.EcsType == credential.ECSOrg || c.EcsType == credential.ECSPersona {
			return true
		}
	}
	return false
}

func (r *Result) firstValid(types ...credential.ECSType) *credential.Evaluation {
	for i := range r.Credentials {
		c := &r.Credentials[i]
		if c.Result != credential.ResultValid {
			continue
		}
		for _, t := range types {
			if c.EcsType == t {
				return c
			}
		}
	}
	return nil
}

func claimStr(claims map[string]any, key string) string {
	s, _ := claims[key].(string)
	return s
}

// Hint condenses a finished result into the attributes the permission
// chain builder decorates entries with: the service name from the ECS
// service credential and the organization fields from the organization or
// persona credential.
func Hint(res *Result) credential.TrustHint {
	h := credential.TrustHint{Trusted: res.Status == StatusTrusted}
	if svc := res.firstValid(credential.ECSService); svc != nil {
		h.ServiceName = claimStr(svc.Claims, "name")
	}
	if org := res.firstValid(credential.ECSOrg, credential.ECSPersona); org != nil {
		h.OrganizationName = claimStr(org.Claims, "name")
		h.CountryCode = claimStr(org.Claims, "countryCode")
		h.LegalJurisdiction = claimStr(org.Claims, "legalJurisdiction")
	}
	return h
}
