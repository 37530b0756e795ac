package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"

	"github.com/verana-labs/trust-resolver/pkg/state"
	"github.com/verana-labs/trust-resolver/pkg/vpr"
)

// headerEvaluatedAtBlock names the response header that tells the caller
// which block height the answer was computed against.
const headerEvaluatedAtBlock = "X-Evaluated-At-Block"

// feeDenom is the trust-unit denomination fees are quoted in.
const feeDenom = "uvna"

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("did", func(fl validator.FieldLevel) bool {
		return vpr.IsDid(fl.Field().String())
	})
	return v
}

// roleQuery is the validated input of the issuer and verifier endpoints.
type roleQuery struct {
	Did       string `validate:"required,did"`
	SchemaID  int64  `validate:"required,gt=0"`
	SessionID string `validate:"omitempty,max=128"`
}

func validationDetail(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		switch verrs[0].Field() {
		case "Did":
			return "did must have the did:<method>:<identifier> form"
		case "SchemaID":
			return "schema_id must be a positive integer"
		case "SessionID":
			return "session_id is too long"
		}
	}
	return "invalid request"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// stampEvaluatedAt sets X-Evaluated-At-Block from the processing cursor.
// Handlers answering from a stored result override it with the result's
// own block.
func (s *Server) stampEvaluatedAt(w http.ResponseWriter, ctx context.Context) {
	if block, err := s.store.LastProcessedBlock(ctx); err == nil {
		w.Header().Set(headerEvaluatedAtBlock, strconv.FormatInt(block, 10))
	}
}

// handleVerifiableService answers "is this DID a trusted verifiable
// service?" from the persisted trust result.
func (s *Server) handleVerifiableService(w http.ResponseWriter, r *http.Request) {
	d := mux.Vars(r)["did"]
	if !vpr.IsDid(d) {
		WriteBadRequest(w, r, "did must have the did:<method>:<identifier> form")
		return
	}

	res, err := s.store.TrustResult(r.Context(), d)
	switch {
	case errors.Is(err, state.ErrNoResult):
		s.stampEvaluatedAt(w, r.Context())
		WriteNotFound(w, r, fmt.Sprintf("no trust result for %s", d))
	case err != nil:
		WriteInternal(w, r, err)
	default:
		w.Header().Set(headerEvaluatedAtBlock, strconv.FormatInt(res.EvaluatedAtBlock, 10))
		writeJSON(w, http.StatusOK, res)
	}
}

// BeneficiaryRef identifies one permission entitled to a share of a fee.
type BeneficiaryRef struct {
	PermID int64              `json:"permId"`
	Type   vpr.PermissionType `json:"type"`
	Did    string             `json:"did,omitempty"`
}

// FeeQuote is the fee requirement attached to a role permission.
type FeeQuote struct {
	Base          int64            `json:"base"`
	Discount      float64          `json:"discount"`
	Net           int64            `json:"net"`
	Denom         string           `json:"denom"`
	Beneficiaries []BeneficiaryRef `json:"beneficiaries,omitempty"`
}

// SessionStatus reports whether a permission session evidences payment
// for the queried role.
type SessionStatus struct {
	ID   string `json:"id"`
	Paid bool   `json:"paid"`
}

// AuthorizationResponse is the issuer/verifier endpoint payload.
type AuthorizationResponse struct {
	Did        string             `json:"did"`
	SchemaID   int64              `json:"schemaId"`
	Type       vpr.PermissionType `json:"type"`
	Permission *vpr.Permission    `json:"permission"`
	Fees       FeeQuote           `json:"fees"`
	Session    *SessionStatus     `json:"session,omitempty"`
}

func (s *Server) handleIssuer(w http.ResponseWriter, r *http.Request) {
	s.handleAuthorization(w, r, vpr.PermTypeIssuer)
}

func (s *Server) handleVerifier(w http.ResponseWriter, r *http.Request) {
	s.handleAuthorization(w, r, vpr.PermTypeVerifier)
}

// handleAuthorization answers "may this DID act as issuer/verifier for
// this schema?": it needs an active permission for the role, and when the
// role carries fees, a permission session covering the permission as
// payment evidence.
func (s *Server) handleAuthorization(w http.ResponseWriter, r *http.Request, typ vpr.PermissionType) {
	ctx := r.Context()
	d := mux.Vars(r)["did"]

	rawSchema := r.URL.Query().Get("schema_id")
	if rawSchema == "" {
		WriteBadRequest(w, r, "schema_id is required")
		return
	}
	schemaID, err := strconv.ParseInt(rawSchema, 10, 64)
	if err != nil {
		WriteBadRequest(w, r, "schema_id must be a positive integer")
		return
	}

	q := roleQuery{Did: d, SchemaID: schemaID, SessionID: r.URL.Query().Get("session_id")}
	if err := s.validate.Struct(&q); err != nil {
		WriteBadRequest(w, r, validationDetail(err))
		return
	}

	s.stampEvaluatedAt(w, ctx)

	perms, err := s.indexer.ListPermissions(ctx, schemaID, typ, vpr.AtLatest)
	if err != nil {
		WriteUpstreamUnavailable(w, r, err)
		return
	}

	perm := activePermissionFor(perms, d, s.now())
	if perm == nil {
		WriteNotFound(w, r, fmt.Sprintf("no active %s permission for %s on schema %d", typ, d, schemaID))
		return
	}

	base := perm.IssuanceFees
	if typ == vpr.PermTypeVerifier {
		base = perm.VerificationFees
	}
	net := netFee(base, perm.Discount)

	quote := FeeQuote{Base: base, Discount: perm.Discount, Net: net, Denom: feeDenom}
	if net > 0 {
		issuerPermID, verifierPermID := perm.ID, int64(0)
		if typ == vpr.PermTypeVerifier {
			issuerPermID, verifierPermID = 0, perm.ID
		}
		bens, err := s.indexer.FindBeneficiaries(ctx, issuerPermID, verifierPermID, vpr.AtLatest)
		if err != nil {
			WriteUpstreamUnavailable(w, r, err)
			return
		}
		quote.Beneficiaries = beneficiaryRefs(bens)
	}

	resp := AuthorizationResponse{
		Did:        d,
		SchemaID:   schemaID,
		Type:       typ,
		Permission: perm,
		Fees:       quote,
	}

	if q.SessionID != "" {
		sess, err := s.indexer.PermissionSession(ctx, q.SessionID, vpr.AtLatest)
		switch {
		case errors.Is(err, vpr.ErrNotFound):
			resp.Session = &SessionStatus{ID: q.SessionID, Paid: false}
		case err != nil:
			WriteUpstreamUnavailable(w, r, err)
			return
		default:
			resp.Session = &SessionStatus{ID: sess.ID, Paid: sess.Covers(perm.ID, typ)}
		}
	}

	if net > 0 && (resp.Session == nil || !resp.Session.Paid) {
		WritePaymentRequired(w, r, fmt.Sprintf(
			"%s role on schema %d carries a fee of %d %s and no permission session evidences payment",
			typ, schemaID, net, feeDenom))
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// activePermissionFor picks the permission held by did that is usable at
// the given instant. Lowest id wins so repeated queries answer the same.
func activePermissionFor(perms []vpr.Permission, did string, now time.Time) *vpr.Permission {
	var best *vpr.Permission
	for i := range perms {
		p := &perms[i]
		if p.Did != did || !p.Active(now) {
			continue
		}
		if best == nil || p.ID < best.ID {
			best = p
		}
	}
	return best
}

// netFee applies the permission's discount to the base fee.
func netFee(base int64, discount float64) int64 {
	if base <= 0 || discount >= 1 {
		return 0
	}
	if discount <= 0 {
		return base
	}
	return int64(math.Round(float64(base) * (1 - discount)))
}

func beneficiaryRefs(perms []vpr.Permission) []BeneficiaryRef {
	refs := make([]BeneficiaryRef, 0, len(perms))
	for i := range perms {
		refs = append(refs, BeneficiaryRef{
			PermID: perms[i].ID,
			Type:   perms[i].Type,
			Did:    perms[i].Did,
		})
	}
	return refs
}

// ParticipantResponse is the ecosystem participation payload.
type ParticipantResponse struct {
	EcosystemDid string           `json:"ecosystemDid"`
	Did          string           `json:"did"`
	Participant  bool             `json:"participant"`
	Permissions  []vpr.Permission `json:"permissions"`
}

// handleParticipant answers "does this DID hold any active permission in
// this ecosystem's trust registry?".
func (s *Server) handleParticipant(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	vars := mux.Vars(r)
	eco, d := vars["ecosystemDid"], vars["did"]

	if !vpr.IsDid(eco) {
		WriteBadRequest(w, r, "ecosystemDid must have the did:<method>:<identifier> form")
		return
	}
	if !vpr.IsDid(d) {
		WriteBadRequest(w, r, "did must have the did:<method>:<identifier> form")
		return
	}

	s.stampEvaluatedAt(w, ctx)

	tr, err := s.indexer.TrustRegistryByDid(ctx, eco, vpr.AtLatest)
	switch {
	case errors.Is(err, vpr.ErrNotFound):
		WriteNotFound(w, r, fmt.Sprintf("no trust registry controlled by %s", eco))
		return
	case err != nil:
		WriteUpstreamUnavailable(w, r, err)
		return
	}

	schemas, err := s.indexer.ListCredentialSchemas(ctx, tr.ID, vpr.AtLatest)
	if err != nil {
		WriteUpstreamUnavailable(w, r, err)
		return
	}
	inRegistry := make(map[int64]bool, len(schemas))
	for i := range schemas {
		inRegistry[schemas[i].ID] = true
	}

	perms, err := s.indexer.PermissionsByDid(ctx, d, vpr.AtLatest)
	if err != nil {
		WriteUpstreamUnavailable(w, r, err)
		return
	}

	now := s.now()
	active := make([]vpr.Permission, 0, len(perms))
	for i := range perms {
		p := &perms[i]
		if p.Active(now) && inRegistry[p.SchemaID] {
			active = append(active, *p)
		}
	}

	writeJSON(w, http.StatusOK, ParticipantResponse{
		EcosystemDid: eco,
		Did:          d,
		Participant:  len(active) > 0,
		Permissions:  active,
	})
}

type readyResponse struct {
	Status             string `json:"status"`
	LastProcessedBlock int64  `json:"lastProcessedBlock"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadyz reports ready once the store answers and, on writer
// instances, at least one block has been processed. Readers serve stored
// results immediately.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	block, err := s.store.LastProcessedBlock(r.Context())
	if err != nil {
		WriteNotReady(w, r, "state store unreachable")
		return
	}
	if s.requireBlock && block == 0 {
		WriteNotReady(w, r, "no block processed yet")
		return
	}
	writeJSON(w, http.StatusOK, readyResponse{Status: "ready", LastProcessedBlock: block})
}
