package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/gowebpki/jcs"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/verana-labs/trust-resolver/pkg/vpr"
)

// ErrSchemaUnresolved means a declared schema reference matched nothing
// on chain.
var ErrSchemaUnresolved = errors.New("schema reference unresolved")

// ResolvedSchema is an on-chain schema joined with its owning registry.
type ResolvedSchema struct {
	ID           int64
	TrID         int64
	EcosystemDid string
	Mode         vpr.ManagementMode
	Raw          []byte
	// EcsDigest is the canonical content digest used for classification.
	EcsDigest string
}

// schemaPathRe matches the anchored-schema path tail shared by VPR URIs
// (vpr:verana:mainnet/cs/v1/js/7) and the indexer's HTTP form.
var schemaPathRe = regexp.MustCompile(`/cs/v1/js/(\d+)$`)

// SchemaIDFromRef extracts the integer schema id from a reference that
// carries the /cs/v1/js/<id> tail.
func SchemaIDFromRef(ref string) (int64, bool) {
	m := schemaPathRe.FindStringSubmatch(ref)
	if m == nil {
		return 0, false
	}
	id, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// SchemaResolver maps credential schema references onto anchored schemas.
type SchemaResolver struct {
	indexer vpr.Indexer
	client  *http.Client
	log     *slog.Logger
}

// NewSchemaResolver builds a resolver over the indexer.
func NewSchemaResolver(ix vpr.Indexer, logger *slog.Logger) *SchemaResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &SchemaResolver{
		indexer: ix,
		client:  &http.Client{Timeout: 10 * time.Second},
		log:     logger.With("component", "schema_resolver"),
	}
}

// Resolve matches ref against the on-chain schema set at atBlock. Direct
// id extraction is tried first; failing that, schemas are listed and
// matched by their $id, then by canonical content equality against the
// fetched reference.
func (r *SchemaResolver) Resolve(ctx context.Context, ref string, atBlock int64) (*ResolvedSchema, error) {
	if ref == "" {
		return nil, fmt.Errorf("empty reference: %w", ErrSchemaUnresolved)
	}
	if id, ok := SchemaIDFromRef(ref); ok {
		cs, err := r.indexer.CredentialSchemaByID(ctx, id, atBlock)
		if err != nil {
			if errors.Is(err, vpr.ErrNotFound) {
				return nil, fmt.Errorf("schema %d: %w", id, ErrSchemaUnresolved)
			}
			return nil, err
		}
		return r.build(ctx, cs, atBlock)
	}
	schemas, err := r.indexer.ListCredentialSchemas(ctx, 0, atBlock)
	if err != nil {
		return nil, err
	}
	if cs := matchByDollarID(schemas, ref); cs != nil {
		return r.build(ctx, cs, atBlock)
	}
	if cs := r.matchByContent(ctx, schemas, ref); cs != nil {
		return r.build(ctx, cs, atBlock)
	}
	return nil, fmt.Errorf("reference %s: %w", ref, ErrSchemaUnresolved)
}

func matchByDollarID(schemas []vpr.CredentialSchema, ref string) *vpr.CredentialSchema {
	for i := range schemas {
		var head struct {
			ID string `json:"$id"`
		}
		if err := json.Unmarshal([]byte(schemas[i].JSONSchema), &head); err != nil {
			continue
		}
		if head.ID != "" && head.ID == ref {
			return &schemas[i]
		}
	}
	return nil
}

// matchByContent fetches the referenced document and compares canonical
// bytes against each anchored schema. Fetch failures resolve to no match;
// the caller reports the reference as unresolved.
func (r *SchemaResolver) matchByContent(ctx context.Context, schemas []vpr.CredentialSchema, ref string) *vpr.CredentialSchema {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil
	}
	resp, err := r.client.Do(req)
	if err != nil {
		r.log.Debug("schema reference fetch failed", "ref", ref, "error", err)
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil
	}
	fetched, err := jcs.Transform(body)
	if err != nil {
		return nil
	}
	for i := range schemas {
		canonical, err := jcs.Transform([]byte(schemas[i].JSONSchema))
		if err != nil {
			continue
		}
		if string(canonical) == string(fetched) {
			return &schemas[i]
		}
	}
	return nil
}

// build joins a schema with its registry and precomputes the content
// digest. The schema text must compile as a JSON schema; anchored garbage
// is treated as unresolved rather than poisoning evaluation downstream.
func (r *SchemaResolver) build(ctx context.Context, cs *vpr.CredentialSchema, atBlock int64) (*ResolvedSchema, error) {
	if _, err := jsonschema.CompileString("schema.json", cs.JSONSchema); err != nil {
		r.log.Warn("anchored schema does not compile", "schema_id", cs.ID, "error", err)
		return nil, fmt.Errorf("schema %d does not compile: %w", cs.ID, ErrSchemaUnresolved)
	}
	digest, err := ComputeEcsDigest([]byte(cs.JSONSchema))
	if err != nil {
		return nil, fmt.Errorf("digest schema %d: %w", cs.ID, err)
	}
	out := &ResolvedSchema{
		ID:        cs.ID,
		TrID:      cs.TrID,
		Mode:      cs.IssuerPermManagementMode,
		Raw:       []byte(cs.JSONSchema),
		EcsDigest: digest,
	}
	tr, err := r.indexer.TrustRegistry(ctx, cs.TrID, atBlock)
	if err != nil {
		if errors.Is(err, vpr.ErrNotFound) {
			// Registry row missing is tolerable; the ecosystem DID just
			// stays empty and VS grouping drops the credential.
			r.log.Warn("schema has no trust registry", "schema_id", cs.ID, "tr_id", cs.TrID)
			return out, nil
		}
		return nil, err
	}
	out.EcosystemDid = tr.Did
	return out, nil
}

// ValidateSubject checks a credential subject against the resolved schema.
func (s *ResolvedSchema) ValidateSubject(subject map[string]any) error {
	sch, err := jsonschema.CompileString("schema.json", string(s.Raw))
	if err != nil {
		return fmt.Errorf("compile schema %d: %w", s.ID, err)
	}
	if err := sch.Validate(any(subject)); err != nil {
		return fmt.Errorf("subject does not satisfy schema %d: %w", s.ID, err)
	}
	return nil
}
