// Package vprtest provides an in-memory Indexer for tests.
package vprtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/verana-labs/trust-resolver/pkg/vpr"
)

// Fake is a deterministic, map-backed vpr.Indexer. Populate the fields,
// then hand it to the code under test. When Err is set every method fails
// with it, which exercises transient-failure paths.
type Fake struct {
	mu sync.Mutex

	Height        int64
	Changes       map[int64][]vpr.BlockActivity
	Schemas       []vpr.CredentialSchema
	Perms         []vpr.Permission
	Sessions      map[string]vpr.PermissionSession
	Registries    []vpr.TrustRegistry
	Digests       map[string]vpr.Digest
	Deposits      map[string]int64
	Beneficiaries []vpr.Permission

	Err error

	// Calls counts invocations per method name.
	Calls map[string]int
}

var _ vpr.Indexer = (*Fake)(nil)

func (f *Fake) record(method string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Calls == nil {
		f.Calls = make(map[string]int)
	}
	f.Calls[method]++
	return f.Err
}

// ClearMemo satisfies the optional memo-clearing interface the poller
// probes for; the fake only counts the call.
func (f *Fake) ClearMemo() {
	_ = f.record("ClearMemo")
}

func (f *Fake) BlockHeight(context.Context) (int64, error) {
	if err := f.record("BlockHeight"); err != nil {
		return 0, err
	}
	return f.Height, nil
}

func (f *Fake) ListChanges(_ context.Context, height int64) ([]vpr.BlockActivity, error) {
	if err := f.record("ListChanges"); err != nil {
		return nil, err
	}
	return f.Changes[height], nil
}

func (f *Fake) ListCredentialSchemas(_ context.Context, trID int64, _ int64) ([]vpr.CredentialSchema, error) {
	if err := f.record("ListCredentialSchemas"); err != nil {
		return nil, err
	}
	if trID <= 0 {
		return f.Schemas, nil
	}
	var out []vpr.CredentialSchema
	for _, s := range f.Schemas {
		if s.TrID == trID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *Fake) CredentialSchemaByID(_ context.Context, id int64, _ int64) (*vpr.CredentialSchema, error) {
	if err := f.record("CredentialSchemaByID"); err != nil {
		return nil, err
	}
	for i := range f.Schemas {
		if f.Schemas[i].ID == id {
			return &f.Schemas[i], nil
		}
	}
	return nil, fmt.Errorf("schema %d: %w", id, vpr.ErrNotFound)
}

func (f *Fake) JSONSchemaContent(ctx context.Context, id int64, atBlock int64) ([]byte, error) {
	cs, err := f.CredentialSchemaByID(ctx, id, atBlock)
	if err != nil {
		return nil, err
	}
	return []byte(cs.JSONSchema), nil
}

func (f *Fake) ListPermissions(_ context.Context, schemaID int64, typ vpr.PermissionType, _ int64) ([]vpr.Permission, error) {
	if err := f.record("ListPermissions"); err != nil {
		return nil, err
	}
	var out []vpr.Permission
	for _, p := range f.Perms {
		if schemaID > 0 && p.SchemaID != schemaID {
			continue
		}
		if typ != "" && p.Type != typ {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (f *Fake) PermissionsByDid(_ context.Context, did string, _ int64) ([]vpr.Permission, error) {
	if err := f.record("PermissionsByDid"); err != nil {
		return nil, err
	}
	var out []vpr.Permission
	for _, p := range f.Perms {
		if p.Did == did || p.Grantee == did {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *Fake) Permission(_ context.Context, id int64, _ int64) (*vpr.Permission, error) {
	if err := f.record("Permission"); err != nil {
		return nil, err
	}
	for i := range f.Perms {
		if f.Perms[i].ID == id {
			return &f.Perms[i], nil
		}
	}
	return nil, fmt.Errorf("permission %d: %w", id, vpr.ErrNotFound)
}

func (f *Fake) PermissionSession(_ context.Context, id string, _ int64) (*vpr.PermissionSession, error) {
	if err := f.record("PermissionSession"); err != nil {
		return nil, err
	}
	if s, ok := f.Sessions[id]; ok {
		return &s, nil
	}
	return nil, fmt.Errorf("session %s: %w", id, vpr.ErrNotFound)
}

func (f *Fake) FindBeneficiaries(_ context.Context, _, _ int64, _ int64) ([]vpr.Permission, error) {
	if err := f.record("FindBeneficiaries"); err != nil {
		return nil, err
	}
	return f.Beneficiaries, nil
}

func (f *Fake) TrustRegistry(_ context.Context, id int64, _ int64) (*vpr.TrustRegistry, error) {
	if err := f.record("TrustRegistry"); err != nil {
		return nil, err
	}
	for i := range f.Registries {
		if f.Registries[i].ID == id {
			return &f.Registries[i], nil
		}
	}
	return nil, fmt.Errorf("trust registry %d: %w", id, vpr.ErrNotFound)
}

func (f *Fake) TrustRegistryByDid(_ context.Context, did string, _ int64) (*vpr.TrustRegistry, error) {
	if err := f.record("TrustRegistryByDid"); err != nil {
		return nil, err
	}
	for i := range f.Registries {
		if f.Registries[i].Did == did {
			return &f.Registries[i], nil
		}
	}
	return nil, fmt.Errorf("trust registry %s: %w", did, vpr.ErrNotFound)
}

func (f *Fake) ListTrustRegistries(_ context.Context, _ int64) ([]vpr.TrustRegistry, error) {
	if err := f.record("ListTrustRegistries"); err != nil {
		return nil, err
	}
	return f.Registries, nil
}

func (f *Fake) Digest(_ context.Context, digestSRI string, _ int64) (*vpr.Digest, error) {
	if err := f.record("Digest"); err != nil {
		return nil, err
	}
	if d, ok := f.Digests[digestSRI]; ok {
		return &d, nil
	}
	return nil, fmt.Errorf("digest %s: %w", digestSRI, vpr.ErrNotFound)
}

func (f *Fake) TrustDeposit(_ context.Context, account string, _ int64) (*vpr.TrustDeposit, error) {
	if err := f.record("TrustDeposit"); err != nil {
		return nil, err
	}
	if amt, ok := f.Deposits[account]; ok {
		return &vpr.TrustDeposit{Account: account, Amount: amt}, nil
	}
	return nil, fmt.Errorf("deposit %s: %w", account, vpr.ErrNotFound)
}
