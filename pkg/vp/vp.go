// Package vp dereferences the linked verifiable presentations a DID
// document advertises and extracts the credentials they carry.
package vp

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/verana-labs/trust-resolver/pkg/did"
)

// ServiceTypeLinkedVP is the service type announcing a hosted presentation.
const ServiceTypeLinkedVP = "LinkedVerifiablePresentation"

// ExtractCredentials parses a VP envelope and returns its credential
// entries as raw JSON values, preserving order. Entries may be objects
// (JSON-LD) or strings (JWT compact form); both a single entry and an
// array are accepted.
func ExtractCredentials(raw []byte) ([]json.RawMessage, error) {
	var envelope struct {
		VerifiableCredential json.RawMessage `json:"verifiableCredential"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("parse presentation: %w", err)
	}
	if len(envelope.VerifiableCredential) == 0 {
		return nil, nil
	}
	var many []json.RawMessage
	if err := json.Unmarshal(envelope.VerifiableCredential, &many); err == nil {
		return many, nil
	}
	// Single credential without the array wrapper.
	return []json.RawMessage{envelope.VerifiableCredential}, nil
}

// Endpoints lists the document's LinkedVerifiablePresentation endpoints,
// keeping only http(s) URLs.
func Endpoints(doc *did.Document) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, svc := range doc.ServicesOfType(ServiceTypeLinkedVP) {
		for _, ep := range svc.Endpoints() {
			if !strings.HasPrefix(ep, "https://") && !strings.HasPrefix(ep, "http://") {
				continue
			}
			if _, dup := seen[ep]; dup {
				continue
			}
			seen[ep] = struct{}{}
			out = append(out, ep)
		}
	}
	return out
}
