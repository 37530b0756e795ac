package vpr

import "sort"

// AffectedDids scans one block's change feed and returns the deduplicated,
// sorted set of DIDs whose trust state may have changed:
//
//   - old and new values of a permission's did field,
//   - old and new values of a permission's grantee field,
//   - old and new values of a trust registry's did field,
//   - any account value that is itself a DID.
//
// Extraction is pure: feeding the same feed twice yields the same set.
func AffectedDids(feed []BlockActivity) []string {
	set := make(map[string]struct{})
	add := func(s string) {
		if IsDid(s) {
			set[s] = struct{}{}
		}
	}
	for _, act := range feed {
		switch act.EntityType {
		case EntityPermission:
			if fc, ok := act.Changes["did"]; ok {
				add(fc.OldStr())
				add(fc.NewStr())
			}
			if fc, ok := act.Changes["grantee"]; ok {
				add(fc.OldStr())
				add(fc.NewStr())
			}
		case EntityTrustRegistry:
			if fc, ok := act.Changes["did"]; ok {
				add(fc.OldStr())
				add(fc.NewStr())
			}
		}
		add(act.Account)
	}
	out := make([]string, 0, len(set))
	for d := range set {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}
