package vpr_test

import (
	"encoding/json"
	"fmt"
	"sort"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/verana-labs/trust-resolver/pkg/vpr"
)

// genFeed builds a change feed from generated DID suffixes: every entry is
// a permission change flipping the did field between two of them.
func feedFromSuffixes(suffixes []string) []vpr.BlockActivity {
	var feed []vpr.BlockActivity
	for i, s := range suffixes {
		if s == "" {
			continue
		}
		oldDid := fmt.Sprintf("did:web:%s.example.com", s)
		var newDid string
		if i+1 < len(suffixes) && suffixes[i+1] != "" {
			newDid = fmt.Sprintf("did:web:%s.example.com", suffixes[i+1])
		}
		feed = append(feed, vpr.BlockActivity{
			BlockHeight: int64(i + 1),
			EntityType:  vpr.EntityPermission,
			Changes: map[string]vpr.FieldChange{
				"did": {
					Old: json.RawMessage(fmt.Sprintf("%q", oldDid)),
					New: json.RawMessage(fmt.Sprintf("%q", newDid)),
				},
			},
		})
	}
	return feed
}

// TestAffectedDidsDeterminism verifies extraction is a pure function of
// the feed.
func TestAffectedDidsDeterminism(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("same feed yields same set", prop.ForAll(
		func(suffixes []string) bool {
			feed := feedFromSuffixes(suffixes)

			first := vpr.AffectedDids(feed)
			second := vpr.AffectedDids(feed)

			if len(first) != len(second) {
				return false
			}
			for i := range first {
				if first[i] != second[i] {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}

// TestAffectedDidsSortedAndUnique verifies the output is a sorted set.
func TestAffectedDidsSortedAndUnique(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("output is sorted without duplicates", prop.ForAll(
		func(suffixes []string) bool {
			out := vpr.AffectedDids(feedFromSuffixes(suffixes))

			if !sort.StringsAreSorted(out) {
				return false
			}
			for i := 1; i < len(out); i++ {
				if out[i-1] == out[i] {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}

// TestAffectedDidsOrderInsensitive verifies the set does not depend on
// feed entry order.
func TestAffectedDidsOrderInsensitive(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("reversed feed yields the same set", prop.ForAll(
		func(suffixes []string) bool {
			feed := feedFromSuffixes(suffixes)
			reversed := make([]vpr.BlockActivity, len(feed))
			for i := range feed {
				reversed[len(feed)-1-i] = feed[i]
			}

			a := vpr.AffectedDids(feed)
			b := vpr.AffectedDids(reversed)

			if len(a) != len(b) {
				return false
			}
			for i := range a {
				if a[i] != b[i] {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}

// TestAffectedDidsOnlyDids verifies no non-DID value leaks through, no
// matter what the account field carries.
func TestAffectedDidsOnlyDids(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("every output has the did:<method>:<id> shape", prop.ForAll(
		func(accounts []string) bool {
			var feed []vpr.BlockActivity
			for i, a := range accounts {
				feed = append(feed, vpr.BlockActivity{
					BlockHeight: int64(i + 1),
					EntityType:  vpr.EntityPermission,
					Account:     a,
				})
			}

			for _, d := range vpr.AffectedDids(feed) {
				if !vpr.IsDid(d) {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.AnyString()),
	))

	properties.TestingRun(t)
}
