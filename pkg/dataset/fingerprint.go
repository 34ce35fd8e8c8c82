package dataset

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// Fingerprint computes a deterministic digest of a desired state, excluding
// the dataset's ignored fields. The digest is invariant to field insertion
// order: fields are serialized sorted by name. Two desired states equal as
// mappings (after exclusion) always yield equal fingerprints.
//
// The fingerprint must be computed over the final desired state, after the
// merge policy and after link resolution; callers recompute it whenever the
// state is mutated.
func Fingerprint(state DesiredState, ignored []string) string {
	skip := make(map[string]struct{}, len(ignored))
	for _, f := range ignored {
		skip[f] = struct{}{}
	}

	keys := make([]string, 0, len(state))
	for k := range state {
		if _, ok := skip[k]; ok {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		raw, err := json.Marshal(state[k])
		if err != nil {
			// Non-serializable values still need a stable representation.
			raw = []byte(fmt.Sprintf("%v", state[k]))
		}
		fmt.Fprintf(h, "%s=%s;", k, raw)
	}
	return hex.EncodeToString(h.Sum(nil))
}
