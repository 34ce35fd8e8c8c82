package config

import (
	"os"

	"github.com/goccy/go-yaml"

	"github.com/rostersync/rostersync/pkg/errors"
)

// SeedSnapshot is one cached target entity in a seed file.
type SeedSnapshot struct {
	ID       string         `yaml:"id"`
	Dataset  string         `yaml:"dataset"`
	MatchKey string         `yaml:"match_key"`
	Deleted  bool           `yaml:"deleted"`
	Fields   map[string]any `yaml:"fields"`
}

// SeedIdentity is one identity-index entry in a seed file.
type SeedIdentity struct {
	Dataset    string `yaml:"dataset"`
	LookupKey  string `yaml:"lookup_key"`
	ResolvedID string `yaml:"resolved_id"`
}

// Seed preloads the memory store for dry runs and tests: a snapshot of the
// target cache plus identity-index entries.
type Seed struct {
	Snapshots  []SeedSnapshot `yaml:"snapshots"`
	Identities []SeedIdentity `yaml:"identities"`
}

// LoadSeed parses a YAML seed file.
func LoadSeed(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapIO("read", path, err)
	}
	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, errors.NewConfigError("seed", "parsing seed file "+path, err)
	}
	for i, s := range seed.Snapshots {
		if s.ID == "" || s.Dataset == "" || s.MatchKey == "" {
			return nil, errors.NewConfigError("seed", "snapshot entry missing id, dataset or match_key", nil)
		}
		if seed.Snapshots[i].Fields == nil {
			seed.Snapshots[i].Fields = map[string]any{}
		}
	}
	for _, id := range seed.Identities {
		if id.Dataset == "" || id.LookupKey == "" || id.ResolvedID == "" {
			return nil, errors.NewConfigError("seed", "identity entry missing dataset, lookup_key or resolved_id", nil)
		}
	}
	return &seed, nil
}
