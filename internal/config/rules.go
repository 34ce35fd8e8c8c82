package config

import (
	"os"

	"github.com/goccy/go-yaml"

	"github.com/rostersync/rostersync/pkg/errors"
)

// LinkOverlay adjusts one declared link of a dataset.
type LinkOverlay struct {
	Dedup    [][]string `yaml:"dedup"`
	Disabled bool       `yaml:"disabled"`
}

// DatasetOverlay adjusts one dataset's rules without code changes: extra
// fingerprint exclusions and per-link dedup priorities.
type DatasetOverlay struct {
	IgnoredFields []string               `yaml:"ignored_fields"`
	Links         map[string]LinkOverlay `yaml:"links"`
}

// RulesFile is the parsed per-dataset rules overlay file.
type RulesFile struct {
	Datasets map[string]DatasetOverlay `yaml:"datasets"`
}

// Dataset returns the overlay for a dataset, if any.
func (f *RulesFile) Dataset(name string) (DatasetOverlay, bool) {
	if f == nil {
		return DatasetOverlay{}, false
	}
	overlay, ok := f.Datasets[name]
	return overlay, ok
}

// LoadRules parses a YAML dataset rules overlay file.
func LoadRules(path string) (*RulesFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapIO("read", path, err)
	}
	var file RulesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, errors.NewConfigError("rules", "parsing rules file "+path, err)
	}
	for name, overlay := range file.Datasets {
		for field, link := range overlay.Links {
			if link.Disabled && len(link.Dedup) > 0 {
				return nil, errors.NewConfigError("rules",
					"dataset "+name+" link "+field+" is disabled but declares dedup rules", nil)
			}
		}
	}
	return &file, nil
}
