package plan

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rostersync/rostersync/pkg/dataset"
	"github.com/rostersync/rostersync/pkg/errors"
)

// secretMask replaces secret values in the serialized artifact.
const secretMask = "***"

// MaskSecret returns the fixed mask for a non-empty secret value.
func MaskSecret(value string) string {
	if value == "" {
		return ""
	}
	return secretMask
}

// masked returns a copy of the item with declared secret fields masked in
// the desired state and redacted in the changes. The in-memory plan keeps
// real values for the apply collaborator; only the artifact is masked.
func (i Item) masked() Item {
	if len(i.SecretFields) == 0 {
		return i
	}
	out := i
	out.DesiredState = i.DesiredState.Clone()
	secret := make(map[string]struct{}, len(i.SecretFields))
	for _, f := range i.SecretFields {
		secret[f] = struct{}{}
		if v, ok := out.DesiredState[f]; ok && v != nil && v != "" {
			out.DesiredState[f] = secretMask
		}
	}
	if len(i.Changes) > 0 {
		out.Changes = make(map[string]dataset.Change, len(i.Changes))
		for field, change := range i.Changes {
			if _, ok := secret[field]; ok {
				out.Changes[field] = dataset.Change{Redacted: true}
				continue
			}
			out.Changes[field] = change
		}
	}
	return out
}

// Masked returns a copy of the plan safe for artifacts and display: secret
// fields masked in every item. The receiver is left untouched.
func (p *Plan) Masked() *Plan {
	out := &Plan{Meta: p.Meta, Summary: p.Summary, Items: make([]Item, len(p.Items))}
	for idx, item := range p.Items {
		out.Items[idx] = item.masked()
	}
	return out
}

// Write serializes the plan to plan_<run_id>.json under dir, with secret
// fields masked. Returns the written path.
func Write(p *Plan, dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.WrapIO("create", dir, err)
	}

	masked := p.Masked()
	path := filepath.Join(dir, fmt.Sprintf("plan_%s.json", p.Meta.RunID))
	data, err := json.MarshalIndent(masked, "", "  ")
	if err != nil {
		return "", errors.WrapIO("write", path, err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", errors.WrapIO("write", path, err)
	}
	return path, nil
}
