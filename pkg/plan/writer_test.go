package plan

import (
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rostersync/rostersync/pkg/dataset"
)

func TestWriteMasksSecrets(t *testing.T) {
	dir := t.TempDir()

	p := &Plan{
		Meta: Meta{RunID: "run-1", Dataset: "employees", GeneratedAt: time.Now().UTC()},
		Summary: Summary{
			RowsTotal:     1,
			PlannedCreate: 1,
		},
		Items: []Item{
			{
				RowRef: dataset.RowRef{Line: 2, RowID: "line:2"},
				Op:     OpCreate,
				DesiredState: dataset.DesiredState{
					"email":    "ada@example.com",
					"password": "s3cret",
				},
				Changes: map[string]dataset.Change{
					"email":    {From: nil, To: "ada@example.com"},
					"password": {From: nil, To: "s3cret"},
				},
				SecretFields: []string{"password"},
			},
		},
	}

	path, err := Write(p, dir)
	require.NoError(t, err)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "s3cret")

	var decoded Plan
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Len(t, decoded.Items, 1)
	assert.Equal(t, "***", decoded.Items[0].DesiredState["password"])
	assert.True(t, decoded.Items[0].Changes["password"].Redacted)
	assert.Equal(t, "ada@example.com", decoded.Items[0].DesiredState["email"])

	// The in-memory plan keeps the real value for the apply collaborator.
	assert.Equal(t, "s3cret", p.Items[0].DesiredState["password"])
}

func TestWriteFileNaming(t *testing.T) {
	dir := t.TempDir()
	p := &Plan{Meta: Meta{RunID: "abc123"}}

	path, err := Write(p, dir)
	require.NoError(t, err)
	assert.Contains(t, path, "plan_abc123.json")
}

func TestMaskSecret(t *testing.T) {
	assert.Equal(t, "***", MaskSecret("anything"))
	assert.Equal(t, "", MaskSecret(""))
}
