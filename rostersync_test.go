package rostersync

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rostersync/rostersync/internal/datasets/employees"
	"github.com/rostersync/rostersync/internal/planning"
	"github.com/rostersync/rostersync/internal/store/memory"
	"github.com/rostersync/rostersync/pkg/dataset"
	"github.com/rostersync/rostersync/pkg/plan"
	"github.com/rostersync/rostersync/pkg/store"
)

func TestNewRequiresRules(t *testing.T) {
	_, err := New()
	require.Error(t, err)
}

func TestPlanEndToEnd(t *testing.T) {
	ctx := context.Background()
	outDir := t.TempDir()

	cache := memory.NewCache()
	cache.Add(employees.Name, "boss@corp.io", store.Snapshot{
		ID: "77",
		Fields: map[string]any{
			"email":     "boss@corp.io",
			"last_name": "Stone",
			"user_name": "boss",
		},
	})

	rs, err := New(
		WithRules(employees.New()),
		WithLookup(cache),
		WithOutputDir(outDir),
	)
	require.NoError(t, err)

	result, err := rs.Plan(ctx, planning.Batch{
		Dataset: employees.Name,
		Records: []dataset.Record{
			{
				"email":         "ann@corp.io",
				"last_name":     "Smith",
				"first_name":    "Ann",
				"password":      "hunter2",
				"manager_email": "boss@corp.io",
			},
			{
				"email":     "boss@corp.io",
				"last_name": "Stone",
			},
		},
	})
	require.NoError(t, err)

	require.Len(t, result.Plan.Items, 1)
	item := result.Plan.Items[0]
	assert.Equal(t, plan.OpCreate, item.Op)
	assert.Equal(t, 77, item.DesiredState["manager_id"],
		"manager reference resolved through the matched row in the same batch")
	assert.Equal(t, []string{"password"}, item.SecretFields)
	assert.Equal(t, 1, result.Plan.Summary.Skipped, "unchanged manager row is skipped")

	// The written artifact must carry the masked password, never the value.
	entries, err := os.ReadDir(outDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	data, err := os.ReadFile(filepath.Join(outDir, entries[0].Name()))
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hunter2")

	var written plan.Plan
	require.NoError(t, json.Unmarshal(data, &written))
	require.Len(t, written.Items, 1)
	assert.Equal(t, "***", written.Items[0].DesiredState["password"])
}

func TestPendingLifecycleThroughFacade(t *testing.T) {
	ctx := context.Background()

	rs, err := New(WithRules(employees.New()))
	require.NoError(t, err)

	batch := planning.Batch{
		Dataset: employees.Name,
		Records: []dataset.Record{
			{
				"email":         "ann@corp.io",
				"last_name":     "Smith",
				"manager_email": "boss@corp.io",
			},
		},
	}

	result, err := rs.Plan(ctx, batch)
	require.NoError(t, err)
	assert.Empty(t, result.Plan.Items)
	assert.Equal(t, 1, result.Resolve.Pending)

	links, err := rs.Pending().List(ctx)
	require.NoError(t, err)
	require.Len(t, links, 1)

	// The manager id arrives; the triggered index rechecks the key.
	require.NoError(t, rs.Identities().Upsert(ctx, employees.Name, "email:boss@corp.io", "77"))

	links, err = rs.Pending().List(ctx)
	require.NoError(t, err)
	assert.Empty(t, links)

	result, err = rs.Plan(ctx, batch)
	require.NoError(t, err)
	require.Len(t, result.Plan.Items, 1)
	assert.Equal(t, 77, result.Plan.Items[0].DesiredState["manager_id"],
		"coerced to the integer target identifier")
}

func TestSweepOnOff(t *testing.T) {
	rs, err := New(WithRules(employees.New()))
	require.NoError(t, err)

	require.NoError(t, rs.SweepOn())
	require.NoError(t, rs.SweepOn(), "idempotent")
	require.NoError(t, rs.SweepOff())
	require.NoError(t, rs.SweepOff(), "idempotent")

	result, err := rs.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, result.Checked)
}
