package planning

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rostersync/rostersync/pkg/dataset"
	"github.com/rostersync/rostersync/pkg/errors"
	"github.com/rostersync/rostersync/pkg/store"
)

func TestMatcherMatch(t *testing.T) {
	ctx := context.Background()

	t.Run("not found", func(t *testing.T) {
		env := newTestEnv(DefaultSettings())
		matcher := NewMatcher(env.rules, env.cache, false)

		row, err := matcher.Match(ctx, dataset.Record{"email": "a@corp.io"}, 1)
		require.NoError(t, err)

		assert.Equal(t, StatusNotFound, row.Status)
		assert.Nil(t, row.Existing)
		assert.Equal(t, "email:a@corp.io", row.Identity.LookupKey())
		assert.NotEmpty(t, row.Fingerprint)
	})

	t.Run("matched", func(t *testing.T) {
		env := newTestEnv(DefaultSettings())
		env.addExisting("a@corp.io", "42", map[string]any{"email": "a@corp.io"})
		matcher := NewMatcher(env.rules, env.cache, false)

		row, err := matcher.Match(ctx, dataset.Record{"email": "A@Corp.io"}, 1)
		require.NoError(t, err)

		assert.Equal(t, StatusMatched, row.Status)
		require.NotNil(t, row.Existing)
		assert.Equal(t, "42", row.Existing.ID)
	})

	t.Run("target conflict", func(t *testing.T) {
		env := newTestEnv(DefaultSettings())
		env.addExisting("a@corp.io", "42", nil)
		env.addExisting("a@corp.io", "43", nil)
		matcher := NewMatcher(env.rules, env.cache, false)

		row, err := matcher.Match(ctx, dataset.Record{"email": "a@corp.io"}, 1)
		require.NoError(t, err)

		assert.Equal(t, StatusConflictTarget, row.Status)
		require.True(t, row.Failed())
		assert.Equal(t, errors.CodeMatchConflictTarget, row.Errors[0].Code)
	})

	t.Run("missing identity", func(t *testing.T) {
		env := newTestEnv(DefaultSettings())
		matcher := NewMatcher(env.rules, env.cache, false)

		row, err := matcher.Match(ctx, dataset.Record{"email": "  "}, 1)
		require.NoError(t, err)

		require.True(t, row.Failed())
		assert.Equal(t, errors.CodeMatchIdentityMissing, row.Errors[0].Code)
	})

	t.Run("deleted entities are invisible by default", func(t *testing.T) {
		env := newTestEnv(DefaultSettings())
		env.cache.Add("people", "a@corp.io", store.Snapshot{ID: "42", Deleted: true})

		matcher := NewMatcher(env.rules, env.cache, false)
		row, err := matcher.Match(ctx, dataset.Record{"email": "a@corp.io"}, 1)
		require.NoError(t, err)
		assert.Equal(t, StatusNotFound, row.Status)

		matcher = NewMatcher(env.rules, env.cache, true)
		row, err = matcher.Match(ctx, dataset.Record{"email": "a@corp.io"}, 1)
		require.NoError(t, err)
		assert.Equal(t, StatusMatched, row.Status)
	})
}

func TestMatcherDedupe(t *testing.T) {
	ctx := context.Background()

	match := func(t *testing.T, env *testEnv, records ...dataset.Record) []MatchedRow {
		t.Helper()
		matcher := NewMatcher(env.rules, env.cache, false)
		rows := make([]MatchedRow, len(records))
		for i, rec := range records {
			row, err := matcher.Match(ctx, rec, i+1)
			require.NoError(t, err)
			rows[i] = row
		}
		matcher.Dedupe(rows)
		return rows
	}

	t.Run("identical duplicates keep one", func(t *testing.T) {
		env := newTestEnv(DefaultSettings())
		rows := match(t, env,
			dataset.Record{"email": "a@corp.io", "name": "Ann"},
			dataset.Record{"email": "a@corp.io", "name": "Ann"},
			dataset.Record{"email": "b@corp.io", "name": "Ben"},
		)

		assert.False(t, rows[0].Suppressed)
		assert.True(t, rows[1].Suppressed)
		assert.False(t, rows[2].Suppressed)

		require.Len(t, rows[1].Warnings, 1)
		assert.Equal(t, errors.CodeMatchDuplicate, rows[1].Warnings[0].Code)
		assert.False(t, rows[1].Failed())
	})

	t.Run("differing duplicates all conflict", func(t *testing.T) {
		env := newTestEnv(DefaultSettings())
		rows := match(t, env,
			dataset.Record{"email": "a@corp.io", "name": "Ann"},
			dataset.Record{"email": "a@corp.io", "name": "Anna"},
		)

		for i := range rows {
			assert.Equal(t, StatusConflictSource, rows[i].Status)
			require.True(t, rows[i].Failed())
			assert.Equal(t, errors.CodeMatchConflictSource, rows[i].Errors[0].Code)
		}
	})

	t.Run("password differences do not split duplicates", func(t *testing.T) {
		env := newTestEnv(DefaultSettings())
		rows := match(t, env,
			dataset.Record{"email": "a@corp.io", "name": "Ann", "password": "one"},
			dataset.Record{"email": "a@corp.io", "name": "Ann", "password": "two"},
		)

		assert.False(t, rows[0].Suppressed)
		assert.True(t, rows[1].Suppressed)
		assert.False(t, rows[1].Failed())
	})
}
