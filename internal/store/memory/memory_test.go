package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rostersync/rostersync/pkg/store"
)

func TestCacheFindByMatchKey(t *testing.T) {
	ctx := context.Background()
	cache := NewCache()
	cache.Add("people", "a@corp.io", store.Snapshot{ID: "1"})
	cache.Add("people", "a@corp.io", store.Snapshot{ID: "2", Deleted: true})

	found, err := cache.FindByMatchKey(ctx, "people", "a@corp.io", false)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "1", found[0].ID)

	found, err = cache.FindByMatchKey(ctx, "people", "a@corp.io", true)
	require.NoError(t, err)
	assert.Len(t, found, 2)

	found, err = cache.FindByMatchKey(ctx, "orgs", "a@corp.io", true)
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestIndexCandidates(t *testing.T) {
	ctx := context.Background()
	index := NewIndex()

	require.NoError(t, index.Upsert(ctx, "people", "email:a@corp.io", "2"))
	require.NoError(t, index.Upsert(ctx, "people", "email:a@corp.io", "1"))
	require.NoError(t, index.Upsert(ctx, "people", "email:a@corp.io", "2"))

	ids, err := index.Candidates(ctx, "people", "email:a@corp.io")
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2"}, ids, "sorted and deduplicated")
}

func TestIndexCanonicalizesLookupKeys(t *testing.T) {
	ctx := context.Background()
	index := NewIndex()

	require.NoError(t, index.Upsert(ctx, "people", "last_name:Stone", "77"))
	require.NoError(t, index.Upsert(ctx, "people", " last_name:STONE ", "77"))

	ids, err := index.Candidates(ctx, "people", "last_name:stone")
	require.NoError(t, err)
	assert.Equal(t, []string{"77"}, ids)

	ids, err = index.Candidates(ctx, "people", "last_name:Stone")
	require.NoError(t, err)
	assert.Equal(t, []string{"77"}, ids, "reads fold the same way writes do")
}

func TestPendingPutRefreshesInPlace(t *testing.T) {
	ctx := context.Background()
	pending := NewPending()
	created := time.Now().Add(-time.Minute)

	first, err := pending.Put(ctx, store.PendingLink{
		Dataset:     "people",
		Field:       "manager_id",
		LookupKey:   "email:boss@corp.io",
		SourceRowID: "line:1",
		Reason:      store.ReasonNotFound,
		CreatedAt:   created,
		LastChecked: created,
	})
	require.NoError(t, err)
	require.NotZero(t, first.ID)

	attempts, err := pending.Touch(ctx, first.ID, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, attempts)

	refreshed, err := pending.Put(ctx, store.PendingLink{
		Dataset:     "people",
		Field:       "manager_id",
		LookupKey:   "email:boss@corp.io",
		SourceRowID: "line:1",
		Reason:      store.ReasonConflict,
		CreatedAt:   time.Now(),
		LastChecked: time.Now(),
	})
	require.NoError(t, err)

	assert.Equal(t, first.ID, refreshed.ID)
	assert.Equal(t, created, refreshed.CreatedAt, "created-at preserved on refresh")
	assert.Equal(t, 1, refreshed.Attempts, "attempts preserved on refresh")
	assert.Equal(t, store.ReasonConflict, refreshed.Reason)
}

func TestPendingQueries(t *testing.T) {
	ctx := context.Background()
	pending := NewPending()
	now := time.Now()

	put := func(key, rowID string, created time.Time) store.PendingLink {
		link, err := pending.Put(ctx, store.PendingLink{
			Dataset:     "people",
			Field:       "manager_id",
			LookupKey:   key,
			SourceRowID: rowID,
			Reason:      store.ReasonNotFound,
			CreatedAt:   created,
			LastChecked: created,
		})
		require.NoError(t, err)
		return link
	}

	old := put("email:a@corp.io", "line:1", now.Add(-3*time.Minute))
	put("email:a@corp.io", "line:2", now)
	put("email:b@corp.io", "line:3", now)

	byKey, err := pending.GetByLookupKey(ctx, "people", "email:a@corp.io")
	require.NoError(t, err)
	assert.Len(t, byKey, 2)

	expiring, err := pending.ListExpiringBefore(ctx, now.Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, expiring, 1)
	assert.Equal(t, old.ID, expiring[0].ID)

	all, err := pending.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.True(t, all[0].ID < all[1].ID && all[1].ID < all[2].ID, "oldest first")

	require.NoError(t, pending.Delete(ctx, old.ID))
	all, err = pending.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	attempts, err := pending.Touch(ctx, 9999, now)
	require.NoError(t, err)
	assert.Zero(t, attempts, "touching a deleted link is a no-op")
}

func TestPendingDoSerializesPerKey(t *testing.T) {
	ctx := context.Background()
	pending := NewPending()

	var counter int
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := pending.Do(ctx, "people", "email:a@corp.io", func(context.Context) error {
				counter++
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 32, counter)
}
