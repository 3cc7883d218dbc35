// Package storagetest provides a conformance suite every storage.Storage
// implementation must pass.
package storagetest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/conduit/pkg/errors"
	"github.com/ajitpratap0/conduit/pkg/record"
	"github.com/ajitpratap0/conduit/pkg/storage"
)

// want returns the value s should hand back for rec.
func want(t *testing.T, s storage.Storage, rec *record.Record) interface{} {
	t.Helper()
	n, err := storage.Normalize(s, rec)
	require.NoError(t, err)
	return n.Value
}

// Run exercises s against the storage contract, including the optional
// Update, Count and Clear operations. s must start empty and is left empty.
func Run(t *testing.T, s storage.Storage) {
	t.Helper()
	ctx := context.Background()

	t.Run("get missing", func(t *testing.T) {
		rec, err := s.Get(ctx, "missing")
		require.NoError(t, err)
		assert.Nil(t, rec)

		_, err = storage.Require(ctx, s, "missing")
		assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))
	})

	t.Run("store and get", func(t *testing.T) {
		rec := record.New("user:1", map[string]interface{}{"name": "ada", "age": 36.0},
			record.WithSource("test"), record.WithTag("tier", "gold"))
		require.NoError(t, s.Store(ctx, rec))

		got, err := storage.Require(ctx, s, rec.ID())
		require.NoError(t, err)
		assert.Equal(t, rec.ID(), got.ID())
		assert.Equal(t, rec.Key, got.Key)
		assert.Equal(t, want(t, s, rec), got.Value)
		assert.Equal(t, rec.Status(), got.Status())
		assert.Equal(t, "test", got.Metadata.Source)
		tier, _ := got.Tag("tier")
		assert.Equal(t, "gold", tier)
	})

	t.Run("overwrite", func(t *testing.T) {
		rec := record.New("k", map[string]interface{}{"v": 1.0})
		require.NoError(t, s.Store(ctx, rec))
		rec.SetValue(map[string]interface{}{"v": 2.0})
		require.NoError(t, s.Store(ctx, rec))

		got, err := storage.Require(ctx, s, rec.ID())
		require.NoError(t, err)
		assert.Equal(t, want(t, s, rec), got.Value)
	})

	t.Run("numbers keep precision", func(t *testing.T) {
		rec := record.New("n", map[string]interface{}{"count": 5, "big": int64(9007199254740993), "ratio": 0.25})
		require.NoError(t, s.Store(ctx, rec))

		got, err := storage.Require(ctx, s, rec.ID())
		require.NoError(t, err)
		assert.Equal(t, want(t, s, rec), got.Value)
		v := got.Value.(map[string]interface{})
		assert.Equal(t, "9007199254740993", fmt.Sprint(v["big"]))
		assert.Equal(t, "5", fmt.Sprint(v["count"]))
	})

	t.Run("update", func(t *testing.T) {
		missing := record.New("k", "v")
		err := storage.Update(ctx, s, missing)
		assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))
		got, err := s.Get(ctx, missing.ID())
		require.NoError(t, err)
		assert.Nil(t, got, "update must not create a record")

		rec := record.New("k", "before")
		require.NoError(t, s.Store(ctx, rec))
		rec.SetValue("after")
		require.NoError(t, storage.Update(ctx, s, rec))
		got, err = storage.Require(ctx, s, rec.ID())
		require.NoError(t, err)
		assert.Equal(t, "after", got.Value)
	})

	t.Run("delete", func(t *testing.T) {
		rec := record.New("k", "v")
		require.NoError(t, s.Store(ctx, rec))
		require.NoError(t, s.Delete(ctx, rec.ID()))

		got, err := s.Get(ctx, rec.ID())
		require.NoError(t, err)
		assert.Nil(t, got)

		assert.NoError(t, s.Delete(ctx, rec.ID()))
	})

	t.Run("list", func(t *testing.T) {
		before, err := s.List(ctx)
		require.NoError(t, err)

		stored := make([]string, 0, 3)
		for i := 0; i < 3; i++ {
			rec := record.New(fmt.Sprintf("list:%d", i), float64(i))
			require.NoError(t, s.Store(ctx, rec))
			stored = append(stored, rec.ID())
		}

		ids, err := s.List(ctx)
		require.NoError(t, err)
		assert.Len(t, ids, len(before)+3)
		sort.Strings(ids)
		for _, id := range stored {
			i := sort.SearchStrings(ids, id)
			assert.True(t, i < len(ids) && ids[i] == id, "missing %s", id)
		}
	})

	t.Run("concurrent", func(t *testing.T) {
		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				rec := record.New(fmt.Sprintf("c:%d", i), float64(i))
				assert.NoError(t, s.Store(ctx, rec))
				got, err := s.Get(ctx, rec.ID())
				assert.NoError(t, err)
				if assert.NotNil(t, got) {
					n, err := storage.Normalize(s, rec)
					if assert.NoError(t, err) {
						assert.Equal(t, n.Value, got.Value)
					}
				}
			}(i)
		}
		wg.Wait()
	})

	t.Run("count and clear", func(t *testing.T) {
		ids, err := s.List(ctx)
		require.NoError(t, err)
		n, err := storage.Count(ctx, s)
		require.NoError(t, err)
		assert.Equal(t, len(ids), n)
		require.NotEmpty(t, ids)
		first := ids[0]

		require.NoError(t, storage.Clear(ctx, s))
		n, err = storage.Count(ctx, s)
		require.NoError(t, err)
		assert.Equal(t, 0, n)
		ids, err = s.List(ctx)
		require.NoError(t, err)
		assert.Empty(t, ids)
		got, err := s.Get(ctx, first)
		require.NoError(t, err)
		assert.Nil(t, got)
	})
}
