// ABOUTME: Shared behavior tests run against every credential Store backend
// ABOUTME: Covers save/load/replace, idempotent delete, exists, list, and id validation

package credentials

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backends(t *testing.T) map[string]Store {
	t.Helper()

	fileStore, err := NewFileStore(filepath.Join(t.TempDir(), "sessions"), nil)
	require.NoError(t, err)

	sqliteStore, err := NewSQLiteStore(filepath.Join(t.TempDir(), "creds.db"), nil)
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	redisStore := NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "")

	sealed, err := NewSealed(NewMemoryStore(), []byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)

	stores := map[string]Store{
		"file":   fileStore,
		"sqlite": sqliteStore,
		"redis":  redisStore,
		"memory": NewMemoryStore(),
		"sealed": sealed,
	}
	t.Cleanup(func() {
		for _, s := range stores {
			_ = s.Close()
		}
	})
	return stores
}

func TestStore_Contract(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			id := "0f1e2d3c4b5a69788796a5b4c3d2e1f0"

			_, err := s.Load(ctx, id)
			assert.ErrorIs(t, err, ErrNotFound)

			ok, err := s.Exists(ctx, id)
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, s.Save(ctx, id, []byte("first")))
			got, err := s.Load(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, []byte("first"), got)

			require.NoError(t, s.Save(ctx, id, []byte("second")))
			got, err = s.Load(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, []byte("second"), got)

			ok, err = s.Exists(ctx, id)
			require.NoError(t, err)
			assert.True(t, ok)

			require.NoError(t, s.Save(ctx, "other-session", []byte("x")))
			ids, err := s.List(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{id, "other-session"}, ids)

			require.NoError(t, s.Delete(ctx, id))
			require.NoError(t, s.Delete(ctx, id), "delete must be idempotent")

			ok, err = s.Exists(ctx, id)
			require.NoError(t, err)
			assert.False(t, ok)

			_, err = s.Load(ctx, id)
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStore_RejectsUnsafeIDs(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, id := range []string{"", "../escape", "a/b", "with space"} {
				err := s.Save(ctx, id, []byte("x"))
				assert.ErrorIs(t, err, ErrInvalidID, "id %q", id)

				_, err = s.Load(ctx, id)
				assert.ErrorIs(t, err, ErrInvalidID, "id %q", id)

				err = s.Delete(ctx, id)
				assert.ErrorIs(t, err, ErrInvalidID, "id %q", id)

				ok, err := s.Exists(ctx, id)
				require.NoError(t, err)
				assert.False(t, ok)
			}
		})
	}
}

func TestValidID(t *testing.T) {
	assert.True(t, ValidID("abcdef0123456789abcdef0123456789"))
	assert.True(t, ValidID("legacy_key-1"))
	assert.False(t, ValidID(""))
	assert.False(t, ValidID(".."))
	assert.False(t, ValidID("a.b"))
}
