package repository

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/liliang-cn/modelchat/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKV(t *testing.T, maxBytes int64) *KVStore {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewKVStore(db, maxBytes)
}

func TestKVStore_SetGetRemove(t *testing.T) {
	kv := testKV(t, 0)
	ctx := context.Background()

	_, ok, err := kv.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, kv.Set(ctx, "a", "1"))
	require.NoError(t, kv.Set(ctx, "a", "2"))

	v, ok, err := kv.Get(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "2", v)

	require.NoError(t, kv.Remove(ctx, "a"))
	require.NoError(t, kv.Remove(ctx, "a"))
	_, ok, err = kv.Get(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestKVStore_Quota(t *testing.T) {
	kv := testKV(t, 10)
	ctx := context.Background()

	require.NoError(t, kv.Set(ctx, "a", "12345"))
	require.NoError(t, kv.Set(ctx, "b", "12345"))

	err := kv.Set(ctx, "c", "x")
	require.ErrorIs(t, err, domain.ErrQuotaExceeded)

	// replacing a key only counts its new size
	require.NoError(t, kv.Set(ctx, "a", "1"))
	require.NoError(t, kv.Set(ctx, "c", "1234"))
}

func TestKVStore_JSON(t *testing.T) {
	kv := testKV(t, 0)
	ctx := context.Background()

	in := []domain.SavedChatSession{{ID: "s1", Title: "hello"}}
	require.NoError(t, kv.SetJSON(ctx, KeyChatHistory, in))

	var out []domain.SavedChatSession
	ok, err := kv.GetJSON(ctx, KeyChatHistory, &out)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "hello", out[0].Title)

	require.NoError(t, kv.Set(ctx, "broken", "{not json"))
	_, err = kv.GetJSON(ctx, "broken", &out)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "broken"))
}

func TestImageCache(t *testing.T) {
	cache, err := NewImageCache(filepath.Join(t.TempDir(), "images.db"))
	require.NoError(t, err)
	defer cache.Close()

	require.NoError(t, cache.Put("s1", "f1", "data:image/png;base64,AAA"))
	require.NoError(t, cache.Put("s1", "f2", "data:image/png;base64,BBB"))
	require.NoError(t, cache.Put("s2", "f3", "data:image/png;base64,CCC"))

	v, ok, err := cache.Get("s1", "f1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "data:image/png;base64,AAA", v)

	all, err := cache.Session("s1")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, cache.DeleteSession("s1"))
	require.NoError(t, cache.DeleteSession("s1"))
	_, ok, err = cache.Get("s1", "f1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, cache.Clear())
	all, err = cache.Session("s2")
	require.NoError(t, err)
	assert.Empty(t, all)
}
