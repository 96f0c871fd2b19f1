package store

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresKV_CompareAndSwap(t *testing.T) {
	dsn := os.Getenv("AUTOBID_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("AUTOBID_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	kv, err := NewPostgresKV(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(kv.Close)

	key := "test/" + uuid.NewString()
	t.Cleanup(func() { _ = kv.Delete(ctx, key) })

	ok, err := kv.CompareAndSwap(ctx, key, nil, []byte("a"))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = kv.CompareAndSwap(ctx, key, nil, []byte("b"))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = kv.CompareAndSwap(ctx, key, []byte("a"), []byte("b"))
	require.NoError(t, err)
	assert.True(t, ok)

	v, found, err := kv.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "b", string(v))

	rows, err := kv.List(ctx, "test/")
	require.NoError(t, err)
	assert.Contains(t, rows, key)
}
