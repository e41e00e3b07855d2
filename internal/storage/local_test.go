package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalStoreRoundTrip(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, store.PutBytes(ctx, "extracted:inv-1", []byte(`{"invoice_id":"INV-1"}`)))

	data, err := store.GetBytes(ctx, "extracted:inv-1")
	require.NoError(t, err)
	assert.Equal(t, `{"invoice_id":"INV-1"}`, string(data))

	_, err = store.GetBytes(ctx, "extracted:inv-2")
	assert.Error(t, err)
}

func TestLocalStoreRejectsTraversal(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()
	for _, ref := range []string{"../escape", "..", "/etc/passwd", "."} {
		assert.Error(t, store.PutBytes(ctx, ref, []byte("x")), "ref %q must be rejected", ref)
		_, err := store.GetBytes(ctx, ref)
		assert.Error(t, err, "ref %q must be rejected", ref)
	}
}

func TestLocalStoreNestedRefs(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, store.PutBytes(ctx, "tenants/acme/inv-1", []byte("raw")))
	data, err := store.GetBytes(ctx, "tenants/acme/inv-1")
	require.NoError(t, err)
	assert.Equal(t, "raw", string(data))
}
