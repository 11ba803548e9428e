package blob_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshdex/meshdex/pkg/blob"
)

type doc struct {
	Version string   `json:"version"`
	Items   []string `json:"items"`
}

func TestFileStoreRoundTrip(t *testing.T) {
	store, err := blob.NewFileStore(t.TempDir())
	require.NoError(t, err)

	var missing doc
	found, err := store.Load("book", &missing)
	require.NoError(t, err)
	assert.False(t, found)

	want := doc{Version: "v1", Items: []string{"a", "b"}}
	require.NoError(t, store.Save("book", want))

	var got doc
	found, err = store.Load("book", &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, want, got)

	require.NoError(t, store.Delete("book"))
	found, err = store.Load("book", &got)
	require.NoError(t, err)
	assert.False(t, found)

	// Deleting a missing key is not an error.
	require.NoError(t, store.Delete("book"))
}

func TestFileStoreSanitizesKeys(t *testing.T) {
	dir := t.TempDir()
	store, err := blob.NewFileStore(dir)
	require.NoError(t, err)

	require.NoError(t, store.Save("meshdex/nonces", doc{Version: "v1"}))
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "meshdex_nonces.json", filepath.Base(entries[0].Name()))
}

func TestBadgerStoreRoundTrip(t *testing.T) {
	store, err := blob.NewBadgerStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	want := doc{Version: "v2", Items: []string{"x"}}
	require.NoError(t, store.Save("market", want))

	var got doc
	found, err := store.Load("market", &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, want, got)

	require.NoError(t, store.Delete("market"))
	found, err = store.Load("market", &got)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestUpdateRunsLoadMutateStore(t *testing.T) {
	store, err := blob.NewFileStore(t.TempDir())
	require.NoError(t, err)

	err = blob.Update(store, "ledger", func(value *doc, found bool) error {
		assert.False(t, found)
		value.Version = "v1"
		value.Items = append(value.Items, "first")
		return nil
	})
	require.NoError(t, err)

	err = blob.Update(store, "ledger", func(value *doc, found bool) error {
		assert.True(t, found)
		value.Items = append(value.Items, "second")
		return nil
	})
	require.NoError(t, err)

	var got doc
	found, err := store.Load("ledger", &got)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []string{"first", "second"}, got.Items)
}
