package artifact

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	return store
}

func TestStoreFetchRoundTrip(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Store("100-abcd1234", "bundle.tgz", []byte("payload")))

	data, err := store.Fetch("100-abcd1234", "bundle.tgz")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), data)
	assert.True(t, store.Exists("100-abcd1234", "bundle.tgz"))
}

func TestFetchUnknownArtifact(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Fetch("100-abcd1234", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreFileCopiesSource(t *testing.T) {
	store := newTestStore(t)
	src := filepath.Join(t.TempDir(), "out.txt")
	require.NoError(t, os.WriteFile(src, []byte("built"), 0o644))

	require.NoError(t, store.StoreFile("100-abcd1234", "out.txt", src))
	path, err := store.GetPath("100-abcd1234", "out.txt")
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("built"), data)
}

func TestListIsSortedAndSkipsTempFiles(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Store("p1", "zz", []byte("z")))
	require.NoError(t, store.Store("p1", "aa", []byte("a")))
	require.NoError(t, os.WriteFile(filepath.Join(store.root, "p1", ".aa.tmp-123"), []byte("partial"), 0o644))

	names, err := store.List("p1")
	require.NoError(t, err)
	assert.Equal(t, []string{"aa", "zz"}, names)
}

func TestCleanupThenListReturnsEmpty(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Store("p1", "a", []byte("a")))
	require.NoError(t, store.Cleanup("p1"))

	names, err := store.List("p1")
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestCleanupExpiredSweepsOldDirectories(t *testing.T) {
	dataDir := t.TempDir()
	store, err := NewStore(dataDir)
	require.NoError(t, err)
	require.NoError(t, store.Store("old", "a", []byte("a")))
	require.NoError(t, store.Store("new", "b", []byte("b")))

	oldDir := filepath.Join(dataDir, "artifacts", "old")
	past := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(oldDir, past, past))

	require.NoError(t, store.CleanupExpired(DefaultTTL))
	_, err = os.Stat(oldDir)
	assert.True(t, os.IsNotExist(err))
	assert.True(t, store.Exists("new", "b"))
}

func TestValidateName(t *testing.T) {
	for _, valid := range []string{"a", "bundle.tgz", "my-artifact_1", "A.B-c_d"} {
		assert.NotPanics(t, func() { ValidateName(valid) }, valid)
	}
	invalid := []string{
		"",
		"a/b",
		"..",
		"a..b",
		"../etc/passwd",
		"with space",
		"semi;colon",
		string(make([]byte, 0)),
	}
	for _, name := range invalid {
		name := name
		assert.Panics(t, func() { ValidateName(name) }, "%q should panic", name)
	}
	long := make([]byte, 256)
	for i := range long {
		long[i] = 'a'
	}
	assert.Panics(t, func() { ValidateName(string(long)) })
}
