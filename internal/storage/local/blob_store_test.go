package local_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/ghostfetch/internal/storage/local"
)

func TestNewCreatesArchiveDirectory(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "archive", "pages")
	store, err := local.New(local.Config{BaseDir: dir})
	require.NoError(t, err)
	require.NotNil(t, store)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	require.True(t, info.IsDir())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries, "probe file must be cleaned up")
}

func TestNewRejectsBadDirectories(t *testing.T) {
	t.Parallel()

	_, err := local.New(local.Config{BaseDir: "  "})
	require.Error(t, err)

	file := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
	_, err = local.New(local.Config{BaseDir: file})
	require.Error(t, err)
}

func TestPutObjectWritesPage(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: dir})
	require.NoError(t, err)

	body := []byte("<html><title>hi</title></html>")
	uri, err := store.PutObject(t.Context(), "pages/example.com/abc.html", "text/html", body)
	require.NoError(t, err)

	want := filepath.Join(dir, "pages", "example.com", "abc.html")
	require.Equal(t, "file://"+filepath.ToSlash(want), uri)
	// #nosec G304 -- reads from the test temp directory.
	got, err := os.ReadFile(want)
	require.NoError(t, err)
	require.Equal(t, body, got)

	// Overwrites replace the page and leave no temp files behind.
	_, err = store.PutObject(t.Context(), "pages/example.com/abc.html", "text/html", []byte("v2"))
	require.NoError(t, err)
	entries, err := os.ReadDir(filepath.Dir(want))
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestPutObjectRejectsBadPaths(t *testing.T) {
	t.Parallel()

	store, err := local.New(local.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	_, err = store.PutObject(t.Context(), "", "text/html", []byte("x"))
	require.Error(t, err)

	_, err = store.PutObject(t.Context(), "../escape.html", "text/html", []byte("x"))
	require.ErrorContains(t, err, "path traversal")
}
