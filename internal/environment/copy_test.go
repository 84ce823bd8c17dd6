package environment

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string, mode os.FileMode) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), mode))
}

func TestCopyPathSingleFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src", "binary")
	dst := filepath.Join(dir, "deep", "nested", "binary")
	writeFile(t, src, "payload", 0o755)

	require.NoError(t, copyPath(src, dst))

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))

	info, err := os.Stat(dst)
	require.NoError(t, err)
	assert.NotZero(t, info.Mode().Perm()&0o111)
}

func TestCopyPathTree(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	writeFile(t, filepath.Join(src, "top.txt"), "top", 0o644)
	writeFile(t, filepath.Join(src, "sub", "inner.txt"), "inner", 0o644)
	writeFile(t, filepath.Join(src, "sub", "deeper", "leaf.txt"), "leaf", 0o644)
	require.NoError(t, os.Symlink("top.txt", filepath.Join(src, "link")))

	dst := filepath.Join(dir, "dst")
	require.NoError(t, copyPath(src, dst))

	for rel, want := range map[string]string{
		"top.txt":             "top",
		"sub/inner.txt":       "inner",
		"sub/deeper/leaf.txt": "leaf",
	} {
		data, err := os.ReadFile(filepath.Join(dst, filepath.FromSlash(rel)))
		require.NoError(t, err)
		assert.Equal(t, want, string(data))
	}

	link, err := os.Readlink(filepath.Join(dst, "link"))
	require.NoError(t, err)
	assert.Equal(t, "top.txt", link)
}

func TestCopyPathMissingSource(t *testing.T) {
	dir := t.TempDir()
	err := copyPath(filepath.Join(dir, "missing"), filepath.Join(dir, "out"))
	assert.Error(t, err)
}

func TestListTreeVisitsEveryDirectory(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.txt"), "", 0o644)
	writeFile(t, filepath.Join(dir, "one", "b.txt"), "", 0o644)
	writeFile(t, filepath.Join(dir, "one", "two", "c.txt"), "", 0o644)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "empty"), 0o755))

	entries, err := listTree(dir)
	require.NoError(t, err)

	visited := map[string][]string{}
	for _, e := range entries {
		rel, err := filepath.Rel(dir, e.dir)
		require.NoError(t, err)
		visited[filepath.ToSlash(rel)] = e.files
	}
	assert.Equal(t, []string{"a.txt"}, visited["."])
	assert.Equal(t, []string{"b.txt"}, visited["one"])
	assert.Equal(t, []string{"c.txt"}, visited["one/two"])
	_, sawEmpty := visited["empty"]
	assert.True(t, sawEmpty)
}
