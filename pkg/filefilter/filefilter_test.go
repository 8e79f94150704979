package filefilter

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for name, content := range files {
		path := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	return root
}

func TestCollect_FiltersAndOrders(t *testing.T) {
	root := writeTree(t, map[string]string{
		"b.go":                "package b\n",
		"a.md":                "# notes",
		"image.png":           "not really a png",
		"go.sum":              "hashes",
		"node_modules/x.js":   "ignored()",
		"sub/c.go":            "package c\n",
		"sub/blob.txt":        "bin\x00ary",
		"skipme/d.go":         "package d\n",
		"sub/notes.generated": "generated",
	})
	ff := NewFileFilter(
		WithDisableGitIgnore(true),
		WithExcludeDirs([]string{"skipme"}),
		WithExcludeMatchFilenames([]string{`\.generated$`}),
	)

	files, err := Collect([]string{root}, ff, 0)
	require.NoError(t, err)

	var got []string
	for _, f := range files {
		rel, err := filepath.Rel(root, f.Path)
		require.NoError(t, err)
		got = append(got, rel)
	}
	require.Equal(t, []string{"a.md", "b.go", filepath.Join("sub", "c.go")}, got)
	require.Equal(t, "# notes", files[0].Content)
}

func TestCollect_IncludeExtsAndLimits(t *testing.T) {
	root := writeTree(t, map[string]string{
		"a.go":   "package a\n",
		"b.md":   "doc",
		"c.go":   "package c\n",
		"big.go": "package big // this file is too large\n",
	})
	ff := NewFileFilter(
		WithDisableGitIgnore(true),
		WithIncludeExts([]string{"go"}),
		WithMaxFileSize(20),
	)
	files, err := Collect([]string{root}, ff, 0)
	require.NoError(t, err)
	require.Len(t, files, 2)

	files, err = Collect([]string{root}, ff, 15)
	require.ErrorIs(t, err, ErrMaxTotalSizeExceeded)
	require.Len(t, files, 1)

	single, err := Collect([]string{filepath.Join(root, "b.md")}, NewFileFilter(WithDisableGitIgnore(true)), 0)
	require.NoError(t, err)
	require.Len(t, single, 1)

	_, err = Collect([]string{filepath.Join(root, "missing")}, ff, 0)
	require.Error(t, err)
}

func TestFormat(t *testing.T) {
	require.Equal(t, "hi", Format(nil, "hi"))
	out := Format([]File{{Path: "x/main.go", Content: "package main"}}, "explain")
	require.Equal(t, "File: x/main.go\n```go\npackage main\n```\n\nexplain", out)
}

func TestFilterYAML(t *testing.T) {
	ff, err := FromYAML([]byte("include-exts: [.go]\nmax-file-size: 10\n"))
	require.NoError(t, err)
	require.Equal(t, []string{".go"}, ff.IncludeExts)
	require.EqualValues(t, 10, ff.MaxFileSize)
	require.True(t, ff.FilterBinaryFiles)

	b, err := ff.ToYAML()
	require.NoError(t, err)
	require.Contains(t, string(b), "include-exts")
}

func TestNewFromSettings(t *testing.T) {
	ff, err := NewFromSettings(Settings{MaxFileSize: 100, Include: []string{".md"}, DisableGitIgnore: true})
	require.NoError(t, err)
	require.EqualValues(t, 100, ff.MaxFileSize)
	require.Nil(t, ff.GitIgnoreFilter)
	require.True(t, ff.DisableGitIgnore)
}
