package pathutil

import (
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubstituteBasic(t *testing.T) {
	got := Substitute("cache/%u/%b", "%u", "mike")
	assert.Equal(t, "cache/mike/%b", got)
}

func TestSubstituteEscapedDoubledTokenIsLiteral(t *testing.T) {
	template := "prefix-%%u-suffix"
	got := Substitute(template, "%u", "mike")
	assert.Equal(t, template, got, "doubled first char must be left untouched")
}

func TestSubstituteMultipleOccurrences(t *testing.T) {
	got := Substitute("%x/%x/%x", "%x", "V")
	assert.Equal(t, "V/V/V", got)
}

func TestSubstituteAllComposesSequentially(t *testing.T) {
	got := SubstituteAll("%u/%b/%m", []TokenValue{
		{Token: "%u", Value: "mike"},
		{Token: "%b", Value: "base"},
		{Token: "%m", Value: "mnt"},
	})
	assert.Equal(t, "mike/base/mnt", got)
}

func TestHashIsInjective(t *testing.T) {
	cases := []string{"/a/b/c", "/a$b/c", "/", "/$$weird$/path", ""}
	seen := map[string]string{}
	for _, c := range cases {
		h := Hash(c)
		if prev, ok := seen[h]; ok {
			require.Equal(t, c, prev, "hash collision between distinct paths")
		}
		seen[h] = c
	}
}

func TestHashEncodesSlashAndDollar(t *testing.T) {
	assert.Equal(t, "$a$b", Hash("/a/b"))
	assert.Equal(t, "a$$b", Hash("a$b"))
}

func TestMakePathCreatesMissingAncestors(t *testing.T) {
	root := t.TempDir()
	target := filepath.Join(root, "a", "b", "c")

	resolved, err := MakePath(target)
	require.NoError(t, err)

	info, err := os.Stat(resolved)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestMakePathIdempotentOnExistingDir(t *testing.T) {
	root := t.TempDir()
	first, err := MakePath(root)
	require.NoError(t, err)
	second, err := MakePath(root)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestVisitUnlimitedDepthVisitsWholeTree(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sub", "nested"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "top.txt"), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "sub", "mid.txt"), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "sub", "nested", "deep.txt"), []byte("x"), 0644))

	var names []string
	err := Visit(root, -1, func(e *EntryInfo) error {
		names = append(names, e.Name)
		return nil
	})
	require.NoError(t, err)
	sort.Strings(names)
	assert.Equal(t, []string{"deep.txt", "mid.txt", "nested", "sub", "top.txt"}, names)
}

func TestVisitDepthZeroStaysAtTopLevel(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sub"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "sub", "mid.txt"), []byte("x"), 0644))

	var names []string
	err := Visit(root, 0, func(e *EntryInfo) error {
		names = append(names, e.Name)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"sub"}, names)
}

func TestVisitAbortsOnErrStop(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "b.txt"), []byte("x"), 0644))

	count := 0
	err := Visit(root, -1, func(e *EntryInfo) error {
		count++
		return ErrStop
	})
	require.Equal(t, ErrStop, err)
	assert.Equal(t, 1, count)
}
