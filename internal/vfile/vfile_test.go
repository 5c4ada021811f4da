package vfile

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikeswain-rewrite/commandfs/internal/config"
	"github.com/mikeswain-rewrite/commandfs/internal/filter"
)

func testConfig(t *testing.T, baseDir, cacheDir string) *config.Config {
	t.Helper()
	return &config.Config{
		BaseDir:      baseDir,
		MountDir:     "/mnt",
		CacheDir:     cacheDir,
		Command:      "cat",
		CacheMaxWait: 2 * time.Second,
		Filter:       &filter.Rule{Include: []*regexp.Regexp{regexp.MustCompile(`\.txt$`)}},
	}
}

func TestEncacheMaterializesCommandOutput(t *testing.T) {
	base := t.TempDir()
	cache := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(base, "a.txt"), []byte("hello"), 0644))

	cfg := testConfig(t, base, cache)
	factory := NewFactory(cfg)

	vf := factory.FromDst("/a.txt")
	path, err := vf.Encache(context.Background())
	require.NoError(t, err)

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(content))
}

func TestEncacheConcurrentCallsSerialize(t *testing.T) {
	base := t.TempDir()
	cache := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(base, "a.txt"), []byte("hello"), 0644))

	cfg := testConfig(t, base, cache)
	factory := NewFactory(cfg)

	var wg sync.WaitGroup
	errs := make([]error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			vf := factory.FromDst("/a.txt")
			_, err := vf.Encache(context.Background())
			errs[i] = err
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	info, err := os.Stat(factory.FromDst("/a.txt").CachedPath())
	require.NoError(t, err)
	assert.True(t, info.Mode().IsRegular())
}

func TestGetCommandReturnsEmptyWhenNotQualifying(t *testing.T) {
	base := t.TempDir()
	cache := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(base, "a.bin"), []byte("hello"), 0644))

	cfg := testConfig(t, base, cache)
	factory := NewFactory(cfg)

	vf := factory.FromDst("/a.bin")
	cmd, err := vf.GetCommand()
	require.NoError(t, err)
	assert.Empty(t, cmd)
}

func TestDecacheRemovesFileAndIsIdempotent(t *testing.T) {
	base := t.TempDir()
	cache := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(base, "a.txt"), []byte("hello"), 0644))

	cfg := testConfig(t, base, cache)
	factory := NewFactory(cfg)

	vf := factory.FromDst("/a.txt")
	_, err := vf.Encache(context.Background())
	require.NoError(t, err)

	require.NoError(t, vf.Decache())
	_, err = os.Stat(vf.CachedPath())
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, vf.Decache())
}

func TestGetAttrHiddenWhenNotQualifyingAndNoLinkThru(t *testing.T) {
	base := t.TempDir()
	cache := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(base, "a.bin"), []byte("hello"), 0644))

	cfg := testConfig(t, base, cache)
	factory := NewFactory(cfg)

	vf := factory.FromDst("/a.bin")
	_, err := vf.GetAttr(context.Background())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetAttrSymlinkWhenLinkThru(t *testing.T) {
	base := t.TempDir()
	cache := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(base, "a.bin"), []byte("hello"), 0644))

	cfg := testConfig(t, base, cache)
	cfg.LinkThru = true
	factory := NewFactory(cfg)

	vf := factory.FromDst("/a.bin")
	attr, err := vf.GetAttr(context.Background())
	require.NoError(t, err)
	assert.Equal(t, KindSymlink, attr.Kind)
	assert.Equal(t, int64(len("/a.bin")), attr.Size)
	assert.True(t, attr.Mode&os.ModeSymlink != 0)
}

func TestGetAttrMaterializedMasksModeToReadOnly(t *testing.T) {
	base := t.TempDir()
	cache := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(base, "a.txt"), []byte("hello"), 0777))

	cfg := testConfig(t, base, cache)
	factory := NewFactory(cfg)

	vf := factory.FromDst("/a.txt")
	attr, err := vf.GetAttr(context.Background())
	require.NoError(t, err)
	assert.Equal(t, KindMaterialized, attr.Kind)
	assert.Equal(t, os.FileMode(0444), attr.Mode)
	assert.Equal(t, int64(len("hello")), attr.Size)
}

func TestGetAttrStatPassThruReportsSourceBeforeMaterialisation(t *testing.T) {
	base := t.TempDir()
	cache := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(base, "a.txt"), []byte("hello world"), 0644))

	cfg := testConfig(t, base, cache)
	cfg.StatPassThru = true
	factory := NewFactory(cfg)

	vf := factory.FromDst("/a.txt")
	attr, err := vf.GetAttr(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(len("hello world")), attr.Size)

	_, err = os.Stat(vf.CachedPath())
	assert.True(t, os.IsNotExist(err), "stat_pass_thru must not trigger materialisation")
}

func TestIsEmptyByFilterLinkThruCountsAnyRegularFile(t *testing.T) {
	base := t.TempDir()
	cache := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(base, "sub"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(base, "sub", "a.bin"), []byte("x"), 0644))

	cfg := testConfig(t, base, cache)
	cfg.LinkThru = true
	cfg.HideEmptyDirs = true
	factory := NewFactory(cfg)

	vf := factory.FromDst("/sub")
	hidden, err := vf.DirectoryHiddenByFilter()
	require.NoError(t, err)
	assert.False(t, hidden, "a regular file makes the directory non-empty under link_thru regardless of filter match")
}

func TestIsEmptyByFilterWithoutLinkThruRequiresQualifyingFile(t *testing.T) {
	base := t.TempDir()
	cache := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(base, "sub"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(base, "sub", "a.bin"), []byte("x"), 0644))

	cfg := testConfig(t, base, cache)
	cfg.HideEmptyDirs = true
	factory := NewFactory(cfg)

	vf := factory.FromDst("/sub")
	hidden, err := vf.DirectoryHiddenByFilter()
	require.NoError(t, err)
	assert.True(t, hidden, "without link_thru, a non-qualifying regular file keeps the directory empty")
}

func TestDirectoryHiddenByFilterDisabledIsNoop(t *testing.T) {
	base := t.TempDir()
	cache := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(base, "sub"), 0755))

	cfg := testConfig(t, base, cache)
	factory := NewFactory(cfg)

	vf := factory.FromDst("/sub")
	hidden, err := vf.DirectoryHiddenByFilter()
	require.NoError(t, err)
	assert.False(t, hidden)
}
