package statecache

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/stretchr/testify/require"

	"github.com/meroton/git-toprepo/internal/repokey"
)

func TestOpenOnMissingFileYieldsEmptyMaps(t *testing.T) {
	dir := t.TempDir()
	c, maps, err := Open(filepath.Join(dir, "does-not-exist.cache"))
	require.NoError(t, err)
	require.NotNil(t, c)
	require.Empty(t, maps.TopToMono)
	require.Empty(t, maps.MonoToTop)
	require.Empty(t, maps.SubToMono)
	require.Empty(t, maps.MonoToSub)
}

func TestFlushThenOpenRoundTripsAllFourMaps(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.cache")

	top1 := plumbing.NewHash("1111111111111111111111111111111111111111")
	mono1 := plumbing.NewHash("2222222222222222222222222222222222222222")
	sub1 := plumbing.NewHash("3333333333333333333333333333333333333333")
	subMono1 := plumbing.NewHash("4444444444444444444444444444444444444444")

	c, maps, err := Open(path)
	require.NoError(t, err)

	maps.TopToMono[top1] = mono1
	maps.MonoToTop[mono1] = top1
	maps.SubToMono[repokey.Key("libfoo")] = map[plumbing.Hash]plumbing.Hash{sub1: subMono1}
	maps.MonoToSub[mono1] = map[string]plumbing.Hash{"libfoo": sub1}

	require.NoError(t, c.Flush(maps))

	c2, reloaded, err := Open(path)
	require.NoError(t, err)
	require.NotNil(t, c2)

	require.Equal(t, mono1, reloaded.TopToMono[top1])
	require.Equal(t, top1, reloaded.MonoToTop[mono1])
	require.Equal(t, subMono1, reloaded.SubToMono[repokey.Key("libfoo")][sub1])
	require.Equal(t, sub1, reloaded.MonoToSub[mono1]["libfoo"])
}

func TestOpenRebuildsOnBadMagic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.cache")
	require.NoError(t, os.WriteFile(path, []byte("not a valid state cache file"), 0o644))

	c, maps, err := Open(path)
	require.NoError(t, err)
	require.NotNil(t, c)
	require.Empty(t, maps.TopToMono)
}

func TestTouchAndLookupHitHotSet(t *testing.T) {
	dir := t.TempDir()
	c, _, err := Open(filepath.Join(dir, "state.cache"))
	require.NoError(t, err)

	top1 := plumbing.NewHash("1111111111111111111111111111111111111111")
	mono1 := plumbing.NewHash("2222222222222222222222222222222222222222")
	c.Touch(top1, mono1)

	got, ok := c.Lookup(top1)
	require.True(t, ok)
	require.Equal(t, mono1, got)
}
