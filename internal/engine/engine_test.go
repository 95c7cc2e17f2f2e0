package engine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/storage/memory"
	"github.com/stretchr/testify/require"

	topconfig "github.com/meroton/git-toprepo/internal/config"
	"github.com/meroton/git-toprepo/internal/repokey"
)

const testConfigTOML = `
[repo.libfoo]
urls = ["https://example.com/libfoo.git"]

[engine]
workers = 2
`

func sig(when time.Time) object.Signature {
	return object.Signature{Name: "tester", Email: "tester@example.com", When: when}
}

// fakePusher records every Push call instead of touching a real remote, so
// RunPush's refspec construction can be asserted directly.
type fakePusher struct {
	calls map[repokey.Key][]string
}

func (f *fakePusher) Push(ctx context.Context, key repokey.Key, refspecs []string) error {
	if f.calls == nil {
		f.calls = make(map[repokey.Key][]string)
	}
	f.calls[key] = append(f.calls[key], refspecs...)
	return nil
}

func writeBlob(t *testing.T, repo *git.Repository, data []byte) plumbing.Hash {
	t.Helper()
	obj := repo.Storer.NewEncodedObject()
	obj.SetType(plumbing.BlobObject)
	w, err := obj.Writer()
	require.NoError(t, err)
	_, err = w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	id, err := repo.Storer.SetEncodedObject(obj)
	require.NoError(t, err)
	return id
}

// TestEngineFetchThenPushRoundTrips builds an in-memory bare repo with a
// TOP tip already pointing at a submodule commit fully present in the same
// object store, under the refs/namespaces layout the engine reads from, so
// RunFetch's fixpoint loop converges with zero actual fetches (the Fetch
// Coordinator is never invoked with a nonempty missing set), then splits
// the resulting mono tip back with RunPush.
func TestEngineFetchThenPushRoundTrips(t *testing.T) {
	repo, err := git.Init(memory.NewStorage(), nil)
	require.NoError(t, err)
	when := time.Unix(1700000000, 0).UTC()

	emptyTree := &object.Tree{}
	obj := repo.Storer.NewEncodedObject()
	require.NoError(t, emptyTree.Encode(obj))
	emptyTreeID, err := repo.Storer.SetEncodedObject(obj)
	require.NoError(t, err)

	sub1Obj := repo.Storer.NewEncodedObject()
	subCommit := &object.Commit{
		Author: sig(when), Committer: sig(when), Message: "sub c1\n", TreeHash: emptyTreeID,
	}
	require.NoError(t, subCommit.Encode(sub1Obj))
	sub1, err := repo.Storer.SetEncodedObject(sub1Obj)
	require.NoError(t, err)

	gmBlobID := writeBlob(t, repo, []byte(`[submodule "libfoo"]
	path = libfoo
	url = https://example.com/libfoo.git
`))
	topTree := &object.Tree{Entries: []object.TreeEntry{
		{Name: ".gitmodules", Mode: filemode.Regular, Hash: gmBlobID},
		{Name: "libfoo", Mode: filemode.Submodule, Hash: sub1},
	}}
	topTreeObj := repo.Storer.NewEncodedObject()
	require.NoError(t, topTree.Encode(topTreeObj))
	topTreeID, err := repo.Storer.SetEncodedObject(topTreeObj)
	require.NoError(t, err)

	topCommitObj := repo.Storer.NewEncodedObject()
	topCommit := &object.Commit{
		Author: sig(when), Committer: sig(when), Message: "add libfoo\n", TreeHash: topTreeID,
	}
	require.NoError(t, topCommit.Encode(topCommitObj))
	top1, err := repo.Storer.SetEncodedObject(topCommitObj)
	require.NoError(t, err)

	require.NoError(t, repo.Storer.SetReference(plumbing.NewHashReference("refs/namespaces/top/refs/remotes/origin/main", top1)))
	require.NoError(t, repo.Storer.SetReference(plumbing.NewHashReference("refs/namespaces/libfoo/refs/remotes/origin/main", sub1)))

	cfg, err := topconfig.Load([]byte(testConfigTOML))
	require.NoError(t, err)

	cachePath := filepath.Join(t.TempDir(), "state.cache")
	e, maps, err := New(repo, cfg, cachePath, nil)
	require.NoError(t, err)

	result, err := e.RunFetch(context.Background(), maps)
	require.NoError(t, err)
	require.Empty(t, result.PermanentlyMissing)
	mono1, ok := result.TopToMonoTips["refs/namespaces/top/refs/remotes/origin/main"]
	require.True(t, ok)
	require.Equal(t, top1, result.Maps.MonoToTop[mono1])

	pusher := &fakePusher{}
	e.Pusher = pusher

	pushResults, err := e.RunPush(context.Background(), result.Maps, []plumbing.Hash{mono1})
	require.NoError(t, err)
	require.Len(t, pushResults, 1)
	require.Equal(t, sub1, pushResults[0].SubCommits["libfoo"])

	refspecs := pusher.calls[repokey.Key("libfoo")]
	require.Len(t, refspecs, 1)
	require.Equal(t, sub1.String()+":refs/heads/main", refspecs[0])
}
