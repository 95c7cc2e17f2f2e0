package expand

import (
	"fmt"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/storage/memory"
	"github.com/stretchr/testify/require"

	"github.com/meroton/git-toprepo/internal/gitstore"
	"github.com/meroton/git-toprepo/internal/loader"
	"github.com/meroton/git-toprepo/internal/repokey"
)

type fixture struct {
	t    *testing.T
	s    *gitstore.GoGitStore
	repo *git.Repository
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo, err := git.Init(memory.NewStorage(), nil)
	require.NoError(t, err)
	return &fixture{t: t, s: gitstore.New(repo), repo: repo}
}

func (f *fixture) sig(when time.Time) object.Signature {
	return object.Signature{Name: "tester", Email: "tester@example.com", When: when}
}

func (f *fixture) subCommit(parents []gitstore.CommitID, when time.Time, msg string) gitstore.CommitID {
	treeID, err := f.s.WriteTree(nil)
	require.NoError(f.t, err)
	id, err := f.s.WriteCommit(&gitstore.CommitRecord{
		Parents: parents, TreeID: treeID, Author: f.sig(when), Committer: f.sig(when), Message: []byte(msg),
	})
	require.NoError(f.t, err)
	return id
}

// topCommit writes a TOP commit whose tree has a top-level README entry
// plus, if subCommit is non-zero, a gitlink at "libfoo" pointing at it,
// declared in a .gitmodules entry so the loader resolves it to a RepoKey.
func (f *fixture) topCommit(parents []gitstore.CommitID, subCommit gitstore.CommitID, when time.Time, msg string) gitstore.CommitID {
	return f.topCommitAtPath(parents, "libfoo", subCommit, when, msg)
}

// topCommitAtPath is topCommit generalized to an arbitrary submodule path,
// so tests can exercise a path rename across commits (spec §8 S5).
func (f *fixture) topCommitAtPath(parents []gitstore.CommitID, path string, subCommit gitstore.CommitID, when time.Time, msg string) gitstore.CommitID {
	readmeID := f.blob([]byte("hello\n"))
	entries := []gitstore.TreeEntry{
		{Name: "README", Mode: filemode.Regular, ID: readmeID},
	}
	if subCommit != gitstore.ZeroID {
		gmID := f.blob([]byte(fmt.Sprintf("[submodule %q]\n\tpath = %s\n\turl = https://example.com/libfoo.git\n", path, path)))
		entries = append(entries,
			gitstore.TreeEntry{Name: ".gitmodules", Mode: filemode.Regular, ID: gmID},
			gitstore.TreeEntry{Name: path, Mode: filemode.Submodule, ID: subCommit},
		)
	}
	treeID, err := f.s.WriteTree(entries)
	require.NoError(f.t, err)
	id, err := f.s.WriteCommit(&gitstore.CommitRecord{
		Parents: parents, TreeID: treeID, Author: f.sig(when), Committer: f.sig(when), Message: []byte(msg),
	})
	require.NoError(f.t, err)
	return id
}

func (f *fixture) blob(data []byte) gitstore.CommitID {
	obj := f.repo.Storer.NewEncodedObject()
	obj.SetType(plumbing.BlobObject)
	w, err := obj.Writer()
	require.NoError(f.t, err)
	_, err = w.Write(data)
	require.NoError(f.t, err)
	require.NoError(f.t, w.Close())
	id, err := f.repo.Storer.SetEncodedObject(obj)
	require.NoError(f.t, err)
	return id
}

func TestExpandTopIntroducesSubmodule(t *testing.T) {
	f := newFixture(t)
	when := time.Unix(1700000000, 0).UTC()

	sub1 := f.subCommit(nil, when, "sub work\n")
	top1 := f.topCommit(nil, sub1, when, "add libfoo\n")

	resolver := repokey.NewResolver()
	resolver.Add(repokey.Key("libfoo"), []string{"https://example.com/libfoo.git"}, true)

	l := loader.New(f.s, resolver)
	topDAG, missing, err := l.LoadTop([]gitstore.CommitID{top1})
	require.NoError(t, err)
	require.Empty(t, missing)
	subDAG, _, err := l.LoadSub(repokey.Key("libfoo"), []gitstore.CommitID{sub1})
	require.NoError(t, err)

	e := New(f.s, topDAG, map[repokey.Key]*loader.DAG{repokey.Key("libfoo"): subDAG}, NewMaps())
	mono1, err := e.ExpandTop(top1)
	require.NoError(t, err)

	entries, err := f.s.ListTree(mustTree(t, f.s, mono1))
	require.NoError(t, err)
	names := entryNames(entries)
	require.Contains(t, names, "README")
	require.Contains(t, names, "libfoo")

	// libfoo must now be a materialized directory, not a git-link.
	for _, e := range entries {
		if e.Name == "libfoo" {
			require.Equal(t, filemode.Dir, e.Mode)
		}
	}

	require.Equal(t, top1, e.Maps().MonoToTop[mono1])
	require.Equal(t, sub1, e.Maps().MonoToSub[mono1]["libfoo"])
}

func TestExpandTopEmptyEdgeSuppression(t *testing.T) {
	f := newFixture(t)
	when := time.Unix(1700000000, 0).UTC()

	sub1 := f.subCommit(nil, when, "sub work\n")
	top1 := f.topCommit(nil, sub1, when, "add libfoo\n")
	// top2 has the same tree as top1 (no file changes, no submodule bump).
	top2 := f.sameTreeCommit(t, top1, []gitstore.CommitID{top1}, when.Add(time.Hour), "noop commit\n")

	resolver := repokey.NewResolver()
	resolver.Add(repokey.Key("libfoo"), []string{"https://example.com/libfoo.git"}, true)
	l := loader.New(f.s, resolver)
	topDAG, _, err := l.LoadTop([]gitstore.CommitID{top2})
	require.NoError(t, err)
	subDAG, _, err := l.LoadSub(repokey.Key("libfoo"), []gitstore.CommitID{sub1})
	require.NoError(t, err)

	e := New(f.s, topDAG, map[repokey.Key]*loader.DAG{repokey.Key("libfoo"): subDAG}, NewMaps())
	mono1, err := e.ExpandTop(top1)
	require.NoError(t, err)
	mono2, err := e.ExpandTop(top2)
	require.NoError(t, err)

	require.Equal(t, mono1, mono2, "a commit whose tree and submodule pointers are unchanged from its sole parent must reuse the parent's mono id")
}

func TestExpandSubBumpAddsParent(t *testing.T) {
	f := newFixture(t)
	when := time.Unix(1700000000, 0).UTC()

	sub1 := f.subCommit(nil, when, "sub c1\n")
	sub2 := f.subCommit([]gitstore.CommitID{sub1}, when.Add(time.Hour), "sub c2\n")
	top1 := f.topCommit(nil, sub1, when, "add libfoo\n")
	top2 := f.topCommit([]gitstore.CommitID{top1}, sub2, when.Add(2*time.Hour), "bump libfoo\n")

	resolver := repokey.NewResolver()
	resolver.Add(repokey.Key("libfoo"), []string{"https://example.com/libfoo.git"}, true)
	l := loader.New(f.s, resolver)
	topDAG, _, err := l.LoadTop([]gitstore.CommitID{top2})
	require.NoError(t, err)
	subDAG, _, err := l.LoadSub(repokey.Key("libfoo"), []gitstore.CommitID{sub2})
	require.NoError(t, err)

	e := New(f.s, topDAG, map[repokey.Key]*loader.DAG{repokey.Key("libfoo"): subDAG}, NewMaps())
	mono2, err := e.ExpandTop(top2)
	require.NoError(t, err)

	rec, err := f.s.ReadCommit(mono2)
	require.NoError(t, err)
	// Spine parent (mono of top1) plus a bump parent for the new sub2 tip.
	require.Len(t, rec.Parents, 2)
	require.Contains(t, string(rec.Message), "Git-Toprepo-Ref: libfoo")
}

// TestExpandMergeOverReleaseBranchGraftsPerDisagreeingParent is spec §8
// scenario S3: a release branch never bumps libfoo past subA while main
// bumps it to subB, then a merge keeps main's subB. The merge must carry
// a bump parent anchored on the release side specifically (not just a
// single, path-level bump shared across both parents), per spec §4.4's
// "grafting it onto TopToMono(pᵢ)".
func TestExpandMergeOverReleaseBranchGraftsPerDisagreeingParent(t *testing.T) {
	f := newFixture(t)
	when := time.Unix(1700000000, 0).UTC()

	subA := f.subCommit(nil, when, "sub A\n")
	subB := f.subCommit([]gitstore.CommitID{subA}, when.Add(time.Hour), "sub B\n")

	topBase := f.topCommit(nil, subA, when, "add libfoo at A\n")
	topMain := f.topCommit([]gitstore.CommitID{topBase}, subB, when.Add(2*time.Hour), "bump libfoo to B on main\n")
	topRelease := f.topCommit([]gitstore.CommitID{topBase}, subA, when.Add(2*time.Hour), "release branch, no bump\n")
	topMerge := f.topCommit([]gitstore.CommitID{topMain, topRelease}, subB, when.Add(3*time.Hour), "merge release into main\n")

	resolver := repokey.NewResolver()
	resolver.Add(repokey.Key("libfoo"), []string{"https://example.com/libfoo.git"}, true)
	l := loader.New(f.s, resolver)
	topDAG, _, err := l.LoadTop([]gitstore.CommitID{topMerge})
	require.NoError(t, err)
	subDAG, _, err := l.LoadSub(repokey.Key("libfoo"), []gitstore.CommitID{subB})
	require.NoError(t, err)

	e := New(f.s, topDAG, map[repokey.Key]*loader.DAG{repokey.Key("libfoo"): subDAG}, NewMaps())
	monoMain, err := e.ExpandTop(topMain)
	require.NoError(t, err)
	monoRelease, err := e.ExpandTop(topRelease)
	require.NoError(t, err)
	monoMerge, err := e.ExpandTop(topMerge)
	require.NoError(t, err)

	rec, err := f.s.ReadCommit(monoMerge)
	require.NoError(t, err)
	require.Len(t, rec.Parents, 3, "merge must carry both spine parents plus one bump parent anchored on the disagreeing (release) side")
	require.Contains(t, rec.Parents, monoMain)
	require.Contains(t, rec.Parents, monoRelease)

	var bumpID gitstore.CommitID
	for _, p := range rec.Parents {
		if p != monoMain && p != monoRelease {
			bumpID = p
		}
	}
	require.NotEqual(t, gitstore.ZeroID, bumpID, "expected a distinct bump parent for the release side")

	bumpRec, err := f.s.ReadCommit(bumpID)
	require.NoError(t, err)
	require.Equal(t, []gitstore.CommitID{monoRelease}, bumpRec.Parents,
		"the bump parent must be grafted onto the release side's own mono projection, not the submodule's natural ancestry")
}

// TestExpandSubmoduleRemoval is spec §8 scenario S4: a commit that drops
// an assimilated path back to nothing must not try to bump or graft
// anything for it, and the mono tree must lose the materialized
// directory entirely.
func TestExpandSubmoduleRemoval(t *testing.T) {
	f := newFixture(t)
	when := time.Unix(1700000000, 0).UTC()

	sub1 := f.subCommit(nil, when, "sub c1\n")
	top1 := f.topCommit(nil, sub1, when, "add libfoo\n")
	top2 := f.topCommit([]gitstore.CommitID{top1}, gitstore.ZeroID, when.Add(time.Hour), "remove libfoo\n")

	resolver := repokey.NewResolver()
	resolver.Add(repokey.Key("libfoo"), []string{"https://example.com/libfoo.git"}, true)
	l := loader.New(f.s, resolver)
	topDAG, _, err := l.LoadTop([]gitstore.CommitID{top2})
	require.NoError(t, err)
	subDAG, _, err := l.LoadSub(repokey.Key("libfoo"), []gitstore.CommitID{sub1})
	require.NoError(t, err)

	e := New(f.s, topDAG, map[repokey.Key]*loader.DAG{repokey.Key("libfoo"): subDAG}, NewMaps())
	mono1, err := e.ExpandTop(top1)
	require.NoError(t, err)
	mono2, err := e.ExpandTop(top2)
	require.NoError(t, err)

	rec, err := f.s.ReadCommit(mono2)
	require.NoError(t, err)
	require.Equal(t, []gitstore.CommitID{mono1}, rec.Parents, "removing a submodule is an ordinary spine-only edge, no bump parent")

	entries, err := f.s.ListTree(rec.TreeID)
	require.NoError(t, err)
	require.NotContains(t, entryNames(entries), "libfoo")
}

// TestExpandPathRenamePreservesSubmoduleIdentity is spec §8 scenario S5:
// renaming the path a submodule lives at must not recompute a fresh mono
// projection for its already-seen commit -- the rename still resolves to
// the same RepoKey via .gitmodules, so the existing SubToMono entry is
// reused as the bump parent.
func TestExpandPathRenamePreservesSubmoduleIdentity(t *testing.T) {
	f := newFixture(t)
	when := time.Unix(1700000000, 0).UTC()

	subA := f.subCommit(nil, when, "sub A\n")
	top1 := f.topCommitAtPath(nil, "libfoo", subA, when, "add libfoo\n")
	top2 := f.topCommitAtPath([]gitstore.CommitID{top1}, "thirdparty-libfoo", subA, when.Add(time.Hour), "rename libfoo to thirdparty-libfoo\n")

	resolver := repokey.NewResolver()
	resolver.Add(repokey.Key("libfoo"), []string{"https://example.com/libfoo.git"}, true)
	l := loader.New(f.s, resolver)
	topDAG, _, err := l.LoadTop([]gitstore.CommitID{top2})
	require.NoError(t, err)
	subDAG, _, err := l.LoadSub(repokey.Key("libfoo"), []gitstore.CommitID{subA})
	require.NoError(t, err)

	e := New(f.s, topDAG, map[repokey.Key]*loader.DAG{repokey.Key("libfoo"): subDAG}, NewMaps())
	mono1, err := e.ExpandTop(top1)
	require.NoError(t, err)
	mono2, err := e.ExpandTop(top2)
	require.NoError(t, err)

	rec2, err := f.s.ReadCommit(mono2)
	require.NoError(t, err)
	require.Contains(t, rec2.Parents, mono1)

	subMono := e.Maps().SubToMono[repokey.Key("libfoo")][subA]
	require.Contains(t, rec2.Parents, subMono, "renaming a submodule path must graft the already-known subcommit projection, not recompute a fresh one")

	entries, err := f.s.ListTree(rec2.TreeID)
	require.NoError(t, err)
	require.Contains(t, entryNames(entries), "thirdparty-libfoo")
}

func mustTree(t *testing.T, s *gitstore.GoGitStore, commitID gitstore.CommitID) gitstore.CommitID {
	t.Helper()
	rec, err := s.ReadCommit(commitID)
	require.NoError(t, err)
	return rec.TreeID
}

func entryNames(entries []gitstore.TreeEntry) []string {
	var out []string
	for _, e := range entries {
		out = append(out, e.Name)
	}
	return out
}

// sameTreeCommit writes a new commit reusing an existing commit's tree id,
// to exercise the "parent and child trees identical" empty-edge path.
func (f *fixture) sameTreeCommit(t *testing.T, reuseTreeFrom gitstore.CommitID, parents []gitstore.CommitID, when time.Time, msg string) gitstore.CommitID {
	treeID := mustTree(t, f.s, reuseTreeFrom)
	id, err := f.s.WriteCommit(&gitstore.CommitRecord{
		Parents: parents, TreeID: treeID, Author: f.sig(when), Committer: f.sig(when), Message: []byte(msg),
	})
	require.NoError(t, err)
	return id
}
