// Package gitstore is the Object Store Adapter (C1): a capability
// interface over commit/tree read and write plus namespaced ref access,
// backed by go-git rather than exposing go-git types to the rest of the
// engine. Grounded on the Cache type in apenwarr/git-subtrac's subtrac.go,
// which wraps a single *git.Repository and exposes the same handful of
// operations (CommitObject, TreeObject, Storer.SetEncodedObject,
// Storer.SetReference) that this package generalizes into an interface.
package gitstore

import (
	"fmt"
	"io"
	"sort"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/pkg/errors"
)

// CommitID is a content hash, opaque outside this package's construction
// helpers.
type CommitID = plumbing.Hash

// ZeroID is the hash with no object, used to mean "no tree"/"no parent".
var ZeroID = plumbing.ZeroHash

// ErrNotFound is returned by read operations when the requested object is
// absent from the store. It is a recoverable signal routed to the Fetch
// Coordinator (C3), not a fatal error.
var ErrNotFound = errors.New("object not found")

// CommitRecord is the engine's view of a commit: parents, tree, identity,
// and raw message bytes (kept as bytes because encodings other than UTF-8
// must round-trip through the Expander's Git-Toprepo-Ref mechanism).
type CommitRecord struct {
	ID        CommitID
	Parents   []CommitID
	TreeID    CommitID
	Author    object.Signature
	Committer object.Signature
	Encoding  string
	Message   []byte
}

// TreeEntry is one entry of a tree object: a name, file mode, and the id
// of the blob/tree/commit(submodule) it references.
type TreeEntry struct {
	Name string
	Mode filemode.FileMode
	ID   CommitID
}

// Store is the capability interface the rest of the engine depends on.
// Implementations must be safe for concurrent use by multiple goroutines,
// per the concurrency model's single shared object store.
type Store interface {
	ReadCommit(id CommitID) (*CommitRecord, error)
	ReadTreeEntry(treeID CommitID, path string) (TreeEntry, bool, error)
	ListTree(treeID CommitID) ([]TreeEntry, error)
	WriteCommit(rec *CommitRecord) (CommitID, error)
	WriteTree(entries []TreeEntry) (CommitID, error)
	ListRefs(namespace string) (map[string]CommitID, error)
	UpdateRef(name string, id CommitID, expected *CommitID) error
}

// GoGitStore implements Store over a single *git.Repository, the way the
// teacher's Cache wraps one opened repository for both the top repo and
// (via remotes) its submodules; in this engine one GoGitStore per
// namespace-carrying repo is sufficient because all RepoKeys are fetched
// into namespaced refs of the same underlying object store (§6).
type GoGitStore struct {
	repo *git.Repository
}

// New wraps an already-open go-git repository.
func New(repo *git.Repository) *GoGitStore {
	return &GoGitStore{repo: repo}
}

func (s *GoGitStore) ReadCommit(id CommitID) (*CommitRecord, error) {
	c, err := s.repo.CommitObject(id)
	if err != nil {
		if err == plumbing.ErrObjectNotFound {
			return nil, ErrNotFound
		}
		return nil, errors.Wrapf(err, "read commit %s", id)
	}
	return &CommitRecord{
		ID:        c.Hash,
		Parents:   append([]CommitID(nil), c.ParentHashes...),
		TreeID:    c.TreeHash,
		Author:    c.Author,
		Committer: c.Committer,
		Encoding:  string(c.Encoding),
		Message:   []byte(c.Message),
	}, nil
}

// ReadBlob is a narrow side-channel beyond the Store interface used only
// by the Loader to read .gitmodules content; the interface itself stays
// limited to tree/commit metadata per the Object Store Adapter's scope.
func (s *GoGitStore) ReadBlob(id CommitID) ([]byte, bool) {
	blob, err := s.repo.BlobObject(id)
	if err != nil {
		return nil, false
	}
	reader, err := blob.Reader()
	if err != nil {
		return nil, false
	}
	defer reader.Close()
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, false
	}
	return data, true
}

func (s *GoGitStore) ReadTreeEntry(treeID CommitID, path string) (TreeEntry, bool, error) {
	if treeID == ZeroID {
		return TreeEntry{}, false, nil
	}
	tree, err := s.repo.TreeObject(treeID)
	if err != nil {
		if err == plumbing.ErrObjectNotFound {
			return TreeEntry{}, false, ErrNotFound
		}
		return TreeEntry{}, false, errors.Wrapf(err, "read tree %s", treeID)
	}
	for _, e := range tree.Entries {
		if e.Name == path {
			return TreeEntry{Name: e.Name, Mode: e.Mode, ID: e.Hash}, true, nil
		}
	}
	return TreeEntry{}, false, nil
}

func (s *GoGitStore) ListTree(treeID CommitID) ([]TreeEntry, error) {
	if treeID == ZeroID {
		return nil, nil
	}
	tree, err := s.repo.TreeObject(treeID)
	if err != nil {
		if err == plumbing.ErrObjectNotFound {
			return nil, ErrNotFound
		}
		return nil, errors.Wrapf(err, "list tree %s", treeID)
	}
	out := make([]TreeEntry, 0, len(tree.Entries))
	for _, e := range tree.Entries {
		out = append(out, TreeEntry{Name: e.Name, Mode: e.Mode, ID: e.Hash})
	}
	return out, nil
}

func (s *GoGitStore) WriteCommit(rec *CommitRecord) (CommitID, error) {
	c := &object.Commit{
		Author:       rec.Author,
		Committer:    rec.Committer,
		TreeHash:     rec.TreeID,
		ParentHashes: append([]CommitID(nil), rec.Parents...),
		Message:      string(rec.Message),
	}
	if rec.Encoding != "" {
		c.Encoding = object.Encoding(rec.Encoding)
	}
	obj := s.repo.Storer.NewEncodedObject()
	if err := c.Encode(obj); err != nil {
		return ZeroID, errors.Wrap(err, "encode commit")
	}
	id, err := s.repo.Storer.SetEncodedObject(obj)
	if err != nil {
		return ZeroID, errors.Wrap(err, "store commit")
	}
	return id, nil
}

// WriteTree sorts entries the way git requires (byte-wise by name, with
// directories compared as if a trailing "/" were appended) before
// encoding, so two stores presented the same entry set in different
// orders still produce the same tree id -- required by the determinism
// invariant.
func (s *GoGitStore) WriteTree(entries []TreeEntry) (CommitID, error) {
	sorted := make([]TreeEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool {
		return treeSortKey(sorted[i]) < treeSortKey(sorted[j])
	})
	tree := &object.Tree{}
	for _, e := range sorted {
		tree.Entries = append(tree.Entries, object.TreeEntry{
			Name: e.Name,
			Mode: e.Mode,
			Hash: e.ID,
		})
	}
	obj := s.repo.Storer.NewEncodedObject()
	if err := tree.Encode(obj); err != nil {
		return ZeroID, errors.Wrap(err, "encode tree")
	}
	id, err := s.repo.Storer.SetEncodedObject(obj)
	if err != nil {
		return ZeroID, errors.Wrap(err, "store tree")
	}
	return id, nil
}

func treeSortKey(e TreeEntry) string {
	if e.Mode == filemode.Dir {
		return e.Name + "/"
	}
	return e.Name
}

func (s *GoGitStore) ListRefs(namespace string) (map[string]CommitID, error) {
	refs, err := s.repo.References()
	if err != nil {
		return nil, errors.Wrap(err, "list refs")
	}
	out := make(map[string]CommitID)
	err = refs.ForEach(func(r *plumbing.Reference) error {
		name := string(r.Name())
		if len(name) < len(namespace) || name[:len(namespace)] != namespace {
			return nil
		}
		if r.Type() != plumbing.HashReference {
			return nil
		}
		out[name] = r.Hash()
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "walk refs")
	}
	return out, nil
}

func (s *GoGitStore) UpdateRef(name string, id CommitID, expected *CommitID) error {
	refName := plumbing.ReferenceName(name)
	if expected != nil {
		old, err := s.repo.Reference(refName, false)
		if err == nil {
			if old.Hash() != *expected {
				return fmt.Errorf("update ref %s: expected %s, found %s", name, *expected, old.Hash())
			}
		} else if err != plumbing.ErrReferenceNotFound {
			return errors.Wrapf(err, "read ref %s", name)
		} else if *expected != ZeroID {
			return fmt.Errorf("update ref %s: expected %s, found none", name, *expected)
		}
	}
	ref := plumbing.NewHashReference(refName, id)
	if err := s.repo.Storer.SetReference(ref); err != nil {
		return errors.Wrapf(err, "update ref %s", name)
	}
	return nil
}
