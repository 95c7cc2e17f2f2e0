// Package loader is the Loader (C2): given ref tips in the top namespace
// and each submodule namespace, it discovers every reachable commit,
// records parents and submodule pointer maps, and reports missing
// objects for the Fetch Coordinator to resolve.
//
// Grounded on apenwarr/git-subtrac's Cache.tracCommit/tracTree recursive
// walk in subtrac.go: a hash-keyed memo map makes the walk safe against
// revisiting shared ancestors (the comment there notes git's
// content-addressable storage guarantees no cycles, which is why a BFS/DFS
// over parents always terminates -- carried forward as this package's
// loaded map). Where the teacher produces one synthetic commit per
// ref, this package instead records the full per-commit submodule pointer
// delta so the Expander (C4) can compute bump parents.
package loader

import (
	"sort"

	gogitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/pkg/errors"

	"github.com/meroton/git-toprepo/internal/gitstore"
	"github.com/meroton/git-toprepo/internal/repokey"
)

// SubmodulePointer is a (path, RepoKey, CommitId) triple found inside a
// commit's tree, per the data model in spec §3.
type SubmodulePointer struct {
	Path    string
	RepoKey repokey.Key
	Commit  gitstore.CommitID
}

// Node is one commit in a per-RepoKey DAG: its parents and (for TOP only)
// the submodule pointer map it declares.
type Node struct {
	ID       gitstore.CommitID
	Parents  []gitstore.CommitID
	Pointers map[string]SubmodulePointer // path -> pointer, TOP nodes only
	Nested   map[string]SubmodulePointer // nested pointers inside a SubCommit's own tree
}

// Missing is a (RepoKey, CommitId) pair referenced by a loaded commit but
// absent from the store.
type Missing struct {
	RepoKey repokey.Key
	Commit  gitstore.CommitID
}

// DAG is the discovered commit graph for one RepoKey (or TOP).
type DAG struct {
	RepoKey repokey.Key
	Nodes   map[gitstore.CommitID]*Node
}

// Loader discovers commits and submodule pointers from an object store.
type Loader struct {
	store    gitstore.Store
	resolver *repokey.Resolver
}

// New builds a Loader over a store and a URL->RepoKey resolver.
func New(store gitstore.Store, resolver *repokey.Resolver) *Loader {
	return &Loader{store: store, resolver: resolver}
}

// LoadTop walks the TOP DAG from a set of tips, returning every reachable
// commit's parents and submodule pointer map, plus any submodule commits
// referenced but not present in the store.
func (l *Loader) LoadTop(tips []gitstore.CommitID) (*DAG, []Missing, error) {
	dag := &DAG{RepoKey: repokey.TOP, Nodes: make(map[gitstore.CommitID]*Node)}
	var missing []Missing
	seen := make(map[gitstore.CommitID]bool)
	queue := append([]gitstore.CommitID(nil), tips...)

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if seen[id] || id == gitstore.ZeroID {
			continue
		}
		seen[id] = true

		rec, err := l.store.ReadCommit(id)
		if err != nil {
			if errors.Is(err, gitstore.ErrNotFound) {
				// A missing TOP commit is a fatal hole in the top ref
				// graph -- spec's MissingObject handling only concerns
				// submodule commits, not TOP's own history.
				return nil, nil, errors.Wrapf(err, "top commit %s unreachable", id)
			}
			return nil, nil, err
		}

		pointers, err := l.submodulePointers(rec.TreeID)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "read submodule pointers at %s", id)
		}

		node := &Node{ID: id, Parents: rec.Parents, Pointers: pointers}
		dag.Nodes[id] = node

		for path, p := range pointers {
			if !p.RepoKey.Expandable() {
				continue
			}
			if _, err := l.store.ReadCommit(p.Commit); err != nil {
				if errors.Is(err, gitstore.ErrNotFound) {
					missing = append(missing, Missing{RepoKey: p.RepoKey, Commit: p.Commit})
					continue
				}
				return nil, nil, errors.Wrapf(err, "submodule commit at %s/%s", id, path)
			}
		}

		for _, p := range rec.Parents {
			if !seen[p] {
				queue = append(queue, p)
			}
		}
	}

	sortMissing(missing)
	return dag, missing, nil
}

// LoadSub walks a submodule's own DAG (its referenced commits plus all
// namespace tips), recording parents and any nested submodule pointers
// (for recursive assimilation) but no TOP-style pointer map.
func (l *Loader) LoadSub(key repokey.Key, tips []gitstore.CommitID) (*DAG, []Missing, error) {
	dag := &DAG{RepoKey: key, Nodes: make(map[gitstore.CommitID]*Node)}
	var missing []Missing
	seen := make(map[gitstore.CommitID]bool)
	queue := append([]gitstore.CommitID(nil), tips...)

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if seen[id] || id == gitstore.ZeroID {
			continue
		}
		seen[id] = true

		rec, err := l.store.ReadCommit(id)
		if err != nil {
			if errors.Is(err, gitstore.ErrNotFound) {
				missing = append(missing, Missing{RepoKey: key, Commit: id})
				continue
			}
			return nil, nil, err
		}

		nested, err := l.submodulePointers(rec.TreeID)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "read nested submodule pointers at %s", id)
		}

		dag.Nodes[id] = &Node{ID: id, Parents: rec.Parents, Nested: nested}

		for _, p := range rec.Parents {
			if !seen[p] {
				queue = append(queue, p)
			}
		}
	}

	sortMissing(missing)
	return dag, missing, nil
}

// submodulePointers reads .gitmodules (if present) at a tree and pairs it
// with every filemode.Submodule entry found anywhere in the tree,
// resolving each entry's URL to a RepoKey via the configured resolver.
// An entry whose path isn't declared in .gitmodules still gets a pointer
// with RepoKey = UNKNOWN, so it is preserved verbatim per spec §3.
func (l *Loader) submodulePointers(treeID gitstore.CommitID) (map[string]SubmodulePointer, error) {
	urls, err := l.readGitmodules(treeID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]SubmodulePointer)
	if err := l.walkSubmodules(treeID, "", urls, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (l *Loader) readGitmodules(treeID gitstore.CommitID) (map[string]string, error) {
	entry, ok, err := l.store.ReadTreeEntry(treeID, ".gitmodules")
	if err != nil && !errors.Is(err, gitstore.ErrNotFound) {
		return nil, err
	}
	if !ok || entry.Mode == filemode.Submodule || entry.Mode == filemode.Dir {
		return nil, nil
	}
	data, ok := readBlobFn(l.store, entry.ID)
	if !ok {
		return nil, nil
	}
	m := gogitconfig.NewModules()
	if err := m.Unmarshal(data); err != nil {
		// Malformed .gitmodules is tolerated: submodule entries just
		// resolve to UNKNOWN instead of aborting the whole load.
		return nil, nil
	}
	urls := make(map[string]string, len(m.Submodules))
	for name, sm := range m.Submodules {
		path := sm.Path
		if path == "" {
			path = name
		}
		urls[path] = sm.URL
	}
	return urls, nil
}

func (l *Loader) walkSubmodules(treeID gitstore.CommitID, prefix string, urls map[string]string, out map[string]SubmodulePointer) error {
	entries, err := l.store.ListTree(treeID)
	if err != nil {
		return err
	}
	for _, e := range entries {
		path := e.Name
		if prefix != "" {
			path = prefix + "/" + e.Name
		}
		switch e.Mode {
		case filemode.Submodule:
			url := urls[path]
			key := repokey.UNKNOWN
			if l.resolver != nil && url != "" {
				key = l.resolver.Resolve(url)
			}
			out[path] = SubmodulePointer{Path: path, RepoKey: key, Commit: e.ID}
		case filemode.Dir:
			if err := l.walkSubmodules(e.ID, path, urls, out); err != nil {
				return err
			}
		}
	}
	return nil
}

// readBlobFn is overridden in tests; production implementations read the
// blob through the underlying go-git repository. It is indirected here
// because the Store capability interface intentionally does not expose
// raw blob bytes (only tree/commit metadata), so .gitmodules content
// comes from a narrow side-channel rather than broadening Store for one
// caller.
var readBlobFn = func(s gitstore.Store, id gitstore.CommitID) ([]byte, bool) {
	if br, ok := s.(interface {
		ReadBlob(gitstore.CommitID) ([]byte, bool)
	}); ok {
		return br.ReadBlob(id)
	}
	return nil, false
}

func sortMissing(m []Missing) {
	sort.Slice(m, func(i, j int) bool {
		if m[i].RepoKey != m[j].RepoKey {
			return m[i].RepoKey < m[j].RepoKey
		}
		return m[i].Commit.String() < m[j].Commit.String()
	})
}
