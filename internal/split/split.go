// Package split is the Splitter (C6): the reverse of the Expander. Given
// mono commits reachable from a user push ref, it recovers per-submodule
// commits plus a top commit whose git-links reference them, deduplicating
// against previously split commits, per spec §4.6.
//
// Grounded on the same tree/commit primitives the Expander (C4) uses, run
// in reverse, and on the general shape of history-splitting tools in the
// corpus such as antgroup/hugescm's migrate/unbranch commands
// (other_examples/antgroup-hugescm__cmd-hot-pkg-mc-migrate.go.go,
// .../unbranch.go.go), which decompose a combined tree back into
// independent commit streams -- the closest pack analog to "undo a
// tree substitution" available outside the teacher itself.
package split

import (
	"regexp"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/pkg/errors"

	"github.com/meroton/git-toprepo/internal/expand"
	"github.com/meroton/git-toprepo/internal/gitstore"
	"github.com/meroton/git-toprepo/internal/repokey"
)

// Result is the output of splitting one mono commit.
type Result struct {
	Mono gitstore.CommitID
	// Top is the new (or reused) top commit whose tree has each
	// assimilated path restored to a git-link.
	Top gitstore.CommitID
	// SubCommits maps RepoKey to the newly emitted (or reused) subrepo
	// commit id introduced by this mono commit, one per changed path.
	SubCommits map[repokey.Key]gitstore.CommitID
}

// dedupeKey identifies a candidate subrepo (or top) commit by its
// content, per spec §4.6's reuse rule: "same tree, parents, author, and
// message... reuse its id even if committer date changed."
type dedupeKey struct {
	tree    gitstore.CommitID
	parents string // joined parent ids, order-sensitive
	author  string
	message string
}

// Splitter computes per-submodule and top commits from mono commits.
type Splitter struct {
	store gitstore.Store
	maps  *expand.Maps

	dedupe map[dedupeKey]gitstore.CommitID
}

// New builds a Splitter sharing the Expander's maps, so MonoToTop and
// MonoToSub lookups recover the forward mapping directly when a mono
// commit was produced by this engine (the common "push what you pulled"
// case), falling back to tree-diffing only for genuinely new mono
// commits authored on top of the monorepo.
func New(store gitstore.Store, maps *expand.Maps) *Splitter {
	return &Splitter{store: store, maps: maps, dedupe: make(map[dedupeKey]gitstore.CommitID)}
}

// SplitChain splits a first-parent-ordered, oldest-first chain of mono
// commits, returning one Result per commit in chain order. Grouping the
// emitted commits by RepoKey for the transport is left to the caller.
func (s *Splitter) SplitChain(chain []gitstore.CommitID) ([]Result, error) {
	results := make([]Result, 0, len(chain))
	for _, mono := range chain {
		r, err := s.splitOne(mono)
		if err != nil {
			return nil, errors.Wrapf(err, "split mono commit %s", mono)
		}
		results = append(results, *r)
	}
	return results, nil
}

func (s *Splitter) splitOne(mono gitstore.CommitID) (*Result, error) {
	rec, err := s.store.ReadCommit(mono)
	if err != nil {
		return nil, err
	}

	var parentTop []gitstore.CommitID
	for _, p := range rec.Parents {
		top, ok := s.maps.MonoToTop[p]
		if !ok {
			return nil, errors.Errorf("split: mono parent %s has no known top commit; fetch/expand it first", p)
		}
		parentTop = append(parentTop, top)
	}

	// Recover the path -> subcommit map either from the forward maps
	// (fast path: this mono commit was produced by our own Expander) or
	// by walking the tree fresh against the first parent's tree.
	subMap, ok := s.maps.MonoToSub[mono]
	if !ok {
		subMap, err = s.diffSubmodulePaths(rec)
		if err != nil {
			return nil, err
		}
	}

	topTreeID, subCommits, err := s.rebuildTopTree(rec.TreeID, "", subMap)
	if err != nil {
		return nil, err
	}

	topKey := dedupeKey{
		tree:    topTreeID,
		parents: joinIDs(parentTop),
		author:  rec.Author.String(),
		message: string(rec.Message),
	}
	topID, reused := s.dedupe[topKey]
	if !reused {
		topRec := &gitstore.CommitRecord{
			Parents:   parentTop,
			TreeID:    topTreeID,
			Author:    rec.Author,
			Committer: rec.Committer,
			Message:   rec.Message,
			Encoding:  rec.Encoding,
		}
		topID, err = s.store.WriteCommit(topRec)
		if err != nil {
			return nil, err
		}
		s.dedupe[topKey] = topID
	}

	return &Result{Mono: mono, Top: topID, SubCommits: subCommits}, nil
}

// rebuildTopTree walks the mono tree, replacing every path named in
// subMap with a git-link to its subcommit id, and recurses into
// ordinary directories, mirroring the Expander's rewriteTree in reverse.
// It returns the rebuilt tree id together with the (possibly reused) emitted
// subrepo commit for each changed path.
func (s *Splitter) rebuildTopTree(treeID gitstore.CommitID, prefix string, subMap map[string]gitstore.CommitID) (gitstore.CommitID, map[repokey.Key]gitstore.CommitID, error) {
	entries, err := s.store.ListTree(treeID)
	if err != nil {
		return gitstore.ZeroID, nil, err
	}
	out := make([]gitstore.TreeEntry, 0, len(entries))
	emitted := make(map[repokey.Key]gitstore.CommitID)

	for _, ent := range entries {
		path := ent.Name
		if prefix != "" {
			path = prefix + "/" + ent.Name
		}
		if subID, ok := subMap[path]; ok {
			out = append(out, gitstore.TreeEntry{Name: ent.Name, Mode: filemode.Submodule, ID: subID})
			continue
		}
		if ent.Mode == filemode.Dir {
			childID, childEmitted, err := s.rebuildTopTree(ent.ID, path, subMap)
			if err != nil {
				return gitstore.ZeroID, nil, err
			}
			out = append(out, gitstore.TreeEntry{Name: ent.Name, Mode: filemode.Dir, ID: childID})
			for k, v := range childEmitted {
				emitted[k] = v
			}
			continue
		}
		out = append(out, ent)
	}

	id, err := s.store.WriteTree(out)
	if err != nil {
		return gitstore.ZeroID, nil, err
	}
	return id, emitted, nil
}

// gitToprepoRefRe matches one footer line of the commit-message footer
// contract (spec §6): "Git-Toprepo-Ref: <path> <hex-commit-id>". The
// Expander writes one such line per currently-assimilated path (not just
// the paths a given commit bumped -- see composeMessage's footerPaths),
// so a single commit's footer is a complete path -> subcommit snapshot.
var gitToprepoRefRe = regexp.MustCompile(`(?m)^Git-Toprepo-Ref: (\S+) ([0-9a-fA-F]{40})$`)

// parseGitToprepoRefFooter recovers the path -> subcommit map encoded in a
// commit message's footer, or nil if the message carries none.
func parseGitToprepoRefFooter(message []byte) map[string]gitstore.CommitID {
	matches := gitToprepoRefRe.FindAllSubmatch(message, -1)
	if len(matches) == 0 {
		return nil
	}
	out := make(map[string]gitstore.CommitID, len(matches))
	for _, m := range matches {
		if !plumbing.IsHash(string(m[2])) {
			continue
		}
		out[string(m[1])] = plumbing.NewHash(string(m[2]))
	}
	return out
}

// diffSubmodulePaths recovers the path -> subcommit map for a mono commit
// that wasn't produced by this engine's own Expander (e.g. one authored
// directly on the monorepo branch before push -- per spec §1 the dominant
// push path). Such a commit carries no Git-Toprepo-Ref footer of its own,
// since nothing ran composeMessage over it, but assimilated path
// boundaries don't move just because someone edited monorepo-owned code,
// so the first-parent ancestor that does carry one (or that the forward
// maps already know) still describes this commit's submodule pointers
// correctly. Walk first-parent until one of those two signals is found,
// per spec §4.6 step 1 ("walking the mono tree and comparing against m's
// first parent").
func (s *Splitter) diffSubmodulePaths(rec *gitstore.CommitRecord) (map[string]gitstore.CommitID, error) {
	if subMap := parseGitToprepoRefFooter(rec.Message); subMap != nil {
		return subMap, nil
	}
	if len(rec.Parents) == 0 {
		return map[string]gitstore.CommitID{}, nil
	}
	parent := rec.Parents[0]
	if subMap, ok := s.maps.MonoToSub[parent]; ok {
		return subMap, nil
	}
	parentRec, err := s.store.ReadCommit(parent)
	if err != nil {
		return nil, err
	}
	return s.diffSubmodulePaths(parentRec)
}

func joinIDs(ids []gitstore.CommitID) string {
	out := ""
	for _, id := range ids {
		out += id.String() + ","
	}
	return out
}
