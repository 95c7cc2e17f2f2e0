// Package place is the Mono-ref Placer (C5): for a submodule tip not yet
// merged into TOP, it finds the earliest mono ancestor the bump path can
// be grafted onto and writes a new mono commit descended from it, so
// FETCH_HEAD-style refs are usable for rebase/merge per spec §4.5.
//
// Grounded on apenwarr/git-subtrac's Cache.UpdateBranchRefs (subtrac.go),
// which walks every local branch, computes a derived commit via
// TracByRef, and writes it to a `<branch>.trac` ref -- this package keeps
// that "one derived ref per branch tip" shape but replaces the derived
// commit's computation with an actual graft onto the mono graph instead
// of a parents-only bookkeeping commit.
package place

import (
	"github.com/pkg/errors"

	"github.com/meroton/git-toprepo/internal/expand"
	"github.com/meroton/git-toprepo/internal/gitstore"
	"github.com/meroton/git-toprepo/internal/repokey"
)

// Placer grafts unmerged submodule tips onto the mono graph.
type Placer struct {
	store gitstore.Store
	exp   *expand.Expander
}

// New builds a Placer over a store and an Expander sharing the same maps.
func New(store gitstore.Store, exp *expand.Expander) *Placer {
	return &Placer{store: store, exp: exp}
}

// Placement describes where a fetched submodule tip was grafted.
type Placement struct {
	RepoKey  repokey.Key
	Tip      gitstore.CommitID
	Base     gitstore.CommitID // earliest mono ancestor found
	MonoHead gitstore.CommitID // newly written mono commit descending from Base
}

// Place finds the earliest ancestor of headTop (a TOP ref, typically the
// current branch HEAD) whose mono projection already carries key's
// ancestry up to base, then grafts tip onto it. "Earliest" is chosen so
// rebase has the shortest possible range to replay, per spec §4.5; a
// different monorepo branch can be chosen by re-running Place with a
// different headTop.
func (p *Placer) Place(headTop gitstore.CommitID, key repokey.Key, tip gitstore.CommitID) (*Placement, error) {
	monoHead, ok := p.exp.Maps().TopToMono[headTop]
	if !ok {
		return nil, errors.Errorf("place: %s not yet expanded", headTop)
	}

	base, err := p.earliestAncestor(monoHead, key)
	if err != nil {
		return nil, err
	}

	tipMono, err := p.exp.ExpandSub(key, tip)
	if err != nil {
		return nil, errors.Wrapf(err, "place %s@%s", key, tip)
	}

	baseRec, err := p.store.ReadCommit(base)
	if err != nil {
		return nil, err
	}
	graftRec := &gitstore.CommitRecord{
		Parents:   []gitstore.CommitID{base, tipMono},
		TreeID:    baseRec.TreeID,
		Author:    baseRec.Author,
		Committer: baseRec.Committer,
		Message:   []byte("Graft submodule tip " + tip.String() + " for " + string(key) + "\n"),
	}
	graftID, err := p.store.WriteCommit(graftRec)
	if err != nil {
		return nil, err
	}

	return &Placement{RepoKey: key, Tip: tip, Base: base, MonoHead: graftID}, nil
}

// earliestAncestor walks monoID's first-parent line back only as far as
// key's assimilated pointer keeps agreeing with monoID's own, stopping at
// the first ancestor whose bump for this RepoKey/path disagrees -- either
// a different pinned commit, a renamed path, or the path not existing yet
// (spec §4.5: "earliest legal placement without crossing a disagreeing
// bump"). If key isn't assimilated at monoID at all there is nothing to
// walk past, so monoID itself is the earliest (and only) legal anchor.
func (p *Placer) earliestAncestor(monoID gitstore.CommitID, key repokey.Key) (gitstore.CommitID, error) {
	path, headCommit, ok := p.exp.PathForRepoKey(monoID, key)
	if !ok {
		return monoID, nil
	}

	cur := monoID
	for {
		rec, err := p.store.ReadCommit(cur)
		if err != nil {
			return gitstore.ZeroID, err
		}
		if len(rec.Parents) == 0 {
			return cur, nil
		}
		parent := rec.Parents[0]
		parentPath, parentCommit, ok := p.exp.PathForRepoKey(parent, key)
		if !ok || parentPath != path || parentCommit != headCommit {
			return cur, nil
		}
		cur = parent
	}
}
