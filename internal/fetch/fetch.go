// Package fetch is the Fetch Coordinator (C3): given missing submodule
// commits grouped by RepoKey, it invokes the transport capability to pull
// them into the per-submodule namespace and feeds new refs back to the
// Loader, looping to a fixpoint.
//
// Grounded on apenwarr/git-subtrac's Cache.tryFetchFromSubmodules, which
// creates an anonymous remote and fetches a single missing commit by hash
// into a temporary branch ref; this package generalizes "search sibling
// checkouts for one commit" into "invoke a configured Transport for a
// whole RepoKey's wanted set", run concurrently across RepoKeys with
// golang.org/x/sync/errgroup (the corpus's fan-out idiom, e.g.
// bufbuild/buf) and per-key errors aggregated with go.uber.org/multierr
// so one broken remote doesn't abort fetches for the others, per spec
// §4.3's stated failure semantics.
package fetch

import (
	"context"
	"sync"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/meroton/git-toprepo/internal/gitstore"
	"github.com/meroton/git-toprepo/internal/loader"
	"github.com/meroton/git-toprepo/internal/repokey"
)

// FetchedRef is one ref imported by a transport Fetch call.
type FetchedRef struct {
	Name string
	ID   gitstore.CommitID
}

// Transport is the capability the coordinator invokes; fetch/push
// subprocess or network behavior lives entirely behind this interface,
// per spec §1's "transport invocation... is out of scope" boundary.
type Transport interface {
	Fetch(ctx context.Context, key repokey.Key, want []gitstore.CommitID) ([]FetchedRef, error)
}

// Coordinator loops the fetch-then-reload cycle until missing objects are
// resolved or no further progress is made.
type Coordinator struct {
	Transport Transport
	Loader    *loader.Loader
	Workers   int

	mu                 sync.Mutex
	permanentlyMissing map[repokey.Key]map[gitstore.CommitID]bool
}

// NewCoordinator builds a Coordinator over a transport and loader.
func NewCoordinator(t Transport, l *loader.Loader, workers int) *Coordinator {
	if workers <= 0 {
		workers = 1
	}
	return &Coordinator{
		Transport:          t,
		Loader:             l,
		Workers:            workers,
		permanentlyMissing: make(map[repokey.Key]map[gitstore.CommitID]bool),
	}
}

// Resolve drives the fetch loop: group missing entries by RepoKey, fetch
// each group, re-load from the newly imported tips, and repeat until no
// missing entries remain or an iteration makes no progress. Entries still
// missing at that point are recorded as permanently missing and returned
// to the caller, who materializes them as UNASSIMILATED git-links rather
// than failing the run.
func (c *Coordinator) Resolve(ctx context.Context, missing []loader.Missing) ([]loader.Missing, error) {
	pending := missing
	for len(pending) > 0 {
		grouped := groupByKey(pending)

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(c.Workers)
		var errMu sync.Mutex
		var combinedErr error
		newTips := make(map[repokey.Key][]gitstore.CommitID)
		var tipsMu sync.Mutex

		for key, wanted := range grouped {
			key, wanted := key, wanted
			g.Go(func() error {
				refs, err := c.Transport.Fetch(gctx, key, wanted)
				if err != nil {
					errMu.Lock()
					combinedErr = multierr.Append(combinedErr, err)
					errMu.Unlock()
					return nil // don't cancel sibling fetches
				}
				tips := make([]gitstore.CommitID, 0, len(refs))
				for _, r := range refs {
					tips = append(tips, r.ID)
				}
				tipsMu.Lock()
				newTips[key] = tips
				tipsMu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}

		var nextPending []loader.Missing
		progress := false
		for key, wanted := range grouped {
			tips := append(append([]gitstore.CommitID(nil), newTips[key]...), wanted...)
			_, stillMissing, err := c.Loader.LoadSub(key, tips)
			if err != nil {
				return nil, err
			}
			if len(stillMissing) < len(wanted) {
				progress = true
			}
			nextPending = append(nextPending, stillMissing...)
		}

		if !progress {
			c.markPermanentlyMissing(nextPending)
			return nextPending, combinedErr
		}
		pending = nextPending
	}
	return nil, nil
}

func (c *Coordinator) markPermanentlyMissing(entries []loader.Missing) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range entries {
		if c.permanentlyMissing[m.RepoKey] == nil {
			c.permanentlyMissing[m.RepoKey] = make(map[gitstore.CommitID]bool)
		}
		c.permanentlyMissing[m.RepoKey][m.Commit] = true
	}
}

// PermanentlyMissing returns the suggested `missing_commits` additions per
// RepoKey, for writing into last-effective-git-toprepo.toml (spec §6).
func (c *Coordinator) PermanentlyMissing() map[repokey.Key][]gitstore.CommitID {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[repokey.Key][]gitstore.CommitID, len(c.permanentlyMissing))
	for key, set := range c.permanentlyMissing {
		for id := range set {
			out[key] = append(out[key], id)
		}
	}
	return out
}

func groupByKey(missing []loader.Missing) map[repokey.Key][]gitstore.CommitID {
	out := make(map[repokey.Key][]gitstore.CommitID)
	for _, m := range missing {
		out[m.RepoKey] = append(out[m.RepoKey], m.Commit)
	}
	return out
}
