// Package engine orchestrates C1-C7 into the fetch and push pipelines.
// RunFetch runs refs → discovery → (missing → fetch → discovery) until
// fixpoint → expansion → state-cache flush; it does not place unmerged
// submodule tips (RunPlace does that for one tip) and writes no
// user-visible refs. RunPush runs split → per-submodule pushes; the TOP
// push is left to the caller.
//
// Logging is grounded on apenwarr/git-subtrac's injected debugf/infof
// function fields (git-subtrac.go sets infof = log.Printf and gates
// debugf on --verbose), generalized to a small printf-style Logger
// interface satisfied by *logrus.Logger (sirupsen/logrus, as used
// throughout make-os-kit); context such as RepoKey, CommitId and path is
// formatted into each message.
package engine

import (
	"context"
	"fmt"

	"github.com/go-git/go-git/v5"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/sync/semaphore"

	topconfig "github.com/meroton/git-toprepo/internal/config"
	"github.com/meroton/git-toprepo/internal/expand"
	"github.com/meroton/git-toprepo/internal/fetch"
	"github.com/meroton/git-toprepo/internal/gitstore"
	"github.com/meroton/git-toprepo/internal/loader"
	"github.com/meroton/git-toprepo/internal/place"
	"github.com/meroton/git-toprepo/internal/repokey"
	"github.com/meroton/git-toprepo/internal/split"
	"github.com/meroton/git-toprepo/internal/statecache"
)

// Logger is the structured-logging capability the engine depends on;
// *logrus.Logger satisfies it directly.
type Logger interface {
	Infof(format string, args ...interface{})
	Debugf(format string, args ...interface{})
	Warnf(format string, args ...interface{})
}

// pusher is the push side of a transport; kept separate from
// fetch.Transport since the Fetch Coordinator (C3) never needs it, and
// fetch.Transport's contract is scoped to what that package actually
// calls.
type pusher interface {
	Push(ctx context.Context, key repokey.Key, refspecs []string) error
}

// Engine wires the Object Store Adapter, Loader, Fetch Coordinator,
// Expander, Mono-ref Placer, Splitter, and State Cache together.
type Engine struct {
	Store     gitstore.Store
	Transport fetch.Transport
	Pusher    pusher
	Config    *topconfig.Config
	Log       Logger
	Cache     *statecache.Cache

	resolver *repokey.Resolver
	sem      *semaphore.Weighted
}

// New builds an Engine from a resolved configuration and an opened
// go-git repository whose object store hosts every namespaced RepoKey.
func New(repo *git.Repository, cfg *topconfig.Config, cachePath string, log Logger) (*Engine, *expand.Maps, error) {
	store := gitstore.New(repo)
	transport := NewGoGitTransport(repo, cfg)
	cache, maps, err := statecache.Open(cachePath)
	if err != nil {
		return nil, nil, err
	}
	workers := cfg.Engine.Workers
	if workers <= 0 {
		workers = 1
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	e := &Engine{
		Store:     store,
		Transport: transport,
		Pusher:    transport,
		Config:    cfg,
		Log:       log,
		Cache:     cache,
		resolver:  cfg.BuildResolver(),
		sem:       semaphore.NewWeighted(int64(workers)),
	}
	return e, maps, nil
}

// FetchResult is the outcome of running the fetch pipeline.
type FetchResult struct {
	Maps               *expand.Maps
	TopToMonoTips      map[string]gitstore.CommitID
	PermanentlyMissing map[repokey.Key][]gitstore.CommitID
}

// RunFetch executes the fetch pipeline (spec §2): load TOP + submodule
// DAGs from their namespaced refs, resolve any missing submodule commits
// through the Fetch Coordinator until a fixpoint, expand every reachable
// TOP commit into a mono commit, and flush the state cache. Submodule tips
// not yet merged into TOP are not placed here; RunPlace grafts one such
// tip per call.
func (e *Engine) RunFetch(ctx context.Context, maps *expand.Maps) (*FetchResult, error) {
	ld := loader.New(e.Store, e.resolver)

	topTips, err := e.Store.ListRefs("refs/namespaces/top/refs/remotes/origin/")
	if err != nil {
		return nil, fmt.Errorf("list top refs: %w", err)
	}
	topIDs := make([]gitstore.CommitID, 0, len(topTips))
	for _, id := range topTips {
		topIDs = append(topIDs, id)
	}

	topDAG, missing, err := ld.LoadTop(topIDs)
	if err != nil {
		return nil, err
	}

	subDAGs := make(map[repokey.Key]*loader.DAG)
	for key := range e.Config.Repo {
		k := repokey.Key(key)
		if !e.Config.Enabled(k) {
			continue
		}
		tips, err := e.Store.ListRefs(fmt.Sprintf("refs/namespaces/%s/refs/remotes/origin/", k))
		if err != nil {
			return nil, err
		}
		tipIDs := make([]gitstore.CommitID, 0, len(tips))
		for _, id := range tips {
			tipIDs = append(tipIDs, id)
		}
		dag, subMissing, err := ld.LoadSub(k, tipIDs)
		if err != nil {
			return nil, err
		}
		subDAGs[k] = dag
		missing = append(missing, subMissing...)
	}

	coord := fetch.NewCoordinator(e.Transport, ld, int(e.sem.Size()))
	stillMissing, err := coord.Resolve(ctx, missing)
	if err != nil {
		e.Log.Warnf("fetch coordinator: %v", err)
	}
	for _, m := range stillMissing {
		e.Log.Warnf("permanently missing commit %s in %s; leaving git-link in place", m.Commit, m.RepoKey)
	}

	// Reload submodule DAGs once more now that the coordinator has
	// imported whatever it could, so the Expander sees the final state.
	for key := range subDAGs {
		tips, err := e.Store.ListRefs(fmt.Sprintf("refs/namespaces/%s/refs/remotes/origin/", key))
		if err != nil {
			return nil, err
		}
		tipIDs := make([]gitstore.CommitID, 0, len(tips))
		for _, id := range tips {
			tipIDs = append(tipIDs, id)
		}
		dag, _, err := ld.LoadSub(key, tipIDs)
		if err != nil {
			return nil, err
		}
		subDAGs[key] = dag
	}

	exp := expand.New(e.Store, topDAG, subDAGs, maps)
	resultTips := make(map[string]gitstore.CommitID, len(topTips))
	for name, id := range topTips {
		monoID, err := exp.ExpandTop(id)
		if err != nil {
			return nil, fmt.Errorf("expand %s: %w", name, err)
		}
		resultTips[name] = monoID
		e.Cache.Touch(id, monoID)
	}

	if err := e.Cache.Flush(exp.Maps()); err != nil {
		e.Log.Warnf("flush state cache: %v", err)
	}

	return &FetchResult{
		Maps:               exp.Maps(),
		TopToMonoTips:      resultTips,
		PermanentlyMissing: coord.PermanentlyMissing(),
	}, nil
}

// RunPlace grafts a single fetched submodule tip not yet merged into TOP
// onto the mono graph rooted at headTop, per spec §4.5.
func (e *Engine) RunPlace(headTop gitstore.CommitID, key repokey.Key, tip gitstore.CommitID, maps *expand.Maps, topDAG *loader.DAG, subDAGs map[repokey.Key]*loader.DAG) (*place.Placement, error) {
	exp := expand.New(e.Store, topDAG, subDAGs, maps)
	placer := place.New(e.Store, exp)
	return placer.Place(headTop, key, tip)
}

// RunPush executes the push pipeline (spec §2): split each mono commit
// in chain into per-submodule commits plus a top commit, then push each
// submodule's newest split commit to its refs/heads/main through the
// Pusher. The split top commits are returned but not pushed.
func (e *Engine) RunPush(ctx context.Context, maps *expand.Maps, chain []gitstore.CommitID) ([]split.Result, error) {
	sp := split.New(e.Store, maps)
	results, err := sp.SplitChain(chain)
	if err != nil {
		return nil, err
	}

	bySubRepo := make(map[repokey.Key][]gitstore.CommitID)
	for _, r := range results {
		for key, id := range r.SubCommits {
			bySubRepo[key] = append(bySubRepo[key], id)
		}
	}

	var pushErr error
	for key, ids := range bySubRepo {
		tip := ids[len(ids)-1] // chain is oldest-first; push the newest split commit
		refspec := fmt.Sprintf("%s:refs/heads/main", tip)
		if err := e.Pusher.Push(ctx, key, []string{refspec}); err != nil {
			pushErr = multierr.Append(pushErr, errors.Wrapf(err, "push %s", key))
		}
	}

	// Pushing TOP's own ref is left to the caller, which knows the target
	// branch name the user actually asked to push.
	return results, pushErr
}
