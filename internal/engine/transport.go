// internal/engine's default Transport implementation wraps go-git's
// Remote Fetch/Push, the way apenwarr/git-subtrac's
// tryFetchFromSubmodules (subtrac.go) creates an anonymous remote and
// invokes Fetch with an explicit RefSpec -- generalized here from "fetch
// one hash via a temporary branch ref" to "fetch the configured refspec
// set for a RepoKey with prune/depth options", per spec §4.3/§6.
package engine

import (
	"context"
	"fmt"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"

	topconfig "github.com/meroton/git-toprepo/internal/config"
	"github.com/meroton/git-toprepo/internal/fetch"
	"github.com/meroton/git-toprepo/internal/gitstore"
	"github.com/meroton/git-toprepo/internal/repokey"
	"github.com/meroton/git-toprepo/internal/toprepoerr"
)

// GoGitTransport implements fetch.Transport over a single *git.Repository
// whose object store already hosts (or will host) every RepoKey's
// namespaced refs.
type GoGitTransport struct {
	repo   *git.Repository
	cfg    *topconfig.Config
	remote string // not read: the anonymous remotes below are named toprepo-<key> and toprepo-push-<key> directly
}

// NewGoGitTransport builds a transport bound to an open repository and
// resolved configuration.
func NewGoGitTransport(repo *git.Repository, cfg *topconfig.Config) *GoGitTransport {
	return &GoGitTransport{repo: repo, cfg: cfg, remote: "toprepo"}
}

func (t *GoGitTransport) Fetch(ctx context.Context, key repokey.Key, want []gitstore.CommitID) ([]fetch.FetchedRef, error) {
	rc, ok := t.cfg.Repo[string(key)]
	if !ok {
		return nil, &toprepoerr.TransportErr{RepoKey: key, Op: "fetch", Cause: fmt.Errorf("no [repo.%s] configured", key)}
	}
	url := rc.Fetch.URL
	if url == "" && len(rc.URLs) > 0 {
		url = rc.URLs[0]
	}
	if url == "" {
		return nil, &toprepoerr.TransportErr{RepoKey: key, Op: "fetch", Cause: fmt.Errorf("repo %s has no fetch URL", key)}
	}

	remoteName := fmt.Sprintf("toprepo-%s", key)
	remote, err := t.repo.CreateRemoteAnonymous(&config.RemoteConfig{
		Name: remoteName,
		URLs: []string{url},
	})
	if err != nil {
		return nil, &toprepoerr.TransportErr{RepoKey: key, Op: "fetch", Cause: err}
	}

	refspecs := topconfig.FetchRefspecs(key)
	var cfgRefspecs []config.RefSpec
	for _, rs := range refspecs {
		cfgRefspecs = append(cfgRefspecs, config.RefSpec(rs))
	}

	opts := &git.FetchOptions{
		RemoteName: remoteName,
		RefSpecs:   cfgRefspecs,
		Prune:      rc.Fetch.Prune,
		Tags:       git.AllTags,
	}
	if rc.Fetch.Depth > 0 {
		opts.Depth = rc.Fetch.Depth
	}

	err = remote.FetchContext(ctx, opts)
	if err != nil && err != git.NoErrAlreadyUpToDate {
		return nil, &toprepoerr.TransportErr{RepoKey: key, Op: "fetch", Cause: err}
	}

	refs, err := t.repo.References()
	if err != nil {
		return nil, &toprepoerr.TransportErr{RepoKey: key, Op: "fetch", Cause: err}
	}
	prefix := fmt.Sprintf("refs/namespaces/%s/", key)
	var out []fetch.FetchedRef
	err = refs.ForEach(func(r *plumbing.Reference) error {
		name := string(r.Name())
		if len(name) >= len(prefix) && name[:len(prefix)] == prefix && r.Type() == plumbing.HashReference {
			out = append(out, fetch.FetchedRef{Name: name, ID: r.Hash()})
		}
		return nil
	})
	if err != nil {
		return nil, &toprepoerr.TransportErr{RepoKey: key, Op: "fetch", Cause: err}
	}
	return out, nil
}

// Push pushes the given refspecs for a RepoKey (or repokey.TOP) using its
// configured push URL (for a submodule key, defaulting to its fetch URL).
// The configured push args are not used: this transport only knows
// go-git's refspec/URL surface.
func (t *GoGitTransport) Push(ctx context.Context, key repokey.Key, refspecs []string) error {
	var url string
	if key == repokey.TOP {
		url = t.cfg.Repo[string(repokey.TOP)].Push.URL
	} else {
		rc, ok := t.cfg.Repo[string(key)]
		if !ok {
			return &toprepoerr.TransportErr{RepoKey: key, Op: "push", Cause: fmt.Errorf("no [repo.%s] configured", key)}
		}
		url = rc.Push.URL
		if url == "" {
			url = rc.Fetch.URL
		}
	}
	if url == "" {
		return &toprepoerr.TransportErr{RepoKey: key, Op: "push", Cause: fmt.Errorf("repo %s has no push URL", key)}
	}

	remoteName := fmt.Sprintf("toprepo-push-%s", key)
	remote, err := t.repo.CreateRemoteAnonymous(&config.RemoteConfig{
		Name: remoteName,
		URLs: []string{url},
	})
	if err != nil {
		return &toprepoerr.TransportErr{RepoKey: key, Op: "push", Cause: err}
	}

	var cfgRefspecs []config.RefSpec
	for _, rs := range refspecs {
		cfgRefspecs = append(cfgRefspecs, config.RefSpec(rs))
	}

	err = remote.PushContext(ctx, &git.PushOptions{
		RemoteName: remoteName,
		RefSpecs:   cfgRefspecs,
	})
	if err != nil && err != git.NoErrAlreadyUpToDate {
		return &toprepoerr.TransportErr{RepoKey: key, Op: "push", Cause: err}
	}
	return nil
}

