// Command git-toprepo is the CLI shell around internal/engine: a thin
// subcommand dispatcher, grounded on the way apenwarr/git-subtrac's
// git-subtrac.go opens a repo then dispatches on args[0] ("update", "cid",
// "dump"), generalized from a flat getopt switch to spf13/cobra so each
// subcommand (fetch, push, config, info) gets its own flag set, per
// SPEC_FULL.md §1.
package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	topconfig "github.com/meroton/git-toprepo/internal/config"
	"github.com/meroton/git-toprepo/internal/engine"
	"github.com/meroton/git-toprepo/internal/expand"
	"github.com/meroton/git-toprepo/internal/gitstore"
	"github.com/meroton/git-toprepo/internal/repokey"
	"github.com/meroton/git-toprepo/internal/toprepoerr"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	root := newRootCmd(log)
	if err := root.Execute(); err != nil {
		os.Exit(toprepoerr.ExitCode(err))
	}
}

var (
	gitDir     string
	configSpec []string
	cachePath  string
	verbose    bool
)

func newRootCmd(log *logrus.Logger) *cobra.Command {
	root := &cobra.Command{
		Use:           "git-toprepo",
		Short:         "Combine a git superrepository and its submodules into one monorepo view",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				log.SetLevel(logrus.DebugLevel)
			}
		},
	}
	root.PersistentFlags().StringVarP(&gitDir, "git-dir", "d", ".", "path to the git repository")
	root.PersistentFlags().StringArrayVarP(&configSpec, "config", "c", nil, "must|should|may:kind:arg toprepo.config location (repeatable)")
	root.PersistentFlags().StringVar(&cachePath, "cache", ".git/toprepo-state-cache", "path to the state cache file")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(newFetchCmd(log))
	root.AddCommand(newPushCmd(log))
	root.AddCommand(newConfigCmd(log))
	root.AddCommand(newInfoCmd(log))
	return root
}

// openEngine opens the repository, locates and loads its config, and
// wires up an Engine plus its persisted maps -- the common preamble every
// subcommand needs, grounded on git-subtrac.go's NewCache call, which does
// the same "open repo, build cache" sequence once at the top of main.
func openEngine(log *logrus.Logger) (*engine.Engine, *topconfig.Config, *expand.Maps, error) {
	repo, err := git.PlainOpen(gitDir)
	if err != nil {
		return nil, nil, nil, &toprepoerr.ConfigErr{Reason: fmt.Sprintf("open git repo %s: %v", gitDir, err)}
	}

	specs := configSpec
	if len(specs) == 0 {
		specs = []string{"should:local:toprepo.toml"}
	}
	data, _, err := topconfig.Locate(gitDir, specs)
	if err != nil {
		return nil, nil, nil, err
	}
	cfg, err := topconfig.Load(data)
	if err != nil {
		return nil, nil, nil, err
	}

	eng, maps, err := engine.New(repo, cfg, cachePath, logrusAdapter{log})
	if err != nil {
		return nil, nil, nil, err
	}
	return eng, cfg, maps, nil
}

func newFetchCmd(log *logrus.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "fetch",
		Short: "Fetch new commits from TOP and every enabled submodule, expanding them into the monorepo view",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, _, maps, err := openEngine(log)
			if err != nil {
				return err
			}
			result, err := eng.RunFetch(context.Background(), maps)
			if err != nil {
				return err
			}
			for name, mono := range result.TopToMonoTips {
				fmt.Printf("%s -> %s\n", name, mono)
			}
			for key, ids := range result.PermanentlyMissing {
				for _, id := range ids {
					log.Warnf("%s: commit %s could not be fetched from any configured remote", key, id)
				}
			}
			return nil
		},
	}
}

func newPushCmd(log *logrus.Logger) *cobra.Command {
	var ref string
	cmd := &cobra.Command{
		Use:   "push",
		Short: "Split commits on the given monorepo ref and push them to TOP and the affected submodules",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, _, maps, err := openEngine(log)
			if err != nil {
				return err
			}
			chain, err := resolvePushChain(gitDir, ref, maps)
			if err != nil {
				return err
			}
			if len(chain) == 0 {
				log.Infof("nothing new to push on %s", ref)
				return nil
			}
			results, err := eng.RunPush(context.Background(), maps, chain)
			if err != nil {
				return err
			}
			for _, r := range results {
				fmt.Printf("%s -> top %s\n", r.Mono, r.Top)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&ref, "ref", "HEAD", "monorepo ref whose unpushed commits should be split and pushed")
	return cmd
}

// resolvePushChain runs `git rev-list --first-parent` against ref (the same
// subprocess-invocation idiom internal/config uses for `git show`) and walks
// the result back-to-front into an oldest-first chain, stopping as soon as
// it reaches a commit the state cache already knows about (maps.MonoToTop),
// since that commit and everything behind it was already split and pushed
// in a prior run.
func resolvePushChain(gitDir, ref string, maps *expand.Maps) ([]gitstore.CommitID, error) {
	out, err := exec.Command("git", "-C", gitDir, "rev-list", "--first-parent", ref).Output()
	if err != nil {
		return nil, &toprepoerr.ConfigErr{Reason: fmt.Sprintf("rev-list %s: %v", ref, err), Cause: err}
	}
	var newestFirst []gitstore.CommitID
	for _, line := range strings.Fields(string(out)) {
		if !plumbing.IsHash(line) {
			continue
		}
		id := plumbing.NewHash(line)
		if _, known := maps.MonoToTop[id]; known {
			break
		}
		newestFirst = append(newestFirst, id)
	}
	chain := make([]gitstore.CommitID, len(newestFirst))
	for i, id := range newestFirst {
		chain[len(newestFirst)-1-i] = id
	}
	return chain, nil
}

func newConfigCmd(log *logrus.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the resolved toprepo configuration and write last-effective-git-toprepo.toml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, cfg, _, err := openEngine(log)
			if err != nil {
				return err
			}
			if err := topconfig.WriteEffective(gitDir, cfg, nil); err != nil {
				return err
			}
			for key, rc := range cfg.Repo {
				fmt.Printf("[repo.%s]\n  urls = %v\n  enabled = %v\n", key, rc.URLs, cfg.Enabled(repokey.Key(key)))
			}
			return nil
		},
	}
}

func newInfoCmd(log *logrus.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "info <commit>",
		Short: "Show how a mono commit maps back to its TOP commit and per-submodule commits",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, _, maps, err := openEngine(log)
			if err != nil {
				return err
			}
			id, err := parseHash(args[0])
			if err != nil {
				return err
			}
			if top, ok := maps.MonoToTop[id]; ok {
				fmt.Printf("top: %s\n", top)
			}
			if subs, ok := maps.MonoToSub[id]; ok {
				for path, sub := range subs {
					fmt.Printf("%s: %s\n", path, sub)
				}
			}
			return nil
		},
	}
}

func parseHash(s string) (gitstore.CommitID, error) {
	if !plumbing.IsHash(s) {
		return gitstore.ZeroID, fmt.Errorf("invalid commit id %q", s)
	}
	return plumbing.NewHash(s), nil
}

// logrusAdapter satisfies engine.Logger over *logrus.Logger's Printf-style
// methods without importing logrus into the engine package's public API.
type logrusAdapter struct{ l *logrus.Logger }

func (a logrusAdapter) Infof(format string, args ...interface{})  { a.l.Infof(format, args...) }
func (a logrusAdapter) Debugf(format string, args ...interface{}) { a.l.Debugf(format, args...) }
func (a logrusAdapter) Warnf(format string, args ...interface{})  { a.l.Warnf(format, args...) }
