// Package repokey derives the stable, path-independent identifier that
// names an assimilated submodule (or the TOP superrepository) throughout
// the engine.
package repokey

import "strings"

// Key is a configuration-level identifier for a submodule. Two submodule
// entries at different paths that share a fetch URL share a Key.
type Key string

// TOP is the sentinel Key for the superrepository itself.
const TOP Key = "TOP"

// UNKNOWN marks a submodule pointer whose URL matched no configured repo.
const UNKNOWN Key = "UNKNOWN"

// UNASSIMILATED marks a submodule pointer whose repo is configured but
// disabled (enabled = false).
const UNASSIMILATED Key = "UNASSIMILATED"

// Expandable reports whether pointers carrying this Key should be expanded
// into the mono tree, as opposed to preserved as a git-link.
func (k Key) Expandable() bool {
	return k != UNKNOWN && k != UNASSIMILATED
}

// Resolver maps a submodule fetch URL to its configured Key using
// longest-URL-match, case-sensitive, per spec: "no match ⇒ UNKNOWN; a
// configured enabled = false ⇒ UNASSIMILATED".
type Resolver struct {
	// urlToKey holds every configured URL verbatim, mapping to its key.
	urlToKey map[string]Key
	disabled map[Key]bool
}

// NewResolver builds an empty Resolver; Add registers each repo key with
// the list of URLs that identify it plus whether it is enabled.
func NewResolver() *Resolver {
	return &Resolver{
		urlToKey: make(map[string]Key),
		disabled: make(map[Key]bool),
	}
}

// Add registers all URLs for a given key. enabled=false marks the whole key
// UNASSIMILATED regardless of which URL alias matched.
func (r *Resolver) Add(key Key, urls []string, enabled bool) {
	for _, u := range urls {
		r.urlToKey[u] = key
	}
	if !enabled {
		r.disabled[key] = true
	}
}

// Resolve returns the Key for a submodule URL: among registered URLs equal
// to it after normalizeURL, the longest one wins; prefixes and other
// partial overlaps do not match. UNKNOWN if nothing matches, UNASSIMILATED
// if the matched repo is disabled.
func (r *Resolver) Resolve(url string) Key {
	best := ""
	bestKey := UNKNOWN
	for u, k := range r.urlToKey {
		if urlsEquivalent(u, url) && len(u) > len(best) {
			best = u
			bestKey = k
		}
	}
	if bestKey == UNKNOWN {
		return UNKNOWN
	}
	if r.disabled[bestKey] {
		return UNASSIMILATED
	}
	return bestKey
}

// urlsEquivalent compares two git fetch URLs after stripping a trailing
// ".git" suffix and trailing slash, which is the normalization git itself
// applies when matching submodule remotes to configured remotes.
func urlsEquivalent(a, b string) bool {
	return normalizeURL(a) == normalizeURL(b)
}

func normalizeURL(u string) string {
	u = strings.TrimSuffix(u, "/")
	u = strings.TrimSuffix(u, ".git")
	return u
}
