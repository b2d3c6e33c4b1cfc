// Package cookies holds per-domain cookie state for one browser session.
//
// A Store is not safe for concurrent use. It is owned by the session router,
// which is the only writer; every read returns a copy so callers never see
// later mutations.
package cookies

import (
	"sort"
	"strings"
)

// Store maps a normalized domain to its cookie name/value pairs.
type Store struct {
	domains map[string]map[string]string
}

// New returns an empty store.
func New() *Store {
	return &Store{domains: make(map[string]map[string]string)}
}

// Merge folds entries into the domain's map. Same-named cookies are
// overwritten, all other existing cookies are kept. The domain key is
// created on first write and never removed. Blank domains are ignored.
func (s *Store) Merge(domain string, entries map[string]string) {
	key := NormalizeDomain(domain)
	if key == "" {
		return
	}
	existing, ok := s.domains[key]
	if !ok {
		existing = make(map[string]string, len(entries))
		s.domains[key] = existing
	}
	for name, value := range entries {
		existing[name] = value
	}
}

// Get returns a copy of the cookies stored for exactly domain, or an empty
// map when nothing is stored.
func (s *Store) Get(domain string) map[string]string {
	return copyEntries(s.domains[NormalizeDomain(domain)])
}

// GetForHost unions the cookies of every stored domain visible to host.
// Domains are applied from least to most specific, so on a name collision
// the longest matching domain wins and an exact host match beats any parent.
func (s *Store) GetForHost(host string) map[string]string {
	out := map[string]string{}
	for _, domain := range s.matching(host) {
		for name, value := range s.domains[domain] {
			out[name] = value
		}
	}
	return out
}

func (s *Store) matching(host string) []string {
	var matched []string
	for domain := range s.domains {
		if MatchesHost(host, domain) {
			matched = append(matched, domain)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if len(matched[i]) != len(matched[j]) {
			return len(matched[i]) < len(matched[j])
		}
		return matched[i] < matched[j]
	})
	return matched
}

// Domains lists the stored domains in sorted order.
func (s *Store) Domains() []string {
	out := make([]string, 0, len(s.domains))
	for domain := range s.domains {
		out = append(out, domain)
	}
	sort.Strings(out)
	return out
}

// Len reports the number of stored domains.
func (s *Store) Len() int {
	return len(s.domains)
}

// Snapshot deep-copies the whole store.
func (s *Store) Snapshot() map[string]map[string]string {
	out := make(map[string]map[string]string, len(s.domains))
	for domain, entries := range s.domains {
		out[domain] = copyEntries(entries)
	}
	return out
}

func copyEntries(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// NormalizeDomain trims whitespace and strips one leading dot
// (RFC 6265 section 5.2.3).
func NormalizeDomain(domain string) string {
	domain = strings.TrimSpace(domain)
	return strings.TrimPrefix(domain, ".")
}

// MatchesHost reports whether cookies stored for domain are visible to host:
// the two are equal, or host ends with "." + domain. Comparison ignores case.
func MatchesHost(host, domain string) bool {
	host = strings.ToLower(strings.TrimSuffix(strings.TrimSpace(host), "."))
	domain = strings.ToLower(NormalizeDomain(domain))
	if host == "" || domain == "" {
		return false
	}
	return host == domain || strings.HasSuffix(host, "."+domain)
}
