package cookies

import (
	"net/url"
	"strings"
)

// Cookie is one name/value pair resolved to a storage domain.
type Cookie struct {
	Name   string
	Value  string
	Domain string
}

// ParseHeaderLine parses one Set-Cookie style line ("name=value; Attr=x").
// A Domain attribute overrides fallback; fallback applies only when the
// attribute is absent or blank. Lines whose first segment has no "=", an
// empty name, or no resolvable domain are rejected.
func ParseHeaderLine(line, fallback string) (Cookie, bool) {
	segments := strings.Split(line, ";")
	first := strings.TrimSpace(segments[0])
	name, value, ok := strings.Cut(first, "=")
	if !ok {
		return Cookie{}, false
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return Cookie{}, false
	}

	domain := NormalizeDomain(fallback)
	for _, attr := range segments[1:] {
		key, val, _ := strings.Cut(attr, "=")
		if !strings.EqualFold(strings.TrimSpace(key), "domain") {
			continue
		}
		if d := NormalizeDomain(val); d != "" {
			domain = d
		}
	}
	if domain == "" {
		return Cookie{}, false
	}
	return Cookie{Name: name, Value: strings.TrimSpace(value), Domain: domain}, true
}

// ParseHeaderLines parses a newline-joined set of header lines, dropping
// malformed ones.
func ParseHeaderLines(raw, fallback string) []Cookie {
	var out []Cookie
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if c, ok := ParseHeaderLine(line, fallback); ok {
			out = append(out, c)
		}
	}
	return out
}

// ParseDocumentCookie splits a document.cookie string ("a=1; b=2").
// Pairs without "=" or with an empty name are skipped.
func ParseDocumentCookie(raw string) map[string]string {
	out := map[string]string{}
	for _, pair := range strings.Split(raw, ";") {
		name, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			continue
		}
		out[name] = strings.TrimSpace(value)
	}
	return out
}

// GroupByDomain collects parsed cookies into per-domain entry maps. Later
// cookies win over earlier ones with the same name and domain.
func GroupByDomain(parsed []Cookie) map[string]map[string]string {
	out := map[string]map[string]string{}
	for _, c := range parsed {
		entries, ok := out[c.Domain]
		if !ok {
			entries = map[string]string{}
			out[c.Domain] = entries
		}
		entries[c.Name] = c.Value
	}
	return out
}

// HostFromURL returns the host of raw, or "" when raw does not parse or has
// no host (about:blank, opaque custom schemes).
func HostFromURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
