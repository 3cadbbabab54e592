// Package extract finds follow-up API URLs inside fetched JSON payloads.
package extract

import (
	"net/url"
	"regexp"
	"sort"
	"strings"

	"github.com/JakeFAU/apimapper/internal/jsondoc"
)

// DefaultPathPrefix is the API path prefix used when none is configured.
const DefaultPathPrefix = "/api/"

var uuidPattern = regexp.MustCompile(`(?i)^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)

// Extractor applies the embedded-link and identifier rules for one host.
type Extractor struct {
	AllowHost  string
	PathPrefix string
	Origin     string
}

// New returns an Extractor. An empty prefix means DefaultPathPrefix.
func New(allowHost, pathPrefix, origin string) *Extractor {
	if pathPrefix == "" {
		pathPrefix = DefaultPathPrefix
	}
	return &Extractor{
		AllowHost:  strings.ToLower(allowHost),
		PathPrefix: pathPrefix,
		Origin:     origin,
	}
}

// Links returns every string leaf under v that is an http(s) URL on the
// allowed host with an API path. The result is deduplicated and sorted.
func (e *Extractor) Links(v jsondoc.Value) []string {
	found := make(map[string]struct{})
	jsondoc.Strings(v, func(s string) {
		if e.IsAPIURL(s) {
			found[s] = struct{}{}
		}
	})
	return sortedSet(found)
}

// IsAPIURL reports whether s is an absolute http(s) URL on the allowed host
// whose path starts with the API prefix.
func (e *Extractor) IsAPIURL(s string) bool {
	if !strings.HasPrefix(s, "http://") && !strings.HasPrefix(s, "https://") {
		return false
	}
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, e.AllowHost) && strings.HasPrefix(u.Path, e.PathPrefix)
}

// FromItem returns candidate URLs derived from one collection item: its own
// "url" field when that points into the API, plus a synthesized detail URL
// for every top-level string field shaped like a UUID. Non-object items yield
// nothing.
func (e *Extractor) FromItem(item jsondoc.Value, listPath string) []string {
	if jsondoc.KindOf(item) != jsondoc.Object {
		return nil
	}
	found := make(map[string]struct{})
	if raw, ok := jsondoc.Field(item, "url"); ok {
		if s, ok := raw.(string); ok && e.IsAPIURL(s) {
			found[s] = struct{}{}
		}
	}
	for _, key := range jsondoc.Keys(item) {
		raw, _ := jsondoc.Field(item, key)
		s, ok := raw.(string)
		if !ok || !IsUUID(s) {
			continue
		}
		if detail, ok := SynthesizeDetailURL(listPath, s, e.Origin); ok {
			found[detail] = struct{}{}
		}
	}
	return sortedSet(found)
}

// IsUUID reports whether s has the 8-4-4-4-12 hex shape, in any case.
func IsUUID(s string) bool {
	return uuidPattern.MatchString(s)
}

// SynthesizeDetailURL appends id to listPath, with exactly one separator
// between them and a trailing separator, and resolves it against origin.
func SynthesizeDetailURL(listPath, id, origin string) (string, bool) {
	base, err := url.Parse(origin)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return "", false
	}
	if !strings.HasSuffix(listPath, "/") {
		listPath += "/"
	}
	ref, err := url.Parse(listPath + id + "/")
	if err != nil {
		return "", false
	}
	return base.ResolveReference(ref).String(), true
}

func sortedSet(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
