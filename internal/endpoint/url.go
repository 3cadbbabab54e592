// Package endpoint canonicalizes API URLs and derives the endpoint identity
// used to deduplicate classification probes.
package endpoint

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// Canonicalize standardizes a URL so equivalent requests compare equal.
// It lowercases the scheme and host, removes the fragment, keeps the path
// verbatim and sorts query parameters by key.
//
// Only the first value of a repeated query key survives: tag=a&tag=b
// canonicalizes to tag=a. A pair with a malformed escape is kept byte for
// byte so the request still asks for what the source URL asked for.
func Canonicalize(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.RawFragment = ""
	u.ForceQuery = false

	keys, pairs := parseQuery(u.RawQuery)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, pairs[k])
	}
	u.RawQuery = strings.Join(parts, "&")

	return u.String(), nil
}

// Identity is the (path, sorted query keys) pair that names one endpoint
// shape. URLs that differ only in query values share an Identity.
type Identity struct {
	Path      string
	QueryKeys []string
}

// IdentityOf extracts the endpoint identity of rawURL.
func IdentityOf(rawURL string) (Identity, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return Identity{}, fmt.Errorf("parse url: %w", err)
	}
	keys, _ := parseQuery(u.RawQuery)
	return Identity{Path: u.EscapedPath(), QueryKeys: keys}, nil
}

// String renders the identity as path?key1,key2.
func (id Identity) String() string {
	if len(id.QueryKeys) == 0 {
		return id.Path
	}
	return id.Path + "?" + strings.Join(id.QueryKeys, ",")
}

// HasQueryKey reports whether key is one of the identity's query keys.
func (id Identity) HasQueryKey(key string) bool {
	i := sort.SearchStrings(id.QueryKeys, key)
	return i < len(id.QueryKeys) && id.QueryKeys[i] == key
}

// parseQuery splits a raw query into sorted unique keys and the encoded
// key=value pair kept for each key (the first one seen). Blank values are
// kept. A pair whose key or value does not decode is keyed by its raw key
// and kept verbatim.
func parseQuery(rawQuery string) ([]string, map[string]string) {
	pairs := make(map[string]string)
	for _, pair := range strings.Split(rawQuery, "&") {
		if pair == "" {
			continue
		}
		rawKey, rawValue, _ := strings.Cut(pair, "=")
		k, kerr := url.QueryUnescape(rawKey)
		v, verr := url.QueryUnescape(rawValue)
		encoded := url.QueryEscape(k) + "=" + url.QueryEscape(v)
		if kerr != nil || verr != nil {
			k = rawKey
			encoded = rawKey + "=" + rawValue
		}
		if k == "" {
			continue
		}
		if _, seen := pairs[k]; seen {
			continue
		}
		pairs[k] = encoded
	}
	keys := make([]string, 0, len(pairs))
	for k := range pairs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, pairs
}
