package endpoint

import (
	"fmt"
	"sort"
)

// Set holds one representative canonical URL per endpoint identity.
// The first URL added for an identity wins.
type Set struct {
	urls map[string]string
	ids  map[string]Identity
}

// NewSet returns an empty Set.
func NewSet() *Set {
	return &Set{
		urls: make(map[string]string),
		ids:  make(map[string]Identity),
	}
}

// Add records rawURL under its identity and reports whether the identity was new.
func (s *Set) Add(rawURL string) (bool, error) {
	canonical, err := Canonicalize(rawURL)
	if err != nil {
		return false, err
	}
	id, err := IdentityOf(canonical)
	if err != nil {
		return false, fmt.Errorf("identity: %w", err)
	}
	key := id.String()
	if _, ok := s.urls[key]; ok {
		return false, nil
	}
	s.urls[key] = canonical
	s.ids[key] = id
	return true, nil
}

// Contains reports whether rawURL's identity is already present.
func (s *Set) Contains(rawURL string) bool {
	id, err := IdentityOf(rawURL)
	if err != nil {
		return false
	}
	_, ok := s.urls[id.String()]
	return ok
}

// Len returns the number of distinct identities.
func (s *Set) Len() int {
	return len(s.urls)
}

// URL returns the representative URL for id.
func (s *Set) URL(id Identity) (string, bool) {
	u, ok := s.urls[id.String()]
	return u, ok
}

// Identities returns every identity ordered by its formatted key.
func (s *Set) Identities() []Identity {
	keys := make([]string, 0, len(s.ids))
	for k := range s.ids {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]Identity, 0, len(keys))
	for _, k := range keys {
		out = append(out, s.ids[k])
	}
	return out
}

// URLs returns the representative URLs in identity order.
func (s *Set) URLs() []string {
	ids := s.Identities()
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.urls[id.String()])
	}
	return out
}
