// Package credential implements Credential and AuthorizationToken,
// the daemon's capability objects (spec §3/§4.2).
//
// Modeled on warren/pkg/manager/token.go's map-guarded-by-RWMutex
// shape, generalized from single-purpose join tokens to capability
// tokens carrying a credential set and a multiset of owning
// processes.
package credential

import (
	"sort"
	"time"
)

// Credential is a single authenticated fact, e.g. "user X
// authenticated at time T". It may be shared (visible session-wide)
// or private (visible only through the token that holds it).
type Credential struct {
	Shared    bool
	Valid     bool
	Kind      string
	Subject   string
	IssuedAt  time.Time
}

// sameSubject reports whether c and other represent the same
// authenticated fact (ignoring validity/issuance time).
func (c Credential) sameSubject(other Credential) bool {
	return c.Kind == other.Kind && c.Subject == other.Subject
}

// Merge refreshes c's issuance time from other if both represent the
// same subject and are shared and valid, per spec §4.2's
// merge_credentials contract. Returns the (possibly unchanged)
// credential.
func (c Credential) Merge(other Credential) Credential {
	if c.sameSubject(other) && c.Shared && other.Shared && c.Valid && other.Valid {
		if other.IssuedAt.After(c.IssuedAt) {
			c.IssuedAt = other.IssuedAt
		}
	}
	return c
}

// Set is an ordered set of credentials, ordered by subject for stable
// storage and snapshotting (spec §3: "ordered by subject for set
// storage").
type Set struct {
	byKey map[string]Credential
}

// NewSet creates an empty credential set.
func NewSet() *Set {
	return &Set{byKey: make(map[string]Credential)}
}

func key(c Credential) string { return c.Kind + "\x00" + c.Subject }

// Insert adds c, merging into an existing equivalent credential (same
// subject, both shared, both valid) instead of duplicating it, per
// spec §4.2. A non-equivalent credential under the same kind and
// subject is replaced by c.
func (s *Set) Insert(c Credential) {
	k := key(c)
	if existing, ok := s.byKey[k]; ok && existing.Shared && existing.Valid && c.Shared && c.Valid {
		s.byKey[k] = existing.Merge(c)
		return
	}
	s.byKey[k] = c
}

// InsertAll inserts every credential in creds, in order, all-or-
// nothing is guaranteed by the caller holding the set's owning lock
// for the duration of the call (spec §4.2: merge never partially
// mutates).
func (s *Set) InsertAll(creds []Credential) {
	for _, c := range creds {
		s.Insert(c)
	}
}

// InsertShared inserts only the credentials in creds that are both
// shared and valid, silently dropping the rest. A session's shared
// pool must never hold a private credential (spec §4.3 invariant:
// shared_credentials contains only credentials for which
// shared && valid was true at insertion).
func (s *Set) InsertShared(creds []Credential) {
	for _, c := range creds {
		if c.Shared && c.Valid {
			s.Insert(c)
		}
	}
}

// Invalidate marks every credential matching subject/kind as invalid,
// without removing it from the set (spec §4.3: shared credentials are
// never removed on invalidation, only marked ignorable).
func (s *Set) Invalidate(kind, subject string) {
	k := kind + "\x00" + subject
	if c, ok := s.byKey[k]; ok {
		c.Valid = false
		s.byKey[k] = c
	}
}

// InvalidateAll marks every credential in the set invalid.
func (s *Set) InvalidateAll() {
	for k, c := range s.byKey {
		c.Valid = false
		s.byKey[k] = c
	}
}

// Snapshot returns a subject-ordered copy of the set's contents.
func (s *Set) Snapshot() []Credential {
	out := make([]Credential, 0, len(s.byKey))
	for _, c := range s.byKey {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Subject < out[j].Subject })
	return out
}

// Len reports the number of distinct credentials in the set.
func (s *Set) Len() int { return len(s.byKey) }

// HasValidCredential reports whether the set contains any valid
// credential of the given kind.
func (s *Set) HasValidCredential(kind string) bool {
	for _, c := range s.byKey {
		if c.Kind == kind && c.Valid {
			return true
		}
	}
	return false
}
