// Package authority implements the daemon's authorization policy
// collaborator: the thing Session.authorize actually consults to turn
// a requested set of rights plus a snapshot of shared credentials
// into a grant decision and any newly-minted credentials (spec §4.3/
// §6: "authorize(rights, env, flags, in_creds) -> (out_creds,
// granted_rights, status)").
//
// No teacher file models this directly; it follows the
// interface-plus-default-implementation shape used throughout the
// pack (e.g. warren/pkg/storage.Store + BoltStore): one interface,
// one concrete in-memory rule table, so a future on-disk or
// rule-language-backed Authority can be substituted without touching
// pkg/session.
package authority

import (
	"sync"
	"time"

	"github.com/cuemby/securityd/pkg/credential"
)

// Decision is the outcome of evaluating a single right against a
// credential set.
type Decision string

const (
	Allow          Decision = "allow"
	Deny           Decision = "deny"
	NeedCredential Decision = "need_credential"
)

// Rule is the policy attached to one right name.
type Rule struct {
	// RequiredCredentialKind, if non-empty, must be present and valid
	// in the caller's snapshot for the right to be granted.
	RequiredCredentialKind string
	// AllowRoot grants the right unconditionally to Root sessions.
	AllowRoot bool
	// Default is used when neither AllowRoot nor the credential check
	// resolves the decision.
	Default Decision
	// GrantsCredential, if non-nil, is minted (with a fresh IssuedAt)
	// and returned among the authorization's new credentials whenever
	// this rule grants its right. Models the authority's "out_creds".
	GrantsCredential *credential.Credential
}

// Request bundles everything Authorize needs to decide a batch of
// rights in one call.
type Request struct {
	Rights        []string
	Environment   map[string]string
	IsRootSession bool
	// Credentials is a snapshot of the caller's currently held
	// credentials (copy-out-then-operate per spec §5 point 5); Authority
	// implementations must not retain it.
	Credentials []credential.Credential
}

// Result is what Authorize hands back: which of the requested rights
// were granted, and any credentials newly produced in the process.
type Result struct {
	Granted        []string
	NewCredentials []credential.Credential
}

// Authority evaluates authorization requests against a rule set. It
// is pure with respect to daemon state: all side effects in the
// daemon are driven by Authorize's return value, never by a callback
// into session/process state.
type Authority interface {
	Authorize(req Request) (Result, error)
	SetRule(right string, rule Rule)
	RemoveRule(right string)
	GetRule(right string) (Rule, bool)
}

// RuleTable is the default in-memory Authority.
type RuleTable struct {
	mu    sync.RWMutex
	rules map[string]Rule
}

// NewRuleTable creates an empty rule table. A right with no
// registered rule is always denied — the fail-closed posture spec.md
// §4.3 requires.
func NewRuleTable() *RuleTable {
	return &RuleTable{rules: make(map[string]Rule)}
}

// SetRule installs or replaces the rule for a right
// (authorizationdbSet, spec §4.3).
func (t *RuleTable) SetRule(right string, rule Rule) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rules[right] = rule
}

// RemoveRule deletes the rule for a right (authorizationdbRemove,
// spec §4.3).
func (t *RuleTable) RemoveRule(right string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.rules, right)
}

// GetRule returns the rule for a right, if any.
func (t *RuleTable) GetRule(right string) (Rule, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.rules[right]
	return r, ok
}

// Authorize evaluates every right in req.Rights independently against
// the rule table and returns the subset granted plus any credentials
// those grants mint.
func (t *RuleTable) Authorize(req Request) (Result, error) {
	var result Result
	for _, right := range req.Rights {
		rule, ok := t.GetRule(right)
		if !ok {
			continue
		}
		if decide(rule, req) != Allow {
			continue
		}
		result.Granted = append(result.Granted, right)
		if rule.GrantsCredential != nil {
			nc := *rule.GrantsCredential
			nc.IssuedAt = time.Now()
			result.NewCredentials = append(result.NewCredentials, nc)
		}
	}
	return result, nil
}

func decide(rule Rule, req Request) Decision {
	if rule.AllowRoot && req.IsRootSession {
		return Allow
	}
	if rule.RequiredCredentialKind != "" {
		for _, c := range req.Credentials {
			if c.Kind == rule.RequiredCredentialKind && c.Valid {
				return Allow
			}
		}
		return NeedCredential
	}
	if rule.Default == "" {
		return Deny
	}
	return rule.Default
}
