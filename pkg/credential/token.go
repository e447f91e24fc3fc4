package credential

import (
	"sync"

	"github.com/cuemby/securityd/pkg/errs"
	"github.com/cuemby/securityd/pkg/object"
	"github.com/cuemby/securityd/pkg/registry"
	"github.com/google/uuid"
)

// AuditInfo is the context information carried alongside a token,
// keyed by tag (spec §4.2 info_set).
type AuditInfo map[string]string

// AuthorizationToken is a capability bundle: a credential set plus
// audit context plus a multiset of owning processes (spec §3/§4.2).
// Owning processes are referenced by registry.Handle rather than by
// a concrete process type, so this package has no dependency on
// pkg/process.
type AuthorizationToken struct {
	base *object.Base

	Handle         registry.Handle
	SessionHandle  registry.Handle
	CreatorUID     uint32
	Externalizable bool
	AuditID        string

	mu          sync.Mutex
	credentials *Set
	audit       AuditInfo
	owners      map[registry.Handle]int
}

// ExternalForm is what authExternalize hands back to the caller:
// enough to re-bind the token from another process (spec §4.3).
type ExternalForm struct {
	Handle        registry.Handle
	SessionHandle registry.Handle
}

// NewToken creates and registers a new AuthorizationToken. Per spec
// §4.2, this never fails once resource allocation succeeds.
func NewToken(reg *registry.Registry, sessionHandle registry.Handle, creatorUID uint32, initial []Credential, audit AuditInfo, externalizable bool) *AuthorizationToken {
	t := &AuthorizationToken{
		SessionHandle:  sessionHandle,
		CreatorUID:     creatorUID,
		Externalizable: externalizable,
		AuditID:        uuid.NewString(),
		credentials:    NewSet(),
		audit:          cloneAudit(audit),
		owners:         make(map[registry.Handle]int),
	}
	t.credentials.InsertAll(initial)
	t.base = object.New(func() {
		reg.Remove(t.Handle)
	})
	t.Handle = reg.Register(t)
	return t
}

func cloneAudit(a AuditInfo) AuditInfo {
	out := make(AuditInfo, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

// AddProcess inserts proc into the owning-process multiset.
func (t *AuthorizationToken) AddProcess(proc registry.Handle) error {
	if t.base.IsDead() {
		return errs.New(errs.InvalidHandle, "token %d is dead", t.Handle)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.owners[proc]++
	return nil
}

// EndProcess removes one occurrence of proc from the owning-process
// multiset and reports whether the multiset is now empty; the caller
// must then destroy the token (spec §4.2 end_process).
func (t *AuthorizationToken) EndProcess(proc registry.Handle) (empty bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.owners[proc]
	if !ok || n <= 0 {
		return false, errs.New(errs.InvalidHandle, "process %d does not own token %d", proc, t.Handle)
	}
	if n == 1 {
		delete(t.owners, proc)
	} else {
		t.owners[proc] = n - 1
	}
	return len(t.owners) == 0, nil
}

// OwnerCount reports how many owning references remain, for tests.
func (t *AuthorizationToken) OwnerCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, c := range t.owners {
		n += c
	}
	return n
}

// Owns reports whether proc currently owns at least one reference to
// the token.
func (t *AuthorizationToken) Owns(proc registry.Handle) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.owners[proc] > 0
}

// MergeCredentials merges creds into the token's credential set
// in-place. Either every credential is merged or, for a dead token,
// none are (spec §4.2: merge never partially mutates).
func (t *AuthorizationToken) MergeCredentials(creds []Credential) error {
	if t.base.IsDead() {
		return errs.New(errs.InvalidHandle, "token %d is dead", t.Handle)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.credentials.InsertAll(creds)
	return nil
}

// EffectiveCreds returns a snapshot of the token's current
// credentials.
func (t *AuthorizationToken) EffectiveCreds() ([]Credential, error) {
	if t.base.IsDead() {
		return nil, errs.New(errs.InvalidHandle, "token %d is dead", t.Handle)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.credentials.Snapshot(), nil
}

// InvalidateSharedCredentials marks every shared credential the token
// holds as invalid; private credentials are left as they are (used by
// authFree with DestroyRights, spec §4.3).
func (t *AuthorizationToken) InvalidateSharedCredentials() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range t.credentials.Snapshot() {
		if c.Shared {
			t.credentials.Invalidate(c.Kind, c.Subject)
		}
	}
}

// InfoSet returns the audit context, or a single tagged value when
// tag is non-nil (spec §4.2 info_set).
func (t *AuthorizationToken) InfoSet(tag *string) map[string]string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if tag == nil {
		return cloneAudit(t.audit)
	}
	out := make(map[string]string)
	if v, ok := t.audit[*tag]; ok {
		out[*tag] = v
	}
	return out
}

// MayExternalize reports whether callerUID may externalize this
// token: only the creator may, unless the token was explicitly
// marked externalizable (spec §4.2 may_externalize).
func (t *AuthorizationToken) MayExternalize(callerUID uint32) bool {
	return t.Externalizable || callerUID == t.CreatorUID
}

// MayInternalize reports whether callerUID may internalize an
// externalized reference to this token. Internalizing a token that
// was never externalized (isExternal=false, e.g. a raw handle guess)
// is always denied.
func (t *AuthorizationToken) MayInternalize(callerUID uint32, isExternal bool) bool {
	if !isExternal {
		return false
	}
	return t.Externalizable || callerUID == t.CreatorUID
}

// Kill tears the token down. Idempotent.
func (t *AuthorizationToken) Kill() { t.base.Kill() }

// IsDead reports whether the token has been killed.
func (t *AuthorizationToken) IsDead() bool { return t.base.IsDead() }
