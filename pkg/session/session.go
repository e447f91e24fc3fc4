// Package session implements Session, the daemon's authentication
// scope (spec §4.3): one per login/bootstrap namespace, owning the
// shared-credential pool and the per-session helper-agent instances.
//
// Modeled on warren/pkg/manager/manager.go's shape — a struct with
// several dedicated sub-mutexes, one per concern, rather than a
// single coarse lock — generalized from Manager's
// raft/scheduler/reconciler fields to Session's three named sub-locks
// (spec §5 point 3): credentialsMu, agentMu, and the package-level
// Table's own lock standing in for sessions_map_lock.
package session

import (
	"sync"

	"github.com/cuemby/securityd/pkg/authority"
	"github.com/cuemby/securityd/pkg/credential"
	"github.com/cuemby/securityd/pkg/errs"
	"github.com/cuemby/securityd/pkg/log"
	"github.com/cuemby/securityd/pkg/metrics"
	"github.com/cuemby/securityd/pkg/object"
	"github.com/cuemby/securityd/pkg/registry"
)

// Kind distinguishes the two session variants.
type Kind int

const (
	// RootKind is the singleton session created at daemon start.
	RootKind Kind = iota
	// DynamicKind is created on demand by a client process.
	DynamicKind
)

// label returns the metrics label for a session kind.
func (k Kind) label() string {
	if k == RootKind {
		return "root"
	}
	return "dynamic"
}

// Flags control authorize/authFree/authGetRights behavior.
type Flags uint32

const (
	// ExtendRights merges any newly-produced credentials into the
	// session's shared pool and the returned token.
	ExtendRights Flags = 1 << 0
	// DestroyRights invalidates every shared credential the token
	// holds when the token is freed.
	DestroyRights Flags = 1 << 1
)

// AttrInitialized is set once setupAttributes succeeds; attributes
// are monotone, so no bit (including this one) is ever cleared again.
const AttrInitialized uint32 = 1 << 0

// settableMask is the set of attribute bits a caller may supply to
// setupAttributes; bit 0 (AttrInitialized) is maintained by the
// session itself and is not caller-settable.
const settableMask = ^AttrInitialized

// AgentKind distinguishes the per-session UI agent from the
// privileged agent authhost can also host.
type AgentKind int

const (
	UserAgent AgentKind = iota
	PrivilegedAgent
)

// AgentHost is a live helper-agent process reference (spec §6: "the
// daemon passes it opaque prompt descriptors and receives a
// passphrase or a cancellation"). Spawning one is an external
// collaborator's job; Session only tracks liveness.
type AgentHost struct {
	Kind  AgentKind
	alive bool
}

// IsAlive reports whether the host is still usable.
func (a *AgentHost) IsAlive() bool { return a != nil && a.alive }

// Kill marks the host dead. The actual process teardown is the
// factory/caller's responsibility; Session only forgets about it.
func (a *AgentHost) Kill() {
	if a != nil {
		a.alive = false
	}
}

// AgentFactory spawns a new, live AgentHost of the given kind.
type AgentFactory func(kind AgentKind) (*AgentHost, error)

// Session is the shared base implementing every operation common to
// Root and Dynamic sessions. Embed it to get all of them; override
// SetupAttributes to change that one operation's contract.
type Session struct {
	base *object.Base

	Handle      registry.Handle
	Kind        Kind
	BootstrapID string
	ServicePort string

	reg       *registry.Registry
	authority authority.Authority
	agentFac  AgentFactory

	originatorMu  sync.Mutex
	originatorSet bool
	originatorUID uint32
	originatorTsk uint64

	attrMu     sync.Mutex
	attributes uint32

	// credentialsMu is the "credentials_lock" sub-lock (spec §5.3).
	credentialsMu sync.Mutex
	shared        *credential.Set

	// agentMu is the "agent_lock" sub-lock (spec §5.3).
	agentMu       sync.Mutex
	agentInst     *AgentHost
	privAgentInst *AgentHost

	prefsMu sync.Mutex
	prefs   map[string]string

	tokensMu sync.Mutex
	tokens   map[registry.Handle]*credential.AuthorizationToken
}

// newBase performs the construction steps common to Root and Dynamic:
// registers the session and sets up its PerObject base.
func newBase(reg *registry.Registry, auth authority.Authority, fac AgentFactory, kind Kind, bootstrapID, port string) *Session {
	s := &Session{
		Kind:        kind,
		BootstrapID: bootstrapID,
		ServicePort: port,
		reg:         reg,
		authority:   auth,
		agentFac:    fac,
		shared:      credential.NewSet(),
		prefs:       make(map[string]string),
		tokens:      make(map[registry.Handle]*credential.AuthorizationToken),
	}
	s.base = object.New(func() {
		reg.Remove(s.Handle)
	})
	s.Handle = reg.Register(s)
	metrics.SessionsTotal.WithLabelValues(kind.label()).Inc()
	log.WithSession(uint64(s.Handle)).Info().Str("kind", kind.label()).Msg("session created")
	return s
}

// NewRoot creates the singleton Root session at daemon start.
// originatorUid is fixed at 0 (spec §3).
func NewRoot(reg *registry.Registry, auth authority.Authority, fac AgentFactory, port string) *Session {
	s := newBase(reg, auth, fac, RootKind, "root", port)
	s.originatorSet = true
	s.originatorUID = 0
	return s
}

// DynamicSession is created on demand by a client; the creating
// process is the "originator" and only it may set session attributes
// and user prefs (spec §4.3).
type DynamicSession struct {
	*Session
}

// NewDynamic creates a session on behalf of originatorTask.
func NewDynamic(reg *registry.Registry, auth authority.Authority, fac AgentFactory, bootstrapID, port string, originatorTask uint64) *DynamicSession {
	s := newBase(reg, auth, fac, DynamicKind, bootstrapID, port)
	s.originatorTsk = originatorTask
	return &DynamicSession{Session: s}
}

// SetupAttributes on the base Session always fails: only
// DynamicSession's override may succeed (spec §9 open-question
// decision: root sessions cannot be "set up" by a client).
func (s *Session) SetupAttributes(callerTask uint64, attrs uint32) error {
	return errs.New(errs.SessionAuthorizationDenied, "session %d cannot be set up", s.Handle)
}

// SetupAttributes installs the caller-settable attribute bits exactly
// once. Only the originator task may call it, and only before the
// session is already initialized (spec §4.3/S1).
func (d *DynamicSession) SetupAttributes(callerTask uint64, attrs uint32) error {
	s := d.Session
	if callerTask != s.originatorTsk {
		return errs.New(errs.SessionAuthorizationDenied, "caller %d is not the originator of session %d", callerTask, s.Handle)
	}
	s.attrMu.Lock()
	defer s.attrMu.Unlock()
	if s.attributes&AttrInitialized != 0 {
		return errs.New(errs.SessionAuthorizationDenied, "session %d is already initialized", s.Handle)
	}
	if attrs&^settableMask != 0 {
		return errs.New(errs.InvalidAttributes, "attribute bits %#x are not settable", attrs&^settableMask)
	}
	s.attributes = (attrs & settableMask) | AttrInitialized
	return nil
}

// Attributes returns the current attribute bitset.
func (s *Session) Attributes() uint32 {
	s.attrMu.Lock()
	defer s.attrMu.Unlock()
	return s.attributes
}

// OriginatorUID returns the originator's UID. Fails with ValueNotSet
// if no originator UID has been recorded yet (spec §7).
func (s *Session) OriginatorUID() (uint32, error) {
	s.originatorMu.Lock()
	defer s.originatorMu.Unlock()
	if !s.originatorSet {
		return 0, errs.New(errs.ValueNotSet, "originator uid not yet set for session %d", s.Handle)
	}
	return s.originatorUID, nil
}

// SetOriginatorUID records the originator's UID. Write-once: a second
// call fails (spec §5 invariant 5).
func (s *Session) SetOriginatorUID(callerTask uint64, uid uint32) error {
	if s.Kind == DynamicKind && callerTask != s.originatorTsk {
		return errs.New(errs.SessionAuthorizationDenied, "caller %d is not the originator of session %d", callerTask, s.Handle)
	}
	s.originatorMu.Lock()
	defer s.originatorMu.Unlock()
	if s.originatorSet {
		return errs.New(errs.SessionAuthorizationDenied, "originator uid already set for session %d", s.Handle)
	}
	s.originatorUID = uid
	s.originatorSet = true
	return nil
}

// SetUserPref sets one user preference. Only the originator may call
// it on a Dynamic session; the Root session has no originator task to
// check against and permits it.
func (s *Session) SetUserPref(callerTask uint64, key, value string) error {
	if s.Kind == DynamicKind && callerTask != s.originatorTsk {
		return errs.New(errs.SessionAuthorizationDenied, "caller %d is not the originator of session %d", callerTask, s.Handle)
	}
	s.prefsMu.Lock()
	defer s.prefsMu.Unlock()
	s.prefs[key] = value
	return nil
}

// UserPref reads one user preference.
func (s *Session) UserPref(key string) (string, bool) {
	s.prefsMu.Lock()
	defer s.prefsMu.Unlock()
	v, ok := s.prefs[key]
	return v, ok
}

// sharedSnapshot copies the shared pool under credentialsMu, per the
// copy-out-then-operate rule (spec §5 point 5): never call the
// authority while holding this lock.
func (s *Session) sharedSnapshot() []credential.Credential {
	s.credentialsMu.Lock()
	defer s.credentialsMu.Unlock()
	return s.shared.Snapshot()
}

// Authorize delegates the rights decision to the Authority
// collaborator and, on success, creates a new AuthorizationToken
// registered with proc (spec §4.3 authorize).
func (s *Session) Authorize(proc registry.Handle, callerUID uint32, rights []string, env map[string]string, flags Flags, audit credential.AuditInfo) (registry.Handle, []string, error) {
	snapshot := s.sharedSnapshot()

	result, err := s.authority.Authorize(authority.Request{
		Rights:        rights,
		Environment:   env,
		IsRootSession: s.Kind == RootKind,
		Credentials:   snapshot,
	})
	if err != nil {
		return 0, nil, errs.New(errs.Transient, "authority failure: %v", err)
	}
	if len(result.Granted) == 0 {
		return 0, nil, errs.New(errs.InvalidCredentials, "no requested rights were granted")
	}

	tok := credential.NewToken(s.reg, s.Handle, callerUID, nil, audit, false)
	if flags&ExtendRights != 0 && flags&DestroyRights == 0 {
		if err := tok.MergeCredentials(result.NewCredentials); err != nil {
			tok.Kill()
			return 0, nil, err
		}
		s.credentialsMu.Lock()
		s.shared.InsertShared(result.NewCredentials)
		s.credentialsMu.Unlock()
	}

	if err := tok.AddProcess(proc); err != nil {
		tok.Kill()
		return 0, nil, err
	}

	s.tokensMu.Lock()
	s.tokens[tok.Handle] = tok
	s.tokensMu.Unlock()
	metrics.TokensIssuedTotal.Inc()

	return tok.Handle, result.Granted, nil
}

// AuthFree checks that proc owns token, then per flags invalidates
// shared credentials, then releases the token from proc and destroys
// it if that was the last reference (spec §4.3 authFree).
func (s *Session) AuthFree(proc registry.Handle, tok *credential.AuthorizationToken, flags Flags) error {
	if !tok.Owns(proc) {
		return errs.New(errs.InvalidHandle, "process %d does not own token %d", proc, tok.Handle)
	}
	if flags&DestroyRights != 0 {
		creds, _ := tok.EffectiveCreds()
		s.credentialsMu.Lock()
		for _, c := range creds {
			if c.Shared {
				s.shared.Invalidate(c.Kind, c.Subject)
			}
		}
		s.credentialsMu.Unlock()
		tok.InvalidateSharedCredentials()
	}
	empty, err := tok.EndProcess(proc)
	if err != nil {
		return err
	}
	if empty {
		s.tokensMu.Lock()
		delete(s.tokens, tok.Handle)
		s.tokensMu.Unlock()
		tok.Kill()
		metrics.TokensDestroyedTotal.Inc()
	}
	return nil
}

// AuthGetRights re-runs authorization against an existing token,
// merging newly produced credentials under the same ExtendRights rule
// as Authorize (spec §4.3).
func (s *Session) AuthGetRights(tok *credential.AuthorizationToken, rights []string, env map[string]string, flags Flags) ([]string, error) {
	snapshot := s.sharedSnapshot()
	result, err := s.authority.Authorize(authority.Request{
		Rights:        rights,
		Environment:   env,
		IsRootSession: s.Kind == RootKind,
		Credentials:   snapshot,
	})
	if err != nil {
		return nil, errs.New(errs.Transient, "authority failure: %v", err)
	}
	if flags&ExtendRights != 0 && flags&DestroyRights == 0 {
		if err := tok.MergeCredentials(result.NewCredentials); err != nil {
			return nil, err
		}
		s.credentialsMu.Lock()
		s.shared.InsertShared(result.NewCredentials)
		s.credentialsMu.Unlock()
	}
	return result.Granted, nil
}

// AuthorizationDBSet installs a policy rule (authorizationdbSet).
func (s *Session) AuthorizationDBSet(right string, rule authority.Rule) {
	s.authority.SetRule(right, rule)
}

// AuthorizationDBRemove deletes a policy rule (authorizationdbRemove).
func (s *Session) AuthorizationDBRemove(right string) {
	s.authority.RemoveRule(right)
}

// ExternalToken is what AuthExternalize hands back to the caller.
type ExternalToken struct {
	Handle      registry.Handle
	ServicePort string
}

// AuthExternalize returns an externalizable reference to tok, if
// callerUID is permitted (spec §4.3).
func (s *Session) AuthExternalize(tok *credential.AuthorizationToken, callerUID uint32) (ExternalToken, error) {
	if !tok.MayExternalize(callerUID) {
		return ExternalToken{}, errs.New(errs.ExternalizeDenied, "caller %d may not externalize token %d", callerUID, tok.Handle)
	}
	return ExternalToken{Handle: tok.Handle, ServicePort: s.ServicePort}, nil
}

// AuthInternalize re-binds an externalized token reference to proc,
// if callerUID is permitted (spec §4.3).
func (s *Session) AuthInternalize(ext ExternalToken, proc registry.Handle, callerUID uint32) (*credential.AuthorizationToken, error) {
	obj, ok := s.reg.Lookup(ext.Handle)
	if !ok {
		return nil, errs.New(errs.InvalidHandle, "token %d not found", ext.Handle)
	}
	tok, ok := obj.(*credential.AuthorizationToken)
	if !ok {
		return nil, errs.New(errs.InvalidHandle, "handle %d is not a token", ext.Handle)
	}
	if !tok.MayInternalize(callerUID, true) {
		return nil, errs.New(errs.InternalizeDenied, "caller %d may not internalize token %d", callerUID, tok.Handle)
	}
	if err := tok.AddProcess(proc); err != nil {
		return nil, err
	}
	return tok, nil
}

// AuthHost returns a live helper host of the requested kind, guarded
// by agentMu (spec §4.3 authhost). If the existing instance is dead
// or restart is set, it is killed and a new one created.
func (s *Session) AuthHost(kind AgentKind, restart bool) (*AgentHost, error) {
	s.agentMu.Lock()
	defer s.agentMu.Unlock()

	slot := &s.agentInst
	if kind == PrivilegedAgent {
		slot = &s.privAgentInst
	}

	if *slot != nil && (*slot).IsAlive() && !restart {
		return *slot, nil
	}
	if *slot != nil {
		(*slot).Kill()
	}
	host, err := s.agentFac(kind)
	if err != nil {
		return nil, errs.New(errs.Transient, "failed to start agent host: %v", err)
	}
	*slot = host
	return host, nil
}

// Kill nullifies agent pointers, invalidates every shared credential,
// kills every token the session issued, then delegates to PerObject
// (spec §4.3 kill).
func (s *Session) Kill() {
	if s.base.IsDead() {
		return
	}

	s.agentMu.Lock()
	if s.agentInst != nil {
		s.agentInst.Kill()
		s.agentInst = nil
	}
	if s.privAgentInst != nil {
		s.privAgentInst.Kill()
		s.privAgentInst = nil
	}
	s.agentMu.Unlock()

	s.credentialsMu.Lock()
	s.shared.InvalidateAll()
	s.credentialsMu.Unlock()

	s.tokensMu.Lock()
	toks := make([]*credential.AuthorizationToken, 0, len(s.tokens))
	for _, t := range s.tokens {
		toks = append(toks, t)
	}
	s.tokens = make(map[registry.Handle]*credential.AuthorizationToken)
	s.tokensMu.Unlock()
	for _, t := range toks {
		t.Kill()
		metrics.TokensDestroyedTotal.Inc()
	}

	s.base.Kill()
	metrics.SessionsTotal.WithLabelValues(s.Kind.label()).Dec()
	log.WithSession(uint64(s.Handle)).Info().Msg("session killed")
}

// IsDead reports whether Kill has already run.
func (s *Session) IsDead() bool { return s.base.IsDead() }

// Table is the process-wide map of sessions by service port (the
// "sessions_map_lock" sub-lock, spec §5.3), separate from the global
// handle registry because sessions are also looked up by port during
// Process construction (spec §4.4).
type Table struct {
	mu     sync.RWMutex
	byPort map[string]*Session
}

// NewTable creates an empty session table.
func NewTable() *Table {
	return &Table{byPort: make(map[string]*Session)}
}

// Register installs s under its service port.
func (t *Table) Register(s *Session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byPort[s.ServicePort] = s
}

// Lookup resolves a service port to its live session.
func (t *Table) Lookup(port string) (*Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.byPort[port]
	return s, ok
}

// Remove deletes a session's entry. Idempotent.
func (t *Table) Remove(port string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.byPort, port)
}
