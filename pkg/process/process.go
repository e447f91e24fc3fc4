// Package process implements Process, the daemon's per-client-process
// object (spec §4.4): byte-order detection at construction, lazy code
// signature identification, a lazily-created local scratch database,
// and the authorization multiset a client's tokens live in.
//
// Grounded directly on original_source/src/process.cpp for exact
// construction and teardown semantics (the byte-swap-on-construct
// check, the getHash state machine, destructor authorization-release
// by run-collapsing), and on warren/pkg/worker/worker.go's
// struct-plus-mutex-guarded-fields shape for the Go rendering.
package process

import (
	"sync"

	"github.com/cuemby/securityd/pkg/credential"
	"github.com/cuemby/securityd/pkg/errs"
	"github.com/cuemby/securityd/pkg/log"
	"github.com/cuemby/securityd/pkg/metrics"
	"github.com/cuemby/securityd/pkg/object"
	"github.com/cuemby/securityd/pkg/registry"
	"github.com/cuemby/securityd/pkg/session"
)

// protocolSentinel is the protocol-version word a client's setup
// struct must carry, in one byte order or the other (spec §4.4).
const protocolSentinel uint32 = 0x53535001

// ClientIdent is the lazily-resolved client code-identity state.
type ClientIdent int

const (
	Deferred ClientIdent = iota
	Known
	Unknown
)

// Signer computes a code signature for a client identity string. It
// stands in for the original's CodeSigning::OSXSigner collaborator;
// production wiring wraps the platform's code-signing API, tests
// supply a fake.
type Signer interface {
	Sign(identity string) ([]byte, error)
}

// LocalStore is a process-local scratch database, created lazily on
// first use (spec §4.4 localStore). It is intentionally a thin
// interface: pkg/keychain's temp-database flavor satisfies it.
type LocalStore interface {
	Close() error
}

// SetupInfo is the client-supplied construction payload.
type SetupInfo struct {
	Version  uint32
	Identity string
}

// Process tracks one client process and the objects it has created.
type Process struct {
	base *object.Base

	Handle      registry.Handle
	TaskHandle  uint64
	PID         int
	UID         uint32
	GID         uint32
	ByteFlipped bool

	reg     *registry.Registry
	signer  Signer
	newTemp func(*Process) (LocalStore, error)

	mu              sync.Mutex
	sessionHandle   registry.Handle
	clientCode      string
	hasClientCode   bool
	clientIdent     ClientIdent
	cachedSignature []byte
	localStore      LocalStore

	authMu sync.Mutex
	// authorizations is the owning multiset of tokens this process
	// holds a reference to, keyed by token handle with an occurrence
	// count (spec §4.4 addAuthorization/checkAuthorization/
	// removeAuthorization).
	authorizations map[registry.Handle]int
	tokensByHandle map[registry.Handle]*credential.AuthorizationToken
}

// flip reverses the byte order of a 32-bit word, mirroring the
// original's Flippers::flip used for the sentinel comparison.
func flip(v uint32) uint32 {
	return (v>>24)&0xff | (v>>8)&0xff00 | (v<<8)&0xff0000 | (v<<24)&0xff000000
}

// New constructs a Process bound to the session registered under
// servicePort. Fails with IncompatibleVersion if info.Version matches
// the protocol sentinel in neither byte order (spec §4.4).
func New(reg *registry.Registry, sessions *session.Table, signer Signer, newTemp func(*Process) (LocalStore, error), servicePort string, taskHandle uint64, pid int, uid, gid uint32, info SetupInfo) (*Process, error) {
	byteFlipped := false
	switch {
	case info.Version == protocolSentinel:
	case flip(info.Version) == protocolSentinel:
		byteFlipped = true
	default:
		return nil, errs.New(errs.IncompatibleVersion, "protocol version %#x matches neither byte order", info.Version)
	}

	sess, ok := sessions.Lookup(servicePort)
	if !ok {
		return nil, errs.New(errs.InvalidHandle, "no session registered on port %q", servicePort)
	}

	p := &Process{
		TaskHandle:     taskHandle,
		PID:            pid,
		UID:            uid,
		GID:            gid,
		ByteFlipped:    byteFlipped,
		reg:            reg,
		signer:         signer,
		newTemp:        newTemp,
		sessionHandle:  sess.Handle,
		clientIdent:    Deferred,
		authorizations: make(map[registry.Handle]int),
		tokensByHandle: make(map[registry.Handle]*credential.AuthorizationToken),
	}
	if info.Identity != "" {
		p.clientCode = info.Identity
		p.hasClientCode = true
	} else {
		p.clientIdent = Unknown
	}

	p.base = object.New(func() {
		reg.Remove(p.Handle)
	})
	p.Handle = reg.Register(p)
	metrics.ProcessesTotal.Inc()
	log.WithProcess(uint64(p.Handle)).Info().Int("pid", pid).Msg("process registered")
	return p, nil
}

// SessionHandle returns the handle of the session this process
// currently belongs to.
func (p *Process) SessionHandle() registry.Handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessionHandle
}

// ChangeSession re-parents the process to a different session, as a
// result of a client-initiated SessionCreate (spec §4.4).
func (p *Process) ChangeSession(sessions *session.Table, servicePort string) error {
	sess, ok := sessions.Lookup(servicePort)
	if !ok {
		return errs.New(errs.InvalidHandle, "no session registered on port %q", servicePort)
	}
	p.mu.Lock()
	p.sessionHandle = sess.Handle
	p.mu.Unlock()
	return nil
}

// LocalStore lazily creates and returns the process's scratch
// database on first use (spec §4.4 localStore).
func (p *Process) LocalStore() (LocalStore, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.localStore == nil {
		ls, err := p.newTemp(p)
		if err != nil {
			return nil, errs.New(errs.Transient, "failed to create local store: %v", err)
		}
		p.localStore = ls
	}
	return p.localStore, nil
}

// GetHash resolves the client's code signature, computing it on first
// call. deferred -> known on success, deferred -> unknown on failure;
// both known and unknown are then final (spec §4.4 getHash).
func (p *Process) GetHash() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.clientIdent {
	case Known:
		return p.cachedSignature, nil
	case Unknown:
		return nil, errs.New(errs.InsufficientClientIdentification, "process %d has no client identity", p.Handle)
	}

	if !p.hasClientCode {
		p.clientIdent = Unknown
		return nil, errs.New(errs.InsufficientClientIdentification, "process %d has no client code", p.Handle)
	}

	sig, err := p.signer.Sign(p.clientCode)
	if err != nil {
		p.clientIdent = Unknown
		return nil, errs.New(errs.InsufficientClientIdentification, "process %d: signing failed: %v", p.Handle, err)
	}
	p.clientIdent = Known
	p.cachedSignature = sig
	return sig, nil
}

// AddAuthorization records proc's ownership of tok in both
// directions: the process's multiset and the token's own owning-
// process multiset (spec §4.4 addAuthorization).
func (p *Process) AddAuthorization(tok *credential.AuthorizationToken) error {
	if err := tok.AddProcess(p.Handle); err != nil {
		return err
	}
	p.authMu.Lock()
	defer p.authMu.Unlock()
	p.authorizations[tok.Handle]++
	p.tokensByHandle[tok.Handle] = tok
	return nil
}

// CheckAuthorization reports whether the process currently holds a
// reference to tok (spec §4.4 checkAuthorization).
func (p *Process) CheckAuthorization(tok *credential.AuthorizationToken) bool {
	p.authMu.Lock()
	defer p.authMu.Unlock()
	return p.authorizations[tok.Handle] > 0
}

// RemoveAuthorization decrements one occurrence of tok in the
// process's multiset and, matching AddAuthorization, removes one
// occurrence of the process from the token's owning-process multiset
// via EndProcess, reporting whether the token should now be destroyed.
// Unlike the original (which logs and proceeds when the token is
// missing), this fails loudly on a missing token, per spec.md §9's
// explicit guidance to prefer failing loudly in the reimplementation.
func (p *Process) RemoveAuthorization(tok *credential.AuthorizationToken) (destroy bool, err error) {
	p.authMu.Lock()
	n, ok := p.authorizations[tok.Handle]
	if !ok || n <= 0 {
		p.authMu.Unlock()
		return false, errs.New(errs.InvalidHandle, "process %d does not hold token %d", p.Handle, tok.Handle)
	}
	if n == 1 {
		delete(p.authorizations, tok.Handle)
		delete(p.tokensByHandle, tok.Handle)
	} else {
		p.authorizations[tok.Handle] = n - 1
	}
	p.authMu.Unlock()

	empty, err := tok.EndProcess(p.Handle)
	if err != nil {
		return false, err
	}
	return empty, nil
}

// Kill clears the local store under the process lock, then delegates
// to PerObject, which cascades to owned children (spec §4.4 kill).
func (p *Process) Kill() {
	alreadyDead := p.base.IsDead()
	p.mu.Lock()
	if p.localStore != nil {
		_ = p.localStore.Close()
		p.localStore = nil
	}
	p.mu.Unlock()
	p.base.Kill()
	if !alreadyDead {
		metrics.ProcessesTotal.Dec()
		log.WithProcess(uint64(p.Handle)).Info().Msg("process killed")
	}
}

// Release mirrors the original destructor (spec §4.4): each token is
// visited once, however many occurrences the process holds, and all of
// this process's occurrences are dropped from the token's owning-
// process multiset together. It returns the tokens whose owner
// multiset is now empty, which should be destroyed.
func (p *Process) Release() []*credential.AuthorizationToken {
	p.authMu.Lock()
	toks := make([]*credential.AuthorizationToken, 0, len(p.tokensByHandle))
	counts := make([]int, 0, len(p.tokensByHandle))
	for h, t := range p.tokensByHandle {
		toks = append(toks, t)
		counts = append(counts, p.authorizations[h])
		delete(p.authorizations, h)
	}
	p.tokensByHandle = make(map[registry.Handle]*credential.AuthorizationToken)
	p.authMu.Unlock()

	var destroyed []*credential.AuthorizationToken
	for i, t := range toks {
		empty := false
		for n := 0; n < counts[i]; n++ {
			e, err := t.EndProcess(p.Handle)
			if err != nil {
				break
			}
			empty = e
		}
		if empty {
			destroyed = append(destroyed, t)
		}
	}
	return destroyed
}

// IsDead reports whether Kill has already run.
func (p *Process) IsDead() bool { return p.base.IsDead() }

// Own adopts child as a PerObject child of this process, so that
// Process.Kill cascades to it (spec §4.4: a Process owns its
// KeychainDatabases).
func (p *Process) Own(child *object.Base) {
	p.base.AddChild(child)
}
