// Package smartcard implements the smartcard collaborator (spec
// §4.7): Reader and Token objects, and SmartcardMonitor, the
// multi-role supervisor that launches and watches the external pcscd
// helper daemon.
//
// Grounded on original_source/src/pcscmonitor.cpp (poll/diff loop,
// device-class heuristic, sleep/wake, idle timer) and reader.h for
// the Reader/Token relationship; the Go rendering follows
// warren/pkg/runtime/containerd.go's Config+New* constructor shape for
// the supervisor, generalized per spec §9's guidance to replace the
// original's multiple-inheritance supervisor with a single struct
// reacting to events (helper notifications, device attach, sleep/wake,
// timer-wheel callbacks) rather than polling status flags.
package smartcard

import (
	"sync"

	"github.com/cuemby/securityd/pkg/log"
	"github.com/cuemby/securityd/pkg/object"
	"github.com/cuemby/securityd/pkg/registry"
)

// Token represents a smartcard currently inserted into a Reader.
// Owned by its Reader (spec §4.1 ownership summary).
type Token struct {
	base *object.Base

	Handle registry.Handle
	Serial string
}

func newToken(reg *registry.Registry, serial string) *Token {
	t := &Token{Serial: serial}
	t.base = object.New(func() { reg.Remove(t.Handle) })
	t.Handle = reg.Register(t)
	return t
}

// Kill tears the token down. Idempotent.
func (t *Token) Kill() { t.base.Kill() }

// IsDead reports whether the token has been killed.
func (t *Token) IsDead() bool { return t.base.IsDead() }

// Reader represents one smartcard reader device attached to the
// system. Owned by the SmartcardMonitor.
type Reader struct {
	base *object.Base

	Handle registry.Handle
	Name   string

	reg *registry.Registry

	mu    sync.Mutex
	token *Token
}

func newReader(reg *registry.Registry, name string) *Reader {
	r := &Reader{Name: name, reg: reg}
	r.base = object.New(func() { reg.Remove(r.Handle) })
	r.Handle = reg.Register(r)
	return r
}

// Update applies one poll cycle's observed state to the reader: a
// present card with no existing Token creates one; an absent card
// kills the existing Token (spec §4.7: "insertion creates a Token;
// removal kills the existing Token").
func (r *Reader) Update(present bool, tokenSerial string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if present {
		if r.token == nil {
			r.token = newToken(r.reg, tokenSerial)
			log.WithComponent("smartcard").Info().Str("reader", r.Name).Msg("token inserted")
		}
		return
	}
	if r.token != nil {
		r.token.Kill()
		r.token = nil
		log.WithComponent("smartcard").Info().Str("reader", r.Name).Msg("token removed")
	}
}

// HasToken reports whether a token is currently present.
func (r *Reader) HasToken() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.token != nil
}

// Kill removes the reader and its current token, if any.
func (r *Reader) Kill() {
	r.mu.Lock()
	tok := r.token
	r.token = nil
	r.mu.Unlock()
	if tok != nil {
		tok.Kill()
	}
	r.base.Kill()
}
