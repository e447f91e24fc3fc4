package process

import (
	"testing"

	"github.com/cuemby/securityd/pkg/authority"
	"github.com/cuemby/securityd/pkg/credential"
	"github.com/cuemby/securityd/pkg/errs"
	"github.com/cuemby/securityd/pkg/registry"
	"github.com/cuemby/securityd/pkg/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSigner struct {
	sig []byte
	err error
}

func (f fakeSigner) Sign(identity string) ([]byte, error) { return f.sig, f.err }

type fakeLocalStore struct{ closed bool }

func (f *fakeLocalStore) Close() error { f.closed = true; return nil }

func newTestFixture(t *testing.T) (*registry.Registry, *session.Table, string) {
	t.Helper()
	reg := registry.New()
	sessions := session.NewTable()
	root := session.NewRoot(reg, authority.NewRuleTable(), nil, "root-port")
	sessions.Register(root)
	return reg, sessions, "root-port"
}

func TestNewRejectsIncompatibleVersion(t *testing.T) {
	reg, sessions, port := newTestFixture(t)
	_, err := New(reg, sessions, fakeSigner{}, nil, port, 1, 100, 501, 20, SetupInfo{Version: 0xdeadbeef})
	assert.True(t, errs.Is(err, errs.IncompatibleVersion))
}

func TestNewDetectsByteFlippedSentinel(t *testing.T) {
	reg, sessions, port := newTestFixture(t)
	p, err := New(reg, sessions, fakeSigner{}, nil, port, 1, 100, 501, 20, SetupInfo{Version: flip(protocolSentinel), Identity: "id"})
	require.NoError(t, err)
	assert.True(t, p.ByteFlipped)
}

func TestNewFailsWhenSessionPortUnknown(t *testing.T) {
	reg, sessions, _ := newTestFixture(t)
	_, err := New(reg, sessions, fakeSigner{}, nil, "no-such-port", 1, 100, 501, 20, SetupInfo{Version: protocolSentinel})
	assert.True(t, errs.Is(err, errs.InvalidHandle))
}

func TestGetHashDeferredToKnown(t *testing.T) {
	reg, sessions, port := newTestFixture(t)
	p, err := New(reg, sessions, fakeSigner{sig: []byte("sig")}, nil, port, 1, 100, 501, 20, SetupInfo{Version: protocolSentinel, Identity: "client-code"})
	require.NoError(t, err)

	sig, err := p.GetHash()
	require.NoError(t, err)
	assert.Equal(t, []byte("sig"), sig)
	assert.Equal(t, Known, p.clientIdent)

	// Second call returns the cached signature without re-signing.
	sig2, err := p.GetHash()
	require.NoError(t, err)
	assert.Equal(t, sig, sig2)
}

func TestGetHashDeferredToUnknownIsFinal(t *testing.T) {
	reg, sessions, port := newTestFixture(t)
	p, err := New(reg, sessions, fakeSigner{err: assertErr{}}, nil, port, 1, 100, 501, 20, SetupInfo{Version: protocolSentinel, Identity: "client-code"})
	require.NoError(t, err)

	_, err = p.GetHash()
	assert.True(t, errs.Is(err, errs.InsufficientClientIdentification))
	assert.Equal(t, Unknown, p.clientIdent)

	_, err = p.GetHash()
	assert.True(t, errs.Is(err, errs.InsufficientClientIdentification))
}

func TestGetHashWithNoClientCodeIsUnknown(t *testing.T) {
	reg, sessions, port := newTestFixture(t)
	p, err := New(reg, sessions, fakeSigner{}, nil, port, 1, 100, 501, 20, SetupInfo{Version: protocolSentinel})
	require.NoError(t, err)

	_, err = p.GetHash()
	assert.True(t, errs.Is(err, errs.InsufficientClientIdentification))
	assert.Equal(t, Unknown, p.clientIdent)
}

func TestLocalStoreLazyAndCached(t *testing.T) {
	reg, sessions, port := newTestFixture(t)
	calls := 0
	var created *fakeLocalStore
	newTemp := func(*Process) (LocalStore, error) {
		calls++
		created = &fakeLocalStore{}
		return created, nil
	}
	p, err := New(reg, sessions, fakeSigner{}, newTemp, port, 1, 100, 501, 20, SetupInfo{Version: protocolSentinel})
	require.NoError(t, err)

	ls1, err := p.LocalStore()
	require.NoError(t, err)
	ls2, err := p.LocalStore()
	require.NoError(t, err)
	assert.Same(t, ls1, ls2)
	assert.Equal(t, 1, calls)

	p.Kill()
	assert.True(t, created.closed)
}

func TestAddCheckRemoveAuthorization(t *testing.T) {
	reg, sessions, port := newTestFixture(t)
	p, err := New(reg, sessions, fakeSigner{}, nil, port, 1, 100, 501, 20, SetupInfo{Version: protocolSentinel})
	require.NoError(t, err)

	tok := credential.NewToken(reg, registry.Handle(1), 501, nil, nil, false)
	require.NoError(t, p.AddAuthorization(tok))
	assert.True(t, p.CheckAuthorization(tok))

	destroy, err := p.RemoveAuthorization(tok)
	require.NoError(t, err)
	assert.True(t, destroy)
	assert.False(t, p.CheckAuthorization(tok))
}

func TestRemoveAuthorizationFailsLoudlyWhenMissing(t *testing.T) {
	reg, sessions, port := newTestFixture(t)
	p, err := New(reg, sessions, fakeSigner{}, nil, port, 1, 100, 501, 20, SetupInfo{Version: protocolSentinel})
	require.NoError(t, err)

	tok := credential.NewToken(reg, registry.Handle(1), 501, nil, nil, false)
	_, err = p.RemoveAuthorization(tok)
	assert.True(t, errs.Is(err, errs.InvalidHandle))
}

func TestReleaseCollapsesDuplicateOccurrences(t *testing.T) {
	reg, sessions, port := newTestFixture(t)
	p, err := New(reg, sessions, fakeSigner{}, nil, port, 1, 100, 501, 20, SetupInfo{Version: protocolSentinel})
	require.NoError(t, err)

	tok := credential.NewToken(reg, registry.Handle(1), 501, nil, nil, false)
	require.NoError(t, p.AddAuthorization(tok))
	require.NoError(t, p.AddAuthorization(tok))
	assert.Equal(t, 2, tok.OwnerCount())

	destroyed := p.Release()
	require.Len(t, destroyed, 1)
	assert.Same(t, tok, destroyed[0])
	assert.Equal(t, 0, tok.OwnerCount())
}

func TestChangeSessionReparents(t *testing.T) {
	reg, sessions, port := newTestFixture(t)
	p, err := New(reg, sessions, fakeSigner{}, nil, port, 1, 100, 501, 20, SetupInfo{Version: protocolSentinel})
	require.NoError(t, err)

	dyn := session.NewDynamic(reg, authority.NewRuleTable(), nil, "bootstrap", "dyn-port", 1)
	sessions.Register(dyn.Session)

	require.NoError(t, p.ChangeSession(sessions, "dyn-port"))
	assert.Equal(t, dyn.Handle, p.SessionHandle())

	err = p.ChangeSession(sessions, "missing-port")
	assert.True(t, errs.Is(err, errs.InvalidHandle))
}

func TestKillIsIdempotentAndCascadesRegistration(t *testing.T) {
	reg, sessions, port := newTestFixture(t)
	p, err := New(reg, sessions, fakeSigner{}, nil, port, 1, 100, 501, 20, SetupInfo{Version: protocolSentinel})
	require.NoError(t, err)

	p.Kill()
	p.Kill()

	assert.True(t, p.IsDead())
	_, ok := reg.Lookup(p.Handle)
	assert.False(t, ok)
}

type assertErr struct{}

func (assertErr) Error() string { return "signing failed" }
