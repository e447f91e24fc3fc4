package session

import (
	"testing"

	"github.com/cuemby/securityd/pkg/authority"
	"github.com/cuemby/securityd/pkg/credential"
	"github.com/cuemby/securityd/pkg/errs"
	"github.com/cuemby/securityd/pkg/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFactory(fails bool) AgentFactory {
	return func(kind AgentKind) (*AgentHost, error) {
		if fails {
			return nil, assertErr{}
		}
		return &AgentHost{Kind: kind, alive: true}, nil
	}
}

type assertErr struct{}

func (assertErr) Error() string { return "agent spawn failed" }

// S1: setupAttributes semantics.
func TestSetupAttributesOnceByOriginatorOnly(t *testing.T) {
	reg := registry.New()
	dyn := NewDynamic(reg, authority.NewRuleTable(), newFactory(false), "boot", "port", 77)

	require.NoError(t, dyn.SetupAttributes(77, 0b10))
	assert.Equal(t, uint32(0b10)|AttrInitialized, dyn.Attributes())

	err := dyn.SetupAttributes(77, 0b100)
	assert.True(t, errs.Is(err, errs.SessionAuthorizationDenied))

	err = dyn.SetupAttributes(999, 0b10)
	assert.True(t, errs.Is(err, errs.SessionAuthorizationDenied))
}

func TestRootSessionSetupAttributesAlwaysFails(t *testing.T) {
	reg := registry.New()
	root := NewRoot(reg, authority.NewRuleTable(), newFactory(false), "root-port")

	err := root.SetupAttributes(0, 0b1)
	assert.True(t, errs.Is(err, errs.SessionAuthorizationDenied))
}

func TestOriginatorUIDWriteOnce(t *testing.T) {
	reg := registry.New()
	dyn := NewDynamic(reg, authority.NewRuleTable(), newFactory(false), "boot", "port", 1)

	_, err := dyn.OriginatorUID()
	assert.True(t, errs.Is(err, errs.ValueNotSet))

	require.NoError(t, dyn.SetOriginatorUID(1, 501))
	uid, err := dyn.OriginatorUID()
	require.NoError(t, err)
	assert.Equal(t, uint32(501), uid)

	err = dyn.SetOriginatorUID(1, 502)
	assert.True(t, errs.Is(err, errs.SessionAuthorizationDenied))
}

// S2: authorize with ExtendRights merges into the shared pool and the
// new token.
func TestAuthorizeExtendRightsMergesSharedAndToken(t *testing.T) {
	reg := registry.New()
	auth := authority.NewRuleTable()
	auth.SetRule("A", authority.Rule{AllowRoot: true, Default: authority.Allow, GrantsCredential: &credential.Credential{Shared: true, Valid: true, Kind: "password", Subject: "alice"}})
	auth.SetRule("B", authority.Rule{Default: authority.Allow})

	s := NewRoot(reg, auth, newFactory(false), "root-port")
	proc := registry.Handle(42)

	tokHandle, granted, err := s.Authorize(proc, 501, []string{"A", "B"}, nil, ExtendRights, credential.AuditInfo{})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"A", "B"}, granted)

	obj, ok := reg.Lookup(tokHandle)
	require.True(t, ok)
	tok := obj.(*credential.AuthorizationToken)
	assert.True(t, tok.Owns(proc))

	creds, err := tok.EffectiveCreds()
	require.NoError(t, err)
	require.Len(t, creds, 1)
	assert.Equal(t, "alice", creds[0].Subject)

	shared := s.sharedSnapshot()
	require.Len(t, shared, 1)
	assert.Equal(t, "alice", shared[0].Subject)
}

// S2: a private credential produced alongside a shared one must never
// leak into the session's shared pool.
func TestAuthorizeExtendRightsExcludesPrivateCredentialFromSharedPool(t *testing.T) {
	reg := registry.New()
	auth := authority.NewRuleTable()
	auth.SetRule("A", authority.Rule{Default: authority.Allow, GrantsCredential: &credential.Credential{Shared: true, Valid: true, Kind: "password", Subject: "c1"}})
	auth.SetRule("B", authority.Rule{Default: authority.Allow, GrantsCredential: &credential.Credential{Shared: false, Valid: true, Kind: "password", Subject: "c2"}})

	s := NewRoot(reg, auth, newFactory(false), "root-port")
	proc := registry.Handle(1)

	tokHandle, granted, err := s.Authorize(proc, 501, []string{"A", "B"}, nil, ExtendRights, nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"A", "B"}, granted)

	obj, ok := reg.Lookup(tokHandle)
	require.True(t, ok)
	tok := obj.(*credential.AuthorizationToken)
	creds, err := tok.EffectiveCreds()
	require.NoError(t, err)
	assert.Len(t, creds, 2, "the token itself sees both credentials")

	shared := s.sharedSnapshot()
	require.Len(t, shared, 1, "the shared pool must only ever contain c1")
	assert.Equal(t, "c1", shared[0].Subject)
}

func TestAuthorizeWithoutExtendRightsDoesNotTouchSharedPool(t *testing.T) {
	reg := registry.New()
	auth := authority.NewRuleTable()
	auth.SetRule("A", authority.Rule{Default: authority.Allow, GrantsCredential: &credential.Credential{Shared: true, Valid: true, Kind: "password", Subject: "alice"}})

	s := NewRoot(reg, auth, newFactory(false), "root-port")
	_, _, err := s.Authorize(registry.Handle(1), 501, []string{"A"}, nil, 0, nil)
	require.NoError(t, err)

	assert.Empty(t, s.sharedSnapshot())
}

func TestAuthorizeFailsWhenNoRightsGranted(t *testing.T) {
	reg := registry.New()
	auth := authority.NewRuleTable() // no rules registered: fail-closed
	s := NewRoot(reg, auth, newFactory(false), "root-port")

	_, _, err := s.Authorize(registry.Handle(1), 501, []string{"A"}, nil, 0, nil)
	assert.True(t, errs.Is(err, errs.InvalidCredentials))
}

func TestAuthFreeDestroyRightsInvalidatesSharedCredentials(t *testing.T) {
	reg := registry.New()
	auth := authority.NewRuleTable()
	auth.SetRule("A", authority.Rule{Default: authority.Allow, GrantsCredential: &credential.Credential{Shared: true, Valid: true, Kind: "password", Subject: "alice"}})

	s := NewRoot(reg, auth, newFactory(false), "root-port")
	proc := registry.Handle(7)
	tokHandle, _, err := s.Authorize(proc, 501, []string{"A"}, nil, ExtendRights, nil)
	require.NoError(t, err)
	obj, _ := reg.Lookup(tokHandle)
	tok := obj.(*credential.AuthorizationToken)

	require.NoError(t, s.AuthFree(proc, tok, DestroyRights))
	assert.True(t, tok.IsDead())

	shared := s.sharedSnapshot()
	require.Len(t, shared, 1)
	assert.False(t, shared[0].Valid)
}

func TestAuthFreeFailsForNonOwningProcess(t *testing.T) {
	reg := registry.New()
	auth := authority.NewRuleTable()
	auth.SetRule("A", authority.Rule{Default: authority.Allow})
	s := NewRoot(reg, auth, newFactory(false), "root-port")

	proc := registry.Handle(1)
	tokHandle, _, err := s.Authorize(proc, 501, []string{"A"}, nil, 0, nil)
	require.NoError(t, err)
	obj, _ := reg.Lookup(tokHandle)
	tok := obj.(*credential.AuthorizationToken)

	err = s.AuthFree(registry.Handle(99), tok, 0)
	assert.True(t, errs.Is(err, errs.InvalidHandle))
}

func TestAuthExternalizeInternalizeRoundTrip(t *testing.T) {
	reg := registry.New()
	auth := authority.NewRuleTable()
	auth.SetRule("A", authority.Rule{Default: authority.Allow})
	s := NewRoot(reg, auth, newFactory(false), "root-port")

	proc1 := registry.Handle(1)
	tokHandle, _, err := s.Authorize(proc1, 501, []string{"A"}, nil, 0, nil)
	require.NoError(t, err)
	obj, _ := reg.Lookup(tokHandle)
	tok := obj.(*credential.AuthorizationToken)

	ext, err := s.AuthExternalize(tok, 501)
	require.NoError(t, err)
	assert.Equal(t, tokHandle, ext.Handle)

	proc2 := registry.Handle(2)
	rebound, err := s.AuthInternalize(ext, proc2, 501)
	require.NoError(t, err)
	assert.Same(t, tok, rebound)
	assert.True(t, tok.Owns(proc2))
}

func TestAuthExternalizeDeniedForNonCreator(t *testing.T) {
	reg := registry.New()
	auth := authority.NewRuleTable()
	auth.SetRule("A", authority.Rule{Default: authority.Allow})
	s := NewRoot(reg, auth, newFactory(false), "root-port")

	tokHandle, _, err := s.Authorize(registry.Handle(1), 501, []string{"A"}, nil, 0, nil)
	require.NoError(t, err)
	obj, _ := reg.Lookup(tokHandle)
	tok := obj.(*credential.AuthorizationToken)

	_, err = s.AuthExternalize(tok, 999)
	assert.True(t, errs.Is(err, errs.ExternalizeDenied))
}

func TestAuthHostReusesLiveInstanceAndRestarts(t *testing.T) {
	reg := registry.New()
	s := NewRoot(reg, authority.NewRuleTable(), newFactory(false), "root-port")

	h1, err := s.AuthHost(UserAgent, false)
	require.NoError(t, err)

	h2, err := s.AuthHost(UserAgent, false)
	require.NoError(t, err)
	assert.Same(t, h1, h2)

	h3, err := s.AuthHost(UserAgent, true)
	require.NoError(t, err)
	assert.NotSame(t, h1, h3)
	assert.False(t, h1.IsAlive())
}

func TestKillInvalidatesSharedAndDestroysTokens(t *testing.T) {
	reg := registry.New()
	auth := authority.NewRuleTable()
	auth.SetRule("A", authority.Rule{Default: authority.Allow, GrantsCredential: &credential.Credential{Shared: true, Valid: true, Kind: "password", Subject: "alice"}})
	s := NewRoot(reg, auth, newFactory(false), "root-port")

	tokHandle, _, err := s.Authorize(registry.Handle(1), 501, []string{"A"}, nil, ExtendRights, nil)
	require.NoError(t, err)
	obj, _ := reg.Lookup(tokHandle)
	tok := obj.(*credential.AuthorizationToken)

	s.Kill()
	assert.True(t, s.IsDead())
	assert.True(t, tok.IsDead())

	shared := s.sharedSnapshot()
	require.Len(t, shared, 1)
	assert.False(t, shared[0].Valid)
}

func TestSessionTableLookupAndRemove(t *testing.T) {
	tbl := NewTable()
	reg := registry.New()
	s := NewRoot(reg, authority.NewRuleTable(), newFactory(false), "a-port")
	tbl.Register(s)

	found, ok := tbl.Lookup("a-port")
	require.True(t, ok)
	assert.Same(t, s, found)

	tbl.Remove("a-port")
	_, ok = tbl.Lookup("a-port")
	assert.False(t, ok)
}
