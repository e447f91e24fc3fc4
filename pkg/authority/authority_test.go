package authority

import (
	"testing"

	"github.com/cuemby/securityd/pkg/credential"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnregisteredRightIsAlwaysDenied(t *testing.T) {
	rt := NewRuleTable()

	result, err := rt.Authorize(Request{Rights: []string{"system.unknown"}})
	require.NoError(t, err)
	assert.Empty(t, result.Granted)
}

func TestAllowRootGrantsRegardlessOfCredentials(t *testing.T) {
	rt := NewRuleTable()
	rt.SetRule("system.sleep", Rule{AllowRoot: true, Default: Deny})

	result, err := rt.Authorize(Request{Rights: []string{"system.sleep"}, IsRootSession: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"system.sleep"}, result.Granted)
}

func TestRequiredCredentialKindGatesNonRootSession(t *testing.T) {
	rt := NewRuleTable()
	rt.SetRule("keychain.unlock", Rule{RequiredCredentialKind: "password"})

	denied, err := rt.Authorize(Request{Rights: []string{"keychain.unlock"}})
	require.NoError(t, err)
	assert.Empty(t, denied.Granted)

	granted, err := rt.Authorize(Request{
		Rights:      []string{"keychain.unlock"},
		Credentials: []credential.Credential{{Kind: "password", Subject: "alice", Valid: true}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"keychain.unlock"}, granted.Granted)
}

func TestInvalidCredentialDoesNotSatisfyRequirement(t *testing.T) {
	rt := NewRuleTable()
	rt.SetRule("keychain.unlock", Rule{RequiredCredentialKind: "password"})

	result, err := rt.Authorize(Request{
		Rights:      []string{"keychain.unlock"},
		Credentials: []credential.Credential{{Kind: "password", Subject: "alice", Valid: false}},
	})
	require.NoError(t, err)
	assert.Empty(t, result.Granted)
}

func TestGrantsCredentialMintsFreshIssuedAt(t *testing.T) {
	rt := NewRuleTable()
	rt.SetRule("system.trust-me", Rule{
		Default:          Allow,
		GrantsCredential: &credential.Credential{Kind: "trust", Subject: "daemon", Shared: true, Valid: true},
	})

	result, err := rt.Authorize(Request{Rights: []string{"system.trust-me"}})
	require.NoError(t, err)
	require.Len(t, result.NewCredentials, 1)
	assert.False(t, result.NewCredentials[0].IssuedAt.IsZero())
}

func TestRemoveRuleFallsBackToDeny(t *testing.T) {
	rt := NewRuleTable()
	rt.SetRule("system.sleep", Rule{AllowRoot: true})
	rt.RemoveRule("system.sleep")

	result, err := rt.Authorize(Request{Rights: []string{"system.sleep"}, IsRootSession: true})
	require.NoError(t, err)
	assert.Empty(t, result.Granted)
}

func TestGetRuleReportsPresence(t *testing.T) {
	rt := NewRuleTable()
	_, ok := rt.GetRule("system.sleep")
	assert.False(t, ok)

	rt.SetRule("system.sleep", Rule{Default: Allow})
	rule, ok := rt.GetRule("system.sleep")
	require.True(t, ok)
	assert.Equal(t, Allow, rule.Default)
}

func TestMultipleRightsEvaluatedIndependently(t *testing.T) {
	rt := NewRuleTable()
	rt.SetRule("a", Rule{Default: Allow})
	rt.SetRule("b", Rule{Default: Deny})

	result, err := rt.Authorize(Request{Rights: []string{"a", "b"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, result.Granted)
}
