package cryptocore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapUnwrapRoundTrip(t *testing.T) {
	e := NewAESEngine()
	salt, err := e.NewSalt()
	require.NoError(t, err)

	mk, err := e.DeriveMasterKey([]byte("correct horse battery staple"), salt)
	require.NoError(t, err)

	plaintext := []byte("the keychain's secret payload")
	ciphertext, err := e.Wrap(mk, plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, ciphertext)

	decoded, err := e.Unwrap(mk, ciphertext)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decoded)
}

func TestDeriveMasterKeyIsDeterministicForSamePassphraseAndSalt(t *testing.T) {
	e := NewAESEngine()
	salt, err := e.NewSalt()
	require.NoError(t, err)

	mk1, err := e.DeriveMasterKey([]byte("hunter2"), salt)
	require.NoError(t, err)
	mk2, err := e.DeriveMasterKey([]byte("hunter2"), salt)
	require.NoError(t, err)

	assert.Equal(t, mk1.Bytes(), mk2.Bytes())
}

func TestDeriveMasterKeyDiffersForDifferentSalt(t *testing.T) {
	e := NewAESEngine()
	salt1, err := e.NewSalt()
	require.NoError(t, err)
	salt2, err := e.NewSalt()
	require.NoError(t, err)

	mk1, err := e.DeriveMasterKey([]byte("hunter2"), salt1)
	require.NoError(t, err)
	mk2, err := e.DeriveMasterKey([]byte("hunter2"), salt2)
	require.NoError(t, err)

	assert.NotEqual(t, mk1.Bytes(), mk2.Bytes())
}

func TestUnwrapFailsWithWrongKey(t *testing.T) {
	e := NewAESEngine()
	salt, _ := e.NewSalt()
	mk1, _ := e.DeriveMasterKey([]byte("right"), salt)
	mk2, _ := e.DeriveMasterKey([]byte("wrong"), salt)

	ciphertext, err := e.Wrap(mk1, []byte("payload"))
	require.NoError(t, err)

	_, err = e.Unwrap(mk2, ciphertext)
	assert.Error(t, err)
}

func TestSignVerifyRoundTrip(t *testing.T) {
	e := NewAESEngine()
	salt, _ := e.NewSalt()
	mk, _ := e.DeriveMasterKey([]byte("passphrase"), salt)

	data := []byte("blob contents")
	sig := e.Sign(mk, data)

	assert.True(t, e.Verify(mk, data, sig))
	assert.False(t, e.Verify(mk, []byte("tampered contents"), sig))
}

func TestZeroClearsKeyMaterial(t *testing.T) {
	e := NewAESEngine()
	salt, _ := e.NewSalt()
	mk, err := e.DeriveMasterKey([]byte("passphrase"), salt)
	require.NoError(t, err)

	mk.Zero()
	assert.Nil(t, mk.Bytes())

	mk.Zero() // idempotent
}

func TestNewSaltProducesDistinctValues(t *testing.T) {
	e := NewAESEngine()
	s1, err := e.NewSalt()
	require.NoError(t, err)
	s2, err := e.NewSalt()
	require.NoError(t, err)

	assert.NotEqual(t, s1, s2)
	assert.Len(t, s1, saltSize)
}
