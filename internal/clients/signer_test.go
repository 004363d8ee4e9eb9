package clients

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKeyHex = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func TestSigner_FromHex(t *testing.T) {
	s, err := NewSignerFromHex("0x" + testKeyHex)
	require.NoError(t, err)

	plain, err := NewSignerFromHex(testKeyHex)
	require.NoError(t, err)

	assert.Equal(t, plain.Address(), s.Address())
	assert.True(t, strings.HasPrefix(s.Address(), "0x"))
	assert.Len(t, s.Address(), 66)
}

func TestSigner_InvalidKey(t *testing.T) {
	_, err := NewSignerFromHex("")
	require.Error(t, err)

	_, err = NewSignerFromHex("zz")
	require.Error(t, err)

	_, err = NewSigner(nil)
	require.Error(t, err)
}

func TestSigner_SignVerifies(t *testing.T) {
	s, err := NewSignerFromHex(testKeyHex)
	require.NoError(t, err)

	txBytes := []byte("dca order transaction")
	sig, err := s.Sign(txBytes)
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(sig)
	require.NoError(t, err)
	require.Len(t, raw, 1+64+33)
	assert.Equal(t, secp256k1SchemeFlag, raw[0])

	ok, err := VerifySignature(txBytes, sig)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = VerifySignature([]byte("another transaction"), sig)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSigner_DistinctKeysDistinctAddresses(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	a, err := NewSigner(key)
	require.NoError(t, err)
	b, err := NewSignerFromHex(testKeyHex)
	require.NoError(t, err)

	assert.NotEqual(t, a.Address(), b.Address())
}

func TestVerifySignature_BadLayout(t *testing.T) {
	_, err := VerifySignature([]byte("tx"), base64.StdEncoding.EncodeToString([]byte{1, 2, 3}))
	require.Error(t, err)

	_, err = VerifySignature([]byte("tx"), "%%%")
	require.Error(t, err)
}
