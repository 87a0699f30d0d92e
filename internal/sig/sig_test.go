package sig

import (
	"testing"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignAndRecover(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	addr := crypto.PubkeyToAddress(key.PublicKey)

	msg := []byte("hello")
	s, err := Sign(msg, key)
	require.NoError(t, err)
	assert.Len(t, s, 65)
	assert.True(t, s[64] == 27 || s[64] == 28)

	got, err := Recover(msg, s)
	require.NoError(t, err)
	assert.Equal(t, addr, got)

	got, err = RecoverHex(msg, hexutil.Encode(s))
	require.NoError(t, err)
	assert.Equal(t, addr, got)

	got, err = RecoverHex(msg, hexutil.Encode(s)[2:])
	require.NoError(t, err)
	assert.Equal(t, addr, got)

	require.NoError(t, Verify(msg, s, addr))
}

func TestRecover_DoesNotMutateInput(t *testing.T) {
	key, _ := crypto.GenerateKey()
	s, err := Sign([]byte("x"), key)
	require.NoError(t, err)
	v := s[64]

	_, err = Recover([]byte("x"), s)
	require.NoError(t, err)
	assert.Equal(t, v, s[64])
}

func TestVerify_WrongSigner(t *testing.T) {
	key, _ := crypto.GenerateKey()
	other, _ := crypto.GenerateKey()

	s, err := Sign([]byte("msg"), key)
	require.NoError(t, err)

	err = Verify([]byte("msg"), s, crypto.PubkeyToAddress(other.PublicKey))
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestRecover_BadLength(t *testing.T) {
	_, err := Recover([]byte("msg"), make([]byte, 64))
	assert.ErrorIs(t, err, ErrBadSignature)

	_, err = RecoverHex([]byte("msg"), "0xzz")
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestHashMessage_Prefix(t *testing.T) {
	want := crypto.Keccak256Hash([]byte("\x19Ethereum Signed Message:\n3abc"))
	assert.Equal(t, want, HashMessage([]byte("abc")))
}
