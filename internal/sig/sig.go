// Package sig verifies personal-sign (EIP-191) signatures.
package sig

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

var ErrBadSignature = errors.New("sig: invalid signature")

// HashMessage prefixes msg with "\x19Ethereum Signed Message:\n{len}" and
// hashes it with Keccak-256.
func HashMessage(msg []byte) common.Hash {
	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(msg))
	return crypto.Keccak256Hash([]byte(prefix), msg)
}

// Recover returns the address that personal-signed msg. signature is 65
// bytes (r[32] + s[32] + v[1]); v may be 0/1 or 27/28.
func Recover(msg []byte, signature []byte) (common.Address, error) {
	if len(signature) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("%w: must be %d bytes, got %d", ErrBadSignature, crypto.SignatureLength, len(signature))
	}
	s := make([]byte, len(signature))
	copy(s, signature)
	if s[64] >= 27 {
		s[64] -= 27
	}

	hash := HashMessage(msg)
	pub, err := crypto.SigToPub(hash.Bytes(), s)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// RecoverHex is Recover for a 0x-prefixed hex signature.
func RecoverHex(msg []byte, signatureHex string) (common.Address, error) {
	raw, err := hexutil.Decode(ensure0x(signatureHex))
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return Recover(msg, raw)
}

// Verify checks that expected signed msg.
func Verify(msg, signature []byte, expected common.Address) error {
	got, err := Recover(msg, signature)
	if err != nil {
		return err
	}
	if got != expected {
		return fmt.Errorf("%w: expected %s, got %s", ErrBadSignature, expected.Hex(), got.Hex())
	}
	return nil
}

// Sign personal-signs msg with key, returning v in {27, 28}.
func Sign(msg []byte, key *ecdsa.PrivateKey) ([]byte, error) {
	hash := HashMessage(msg)
	s, err := crypto.Sign(hash.Bytes(), key)
	if err != nil {
		return nil, err
	}
	s[64] += 27
	return s, nil
}

func ensure0x(s string) string {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return s
	}
	return "0x" + s
}
