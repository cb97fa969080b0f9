package signer

import (
	"encoding/hex"
	"fmt"

	"github.com/cometbft/cometbft/crypto/ed25519"
)

// Signer signs votes and blocks on behalf of one validator identity.
type Signer interface {
	PublicKey() []byte
	Sign(msg []byte) ([]byte, error)
	Verify(msg, sig []byte) bool
}

// Ed25519Signer wraps a cometbft ed25519 keypair.
type Ed25519Signer struct {
	priv ed25519.PrivKey
}

// NewEd25519Signer generates a fresh keypair.
func NewEd25519Signer() *Ed25519Signer {
	return &Ed25519Signer{priv: ed25519.GenPrivKey()}
}

// FromHex restores a signer from a hex-encoded private key.
func FromHex(encoded string) (*Ed25519Signer, error) {
	raw, err := hex.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid private key encoding: %w", err)
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("private key must be %d bytes, got %d", ed25519.PrivateKeySize, len(raw))
	}
	return &Ed25519Signer{priv: ed25519.PrivKey(raw)}, nil
}

// ExportHex returns the hex-encoded private key for persistence.
func (s *Ed25519Signer) ExportHex() string {
	return hex.EncodeToString(s.priv.Bytes())
}

func (s *Ed25519Signer) PublicKey() []byte {
	return s.priv.PubKey().Bytes()
}

func (s *Ed25519Signer) Sign(msg []byte) ([]byte, error) {
	return s.priv.Sign(msg)
}

func (s *Ed25519Signer) Verify(msg, sig []byte) bool {
	return s.priv.PubKey().VerifySignature(msg, sig)
}

// VerifyWithKey checks a signature against a raw public key, for verifying
// other validators' votes.
func VerifyWithKey(pubKey, msg, sig []byte) bool {
	if len(pubKey) != ed25519.PubKeySize {
		return false
	}
	return ed25519.PubKey(pubKey).VerifySignature(msg, sig)
}
