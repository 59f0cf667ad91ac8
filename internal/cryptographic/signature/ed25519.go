package signature

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
)

var ErrInvalidSignature = errors.New("invalid signature")

func NewEd25519Keypair() ([]byte, []byte, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	return pub, priv, nil
}

func ED25519Sign(privKeyBytes []byte, message []byte) []byte {
	privKey := ed25519.PrivateKey(privKeyBytes)
	return ed25519.Sign(privKey, message)
}

func ED25519Verify(pubKeyBytes []byte, message []byte, signature []byte) bool {
	if len(pubKeyBytes) != ed25519.PublicKeySize {
		return false
	}
	pubKey := ed25519.PublicKey(pubKeyBytes)
	return ed25519.Verify(pubKey, message, signature)
}

// labeled prefixes content with a domain separation label so a signature
// made for one structure can never verify as another.
func labeled(label string, content []byte) []byte {
	out := make([]byte, 0, len(label)+1+len(content))
	out = append(out, label...)
	out = append(out, 0)
	return append(out, content...)
}

// SignWithLabel signs content under label with an ed25519 private key.
func SignWithLabel(privKey []byte, label string, content []byte) ([]byte, error) {
	if len(privKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("ed25519 private key: got %d bytes", len(privKey))
	}
	return ED25519Sign(privKey, labeled(label, content)), nil
}

// VerifyWithLabel checks a signature produced by SignWithLabel.
func VerifyWithLabel(pubKey []byte, label string, content, sig []byte) error {
	if !ED25519Verify(pubKey, labeled(label, content), sig) {
		return fmt.Errorf("%w: %s", ErrInvalidSignature, label)
	}
	return nil
}
