package dh

import (
	"crypto/ecdh"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// NewX25519KeyPair generates a key pair usable as an HPKE init key.
func NewX25519KeyPair() (priv, pub [32]byte, err error) {
	_, err = rand.Read(priv[:])
	if err != nil {
		return priv, pub, fmt.Errorf("failed to generate private key: %w", err)
	}
	curve25519.ScalarBaseMult(&pub, &priv)
	return priv, pub, nil
}

// PublicKey returns the public half of a raw X25519 private key.
func PublicKey(privKey []byte) ([]byte, error) {
	key, err := ecdh.X25519().NewPrivateKey(privKey)
	if err != nil {
		return nil, fmt.Errorf("x25519 private key: %w", err)
	}
	return key.PublicKey().Bytes(), nil
}
