// Package hpke seals payloads to an installation's init key with RFC 9180
// HPKE (DHKEM(X25519, HKDF-SHA256), HKDF-SHA256, AES-128-GCM).
package hpke

import (
	"crypto/rand"
	"e2e_group/internal/cryptographic/dh"
	"errors"
	"fmt"

	"github.com/cloudflare/circl/hpke"
)

var suite = hpke.NewSuite(hpke.KEM_X25519_HKDF_SHA256, hpke.KDF_HKDF_SHA256, hpke.AEAD_AES128GCM)

var (
	ErrDecryptionFailed = errors.New("hpke decryption failed")
	ErrInvalidKey       = errors.New("invalid hpke key")
)

// Ciphertext is an encapsulated key plus sealed payload.
type Ciphertext struct {
	KEMOutput []byte `cbor:"1,keyasint"`
	Sealed    []byte `cbor:"2,keyasint"`
}

// GenerateKeyPair returns raw X25519 private and public keys.
func GenerateKeyPair() (priv, pub []byte, err error) {
	sk, pk, err := dh.NewX25519KeyPair()
	if err != nil {
		return nil, nil, fmt.Errorf("generate hpke key: %w", err)
	}
	return sk[:], pk[:], nil
}

// Seal encrypts plaintext to pub. info binds the ciphertext to its use.
func Seal(pub, info, aad, plaintext []byte) (*Ciphertext, error) {
	pk, err := hpke.KEM_X25519_HKDF_SHA256.Scheme().UnmarshalBinaryPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	sender, err := suite.NewSender(pk, info)
	if err != nil {
		return nil, fmt.Errorf("hpke sender: %w", err)
	}
	enc, sealer, err := sender.Setup(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("hpke setup: %w", err)
	}
	ct, err := sealer.Seal(plaintext, aad)
	if err != nil {
		return nil, fmt.Errorf("hpke seal: %w", err)
	}
	return &Ciphertext{KEMOutput: enc, Sealed: ct}, nil
}

// Open decrypts a Ciphertext with the raw private key.
func Open(priv, info, aad []byte, ct *Ciphertext) ([]byte, error) {
	sk, err := hpke.KEM_X25519_HKDF_SHA256.Scheme().UnmarshalBinaryPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	receiver, err := suite.NewReceiver(sk, info)
	if err != nil {
		return nil, fmt.Errorf("hpke receiver: %w", err)
	}
	opener, err := receiver.Setup(ct.KEMOutput)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	plain, err := opener.Open(ct.Sealed, aad)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return plain, nil
}
