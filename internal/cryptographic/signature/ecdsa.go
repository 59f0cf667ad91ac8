package signature

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"fmt"
)

// NodeKey signs originator envelopes.
type NodeKey struct {
	priv *ecdsa.PrivateKey
}

func NewNodeKey() (*NodeKey, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate node key: %w", err)
	}
	return &NodeKey{priv: priv}, nil
}

// ParseNodeKey decodes a hex-encoded SEC 1 (EC PRIVATE KEY) DER key.
func ParseNodeKey(hexKey string) (*NodeKey, error) {
	der, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("node key: %w", err)
	}
	priv, err := x509.ParseECPrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("node key: %w", err)
	}
	return &NodeKey{priv: priv}, nil
}

// Hex returns the key in the form ParseNodeKey accepts.
func (k *NodeKey) Hex() (string, error) {
	der, err := x509.MarshalECPrivateKey(k.priv)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(der), nil
}

// PublicKey returns the PKIX DER encoding of the public key.
func (k *NodeKey) PublicKey() []byte {
	der, err := x509.MarshalPKIXPublicKey(&k.priv.PublicKey)
	if err != nil {
		// P-256 keys always marshal.
		panic(err)
	}
	return der
}

// Sign returns an ASN.1 ECDSA signature over the SHA-256 digest of message.
func (k *NodeKey) Sign(message []byte) ([]byte, error) {
	digest := sha256.Sum256(message)
	return ecdsa.SignASN1(rand.Reader, k.priv, digest[:])
}

// PublicKeyHex is the hex form of PublicKey, as pinned in client configs.
func (k *NodeKey) PublicKeyHex() string { return hex.EncodeToString(k.PublicKey()) }

// ParsePublicKey decodes a hex-encoded PKIX DER ECDSA public key and
// returns the DER bytes ECDSAVerify takes.
func ParsePublicKey(hexKey string) ([]byte, error) {
	der, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("node public key: %w", err)
	}
	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("node public key: %w", err)
	}
	if _, ok := parsed.(*ecdsa.PublicKey); !ok {
		return nil, fmt.Errorf("node public key: not ECDSA (%T)", parsed)
	}
	return der, nil
}

// ECDSAVerify checks sig over message against a PKIX DER public key.
func ECDSAVerify(pubKeyDER, message, sig []byte) error {
	parsed, err := x509.ParsePKIXPublicKey(pubKeyDER)
	if err != nil {
		return fmt.Errorf("node public key: %w", err)
	}
	pub, ok := parsed.(*ecdsa.PublicKey)
	if !ok {
		return fmt.Errorf("node public key: not ECDSA (%T)", parsed)
	}
	digest := sha256.Sum256(message)
	if !ecdsa.VerifyASN1(pub, digest[:], sig) {
		return ErrInvalidSignature
	}
	return nil
}
