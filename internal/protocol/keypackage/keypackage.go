// Package keypackage builds and verifies installation key packages: the
// signed bundle another member needs to add an installation to a group.
package keypackage

import (
	"e2e_group/internal/codec"
	"e2e_group/internal/cryptographic/hpke"
	"e2e_group/internal/cryptographic/signature"
	"e2e_group/internal/model"
	"errors"
	"fmt"
	"time"
)

const (
	keyPackageLabel = "KeyPackageTBS"

	// Lifetime bounds how long a published key package stays valid.
	Lifetime = 90 * 24 * time.Hour
)

var (
	ErrExpired           = errors.New("key package expired")
	ErrInvalidCredential = errors.New("invalid credential")
)

type (
	// Credential binds an installation signature key to an inbox.
	Credential struct {
		InboxID         model.InboxID `cbor:"1,keyasint"`
		InstallationKey []byte        `cbor:"2,keyasint"`
	}

	// Identity is one installation's long-term signing material.
	Identity struct {
		Credential Credential
		SigningKey []byte
	}

	KeyPackage struct {
		Credential Credential `cbor:"1,keyasint"`
		InitKey    []byte     `cbor:"2,keyasint"`
		NotAfterNS int64      `cbor:"3,keyasint"`
		Signature  []byte     `cbor:"4,keyasint"`
	}

	// Bundle is a key package together with its private init key.
	Bundle struct {
		KeyPackage KeyPackage
		InitPriv   []byte
	}

	keyPackageTBS struct {
		Credential Credential `cbor:"1,keyasint"`
		InitKey    []byte     `cbor:"2,keyasint"`
		NotAfterNS int64      `cbor:"3,keyasint"`
	}
)

// NewIdentity generates fresh signing keys for an installation of inbox.
func NewIdentity(inbox model.InboxID) (*Identity, error) {
	if inbox == "" {
		return nil, fmt.Errorf("%w: empty inbox id", ErrInvalidCredential)
	}
	pub, priv, err := signature.NewEd25519Keypair()
	if err != nil {
		return nil, fmt.Errorf("installation key: %w", err)
	}
	return &Identity{
		Credential: Credential{InboxID: inbox, InstallationKey: pub},
		SigningKey: priv,
	}, nil
}

func (i *Identity) InstallationID() model.InstallationID {
	return i.Credential.InstallationKey
}

func (i *Identity) Sign(label string, content []byte) ([]byte, error) {
	return signature.SignWithLabel(i.SigningKey, label, content)
}

// Generate creates a signed key package with a fresh HPKE init key.
func (i *Identity) Generate(now time.Time) (*Bundle, error) {
	priv, pub, err := hpke.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	kp := KeyPackage{
		Credential: i.Credential,
		InitKey:    pub,
		NotAfterNS: now.Add(Lifetime).UnixNano(),
	}
	tbs, err := kp.tbs()
	if err != nil {
		return nil, err
	}
	if kp.Signature, err = i.Sign(keyPackageLabel, tbs); err != nil {
		return nil, err
	}
	return &Bundle{KeyPackage: kp, InitPriv: priv}, nil
}

func (kp *KeyPackage) tbs() ([]byte, error) {
	return codec.Marshal(keyPackageTBS{
		Credential: kp.Credential,
		InitKey:    kp.InitKey,
		NotAfterNS: kp.NotAfterNS,
	})
}

// Verify checks the self-signature and the lifetime.
func (kp *KeyPackage) Verify(now time.Time) error {
	if err := kp.Credential.Validate(); err != nil {
		return err
	}
	if now.UnixNano() > kp.NotAfterNS {
		return ErrExpired
	}
	tbs, err := kp.tbs()
	if err != nil {
		return err
	}
	return signature.VerifyWithLabel(kp.Credential.InstallationKey, keyPackageLabel, tbs, kp.Signature)
}

func (c Credential) Validate() error {
	if c.InboxID == "" {
		return fmt.Errorf("%w: empty inbox id", ErrInvalidCredential)
	}
	if len(c.InstallationKey) != 32 {
		return fmt.Errorf("%w: installation key is %d bytes", ErrInvalidCredential, len(c.InstallationKey))
	}
	return nil
}

func Encode(kp *KeyPackage) ([]byte, error) { return codec.Marshal(kp) }

func Decode(b []byte) (*KeyPackage, error) {
	var kp KeyPackage
	if err := codec.Unmarshal(b, &kp); err != nil {
		return nil, fmt.Errorf("decode key package: %w", err)
	}
	return &kp, nil
}
