package mls

import (
	"e2e_group/internal/codec"
	"e2e_group/internal/cryptographic/hpke"
	"e2e_group/internal/model"
	"fmt"
)

const (
	commitLabel      = "Commit"
	applicationLabel = "Application"
	welcomeLabel     = "Welcome"

	commitSecretInfo = "e2e_group commit secret"
	welcomeInfo      = "e2e_group welcome"
)

type (
	// Message is the framing for everything the engine puts on the wire.
	// Exactly one field is set.
	Message struct {
		Commit      *Commit      `cbor:"1,keyasint,omitempty"`
		Application *Application `cbor:"2,keyasint,omitempty"`
		Welcome     *Welcome     `cbor:"3,keyasint,omitempty"`
	}

	Commit struct {
		GroupID         model.GroupID        `cbor:"1,keyasint"`
		Epoch           uint64               `cbor:"2,keyasint"`
		Sender          model.InstallationID `cbor:"3,keyasint"`
		Proposals       []Proposal           `cbor:"4,keyasint,omitempty"`
		LeafKey         []byte               `cbor:"5,keyasint"`
		Secrets         []SealedSecret       `cbor:"6,keyasint,omitempty"`
		ConfirmationTag []byte               `cbor:"7,keyasint,omitempty"`
		Signature       []byte               `cbor:"8,keyasint,omitempty"`
	}

	// SealedSecret is the commit secret encrypted to one member's leaf key.
	SealedSecret struct {
		Recipient  model.InstallationID `cbor:"1,keyasint"`
		Ciphertext hpke.Ciphertext      `cbor:"2,keyasint"`
	}

	Application struct {
		GroupID    model.GroupID        `cbor:"1,keyasint"`
		Epoch      uint64               `cbor:"2,keyasint"`
		Sender     model.InstallationID `cbor:"3,keyasint"`
		Ciphertext []byte               `cbor:"4,keyasint"`
		Signature  []byte               `cbor:"5,keyasint,omitempty"`
	}

	// Welcome hands a joiner everything it needs to enter an epoch. It only
	// ever travels HPKE-sealed to the joiner's init key.
	Welcome struct {
		GroupID     model.GroupID        `cbor:"1,keyasint"`
		Epoch       uint64               `cbor:"2,keyasint"`
		EpochSecret []byte               `cbor:"3,keyasint"`
		Members     []Member             `cbor:"4,keyasint"`
		Context     model.GroupContext   `cbor:"5,keyasint"`
		Signer      model.InstallationID `cbor:"6,keyasint"`
		Signature   []byte               `cbor:"7,keyasint,omitempty"`
	}

	applicationAAD struct {
		GroupID model.GroupID        `cbor:"1,keyasint"`
		Epoch   uint64               `cbor:"2,keyasint"`
		Sender  model.InstallationID `cbor:"3,keyasint"`
	}
)

func DecodeMessage(b []byte) (*Message, error) {
	var m Message
	if err := codec.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	n := 0
	if m.Commit != nil {
		n++
	}
	if m.Application != nil {
		n++
	}
	if m.Welcome != nil {
		n++
	}
	if n != 1 {
		return nil, fmt.Errorf("%w: %d variants set", ErrMalformedMessage, n)
	}
	return &m, nil
}

// IsCommit reports whether b frames a commit, without verifying it.
func IsCommit(b []byte) bool {
	m, err := DecodeMessage(b)
	return err == nil && m.Commit != nil
}

// content is the commit without its confirmation tag and signature.
func (c Commit) content() ([]byte, error) {
	c.ConfirmationTag = nil
	c.Signature = nil
	return codec.Marshal(c)
}

func (c Commit) signed() ([]byte, error) {
	c.Signature = nil
	return codec.Marshal(c)
}

func (a Application) signed() ([]byte, error) {
	a.Signature = nil
	return codec.Marshal(a)
}

func (a Application) aad() ([]byte, error) {
	return codec.Marshal(applicationAAD{GroupID: a.GroupID, Epoch: a.Epoch, Sender: a.Sender})
}

func (w Welcome) signed() ([]byte, error) {
	w.Signature = nil
	return codec.Marshal(w)
}

// AddedBy returns the member that signed the welcome.
func (w *Welcome) AddedBy() (Member, bool) {
	for _, m := range w.Members {
		if m.Installation.Equal(w.Signer) {
			return m, true
		}
	}
	return Member{}, false
}
