package model

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

type (
	// GroupID identifies one MLS group.
	GroupID []byte

	// InstallationID identifies one device's cryptographic material. It is
	// the installation's signature public key.
	InstallationID []byte

	// InboxID is the stable per-user identity.
	InboxID string
)

const groupIDLen = 16

func NewGroupID() (GroupID, error) {
	id := make([]byte, groupIDLen)
	if _, err := rand.Read(id); err != nil {
		return nil, fmt.Errorf("generate group id: %w", err)
	}
	return id, nil
}

func (g GroupID) String() string { return hex.EncodeToString(g) }

func (g GroupID) Equal(other GroupID) bool { return bytes.Equal(g, other) }

func (i InstallationID) String() string { return hex.EncodeToString(i) }

func (i InstallationID) Equal(other InstallationID) bool { return bytes.Equal(i, other) }

// Less orders installations by their key bytes.
func (i InstallationID) Less(other InstallationID) bool { return bytes.Compare(i, other) < 0 }

func (i InboxID) String() string { return string(i) }
