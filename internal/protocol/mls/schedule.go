package mls

import (
	"crypto/rand"
	"e2e_group/internal/codec"
	"e2e_group/internal/cryptographic/kdf"
	"e2e_group/internal/model"
	"encoding/binary"
	"fmt"
)

// epochContext is hashed into every epoch secret so members that disagree
// on the roster or the group context end up with different secrets.
type epochContext struct {
	GroupID model.GroupID      `cbor:"1,keyasint"`
	Epoch   uint64             `cbor:"2,keyasint"`
	Members []Member           `cbor:"3,keyasint"`
	Context model.GroupContext `cbor:"4,keyasint"`
}

func contextHash(groupID model.GroupID, epoch uint64, members []Member, ctx model.GroupContext) ([]byte, error) {
	return codec.Hash(epochContext{GroupID: groupID, Epoch: epoch, Members: members, Context: ctx})
}

// nextEpochSecret chains the previous epoch secret with a fresh commit
// secret: init = Derive(prev, "init"), joiner = Extract(init, commit),
// epoch = Expand(joiner, "epoch", contextHash).
func nextEpochSecret(prev, commitSecret, ctxHash []byte) ([]byte, error) {
	initSecret, err := kdf.DeriveSecret(prev, "init")
	if err != nil {
		return nil, err
	}
	joiner := kdf.Extract(initSecret, commitSecret)
	return kdf.ExpandWithLabel(joiner, "epoch", ctxHash, kdf.Size)
}

func newSecret() ([]byte, error) {
	b := make([]byte, kdf.Size)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("generate secret: %w", err)
	}
	return b, nil
}

func authenticator(epochSecret []byte) ([]byte, error) {
	return kdf.DeriveSecret(epochSecret, "authentication")
}

func confirmationKey(epochSecret []byte) ([]byte, error) {
	return kdf.DeriveSecret(epochSecret, "confirm")
}

func applicationSecret(epochSecret []byte) ([]byte, error) {
	return kdf.DeriveSecret(epochSecret, "application")
}

// senderKey gives every member its own application key within an epoch.
func senderKey(appSecret []byte, sender model.InstallationID) ([]byte, error) {
	return kdf.ExpandWithLabel(appSecret, "sender", sender, kdf.Size)
}

// secretAAD binds a sealed commit secret to the group and the epoch it advances.
func secretAAD(groupID model.GroupID, epoch uint64) []byte {
	out := make([]byte, 0, len(groupID)+8)
	out = append(out, groupID...)
	return binary.BigEndian.AppendUint64(out, epoch)
}
