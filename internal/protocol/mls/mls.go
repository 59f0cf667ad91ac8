// Package mls defines the group key agreement the group engine runs on and
// ships a compact reference implementation of it. Groups move through
// numbered epochs; every commit derives a new epoch secret from the last
// one, so two members that merged different commits at the same epoch end
// up with different epoch authenticators.
package mls

import (
	"e2e_group/internal/model"
	"e2e_group/internal/protocol/keypackage"
	"errors"
	"slices"
	"strings"
)

var (
	ErrWrongEpoch       = errors.New("wrong epoch")
	ErrEpochTooOld      = errors.New("epoch secrets no longer retained")
	ErrNotMember        = errors.New("sender is not a group member")
	ErrInvalidCommit    = errors.New("invalid commit")
	ErrInvalidWelcome   = errors.New("invalid welcome")
	ErrNotWelcome       = errors.New("message is not a welcome")
	ErrMalformedMessage = errors.New("malformed mls message")
	ErrGroupMismatch    = errors.New("message is for another group")
	ErrOwnCommit        = errors.New("commit was created by this installation")
	ErrInactive         = errors.New("installation is no longer a member")
)

// DefaultMaxPastEpochs is how many previous epochs keep their application
// secrets for late messages.
const DefaultMaxPastEpochs = 3

type (
	Member struct {
		Installation  model.InstallationID `cbor:"1,keyasint"`
		InboxID       model.InboxID        `cbor:"2,keyasint"`
		EncryptionKey []byte               `cbor:"3,keyasint"`
	}

	ProposalKind int

	Proposal struct {
		Kind       ProposalKind           `cbor:"1,keyasint"`
		KeyPackage *keypackage.KeyPackage `cbor:"2,keyasint,omitempty"`
		Remove     model.InstallationID   `cbor:"3,keyasint,omitempty"`
		Context    *model.GroupContext    `cbor:"4,keyasint,omitempty"`
	}

	ApplicationMessage struct {
		Sender        model.InstallationID
		SenderInboxID model.InboxID
		Epoch         uint64
		Plaintext     []byte
	}

	// Processed is the result of ProcessMessage: either a decrypted
	// application message or a remote commit staged for merging.
	Processed struct {
		Application *ApplicationMessage
		Commit      *StagedCommit
	}

	// StagedCommit is a commit that has been built or validated but not
	// merged. Message and Welcomes are only set for local commits.
	StagedCommit struct {
		Message        []byte                 `cbor:"1,keyasint,omitempty"`
		Welcomes       []model.WelcomeMessage `cbor:"2,keyasint,omitempty"`
		BaseEpoch      uint64                 `cbor:"3,keyasint"`
		Sender         model.InstallationID   `cbor:"4,keyasint"`
		SenderInboxID  model.InboxID          `cbor:"5,keyasint,omitempty"`
		Added          []Member               `cbor:"6,keyasint,omitempty"`
		Removed        []Member               `cbor:"7,keyasint,omitempty"`
		ContextChanged bool                   `cbor:"8,keyasint,omitempty"`
		SelfRemoved    bool                   `cbor:"9,keyasint,omitempty"`
		Next           state                  `cbor:"10,keyasint"`
	}

	// Group is one installation's view of an MLS group. Implementations are
	// not safe for concurrent use; callers serialize access per group.
	Group interface {
		ID() model.GroupID
		Self() model.InstallationID
		Epoch() uint64
		EpochAuthenticator() ([]byte, error)
		Members() []Member
		Context() model.GroupContext
		Active() bool

		CreateCommit(proposals ...Proposal) (*StagedCommit, error)
		MergeStagedCommit(sc *StagedCommit) error
		ProcessMessage(data []byte) (*Processed, error)
		EncryptApplication(plaintext []byte) ([]byte, error)

		Export() ([]byte, error)
	}
)

const (
	ProposalAdd ProposalKind = iota + 1
	ProposalRemove
	ProposalGroupContext
)

func Add(kp *keypackage.KeyPackage) Proposal {
	return Proposal{Kind: ProposalAdd, KeyPackage: kp}
}

func Remove(installation model.InstallationID) Proposal {
	return Proposal{Kind: ProposalRemove, Remove: installation}
}

func UpdateContext(ctx model.GroupContext) Proposal {
	return Proposal{Kind: ProposalGroupContext, Context: &ctx}
}

func (m Member) Credential() keypackage.Credential {
	return keypackage.Credential{InboxID: m.InboxID, InstallationKey: m.Installation}
}

// Type names the commit for the commit log.
func (sc *StagedCommit) Type() string {
	var parts []string
	if len(sc.Added) > 0 {
		parts = append(parts, "add_members")
	}
	if len(sc.Removed) > 0 {
		parts = append(parts, "remove_members")
	}
	if sc.ContextChanged {
		parts = append(parts, "update_group_context")
	}
	if len(parts) == 0 {
		return "key_update"
	}
	return strings.Join(parts, "+")
}

// Epoch is the epoch the group enters once the commit is merged.
func (sc *StagedCommit) Epoch() uint64 { return sc.Next.Epoch }

// EpochAuthenticator of the epoch the commit leads to. Empty when the
// local installation was removed by the commit.
func (sc *StagedCommit) EpochAuthenticator() ([]byte, error) {
	if sc.SelfRemoved {
		return nil, nil
	}
	return authenticator(sc.Next.EpochSecret)
}

// InboxesAdded lists the distinct inboxes gaining installations.
func (sc *StagedCommit) InboxesAdded() []model.InboxID { return inboxes(sc.Added) }

func (sc *StagedCommit) InboxesRemoved() []model.InboxID { return inboxes(sc.Removed) }

func inboxes(members []Member) []model.InboxID {
	var out []model.InboxID
	for _, m := range members {
		if !slices.Contains(out, m.InboxID) {
			out = append(out, m.InboxID)
		}
	}
	return out
}
