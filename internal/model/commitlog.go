package model

import "fmt"

type (
	CommitResult int

	// CommitLogEntry records the outcome of one processed or attempted commit.
	CommitLogEntry struct {
		ID                        int64        `cbor:"-" json:"-"`
		GroupID                   GroupID      `cbor:"1,keyasint" json:"group_id"`
		CommitSequenceID          uint64       `cbor:"2,keyasint" json:"commit_sequence_id"`
		OriginatorID              uint32       `cbor:"3,keyasint" json:"originator_id"`
		LastEpochAuthenticator    []byte       `cbor:"4,keyasint" json:"last_epoch_authenticator"`
		Result                    CommitResult `cbor:"5,keyasint" json:"result"`
		AppliedEpochNumber        uint64       `cbor:"6,keyasint" json:"applied_epoch_number"`
		AppliedEpochAuthenticator []byte       `cbor:"7,keyasint" json:"applied_epoch_authenticator"`
		SenderInboxID             InboxID      `cbor:"8,keyasint,omitempty" json:"sender_inbox_id"`
		SenderInstallationID      []byte       `cbor:"9,keyasint,omitempty" json:"sender_installation_id"`
		CommitType                string       `cbor:"10,keyasint,omitempty" json:"commit_type"`
		Error                     string       `cbor:"11,keyasint,omitempty" json:"error,omitempty"`
		TimestampNS               int64        `cbor:"12,keyasint" json:"timestamp_ns"`
	}

	// RemoteCommitLogEntry is one installation's published log entry as
	// returned by the backend, stamped with its position in the remote log.
	RemoteCommitLogEntry struct {
		LogSequenceID uint64         `cbor:"1,keyasint" json:"log_sequence_id"`
		Publisher     []byte         `cbor:"2,keyasint" json:"publisher"`
		Entry         CommitLogEntry `cbor:"3,keyasint" json:"entry"`
	}

	// ForkDetails explains why a group is flagged maybe_forked.
	ForkDetails struct {
		Epoch               uint64 `json:"epoch"`
		LocalAuthenticator  []byte `json:"local_authenticator"`
		RemoteAuthenticator []byte `json:"remote_authenticator,omitempty"`
		Agreeing            int    `json:"agreeing"`
		Disagreeing         int    `json:"disagreeing"`
		Reason              string `json:"reason"`
	}
)

// CommitTypeWelcome marks the local entry recorded when a welcome puts
// this installation into an epoch without a commit.
const CommitTypeWelcome = "welcome"

const (
	CommitSuccess CommitResult = iota + 1
	CommitInvalid
	CommitWrongEpoch
)

func (r CommitResult) String() string {
	switch r {
	case CommitSuccess:
		return "success"
	case CommitInvalid:
		return "invalid"
	case CommitWrongEpoch:
		return "wrong_epoch"
	default:
		return fmt.Sprintf("unknown(%d)", int(r))
	}
}
