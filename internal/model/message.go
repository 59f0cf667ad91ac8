package model

import "fmt"

type (
	DeliveryStatus int

	// EncodedContent is the plaintext carried inside an application message.
	// Type selects the codec; only a handful of control types are
	// interpreted by the group engine itself.
	EncodedContent struct {
		Type       string `cbor:"1,keyasint" json:"type"`
		Content    []byte `cbor:"2,keyasint" json:"content"`
		ShouldPush bool   `cbor:"3,keyasint,omitempty" json:"should_push,omitempty"`
	}

	// StoredMessage is a decrypted application message kept locally.
	StoredMessage struct {
		ID                   []byte
		GroupID              GroupID
		SenderInboxID        InboxID
		SenderInstallationID InstallationID
		Content              EncodedContent
		SentNS               int64
		Cursor               Cursor
		Delivery             DeliveryStatus
	}

	// MembershipChange is the content of the local record kept for a
	// commit that changed the roster.
	MembershipChange struct {
		Initiator InboxID   `cbor:"1,keyasint" json:"initiator"`
		Added     []InboxID `cbor:"2,keyasint,omitempty" json:"added,omitempty"`
		Removed   []InboxID `cbor:"3,keyasint,omitempty" json:"removed,omitempty"`
	}

	// RecoveryRequest is sent by an installation that believes it is forked.
	// It travels in the clear on the group's commit log topic, since the
	// sender cannot assume the others can decrypt its application messages.
	RecoveryRequest struct {
		RequestID    string         `cbor:"1,keyasint"`
		GroupID      GroupID        `cbor:"2,keyasint"`
		Installation InstallationID `cbor:"3,keyasint"`
		Epoch        uint64         `cbor:"4,keyasint"`
		RequestedNS  int64          `cbor:"5,keyasint"`
		// Attempt counts earlier requests for the same fork; it picks
		// which member answers.
		Attempt uint32 `cbor:"6,keyasint,omitempty"`
	}

	// SignedRecoveryRequest carries an encoded RecoveryRequest signed with
	// the requesting installation's key.
	SignedRecoveryRequest struct {
		Request   []byte `cbor:"1,keyasint"`
		Signature []byte `cbor:"2,keyasint"`
	}
)

const (
	ContentTypeText            = "text"
	ContentTypeMembershipEvent = "membership_change"
)

const (
	DeliveryUnpublished DeliveryStatus = iota + 1
	DeliveryPublished
)

func (d DeliveryStatus) String() string {
	switch d {
	case DeliveryUnpublished:
		return "unpublished"
	case DeliveryPublished:
		return "published"
	default:
		return fmt.Sprintf("unknown(%d)", int(d))
	}
}

func TextContent(s string) EncodedContent {
	return EncodedContent{Type: ContentTypeText, Content: []byte(s)}
}
