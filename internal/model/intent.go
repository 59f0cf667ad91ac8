package model

import (
	"e2e_group/internal/codec"
	"errors"
	"fmt"
)

type (
	IntentID    int64
	IntentKind  int
	IntentState int

	// Intent is a queued local group operation that has not been committed yet.
	Intent struct {
		ID               IntentID
		GroupID          GroupID
		Kind             IntentKind
		Data             []byte
		State            IntentState
		PublishAttempts  int
		PayloadHash      []byte
		StagedCommit     []byte
		PublishedInEpoch uint64
		// Unacknowledged is set while the backend may or may not hold the
		// published payload.
		Unacknowledged bool
		ShouldPush     bool
		Error            string
		CreatedNS        int64
	}

	// IntentData is the closed set of intent payloads. Each variant maps to
	// exactly one IntentKind.
	IntentData interface {
		Kind() IntentKind
		isIntentData()
	}

	SendMessageData struct {
		Content []byte `cbor:"1,keyasint"`
	}

	UpdateMembershipData struct {
		AddInboxes         []InboxID        `cbor:"1,keyasint,omitempty"`
		RemoveInboxes      []InboxID        `cbor:"2,keyasint,omitempty"`
		ReaddInstallations []InstallationID `cbor:"3,keyasint,omitempty"`
	}

	KeyUpdateData struct{}

	MetadataUpdateData struct {
		Field string `cbor:"1,keyasint"`
		Value string `cbor:"2,keyasint"`
	}

	AdminListUpdateData struct {
		Action  AdminAction `cbor:"1,keyasint"`
		InboxID InboxID     `cbor:"2,keyasint"`
	}

	PermissionUpdateData struct {
		Operation PermissionOperation `cbor:"1,keyasint"`
		Policy    PermissionPolicy    `cbor:"2,keyasint"`
	}

	AdminAction int

	intentEnvelope struct {
		Send       *SendMessageData      `cbor:"1,keyasint,omitempty"`
		Membership *UpdateMembershipData `cbor:"2,keyasint,omitempty"`
		KeyUpdate  *KeyUpdateData        `cbor:"3,keyasint,omitempty"`
		Metadata   *MetadataUpdateData   `cbor:"4,keyasint,omitempty"`
		Admins     *AdminListUpdateData  `cbor:"5,keyasint,omitempty"`
		Permission *PermissionUpdateData `cbor:"6,keyasint,omitempty"`
	}
)

const (
	IntentSendMessage IntentKind = iota + 1
	IntentUpdateMembership
	IntentKeyUpdate
	IntentMetadataUpdate
	IntentAdminListUpdate
	IntentPermissionUpdate
)

const (
	IntentToPublish IntentState = iota + 1
	IntentPublished
	IntentCommitted
	IntentError
)

const (
	AdminAdd AdminAction = iota + 1
	AdminRemove
	SuperAdminAdd
	SuperAdminRemove
)

var ErrUnknownIntent = errors.New("unknown intent kind")

func (k IntentKind) String() string {
	switch k {
	case IntentSendMessage:
		return "send_message"
	case IntentUpdateMembership:
		return "update_membership"
	case IntentKeyUpdate:
		return "key_update"
	case IntentMetadataUpdate:
		return "metadata_update"
	case IntentAdminListUpdate:
		return "admin_list_update"
	case IntentPermissionUpdate:
		return "permission_update"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// IsCommit reports whether intents of this kind produce an MLS commit
// rather than an application message.
func (k IntentKind) IsCommit() bool { return k != IntentSendMessage }

func (s IntentState) String() string {
	switch s {
	case IntentToPublish:
		return "to_publish"
	case IntentPublished:
		return "published"
	case IntentCommitted:
		return "committed"
	case IntentError:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Retired reports whether the intent will not be processed again.
func (s IntentState) Retired() bool { return s == IntentCommitted || s == IntentError }

func (SendMessageData) Kind() IntentKind      { return IntentSendMessage }
func (UpdateMembershipData) Kind() IntentKind { return IntentUpdateMembership }
func (KeyUpdateData) Kind() IntentKind        { return IntentKeyUpdate }
func (MetadataUpdateData) Kind() IntentKind   { return IntentMetadataUpdate }
func (AdminListUpdateData) Kind() IntentKind  { return IntentAdminListUpdate }
func (PermissionUpdateData) Kind() IntentKind { return IntentPermissionUpdate }

func (SendMessageData) isIntentData()      {}
func (UpdateMembershipData) isIntentData() {}
func (KeyUpdateData) isIntentData()        {}
func (MetadataUpdateData) isIntentData()   {}
func (AdminListUpdateData) isIntentData()  {}
func (PermissionUpdateData) isIntentData() {}

func EncodeIntentData(d IntentData) ([]byte, error) {
	var env intentEnvelope
	switch v := d.(type) {
	case SendMessageData:
		env.Send = &v
	case UpdateMembershipData:
		env.Membership = &v
	case KeyUpdateData:
		env.KeyUpdate = &v
	case MetadataUpdateData:
		env.Metadata = &v
	case AdminListUpdateData:
		env.Admins = &v
	case PermissionUpdateData:
		env.Permission = &v
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownIntent, d)
	}
	return codec.Marshal(env)
}

func DecodeIntentData(kind IntentKind, b []byte) (IntentData, error) {
	var env intentEnvelope
	if err := codec.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("decode %s intent: %w", kind, err)
	}
	var d IntentData
	switch kind {
	case IntentSendMessage:
		if env.Send != nil {
			d = *env.Send
		}
	case IntentUpdateMembership:
		if env.Membership != nil {
			d = *env.Membership
		}
	case IntentKeyUpdate:
		if env.KeyUpdate != nil {
			d = *env.KeyUpdate
		}
	case IntentMetadataUpdate:
		if env.Metadata != nil {
			d = *env.Metadata
		}
	case IntentAdminListUpdate:
		if env.Admins != nil {
			d = *env.Admins
		}
	case IntentPermissionUpdate:
		if env.Permission != nil {
			d = *env.Permission
		}
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownIntent, int(kind))
	}
	if d == nil {
		return nil, fmt.Errorf("%w: %s payload missing", ErrUnknownIntent, kind)
	}
	return d, nil
}
