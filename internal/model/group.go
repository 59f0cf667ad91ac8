package model

import (
	"fmt"
	"slices"
)

type (
	MembershipState int

	PermissionPolicy    int
	PermissionOperation int

	// PolicySet decides who may perform each group-context change.
	PolicySet struct {
		AddMember         PermissionPolicy `cbor:"1,keyasint"`
		RemoveMember      PermissionPolicy `cbor:"2,keyasint"`
		UpdateMetadata    PermissionPolicy `cbor:"3,keyasint"`
		AddAdmin          PermissionPolicy `cbor:"4,keyasint"`
		RemoveAdmin       PermissionPolicy `cbor:"5,keyasint"`
		UpdatePermissions PermissionPolicy `cbor:"6,keyasint"`
	}

	// GroupContext is the mutable group state carried in the MLS group
	// context extensions: metadata, admin lists and the permission policy.
	GroupContext struct {
		Metadata    map[string]string `cbor:"1,keyasint,omitempty"`
		Admins      []InboxID         `cbor:"2,keyasint,omitempty"`
		SuperAdmins []InboxID         `cbor:"3,keyasint,omitempty"`
		Policies    PolicySet         `cbor:"4,keyasint"`
	}

	// StoredGroup is the persisted per-group record.
	StoredGroup struct {
		ID                  GroupID
		MLSState            []byte
		Membership          MembershipState
		CreatedNS           int64
		AddedByInboxID      InboxID
		MaybeForked         bool
		ForkDetails         string
		RecoveryRequestedNS int64
		WelcomeSequenceID   uint64
		// RecoveryAttempts counts recovery requests sent since the last
		// fork was repaired.
		RecoveryAttempts uint32
	}
)

const (
	MembershipAllowed MembershipState = iota + 1
	MembershipPending
	MembershipRestored
	MembershipRejected
)

const (
	PolicyAllow PermissionPolicy = iota + 1
	PolicyDeny
	PolicyAdminOnly
	PolicySuperAdminOnly
)

const (
	OperationAddMember PermissionOperation = iota + 1
	OperationRemoveMember
	OperationUpdateMetadata
	OperationAddAdmin
	OperationRemoveAdmin
	OperationUpdatePermissions
)

const (
	MetadataGroupName        = "group_name"
	MetadataGroupDescription = "description"
	MetadataGroupImageURL    = "group_image_url_square"
)

func (m MembershipState) String() string {
	switch m {
	case MembershipAllowed:
		return "allowed"
	case MembershipPending:
		return "pending"
	case MembershipRestored:
		return "restored"
	case MembershipRejected:
		return "rejected"
	default:
		return fmt.Sprintf("unknown(%d)", int(m))
	}
}

func (o PermissionOperation) String() string {
	switch o {
	case OperationAddMember:
		return "add_member"
	case OperationRemoveMember:
		return "remove_member"
	case OperationUpdateMetadata:
		return "update_metadata"
	case OperationAddAdmin:
		return "add_admin"
	case OperationRemoveAdmin:
		return "remove_admin"
	case OperationUpdatePermissions:
		return "update_permissions"
	default:
		return fmt.Sprintf("unknown(%d)", int(o))
	}
}

func (p PermissionPolicy) String() string {
	switch p {
	case PolicyAllow:
		return "allow"
	case PolicyDeny:
		return "deny"
	case PolicyAdminOnly:
		return "admin_only"
	case PolicySuperAdminOnly:
		return "super_admin_only"
	default:
		return fmt.Sprintf("unknown(%d)", int(p))
	}
}

// DefaultPolicies lets every member add members and edit metadata and
// restricts everything else to admins.
func DefaultPolicies() PolicySet {
	return PolicySet{
		AddMember:         PolicyAllow,
		RemoveMember:      PolicyAdminOnly,
		UpdateMetadata:    PolicyAllow,
		AddAdmin:          PolicySuperAdminOnly,
		RemoveAdmin:       PolicySuperAdminOnly,
		UpdatePermissions: PolicySuperAdminOnly,
	}
}

func NewGroupContext(creator InboxID) GroupContext {
	return GroupContext{
		Metadata:    map[string]string{},
		SuperAdmins: []InboxID{creator},
		Policies:    DefaultPolicies(),
	}
}

func (p PolicySet) For(op PermissionOperation) PermissionPolicy {
	switch op {
	case OperationAddMember:
		return p.AddMember
	case OperationRemoveMember:
		return p.RemoveMember
	case OperationUpdateMetadata:
		return p.UpdateMetadata
	case OperationAddAdmin:
		return p.AddAdmin
	case OperationRemoveAdmin:
		return p.RemoveAdmin
	case OperationUpdatePermissions:
		return p.UpdatePermissions
	default:
		return PolicyDeny
	}
}

func (p *PolicySet) Set(op PermissionOperation, policy PermissionPolicy) error {
	switch op {
	case OperationAddMember:
		p.AddMember = policy
	case OperationRemoveMember:
		p.RemoveMember = policy
	case OperationUpdateMetadata:
		p.UpdateMetadata = policy
	case OperationAddAdmin:
		p.AddAdmin = policy
	case OperationRemoveAdmin:
		p.RemoveAdmin = policy
	case OperationUpdatePermissions:
		p.UpdatePermissions = policy
	default:
		return fmt.Errorf("unknown permission operation %d", int(op))
	}
	return nil
}

func (c GroupContext) IsAdmin(inbox InboxID) bool {
	return slices.Contains(c.Admins, inbox) || c.IsSuperAdmin(inbox)
}

func (c GroupContext) IsSuperAdmin(inbox InboxID) bool {
	return slices.Contains(c.SuperAdmins, inbox)
}

// Allows reports whether actor may perform op under the group's policy.
func (c GroupContext) Allows(actor InboxID, op PermissionOperation) bool {
	switch c.Policies.For(op) {
	case PolicyAllow:
		return true
	case PolicyAdminOnly:
		return c.IsAdmin(actor)
	case PolicySuperAdminOnly:
		return c.IsSuperAdmin(actor)
	default:
		return false
	}
}

func (c GroupContext) Clone() GroupContext {
	out := GroupContext{
		Metadata:    make(map[string]string, len(c.Metadata)),
		Admins:      slices.Clone(c.Admins),
		SuperAdmins: slices.Clone(c.SuperAdmins),
		Policies:    c.Policies,
	}
	for k, v := range c.Metadata {
		out.Metadata[k] = v
	}
	return out
}
