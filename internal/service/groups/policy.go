package groups

import (
	"e2e_group/internal/model"
	"e2e_group/internal/protocol/mls"
	"fmt"
	"maps"
	"slices"
)

func denied(actor model.InboxID, op model.PermissionOperation) error {
	return fmt.Errorf("%w: %s may not %s", ErrNotPermitted, actor, op)
}

func require(gc model.GroupContext, actor model.InboxID, op model.PermissionOperation) error {
	if !gc.Allows(actor, op) {
		return denied(actor, op)
	}
	return nil
}

// authorize checks a staged remote commit against the policy of the
// context it was built on. Re-adding an existing installation is not a
// membership change.
func authorize(before model.GroupContext, sc *mls.StagedCommit) error {
	actor := sc.SenderInboxID
	readded := readdedInstallations(sc)
	if len(sc.Added) > len(readded) {
		if err := require(before, actor, model.OperationAddMember); err != nil {
			return err
		}
	}
	if len(sc.Removed) > len(readded) {
		if err := require(before, actor, model.OperationRemoveMember); err != nil {
			return err
		}
	}
	if sc.ContextChanged {
		return authorizeContext(before, sc.Next.Context, actor)
	}
	return nil
}

// authorizeContext checks every difference between two group contexts
// against the policy of the old one.
func authorizeContext(old, next model.GroupContext, actor model.InboxID) error {
	if !maps.Equal(old.Metadata, next.Metadata) {
		if err := require(old, actor, model.OperationUpdateMetadata); err != nil {
			return err
		}
	}
	added, removed := diff(old.Admins, next.Admins)
	if len(added) > 0 {
		if err := require(old, actor, model.OperationAddAdmin); err != nil {
			return err
		}
	}
	if len(removed) > 0 {
		if err := require(old, actor, model.OperationRemoveAdmin); err != nil {
			return err
		}
	}
	added, removed = diff(old.SuperAdmins, next.SuperAdmins)
	if len(added)+len(removed) > 0 && !old.IsSuperAdmin(actor) {
		return fmt.Errorf("%w: %s is not a super admin", ErrNotPermitted, actor)
	}
	if len(next.SuperAdmins) == 0 {
		return fmt.Errorf("%w: group must keep a super admin", ErrNotPermitted)
	}
	if old.Policies != next.Policies {
		if err := require(old, actor, model.OperationUpdatePermissions); err != nil {
			return err
		}
	}
	return nil
}

func diff(old, next []model.InboxID) (added, removed []model.InboxID) {
	for _, n := range next {
		if !slices.Contains(old, n) {
			added = append(added, n)
		}
	}
	for _, o := range old {
		if !slices.Contains(next, o) {
			removed = append(removed, o)
		}
	}
	return added, removed
}
