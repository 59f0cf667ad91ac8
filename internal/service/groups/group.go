package groups

import (
	"context"
	"e2e_group/internal/codec"
	"e2e_group/internal/model"
	"e2e_group/internal/protocol/mls"
	"e2e_group/internal/service/intents"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

type (
	// Group is a handle on one group. Handles are cheap; all state lives in
	// the store and is loaded under the group's lock.
	Group struct {
		ID model.GroupID
		m  *Manager
	}

	SendOptions struct {
		ShouldPush bool
	}

	DebugInfo struct {
		GroupID             model.GroupID
		Epoch               uint64
		EpochAuthenticator  []byte
		Active              bool
		Members             []mls.Member
		Membership          model.MembershipState
		MaybeForked         bool
		ForkDetails         string
		RecoveryRequestedNS int64
		Cursor              model.GlobalCursor
		Orphans             int
		PendingIntents      int
		LocalCommitLog      []model.CommitLogEntry
		RemoteCommitLog     []model.RemoteCommitLogEntry
	}
)

// Sync receives everything new for the group and publishes its queued
// intents.
func (g *Group) Sync(ctx context.Context) error {
	unlock := g.m.locks.Lock(g.ID)
	defer unlock()
	return g.m.syncLocked(ctx, g.ID)
}

// Send encrypts content to the group and publishes it.
func (g *Group) Send(ctx context.Context, content model.EncodedContent, opts SendOptions) error {
	content.ShouldPush = opts.ShouldPush
	body, err := codec.Marshal(content)
	if err != nil {
		return err
	}
	return g.run(ctx, model.SendMessageData{Content: body}, opts.ShouldPush)
}

func (g *Group) SendText(ctx context.Context, text string) error {
	return g.Send(ctx, model.TextContent(text), SendOptions{ShouldPush: true})
}

func (g *Group) AddMembers(ctx context.Context, inboxes []model.InboxID) error {
	if len(inboxes) == 0 {
		return nil
	}
	if err := g.check(ctx, model.OperationAddMember); err != nil {
		return err
	}
	return g.run(ctx, model.UpdateMembershipData{AddInboxes: inboxes}, true)
}

func (g *Group) RemoveMembers(ctx context.Context, inboxes []model.InboxID) error {
	if len(inboxes) == 0 {
		return nil
	}
	if err := g.check(ctx, model.OperationRemoveMember); err != nil {
		return err
	}
	return g.run(ctx, model.UpdateMembershipData{RemoveInboxes: inboxes}, true)
}

// ReaddInstallations removes and re-adds installations so they are sent a
// fresh welcome.
func (g *Group) ReaddInstallations(ctx context.Context, installations []model.InstallationID) error {
	if len(installations) == 0 {
		return nil
	}
	return g.run(ctx, model.UpdateMembershipData{ReaddInstallations: installations}, false)
}

// RotateKeys commits a self update with a fresh leaf key.
func (g *Group) RotateKeys(ctx context.Context) error {
	return g.run(ctx, model.KeyUpdateData{}, false)
}

func (g *Group) UpdateMetadata(ctx context.Context, field, value string) error {
	if err := g.check(ctx, model.OperationUpdateMetadata); err != nil {
		return err
	}
	return g.run(ctx, model.MetadataUpdateData{Field: field, Value: value}, false)
}

func (g *Group) UpdateAdmins(ctx context.Context, action model.AdminAction, inbox model.InboxID) error {
	return g.run(ctx, model.AdminListUpdateData{Action: action, InboxID: inbox}, false)
}

func (g *Group) UpdatePermissions(ctx context.Context, op model.PermissionOperation, policy model.PermissionPolicy) error {
	if err := g.check(ctx, model.OperationUpdatePermissions); err != nil {
		return err
	}
	return g.run(ctx, model.PermissionUpdateData{Operation: op, Policy: policy}, false)
}

// Messages returns up to limit of the group's latest messages, oldest first.
func (g *Group) Messages(ctx context.Context, limit int) ([]*model.StoredMessage, error) {
	return g.m.store.Messages(ctx, g.ID, limit)
}

func (g *Group) Members(ctx context.Context) ([]mls.Member, error) {
	s, err := g.m.open(ctx, g.ID)
	if err != nil {
		return nil, err
	}
	return s.group.Members(), nil
}

func (g *Group) Context(ctx context.Context) (model.GroupContext, error) {
	s, err := g.m.open(ctx, g.ID)
	if err != nil {
		return model.GroupContext{}, err
	}
	return s.group.Context(), nil
}

// Active reports whether this installation is still a member.
func (g *Group) Active(ctx context.Context) (bool, error) {
	s, err := g.m.open(ctx, g.ID)
	if err != nil {
		return false, err
	}
	return s.group.Active(), nil
}

func (g *Group) Epoch(ctx context.Context) (uint64, error) {
	s, err := g.m.open(ctx, g.ID)
	if err != nil {
		return 0, err
	}
	return s.group.Epoch(), nil
}

func (g *Group) DebugInfo(ctx context.Context) (*DebugInfo, error) {
	s, err := g.m.open(ctx, g.ID)
	if err != nil {
		return nil, err
	}
	auth, err := s.group.EpochAuthenticator()
	if err != nil {
		return nil, err
	}
	cursor, err := g.m.store.Cursor(ctx, s.topic)
	if err != nil {
		return nil, err
	}
	pending, err := g.m.store.PendingIntents(ctx, g.ID)
	if err != nil {
		return nil, err
	}
	local, err := g.m.store.LocalCommitLog(ctx, g.ID, 0)
	if err != nil {
		return nil, err
	}
	remote, err := g.m.store.RemoteCommitLog(ctx, g.ID)
	if err != nil {
		return nil, err
	}
	return &DebugInfo{
		GroupID:             g.ID,
		Epoch:               s.group.Epoch(),
		EpochAuthenticator:  auth,
		Active:              s.group.Active(),
		Members:             s.group.Members(),
		Membership:          s.stored.Membership,
		MaybeForked:         s.stored.MaybeForked,
		ForkDetails:         s.stored.ForkDetails,
		RecoveryRequestedNS: s.stored.RecoveryRequestedNS,
		Cursor:              cursor,
		Orphans:             len(g.m.resolver.Orphans(s.topic)),
		PendingIntents:      len(pending),
		LocalCommitLog:      local,
		RemoteCommitLog:     remote,
	}, nil
}

// check fails fast when the local policy already forbids op. The commit
// builder checks again against the context it builds on.
func (g *Group) check(ctx context.Context, op model.PermissionOperation) error {
	gc, err := g.Context(ctx)
	if err != nil {
		return err
	}
	return require(gc, g.m.InboxID(), op)
}

// run enqueues data and syncs until the resulting intent is committed or
// has failed for good. Rounds after the first wait with exponential backoff
// and release the group lock while waiting.
func (g *Group) run(ctx context.Context, data model.IntentData, shouldPush bool) error {
	id, err := g.m.queue.Enqueue(ctx, g.ID, data, shouldPush)
	if err != nil {
		return err
	}

	bo := g.m.publishBackOff()
	for round := 0; round < maxSyncRounds; round++ {
		if round > 0 {
			if err := wait(ctx, bo.NextBackOff()); err != nil {
				return err
			}
		}
		state, errMsg, err := g.syncRound(ctx, id)
		if err != nil {
			return err
		}
		switch state {
		case model.IntentCommitted:
			return nil
		case model.IntentError:
			return fmt.Errorf("%w: %s", intents.ErrPublishFailed, errMsg)
		}
	}
	return fmt.Errorf("%w: intent %d", ErrUnresolved, id)
}

func (g *Group) syncRound(ctx context.Context, id model.IntentID) (model.IntentState, string, error) {
	unlock := g.m.locks.Lock(g.ID)
	defer unlock()
	if err := g.m.syncLocked(ctx, g.ID); err != nil {
		return 0, "", err
	}
	in, err := g.m.queue.Get(ctx, id)
	if err != nil {
		return 0, "", err
	}
	return in.State, in.Error, nil
}

func (m *Manager) publishBackOff() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = m.retry
	eb.MaxInterval = 20 * m.retry
	eb.RandomizationFactor = 0.2
	eb.MaxElapsedTime = 0
	eb.Reset()
	return eb
}

func wait(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
