package groups

import (
	"context"
	"e2e_group/internal/codec"
	"e2e_group/internal/model"
	"e2e_group/internal/protocol/mls"
	"e2e_group/internal/service/intents"
	"fmt"

	"go.uber.org/zap"
)

// receive pulls the group topic from the backend and applies whatever the
// resolver releases.
func (m *Manager) receive(ctx context.Context, s *session) ([]*model.StoredMessage, error) {
	ready, err := m.prime(ctx, s)
	if err != nil {
		return nil, err
	}
	envs, err := m.backend.QueryEnvelopes(ctx, s.topic, m.resolver.Mark(s.topic))
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", s.topic, err)
	}
	ready = append(ready, m.resolver.Push(envs...)...)
	ready = append(ready, m.backfill(ctx, s)...)
	return m.applyAll(ctx, s, ready)
}

// prime seeds the resolver with the persisted cursor of the group topic.
func (m *Manager) prime(ctx context.Context, s *session) ([]model.Envelope, error) {
	cursor, err := m.store.Cursor(ctx, s.topic)
	if err != nil {
		return nil, err
	}
	return m.resolver.Advance(s.topic, cursor), nil
}

// backfill fetches the dependencies orphans are waiting on. Failure only
// leaves them buffered for the next sync.
func (m *Manager) backfill(ctx context.Context, s *session) []model.Envelope {
	if len(m.resolver.Missing(s.topic)) == 0 {
		return nil
	}
	envs, err := m.resolver.Resolve(ctx, s.topic)
	if err != nil {
		m.logger.Warn("resolving missing dependencies failed", zap.Stringer("topic", s.topic), zap.Error(err))
		return nil
	}
	return envs
}

func (m *Manager) applyAll(ctx context.Context, s *session, envs []model.Envelope) ([]*model.StoredMessage, error) {
	var out []*model.StoredMessage
	for _, env := range envs {
		msg, err := m.apply(ctx, s, env)
		if err != nil {
			return out, err
		}
		if msg != nil {
			out = append(out, msg)
		}
		if err := m.store.AdvanceCursor(ctx, s.topic, env.Cursor); err != nil {
			return out, err
		}
	}
	return out, nil
}

// apply processes one envelope in dependency order. Only storage errors
// are returned; protocol and crypto failures are logged and recorded.
func (m *Manager) apply(ctx context.Context, s *session, env model.Envelope) (*model.StoredMessage, error) {
	hash := payloadHash(env.Payload)
	own, err := m.queue.FindByPayloadHash(ctx, hash)
	if err != nil {
		return nil, err
	}
	if own != nil && !own.GroupID.Equal(s.stored.ID) {
		own = nil
	}
	if mls.IsCommit(env.Payload) {
		if own != nil && len(own.StagedCommit) > 0 {
			switch own.State {
			case model.IntentCommitted:
				// A republished copy of a commit that is already merged.
				m.logger.Debug("dropping duplicate own commit",
					zap.Stringer("group", s.stored.ID), zap.Stringer("cursor", env.Cursor))
				return nil, nil
			case model.IntentPublished, model.IntentError:
				return m.reconcileOwnCommit(ctx, s, env, own, hash)
			}
		}
		return m.applyCommit(ctx, s, env, hash)
	}
	if own != nil && own.Kind == model.IntentSendMessage {
		return nil, m.store.MarkMessagePublished(ctx, hash, env.Cursor, env.OriginatorNS)
	}
	return m.applyApplication(ctx, s, env, hash)
}

func (m *Manager) applyCommit(ctx context.Context, s *session, env model.Envelope, hash []byte) (*model.StoredMessage, error) {
	entry, err := m.newEntry(s, env)
	if err != nil {
		return nil, err
	}
	before := s.group.Context()

	processed, err := s.group.ProcessMessage(env.Payload)
	if err == nil && processed.Commit == nil {
		err = fmt.Errorf("%w: expected a commit", mls.ErrMalformedMessage)
	}
	if err != nil {
		result := model.CommitInvalid
		if mls.IsWrongEpoch(err) {
			result = model.CommitWrongEpoch
		}
		m.logger.Info("remote commit not applied",
			zap.Stringer("group", s.stored.ID), zap.Stringer("cursor", env.Cursor),
			zap.Stringer("result", result), zap.Error(err))
		return nil, m.record(ctx, s, entry, result, err)
	}

	sc := processed.Commit
	fillSender(&entry, sc)
	if err := authorize(before, sc); err != nil {
		m.logger.Warn("rejecting unauthorized commit",
			zap.Stringer("group", s.stored.ID), zap.String("sender", string(sc.SenderInboxID)), zap.Error(err))
		return nil, m.record(ctx, s, entry, model.CommitInvalid, err)
	}
	if err := s.group.MergeStagedCommit(sc); err != nil {
		return nil, m.record(ctx, s, entry, model.CommitInvalid, err)
	}
	if err := m.save(ctx, s); err != nil {
		return nil, err
	}
	if sc.SelfRemoved {
		m.logger.Info("removed from group", zap.Stringer("group", s.stored.ID), zap.String("by", string(sc.SenderInboxID)))
	}
	if err := m.record(ctx, s, entry, model.CommitSuccess, nil); err != nil {
		return nil, err
	}
	return m.recordMembershipChange(ctx, s, env, sc, hash)
}

// reconcileOwnCommit handles this installation's published commit coming
// back from the backend. It is merged only if nothing else moved the group
// past the epoch it was built on; otherwise the intent is rebuilt.
func (m *Manager) reconcileOwnCommit(ctx context.Context, s *session, env model.Envelope, in *model.Intent, hash []byte) (*model.StoredMessage, error) {
	entry, err := m.newEntry(s, env)
	if err != nil {
		return nil, err
	}
	var sc mls.StagedCommit
	if err := codec.Unmarshal(in.StagedCommit, &sc); err != nil {
		if _, merr := m.queue.Mark(ctx, in.ID, intents.Failed(err)); merr != nil {
			return nil, merr
		}
		return nil, m.record(ctx, s, entry, model.CommitInvalid, fmt.Errorf("decode staged commit: %w", err))
	}
	fillSender(&entry, &sc)

	if sc.BaseEpoch != s.group.Epoch() {
		lost := fmt.Errorf("%w: built on epoch %d, group at %d", mls.ErrWrongEpoch, sc.BaseEpoch, s.group.Epoch())
		m.logger.Info("own commit lost the epoch, requeueing intent",
			zap.Stringer("group", s.stored.ID), zap.Int64("intent", int64(in.ID)), zap.Error(lost))
		if err := m.record(ctx, s, entry, model.CommitWrongEpoch, lost); err != nil {
			return nil, err
		}
		if in.State != model.IntentPublished {
			return nil, nil
		}
		return nil, m.queue.Reset(ctx, in.ID)
	}

	if err := s.group.MergeStagedCommit(&sc); err != nil {
		if _, merr := m.queue.Mark(ctx, in.ID, intents.Failed(err)); merr != nil {
			return nil, merr
		}
		return nil, m.record(ctx, s, entry, model.CommitInvalid, err)
	}
	if err := m.save(ctx, s); err != nil {
		return nil, err
	}
	if err := m.record(ctx, s, entry, model.CommitSuccess, nil); err != nil {
		return nil, err
	}
	if _, err := m.queue.Mark(ctx, in.ID, intents.Committed()); err != nil {
		return nil, err
	}
	m.logger.Debug("own commit merged",
		zap.Stringer("group", s.stored.ID), zap.Uint64("epoch", s.group.Epoch()), zap.String("type", sc.Type()))

	if len(sc.Welcomes) > 0 {
		for i := range sc.Welcomes {
			sc.Welcomes[i].AddedByInboxID = m.InboxID()
		}
		// The commit is final at this point; a lost welcome only delays the
		// joiner until the member is re-added.
		if err := m.backend.SendWelcomes(ctx, sc.Welcomes); err != nil {
			m.logger.Error("sending welcomes failed", zap.Stringer("group", s.stored.ID), zap.Error(err))
		}
	}
	return m.recordMembershipChange(ctx, s, env, &sc, hash)
}

func (m *Manager) applyApplication(ctx context.Context, s *session, env model.Envelope, hash []byte) (*model.StoredMessage, error) {
	processed, err := s.group.ProcessMessage(env.Payload)
	if err != nil || processed.Application == nil {
		m.logger.Debug("skipping undecryptable message",
			zap.Stringer("group", s.stored.ID), zap.Stringer("cursor", env.Cursor), zap.Error(err))
		return nil, nil
	}
	app := processed.Application
	var content model.EncodedContent
	if err := codec.Unmarshal(app.Plaintext, &content); err != nil {
		m.logger.Warn("skipping message with malformed content",
			zap.Stringer("group", s.stored.ID), zap.Stringer("cursor", env.Cursor), zap.Error(err))
		return nil, nil
	}
	msg := &model.StoredMessage{
		ID:                   hash,
		GroupID:              s.stored.ID,
		SenderInboxID:        app.SenderInboxID,
		SenderInstallationID: app.Sender,
		Content:              content,
		SentNS:               env.OriginatorNS,
		Cursor:               env.Cursor,
		Delivery:             model.DeliveryPublished,
	}
	inserted, err := m.store.InsertMessage(ctx, msg)
	if err != nil || !inserted {
		return nil, err
	}
	return msg, nil
}

// newEntry starts a commit log entry from the group's state before the
// commit is applied.
func (m *Manager) newEntry(s *session, env model.Envelope) (model.CommitLogEntry, error) {
	auth, err := s.group.EpochAuthenticator()
	if err != nil {
		return model.CommitLogEntry{}, err
	}
	return model.CommitLogEntry{
		GroupID:                s.stored.ID,
		CommitSequenceID:       env.Cursor.SequenceID,
		OriginatorID:           env.Cursor.OriginatorID,
		LastEpochAuthenticator: auth,
		TimestampNS:            env.OriginatorNS,
	}, nil
}

func fillSender(e *model.CommitLogEntry, sc *mls.StagedCommit) {
	e.SenderInboxID = sc.SenderInboxID
	e.SenderInstallationID = sc.Sender
	e.CommitType = sc.Type()
}

// record completes entry with the group's state after the attempt and
// appends it to the local commit log.
func (m *Manager) record(ctx context.Context, s *session, e model.CommitLogEntry, result model.CommitResult, cause error) error {
	e.Result = result
	e.AppliedEpochNumber = s.group.Epoch()
	if s.group.Active() {
		auth, err := s.group.EpochAuthenticator()
		if err != nil {
			return err
		}
		e.AppliedEpochAuthenticator = auth
	}
	if cause != nil {
		e.Error = cause.Error()
	}
	inserted, err := m.store.AppendLocalCommitLog(ctx, &e)
	if err != nil {
		return err
	}
	if !inserted {
		m.logger.Debug("commit already logged",
			zap.Stringer("group", s.stored.ID), zap.Uint64("sequence_id", e.CommitSequenceID))
	}
	return nil
}

// recordMembershipChange keeps a local message for commits that changed
// the roster.
func (m *Manager) recordMembershipChange(ctx context.Context, s *session, env model.Envelope, sc *mls.StagedCommit, hash []byte) (*model.StoredMessage, error) {
	added, removed := rosterChange(sc)
	if len(added) == 0 && len(removed) == 0 {
		return nil, nil
	}
	body, err := codec.Marshal(model.MembershipChange{Initiator: sc.SenderInboxID, Added: added, Removed: removed})
	if err != nil {
		return nil, err
	}
	msg := &model.StoredMessage{
		ID:                   hash,
		GroupID:              s.stored.ID,
		SenderInboxID:        sc.SenderInboxID,
		SenderInstallationID: sc.Sender,
		Content:              model.EncodedContent{Type: model.ContentTypeMembershipEvent, Content: body},
		SentNS:               env.OriginatorNS,
		Cursor:               env.Cursor,
		Delivery:             model.DeliveryPublished,
	}
	inserted, err := m.store.InsertMessage(ctx, msg)
	if err != nil || !inserted {
		return nil, err
	}
	return msg, nil
}

// rosterChange lists the inboxes a commit added and removed, leaving out
// installations that were removed and re-added in the same commit.
func rosterChange(sc *mls.StagedCommit) (added, removed []model.InboxID) {
	readded := readdedInstallations(sc)
	for _, inbox := range sc.InboxesAdded() {
		if !readdedInbox(sc.Added, readded, inbox) {
			added = append(added, inbox)
		}
	}
	for _, inbox := range sc.InboxesRemoved() {
		if !readdedInbox(sc.Removed, readded, inbox) {
			removed = append(removed, inbox)
		}
	}
	return added, removed
}

func readdedInstallations(sc *mls.StagedCommit) map[string]bool {
	out := map[string]bool{}
	for _, a := range sc.Added {
		for _, r := range sc.Removed {
			if a.Installation.Equal(r.Installation) {
				out[string(a.Installation)] = true
			}
		}
	}
	return out
}

// readdedInbox reports whether every installation of inbox in members was re-added.
func readdedInbox(members []mls.Member, readded map[string]bool, inbox model.InboxID) bool {
	for _, mem := range members {
		if mem.InboxID == inbox && !readded[string(mem.Installation)] {
			return false
		}
	}
	return true
}
