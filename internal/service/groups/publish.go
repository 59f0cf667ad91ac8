package groups

import (
	"context"
	"e2e_group/internal/codec"
	"e2e_group/internal/model"
	"e2e_group/internal/protocol/keypackage"
	"e2e_group/internal/protocol/mls"
	"e2e_group/internal/service/intents"
	"fmt"
	"slices"

	"go.uber.org/zap"
)

// publishNext turns the intent at the head of the group's queue into a
// commit or an application message and publishes it. It reports whether
// the queue moved; a retryable failure leaves the intent in place and
// reports no progress so the caller backs off.
func (m *Manager) publishNext(ctx context.Context, s *session) (bool, error) {
	in, err := m.queue.NextReady(ctx, s.stored.ID)
	if err != nil || in == nil {
		return false, err
	}
	if in.State == model.IntentPublished {
		return m.republish(ctx, s, in)
	}
	data, err := model.DecodeIntentData(in.Kind, in.Data)
	if err != nil {
		return m.fail(ctx, in, err)
	}
	if !s.group.Active() {
		return m.fail(ctx, in, ErrInactive)
	}
	if send, ok := data.(model.SendMessageData); ok {
		return m.publishMessage(ctx, s, in, send)
	}
	return m.publishCommit(ctx, s, in, data)
}

func (m *Manager) fail(ctx context.Context, in *model.Intent, cause error) (bool, error) {
	state, err := m.queue.Mark(ctx, in.ID, intents.Failed(cause))
	if err != nil {
		return false, err
	}
	return state == model.IntentError, nil
}

func (m *Manager) clientEnvelope(s *session, payload []byte) model.ClientEnvelope {
	return model.ClientEnvelope{
		AAD: model.AuthenticatedData{
			TargetTopic: s.topic.Bytes(),
			DependsOn:   m.resolver.Mark(s.topic),
		},
		Payload: payload,
	}
}

func (m *Manager) publishMessage(ctx context.Context, s *session, in *model.Intent, d model.SendMessageData) (bool, error) {
	var content model.EncodedContent
	if err := codec.Unmarshal(d.Content, &content); err != nil {
		return m.fail(ctx, in, fmt.Errorf("decode message content: %w", err))
	}
	ciphertext, err := s.group.EncryptApplication(d.Content)
	if err != nil {
		return m.fail(ctx, in, err)
	}
	hash := payloadHash(ciphertext)
	msg := &model.StoredMessage{
		ID:                   hash,
		GroupID:              s.stored.ID,
		SenderInboxID:        m.InboxID(),
		SenderInstallationID: m.InstallationID(),
		Content:              content,
		SentNS:               m.now().UnixNano(),
		Delivery:             model.DeliveryUnpublished,
	}
	if _, err := m.store.InsertMessage(ctx, msg); err != nil {
		return false, err
	}
	if _, err := m.queue.Mark(ctx, in.ID, intents.Published(hash, nil, s.group.Epoch())); err != nil {
		return false, err
	}

	envs, err := m.backend.PublishEnvelopes(ctx, m.clientEnvelope(s, ciphertext))
	if err != nil {
		if derr := m.store.DeleteMessage(ctx, hash); derr != nil {
			return false, derr
		}
		return m.fail(ctx, in, err)
	}
	if len(envs) > 0 {
		if err := m.store.MarkMessagePublished(ctx, hash, envs[0].Cursor, envs[0].OriginatorNS); err != nil {
			return false, err
		}
	}
	_, err = m.queue.Mark(ctx, in.ID, intents.Committed())
	return err == nil, err
}

func (m *Manager) publishCommit(ctx context.Context, s *session, in *model.Intent, data model.IntentData) (bool, error) {
	proposals, err := m.proposals(ctx, s, data)
	if err != nil {
		return m.fail(ctx, in, err)
	}
	if len(proposals) == 0 && data.Kind() != model.IntentKeyUpdate {
		m.logger.Debug("intent is a no-op", zap.Stringer("group", s.stored.ID), zap.Int64("intent", int64(in.ID)))
		_, err := m.queue.Mark(ctx, in.ID, intents.Committed())
		return err == nil, err
	}

	sc, err := s.group.CreateCommit(proposals...)
	if err != nil {
		return m.fail(ctx, in, err)
	}
	staged, err := codec.Marshal(sc)
	if err != nil {
		return m.fail(ctx, in, err)
	}
	// Recorded before publishing so the echo is recognised even if this
	// process dies in between.
	hash := payloadHash(sc.Message)
	if _, err := m.queue.Mark(ctx, in.ID, intents.Published(hash, staged, s.group.Epoch())); err != nil {
		return false, err
	}
	return m.sendCommit(ctx, s, in, sc)
}

// republish handles a commit whose publish call failed. While the group is
// still at the epoch the commit was built on, the same bytes go out again,
// so a copy the backend did store is merged rather than shadowed by a
// rebuilt commit. Once another commit has moved the group on, the original
// lost its epoch everywhere and the intent is rebuilt.
func (m *Manager) republish(ctx context.Context, s *session, in *model.Intent) (bool, error) {
	if in.PublishedInEpoch != s.group.Epoch() {
		m.logger.Info("unacknowledged commit lost its epoch, rebuilding intent",
			zap.Stringer("group", s.stored.ID), zap.Int64("intent", int64(in.ID)),
			zap.Uint64("built_on", in.PublishedInEpoch), zap.Uint64("epoch", s.group.Epoch()))
		return true, m.queue.Reset(ctx, in.ID)
	}
	var sc mls.StagedCommit
	if err := codec.Unmarshal(in.StagedCommit, &sc); err != nil {
		return m.fail(ctx, in, fmt.Errorf("decode staged commit: %w", err))
	}
	return m.sendCommit(ctx, s, in, &sc)
}

func (m *Manager) sendCommit(ctx context.Context, s *session, in *model.Intent, sc *mls.StagedCommit) (bool, error) {
	if _, err := m.backend.PublishEnvelopes(ctx, m.clientEnvelope(s, sc.Message)); err != nil {
		m.logger.Warn("publishing commit failed",
			zap.Stringer("group", s.stored.ID), zap.Int64("intent", int64(in.ID)), zap.Error(err))
		state, merr := m.queue.Mark(ctx, in.ID, intents.Unacknowledged(err))
		if merr != nil {
			return false, merr
		}
		return state == model.IntentError, nil
	}
	if in.Unacknowledged {
		out := intents.Published(in.PayloadHash, in.StagedCommit, in.PublishedInEpoch)
		if _, err := m.queue.Mark(ctx, in.ID, out); err != nil {
			return false, err
		}
	}
	m.logger.Debug("commit published",
		zap.Stringer("group", s.stored.ID), zap.Int64("intent", int64(in.ID)),
		zap.Uint64("epoch", sc.BaseEpoch), zap.String("type", sc.Type()))
	return true, nil
}

// proposals maps an intent onto the proposals of its commit.
func (m *Manager) proposals(ctx context.Context, s *session, data model.IntentData) ([]mls.Proposal, error) {
	gc := s.group.Context()
	self := m.InboxID()
	switch d := data.(type) {
	case model.UpdateMembershipData:
		return m.membershipProposals(ctx, s, d)
	case model.KeyUpdateData:
		return nil, nil
	case model.MetadataUpdateData:
		next := gc.Clone()
		next.Metadata[d.Field] = d.Value
		return contextProposal(gc, next, self)
	case model.AdminListUpdateData:
		next := gc.Clone()
		switch d.Action {
		case model.AdminAdd:
			next.Admins = appendMissing(next.Admins, d.InboxID)
		case model.AdminRemove:
			next.Admins = slices.DeleteFunc(next.Admins, func(i model.InboxID) bool { return i == d.InboxID })
		case model.SuperAdminAdd:
			next.SuperAdmins = appendMissing(next.SuperAdmins, d.InboxID)
		case model.SuperAdminRemove:
			next.SuperAdmins = slices.DeleteFunc(next.SuperAdmins, func(i model.InboxID) bool { return i == d.InboxID })
		default:
			return nil, fmt.Errorf("unknown admin action %d", int(d.Action))
		}
		return contextProposal(gc, next, self)
	case model.PermissionUpdateData:
		next := gc.Clone()
		if err := next.Policies.Set(d.Operation, d.Policy); err != nil {
			return nil, err
		}
		return contextProposal(gc, next, self)
	default:
		return nil, fmt.Errorf("%w: %T", model.ErrUnknownIntent, data)
	}
}

func contextProposal(old, next model.GroupContext, actor model.InboxID) ([]mls.Proposal, error) {
	if err := authorizeContext(old, next, actor); err != nil {
		return nil, err
	}
	return []mls.Proposal{mls.UpdateContext(next)}, nil
}

func appendMissing(list []model.InboxID, inbox model.InboxID) []model.InboxID {
	if slices.Contains(list, inbox) {
		return list
	}
	return append(list, inbox)
}

func (m *Manager) membershipProposals(ctx context.Context, s *session, d model.UpdateMembershipData) ([]mls.Proposal, error) {
	gc := s.group.Context()
	self := m.InboxID()
	members := s.group.Members()
	isMember := func(inst model.InstallationID) bool {
		return slices.ContainsFunc(members, func(mem mls.Member) bool { return mem.Installation.Equal(inst) })
	}

	var out []mls.Proposal
	if len(d.AddInboxes) > 0 {
		if err := require(gc, self, model.OperationAddMember); err != nil {
			return nil, err
		}
		kps, err := m.backend.FetchKeyPackages(ctx, d.AddInboxes)
		if err != nil {
			return nil, fmt.Errorf("fetch key packages: %w", err)
		}
		found := map[model.InboxID]bool{}
		for _, kp := range latestPerInstallation(kps) {
			if err := kp.Verify(m.now()); err != nil {
				m.logger.Warn("skipping invalid key package",
					zap.String("inbox", string(kp.Credential.InboxID)), zap.Error(err))
				continue
			}
			found[kp.Credential.InboxID] = true
			if isMember(kp.Credential.InstallationKey) {
				continue
			}
			out = append(out, mls.Add(kp))
		}
		for _, inbox := range d.AddInboxes {
			if !found[inbox] {
				return nil, fmt.Errorf("%w: inbox %s", ErrNoKeyPackages, inbox)
			}
		}
	}

	if len(d.RemoveInboxes) > 0 {
		if err := require(gc, self, model.OperationRemoveMember); err != nil {
			return nil, err
		}
		for _, mem := range members {
			if mem.Installation.Equal(m.InstallationID()) || !slices.Contains(d.RemoveInboxes, mem.InboxID) {
				continue
			}
			out = append(out, mls.Remove(mem.Installation))
		}
	}

	for _, inst := range d.ReaddInstallations {
		idx := slices.IndexFunc(members, func(mem mls.Member) bool { return mem.Installation.Equal(inst) })
		if idx < 0 {
			continue
		}
		kps, err := m.backend.FetchKeyPackages(ctx, []model.InboxID{members[idx].InboxID})
		if err != nil {
			return nil, fmt.Errorf("fetch key packages: %w", err)
		}
		latest := latestPerInstallation(kps)
		kpIdx := slices.IndexFunc(latest, func(kp *keypackage.KeyPackage) bool {
			return inst.Equal(kp.Credential.InstallationKey) && kp.Verify(m.now()) == nil
		})
		if kpIdx < 0 {
			return nil, fmt.Errorf("%w: installation %s", ErrNoKeyPackages, inst)
		}
		out = append(out, mls.Remove(inst), mls.Add(latest[kpIdx]))
	}
	return out, nil
}

// latestPerInstallation keeps the key package with the latest expiry for
// each installation.
func latestPerInstallation(kps []*keypackage.KeyPackage) []*keypackage.KeyPackage {
	var out []*keypackage.KeyPackage
	for _, kp := range kps {
		idx := slices.IndexFunc(out, func(o *keypackage.KeyPackage) bool {
			return model.InstallationID(o.Credential.InstallationKey).Equal(kp.Credential.InstallationKey)
		})
		switch {
		case idx < 0:
			out = append(out, kp)
		case kp.NotAfterNS > out[idx].NotAfterNS:
			out[idx] = kp
		}
	}
	return out
}
