// Package commitlog publishes this installation's commit log, mirrors the
// logs other installations publish, and flags groups whose epoch
// authenticators diverge from the rest of the group.
package commitlog

import (
	"context"
	"e2e_group/internal/model"
	"e2e_group/internal/repository/store"
	"e2e_group/internal/utils/log"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

type (
	Backend interface {
		PublishCommitLog(ctx context.Context, publisher model.InstallationID, entries []model.CommitLogEntry) error
		QueryCommitLog(ctx context.Context, group model.GroupID, after uint64) ([]model.RemoteCommitLogEntry, error)
	}

	Service struct {
		self    model.InstallationID
		store   *store.Store
		backend Backend
		logger  *zap.Logger
	}
)

func NewService(self model.InstallationID, st *store.Store, backend Backend) *Service {
	return &Service{
		self:    self,
		store:   st,
		backend: backend,
		logger:  log.Named("commitlog"),
	}
}

// Publish uploads the group's local Success entries recorded since the last
// publish. Entries that carry no authenticator tell other installations
// nothing and are skipped.
func (s *Service) Publish(ctx context.Context, group model.GroupID) (int, error) {
	after, err := s.store.PublishedCommitLogID(ctx, group)
	if err != nil {
		return 0, err
	}
	entries, err := s.store.LocalCommitLog(ctx, group, after)
	if err != nil || len(entries) == 0 {
		return 0, err
	}
	var batch []model.CommitLogEntry
	for _, e := range entries {
		if e.Result == model.CommitSuccess && len(e.AppliedEpochAuthenticator) > 0 {
			batch = append(batch, e)
		}
	}
	if len(batch) > 0 {
		if err := s.backend.PublishCommitLog(ctx, s.self, batch); err != nil {
			return 0, fmt.Errorf("publish commit log for group %s: %w", group, err)
		}
	}
	if err := s.store.SetPublishedCommitLogID(ctx, group, entries[len(entries)-1].ID); err != nil {
		return 0, err
	}
	return len(batch), nil
}

// Fetch stores the remote entries published since the last fetch.
func (s *Service) Fetch(ctx context.Context, group model.GroupID) (int, error) {
	after, err := s.store.LastRemoteLogSequenceID(ctx, group)
	if err != nil {
		return 0, err
	}
	entries, err := s.backend.QueryCommitLog(ctx, group, after)
	if err != nil {
		return 0, fmt.Errorf("query commit log for group %s: %w", group, err)
	}
	if len(entries) == 0 {
		return 0, nil
	}
	return len(entries), s.store.InsertRemoteCommitLog(ctx, group, entries)
}

// Detect runs fork detection for a group and flags it when a fork is
// found. A group already flagged is left alone until it is recovered.
func (s *Service) Detect(ctx context.Context, g *model.StoredGroup) (*model.ForkDetails, error) {
	if g.MaybeForked {
		return nil, nil
	}
	local, err := s.store.LocalCommitLog(ctx, g.ID, 0)
	if err != nil {
		return nil, err
	}
	remote, err := s.store.RemoteCommitLog(ctx, g.ID)
	if err != nil {
		return nil, err
	}
	details := DetectFork(s.self, local, remote)
	if details == nil {
		return nil, nil
	}
	raw, err := json.Marshal(details)
	if err != nil {
		return nil, err
	}
	if err := s.store.MarkForked(ctx, g.ID, string(raw)); err != nil {
		return nil, err
	}
	s.logger.Warn("group may be forked",
		zap.Stringer("group", g.ID), zap.Uint64("epoch", details.Epoch),
		zap.Int("agreeing", details.Agreeing), zap.Int("disagreeing", details.Disagreeing),
		zap.String("reason", details.Reason))
	return details, nil
}

// Tick publishes, fetches and checks every group once. Failures in one
// group are logged and the next group is tried; only a lost store
// connection ends the tick early.
func (s *Service) Tick(ctx context.Context) error {
	groups, err := s.store.Groups(ctx)
	if err != nil {
		return err
	}
	for _, g := range groups {
		if g.Membership == model.MembershipRejected {
			continue
		}
		if err := s.tickGroup(ctx, g); err != nil {
			if errors.Is(err, store.ErrNeedsReconnect) || ctx.Err() != nil {
				return err
			}
			s.logger.Warn("commit log tick failed", zap.Stringer("group", g.ID), zap.Error(err))
		}
	}
	return nil
}

func (s *Service) tickGroup(ctx context.Context, g *model.StoredGroup) error {
	if _, err := s.Publish(ctx, g.ID); err != nil {
		return err
	}
	if _, err := s.Fetch(ctx, g.ID); err != nil {
		return err
	}
	_, err := s.Detect(ctx, g)
	return err
}
