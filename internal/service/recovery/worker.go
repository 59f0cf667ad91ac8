// Package recovery repairs groups the commit log flagged as forked. A
// forked installation uploads a fresh key package and asks the group to
// re-add it; one healthy member answers by removing and re-adding the
// installation, and the resulting welcome replaces the forked state.
package recovery

import (
	"bytes"
	"context"
	"e2e_group/internal/config"
	"e2e_group/internal/model"
	"e2e_group/internal/protocol/keypackage"
	"e2e_group/internal/repository/store"
	"e2e_group/internal/service/groups"
	"e2e_group/internal/utils/log"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// requestTimeoutIntervals is how many worker intervals a request may stay
// unanswered before it is sent again.
const requestTimeoutIntervals = 4

type (
	Backend interface {
		PublishEnvelopes(ctx context.Context, envs ...model.ClientEnvelope) ([]model.Envelope, error)
		QueryEnvelopes(ctx context.Context, topic model.Topic, since model.GlobalCursor) ([]model.Envelope, error)
		UploadKeyPackage(ctx context.Context, kp *keypackage.KeyPackage) error
	}

	Options struct {
		Policy           config.RecoveryPolicy
		Allowlist        []model.GroupID
		DisableResponses bool
		Interval         time.Duration
	}

	Worker struct {
		identity *keypackage.Identity
		store    *store.Store
		backend  Backend
		groups   *groups.Manager
		opts     Options
		now      func() time.Time
		logger   *zap.Logger
	}
)

// OptionsFromConfig converts the recovery section of the configuration.
func OptionsFromConfig(c config.RecoveryConfig) (Options, error) {
	opts := Options{Policy: c.Policy, DisableResponses: c.DisableResponses, Interval: c.Interval}
	for _, s := range c.Allowlist {
		id, err := hex.DecodeString(s)
		if err != nil {
			return Options{}, fmt.Errorf("recovery allowlist entry %q: %w", s, err)
		}
		opts.Allowlist = append(opts.Allowlist, id)
	}
	return opts, nil
}

func NewWorker(identity *keypackage.Identity, st *store.Store, backend Backend, manager *groups.Manager, opts Options) *Worker {
	if opts.Interval <= 0 {
		opts.Interval = config.Default().Recovery.Interval
	}
	return &Worker{
		identity: identity,
		store:    st,
		backend:  backend,
		groups:   manager,
		opts:     opts,
		now:      time.Now,
		logger:   log.Named("recovery"),
	}
}

// Allowed reports whether the policy lets this installation ask for
// recovery of group.
func (w *Worker) Allowed(group model.GroupID) bool {
	switch w.opts.Policy {
	case config.RecoveryAll:
		return true
	case config.RecoveryAllowlistedGroups:
		return slices.ContainsFunc(w.opts.Allowlist, group.Equal)
	default:
		return false
	}
}

// Tick sends the recovery requests that are due and answers the requests
// this installation is responsible for. Failures are logged per group;
// groups stay usable either way.
func (w *Worker) Tick(ctx context.Context) error {
	if err := w.requestAll(ctx); err != nil {
		return err
	}
	if w.opts.DisableResponses {
		return nil
	}
	return w.respondAll(ctx)
}

func (w *Worker) requestAll(ctx context.Context) error {
	forked, err := w.store.ForkedGroups(ctx)
	if err != nil {
		return err
	}
	for _, g := range forked {
		if !w.Allowed(g.ID) || !w.due(g) {
			continue
		}
		if err := w.RequestRecovery(ctx, g.ID); err != nil {
			if errors.Is(err, store.ErrNeedsReconnect) || ctx.Err() != nil {
				return err
			}
			w.logger.Warn("recovery request failed", zap.Stringer("group", g.ID), zap.Error(err))
		}
	}
	return nil
}

func (w *Worker) due(g *model.StoredGroup) bool {
	return g.RecoveryRequestedNS == 0 || w.expired(g.RecoveryRequestedNS)
}

// expired reports whether a request made at ns has outlived its round
// trip; the requester will have sent a new one by then.
func (w *Worker) expired(ns int64) bool {
	timeout := requestTimeoutIntervals * w.opts.Interval
	return w.now().Sub(time.Unix(0, ns)) >= timeout
}

// RequestRecovery uploads a fresh key package for this installation and
// asks the other members of group to re-add it. Each request for the same
// fork names the next member in turn as responder.
func (w *Worker) RequestRecovery(ctx context.Context, group model.GroupID) error {
	stored, err := w.store.Group(ctx, group)
	if err != nil {
		return err
	}
	handle, err := w.groups.Group(ctx, group)
	if err != nil {
		return err
	}
	epoch, err := handle.Epoch(ctx)
	if err != nil {
		return err
	}

	bundle, err := w.identity.Generate(w.now())
	if err != nil {
		return err
	}
	if err := w.store.PutKeyPackageKey(ctx, bundle.KeyPackage.InitKey, bundle.InitPriv); err != nil {
		return err
	}
	if err := w.backend.UploadKeyPackage(ctx, &bundle.KeyPackage); err != nil {
		return fmt.Errorf("upload key package: %w", err)
	}

	now := w.now()
	req := model.RecoveryRequest{
		RequestID:    uuid.NewString(),
		GroupID:      group,
		Installation: w.identity.InstallationID(),
		Epoch:        epoch,
		RequestedNS:  now.UnixNano(),
		Attempt:      stored.RecoveryAttempts,
	}
	payload, err := SignRequest(w.identity, req)
	if err != nil {
		return err
	}
	topic := model.CommitLogTopic(group)
	if _, err := w.backend.PublishEnvelopes(ctx, model.ClientEnvelope{
		AAD:     model.AuthenticatedData{TargetTopic: topic.Bytes()},
		Payload: payload,
	}); err != nil {
		return fmt.Errorf("publish recovery request: %w", err)
	}
	if err := w.store.SetRecoveryRequested(ctx, group, now.UnixNano()); err != nil {
		return err
	}
	w.logger.Info("recovery requested",
		zap.Stringer("group", group), zap.String("request_id", req.RequestID),
		zap.Uint64("epoch", epoch), zap.Uint32("attempt", req.Attempt))
	return nil
}

func (w *Worker) respondAll(ctx context.Context) error {
	stored, err := w.store.Groups(ctx)
	if err != nil {
		return err
	}
	for _, g := range stored {
		if g.Membership == model.MembershipRejected || g.MaybeForked {
			continue
		}
		if _, err := w.Respond(ctx, g.ID); err != nil {
			if errors.Is(err, store.ErrNeedsReconnect) || ctx.Err() != nil {
				return err
			}
			w.logger.Warn("answering recovery requests failed", zap.Stringer("group", g.ID), zap.Error(err))
		}
	}
	return nil
}

// Respond reads the recovery requests posted to group since the last call
// and re-adds each requester this installation is responsible for. It
// returns the number of installations re-added.
func (w *Worker) Respond(ctx context.Context, group model.GroupID) (int, error) {
	topic := model.CommitLogTopic(group)
	cursor, err := w.store.Cursor(ctx, topic)
	if err != nil {
		return 0, err
	}
	envs, err := w.backend.QueryEnvelopes(ctx, topic, cursor)
	if err != nil {
		return 0, err
	}
	handle, err := w.groups.Group(ctx, group)
	if err != nil {
		return 0, err
	}

	readded := 0
	for _, env := range envs {
		ok, err := w.answer(ctx, handle, env)
		if err != nil {
			if errors.Is(err, store.ErrNeedsReconnect) || ctx.Err() != nil {
				return readded, err
			}
			w.logger.Warn("recovery request not answered",
				zap.Stringer("group", group), zap.Stringer("cursor", env.Cursor), zap.Error(err))
		}
		if ok {
			readded++
		}
		if err := w.store.AdvanceCursor(ctx, topic, env.Cursor); err != nil {
			return readded, err
		}
	}
	return readded, nil
}

func (w *Worker) answer(ctx context.Context, handle *groups.Group, env model.Envelope) (bool, error) {
	req, err := OpenRequest(env.Payload)
	if err != nil {
		return false, err
	}
	if !req.GroupID.Equal(handle.ID) {
		return false, fmt.Errorf("%w: names group %s", ErrInvalidRequest, req.GroupID)
	}
	self := w.identity.InstallationID()
	if req.Installation.Equal(self) || w.expired(req.RequestedNS) {
		return false, nil
	}
	if active, err := handle.Active(ctx); err != nil || !active {
		return false, err
	}
	members, err := handle.Members(ctx)
	if err != nil {
		return false, err
	}
	ids := make([]model.InstallationID, 0, len(members))
	for _, m := range members {
		ids = append(ids, m.Installation)
	}
	if !slices.ContainsFunc(ids, req.Installation.Equal) {
		return false, fmt.Errorf("%w: %s is not a member", ErrInvalidRequest, req.Installation)
	}
	if responder := Responder(ids, req.Installation, req.Attempt); !self.Equal(responder) {
		return false, nil
	}

	w.logger.Info("re-adding installation for recovery",
		zap.Stringer("group", handle.ID), zap.Stringer("installation", req.Installation),
		zap.String("request_id", req.RequestID))
	if err := handle.ReaddInstallations(ctx, []model.InstallationID{req.Installation}); err != nil {
		return false, err
	}
	return true, nil
}

// Responder picks the member that answers a recovery request. Members
// other than the requester take turns in installation id order, so a
// re-sent request reaches a different member when the last one stayed
// silent.
func Responder(members []model.InstallationID, requester model.InstallationID, attempt uint32) model.InstallationID {
	candidates := make([]model.InstallationID, 0, len(members))
	for _, m := range members {
		if !m.Equal(requester) {
			candidates = append(candidates, m)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	slices.SortFunc(candidates, func(a, b model.InstallationID) int { return bytes.Compare(a, b) })
	return candidates[int(attempt%uint32(len(candidates)))]
}
