// Package welcome turns welcome messages addressed to this installation
// into local groups.
package welcome

import (
	"context"
	"e2e_group/internal/api"
	"e2e_group/internal/model"
	"e2e_group/internal/protocol/keypackage"
	"e2e_group/internal/protocol/mls"
	"e2e_group/internal/repository/store"
	"e2e_group/internal/service/groups"
	"e2e_group/internal/utils/log"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

var (
	ErrKeyNotFound      = errors.New("no private key for welcome")
	ErrDecryptionFailed = errors.New("welcome decryption failed")
)

type (
	Backend interface {
		QueryWelcomes(ctx context.Context, installation model.InstallationID, since model.GlobalCursor) ([]model.WelcomeMessage, error)
	}

	Processor struct {
		identity *keypackage.Identity
		store    *store.Store
		backend  Backend
		resolver keypackage.IdentityResolver
		locks    *groups.LockRegistry
		mlsOpts  mls.Options
		now      func() time.Time
		logger   *zap.Logger
	}
)

func NewProcessor(identity *keypackage.Identity, st *store.Store, backend Backend,
	resolver keypackage.IdentityResolver, locks *groups.LockRegistry, maxPastEpochs int) *Processor {
	return &Processor{
		identity: identity,
		store:    st,
		backend:  backend,
		resolver: resolver,
		locks:    locks,
		mlsOpts:  mls.Options{MaxPastEpochs: maxPastEpochs},
		now:      time.Now,
		logger:   log.Named("welcome"),
	}
}

func (p *Processor) topic() model.Topic {
	return model.WelcomeTopic(p.identity.InstallationID())
}

// ProcessWelcome opens an encrypted welcome sealed to the key package init
// key hpkePublicKey and creates the group it describes. A welcome for a
// group that already exists changes nothing, unless this installation asked
// for that group to be recovered, in which case its state is replaced.
func (p *Processor) ProcessWelcome(ctx context.Context, hpkePublicKey, encrypted []byte) (model.GroupID, error) {
	id, _, err := p.process(ctx, model.WelcomeMessage{
		InstallationKey: p.identity.InstallationID(),
		HPKEPublicKey:   hpkePublicKey,
		Data:            encrypted,
	})
	return id, err
}

// process handles one welcome and reports whether it created a group.
func (p *Processor) process(ctx context.Context, msg model.WelcomeMessage) (model.GroupID, bool, error) {
	priv, err := p.store.KeyPackageKey(ctx, msg.HPKEPublicKey)
	if errors.Is(err, store.ErrNotFound) {
		return nil, false, fmt.Errorf("%w: init key %x", ErrKeyNotFound, msg.HPKEPublicKey)
	}
	if err != nil {
		return nil, false, err
	}

	w, err := mls.OpenWelcome(priv, msg)
	switch {
	case err == nil:
	case errors.Is(err, mls.ErrNotWelcome), errors.Is(err, mls.ErrInvalidWelcome), errors.Is(err, mls.ErrMalformedMessage):
		return nil, false, err
	default:
		return nil, false, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	adder, ok := w.AddedBy()
	if !ok {
		return nil, false, fmt.Errorf("%w: unknown signer", mls.ErrInvalidWelcome)
	}
	addedBy, err := p.resolver.InboxForInstallation(ctx, adder.Installation, adder.Credential())
	if err != nil {
		return nil, false, fmt.Errorf("resolve welcome sender: %w", err)
	}

	id := w.GroupID
	unlock := p.locks.Lock(id)
	defer unlock()

	existing, err := p.store.Group(ctx, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return nil, false, err
	case existing.RecoveryRequestedNS != 0:
		return id, false, p.recover(ctx, w, priv, msg, adder, addedBy)
	default:
		p.logger.Debug("welcome for known group ignored", zap.Stringer("group", id))
		return id, false, nil
	}

	g, err := mls.JoinFromWelcome(w, p.identity, priv, p.mlsOpts)
	if err != nil {
		return nil, false, err
	}
	state, err := g.Export()
	if err != nil {
		return nil, false, err
	}
	membership := model.MembershipPending
	if addedBy == p.identity.Credential.InboxID {
		membership = model.MembershipAllowed
	}
	inserted, err := p.store.InsertGroup(ctx, &model.StoredGroup{
		ID:                id,
		MLSState:          state,
		Membership:        membership,
		CreatedNS:         p.now().UnixNano(),
		AddedByInboxID:    addedBy,
		WelcomeSequenceID: msg.Cursor.SequenceID,
	})
	if err != nil {
		return nil, false, err
	}
	if !inserted {
		return id, false, nil
	}
	p.logger.Info("joined group",
		zap.Stringer("group", id), zap.String("added_by", string(addedBy)), zap.Uint64("epoch", g.Epoch()))
	return id, true, p.logJoin(ctx, g, msg, adder, addedBy)
}

// logJoin records the epoch a welcome put this installation into, so the
// fork detector compares from there on.
func (p *Processor) logJoin(ctx context.Context, g mls.Group, msg model.WelcomeMessage, adder mls.Member, addedBy model.InboxID) error {
	auth, err := g.EpochAuthenticator()
	if err != nil {
		return err
	}
	_, err = p.store.AppendLocalCommitLog(ctx, &model.CommitLogEntry{
		GroupID:                   g.ID(),
		CommitSequenceID:          msg.Cursor.SequenceID,
		OriginatorID:              msg.Cursor.OriginatorID,
		Result:                    model.CommitSuccess,
		AppliedEpochNumber:        g.Epoch(),
		AppliedEpochAuthenticator: auth,
		SenderInboxID:             addedBy,
		SenderInstallationID:      adder.Installation,
		CommitType:                model.CommitTypeWelcome,
		TimestampNS:               p.now().UnixNano(),
	})
	return err
}

// recover replaces the state of a group this installation flagged as
// forked with the state carried by the welcome.
func (p *Processor) recover(ctx context.Context, w *mls.Welcome, priv []byte, msg model.WelcomeMessage, adder mls.Member, addedBy model.InboxID) error {
	g, err := mls.JoinFromWelcome(w, p.identity, priv, p.mlsOpts)
	if err != nil {
		return err
	}
	state, err := g.Export()
	if err != nil {
		return err
	}
	if err := p.store.ReplaceGroupState(ctx, w.GroupID, state, msg.Cursor.SequenceID); err != nil {
		return err
	}
	p.logger.Info("group state recovered from welcome",
		zap.Stringer("group", w.GroupID), zap.Uint64("epoch", g.Epoch()))
	return p.logJoin(ctx, g, msg, adder, addedBy)
}

// SyncWelcomes fetches and processes the welcomes that arrived since the
// last sync and returns the groups they created. A welcome that cannot be
// processed is logged and skipped.
func (p *Processor) SyncWelcomes(ctx context.Context) ([]model.GroupID, error) {
	cursor, err := p.store.Cursor(ctx, p.topic())
	if err != nil {
		return nil, err
	}
	welcomes, err := p.backend.QueryWelcomes(ctx, p.identity.InstallationID(), cursor)
	if err != nil {
		return nil, err
	}
	var out []model.GroupID
	for _, w := range welcomes {
		id, err := p.handle(ctx, w)
		if err != nil {
			return out, err
		}
		if id != nil {
			out = append(out, id)
		}
	}
	return out, nil
}

// ProcessStreamed handles one welcome envelope from a subscription and
// returns the group it created, if any.
func (p *Processor) ProcessStreamed(ctx context.Context, env model.Envelope) (model.GroupID, error) {
	w, err := api.DecodeWelcome(env)
	if err != nil {
		p.logger.Warn("dropping malformed welcome", zap.Stringer("cursor", env.Cursor), zap.Error(err))
		return nil, p.store.AdvanceCursor(ctx, p.topic(), env.Cursor)
	}
	return p.handle(ctx, w)
}

// handle processes w and moves the welcome cursor past it. Only storage
// errors are returned.
func (p *Processor) handle(ctx context.Context, w model.WelcomeMessage) (model.GroupID, error) {
	id, joined, err := p.process(ctx, w)
	if err != nil {
		if errors.Is(err, store.ErrNeedsReconnect) || errors.Is(err, context.Canceled) {
			return nil, err
		}
		p.logger.Warn("welcome not processed", zap.Stringer("cursor", w.Cursor), zap.Error(err))
	}
	if !joined {
		id = nil
	}
	return id, p.store.AdvanceCursor(ctx, p.topic(), w.Cursor)
}
