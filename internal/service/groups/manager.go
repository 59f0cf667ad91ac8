// Package groups runs the per-group epoch state machine. Local operations
// are queued as intents, turned into at most one in-flight commit per
// group, published, and only merged once the backend hands the commit back
// as the next one for its epoch. Inbound envelopes are applied in
// dependency order and every commit attempt lands in the local commit log.
package groups

import (
	"context"
	"crypto/sha256"
	"e2e_group/internal/model"
	"e2e_group/internal/ordering"
	"e2e_group/internal/protocol/keypackage"
	"e2e_group/internal/protocol/mls"
	"e2e_group/internal/repository/store"
	"e2e_group/internal/service/intents"
	"e2e_group/internal/utils/log"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// maxSyncRounds bounds receive/publish rounds in one sync.
const maxSyncRounds = 8

const syncConcurrency = 4

const DefaultPublishRetryInterval = 100 * time.Millisecond

var (
	ErrGroupNotFound = errors.New("group not found")
	ErrNotPermitted  = errors.New("not permitted by group policy")
	ErrInactive      = errors.New("installation is not an active member of the group")
	ErrNoKeyPackages = errors.New("no key packages found")
	ErrUnresolved    = errors.New("intent still pending after sync")
)

type (
	// Backend is the delivery API the state machine publishes to and reads from.
	Backend interface {
		PublishEnvelopes(ctx context.Context, envs ...model.ClientEnvelope) ([]model.Envelope, error)
		QueryEnvelopes(ctx context.Context, topic model.Topic, since model.GlobalCursor) ([]model.Envelope, error)
		FetchKeyPackages(ctx context.Context, inboxes []model.InboxID) ([]*keypackage.KeyPackage, error)
		SendWelcomes(ctx context.Context, welcomes []model.WelcomeMessage) error
	}

	Options struct {
		MaxPastEpochs int
		// PublishRetryInterval defaults to DefaultPublishRetryInterval.
		PublishRetryInterval time.Duration
	}

	// Manager owns everything groups share: the identity, the store, the
	// backend, the intent queue, the lock registry and the resolver. It is
	// built once and not mutated afterwards.
	Manager struct {
		identity *keypackage.Identity
		store    *store.Store
		backend  Backend
		queue    *intents.Queue
		locks    *LockRegistry
		resolver *ordering.Resolver
		mlsOpts  mls.Options
		retry    time.Duration
		now      func() time.Time
		logger   *zap.Logger
	}

	// session is a group loaded under its lock.
	session struct {
		stored *model.StoredGroup
		group  mls.Group
		topic  model.Topic
	}

	CreateOptions struct {
		Metadata map[string]string
	}

	// CreateResult reports the members that could not be added to a newly
	// created group. The group exists regardless.
	CreateResult struct {
		Added  []model.InboxID
		Failed map[model.InboxID]error
	}
)

func NewManager(identity *keypackage.Identity, st *store.Store, backend Backend, queue *intents.Queue,
	locks *LockRegistry, resolver *ordering.Resolver, opts Options) *Manager {
	if opts.PublishRetryInterval <= 0 {
		opts.PublishRetryInterval = DefaultPublishRetryInterval
	}
	return &Manager{
		identity: identity,
		store:    st,
		backend:  backend,
		queue:    queue,
		locks:    locks,
		resolver: resolver,
		mlsOpts:  mls.Options{MaxPastEpochs: opts.MaxPastEpochs},
		retry:    opts.PublishRetryInterval,
		now:      time.Now,
		logger:   log.Named("groups"),
	}
}

func (m *Manager) InboxID() model.InboxID { return m.identity.Credential.InboxID }

func (m *Manager) InstallationID() model.InstallationID { return m.identity.InstallationID() }

// Group returns a handle for a known group.
func (m *Manager) Group(ctx context.Context, id model.GroupID) (*Group, error) {
	if _, err := m.stored(ctx, id); err != nil {
		return nil, err
	}
	return &Group{ID: id, m: m}, nil
}

// Groups returns handles for every group that was not rejected.
func (m *Manager) Groups(ctx context.Context) ([]*Group, error) {
	stored, err := m.store.Groups(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*Group, 0, len(stored))
	for _, sg := range stored {
		if sg.Membership == model.MembershipRejected {
			continue
		}
		out = append(out, &Group{ID: sg.ID, m: m})
	}
	return out, nil
}

// CreateGroup creates a group with this installation as its super admin and
// then adds each inbox in its own commit, so one unreachable member does
// not keep the others out.
func (m *Manager) CreateGroup(ctx context.Context, members []model.InboxID, opts CreateOptions) (*Group, *CreateResult, error) {
	uid := uuid.New()
	id := model.GroupID(uid[:])

	gc := model.NewGroupContext(m.InboxID())
	for k, v := range opts.Metadata {
		gc.Metadata[k] = v
	}
	g, err := mls.CreateGroup(id, m.identity, gc, m.mlsOpts)
	if err != nil {
		return nil, nil, fmt.Errorf("create group: %w", err)
	}
	state, err := g.Export()
	if err != nil {
		return nil, nil, err
	}
	if _, err := m.store.InsertGroup(ctx, &model.StoredGroup{
		ID:             id,
		MLSState:       state,
		Membership:     model.MembershipAllowed,
		CreatedNS:      m.now().UnixNano(),
		AddedByInboxID: m.InboxID(),
	}); err != nil {
		return nil, nil, err
	}
	m.logger.Info("group created", zap.Stringer("group", id), zap.Int("members", len(members)))

	handle := &Group{ID: id, m: m}
	res := &CreateResult{Failed: map[model.InboxID]error{}}
	for _, inbox := range members {
		if inbox == m.InboxID() {
			continue
		}
		if err := handle.AddMembers(ctx, []model.InboxID{inbox}); err != nil {
			m.logger.Warn("adding member to new group failed",
				zap.Stringer("group", id), zap.String("inbox", string(inbox)), zap.Error(err))
			res.Failed[inbox] = err
			continue
		}
		res.Added = append(res.Added, inbox)
	}
	return handle, res, nil
}

// Err joins the per-member failures, nil if every member was added.
func (r *CreateResult) Err() error {
	if r == nil || len(r.Failed) == 0 {
		return nil
	}
	errs := make([]error, 0, len(r.Failed))
	for inbox, err := range r.Failed {
		errs = append(errs, fmt.Errorf("add %s: %w", inbox, err))
	}
	return errors.Join(errs...)
}

// SyncAll syncs every group, several at a time. A failing group does not
// stop the others.
func (m *Manager) SyncAll(ctx context.Context) error {
	groups, err := m.Groups(ctx)
	if err != nil {
		return err
	}
	var (
		mu   sync.Mutex
		errs []error
	)
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(syncConcurrency)
	for _, g := range groups {
		eg.Go(func() error {
			if err := g.Sync(ctx); err != nil {
				if errors.Is(err, store.ErrNeedsReconnect) {
					return err
				}
				m.logger.Warn("group sync failed", zap.Stringer("group", g.ID), zap.Error(err))
				mu.Lock()
				errs = append(errs, fmt.Errorf("group %s: %w", g.ID, err))
				mu.Unlock()
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}
	return errors.Join(errs...)
}

// ProcessStreamed applies one streamed envelope to its group and returns
// the messages it produced. Envelopes for unknown groups are ignored.
func (m *Manager) ProcessStreamed(ctx context.Context, env model.Envelope) ([]*model.StoredMessage, error) {
	if env.Topic.Kind != model.TopicKindGroupMessages {
		return nil, nil
	}
	id := model.GroupID(env.Topic.Identifier)
	unlock := m.locks.Lock(id)
	defer unlock()

	s, err := m.open(ctx, id)
	if errors.Is(err, ErrGroupNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	ready, err := m.prime(ctx, s)
	if err != nil {
		return nil, err
	}
	ready = append(ready, m.resolver.Push(env)...)
	ready = append(ready, m.backfill(ctx, s)...)
	return m.applyAll(ctx, s, ready)
}

// Receive applies whatever arrived for a group since its cursor without
// publishing, and returns the messages that produced.
func (m *Manager) Receive(ctx context.Context, id model.GroupID) ([]*model.StoredMessage, error) {
	unlock := m.locks.Lock(id)
	defer unlock()
	s, err := m.open(ctx, id)
	if err != nil {
		return nil, err
	}
	return m.receive(ctx, s)
}

func (m *Manager) stored(ctx context.Context, id model.GroupID) (*model.StoredGroup, error) {
	sg, err := m.store.Group(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrGroupNotFound, id)
	}
	return sg, err
}

func (m *Manager) open(ctx context.Context, id model.GroupID) (*session, error) {
	sg, err := m.stored(ctx, id)
	if err != nil {
		return nil, err
	}
	g, err := mls.Restore(sg.MLSState, m.identity)
	if err != nil {
		return nil, fmt.Errorf("restore group %s: %w", id, err)
	}
	return &session{stored: sg, group: g, topic: model.GroupTopic(id)}, nil
}

func (m *Manager) save(ctx context.Context, s *session) error {
	state, err := s.group.Export()
	if err != nil {
		return err
	}
	s.stored.MLSState = state
	return m.store.SaveGroupState(ctx, s.stored.ID, state)
}

// syncLocked alternates receiving and publishing until the queue has
// nothing more to send. The caller holds the group lock.
func (m *Manager) syncLocked(ctx context.Context, id model.GroupID) error {
	s, err := m.open(ctx, id)
	if err != nil {
		return err
	}
	for round := 0; round < maxSyncRounds; round++ {
		if _, err := m.receive(ctx, s); err != nil {
			return err
		}
		progressed, err := m.publishNext(ctx, s)
		if err != nil {
			return err
		}
		if !progressed {
			return nil
		}
	}
	_, err = m.receive(ctx, s)
	return err
}

func payloadHash(b []byte) []byte {
	sum := sha256.Sum256(b)
	return sum[:]
}
