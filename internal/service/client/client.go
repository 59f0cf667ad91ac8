// Package client is the entry point for an installation: it owns the
// store, the backend, the group state machine and the background workers,
// and exposes groups and streams on top of them.
package client

import (
	"context"
	"e2e_group/internal/api"
	"e2e_group/internal/config"
	"e2e_group/internal/model"
	"e2e_group/internal/ordering"
	"e2e_group/internal/protocol/keypackage"
	"e2e_group/internal/repository/store"
	"e2e_group/internal/service/commitlog"
	"e2e_group/internal/service/groups"
	"e2e_group/internal/service/intents"
	"e2e_group/internal/service/recovery"
	"e2e_group/internal/service/welcome"
	"e2e_group/internal/service/worker"
	"e2e_group/internal/utils/log"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

var ErrInboxMismatch = errors.New("store belongs to another inbox")

type (
	// Options wires a client from parts. Open builds them from a
	// configuration.
	Options struct {
		Config   *config.Config
		Store    *store.Store
		Backend  *api.Backend
		Inbox    model.InboxID
		Resolver keypackage.IdentityResolver
	}

	Client struct {
		cfg       *config.Config
		identity  *keypackage.Identity
		store     *store.Store
		backend   *api.Backend
		resolver  *ordering.Resolver
		manager   *groups.Manager
		welcomes  *welcome.Processor
		commitLog *commitlog.Service
		recovery  *recovery.Worker
		runner    *worker.Runner
		logger    *zap.Logger
	}
)

// Open opens the store and backend named by cfg and returns a client for
// inbox.
func Open(ctx context.Context, cfg *config.Config, inbox model.InboxID) (*Client, error) {
	st, err := store.Open(cfg.Store.Path, cfg.Store.PoolSize)
	if err != nil {
		return nil, err
	}
	backend, err := NewBackend(cfg.Backend)
	if err != nil {
		st.Close()
		return nil, err
	}
	c, err := New(ctx, Options{Config: cfg, Store: st, Backend: backend, Inbox: inbox})
	if err != nil {
		st.Close()
		return nil, err
	}
	return c, nil
}

// New loads or creates the installation identity, publishes a fresh key
// package and assembles the services. Workers start with Start.
func New(ctx context.Context, opts Options) (*Client, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	idResolver := opts.Resolver
	if idResolver == nil {
		idResolver = keypackage.CredentialResolver{}
	}
	identity, err := loadIdentity(ctx, opts.Store, opts.Inbox)
	if err != nil {
		return nil, err
	}

	resolver := ordering.NewResolver(cfg.Ordering.MaxOrphans, ordering.WithBackfiller(opts.Backend))
	locks := groups.NewLockRegistry()
	queue := intents.NewQueue(opts.Store, cfg.Groups.MaxPublishAttempts)
	manager := groups.NewManager(identity, opts.Store, opts.Backend, queue, locks, resolver,
		groups.Options{MaxPastEpochs: cfg.Groups.MaxPastEpochs, PublishRetryInterval: cfg.Groups.PublishRetryInterval})
	recoveryOpts, err := recovery.OptionsFromConfig(cfg.Recovery)
	if err != nil {
		return nil, err
	}

	c := &Client{
		cfg:       cfg,
		identity:  identity,
		store:     opts.Store,
		backend:   opts.Backend,
		resolver:  resolver,
		manager:   manager,
		welcomes:  welcome.NewProcessor(identity, opts.Store, opts.Backend, idResolver, locks, cfg.Groups.MaxPastEpochs),
		commitLog: commitlog.NewService(identity.InstallationID(), opts.Store, opts.Backend),
		recovery:  recovery.NewWorker(identity, opts.Store, opts.Backend, manager, recoveryOpts),
		logger:    log.Named("client").With(zap.String("inbox", string(identity.Credential.InboxID))),
	}
	c.runner = worker.NewRunner(cfg.Workers.RestartDelay,
		worker.Job{Name: "sync", Interval: cfg.Workers.TickInterval, Tick: c.syncTick},
		worker.Job{Name: "commit_log", Interval: cfg.Workers.CommitLogInterval, Tick: c.commitLog.Tick},
		worker.Job{Name: "fork_recovery", Interval: cfg.Recovery.Interval, Tick: c.recovery.Tick},
	)

	if err := c.RotateKeyPackage(ctx); err != nil {
		return nil, err
	}
	c.logger.Info("client ready", zap.Stringer("installation", identity.InstallationID()))
	return c, nil
}

func loadIdentity(ctx context.Context, st *store.Store, inbox model.InboxID) (*keypackage.Identity, error) {
	identity, err := st.Identity(ctx)
	switch {
	case err == nil:
		if inbox != "" && identity.Credential.InboxID != inbox {
			return nil, fmt.Errorf("%w: %s", ErrInboxMismatch, identity.Credential.InboxID)
		}
		return identity, nil
	case !errors.Is(err, store.ErrNotFound):
		return nil, err
	}
	identity, err = keypackage.NewIdentity(inbox)
	if err != nil {
		return nil, err
	}
	if err := st.SaveIdentity(ctx, identity); err != nil {
		return nil, err
	}
	return identity, nil
}

func (c *Client) InboxID() model.InboxID { return c.identity.Credential.InboxID }

func (c *Client) InstallationID() model.InstallationID { return c.identity.InstallationID() }

// RotateKeyPackage publishes a new key package for this installation.
// Private init keys of earlier packages are kept so welcomes sealed to
// them still open.
func (c *Client) RotateKeyPackage(ctx context.Context) error {
	bundle, err := c.identity.Generate(time.Now())
	if err != nil {
		return err
	}
	if err := c.store.PutKeyPackageKey(ctx, bundle.KeyPackage.InitKey, bundle.InitPriv); err != nil {
		return err
	}
	if err := c.backend.UploadKeyPackage(ctx, &bundle.KeyPackage); err != nil {
		return fmt.Errorf("upload key package: %w", err)
	}
	return nil
}

// Start launches the background workers.
func (c *Client) Start(ctx context.Context) { c.runner.Start(ctx) }

// Close stops the workers and closes the store.
func (c *Client) Close() error {
	return errors.Join(c.runner.Stop(), c.store.Close())
}

// Wait blocks until the workers stop on their own, which only happens
// when the store connection is lost.
func (c *Client) Wait() error { return c.runner.Wait() }

func (c *Client) CreateGroup(ctx context.Context, members []model.InboxID, opts groups.CreateOptions) (*groups.Group, *groups.CreateResult, error) {
	return c.manager.CreateGroup(ctx, members, opts)
}

func (c *Client) Group(ctx context.Context, id model.GroupID) (*groups.Group, error) {
	return c.manager.Group(ctx, id)
}

func (c *Client) Groups(ctx context.Context) ([]*groups.Group, error) {
	return c.manager.Groups(ctx)
}

// SetConsent records whether the user accepts a group it was added to.
func (c *Client) SetConsent(ctx context.Context, id model.GroupID, state model.MembershipState) error {
	return c.store.SetMembership(ctx, id, state)
}

// ProcessWelcome opens a welcome received out of band.
func (c *Client) ProcessWelcome(ctx context.Context, hpkePublicKey, encrypted []byte) (model.GroupID, error) {
	return c.welcomes.ProcessWelcome(ctx, hpkePublicKey, encrypted)
}

func (c *Client) SyncWelcomes(ctx context.Context) ([]model.GroupID, error) {
	return c.welcomes.SyncWelcomes(ctx)
}

// SyncAll picks up new welcomes and then syncs every group.
func (c *Client) SyncAll(ctx context.Context) error {
	if _, err := c.welcomes.SyncWelcomes(ctx); err != nil {
		return err
	}
	return c.manager.SyncAll(ctx)
}

// SyncCommitLog publishes, fetches and checks commit logs once.
func (c *Client) SyncCommitLog(ctx context.Context) error { return c.commitLog.Tick(ctx) }

// RunForkRecovery runs one fork recovery pass.
func (c *Client) RunForkRecovery(ctx context.Context) error { return c.recovery.Tick(ctx) }

func (c *Client) syncTick(ctx context.Context) error {
	err := c.SyncAll(ctx)
	if err == nil || errors.Is(err, store.ErrNeedsReconnect) || ctx.Err() != nil {
		return err
	}
	c.logger.Warn("background sync incomplete", zap.Error(err))
	return nil
}
