// Package server is the originator node: it stamps and signs client
// envelopes, stores and replicates them, streams them to subscribers and
// serves the commit log and key package directories.
package server

import (
	"context"
	"e2e_group/internal/api"
	"e2e_group/internal/cryptographic/signature"
	"e2e_group/internal/model"
	envelopeRepo "e2e_group/internal/repository/envelope"
	keyPackageRepo "e2e_group/internal/repository/keypackage"
	"e2e_group/internal/service/replication"
	"e2e_group/internal/utils/log"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

type (
	EnvelopeStore interface {
		Insert(ctx context.Context, rec *envelopeRepo.Record) error
		Query(ctx context.Context, topic []byte, since model.GlobalCursor, limit int) ([]*envelopeRepo.Record, error)
	}

	KeyPackageStore interface {
		Put(ctx context.Context, rec *keyPackageRepo.Record) error
		Latest(ctx context.Context, inboxes []model.InboxID) ([]*keyPackageRepo.Record, error)
	}

	// Coordinator is the state nodes share: sequence counters, the remote
	// commit log and the node directory.
	Coordinator interface {
		NextSequenceID(ctx context.Context, nodeID uint32) (uint64, error)
		AppendCommitLog(ctx context.Context, group model.GroupID, publisher []byte, entries []model.CommitLogEntry) error
		CommitLog(ctx context.Context, group model.GroupID, after uint64, limit int) ([]model.RemoteCommitLogEntry, error)
		PutNode(ctx context.Context, nodeID uint32, publicKey []byte) error
		Nodes(ctx context.Context) (map[uint32][]byte, error)
	}

	Replicator interface {
		Publish(ctx context.Context, topic, envelope []byte) error
		Announce(ctx context.Context, publicKey []byte) error
		OnEnvelope(handler func(replication.Envelope)) error
		OnAnnouncement(handler func(replication.Announcement)) error
		Close() error
	}

	Options struct {
		NodeID       uint32
		Key          *signature.NodeKey
		Envelopes    EnvelopeStore
		KeyPackages  KeyPackageStore
		Coordinator  Coordinator
		Replicator   Replicator
		MaxClockSkew time.Duration
	}

	HttpServer struct {
		nodeID      uint32
		key         *signature.NodeKey
		envelopes   EnvelopeStore
		keyPackages KeyPackageStore
		coordinator Coordinator
		replicator  Replicator
		validator   *api.Validator
		hub         *hub
		logger      *zap.Logger
		now         func() time.Time
	}
)

const maxRequestSize = 16 << 20

func NewHttpServer(opts Options) (*HttpServer, error) {
	if opts.Key == nil {
		return nil, errors.New("server: node key is required")
	}
	if opts.Envelopes == nil || opts.KeyPackages == nil || opts.Coordinator == nil {
		return nil, errors.New("server: envelope, key package and coordinator stores are required")
	}
	s := &HttpServer{
		nodeID:      opts.NodeID,
		key:         opts.Key,
		envelopes:   opts.Envelopes,
		keyPackages: opts.KeyPackages,
		coordinator: opts.Coordinator,
		replicator:  opts.Replicator,
		hub:         newHub(),
		logger:      log.Named("node").With(zap.Uint32("node_id", opts.NodeID)),
		now:         time.Now,
	}
	s.validator = api.NewValidator(directoryKeys{s.coordinator}, opts.MaxClockSkew)
	return s, nil
}

// Start registers the node in the directory and joins replication.
func (s *HttpServer) Start(ctx context.Context) error {
	if err := s.coordinator.PutNode(ctx, s.nodeID, s.key.PublicKey()); err != nil {
		return fmt.Errorf("register node: %w", err)
	}
	if s.replicator == nil {
		return nil
	}
	if err := s.replicator.OnAnnouncement(func(a replication.Announcement) {
		if err := s.coordinator.PutNode(context.Background(), a.NodeID, a.PublicKey); err != nil {
			s.logger.Error("record announced node", zap.Uint32("peer", a.NodeID), zap.Error(err))
		}
	}); err != nil {
		return err
	}
	if err := s.replicator.OnEnvelope(s.acceptReplicated); err != nil {
		return err
	}
	return s.replicator.Announce(ctx, s.key.PublicKey())
}

func (s *HttpServer) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc(api.PathHealth, s.Health()).Methods(http.MethodGet)
	r.HandleFunc(api.PathNodes, s.ListNodes()).Methods(http.MethodGet, http.MethodPost)
	r.HandleFunc(api.PathPublishEnvelopes, s.PublishEnvelopes()).Methods(http.MethodPost)
	r.HandleFunc(api.PathQueryEnvelopes, s.QueryEnvelopes()).Methods(http.MethodPost)
	r.HandleFunc(api.PathSubscribeEnvelopes, s.SubscribeEnvelopes()).Methods(http.MethodGet)
	r.HandleFunc(api.PathPublishCommitLog, s.PublishCommitLog()).Methods(http.MethodPost)
	r.HandleFunc(api.PathQueryCommitLog, s.QueryCommitLog()).Methods(http.MethodPost)
	r.HandleFunc(api.PathUploadKeyPackage, s.UploadKeyPackage()).Methods(http.MethodPost)
	r.HandleFunc(api.PathFetchKeyPackages, s.FetchKeyPackages()).Methods(http.MethodPost)
	return r
}

// Run serves until ctx ends, then shuts down gracefully.
func (s *HttpServer) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.hub.closeAll()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if s.replicator != nil {
		return s.replicator.Close()
	}
	return nil
}

// directoryKeys resolves peer proof keys from the shared node directory.
type directoryKeys struct {
	coordinator Coordinator
}

func (d directoryKeys) NodeKey(ctx context.Context, nodeID uint32) ([]byte, error) {
	nodes, err := d.coordinator.Nodes(ctx)
	if err != nil {
		return nil, err
	}
	key, ok := nodes[nodeID]
	if !ok {
		return nil, &api.ValidationError{Kind: api.UnknownOriginator, Detail: fmt.Sprintf("node %d", nodeID)}
	}
	return key, nil
}
