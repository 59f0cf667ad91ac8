// Package servertest runs originator nodes in process for tests of the
// client services.
package servertest

import (
	"context"
	"e2e_group/internal/api"
	"e2e_group/internal/cryptographic/signature"
	envelopeRepo "e2e_group/internal/repository/envelope"
	keyPackageRepo "e2e_group/internal/repository/keypackage"
	"e2e_group/internal/service/server"
	"net/http/httptest"
	"testing"
	"time"
)

// Cluster is a set of nodes sharing one coordinator and replication bus.
type Cluster struct {
	Coordinator *server.MemoryCoordinator
	Bus         *server.MemoryBus
}

type Node struct {
	ID  uint32
	URL string
	// PublicKey is the hex proof key clients pin for this node.
	PublicKey string
	Client    *api.NodeClient
	Backend   *api.Backend
}

func NewCluster() *Cluster {
	return &Cluster{Coordinator: server.NewMemoryCoordinator(), Bus: server.NewMemoryBus()}
}

// Start runs node id until the test ends.
func (c *Cluster) Start(t testing.TB, id uint32) *Node {
	t.Helper()
	key, err := signature.NewNodeKey()
	if err != nil {
		t.Fatalf("NewNodeKey: %v", err)
	}
	srv, err := server.NewHttpServer(server.Options{
		NodeID:      id,
		Key:         key,
		Envelopes:   envelopeRepo.NewMemoryRepo(),
		KeyPackages: keyPackageRepo.NewMemoryRepo(),
		Coordinator: c.Coordinator,
		Replicator:  c.Bus.Replicator(id),
	})
	if err != nil {
		t.Fatalf("NewHttpServer: %v", err)
	}
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.CloseStreams()
		hs.Close()
	})

	client, err := api.NewNodeClient(hs.URL, 5*time.Second)
	if err != nil {
		t.Fatalf("NewNodeClient: %v", err)
	}
	validator := api.NewValidator(api.NewNodeDirectory(client, nil), 0)
	return &Node{
		ID:        id,
		URL:       hs.URL,
		PublicKey: key.PublicKeyHex(),
		Client:    client,
		Backend:   api.NewBackend(client, validator),
	}
}

// StartNode runs a single node on a fresh cluster.
func StartNode(t testing.TB) *Node {
	return NewCluster().Start(t, 100)
}
