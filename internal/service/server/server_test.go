package server

import (
	"context"
	"e2e_group/internal/api"
	"e2e_group/internal/cryptographic/signature"
	"e2e_group/internal/model"
	"e2e_group/internal/protocol/keypackage"
	envelopeRepo "e2e_group/internal/repository/envelope"
	keyPackageRepo "e2e_group/internal/repository/keypackage"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type testNode struct {
	srv     *HttpServer
	http    *httptest.Server
	backend *api.Backend
}

func startNode(t *testing.T, id uint32, coord *MemoryCoordinator, bus *MemoryBus) *testNode {
	t.Helper()
	key, err := signature.NewNodeKey()
	if err != nil {
		t.Fatalf("NewNodeKey: %v", err)
	}
	srv, err := NewHttpServer(Options{
		NodeID:      id,
		Key:         key,
		Envelopes:   envelopeRepo.NewMemoryRepo(),
		KeyPackages: keyPackageRepo.NewMemoryRepo(),
		Coordinator: coord,
		Replicator:  bus.Replicator(id),
	})
	if err != nil {
		t.Fatalf("NewHttpServer: %v", err)
	}
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.hub.closeAll()
		hs.Close()
	})

	client, err := api.NewNodeClient(hs.URL, 5*time.Second)
	if err != nil {
		t.Fatalf("NewNodeClient: %v", err)
	}
	validator := api.NewValidator(api.NewNodeDirectory(client, nil), 0)
	return &testNode{srv: srv, http: hs, backend: api.NewBackend(client, validator)}
}

func groupEnvelope(group model.GroupID, payload string, deps ...model.Cursor) model.ClientEnvelope {
	return model.ClientEnvelope{
		AAD: model.AuthenticatedData{
			TargetTopic: model.GroupTopic(group).Bytes(),
			DependsOn:   model.NewGlobalCursor(deps...),
		},
		Payload: []byte(payload),
	}
}

func TestPublishAndQuery(t *testing.T) {
	ctx := context.Background()
	node := startNode(t, 100, NewMemoryCoordinator(), NewMemoryBus())
	group := model.GroupID{0xaa}

	published, err := node.backend.PublishEnvelopes(ctx, groupEnvelope(group, "one"), groupEnvelope(group, "two"))
	if err != nil {
		t.Fatalf("PublishEnvelopes: %v", err)
	}
	if len(published) != 2 {
		t.Fatalf("published %d envelopes, want 2", len(published))
	}
	if got := published[1].Cursor; got != (model.Cursor{OriginatorID: 100, SequenceID: 2}) {
		t.Fatalf("second cursor = %s, want 100:2", got)
	}

	all, err := node.backend.QueryEnvelopes(ctx, model.GroupTopic(group), nil)
	if err != nil {
		t.Fatalf("QueryEnvelopes: %v", err)
	}
	if len(all) != 2 || string(all[0].Payload) != "one" || string(all[1].Payload) != "two" {
		t.Fatalf("query returned %+v", all)
	}

	newer, err := node.backend.QueryEnvelopes(ctx, model.GroupTopic(group), model.NewGlobalCursor(published[0].Cursor))
	if err != nil {
		t.Fatalf("QueryEnvelopes since: %v", err)
	}
	if len(newer) != 1 || string(newer[0].Payload) != "two" {
		t.Fatalf("query since first returned %+v", newer)
	}

	other, err := node.backend.QueryEnvelopes(ctx, model.GroupTopic(model.GroupID{0xbb}), nil)
	if err != nil {
		t.Fatalf("QueryEnvelopes other topic: %v", err)
	}
	if len(other) != 0 {
		t.Fatalf("other topic returned %d envelopes", len(other))
	}
}

func TestPublishCarriesDependencies(t *testing.T) {
	ctx := context.Background()
	node := startNode(t, 100, NewMemoryCoordinator(), NewMemoryBus())
	group := model.GroupID{0xaa}

	dep := model.Cursor{OriginatorID: 7, SequenceID: 10}
	out, err := node.backend.PublishEnvelopes(ctx, groupEnvelope(group, "x", dep))
	if err != nil {
		t.Fatalf("PublishEnvelopes: %v", err)
	}
	if got := out[0].DependsOn.Get(7); got != 10 {
		t.Fatalf("depends_on[7] = %d, want 10", got)
	}
}

func TestReplicationAcrossNodes(t *testing.T) {
	ctx := context.Background()
	coord, bus := NewMemoryCoordinator(), NewMemoryBus()
	a := startNode(t, 100, coord, bus)
	b := startNode(t, 200, coord, bus)
	group := model.GroupID{0x01}

	if _, err := a.backend.PublishEnvelopes(ctx, groupEnvelope(group, "from a")); err != nil {
		t.Fatalf("publish on a: %v", err)
	}
	if _, err := b.backend.PublishEnvelopes(ctx, groupEnvelope(group, "from b")); err != nil {
		t.Fatalf("publish on b: %v", err)
	}

	for name, n := range map[string]*testNode{"a": a, "b": b} {
		envs, err := n.backend.QueryEnvelopes(ctx, model.GroupTopic(group), nil)
		if err != nil {
			t.Fatalf("query %s: %v", name, err)
		}
		if len(envs) != 2 {
			t.Fatalf("node %s has %d envelopes, want 2", name, len(envs))
		}
	}

	nodes, err := b.backend.Nodes(ctx)
	if err != nil {
		t.Fatalf("Nodes: %v", err)
	}
	if len(nodes) != 2 || nodes[0].NodeID != 100 || nodes[1].NodeID != 200 {
		t.Fatalf("nodes = %+v", nodes)
	}
}

func TestSubscribeReceivesReplicated(t *testing.T) {
	coord, bus := NewMemoryCoordinator(), NewMemoryBus()
	a := startNode(t, 100, coord, bus)
	b := startNode(t, 200, coord, bus)
	group := model.GroupID{0x02}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stream, err := b.backend.Subscribe(ctx, model.GroupTopic(group))
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer stream.Close()

	// The subscription is registered once the request frame is read.
	deadline := time.Now().Add(2 * time.Second)
	for {
		b.srv.hub.mu.Lock()
		n := len(b.srv.hub.subs)
		b.srv.hub.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("subscriber never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if _, err := a.backend.PublishEnvelopes(ctx, groupEnvelope(group, "live")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	env, err := stream.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if string(env.Payload) != "live" || env.Cursor.OriginatorID != 100 {
		t.Fatalf("received %+v", env)
	}
}

func TestCommitLog(t *testing.T) {
	ctx := context.Background()
	node := startNode(t, 100, NewMemoryCoordinator(), NewMemoryBus())
	group := model.GroupID{0x03}

	entries := []model.CommitLogEntry{
		{GroupID: group, CommitSequenceID: 1, AppliedEpochNumber: 1, Result: model.CommitSuccess},
		{GroupID: group, CommitSequenceID: 2, AppliedEpochNumber: 2, Result: model.CommitSuccess},
	}
	if err := node.backend.PublishCommitLog(ctx, model.InstallationID{0x01}, entries); err != nil {
		t.Fatalf("PublishCommitLog: %v", err)
	}
	if err := node.backend.PublishCommitLog(ctx, model.InstallationID{0x02}, entries[1:]); err != nil {
		t.Fatalf("PublishCommitLog: %v", err)
	}

	got, err := node.backend.QueryCommitLog(ctx, group, 0)
	if err != nil {
		t.Fatalf("QueryCommitLog: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d entries, want 3", len(got))
	}
	for i, e := range got {
		if e.LogSequenceID != uint64(i+1) {
			t.Fatalf("entry %d log sequence id = %d", i, e.LogSequenceID)
		}
	}
	if got[2].Publisher[0] != 0x02 {
		t.Fatalf("third entry publisher = %x", got[2].Publisher)
	}

	after, err := node.backend.QueryCommitLog(ctx, group, 2)
	if err != nil {
		t.Fatalf("QueryCommitLog after: %v", err)
	}
	if len(after) != 1 || after[0].LogSequenceID != 3 {
		t.Fatalf("after 2 = %+v", after)
	}
}

func TestKeyPackages(t *testing.T) {
	ctx := context.Background()
	node := startNode(t, 100, NewMemoryCoordinator(), NewMemoryBus())

	alice, err := keypackage.NewIdentity("alice")
	if err != nil {
		t.Fatalf("NewIdentity: %v", err)
	}
	first, err := alice.Generate(time.Now())
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	second, err := alice.Generate(time.Now())
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	for _, b := range []*keypackage.Bundle{first, second} {
		if err := node.backend.UploadKeyPackage(ctx, &b.KeyPackage); err != nil {
			t.Fatalf("UploadKeyPackage: %v", err)
		}
	}

	kps, err := node.backend.FetchKeyPackages(ctx, []model.InboxID{"alice", "bob"})
	if err != nil {
		t.Fatalf("FetchKeyPackages: %v", err)
	}
	if len(kps) != 1 {
		t.Fatalf("got %d key packages, want the latest one", len(kps))
	}
	if string(kps[0].InitKey) != string(second.KeyPackage.InitKey) {
		t.Fatal("fetched key package is not the latest upload")
	}

	tampered := second.KeyPackage
	tampered.Credential.InboxID = "mallory"
	err = node.backend.UploadKeyPackage(ctx, &tampered)
	var status *api.StatusError
	if !errors.As(err, &status) || status.Code != http.StatusBadRequest {
		t.Fatalf("tampered upload error = %v, want status 400", err)
	}
	if api.IsRetryable(err) {
		t.Fatal("rejected upload must not be retryable")
	}
}

func TestPublishRejectsBadTopic(t *testing.T) {
	node := startNode(t, 100, NewMemoryCoordinator(), NewMemoryBus())
	_, err := node.backend.PublishEnvelopes(context.Background(), model.ClientEnvelope{
		AAD:     model.AuthenticatedData{TargetTopic: []byte{0xff}},
		Payload: []byte("x"),
	})
	var status *api.StatusError
	if !errors.As(err, &status) || status.Code != http.StatusBadRequest {
		t.Fatalf("error = %v, want status 400", err)
	}
}
