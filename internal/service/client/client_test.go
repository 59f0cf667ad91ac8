package client

import (
	"context"
	"e2e_group/internal/config"
	"e2e_group/internal/model"
	"e2e_group/internal/service/groups"
	"e2e_group/internal/service/server/servertest"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func testConfig(t *testing.T, node *servertest.Node) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Store.Path = filepath.Join(t.TempDir(), "client.db")
	cfg.Store.PoolSize = 2
	cfg.Backend.Nodes = []string{node.URL}
	cfg.Backend.NodeKeys = map[uint32]string{node.ID: node.PublicKey}
	cfg.Workers.TickInterval = 20 * time.Millisecond
	cfg.Workers.CommitLogInterval = 50 * time.Millisecond
	cfg.Workers.RestartDelay = 10 * time.Millisecond
	return cfg
}

func openClient(t *testing.T, cfg *config.Config, inbox model.InboxID) *Client {
	t.Helper()
	c, err := Open(context.Background(), cfg, inbox)
	if err != nil {
		t.Fatalf("Open(%s): %v", inbox, err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// pair returns alice and bob sharing one group, both caught up.
func pair(t *testing.T) (alice, bob *Client, ga, gb *groups.Group) {
	t.Helper()
	ctx := context.Background()
	node := servertest.StartNode(t)
	alice = openClient(t, testConfig(t, node), "alice")
	bob = openClient(t, testConfig(t, node), "bob")

	ga, res, err := alice.CreateGroup(ctx, []model.InboxID{"bob"}, groups.CreateOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if err := res.Err(); err != nil {
		t.Fatal(err)
	}
	if err := bob.SyncAll(ctx); err != nil {
		t.Fatalf("SyncAll: %v", err)
	}
	gb, err = bob.Group(ctx, ga.ID)
	if err != nil {
		t.Fatalf("bob did not join: %v", err)
	}
	return alice, bob, ga, gb
}

func lastText(t *testing.T, g *groups.Group) string {
	t.Helper()
	msgs, err := g.Messages(context.Background(), 20)
	if err != nil {
		t.Fatal(err)
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Content.Type == model.ContentTypeText {
			return string(msgs[i].Content.Content)
		}
	}
	return ""
}

func TestClientMessaging(t *testing.T) {
	ctx := context.Background()
	_, bob, ga, gb := pair(t)

	list, err := bob.Groups(ctx)
	if err != nil || len(list) != 1 {
		t.Fatalf("Groups = %d, %v", len(list), err)
	}
	if err := bob.SetConsent(ctx, gb.ID, model.MembershipAllowed); err != nil {
		t.Fatalf("SetConsent: %v", err)
	}

	if err := ga.SendText(ctx, "hello"); err != nil {
		t.Fatal(err)
	}
	if err := bob.SyncAll(ctx); err != nil {
		t.Fatal(err)
	}
	if got := lastText(t, gb); got != "hello" {
		t.Fatalf("bob last message = %q", got)
	}
}

func TestReopenKeepsIdentity(t *testing.T) {
	node := servertest.StartNode(t)
	cfg := testConfig(t, node)

	first, err := Open(context.Background(), cfg, "alice")
	if err != nil {
		t.Fatal(err)
	}
	installation := first.InstallationID()
	if err := first.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	again := openClient(t, cfg, "alice")
	if !again.InstallationID().Equal(installation) || again.InboxID() != "alice" {
		t.Fatalf("reopened as %s/%s", again.InboxID(), again.InstallationID())
	}
	again.Close()

	if _, err := Open(context.Background(), cfg, "mallory"); !errors.Is(err, ErrInboxMismatch) {
		t.Fatalf("Open with another inbox = %v, want ErrInboxMismatch", err)
	}
}

func TestNewBackendRequiresNodeKeys(t *testing.T) {
	node := servertest.StartNode(t)
	cfg := testConfig(t, node).Backend

	unpinned := cfg
	unpinned.NodeKeys = nil
	if _, err := NewBackend(unpinned); !errors.Is(err, ErrNoNodeKeys) {
		t.Fatalf("NewBackend without keys = %v, want ErrNoNodeKeys", err)
	}

	malformed := cfg
	malformed.NodeKeys = map[uint32]string{node.ID: "0102"}
	if _, err := NewBackend(malformed); err == nil {
		t.Fatal("NewBackend accepted a malformed node key")
	}

	trusting := unpinned
	trusting.TrustNodeDirectory = true
	b, err := NewBackend(trusting)
	if err != nil {
		t.Fatalf("NewBackend trusting the directory: %v", err)
	}
	nodes, err := b.Nodes(context.Background())
	if err != nil || len(nodes) != 1 || nodes[0].NodeID != node.ID {
		t.Fatalf("Nodes = %+v, %v", nodes, err)
	}

	if _, err := NewBackend(cfg); err != nil {
		t.Fatalf("NewBackend with pinned keys: %v", err)
	}
}

func TestCommitLogAgreesAfterOfflineMerge(t *testing.T) {
	ctx := context.Background()
	alice, bob, ga, gb := pair(t)

	// bob stays offline while alice moves the group on.
	if err := ga.RotateKeys(ctx); err != nil {
		t.Fatal(err)
	}
	if err := ga.UpdateMetadata(ctx, "name", "offline"); err != nil {
		t.Fatal(err)
	}
	if err := bob.SyncAll(ctx); err != nil {
		t.Fatal(err)
	}

	for _, c := range []*Client{alice, bob, alice, bob} {
		if err := c.SyncCommitLog(ctx); err != nil {
			t.Fatalf("SyncCommitLog: %v", err)
		}
	}
	for _, g := range []*groups.Group{ga, gb} {
		info, err := g.DebugInfo(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if info.MaybeForked {
			t.Fatalf("group flagged as forked: %s", info.ForkDetails)
		}
		if len(info.RemoteCommitLog) == 0 {
			t.Fatal("no remote commit log fetched")
		}
	}
}

func TestStreamGroupMessages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, bob, ga, _ := pair(t)

	sub := bob.StreamGroupMessages(ctx)
	defer sub.Close()
	if err := ga.SendText(ctx, "streamed"); err != nil {
		t.Fatal(err)
	}

	timeout := time.After(5 * time.Second)
	for {
		select {
		case msg, ok := <-sub.C():
			if !ok {
				t.Fatalf("stream closed: %v", sub.Err())
			}
			if msg.Content.Type == model.ContentTypeText && string(msg.Content.Content) == "streamed" {
				if msg.SenderInboxID != "alice" {
					t.Fatalf("sender = %s", msg.SenderInboxID)
				}
				return
			}
		case <-timeout:
			t.Fatal("message not streamed")
		}
	}
}

func TestStreamWelcomes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	node := servertest.StartNode(t)
	alice := openClient(t, testConfig(t, node), "alice")
	bob := openClient(t, testConfig(t, node), "bob")

	sub := bob.StreamWelcomes(ctx)
	defer sub.Close()
	g, _, err := alice.CreateGroup(ctx, []model.InboxID{"bob"}, groups.CreateOptions{})
	if err != nil {
		t.Fatal(err)
	}

	select {
	case joined, ok := <-sub.C():
		if !ok {
			t.Fatalf("stream closed: %v", sub.Err())
		}
		if !joined.ID.Equal(g.ID) {
			t.Fatalf("streamed group %s, want %s", joined.ID, g.ID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("welcome not streamed")
	}
}

func TestWorkersJoinInBackground(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	node := servertest.StartNode(t)
	alice := openClient(t, testConfig(t, node), "alice")
	bob := openClient(t, testConfig(t, node), "bob")
	bob.Start(ctx)

	g, _, err := alice.CreateGroup(ctx, []model.InboxID{"bob"}, groups.CreateOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if err := g.SendText(ctx, "background"); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if gb, err := bob.Group(ctx, g.ID); err == nil && lastText(t, gb) == "background" {
			if err := bob.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("background sync did not pick up the group")
}
