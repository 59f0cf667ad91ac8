package welcome

import (
	"context"
	"e2e_group/internal/model"
	"e2e_group/internal/ordering"
	"e2e_group/internal/protocol/keypackage"
	"e2e_group/internal/protocol/mls"
	"e2e_group/internal/repository/store"
	"e2e_group/internal/service/groups"
	"e2e_group/internal/service/intents"
	"e2e_group/internal/service/server/servertest"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

type installation struct {
	identity *keypackage.Identity
	store    *store.Store
}

func newInstallation(t *testing.T, node *servertest.Node, inbox model.InboxID) *installation {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(filepath.Join(t.TempDir(), "client.db"), 2)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	identity, err := keypackage.NewIdentity(inbox)
	if err != nil {
		t.Fatal(err)
	}
	bundle, err := identity.Generate(time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if err := st.PutKeyPackageKey(ctx, bundle.KeyPackage.InitKey, bundle.InitPriv); err != nil {
		t.Fatal(err)
	}
	if err := node.Backend.UploadKeyPackage(ctx, &bundle.KeyPackage); err != nil {
		t.Fatalf("UploadKeyPackage: %v", err)
	}
	return &installation{identity: identity, store: st}
}

func (in *installation) manager(node *servertest.Node) *groups.Manager {
	return groups.NewManager(in.identity, in.store, node.Backend, intents.NewQueue(in.store, 3),
		groups.NewLockRegistry(), ordering.NewResolver(64), groups.Options{})
}

func (in *installation) processor(node *servertest.Node) *Processor {
	return NewProcessor(in.identity, in.store, node.Backend, keypackage.CredentialResolver{}, groups.NewLockRegistry(), 3)
}

func epochOf(t *testing.T, in *installation, id model.GroupID) uint64 {
	t.Helper()
	sg, err := in.store.Group(context.Background(), id)
	if err != nil {
		t.Fatalf("Group: %v", err)
	}
	g, err := mls.Restore(sg.MLSState, in.identity)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	return g.Epoch()
}

func TestSyncWelcomesJoinsOnce(t *testing.T) {
	ctx := context.Background()
	node := servertest.StartNode(t)
	alice := newInstallation(t, node, "alice")
	bob := newInstallation(t, node, "bob")

	g, _, err := alice.manager(node).CreateGroup(ctx, []model.InboxID{"bob"}, groups.CreateOptions{})
	if err != nil {
		t.Fatal(err)
	}

	p := bob.processor(node)
	joined, err := p.SyncWelcomes(ctx)
	if err != nil {
		t.Fatalf("SyncWelcomes: %v", err)
	}
	if len(joined) != 1 || !joined[0].Equal(g.ID) {
		t.Fatalf("joined = %v, want [%s]", joined, g.ID)
	}
	again, err := p.SyncWelcomes(ctx)
	if err != nil || len(again) != 0 {
		t.Fatalf("second SyncWelcomes = %v, %v; want nothing new", again, err)
	}

	sg, err := bob.store.Group(ctx, g.ID)
	if err != nil {
		t.Fatal(err)
	}
	if sg.Membership != model.MembershipPending || sg.AddedByInboxID != "alice" {
		t.Fatalf("stored group = %+v, want pending and added by alice", sg)
	}
	if got, want := epochOf(t, bob, g.ID), epochOf(t, alice, g.ID); got != want {
		t.Fatalf("bob joined at epoch %d, alice is at %d", got, want)
	}
	log, err := bob.store.LocalCommitLog(ctx, g.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(log) != 1 || log[0].CommitType != model.CommitTypeWelcome || log[0].SenderInboxID != "alice" {
		t.Fatalf("commit log = %+v, want one welcome entry", log)
	}

	// Reprocessing the same welcome directly is a no-op that still names the group.
	welcomes, err := node.Backend.QueryWelcomes(ctx, bob.identity.InstallationID(), model.GlobalCursor{})
	if err != nil || len(welcomes) != 1 {
		t.Fatalf("QueryWelcomes = %d, %v", len(welcomes), err)
	}
	id, err := p.ProcessWelcome(ctx, welcomes[0].HPKEPublicKey, welcomes[0].Data)
	if err != nil || !id.Equal(g.ID) {
		t.Fatalf("ProcessWelcome = %s, %v", id, err)
	}
}

func TestSelfAddedGroupIsAllowed(t *testing.T) {
	ctx := context.Background()
	node := servertest.StartNode(t)
	phone := newInstallation(t, node, "alice")
	laptop := newInstallation(t, node, "alice")

	g, _, err := phone.manager(node).CreateGroup(ctx, nil, groups.CreateOptions{})
	if err != nil {
		t.Fatal(err)
	}
	// Adding the own inbox picks up the other installation.
	if err := g.AddMembers(ctx, []model.InboxID{"alice"}); err != nil {
		t.Fatalf("AddMembers: %v", err)
	}
	if _, err := laptop.processor(node).SyncWelcomes(ctx); err != nil {
		t.Fatal(err)
	}
	sg, err := laptop.store.Group(ctx, g.ID)
	if err != nil {
		t.Fatal(err)
	}
	if sg.Membership != model.MembershipAllowed {
		t.Fatalf("membership = %s, want allowed", sg.Membership)
	}
}

func TestProcessWelcomeWithoutKey(t *testing.T) {
	node := servertest.StartNode(t)
	bob := newInstallation(t, node, "bob")
	_, err := bob.processor(node).ProcessWelcome(context.Background(), []byte("unknown init key"), []byte("data"))
	if !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("ProcessWelcome = %v, want ErrKeyNotFound", err)
	}
}

func TestWelcomeRecoversFlaggedGroup(t *testing.T) {
	ctx := context.Background()
	node := servertest.StartNode(t)
	alice := newInstallation(t, node, "alice")
	bob := newInstallation(t, node, "bob")

	g, _, err := alice.manager(node).CreateGroup(ctx, []model.InboxID{"bob"}, groups.CreateOptions{})
	if err != nil {
		t.Fatal(err)
	}
	p := bob.processor(node)
	if _, err := p.SyncWelcomes(ctx); err != nil {
		t.Fatal(err)
	}

	if err := bob.store.MarkForked(ctx, g.ID, "test"); err != nil {
		t.Fatal(err)
	}
	if err := bob.store.SetRecoveryRequested(ctx, g.ID, time.Now().UnixNano()); err != nil {
		t.Fatal(err)
	}
	if err := g.ReaddInstallations(ctx, []model.InstallationID{bob.identity.InstallationID()}); err != nil {
		t.Fatalf("ReaddInstallations: %v", err)
	}

	joined, err := p.SyncWelcomes(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(joined) != 0 {
		t.Fatalf("recovery reported as a new group: %v", joined)
	}
	sg, err := bob.store.Group(ctx, g.ID)
	if err != nil {
		t.Fatal(err)
	}
	if sg.MaybeForked || sg.RecoveryRequestedNS != 0 {
		t.Fatalf("fork flags not cleared: %+v", sg)
	}
	if got, want := epochOf(t, bob, g.ID), epochOf(t, alice, g.ID); got != want {
		t.Fatalf("recovered at epoch %d, alice is at %d", got, want)
	}
	log, err := bob.store.LocalCommitLog(ctx, g.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(log) != 2 || log[1].CommitType != model.CommitTypeWelcome {
		t.Fatalf("commit log = %+v, want a second welcome entry", log)
	}
}
