package commitlog

import (
	"context"
	"e2e_group/internal/model"
	"e2e_group/internal/repository/store"
	"e2e_group/internal/service/server"
	"path/filepath"
	"testing"
)

// coordinatorBackend serves the commit log endpoints straight from a
// node coordinator.
type coordinatorBackend struct {
	coord     *server.MemoryCoordinator
	published int
}

func (b *coordinatorBackend) PublishCommitLog(ctx context.Context, publisher model.InstallationID, entries []model.CommitLogEntry) error {
	b.published += len(entries)
	return b.coord.AppendCommitLog(ctx, entries[0].GroupID, publisher, entries)
}

func (b *coordinatorBackend) QueryCommitLog(ctx context.Context, group model.GroupID, after uint64) ([]model.RemoteCommitLogEntry, error) {
	return b.coord.CommitLog(ctx, group, after, 0)
}

type installationLog struct {
	svc   *Service
	store *store.Store
}

func newInstallationLog(t *testing.T, self string, backend Backend, group model.GroupID) installationLog {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "client.db"), 2)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if _, err := st.InsertGroup(context.Background(), &model.StoredGroup{
		ID:         group,
		MLSState:   []byte("state"),
		Membership: model.MembershipAllowed,
	}); err != nil {
		t.Fatalf("InsertGroup: %v", err)
	}
	return installationLog{svc: NewService(model.InstallationID(self), st, backend), store: st}
}

func (l installationLog) append(t *testing.T, e model.CommitLogEntry) {
	t.Helper()
	if _, err := l.store.AppendLocalCommitLog(context.Background(), &e); err != nil {
		t.Fatalf("AppendLocalCommitLog: %v", err)
	}
}

func (l installationLog) group(t *testing.T, id model.GroupID) *model.StoredGroup {
	t.Helper()
	g, err := l.store.Group(context.Background(), id)
	if err != nil {
		t.Fatalf("Group: %v", err)
	}
	return g
}

func entry(group model.GroupID, seq uint64, result model.CommitResult, epoch uint64, auth string) model.CommitLogEntry {
	e := success(epoch, auth)
	e.GroupID = group
	e.CommitSequenceID = seq
	e.OriginatorID = 100
	e.Result = result
	return e
}

func TestPublishOnlyNewSuccessEntries(t *testing.T) {
	ctx := context.Background()
	group := model.GroupID{0x01}
	backend := &coordinatorBackend{coord: server.NewMemoryCoordinator()}
	alice := newInstallationLog(t, "alice", backend, group)

	alice.append(t, entry(group, 1, model.CommitSuccess, 1, "a1"))
	alice.append(t, entry(group, 2, model.CommitWrongEpoch, 1, "a1"))
	alice.append(t, entry(group, 3, model.CommitSuccess, 2, "a2"))

	n, err := alice.svc.Publish(ctx, group)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if n != 2 {
		t.Fatalf("published %d entries, want 2", n)
	}
	if n, err := alice.svc.Publish(ctx, group); err != nil || n != 0 {
		t.Fatalf("second Publish = %d, %v; want 0, nil", n, err)
	}

	alice.append(t, entry(group, 4, model.CommitSuccess, 3, "a3"))
	if n, err := alice.svc.Publish(ctx, group); err != nil || n != 1 {
		t.Fatalf("third Publish = %d, %v; want 1, nil", n, err)
	}
	if backend.published != 3 {
		t.Fatalf("backend received %d entries, want 3", backend.published)
	}
}

func TestFetchResumes(t *testing.T) {
	ctx := context.Background()
	group := model.GroupID{0x01}
	backend := &coordinatorBackend{coord: server.NewMemoryCoordinator()}
	alice := newInstallationLog(t, "alice", backend, group)
	bob := newInstallationLog(t, "bob", backend, group)

	alice.append(t, entry(group, 1, model.CommitSuccess, 1, "e1"))
	if _, err := alice.svc.Publish(ctx, group); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if n, err := bob.svc.Fetch(ctx, group); err != nil || n != 1 {
		t.Fatalf("Fetch = %d, %v; want 1, nil", n, err)
	}

	alice.append(t, entry(group, 2, model.CommitSuccess, 2, "e2"))
	if _, err := alice.svc.Publish(ctx, group); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if n, err := bob.svc.Fetch(ctx, group); err != nil || n != 1 {
		t.Fatalf("second Fetch = %d, %v; want 1, nil", n, err)
	}
	remote, err := bob.store.RemoteCommitLog(ctx, group)
	if err != nil {
		t.Fatalf("RemoteCommitLog: %v", err)
	}
	if len(remote) != 2 || string(remote[1].Publisher) != "alice" || remote[1].Entry.AppliedEpochNumber != 2 {
		t.Fatalf("remote log = %+v", remote)
	}
}

func TestTickFlagsDivergentInstallation(t *testing.T) {
	ctx := context.Background()
	group := model.GroupID{0x01}
	backend := &coordinatorBackend{coord: server.NewMemoryCoordinator()}
	alice := newInstallationLog(t, "alice", backend, group)
	bob := newInstallationLog(t, "bob", backend, group)
	carol := newInstallationLog(t, "carol", backend, group)

	alice.append(t, entry(group, 1, model.CommitSuccess, 1, "good"))
	bob.append(t, entry(group, 1, model.CommitSuccess, 1, "good"))
	carol.append(t, entry(group, 1, model.CommitSuccess, 1, "bad"))

	for round := 0; round < 2; round++ {
		for _, l := range []installationLog{alice, bob, carol} {
			if err := l.svc.Tick(ctx); err != nil {
				t.Fatalf("Tick: %v", err)
			}
		}
	}

	if g := alice.group(t, group); g.MaybeForked {
		t.Fatalf("alice flagged as forked: %s", g.ForkDetails)
	}
	if g := bob.group(t, group); g.MaybeForked {
		t.Fatalf("bob flagged as forked: %s", g.ForkDetails)
	}
	g := carol.group(t, group)
	if !g.MaybeForked || g.ForkDetails == "" {
		t.Fatalf("carol not flagged: %+v", g)
	}

	// Already flagged groups are not re-examined.
	if d, err := carol.svc.Detect(ctx, g); err != nil || d != nil {
		t.Fatalf("Detect on flagged group = %+v, %v", d, err)
	}
}
