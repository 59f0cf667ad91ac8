package store

import (
	"context"
	"e2e_group/internal/model"
	"e2e_group/internal/protocol/keypackage"
	"errors"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "client.db"), 2)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestIdentity(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	if _, err := s.Identity(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Identity on empty store = %v, want ErrNotFound", err)
	}
	id, err := keypackage.NewIdentity("alice")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SaveIdentity(ctx, id); err != nil {
		t.Fatalf("SaveIdentity: %v", err)
	}
	got, err := s.Identity(ctx)
	if err != nil {
		t.Fatalf("Identity: %v", err)
	}
	if got.Credential.InboxID != "alice" || !got.InstallationID().Equal(id.InstallationID()) {
		t.Fatalf("Identity = %+v", got.Credential)
	}

	if err := s.PutKeyPackageKey(ctx, []byte("pub"), []byte("priv")); err != nil {
		t.Fatalf("PutKeyPackageKey: %v", err)
	}
	priv, err := s.KeyPackageKey(ctx, []byte("pub"))
	if err != nil || string(priv) != "priv" {
		t.Fatalf("KeyPackageKey = %q, %v", priv, err)
	}
	if _, err := s.KeyPackageKey(ctx, []byte("other")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("KeyPackageKey(other) = %v, want ErrNotFound", err)
	}
}

func TestGroups(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	id := model.GroupID{0x01, 0x02}

	g := &model.StoredGroup{ID: id, MLSState: []byte("state-0"), Membership: model.MembershipPending, CreatedNS: 10, AddedByInboxID: "bob"}
	inserted, err := s.InsertGroup(ctx, g)
	if err != nil || !inserted {
		t.Fatalf("InsertGroup = %v, %v", inserted, err)
	}
	again := *g
	again.MLSState = []byte("other")
	inserted, err = s.InsertGroup(ctx, &again)
	if err != nil || inserted {
		t.Fatalf("second InsertGroup = %v, %v; want not inserted", inserted, err)
	}

	if err := s.MarkForked(ctx, id, "epoch 4 disagrees"); err != nil {
		t.Fatalf("MarkForked: %v", err)
	}
	for _, ns := range []int64{42, 99} {
		if err := s.SetRecoveryRequested(ctx, id, ns); err != nil {
			t.Fatalf("SetRecoveryRequested: %v", err)
		}
	}
	forked, err := s.ForkedGroups(ctx)
	if err != nil || len(forked) != 1 || forked[0].ForkDetails != "epoch 4 disagrees" ||
		forked[0].RecoveryRequestedNS != 99 || forked[0].RecoveryAttempts != 2 {
		t.Fatalf("ForkedGroups = %+v, %v", forked, err)
	}

	if err := s.ReplaceGroupState(ctx, id, []byte("state-5"), 12); err != nil {
		t.Fatalf("ReplaceGroupState: %v", err)
	}
	got, err := s.Group(ctx, id)
	if err != nil {
		t.Fatalf("Group: %v", err)
	}
	if got.MaybeForked || got.RecoveryRequestedNS != 0 || got.RecoveryAttempts != 0 ||
		string(got.MLSState) != "state-5" || got.WelcomeSequenceID != 12 {
		t.Fatalf("after recovery = %+v", got)
	}
	if got.AddedByInboxID != "bob" || got.Membership != model.MembershipPending {
		t.Fatalf("group fields changed: %+v", got)
	}

	if err := s.SaveGroupState(ctx, model.GroupID{0xff}, nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("SaveGroupState unknown = %v, want ErrNotFound", err)
	}
}

func TestIntentLifecycle(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	group := model.GroupID{0x07}

	var ids []model.IntentID
	for _, k := range []model.IntentKind{model.IntentSendMessage, model.IntentKeyUpdate, model.IntentSendMessage} {
		id, err := s.InsertIntent(ctx, &model.Intent{GroupID: group, Kind: k, Data: []byte{byte(k)}, State: model.IntentToPublish, CreatedNS: 1})
		if err != nil {
			t.Fatalf("InsertIntent: %v", err)
		}
		ids = append(ids, id)
	}

	if err := s.SetIntentPublished(ctx, ids[0], []byte("h0"), nil, 3); err != nil {
		t.Fatalf("SetIntentPublished: %v", err)
	}
	if err := s.SetIntentState(ctx, ids[0], model.IntentCommitted, ""); err != nil {
		t.Fatalf("SetIntentState: %v", err)
	}
	if err := s.SetIntentPublished(ctx, ids[1], []byte("h1"), []byte("staged"), 3); err != nil {
		t.Fatalf("SetIntentPublished: %v", err)
	}

	pending, err := s.PendingIntents(ctx, group)
	if err != nil {
		t.Fatalf("PendingIntents: %v", err)
	}
	if len(pending) != 2 || pending[0].ID != ids[1] || pending[1].ID != ids[2] {
		t.Fatalf("pending = %+v", pending)
	}
	if pending[0].State != model.IntentPublished || string(pending[0].StagedCommit) != "staged" || pending[0].PublishedInEpoch != 3 {
		t.Fatalf("published intent = %+v", pending[0])
	}

	found, err := s.IntentByPayloadHash(ctx, []byte("h1"))
	if err != nil || found.ID != ids[1] {
		t.Fatalf("IntentByPayloadHash = %+v, %v", found, err)
	}

	if err := s.ResetIntent(ctx, ids[1]); err != nil {
		t.Fatalf("ResetIntent: %v", err)
	}
	reset, err := s.Intent(ctx, ids[1])
	if err != nil {
		t.Fatalf("Intent: %v", err)
	}
	if reset.State != model.IntentToPublish || reset.StagedCommit != nil || reset.PayloadHash != nil {
		t.Fatalf("reset intent = %+v", reset)
	}
	if _, err := s.IntentByPayloadHash(ctx, []byte("h1")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("hash after reset = %v, want ErrNotFound", err)
	}

	for want := 1; want <= 3; want++ {
		n, err := s.IncrementPublishAttempts(ctx, ids[2])
		if err != nil || n != want {
			t.Fatalf("IncrementPublishAttempts = %d, %v; want %d", n, err, want)
		}
	}
}

func TestLocalCommitLogAppendOnly(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	group := model.GroupID{0x09}

	entry := model.CommitLogEntry{
		GroupID:                   group,
		CommitSequenceID:          5,
		OriginatorID:              100,
		LastEpochAuthenticator:    []byte("a3"),
		Result:                    model.CommitSuccess,
		AppliedEpochNumber:        4,
		AppliedEpochAuthenticator: []byte("a4"),
		SenderInboxID:             "bob",
		CommitType:                "key_update",
		TimestampNS:               1,
	}
	first := entry
	inserted, err := s.AppendLocalCommitLog(ctx, &first)
	if err != nil || !inserted || first.ID == 0 {
		t.Fatalf("AppendLocalCommitLog = %v, %v (id %d)", inserted, err, first.ID)
	}

	replay := entry
	replay.Result = model.CommitWrongEpoch
	inserted, err = s.AppendLocalCommitLog(ctx, &replay)
	if err != nil || inserted {
		t.Fatalf("replayed append = %v, %v; want ignored", inserted, err)
	}

	other := entry
	other.CommitSequenceID = 6
	other.Result = model.CommitWrongEpoch
	if _, err := s.AppendLocalCommitLog(ctx, &other); err != nil {
		t.Fatal(err)
	}

	log, err := s.LocalCommitLog(ctx, group, 0)
	if err != nil {
		t.Fatalf("LocalCommitLog: %v", err)
	}
	if len(log) != 2 {
		t.Fatalf("got %d entries, want 2", len(log))
	}
	if log[0].Result != model.CommitSuccess || string(log[0].AppliedEpochAuthenticator) != "a4" {
		t.Fatalf("first entry was modified: %+v", log[0])
	}

	after, err := s.LocalCommitLog(ctx, group, log[0].ID)
	if err != nil || len(after) != 1 || after[0].CommitSequenceID != 6 {
		t.Fatalf("LocalCommitLog after first = %+v, %v", after, err)
	}

	if err := s.SetPublishedCommitLogID(ctx, group, log[1].ID); err != nil {
		t.Fatal(err)
	}
	if err := s.SetPublishedCommitLogID(ctx, group, log[0].ID); err != nil {
		t.Fatal(err)
	}
	if id, err := s.PublishedCommitLogID(ctx, group); err != nil || id != log[1].ID {
		t.Fatalf("PublishedCommitLogID = %d, %v; want %d", id, err, log[1].ID)
	}
}

func TestRemoteCommitLog(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	group := model.GroupID{0x0a}

	entries := []model.RemoteCommitLogEntry{
		{LogSequenceID: 1, Publisher: []byte{1}, Entry: model.CommitLogEntry{GroupID: group, AppliedEpochNumber: 1, AppliedEpochAuthenticator: []byte("x")}},
		{LogSequenceID: 2, Publisher: []byte{2}, Entry: model.CommitLogEntry{GroupID: group, AppliedEpochNumber: 1, AppliedEpochAuthenticator: []byte("x")}},
	}
	if err := s.InsertRemoteCommitLog(ctx, group, entries); err != nil {
		t.Fatalf("InsertRemoteCommitLog: %v", err)
	}
	if err := s.InsertRemoteCommitLog(ctx, group, entries[1:]); err != nil {
		t.Fatalf("InsertRemoteCommitLog replay: %v", err)
	}
	got, err := s.RemoteCommitLog(ctx, group)
	if err != nil || len(got) != 2 {
		t.Fatalf("RemoteCommitLog = %+v, %v", got, err)
	}
	if string(got[1].Entry.AppliedEpochAuthenticator) != "x" || got[1].Publisher[0] != 2 {
		t.Fatalf("remote entry = %+v", got[1])
	}
	if seq, err := s.LastRemoteLogSequenceID(ctx, group); err != nil || seq != 2 {
		t.Fatalf("LastRemoteLogSequenceID = %d, %v", seq, err)
	}
}

func TestCursorNeverMovesBack(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	topic := model.GroupTopic(model.GroupID{0x0b})

	for _, c := range []model.Cursor{{OriginatorID: 1, SequenceID: 5}, {OriginatorID: 1, SequenceID: 3}, {OriginatorID: 2, SequenceID: 9}} {
		if err := s.AdvanceCursor(ctx, topic, c); err != nil {
			t.Fatalf("AdvanceCursor: %v", err)
		}
	}
	got, err := s.Cursor(ctx, topic)
	if err != nil {
		t.Fatalf("Cursor: %v", err)
	}
	if got.Get(1) != 5 || got.Get(2) != 9 || len(got) != 2 {
		t.Fatalf("Cursor = %s", got)
	}
	empty, err := s.Cursor(ctx, model.GroupTopic(model.GroupID{0x0c}))
	if err != nil || len(empty) != 0 {
		t.Fatalf("unknown topic cursor = %s, %v", empty, err)
	}
}

func TestMessages(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	group := model.GroupID{0x0d}

	for i, text := range []string{"one", "two", "three"} {
		m := &model.StoredMessage{
			ID:            []byte{byte(i)},
			GroupID:       group,
			SenderInboxID: "alice",
			Content:       model.TextContent(text),
			SentNS:        int64(i + 1),
			Delivery:      model.DeliveryUnpublished,
		}
		if _, err := s.InsertMessage(ctx, m); err != nil {
			t.Fatalf("InsertMessage: %v", err)
		}
	}
	dup := &model.StoredMessage{ID: []byte{0}, GroupID: group, Content: model.TextContent("dup"), Delivery: model.DeliveryPublished}
	if inserted, err := s.InsertMessage(ctx, dup); err != nil || inserted {
		t.Fatalf("duplicate InsertMessage = %v, %v", inserted, err)
	}
	if err := s.MarkMessagePublished(ctx, []byte{0}, model.Cursor{OriginatorID: 100, SequenceID: 4}, 1); err != nil {
		t.Fatalf("MarkMessagePublished: %v", err)
	}
	if err := s.DeleteMessage(ctx, []byte{2}); err != nil {
		t.Fatalf("DeleteMessage: %v", err)
	}

	all, err := s.Messages(ctx, group, 0)
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(all) != 2 || string(all[0].Content.Content) != "one" || string(all[1].Content.Content) != "two" {
		t.Fatalf("Messages = %+v", all)
	}
	if all[0].Delivery != model.DeliveryPublished || all[0].Cursor.SequenceID != 4 {
		t.Fatalf("published message = %+v", all[0])
	}

	last, err := s.Messages(ctx, group, 1)
	if err != nil || len(last) != 1 || string(last[0].Content.Content) != "two" {
		t.Fatalf("Messages limit 1 = %+v, %v", last, err)
	}
}

func TestClosedStoreNeedsReconnect(t *testing.T) {
	s := openTestStore(t)
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := s.Groups(context.Background()); !errors.Is(err, ErrNeedsReconnect) {
		t.Fatalf("Groups after Close = %v, want ErrNeedsReconnect", err)
	}
}
