package mls

import (
	"bytes"
	"e2e_group/internal/model"
	"e2e_group/internal/protocol/keypackage"
	"errors"
	"testing"
	"time"
)

type installation struct {
	identity *keypackage.Identity
	bundle   *keypackage.Bundle
}

func newInstallation(t *testing.T, inbox model.InboxID) installation {
	t.Helper()
	id, err := keypackage.NewIdentity(inbox)
	if err != nil {
		t.Fatalf("NewIdentity: %v", err)
	}
	b, err := id.Generate(time.Now())
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	return installation{identity: id, bundle: b}
}

// newPair returns a two-member group as seen by alice and by bob.
func newPair(t *testing.T) (Group, Group) {
	t.Helper()
	alice := newInstallation(t, "alice")
	bob := newInstallation(t, "bob")

	gid, err := model.NewGroupID()
	if err != nil {
		t.Fatalf("NewGroupID: %v", err)
	}
	ga, err := CreateGroup(gid, alice.identity, model.NewGroupContext("alice"), Options{})
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	sc, err := ga.CreateCommit(Add(&bob.bundle.KeyPackage))
	if err != nil {
		t.Fatalf("CreateCommit: %v", err)
	}
	if len(sc.Welcomes) != 1 {
		t.Fatalf("welcomes = %d, want 1", len(sc.Welcomes))
	}
	if err := ga.MergeStagedCommit(sc); err != nil {
		t.Fatalf("MergeStagedCommit: %v", err)
	}

	w, err := OpenWelcome(bob.bundle.InitPriv, sc.Welcomes[0])
	if err != nil {
		t.Fatalf("OpenWelcome: %v", err)
	}
	if by, ok := w.AddedBy(); !ok || by.InboxID != "alice" {
		t.Errorf("AddedBy = %v, %v; want alice", by.InboxID, ok)
	}
	gb, err := JoinFromWelcome(w, bob.identity, bob.bundle.InitPriv, Options{})
	if err != nil {
		t.Fatalf("JoinFromWelcome: %v", err)
	}
	assertSameEpoch(t, ga, gb)
	return ga, gb
}

func assertSameEpoch(t *testing.T, a, b Group) {
	t.Helper()
	if a.Epoch() != b.Epoch() {
		t.Fatalf("epochs differ: %d vs %d", a.Epoch(), b.Epoch())
	}
	authA, err := a.EpochAuthenticator()
	if err != nil {
		t.Fatalf("EpochAuthenticator: %v", err)
	}
	authB, err := b.EpochAuthenticator()
	if err != nil {
		t.Fatalf("EpochAuthenticator: %v", err)
	}
	if !bytes.Equal(authA, authB) {
		t.Fatalf("authenticators differ at epoch %d", a.Epoch())
	}
}

func TestApplicationMessages(t *testing.T) {
	ga, gb := newPair(t)

	ct, err := ga.EncryptApplication([]byte("hello bob"))
	if err != nil {
		t.Fatalf("EncryptApplication: %v", err)
	}
	p, err := gb.ProcessMessage(ct)
	if err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}
	if p.Application == nil {
		t.Fatal("expected an application message")
	}
	if got := string(p.Application.Plaintext); got != "hello bob" {
		t.Errorf("plaintext = %q, want %q", got, "hello bob")
	}
	if p.Application.SenderInboxID != "alice" {
		t.Errorf("sender = %q, want alice", p.Application.SenderInboxID)
	}
}

func TestRemoteCommitAdvancesBothMembers(t *testing.T) {
	ga, gb := newPair(t)

	sc, err := gb.CreateCommit()
	if err != nil {
		t.Fatalf("CreateCommit: %v", err)
	}
	if sc.Type() != "key_update" {
		t.Errorf("Type = %q, want key_update", sc.Type())
	}
	p, err := ga.ProcessMessage(sc.Message)
	if err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}
	if p.Commit == nil {
		t.Fatal("expected a staged commit")
	}
	if err := ga.MergeStagedCommit(p.Commit); err != nil {
		t.Fatalf("merge remote: %v", err)
	}
	if err := gb.MergeStagedCommit(sc); err != nil {
		t.Fatalf("merge own: %v", err)
	}
	assertSameEpoch(t, ga, gb)
	if ga.Epoch() != 2 {
		t.Errorf("epoch = %d, want 2", ga.Epoch())
	}
}

func TestConcurrentCommitsAtSameEpoch(t *testing.T) {
	ga, gb := newPair(t)

	fromA, err := ga.CreateCommit()
	if err != nil {
		t.Fatalf("CreateCommit alice: %v", err)
	}
	fromB, err := gb.CreateCommit()
	if err != nil {
		t.Fatalf("CreateCommit bob: %v", err)
	}

	// alice's commit is ordered first.
	if err := ga.MergeStagedCommit(fromA); err != nil {
		t.Fatalf("merge alice: %v", err)
	}
	p, err := gb.ProcessMessage(fromA.Message)
	if err != nil {
		t.Fatalf("bob ProcessMessage: %v", err)
	}
	if err := gb.MergeStagedCommit(p.Commit); err != nil {
		t.Fatalf("bob merge: %v", err)
	}

	if err := gb.MergeStagedCommit(fromB); !errors.Is(err, ErrWrongEpoch) {
		t.Errorf("stale own merge: err = %v, want ErrWrongEpoch", err)
	}
	if _, err := ga.ProcessMessage(fromB.Message); !errors.Is(err, ErrWrongEpoch) {
		t.Errorf("stale remote commit: err = %v, want ErrWrongEpoch", err)
	}
	assertSameEpoch(t, ga, gb)
}

func TestDivergentMergesForkAuthenticators(t *testing.T) {
	ga, gb := newPair(t)

	fromA, err := ga.CreateCommit()
	if err != nil {
		t.Fatalf("CreateCommit: %v", err)
	}
	fromB, err := gb.CreateCommit()
	if err != nil {
		t.Fatalf("CreateCommit: %v", err)
	}
	if err := ga.MergeStagedCommit(fromA); err != nil {
		t.Fatalf("merge: %v", err)
	}
	if err := gb.MergeStagedCommit(fromB); err != nil {
		t.Fatalf("merge: %v", err)
	}
	authA, _ := ga.EpochAuthenticator()
	authB, _ := gb.EpochAuthenticator()
	if ga.Epoch() != gb.Epoch() || bytes.Equal(authA, authB) {
		t.Error("divergent commits at the same epoch must produce different authenticators")
	}
}

func TestRemoveMember(t *testing.T) {
	ga, gb := newPair(t)

	sc, err := ga.CreateCommit(Remove(gb.Self()))
	if err != nil {
		t.Fatalf("CreateCommit: %v", err)
	}
	if got := sc.InboxesRemoved(); len(got) != 1 || got[0] != "bob" {
		t.Errorf("InboxesRemoved = %v, want [bob]", got)
	}
	p, err := gb.ProcessMessage(sc.Message)
	if err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}
	if !p.Commit.SelfRemoved {
		t.Error("SelfRemoved = false, want true")
	}
	if err := gb.MergeStagedCommit(p.Commit); err != nil {
		t.Fatalf("merge: %v", err)
	}
	if gb.Active() {
		t.Error("removed member still active")
	}
	if _, err := gb.EncryptApplication([]byte("x")); !errors.Is(err, ErrInactive) {
		t.Errorf("EncryptApplication after removal: err = %v, want ErrInactive", err)
	}

	if _, err := ga.CreateCommit(Remove(ga.Self())); !errors.Is(err, ErrInvalidCommit) {
		t.Errorf("self removal: err = %v, want ErrInvalidCommit", err)
	}
}

func TestGroupContextUpdate(t *testing.T) {
	ga, gb := newPair(t)

	ctx := ga.Context()
	ctx.Metadata[model.MetadataGroupName] = "weekend"
	sc, err := ga.CreateCommit(UpdateContext(ctx))
	if err != nil {
		t.Fatalf("CreateCommit: %v", err)
	}
	p, err := gb.ProcessMessage(sc.Message)
	if err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}
	if !p.Commit.ContextChanged {
		t.Error("ContextChanged = false")
	}
	if err := gb.MergeStagedCommit(p.Commit); err != nil {
		t.Fatalf("merge: %v", err)
	}
	if err := ga.MergeStagedCommit(sc); err != nil {
		t.Fatalf("merge: %v", err)
	}
	assertSameEpoch(t, ga, gb)
	if got := gb.Context().Metadata[model.MetadataGroupName]; got != "weekend" {
		t.Errorf("group name = %q, want weekend", got)
	}
}

func TestLateApplicationMessage(t *testing.T) {
	ga, gb := newPair(t)

	late, err := gb.EncryptApplication([]byte("sent before the commit"))
	if err != nil {
		t.Fatalf("EncryptApplication: %v", err)
	}
	for i := 0; i < DefaultMaxPastEpochs; i++ {
		sc, err := ga.CreateCommit()
		if err != nil {
			t.Fatalf("CreateCommit: %v", err)
		}
		if err := ga.MergeStagedCommit(sc); err != nil {
			t.Fatalf("merge: %v", err)
		}
	}
	p, err := ga.ProcessMessage(late)
	if err != nil {
		t.Fatalf("ProcessMessage late: %v", err)
	}
	if string(p.Application.Plaintext) != "sent before the commit" {
		t.Errorf("plaintext = %q", p.Application.Plaintext)
	}

	sc, err := ga.CreateCommit()
	if err != nil {
		t.Fatalf("CreateCommit: %v", err)
	}
	if err := ga.MergeStagedCommit(sc); err != nil {
		t.Fatalf("merge: %v", err)
	}
	if _, err := ga.ProcessMessage(late); !errors.Is(err, ErrEpochTooOld) {
		t.Errorf("too old: err = %v, want ErrEpochTooOld", err)
	}
}

func TestExportRestore(t *testing.T) {
	alice := newInstallation(t, "alice")
	gid, _ := model.NewGroupID()
	g, err := CreateGroup(gid, alice.identity, model.NewGroupContext("alice"), Options{})
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	data, err := g.Export()
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	restored, err := Restore(data, alice.identity)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	assertSameEpoch(t, g, restored)

	other := newInstallation(t, "mallory")
	if _, err := Restore(data, other.identity); err == nil {
		t.Error("Restore accepted another installation's state")
	}
}

func TestOpenWelcomeWithWrongKey(t *testing.T) {
	alice := newInstallation(t, "alice")
	bob := newInstallation(t, "bob")
	gid, _ := model.NewGroupID()
	g, err := CreateGroup(gid, alice.identity, model.NewGroupContext("alice"), Options{})
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	sc, err := g.CreateCommit(Add(&bob.bundle.KeyPackage))
	if err != nil {
		t.Fatalf("CreateCommit: %v", err)
	}
	if _, err := OpenWelcome(alice.bundle.InitPriv, sc.Welcomes[0]); err == nil {
		t.Error("OpenWelcome succeeded with the wrong init key")
	}
}

func TestConfirmationTag(t *testing.T) {
	epochSecret := bytes.Repeat([]byte{0x42}, 32)
	c := Commit{GroupID: model.GroupID{0x01}, Epoch: 3, Sender: model.InstallationID{0x02}, LeafKey: []byte{0x03}}
	tag, err := confirmationTag(epochSecret, c)
	if err != nil {
		t.Fatal(err)
	}
	c.ConfirmationTag = tag

	tests := []struct {
		name   string
		secret []byte
		mutate func(*Commit)
		want   bool
	}{
		{"matching", epochSecret, func(*Commit) {}, true},
		{"signature not covered", epochSecret, func(c *Commit) { c.Signature = []byte{0x09} }, true},
		{"other epoch secret", bytes.Repeat([]byte{0x43}, 32), func(*Commit) {}, false},
		{"flipped tag", epochSecret, func(c *Commit) {
			c.ConfirmationTag = bytes.Clone(c.ConfirmationTag)
			c.ConfirmationTag[0] ^= 0xff
		}, false},
		{"changed content", epochSecret, func(c *Commit) { c.Epoch++ }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cc := c
			tt.mutate(&cc)
			valid, err := verifyConfirmationTag(tt.secret, cc)
			if err != nil {
				t.Fatalf("verifyConfirmationTag: %v", err)
			}
			if valid != tt.want {
				t.Fatalf("valid = %v, want %v", valid, tt.want)
			}
		})
	}
}
