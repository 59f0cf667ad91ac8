package groups

import (
	"e2e_group/internal/model"
	"e2e_group/internal/protocol/keypackage"
	"e2e_group/internal/protocol/mls"
	"errors"
	"testing"
	"time"
)

func TestAuthorizeContext(t *testing.T) {
	base := model.NewGroupContext("alice")
	base.Admins = []model.InboxID{"bob"}

	tests := []struct {
		name   string
		actor  model.InboxID
		change func(*model.GroupContext)
		ok     bool
	}{
		{"no change", "carol", func(*model.GroupContext) {}, true},
		{"member edits metadata", "carol", func(c *model.GroupContext) { c.Metadata["name"] = "x" }, true},
		{"admin adds admin", "bob", func(c *model.GroupContext) { c.Admins = append(c.Admins, "carol") }, false},
		{"super admin adds admin", "alice", func(c *model.GroupContext) { c.Admins = append(c.Admins, "carol") }, true},
		{"admin removes admin", "bob", func(c *model.GroupContext) { c.Admins = nil }, false},
		{"super admin adds super admin", "alice", func(c *model.GroupContext) { c.SuperAdmins = append(c.SuperAdmins, "bob") }, true},
		{"admin adds super admin", "bob", func(c *model.GroupContext) { c.SuperAdmins = append(c.SuperAdmins, "bob") }, false},
		{"last super admin leaves", "alice", func(c *model.GroupContext) { c.SuperAdmins = nil }, false},
		{"member changes policy", "carol", func(c *model.GroupContext) { c.Policies.AddMember = model.PolicyDeny }, false},
		{"super admin changes policy", "alice", func(c *model.GroupContext) { c.Policies.AddMember = model.PolicyAdminOnly }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next := base.Clone()
			tt.change(&next)
			err := authorizeContext(base, next, tt.actor)
			if tt.ok && err != nil {
				t.Fatalf("authorizeContext: %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrNotPermitted) {
				t.Fatalf("authorizeContext = %v, want ErrNotPermitted", err)
			}
		})
	}
}

func TestAuthorizeMembershipCommit(t *testing.T) {
	gc := model.NewGroupContext("alice")
	bob := mls.Member{Installation: model.InstallationID("bob-1"), InboxID: "bob"}
	carol := mls.Member{Installation: model.InstallationID("carol-1"), InboxID: "carol"}

	tests := []struct {
		name string
		sc   mls.StagedCommit
		ok   bool
	}{
		{"member adds", mls.StagedCommit{SenderInboxID: "bob", Added: []mls.Member{carol}}, true},
		{"member removes", mls.StagedCommit{SenderInboxID: "bob", Removed: []mls.Member{carol}}, false},
		{"super admin removes", mls.StagedCommit{SenderInboxID: "alice", Removed: []mls.Member{bob}}, true},
		{"member readds", mls.StagedCommit{SenderInboxID: "bob", Removed: []mls.Member{carol}, Added: []mls.Member{carol}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := authorize(gc, &tt.sc)
			if tt.ok != (err == nil) {
				t.Fatalf("authorize = %v, want ok=%v", err, tt.ok)
			}
		})
	}
}

func TestLatestPerInstallation(t *testing.T) {
	alice, err := keypackage.NewIdentity("alice")
	if err != nil {
		t.Fatal(err)
	}
	other, err := keypackage.NewIdentity("alice")
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	var kps []*keypackage.KeyPackage
	for _, gen := range []struct {
		id *keypackage.Identity
		at time.Time
	}{{alice, now}, {alice, now.Add(time.Hour)}, {other, now}, {alice, now.Add(-time.Hour)}} {
		b, err := gen.id.Generate(gen.at)
		if err != nil {
			t.Fatal(err)
		}
		kps = append(kps, &b.KeyPackage)
	}

	got := latestPerInstallation(kps)
	if len(got) != 2 {
		t.Fatalf("got %d key packages, want 2", len(got))
	}
	if got[0] != kps[1] || got[1] != kps[2] {
		t.Fatal("latestPerInstallation did not keep the latest package per installation")
	}
}

func TestLockRegistry(t *testing.T) {
	r := NewLockRegistry()
	a, b := model.GroupID("a"), model.GroupID("b")

	unlockA := r.Lock(a)
	unlockB := r.Lock(b)
	if r.Len() != 2 {
		t.Fatalf("Len = %d, want 2", r.Len())
	}

	acquired := make(chan struct{})
	go func() {
		unlock := r.Lock(a)
		unlock()
		close(acquired)
	}()
	select {
	case <-acquired:
		t.Fatal("second Lock on a held group did not block")
	case <-time.After(20 * time.Millisecond):
	}

	unlockA()
	unlockA()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter was not released")
	}
	unlockB()
	if r.Len() != 0 {
		t.Fatalf("Len = %d after all unlocks, want 0", r.Len())
	}
}
