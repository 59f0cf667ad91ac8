package app

import (
	"e2e_group/internal/codec"
	"e2e_group/internal/model"
	"strings"
	"testing"
)

func TestFormatMessage(t *testing.T) {
	change, err := codec.Marshal(model.MembershipChange{Initiator: "alice", Added: []model.InboxID{"bob", "carol"}})
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name string
		msg  model.StoredMessage
		want string
	}{
		{"own text", model.StoredMessage{SenderInboxID: "alice", Content: model.TextContent("hi")}, "[yellow]You:[-] hi"},
		{"other text", model.StoredMessage{SenderInboxID: "bob", Content: model.TextContent("yo")}, "[green]bob:[-] yo"},
		{"membership", model.StoredMessage{Content: model.EncodedContent{Type: model.ContentTypeMembershipEvent, Content: change}},
			"[gray]alice added bob, carol[-]"},
		{"unknown", model.StoredMessage{SenderInboxID: "bob", Content: model.EncodedContent{Type: "reaction"}}, "unsupported content"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := formatMessage(&tt.msg, "alice"); !strings.Contains(got, tt.want) {
				t.Fatalf("formatMessage = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestShortID(t *testing.T) {
	if got := shortID([]byte{0xde, 0xad, 0xbe, 0xef, 0x01}); got != "deadbeef" {
		t.Fatalf("shortID = %q", got)
	}
	if got := shortID([]byte{0x01}); got != "01" {
		t.Fatalf("shortID = %q", got)
	}
}
