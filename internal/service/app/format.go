package app

import (
	"context"
	"e2e_group/internal/codec"
	"e2e_group/internal/model"
	"e2e_group/internal/service/groups"
	"fmt"
	"strings"

	"github.com/rivo/tview"
)

func shortID(b []byte) string {
	s := fmt.Sprintf("%x", b)
	if len(s) > 8 {
		return s[:8]
	}
	return s
}

// displayName is the group's name metadata, or a short form of its id.
func displayName(ctx context.Context, g *groups.Group) string {
	if gc, err := g.Context(ctx); err == nil && gc.Metadata["name"] != "" {
		return gc.Metadata["name"]
	}
	return shortID(g.ID)
}

func formatMessage(msg *model.StoredMessage, self model.InboxID) string {
	switch msg.Content.Type {
	case model.ContentTypeText:
		color, who := "green", string(msg.SenderInboxID)
		if msg.SenderInboxID == self {
			color, who = "yellow", "You"
		}
		return fmt.Sprintf("[%s]%s:[-] %s", color, tview.Escape(who), tview.Escape(string(msg.Content.Content)))
	case model.ContentTypeMembershipEvent:
		var change model.MembershipChange
		if err := codec.Unmarshal(msg.Content.Content, &change); err != nil {
			return "[gray]membership changed[-]"
		}
		var parts []string
		if len(change.Added) > 0 {
			parts = append(parts, "added "+joinInboxes(change.Added))
		}
		if len(change.Removed) > 0 {
			parts = append(parts, "removed "+joinInboxes(change.Removed))
		}
		return fmt.Sprintf("[gray]%s %s[-]", tview.Escape(string(change.Initiator)), tview.Escape(strings.Join(parts, ", ")))
	default:
		return fmt.Sprintf("[gray]%s sent unsupported content %q[-]", tview.Escape(string(msg.SenderInboxID)), msg.Content.Type)
	}
}

func joinInboxes(ids []model.InboxID) string {
	s := make([]string, len(ids))
	for i, id := range ids {
		s[i] = string(id)
	}
	return strings.Join(s, ", ")
}
