package model

import (
	"encoding/hex"
	"errors"
	"fmt"
)

type (
	TopicKind uint8

	// Topic scopes ordering state: one group's messages, one installation's
	// welcomes, and so on.
	Topic struct {
		Kind       TopicKind
		Identifier []byte
	}
)

const (
	TopicKindGroupMessages TopicKind = iota + 1
	TopicKindWelcomeMessages
	TopicKindIdentityUpdates
	TopicKindKeyPackages
	TopicKindCommitLog
)

var ErrInvalidTopic = errors.New("invalid topic")

func (k TopicKind) String() string {
	switch k {
	case TopicKindGroupMessages:
		return "group_messages"
	case TopicKindWelcomeMessages:
		return "welcome_messages"
	case TopicKindIdentityUpdates:
		return "identity_updates"
	case TopicKindKeyPackages:
		return "key_packages"
	case TopicKindCommitLog:
		return "commit_log"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

func GroupTopic(id GroupID) Topic {
	return Topic{Kind: TopicKindGroupMessages, Identifier: id}
}

func WelcomeTopic(installation InstallationID) Topic {
	return Topic{Kind: TopicKindWelcomeMessages, Identifier: installation}
}

func CommitLogTopic(id GroupID) Topic {
	return Topic{Kind: TopicKindCommitLog, Identifier: id}
}

// Bytes is the wire form: one kind byte followed by the identifier.
func (t Topic) Bytes() []byte {
	out := make([]byte, 0, 1+len(t.Identifier))
	out = append(out, byte(t.Kind))
	return append(out, t.Identifier...)
}

// Key is a map key for the topic.
func (t Topic) Key() string { return string(t.Bytes()) }

func (t Topic) String() string {
	return t.Kind.String() + "/" + hex.EncodeToString(t.Identifier)
}

func ParseTopic(b []byte) (Topic, error) {
	if len(b) < 2 {
		return Topic{}, fmt.Errorf("%w: %d bytes", ErrInvalidTopic, len(b))
	}
	kind := TopicKind(b[0])
	if kind < TopicKindGroupMessages || kind > TopicKindCommitLog {
		return Topic{}, fmt.Errorf("%w: kind %d", ErrInvalidTopic, b[0])
	}
	return Topic{Kind: kind, Identifier: append([]byte(nil), b[1:]...)}, nil
}
