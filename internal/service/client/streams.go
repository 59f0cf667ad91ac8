package client

import (
	"context"
	"e2e_group/internal/model"
	"e2e_group/internal/repository/store"
	"e2e_group/internal/service/groups"
	"e2e_group/internal/service/stream"
	"errors"

	"go.uber.org/zap"
)

// StreamGroupMessages streams messages of every group this installation
// belongs to, including groups joined while the stream is open.
func (c *Client) StreamGroupMessages(ctx context.Context) *stream.Subscription[*model.StoredMessage] {
	return stream.Start[*model.StoredMessage](ctx, "group_messages", &messageSource{c: c}, stream.DefaultBuffer)
}

// StreamWelcomes streams the groups this installation is added to after
// the stream starts.
func (c *Client) StreamWelcomes(ctx context.Context) *stream.Subscription[*groups.Group] {
	return stream.Start[*groups.Group](ctx, "welcomes", &welcomeSource{c: c}, stream.DefaultBuffer)
}

func (c *Client) welcomeTopic() model.Topic {
	return model.WelcomeTopic(c.InstallationID())
}

func (c *Client) subscribe(ctx context.Context, topics ...model.Topic) (stream.EnvelopeStream, error) {
	es, err := c.backend.Subscribe(ctx, topics...)
	if err != nil {
		return nil, err
	}
	return es, nil
}

// groupSet returns the ids of the groups currently known.
func (c *Client) groupSet(ctx context.Context) (map[string]*groups.Group, error) {
	gs, err := c.manager.Groups(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*groups.Group, len(gs))
	for _, g := range gs {
		out[string(g.ID)] = g
	}
	return out, nil
}

type messageSource struct {
	c          *Client
	subscribed map[string]*groups.Group
}

// Open subscribes to the welcome topic and to every known group. A welcome
// that adds a group makes the stream resubscribe.
func (s *messageSource) Open(ctx context.Context) (stream.EnvelopeStream, error) {
	set, err := s.c.groupSet(ctx)
	if err != nil {
		return nil, err
	}
	topics := []model.Topic{s.c.welcomeTopic()}
	for _, g := range set {
		topics = append(topics, model.GroupTopic(g.ID))
	}
	s.subscribed = set
	return s.c.subscribe(ctx, topics...)
}

func (s *messageSource) CatchUp(ctx context.Context) ([]*model.StoredMessage, error) {
	if _, err := s.c.welcomes.SyncWelcomes(ctx); err != nil {
		return nil, err
	}
	set, err := s.c.groupSet(ctx)
	if err != nil {
		return nil, err
	}
	var out []*model.StoredMessage
	for _, g := range set {
		msgs, err := s.c.manager.Receive(ctx, g.ID)
		if err != nil {
			if errors.Is(err, store.ErrNeedsReconnect) {
				return out, err
			}
			s.c.logger.Warn("catching up group failed", zap.Stringer("group", g.ID), zap.Error(err))
			continue
		}
		out = append(out, msgs...)
	}
	if s.missing(set) {
		return out, stream.ErrResubscribe
	}
	return out, nil
}

// missing reports whether set holds a group the open stream does not cover.
func (s *messageSource) missing(set map[string]*groups.Group) bool {
	for id := range set {
		if _, ok := s.subscribed[id]; !ok {
			return true
		}
	}
	return false
}

func (s *messageSource) Handle(ctx context.Context, env model.Envelope) ([]*model.StoredMessage, error) {
	if env.Topic.Kind != model.TopicKindWelcomeMessages {
		return s.c.manager.ProcessStreamed(ctx, env)
	}
	if _, err := s.c.welcomes.ProcessStreamed(ctx, env); err != nil {
		return nil, err
	}
	set, err := s.c.groupSet(ctx)
	if err != nil {
		return nil, err
	}
	if s.missing(set) {
		return nil, stream.ErrResubscribe
	}
	return nil, nil
}

type welcomeSource struct {
	c     *Client
	known map[string]*groups.Group
}

func (s *welcomeSource) Open(ctx context.Context) (stream.EnvelopeStream, error) {
	if s.known == nil {
		set, err := s.c.groupSet(ctx)
		if err != nil {
			return nil, err
		}
		s.known = set
	}
	return s.c.subscribe(ctx, s.c.welcomeTopic())
}

func (s *welcomeSource) CatchUp(ctx context.Context) ([]*groups.Group, error) {
	if _, err := s.c.welcomes.SyncWelcomes(ctx); err != nil {
		return nil, err
	}
	return s.joined(ctx)
}

func (s *welcomeSource) Handle(ctx context.Context, env model.Envelope) ([]*groups.Group, error) {
	if _, err := s.c.welcomes.ProcessStreamed(ctx, env); err != nil {
		return nil, err
	}
	return s.joined(ctx)
}

// joined reports the groups that appeared since the last call. Welcomes
// may be processed by another stream or a sync, so the store is the
// reference rather than the welcome just handled.
func (s *welcomeSource) joined(ctx context.Context) ([]*groups.Group, error) {
	set, err := s.c.groupSet(ctx)
	if err != nil {
		return nil, err
	}
	var out []*groups.Group
	for id, g := range set {
		if _, ok := s.known[id]; !ok {
			s.known[id] = g
			out = append(out, g)
		}
	}
	return out, nil
}
