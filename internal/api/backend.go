package api

import (
	"context"
	"e2e_group/internal/codec"
	"e2e_group/internal/model"
	"e2e_group/internal/protocol/keypackage"
	"e2e_group/internal/utils/log"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultQueryLimit  = 500
	welcomeConcurrency = 8
)

// Backend is the typed delivery API over a Client. Envelopes coming back
// are validated; invalid ones are dropped and logged, never retried.
type Backend struct {
	client    Client
	validator *Validator
	logger    *zap.Logger
}

func NewBackend(client Client, validator *Validator) *Backend {
	return &Backend{client: client, validator: validator, logger: log.Named("backend")}
}

func (b *Backend) call(ctx context.Context, path string, req, resp any) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", path, err)
	}
	data, err := b.client.Request(ctx, path, body)
	if err != nil {
		return err
	}
	if resp == nil {
		return nil
	}
	if err := json.Unmarshal(data, resp); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// validateAll keeps the envelopes that validate and logs the rest.
func (b *Backend) validateAll(ctx context.Context, raw [][]byte) ([]model.Envelope, error) {
	out := make([]model.Envelope, 0, len(raw))
	for _, r := range raw {
		env, err := b.validator.Validate(ctx, r)
		if err != nil {
			var ve *ValidationError
			if !errors.As(err, &ve) {
				return nil, err
			}
			b.logger.Warn("dropping invalid envelope", zap.Error(err))
			continue
		}
		out = append(out, env)
	}
	return out, nil
}

// PublishEnvelopes submits client envelopes and returns them as stamped by
// the originator node.
func (b *Backend) PublishEnvelopes(ctx context.Context, envs ...model.ClientEnvelope) ([]model.Envelope, error) {
	req := PublishEnvelopesRequest{Envelopes: make([][]byte, 0, len(envs))}
	for _, e := range envs {
		data, err := codec.Marshal(e)
		if err != nil {
			return nil, fmt.Errorf("encode client envelope: %w", err)
		}
		req.Envelopes = append(req.Envelopes, data)
	}
	var resp PublishEnvelopesResponse
	if err := b.call(ctx, PathPublishEnvelopes, req, &resp); err != nil {
		return nil, err
	}
	out := make([]model.Envelope, 0, len(resp.Envelopes))
	for _, r := range resp.Envelopes {
		env, err := b.validator.Validate(ctx, r)
		if err != nil {
			return nil, fmt.Errorf("published envelope: %w", err)
		}
		out = append(out, env)
	}
	return out, nil
}

// QueryEnvelopes pages through topic from since until the node has nothing
// newer. The paging cursor moves past every envelope the node returned,
// including ones that fail validation; a full page that does not move it
// ends the query.
func (b *Backend) QueryEnvelopes(ctx context.Context, topic model.Topic, since model.GlobalCursor) ([]model.Envelope, error) {
	lastSeen := since.Clone()
	var out []model.Envelope
	for {
		req := QueryEnvelopesRequest{Topic: topic.Bytes(), LastSeen: lastSeen, Limit: defaultQueryLimit}
		var resp QueryEnvelopesResponse
		if err := b.call(ctx, PathQueryEnvelopes, req, &resp); err != nil {
			return nil, err
		}
		page, err := b.validateAll(ctx, resp.Envelopes)
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if len(resp.Envelopes) < defaultQueryLimit {
			return out, nil
		}
		progressed := false
		for _, raw := range resp.Envelopes {
			if c, ok := originatorCursor(raw); ok && lastSeen.Apply(c) {
				progressed = true
			}
		}
		if !progressed {
			b.logger.Warn("query page did not advance the cursor, stopping",
				zap.String("topic", topic.String()), zap.Stringer("last_seen", lastSeen))
			return out, nil
		}
	}
}

// originatorCursor reads the originator position of an encoded envelope
// without checking its proof.
func originatorCursor(raw []byte) (model.Cursor, bool) {
	var oe model.OriginatorEnvelope
	if err := codec.Unmarshal(raw, &oe); err != nil {
		return model.Cursor{}, false
	}
	var unsigned model.UnsignedOriginatorEnvelope
	if err := codec.Unmarshal(oe.UnsignedOriginatorEnvelope, &unsigned); err != nil {
		return model.Cursor{}, false
	}
	return model.Cursor{OriginatorID: unsigned.OriginatorNodeID, SequenceID: unsigned.OriginatorSequenceID}, true
}

// Backfill serves the ordering resolver's requests for missing envelopes.
func (b *Backend) Backfill(ctx context.Context, topic model.Topic, since model.GlobalCursor, _ []model.Cursor) ([]model.Envelope, error) {
	return b.QueryEnvelopes(ctx, topic, since)
}

// EnvelopeStream yields validated envelopes from a subscription.
type EnvelopeStream struct {
	stream Stream
	b      *Backend
	ctx    context.Context
}

// Subscribe streams new envelopes on topics. It does not replay history;
// callers query after subscribing and rely on the resolver to drop
// duplicates.
func (b *Backend) Subscribe(ctx context.Context, topics ...model.Topic) (*EnvelopeStream, error) {
	req := SubscribeEnvelopesRequest{Topics: make([][]byte, 0, len(topics))}
	for _, t := range topics {
		req.Topics = append(req.Topics, t.Bytes())
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	s, err := b.client.Stream(ctx, PathSubscribeEnvelopes, body)
	if err != nil {
		return nil, err
	}
	return &EnvelopeStream{stream: s, b: b, ctx: ctx}, nil
}

// Recv returns the next valid envelope. Invalid envelopes are skipped.
func (s *EnvelopeStream) Recv() (model.Envelope, error) {
	for {
		raw, err := s.stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return model.Envelope{}, io.EOF
			}
			return model.Envelope{}, err
		}
		env, err := s.b.validator.Validate(s.ctx, raw)
		if err == nil {
			return env, nil
		}
		var ve *ValidationError
		if !errors.As(err, &ve) {
			return model.Envelope{}, err
		}
		s.b.logger.Warn("dropping invalid streamed envelope", zap.Error(err))
	}
}

func (s *EnvelopeStream) Close() error { return s.stream.Close() }

func (b *Backend) PublishCommitLog(ctx context.Context, publisher model.InstallationID, entries []model.CommitLogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return b.call(ctx, PathPublishCommitLog, PublishCommitLogRequest{Publisher: publisher, Entries: entries}, nil)
}

func (b *Backend) QueryCommitLog(ctx context.Context, group model.GroupID, after uint64) ([]model.RemoteCommitLogEntry, error) {
	var out []model.RemoteCommitLogEntry
	for {
		var resp QueryCommitLogResponse
		req := QueryCommitLogRequest{GroupID: group, After: after, Limit: defaultQueryLimit}
		if err := b.call(ctx, PathQueryCommitLog, req, &resp); err != nil {
			return nil, err
		}
		out = append(out, resp.Entries...)
		if len(resp.Entries) < defaultQueryLimit {
			return out, nil
		}
		after = resp.Entries[len(resp.Entries)-1].LogSequenceID
	}
}

func (b *Backend) UploadKeyPackage(ctx context.Context, kp *keypackage.KeyPackage) error {
	data, err := keypackage.Encode(kp)
	if err != nil {
		return err
	}
	return b.call(ctx, PathUploadKeyPackage, UploadKeyPackageRequest{KeyPackage: data}, nil)
}

// FetchKeyPackages returns the latest key package of every installation of
// the given inboxes.
func (b *Backend) FetchKeyPackages(ctx context.Context, inboxes []model.InboxID) ([]*keypackage.KeyPackage, error) {
	var resp FetchKeyPackagesResponse
	if err := b.call(ctx, PathFetchKeyPackages, FetchKeyPackagesRequest{InboxIDs: inboxes}, &resp); err != nil {
		return nil, err
	}
	out := make([]*keypackage.KeyPackage, 0, len(resp.KeyPackages))
	for _, raw := range resp.KeyPackages {
		kp, err := keypackage.Decode(raw)
		if err != nil {
			b.logger.Warn("dropping malformed key package", zap.Error(err))
			continue
		}
		out = append(out, kp)
	}
	return out, nil
}

// SendWelcomes publishes each welcome on its installation's welcome topic.
func (b *Backend) SendWelcomes(ctx context.Context, welcomes []model.WelcomeMessage) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(welcomeConcurrency)
	for _, w := range welcomes {
		g.Go(func() error {
			payload, err := codec.Marshal(w)
			if err != nil {
				return err
			}
			_, err = b.PublishEnvelopes(ctx, model.ClientEnvelope{
				AAD:     model.AuthenticatedData{TargetTopic: model.WelcomeTopic(w.InstallationKey).Bytes()},
				Payload: payload,
			})
			if err != nil {
				return fmt.Errorf("welcome to %s: %w", model.InstallationID(w.InstallationKey), err)
			}
			return nil
		})
	}
	return g.Wait()
}

// DecodeWelcome reads a welcome envelope's payload.
func DecodeWelcome(env model.Envelope) (model.WelcomeMessage, error) {
	var w model.WelcomeMessage
	if err := codec.Unmarshal(env.Payload, &w); err != nil {
		return w, &ValidationError{Kind: MalformedEnvelope, Detail: "welcome payload", Err: err}
	}
	w.Cursor = env.Cursor
	return w, nil
}

// QueryWelcomes returns the welcomes addressed to installation after since.
func (b *Backend) QueryWelcomes(ctx context.Context, installation model.InstallationID, since model.GlobalCursor) ([]model.WelcomeMessage, error) {
	envs, err := b.QueryEnvelopes(ctx, model.WelcomeTopic(installation), since)
	if err != nil {
		return nil, err
	}
	out := make([]model.WelcomeMessage, 0, len(envs))
	for _, e := range envs {
		w, err := DecodeWelcome(e)
		if err != nil {
			b.logger.Warn("dropping malformed welcome", zap.Error(err))
			continue
		}
		out = append(out, w)
	}
	return out, nil
}

// Nodes returns the node directory as the backend reports it.
func (b *Backend) Nodes(ctx context.Context) ([]NodeInfo, error) {
	var resp NodesResponse
	if err := b.call(ctx, PathNodes, Empty{}, &resp); err != nil {
		return nil, err
	}
	return resp.Nodes, nil
}
