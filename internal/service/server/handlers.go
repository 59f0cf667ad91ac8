package server

import (
	"context"
	"e2e_group/internal/api"
	"e2e_group/internal/codec"
	"e2e_group/internal/model"
	"e2e_group/internal/protocol/keypackage"
	envelopeRepo "e2e_group/internal/repository/envelope"
	keyPackageRepo "e2e_group/internal/repository/keypackage"
	"e2e_group/internal/service/replication"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"

	"go.uber.org/zap"
)

const (
	defaultQueryLimit = 500
	maxQueryLimit     = 1000
)

var errBadRequest = errors.New("bad request")

func decodeJSON(r *http.Request, v any) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxRequestSize))
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

func (s *HttpServer) writeJSON(w http.ResponseWriter, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("encode response failed", zap.Error(err))
		http.Error(w, "encode response failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (s *HttpServer) fail(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, errBadRequest) {
		s.logger.Debug(op+" rejected", zap.Error(err))
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.logger.Error(op+" failed", zap.Error(err))
	http.Error(w, op+" failed", http.StatusInternalServerError)
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultQueryLimit
	}
	return min(limit, maxQueryLimit)
}

func (s *HttpServer) Health() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.writeJSON(w, api.HealthResponse{NodeID: s.nodeID, Status: "ok"})
	}
}

func (s *HttpServer) ListNodes() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		nodes, err := s.coordinator.Nodes(r.Context())
		if err != nil {
			s.fail(w, "list nodes", err)
			return
		}
		nodes[s.nodeID] = s.key.PublicKey()

		resp := api.NodesResponse{Nodes: make([]api.NodeInfo, 0, len(nodes))}
		for id, key := range nodes {
			resp.Nodes = append(resp.Nodes, api.NodeInfo{NodeID: id, PublicKey: key})
		}
		sort.Slice(resp.Nodes, func(i, j int) bool { return resp.Nodes[i].NodeID < resp.Nodes[j].NodeID })
		s.writeJSON(w, resp)
	}
}

func (s *HttpServer) PublishEnvelopes() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req api.PublishEnvelopesRequest
		if err := decodeJSON(r, &req); err != nil {
			s.fail(w, "publish envelopes", err)
			return
		}
		resp := api.PublishEnvelopesResponse{Envelopes: make([][]byte, 0, len(req.Envelopes))}
		for _, raw := range req.Envelopes {
			signed, err := s.originate(r.Context(), raw)
			if err != nil {
				s.fail(w, "publish envelopes", err)
				return
			}
			resp.Envelopes = append(resp.Envelopes, signed)
		}
		s.writeJSON(w, resp)
	}
}

// originate stamps a client envelope with the next sequence id, signs it,
// stores it and fans it out.
func (s *HttpServer) originate(ctx context.Context, raw []byte) ([]byte, error) {
	var ce model.ClientEnvelope
	if err := codec.Unmarshal(raw, &ce); err != nil {
		return nil, fmt.Errorf("%w: client envelope: %v", errBadRequest, err)
	}
	topic, err := model.ParseTopic(ce.AAD.TargetTopic)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errBadRequest, err)
	}

	seq, err := s.coordinator.NextSequenceID(ctx, s.nodeID)
	if err != nil {
		return nil, err
	}
	unsigned := model.UnsignedOriginatorEnvelope{
		OriginatorNodeID:     s.nodeID,
		OriginatorSequenceID: seq,
		OriginatorNS:         s.now().UnixNano(),
		ClientEnvelope:       raw,
	}
	unsignedBytes, err := codec.Marshal(unsigned)
	if err != nil {
		return nil, err
	}
	sig, err := s.key.Sign(unsignedBytes)
	if err != nil {
		return nil, fmt.Errorf("sign envelope: %w", err)
	}
	signed, err := codec.Marshal(model.OriginatorEnvelope{
		UnsignedOriginatorEnvelope: unsignedBytes,
		Proof:                      &model.Proof{Signature: sig},
	})
	if err != nil {
		return nil, err
	}

	rec := &envelopeRepo.Record{
		Topic:        topic.Bytes(),
		OriginatorID: s.nodeID,
		SequenceID:   seq,
		OriginatorNS: unsigned.OriginatorNS,
		Envelope:     signed,
	}
	if err := s.envelopes.Insert(ctx, rec); err != nil {
		return nil, err
	}
	s.hub.broadcast(rec.Topic, signed)

	if s.replicator != nil {
		if err := s.replicator.Publish(ctx, rec.Topic, signed); err != nil {
			s.logger.Warn("replicate envelope failed", zap.Stringer("cursor", rec.Cursor()), zap.Error(err))
		}
	}
	s.logger.Debug("originated envelope", zap.Stringer("topic", topic), zap.Uint64("sequence_id", seq))
	return signed, nil
}

// acceptReplicated stores an envelope a peer originated after checking its proof.
func (s *HttpServer) acceptReplicated(e replication.Envelope) {
	ctx := context.Background()
	env, err := s.validator.Validate(ctx, e.Envelope)
	if err != nil {
		s.logger.Warn("rejecting replicated envelope", zap.Uint32("origin", e.Origin), zap.Error(err))
		return
	}
	rec := &envelopeRepo.Record{
		Topic:        env.Topic.Bytes(),
		OriginatorID: env.Cursor.OriginatorID,
		SequenceID:   env.Cursor.SequenceID,
		OriginatorNS: env.OriginatorNS,
		Envelope:     e.Envelope,
	}
	if err := s.envelopes.Insert(ctx, rec); err != nil {
		s.logger.Error("store replicated envelope", zap.Stringer("cursor", rec.Cursor()), zap.Error(err))
		return
	}
	s.hub.broadcast(rec.Topic, e.Envelope)
}

func (s *HttpServer) QueryEnvelopes() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req api.QueryEnvelopesRequest
		if err := decodeJSON(r, &req); err != nil {
			s.fail(w, "query envelopes", err)
			return
		}
		if _, err := model.ParseTopic(req.Topic); err != nil {
			s.fail(w, "query envelopes", fmt.Errorf("%w: %v", errBadRequest, err))
			return
		}
		recs, err := s.envelopes.Query(r.Context(), req.Topic, req.LastSeen, clampLimit(req.Limit))
		if err != nil {
			s.fail(w, "query envelopes", err)
			return
		}
		resp := api.QueryEnvelopesResponse{Envelopes: make([][]byte, 0, len(recs))}
		for _, rec := range recs {
			resp.Envelopes = append(resp.Envelopes, rec.Envelope)
		}
		s.writeJSON(w, resp)
	}
}

func (s *HttpServer) PublishCommitLog() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req api.PublishCommitLogRequest
		if err := decodeJSON(r, &req); err != nil {
			s.fail(w, "publish commit log", err)
			return
		}
		if len(req.Publisher) == 0 {
			s.fail(w, "publish commit log", fmt.Errorf("%w: publisher is required", errBadRequest))
			return
		}

		byGroup := make(map[string][]model.CommitLogEntry)
		var order []model.GroupID
		for _, e := range req.Entries {
			if len(e.GroupID) == 0 {
				s.fail(w, "publish commit log", fmt.Errorf("%w: entry without group id", errBadRequest))
				return
			}
			k := string(e.GroupID)
			if _, ok := byGroup[k]; !ok {
				order = append(order, e.GroupID)
			}
			byGroup[k] = append(byGroup[k], e)
		}
		for _, g := range order {
			if err := s.coordinator.AppendCommitLog(r.Context(), g, req.Publisher, byGroup[string(g)]); err != nil {
				s.fail(w, "publish commit log", err)
				return
			}
		}
		s.writeJSON(w, api.Empty{})
	}
}

func (s *HttpServer) QueryCommitLog() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req api.QueryCommitLogRequest
		if err := decodeJSON(r, &req); err != nil {
			s.fail(w, "query commit log", err)
			return
		}
		entries, err := s.coordinator.CommitLog(r.Context(), req.GroupID, req.After, clampLimit(req.Limit))
		if err != nil {
			s.fail(w, "query commit log", err)
			return
		}
		s.writeJSON(w, api.QueryCommitLogResponse{Entries: entries})
	}
}

func (s *HttpServer) UploadKeyPackage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req api.UploadKeyPackageRequest
		if err := decodeJSON(r, &req); err != nil {
			s.fail(w, "upload key package", err)
			return
		}
		kp, err := keypackage.Decode(req.KeyPackage)
		if err != nil {
			s.fail(w, "upload key package", fmt.Errorf("%w: %v", errBadRequest, err))
			return
		}
		if err := kp.Verify(s.now()); err != nil {
			s.fail(w, "upload key package", fmt.Errorf("%w: %v", errBadRequest, err))
			return
		}
		rec := &keyPackageRepo.Record{
			InboxID:      kp.Credential.InboxID,
			Installation: kp.Credential.InstallationKey,
			KeyPackage:   req.KeyPackage,
			NotAfterNS:   kp.NotAfterNS,
			UpdatedNS:    s.now().UnixNano(),
		}
		if err := s.keyPackages.Put(r.Context(), rec); err != nil {
			s.fail(w, "upload key package", err)
			return
		}
		s.writeJSON(w, api.Empty{})
	}
}

func (s *HttpServer) FetchKeyPackages() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req api.FetchKeyPackagesRequest
		if err := decodeJSON(r, &req); err != nil {
			s.fail(w, "fetch key packages", err)
			return
		}
		recs, err := s.keyPackages.Latest(r.Context(), req.InboxIDs)
		if err != nil {
			s.fail(w, "fetch key packages", err)
			return
		}
		now := s.now().UnixNano()
		resp := api.FetchKeyPackagesResponse{KeyPackages: make([][]byte, 0, len(recs))}
		for _, rec := range recs {
			if rec.NotAfterNS < now {
				continue
			}
			resp.KeyPackages = append(resp.KeyPackages, rec.KeyPackage)
		}
		s.writeJSON(w, resp)
	}
}
