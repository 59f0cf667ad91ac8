package api

import (
	"bytes"
	"context"
	"e2e_group/internal/codec"
	"e2e_group/internal/cryptographic/signature"
	"e2e_group/internal/model"
	"e2e_group/internal/utils/log"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultMaxClockSkew is how far in the future an originator timestamp
// may be before the envelope is rejected.
const DefaultMaxClockSkew = 30 * time.Minute

// KeyResolver returns the proof key of an originator node.
type KeyResolver interface {
	NodeKey(ctx context.Context, nodeID uint32) ([]byte, error)
}

// Validator turns signed originator envelopes into trusted model.Envelopes.
type Validator struct {
	keys         KeyResolver
	maxClockSkew time.Duration
	now          func() time.Time
}

func NewValidator(keys KeyResolver, maxClockSkew time.Duration) *Validator {
	if maxClockSkew <= 0 {
		maxClockSkew = DefaultMaxClockSkew
	}
	return &Validator{keys: keys, maxClockSkew: maxClockSkew, now: time.Now}
}

// Validate checks the proof and the timestamp of an encoded
// OriginatorEnvelope and decodes what it carries.
func (v *Validator) Validate(ctx context.Context, raw []byte) (model.Envelope, error) {
	var oe model.OriginatorEnvelope
	if err := codec.Unmarshal(raw, &oe); err != nil {
		return model.Envelope{}, &ValidationError{Kind: MalformedEnvelope, Err: err}
	}
	if oe.Proof == nil || len(oe.Proof.Signature) == 0 {
		return model.Envelope{}, &ValidationError{Kind: MissingProof}
	}
	var unsigned model.UnsignedOriginatorEnvelope
	if err := codec.Unmarshal(oe.UnsignedOriginatorEnvelope, &unsigned); err != nil {
		return model.Envelope{}, &ValidationError{Kind: MalformedEnvelope, Detail: "unsigned envelope", Err: err}
	}

	key, err := v.keys.NodeKey(ctx, unsigned.OriginatorNodeID)
	if err != nil {
		return model.Envelope{}, err
	}
	if err := signature.ECDSAVerify(key, oe.UnsignedOriginatorEnvelope, oe.Proof.Signature); err != nil {
		return model.Envelope{}, &ValidationError{
			Kind:   InvalidProof,
			Detail: fmt.Sprintf("originator %d", unsigned.OriginatorNodeID),
			Err:    err,
		}
	}

	ts := time.Unix(0, unsigned.OriginatorNS)
	if skew := ts.Sub(v.now()); skew > v.maxClockSkew {
		return model.Envelope{}, &ValidationError{
			Kind:   TimeDiscrepancy,
			Detail: fmt.Sprintf("originator time %s is %s ahead of local time", ts.UTC().Format(time.RFC3339), skew),
		}
	}

	var ce model.ClientEnvelope
	if err := codec.Unmarshal(unsigned.ClientEnvelope, &ce); err != nil {
		return model.Envelope{}, &ValidationError{Kind: MalformedEnvelope, Detail: "client envelope", Err: err}
	}
	topic, err := model.ParseTopic(ce.AAD.TargetTopic)
	if err != nil {
		return model.Envelope{}, &ValidationError{Kind: MalformedEnvelope, Err: err}
	}
	return model.Envelope{
		Cursor: model.Cursor{
			OriginatorID: unsigned.OriginatorNodeID,
			SequenceID:   unsigned.OriginatorSequenceID,
		},
		DependsOn:    ce.AAD.DependsOn,
		Topic:        topic,
		OriginatorNS: unsigned.OriginatorNS,
		Payload:      ce.Payload,
	}, nil
}

// NodeDirectory resolves originator keys by asking the backend which nodes
// it knows. Keys passed in as pinned are never looked up; a key learned
// from the backend is pinned on first use, so a later answer can not swap
// it.
type NodeDirectory struct {
	client Client
	logger *zap.Logger

	mu   sync.Mutex
	keys map[uint32][]byte
}

func NewNodeDirectory(client Client, pinned StaticKeys) *NodeDirectory {
	keys := make(map[uint32][]byte, len(pinned))
	for id, key := range pinned {
		keys[id] = key
	}
	return &NodeDirectory{client: client, logger: log.Named("node_directory"), keys: keys}
}

func (d *NodeDirectory) NodeKey(ctx context.Context, nodeID uint32) ([]byte, error) {
	d.mu.Lock()
	key, ok := d.keys[nodeID]
	d.mu.Unlock()
	if ok {
		return key, nil
	}
	if err := d.Refresh(ctx); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if key, ok = d.keys[nodeID]; !ok {
		return nil, &ValidationError{Kind: UnknownOriginator, Detail: fmt.Sprintf("node %d", nodeID)}
	}
	return key, nil
}

func (d *NodeDirectory) Refresh(ctx context.Context) error {
	data, err := d.client.Request(ctx, PathNodes, []byte("{}"))
	if err != nil {
		return fmt.Errorf("fetch node directory: %w", err)
	}
	var resp NodesResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return fmt.Errorf("decode node directory: %w", err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, n := range resp.Nodes {
		known, ok := d.keys[n.NodeID]
		if !ok {
			d.keys[n.NodeID] = n.PublicKey
			continue
		}
		if !bytes.Equal(known, n.PublicKey) {
			d.logger.Warn("backend advertises a different key for a pinned node, keeping the pinned key",
				zap.Uint32("node_id", n.NodeID))
		}
	}
	return nil
}

// StaticKeys is a fixed node key set.
type StaticKeys map[uint32][]byte

// ParseNodeKeys decodes hex-encoded node public keys by node id.
func ParseNodeKeys(hexKeys map[uint32]string) (StaticKeys, error) {
	out := make(StaticKeys, len(hexKeys))
	for id, h := range hexKeys {
		der, err := signature.ParsePublicKey(h)
		if err != nil {
			return nil, fmt.Errorf("node %d: %w", id, err)
		}
		out[id] = der
	}
	return out, nil
}

func (s StaticKeys) NodeKey(_ context.Context, nodeID uint32) ([]byte, error) {
	if key, ok := s[nodeID]; ok {
		return key, nil
	}
	return nil, &ValidationError{Kind: UnknownOriginator, Detail: fmt.Sprintf("node %d", nodeID)}
}
