package server

import (
	"context"
	"e2e_group/internal/model"
	"e2e_group/internal/service/replication"
	"slices"
	"sync"
)

// MemoryCoordinator is an in-process Coordinator for single-node runs and tests.
type MemoryCoordinator struct {
	mu        sync.Mutex
	sequences map[uint32]uint64
	logs      map[string][]model.RemoteCommitLogEntry
	nodes     map[uint32][]byte
}

func NewMemoryCoordinator() *MemoryCoordinator {
	return &MemoryCoordinator{
		sequences: make(map[uint32]uint64),
		logs:      make(map[string][]model.RemoteCommitLogEntry),
		nodes:     make(map[uint32][]byte),
	}
}

func (m *MemoryCoordinator) NextSequenceID(_ context.Context, nodeID uint32) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sequences[nodeID]++
	return m.sequences[nodeID], nil
}

func (m *MemoryCoordinator) AppendCommitLog(_ context.Context, group model.GroupID, publisher []byte, entries []model.CommitLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := string(group)
	for _, e := range entries {
		m.logs[k] = append(m.logs[k], model.RemoteCommitLogEntry{
			LogSequenceID: uint64(len(m.logs[k]) + 1),
			Publisher:     slices.Clone(publisher),
			Entry:         e,
		})
	}
	return nil
}

func (m *MemoryCoordinator) CommitLog(_ context.Context, group model.GroupID, after uint64, limit int) ([]model.RemoteCommitLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	log := m.logs[string(group)]
	if after >= uint64(len(log)) {
		return nil, nil
	}
	out := log[after:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return slices.Clone(out), nil
}

func (m *MemoryCoordinator) PutNode(_ context.Context, nodeID uint32, publicKey []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes[nodeID] = slices.Clone(publicKey)
	return nil
}

func (m *MemoryCoordinator) Nodes(context.Context) (map[uint32][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[uint32][]byte, len(m.nodes))
	for id, k := range m.nodes {
		out[id] = k
	}
	return out, nil
}

// MemoryBus connects in-process nodes the way NATS connects deployed ones.
type MemoryBus struct {
	mu            sync.Mutex
	envelopes     []func(replication.Envelope)
	announcements []func(replication.Announcement)
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{}
}

// Replicator returns the bus endpoint of nodeID.
func (b *MemoryBus) Replicator(nodeID uint32) Replicator {
	return &memoryReplicator{bus: b, nodeID: nodeID}
}

type memoryReplicator struct {
	bus    *MemoryBus
	nodeID uint32
}

func (r *memoryReplicator) Publish(_ context.Context, topic, envelope []byte) error {
	r.bus.mu.Lock()
	handlers := slices.Clone(r.bus.envelopes)
	r.bus.mu.Unlock()
	e := replication.Envelope{Origin: r.nodeID, Topic: topic, Envelope: envelope}
	for _, h := range handlers {
		h(e)
	}
	return nil
}

func (r *memoryReplicator) Announce(_ context.Context, publicKey []byte) error {
	r.bus.mu.Lock()
	handlers := slices.Clone(r.bus.announcements)
	r.bus.mu.Unlock()
	for _, h := range handlers {
		h(replication.Announcement{NodeID: r.nodeID, PublicKey: publicKey})
	}
	return nil
}

func (r *memoryReplicator) OnEnvelope(handler func(replication.Envelope)) error {
	r.bus.mu.Lock()
	defer r.bus.mu.Unlock()
	r.bus.envelopes = append(r.bus.envelopes, func(e replication.Envelope) {
		if e.Origin != r.nodeID {
			handler(e)
		}
	})
	return nil
}

func (r *memoryReplicator) OnAnnouncement(handler func(replication.Announcement)) error {
	r.bus.mu.Lock()
	defer r.bus.mu.Unlock()
	r.bus.announcements = append(r.bus.announcements, handler)
	return nil
}

func (r *memoryReplicator) Close() error { return nil }
