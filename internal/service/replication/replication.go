// Package replication fans accepted envelopes out to peer nodes over NATS
// and carries node directory announcements.
package replication

import (
	"context"
	"e2e_group/internal/codec"
	"e2e_group/internal/utils/log"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	EnvelopeSubject = "e2e_group.envelopes"
	NodeSubject     = "e2e_group.nodes"
)

type (
	// Envelope is an originator envelope as replicated between nodes.
	Envelope struct {
		Origin   uint32 `cbor:"1,keyasint"`
		Topic    []byte `cbor:"2,keyasint"`
		Envelope []byte `cbor:"3,keyasint"`
	}

	Announcement struct {
		NodeID    uint32 `cbor:"1,keyasint"`
		PublicKey []byte `cbor:"2,keyasint"`
	}

	Replicator struct {
		nc     *nats.Conn
		nodeID uint32
		subs   []*nats.Subscription
		logger *zap.Logger
	}
)

func Connect(url string, nodeID uint32) (*Replicator, error) {
	nc, err := nats.Connect(url,
		nats.Name(fmt.Sprintf("e2e_group-node-%d", nodeID)),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(500*time.Millisecond),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(3*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return &Replicator{nc: nc, nodeID: nodeID, logger: log.Named("replication")}, nil
}

func (r *Replicator) publish(subject string, v any) error {
	data, err := codec.Marshal(v)
	if err != nil {
		return err
	}
	if err := r.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Publish sends an envelope this node originated to its peers.
func (r *Replicator) Publish(_ context.Context, topic, envelope []byte) error {
	return r.publish(EnvelopeSubject, Envelope{Origin: r.nodeID, Topic: topic, Envelope: envelope})
}

func (r *Replicator) Announce(_ context.Context, publicKey []byte) error {
	return r.publish(NodeSubject, Announcement{NodeID: r.nodeID, PublicKey: publicKey})
}

// OnEnvelope calls handler for every envelope a peer originated.
func (r *Replicator) OnEnvelope(handler func(Envelope)) error {
	sub, err := r.nc.Subscribe(EnvelopeSubject, func(m *nats.Msg) {
		var e Envelope
		if err := codec.Unmarshal(m.Data, &e); err != nil {
			r.logger.Warn("dropping malformed replicated envelope", zap.Error(err))
			return
		}
		if e.Origin == r.nodeID {
			return
		}
		handler(e)
	})
	if err != nil {
		return err
	}
	r.subs = append(r.subs, sub)
	return nil
}

func (r *Replicator) OnAnnouncement(handler func(Announcement)) error {
	sub, err := r.nc.Subscribe(NodeSubject, func(m *nats.Msg) {
		var a Announcement
		if err := codec.Unmarshal(m.Data, &a); err != nil {
			r.logger.Warn("dropping malformed node announcement", zap.Error(err))
			return
		}
		handler(a)
	})
	if err != nil {
		return err
	}
	r.subs = append(r.subs, sub)
	return nil
}

func (r *Replicator) Close() error {
	var errs []error
	for _, s := range r.subs {
		errs = append(errs, s.Drain())
	}
	errs = append(errs, r.nc.Drain())
	return errors.Join(errs...)
}
