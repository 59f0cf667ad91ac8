package api

import (
	"context"
	"e2e_group/internal/utils/log"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// MultiNodeClient routes calls to the fastest healthy node. The choice is
// kept until a call on it fails with a retryable error.
type MultiNodeClient struct {
	nodes            []*NodeClient
	latencyThreshold time.Duration
	healthTimeout    time.Duration
	logger           *zap.Logger

	mu      sync.Mutex
	current *NodeClient
}

func NewMultiNodeClient(nodes []*NodeClient, latencyThreshold, healthTimeout time.Duration) *MultiNodeClient {
	return &MultiNodeClient{
		nodes:            nodes,
		latencyThreshold: latencyThreshold,
		healthTimeout:    healthTimeout,
		logger:           log.Named("multinode"),
	}
}

type probeResult struct {
	latency time.Duration
	err     error
}

// SelectNode probes every node concurrently and picks the healthy one with
// the lowest latency under the threshold.
func (m *MultiNodeClient) SelectNode(ctx context.Context) (*NodeClient, error) {
	m.mu.Lock()
	if m.current != nil {
		n := m.current
		m.mu.Unlock()
		return n, nil
	}
	m.mu.Unlock()

	results := make([]probeResult, len(m.nodes))
	var g errgroup.Group
	for i, n := range m.nodes {
		g.Go(func() error {
			latency, err := n.Health(ctx, m.healthTimeout)
			if err == nil && latency > m.latencyThreshold {
				err = &NodeError{Kind: NodeTimedOut, Node: n.Name(), Latency: latency}
			}
			results[i] = probeResult{latency: latency, err: err}
			return nil
		})
	}
	_ = g.Wait()

	var best *NodeClient
	var bestLatency time.Duration
	for i, r := range results {
		if r.err != nil {
			m.logger.Debug("excluding node", zap.String("node", m.nodes[i].Name()), zap.Error(r.err))
			continue
		}
		if best == nil || r.latency < bestLatency {
			best, bestLatency = m.nodes[i], r.latency
		}
	}
	if best == nil {
		if len(results) == 1 {
			return nil, results[0].err
		}
		return nil, &NodeError{Kind: NoResponsiveNodesFound, Latency: m.latencyThreshold}
	}

	m.mu.Lock()
	m.current = best
	m.mu.Unlock()
	m.logger.Info("selected node", zap.String("node", best.Name()), zap.Duration("latency", bestLatency))
	return best, nil
}

func (m *MultiNodeClient) invalidate(n *NodeClient, err error) {
	if !IsRetryable(err) {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == n {
		m.current = nil
		m.logger.Warn("dropping node after failure", zap.String("node", n.Name()), zap.Error(err))
	}
}

func (m *MultiNodeClient) Request(ctx context.Context, path string, body []byte) ([]byte, error) {
	n, err := m.SelectNode(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := n.Request(ctx, path, body)
	if err != nil {
		m.invalidate(n, err)
		return nil, err
	}
	return resp, nil
}

func (m *MultiNodeClient) Stream(ctx context.Context, path string, body []byte) (Stream, error) {
	n, err := m.SelectNode(ctx)
	if err != nil {
		return nil, err
	}
	s, err := n.Stream(ctx, path, body)
	if err != nil {
		m.invalidate(n, err)
		return nil, err
	}
	return s, nil
}
