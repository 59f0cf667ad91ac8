package client

import (
	"e2e_group/internal/api"
	"e2e_group/internal/config"
	"errors"
	"fmt"
)

var ErrNoNodeKeys = errors.New("backend: no node keys pinned; set backend.node_keys or backend.trust_node_directory")

// NewBackend builds the delivery API the configuration describes: one
// node, a read/write pair, or a set of nodes with failover, always behind
// retries.
func NewBackend(cfg config.BackendConfig) (*api.Backend, error) {
	var client api.Client
	switch cfg.Mode {
	case config.BackendSingle:
		if len(cfg.Nodes) == 0 {
			return nil, errors.New("backend: no nodes configured")
		}
		node, err := api.NewNodeClient(cfg.Nodes[0], cfg.RequestTimeout)
		if err != nil {
			return nil, err
		}
		client = node
	case config.BackendReadWrite:
		read, err := api.NewNodeClient(cfg.ReadNode, cfg.RequestTimeout)
		if err != nil {
			return nil, err
		}
		write, err := api.NewNodeClient(cfg.WriteNode, cfg.RequestTimeout)
		if err != nil {
			return nil, err
		}
		client = api.NewReadWriteClient(read, write)
	case config.BackendMultiNode:
		nodes := make([]*api.NodeClient, 0, len(cfg.Nodes))
		for _, u := range cfg.Nodes {
			node, err := api.NewNodeClient(u, cfg.RequestTimeout)
			if err != nil {
				return nil, err
			}
			nodes = append(nodes, node)
		}
		client = api.NewMultiNodeClient(nodes, cfg.LatencyThreshold, cfg.HealthTimeout)
	default:
		return nil, fmt.Errorf("backend: unknown mode %q", cfg.Mode)
	}

	retrying := api.NewRetryClient(client, api.RetryPolicy{
		InitialInterval: cfg.Retry.InitialInterval,
		MaxInterval:     cfg.Retry.MaxInterval,
		Multiplier:      cfg.Retry.Multiplier,
		MaxAttempts:     cfg.Retry.MaxAttempts,
		Cooldown:        cfg.Retry.Cooldown,
	})
	keys, err := nodeKeys(cfg, retrying)
	if err != nil {
		return nil, err
	}
	return api.NewBackend(retrying, api.NewValidator(keys, cfg.MaxClockSkew)), nil
}

// nodeKeys returns the originator keys envelopes are verified against.
// Without pinned keys the backend's own node list is only used when the
// configuration opts in.
func nodeKeys(cfg config.BackendConfig, client api.Client) (api.KeyResolver, error) {
	pinned, err := api.ParseNodeKeys(cfg.NodeKeys)
	if err != nil {
		return nil, fmt.Errorf("backend.node_keys: %w", err)
	}
	if cfg.TrustNodeDirectory {
		return api.NewNodeDirectory(client, pinned), nil
	}
	if len(pinned) == 0 {
		return nil, ErrNoNodeKeys
	}
	return pinned, nil
}
