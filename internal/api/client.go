// Package api is the client side of the delivery network: node transport,
// read/write routing, multi-node failover, retries, envelope validation
// and the typed backend calls built on top of them.
package api

import (
	"context"
	"strings"
)

const (
	PathPublishEnvelopes   = "/v1/envelopes/publish"
	PathQueryEnvelopes     = "/v1/envelopes/query"
	PathSubscribeEnvelopes = "/v1/envelopes/subscribe"
	PathPublishCommitLog   = "/v1/commit-log/publish"
	PathQueryCommitLog     = "/v1/commit-log/query"
	PathUploadKeyPackage   = "/v1/key-packages/upload"
	PathFetchKeyPackages   = "/v1/key-packages/fetch"
	PathNodes              = "/v1/nodes"
	PathHealth             = "/health"
)

type (
	// Client is a request/stream transport over an abstract path and body.
	Client interface {
		Request(ctx context.Context, path string, body []byte) ([]byte, error)
		Stream(ctx context.Context, path string, body []byte) (Stream, error)
	}

	// Stream yields messages until it is closed or its context ends.
	Stream interface {
		Recv() ([]byte, error)
		Close() error
	}
)

// IsWritePath reports whether path mutates backend state.
func IsWritePath(path string) bool {
	return strings.HasSuffix(path, "/publish") || strings.HasSuffix(path, "/upload")
}
