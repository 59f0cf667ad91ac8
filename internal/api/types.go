package api

import "e2e_group/internal/model"

// Request and response bodies are JSON. Envelope and key package blobs
// inside them are deterministic CBOR.
type (
	PublishEnvelopesRequest struct {
		// Envelopes holds encoded model.ClientEnvelope values.
		Envelopes [][]byte `json:"envelopes"`
	}

	PublishEnvelopesResponse struct {
		// Envelopes holds encoded model.OriginatorEnvelope values.
		Envelopes [][]byte `json:"envelopes"`
	}

	QueryEnvelopesRequest struct {
		Topic    []byte             `json:"topic"`
		LastSeen model.GlobalCursor `json:"last_seen,omitempty"`
		Limit    int                `json:"limit,omitempty"`
	}

	QueryEnvelopesResponse struct {
		Envelopes [][]byte `json:"envelopes"`
	}

	SubscribeEnvelopesRequest struct {
		Topics [][]byte `json:"topics"`
	}

	PublishCommitLogRequest struct {
		Publisher []byte                 `json:"publisher"`
		Entries   []model.CommitLogEntry `json:"entries"`
	}

	QueryCommitLogRequest struct {
		GroupID []byte `json:"group_id"`
		After   uint64 `json:"after"`
		Limit   int    `json:"limit,omitempty"`
	}

	QueryCommitLogResponse struct {
		Entries []model.RemoteCommitLogEntry `json:"entries"`
	}

	UploadKeyPackageRequest struct {
		KeyPackage []byte `json:"key_package"`
	}

	FetchKeyPackagesRequest struct {
		InboxIDs []model.InboxID `json:"inbox_ids"`
	}

	FetchKeyPackagesResponse struct {
		KeyPackages [][]byte `json:"key_packages"`
	}

	NodeInfo struct {
		NodeID uint32 `json:"node_id"`
		// PublicKey is the PKIX DER P-256 key envelope proofs verify against.
		PublicKey []byte `json:"public_key"`
	}

	NodesResponse struct {
		Nodes []NodeInfo `json:"nodes"`
	}

	HealthResponse struct {
		NodeID uint32 `json:"node_id"`
		Status string `json:"status"`
	}

	// Empty is the body of calls that only acknowledge.
	Empty struct{}
)
