package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

var (
	ErrCoolingDown = errors.New("backend cooling down after repeated failures")
	ErrNotFound    = errors.New("not found")
)

type (
	NodeErrorKind  int
	ValidationKind int

	// NodeError is a node selection failure in the multi-node client.
	NodeError struct {
		Kind    NodeErrorKind
		Node    string
		Latency time.Duration
		Err     error
	}

	// StatusError is a non-200 reply from a node.
	StatusError struct {
		Node    string
		Code    int
		Message string
	}

	// TransportError is a connection-level failure talking to a node.
	TransportError struct {
		Node string
		Err  error
	}

	// ValidationError rejects an originator envelope. It is never retried.
	ValidationError struct {
		Kind   ValidationKind
		Detail string
		Err    error
	}
)

const (
	NodeTimedOut NodeErrorKind = iota + 1
	NoResponsiveNodesFound
	UnhealthyNode
)

const (
	MissingProof ValidationKind = iota + 1
	InvalidProof
	UnknownOriginator
	TimeDiscrepancy
	MalformedEnvelope
)

func (e *NodeError) Error() string {
	var msg string
	switch e.Kind {
	case NodeTimedOut:
		msg = fmt.Sprintf("node %s timed out: latency %s", e.Node, e.Latency)
	case NoResponsiveNodesFound:
		msg = fmt.Sprintf("no responsive nodes found within %s", e.Latency)
	case UnhealthyNode:
		msg = fmt.Sprintf("node %s is unhealthy", e.Node)
	default:
		msg = fmt.Sprintf("node %s: error kind %d", e.Node, int(e.Kind))
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *NodeError) Unwrap() error { return e.Err }

func (e *StatusError) Error() string {
	return fmt.Sprintf("node %s: status %d: %s", e.Node, e.Code, e.Message)
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("node %s: %v", e.Node, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (k ValidationKind) String() string {
	switch k {
	case MissingProof:
		return "missing proof"
	case InvalidProof:
		return "invalid proof"
	case UnknownOriginator:
		return "unknown originator"
	case TimeDiscrepancy:
		return "time discrepancy"
	case MalformedEnvelope:
		return "malformed envelope"
	default:
		return fmt.Sprintf("validation kind %d", int(k))
	}
}

func (e *ValidationError) Error() string {
	msg := e.Kind.String()
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ValidationError) Unwrap() error { return e.Err }

// IsTransient reports whether a failed call may succeed later, including
// calls refused while the retry wrapper cools down. Callers that retry on
// their own schedule, like the intent queue, use it instead of IsRetryable.
func IsTransient(err error) bool {
	return IsRetryable(err) || errors.Is(err, ErrCoolingDown)
}

// IsRetryable is the single retry classifier for backend calls: node
// selection failures, transport failures and transient statuses retry;
// validation errors, client errors and cancellation never do.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrCoolingDown) {
		return false
	}

	var validation *ValidationError
	if errors.As(err, &validation) {
		return false
	}
	var nodeErr *NodeError
	if errors.As(err, &nodeErr) {
		return true
	}
	var status *StatusError
	if errors.As(err, &status) {
		switch status.Code {
		case http.StatusTooManyRequests, http.StatusRequestTimeout,
			http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return true
		}
		return false
	}
	var transport *TransportError
	if errors.As(err, &transport) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
