package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const maxResponseSize = 64 << 20

// NodeClient talks to a single node over HTTP, streaming over WebSocket.
type NodeClient struct {
	base    *url.URL
	http    *http.Client
	dialer  *websocket.Dialer
	timeout time.Duration
}

func NewNodeClient(baseURL string, timeout time.Duration) (*NodeClient, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("node url %q: %w", baseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("node url %q: scheme must be http or https", baseURL)
	}
	return &NodeClient{
		base:    u,
		http:    &http.Client{},
		dialer:  &websocket.Dialer{HandshakeTimeout: timeout},
		timeout: timeout,
	}, nil
}

func (c *NodeClient) Name() string { return c.base.Host }

func (c *NodeClient) url(path string, ws bool) string {
	u := *c.base
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	if ws {
		if u.Scheme == "https" {
			u.Scheme = "wss"
		} else {
			u.Scheme = "ws"
		}
	}
	return u.String()
}

func (c *NodeClient) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

func (c *NodeClient) Request(ctx context.Context, path string, body []byte) ([]byte, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(path, false), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-Id", uuid.NewString())

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransportError{Node: c.Name(), Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, &TransportError{Node: c.Name(), Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Node: c.Name(), Code: resp.StatusCode, Message: strings.TrimSpace(string(data))}
	}
	return data, nil
}

// Health probes the node and returns the round-trip latency.
func (c *NodeClient) Health(ctx context.Context, timeout time.Duration) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(PathHealth, false), nil)
	if err != nil {
		return 0, err
	}
	start := time.Now()
	resp, err := c.http.Do(req)
	latency := time.Since(start)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return latency, &NodeError{Kind: NodeTimedOut, Node: c.Name(), Latency: latency, Err: err}
		}
		return latency, &NodeError{Kind: UnhealthyNode, Node: c.Name(), Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return latency, &NodeError{Kind: UnhealthyNode, Node: c.Name(), Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	return latency, nil
}

func (c *NodeClient) Stream(ctx context.Context, path string, body []byte) (Stream, error) {
	header := http.Header{}
	header.Set("X-Request-Id", uuid.NewString())

	conn, resp, err := c.dialer.DialContext(ctx, c.url(path, true), header)
	if err != nil {
		if resp != nil {
			return nil, &StatusError{Node: c.Name(), Code: resp.StatusCode, Message: err.Error()}
		}
		return nil, &TransportError{Node: c.Name(), Err: err}
	}
	if err := conn.WriteMessage(websocket.TextMessage, body); err != nil {
		conn.Close()
		return nil, &TransportError{Node: c.Name(), Err: err}
	}
	s := &wsStream{conn: conn, node: c.Name()}
	s.stop = context.AfterFunc(ctx, func() { conn.Close() })
	return s, nil
}

type wsStream struct {
	conn *websocket.Conn
	node string
	stop func() bool
}

func (s *wsStream) Recv() ([]byte, error) {
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil, io.EOF
		}
		return nil, &TransportError{Node: s.node, Err: err}
	}
	return data, nil
}

func (s *wsStream) Close() error {
	s.stop()
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return s.conn.Close()
}
