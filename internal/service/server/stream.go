package server

import (
	"e2e_group/internal/api"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	subscriberBuffer = 256
	writeTimeout     = 10 * time.Second
)

type (
	subscriber struct {
		topics map[string]struct{}
		send   chan []byte
		done   chan struct{}
		once   sync.Once
	}

	// hub fans stored envelopes out to live websocket subscribers.
	hub struct {
		mu   sync.Mutex
		subs map[*subscriber]struct{}
	}
)

func newHub() *hub {
	return &hub{subs: make(map[*subscriber]struct{})}
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.done) })
}

func (h *hub) add(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subs[sub] = struct{}{}
}

func (h *hub) remove(sub *subscriber) {
	h.mu.Lock()
	delete(h.subs, sub)
	h.mu.Unlock()
	sub.close()
}

// broadcast queues envelope for every subscriber of topic. A subscriber
// that cannot keep up is disconnected and catches up by querying.
func (h *hub) broadcast(topic, envelope []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		if _, ok := sub.topics[string(topic)]; !ok {
			continue
		}
		select {
		case sub.send <- envelope:
		default:
			delete(h.subs, sub)
			sub.close()
		}
	}
}

func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		delete(h.subs, sub)
		sub.close()
	}
}

func (s *HttpServer) SubscribeEnvelopes() http.HandlerFunc {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}

	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Debug("websocket upgrade failed", zap.Error(err))
			return
		}
		defer conn.Close()

		_, data, err := conn.ReadMessage()
		if err != nil {
			s.logger.Debug("subscription request not received", zap.Error(err))
			return
		}
		var req api.SubscribeEnvelopesRequest
		if err := json.Unmarshal(data, &req); err != nil || len(req.Topics) == 0 {
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseUnsupportedData, "invalid subscription"), time.Now().Add(time.Second))
			return
		}

		sub := &subscriber{
			topics: make(map[string]struct{}, len(req.Topics)),
			send:   make(chan []byte, subscriberBuffer),
			done:   make(chan struct{}),
		}
		for _, t := range req.Topics {
			sub.topics[string(t)] = struct{}{}
		}
		s.hub.add(sub)
		defer s.hub.remove(sub)
		s.logger.Debug("subscriber connected", zap.Int("topics", len(req.Topics)))

		go s.readUntilClosed(conn, sub)

		for {
			select {
			case env := <-sub.send:
				conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := conn.WriteMessage(websocket.BinaryMessage, env); err != nil {
					s.logger.Debug("subscriber write failed", zap.Error(err))
					return
				}
			case <-sub.done:
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
				return
			case <-r.Context().Done():
				return
			}
		}
	}
}

// readUntilClosed drains control frames so close handshakes are seen.
func (s *HttpServer) readUntilClosed(conn *websocket.Conn, sub *subscriber) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			s.logger.Debug("subscriber web socket closed", zap.Error(err))
			sub.close()
			return
		}
	}
}

// CloseStreams ends every open subscription.
func (s *HttpServer) CloseStreams() { s.hub.closeAll() }
