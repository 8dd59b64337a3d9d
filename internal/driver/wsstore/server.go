package wsstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"chatsync/pkg/chatsync"
)

// ServerOption mutates server configuration.
type ServerOption func(*Server)

// WithServerLogger injects the server logger.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(server *Server) {
		if logger != nil {
			server.logger = logger
		}
	}
}

// WithAuthorizer rejects handshakes for which authorize returns an error.
func WithAuthorizer(authorize func(*http.Request) error) ServerOption {
	return func(server *Server) {
		if authorize != nil {
			server.authorize = authorize
		}
	}
}

// Server exposes a chatsync.RemoteStore to websocket clients. Each
// connection handles its requests in arrival order.
type Server struct {
	store     chatsync.RemoteStore
	logger    *slog.Logger
	authorize func(*http.Request) error
	upgrader  websocket.Upgrader

	mu     sync.Mutex
	closed bool
	peers  map[*connection]struct{}
}

// NewServer creates a websocket handler serving store.
func NewServer(store chatsync.RemoteStore, opts ...ServerOption) (*Server, error) {
	if store == nil {
		return nil, fmt.Errorf("new wsstore server: nil store")
	}

	server := &Server{
		store:  store,
		logger: slog.Default(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		peers: make(map[*connection]struct{}),
	}
	for _, option := range opts {
		option(server)
	}

	return server, nil
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.authorize != nil {
		if err := s.authorize(r); err != nil {
			s.logger.Info("wsstore handshake rejected", "remote_addr", r.RemoteAddr, "error", err)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("wsstore upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	peer := &connection{
		server: s,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
		subs:   make(map[string]chatsync.CancelFunc),
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.peers[peer] = struct{}{}
	s.mu.Unlock()

	peer.serve()

	s.mu.Lock()
	delete(s.peers, peer)
	s.mu.Unlock()
}

// Close drops every connected peer and rejects later ones. Their live
// subscriptions are cancelled.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	peers := make([]*connection, 0, len(s.peers))
	for peer := range s.peers {
		peers = append(peers, peer)
	}
	s.mu.Unlock()

	for _, peer := range peers {
		peer.shutdown()
	}
}

type connection struct {
	server *Server
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once

	mu   sync.Mutex
	subs map[string]chatsync.CancelFunc
}

func (c *connection) serve() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writePump()
	}()

	c.readLoop(ctx)
	c.shutdown()
	wg.Wait()
}

func (c *connection) readLoop(ctx context.Context) {
	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.server.logger.Debug("wsstore peer lost", "error", err)
			}
			return
		}

		var envelope Envelope
		if err := json.Unmarshal(data, &envelope); err != nil {
			c.server.logger.Debug("wsstore malformed request", "error", err)
			continue
		}
		c.handle(ctx, envelope)
	}
}

func (c *connection) handle(ctx context.Context, envelope Envelope) {
	store := c.server.store

	switch envelope.Type {
	case TypeRead:
		var request ReadRequest
		if !c.decode(envelope, &request) {
			return
		}
		mode := chatsync.ReadDefault
		if request.CacheFirst {
			mode = chatsync.ReadCacheFirst
		}
		record, found, err := store.Read(ctx, request.Path, mode)
		c.answer(envelope.ID, ReadResult{Record: record, Found: found}, err)
	case TypeQuery:
		var request QueryRequest
		if !c.decode(envelope, &request) {
			return
		}
		records, err := store.Query(ctx, request.Query)
		c.answer(envelope.ID, QueryResult{Records: records}, err)
	case TypeWrite:
		var request WriteRequest
		if !c.decode(envelope, &request) {
			return
		}
		c.answer(envelope.ID, nil, store.Write(ctx, request.Path, request.Fields))
	case TypeDelete:
		var request DeleteRequest
		if !c.decode(envelope, &request) {
			return
		}
		c.answer(envelope.ID, nil, store.Delete(ctx, request.Path))
	case TypeSubscribe:
		var request SubscribeRequest
		if !c.decode(envelope, &request) {
			return
		}
		c.subscribe(ctx, envelope.ID, request.Target)
	case TypeUnsubscribe:
		c.unsubscribe(envelope.ID)
		c.answer(envelope.ID, nil, nil)
	default:
		c.reject(envelope.ID, CodeBadRequest, fmt.Sprintf("unsupported type %q", envelope.Type))
	}
}

func (c *connection) subscribe(ctx context.Context, id string, target chatsync.Target) {
	if id == "" {
		c.reject(id, CodeBadRequest, "missing subscription id")
		return
	}

	c.mu.Lock()
	if _, exists := c.subs[id]; exists {
		c.mu.Unlock()
		c.reject(id, CodeBadRequest, "duplicate subscription id")
		return
	}
	// A nil entry reserves id while the store delivers the initial snapshot.
	c.subs[id] = nil
	c.mu.Unlock()

	cancel, err := c.server.store.Subscribe(ctx, target,
		func(changes chatsync.ChangeSet) { c.push(TypeChange, id, changes) },
		func(err error) {
			if c.forget(id) {
				c.push(TypeError, id, ErrorMessage{Code: errorCode(err), Message: err.Error()})
			}
		},
	)
	if err != nil {
		c.forget(id)
		c.answer(id, nil, err)
		return
	}

	c.mu.Lock()
	_, live := c.subs[id]
	if live {
		c.subs[id] = cancel
	}
	c.mu.Unlock()
	if !live {
		cancel()
	}
	c.answer(id, nil, nil)
}

func (c *connection) unsubscribe(id string) {
	c.mu.Lock()
	cancel, ok := c.subs[id]
	delete(c.subs, id)
	c.mu.Unlock()

	if ok && cancel != nil {
		cancel()
	}
}

func (c *connection) forget(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.subs[id]
	delete(c.subs, id)

	return ok
}

func (c *connection) decode(envelope Envelope, out any) bool {
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		c.reject(envelope.ID, CodeBadRequest, err.Error())
		return false
	}

	return true
}

func (c *connection) answer(id string, payload any, err error) {
	if err != nil {
		c.reject(id, errorCode(err), err.Error())
		return
	}
	c.push(TypeResult, id, payload)
}

func (c *connection) reject(id string, code string, message string) {
	c.push(TypeError, id, ErrorMessage{Code: code, Message: message})
}

func (c *connection) push(messageType MessageType, id string, payload any) {
	data, err := encodeEnvelope(messageType, id, payload)
	if err != nil {
		c.server.logger.Error("wsstore encode failed", "type", messageType, "error", err)
		return
	}
	select {
	case c.send <- data:
	case <-c.done:
	}
}

func (c *connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.shutdown()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *connection) shutdown() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()

		c.mu.Lock()
		subs := c.subs
		c.subs = make(map[string]chatsync.CancelFunc)
		c.mu.Unlock()
		for _, cancel := range subs {
			if cancel != nil {
				cancel()
			}
		}
	})
}
