package wsstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"chatsync/pkg/chatsync"
	"chatsync/pkg/scheduler"
)

const (
	defaultRequestTimeout = 10 * time.Second
	writeWait             = 10 * time.Second
	pongWait              = 60 * time.Second
	pingPeriod            = 30 * time.Second
	maxFrameSize          = 1 << 20
	sendBuffer            = 256
)

// Option mutates client configuration.
type Option func(*Client)

// WithLogger injects the client logger.
func WithLogger(logger *slog.Logger) Option {
	return func(client *Client) {
		if logger != nil {
			client.logger = logger
		}
	}
}

// WithRequestTimeout bounds every request round trip.
func WithRequestTimeout(timeout time.Duration) Option {
	return func(client *Client) {
		if timeout > 0 {
			client.requestTimeout = timeout
		}
	}
}

// WithHeader adds handshake headers, for example an Authorization bearer.
func WithHeader(header http.Header) Option {
	return func(client *Client) {
		if header != nil {
			client.header = header.Clone()
		}
	}
}

// WithDialer replaces the default websocket dialer.
func WithDialer(dialer *websocket.Dialer) Option {
	return func(client *Client) {
		if dialer != nil {
			client.dialer = dialer
		}
	}
}

type reply struct {
	envelope Envelope
}

type remoteWatch struct {
	onChange func(chatsync.ChangeSet)
	onError  func(error)
}

// Client is a chatsync.RemoteStore backed by one websocket connection.
//
// Subscription callbacks run on one dispatch goroutine in arrival order.
// Close must not be called from a callback.
type Client struct {
	logger         *slog.Logger
	requestTimeout time.Duration
	header         http.Header
	dialer         *websocket.Dialer

	conn *websocket.Conn
	send chan []byte
	wake chan struct{}
	done chan struct{}
	wg   sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	failure error
	pending map[string]chan reply
	watches map[string]*remoteWatch
	queue   []func()
}

// Dial connects to the store endpoint at rawURL.
func Dial(ctx context.Context, rawURL string, opts ...Option) (*Client, error) {
	client := &Client{
		logger:         slog.Default(),
		requestTimeout: defaultRequestTimeout,
		dialer:         websocket.DefaultDialer,
		send:           make(chan []byte, sendBuffer),
		wake:           make(chan struct{}, 1),
		done:           make(chan struct{}),
		pending:        make(map[string]chan reply),
		watches:        make(map[string]*remoteWatch),
	}
	for _, option := range opts {
		option(client)
	}

	conn, response, err := client.dialer.DialContext(ctx, rawURL, client.header)
	if err != nil {
		if response != nil {
			return nil, fmt.Errorf("wsstore dial %s: %w (status %d)", rawURL, err, response.StatusCode)
		}
		return nil, fmt.Errorf("wsstore dial %s: %w", rawURL, err)
	}
	client.conn = conn

	client.wg.Add(3)
	go client.readPump()
	go client.writePump()
	go client.dispatch()

	return client, nil
}

// Read implements chatsync.RemoteStore.
func (c *Client) Read(ctx context.Context, path string, mode chatsync.ReadMode) (chatsync.Record, bool, error) {
	var result ReadResult
	request := ReadRequest{Path: path, CacheFirst: mode == chatsync.ReadCacheFirst}
	if err := c.roundTrip(ctx, uuid.NewString(), TypeRead, request, &result); err != nil {
		return chatsync.Record{}, false, fmt.Errorf("wsstore read %s: %w", path, err)
	}

	return result.Record, result.Found, nil
}

// Query implements chatsync.RemoteStore.
func (c *Client) Query(ctx context.Context, query chatsync.Query) ([]chatsync.Record, error) {
	var result QueryResult
	if err := c.roundTrip(ctx, uuid.NewString(), TypeQuery, QueryRequest{Query: query}, &result); err != nil {
		return nil, fmt.Errorf("wsstore query %s: %w", query.Collection, err)
	}
	if result.Records == nil {
		result.Records = []chatsync.Record{}
	}

	return result.Records, nil
}

// Write implements chatsync.RemoteStore.
func (c *Client) Write(ctx context.Context, path string, fields map[string]any) error {
	if err := c.roundTrip(ctx, uuid.NewString(), TypeWrite, WriteRequest{Path: path, Fields: fields}, nil); err != nil {
		return fmt.Errorf("wsstore write %s: %w", path, err)
	}

	return nil
}

// Delete implements chatsync.RemoteStore.
func (c *Client) Delete(ctx context.Context, path string) error {
	if err := c.roundTrip(ctx, uuid.NewString(), TypeDelete, DeleteRequest{Path: path}, nil); err != nil {
		return fmt.Errorf("wsstore delete %s: %w", path, err)
	}

	return nil
}

// Subscribe implements chatsync.RemoteStore. Change frames may arrive
// before the server acknowledges the subscription; they are delivered in
// order either way.
func (c *Client) Subscribe(
	ctx context.Context,
	target chatsync.Target,
	onChange func(chatsync.ChangeSet),
	onError func(error),
) (chatsync.CancelFunc, error) {
	if err := target.Validate(); err != nil {
		return nil, fmt.Errorf("wsstore subscribe: %w", err)
	}
	if onChange == nil {
		return nil, fmt.Errorf("wsstore subscribe: nil change callback")
	}

	id := uuid.NewString()
	live := &remoteWatch{onChange: onChange, onError: onError}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("wsstore subscribe: %w", chatsync.ErrStoreClosed)
	}
	c.watches[id] = live
	c.mu.Unlock()

	if err := c.roundTrip(ctx, id, TypeSubscribe, SubscribeRequest{Target: target}, nil); err != nil {
		c.dropWatch(id, live)
		return nil, fmt.Errorf("wsstore subscribe: %w", err)
	}

	cancel := chatsync.OnceCancel(func() {
		if !c.dropWatch(id, live) {
			return
		}
		data, err := encodeEnvelope(TypeUnsubscribe, id, nil)
		if err != nil {
			return
		}
		select {
		case c.send <- data:
		case <-c.done:
		default:
			c.logger.Debug("wsstore unsubscribe dropped", "subscription_id", id)
		}
	})
	stop := context.AfterFunc(ctx, cancel)

	return func() {
		stop()
		cancel()
	}, nil
}

// Close shuts the connection down. Live subscriptions receive
// chatsync.ErrStoreClosed. It is idempotent.
func (c *Client) Close() error {
	deadline := time.Now().Add(writeWait)
	message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := c.conn.WriteControl(websocket.CloseMessage, message, deadline); err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		c.logger.Debug("wsstore close frame failed", "error", err)
	}
	c.fail(chatsync.ErrStoreClosed)
	c.wg.Wait()

	return nil
}

func (c *Client) roundTrip(ctx context.Context, id string, messageType MessageType, payload any, out any) error {
	data, err := encodeEnvelope(messageType, id, payload)
	if err != nil {
		return err
	}

	replies := make(chan reply, 1)
	c.mu.Lock()
	if c.closed {
		failure := c.failure
		c.mu.Unlock()
		return failure
	}
	c.pending[id] = replies
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	select {
	case c.send <- data:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return c.closedErr()
	}

	select {
	case answer := <-replies:
		if answer.envelope.Type == TypeError {
			return decodeRemoteError(answer.envelope.Data)
		}
		if out == nil || len(answer.envelope.Data) == 0 {
			return nil
		}
		if err := json.Unmarshal(answer.envelope.Data, out); err != nil {
			return fmt.Errorf("decode %s result: %w", messageType, err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return c.closedErr()
	}
}

func (c *Client) readPump() {
	defer c.wg.Done()

	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("wsstore connection lost", "error", err)
			}
			c.fail(fmt.Errorf("%w: %v", chatsync.ErrStoreClosed, err))
			return
		}

		var envelope Envelope
		if err := json.Unmarshal(data, &envelope); err != nil {
			c.logger.Warn("wsstore malformed frame", "error", err)
			continue
		}
		c.route(envelope)
	}
}

func (c *Client) route(envelope Envelope) {
	c.mu.Lock()
	if replies, ok := c.pending[envelope.ID]; ok && envelope.Type != TypeChange {
		delete(c.pending, envelope.ID)
		c.mu.Unlock()
		replies <- reply{envelope: envelope}
		return
	}
	live, watching := c.watches[envelope.ID]
	c.mu.Unlock()
	if !watching {
		return
	}

	switch envelope.Type {
	case TypeChange:
		var changes chatsync.ChangeSet
		if err := json.Unmarshal(envelope.Data, &changes); err != nil {
			c.logger.Warn("wsstore malformed change", "subscription_id", envelope.ID, "error", err)
			return
		}
		c.enqueue(func() {
			if c.watching(envelope.ID, live) {
				c.invoke(envelope.ID, func() { live.onChange(changes) })
			}
		})
	case TypeError:
		if !c.dropWatch(envelope.ID, live) {
			return
		}
		err := decodeRemoteError(envelope.Data)
		c.enqueue(func() {
			if live.onError != nil {
				c.invoke(envelope.ID, func() { live.onError(err) })
			}
		})
	}
}

func (c *Client) writePump() {
	defer c.wg.Done()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.fail(fmt.Errorf("%w: %v", chatsync.ErrStoreClosed, err))
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.fail(fmt.Errorf("%w: %v", chatsync.ErrStoreClosed, err))
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Client) dispatch() {
	defer c.wg.Done()

	for {
		select {
		case <-c.wake:
			c.drain()
		case <-c.done:
			c.drain()
			return
		}
	}
}

func (c *Client) drain() {
	for {
		c.mu.Lock()
		if len(c.queue) == 0 {
			c.mu.Unlock()
			return
		}
		next := c.queue[0]
		c.queue[0] = nil
		c.queue = c.queue[1:]
		c.mu.Unlock()

		next()
	}
}

func (c *Client) enqueue(fn func()) {
	c.mu.Lock()
	c.queue = append(c.queue, fn)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Client) invoke(id string, fn func()) {
	scheduler.Guard("wsstore subscription", fn, func(err error) {
		c.logger.Error("wsstore subscription callback panicked", "subscription_id", id, "error", err)
	})
}

// fail closes the client once with err and hands every live subscription
// its error.
func (c *Client) fail(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.failure = err
	watches := c.watches
	c.watches = make(map[string]*remoteWatch)
	c.mu.Unlock()

	for id, live := range watches {
		id, live := id, live
		if live.onError == nil {
			continue
		}
		c.enqueue(func() { c.invoke(id, func() { live.onError(err) }) })
	}
	close(c.done)
	_ = c.conn.Close()
}

func (c *Client) closedErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.failure != nil {
		return c.failure
	}

	return chatsync.ErrStoreClosed
}

func (c *Client) watching(id string, live *remoteWatch) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.watches[id] == live
}

func (c *Client) dropWatch(id string, live *remoteWatch) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.watches[id] != live {
		return false
	}
	delete(c.watches, id)

	return true
}
