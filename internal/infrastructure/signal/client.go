package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"callcore/internal/core/domain"
	"callcore/internal/core/ports"
	apperrors "callcore/pkg/errors"
	"callcore/pkg/eventloop"
	"callcore/pkg/retry"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type ClientConfig struct {
	URL               string
	Token             string
	PingInterval      time.Duration
	PongTimeout       time.Duration
	WriteTimeout      time.Duration
	AckTimeout        time.Duration
	MessagesPerSecond float64
	Burst             int
	MaxMessageBytes   int64
	Dial              retry.Config
}

func DefaultClientConfig(url string) ClientConfig {
	dial := retry.DefaultConfig()
	dial.MaxAttempts = 5
	return ClientConfig{
		URL:               url,
		PingInterval:      25 * time.Second,
		PongTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
		AckTimeout:        10 * time.Second,
		MessagesPerSecond: 50,
		Burst:             100,
		MaxMessageBytes:   256 * 1024,
		Dial:              dial,
	}
}

type handlerEntry struct {
	id uint64
	fn ports.SignalHandler
}

// connection is one dialed websocket. It is replaced wholesale on reconnect.
type connection struct {
	ws       *websocket.Conn
	outbound chan []byte
	done     chan struct{}
	once     sync.Once
}

func (c *connection) close() {
	c.once.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

// Client is the websocket implementation of ports.SignalingChannel. Outbound
// frames leave in the order they were queued; inbound pushes are delivered
// to handlers in arrival order on a dedicated dispatch loop.
type Client struct {
	cfg      ClientConfig
	dialer   *websocket.Dialer
	limiter  *rate.Limiter
	dispatch *eventloop.Loop
	logger   *zap.SugaredLogger

	connected atomic.Bool

	mu           sync.Mutex
	conn         *connection
	pending      map[string]chan *Envelope
	handlers     map[domain.EventType][]handlerEntry
	nextHandler  uint64
	closed       bool
	onDisconnect func(err error)
}

var _ ports.SignalingChannel = (*Client)(nil)

func NewClient(cfg ClientConfig, logger *zap.SugaredLogger) *Client {
	return &Client{
		cfg:      cfg,
		dialer:   &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		limiter:  rate.NewLimiter(rate.Limit(cfg.MessagesPerSecond), cfg.Burst),
		dispatch: eventloop.New(logger),
		logger:   logger,
		pending:  make(map[string]chan *Envelope),
		handlers: make(map[domain.EventType][]handlerEntry),
	}
}

// OnDisconnect registers a callback for connection loss that could not be
// repaired by reconnecting.
func (c *Client) OnDisconnect(fn func(err error)) {
	c.mu.Lock()
	c.onDisconnect = fn
	c.mu.Unlock()
}

// Connect dials the hub, retrying with backoff.
func (c *Client) Connect(ctx context.Context) error {
	cfg := c.cfg.Dial
	cfg.OnRetry = func(attempt int, delay time.Duration, err error) {
		c.logger.Warnw("signaling dial failed, retrying",
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)
	}
	err := retry.Retry(ctx, cfg, func(ctx context.Context) error {
		return c.dial(ctx)
	})
	if err != nil {
		return apperrors.NewSignalingError(err, "could not connect to signaling server")
	}
	return nil
}

func (c *Client) dial(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("signaling client closed")
	}
	c.mu.Unlock()

	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	ws, resp, err := c.dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return fmt.Errorf("signaling server rejected credentials: %w", err)
		}
		return err
	}

	conn := &connection{
		ws:       ws,
		outbound: make(chan []byte, 256),
		done:     make(chan struct{}),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		ws.Close()
		return errors.New("signaling client closed")
	}
	c.conn = conn
	c.mu.Unlock()
	c.connected.Store(true)

	go c.writePump(conn)
	go c.readPump(conn)

	c.logger.Infow("signaling connected", "url", c.cfg.URL)
	return nil
}

func (c *Client) Connected() bool {
	return c.connected.Load()
}

func (c *Client) Send(ctx context.Context, event domain.EventType, payload any) (json.RawMessage, error) {
	id := uuid.NewString()
	env, err := newEnvelope(event, id, payload)
	if err != nil {
		return nil, apperrors.NewSignalingError(err, "could not encode message")
	}

	ackCh := make(chan *Envelope, 1)
	c.mu.Lock()
	c.pending[id] = ackCh
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	conn, err := c.enqueue(ctx, env)
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(c.cfg.AckTimeout)
	defer timer.Stop()

	select {
	case ack := <-ackCh:
		if ack.Error != "" {
			return nil, apperrors.NewAckError(event, ack.Error)
		}
		return ack.Payload, nil
	case <-timer.C:
		return nil, apperrors.NewSignalingError(context.DeadlineExceeded, "no acknowledgement for "+string(event))
	case <-conn.done:
		return nil, apperrors.NewSignalingError(domain.ErrSignalingOffline, "connection lost awaiting "+string(event))
	case <-ctx.Done():
		return nil, apperrors.NewSignalingError(ctx.Err(), "cancelled awaiting "+string(event))
	}
}

func (c *Client) Emit(ctx context.Context, event domain.EventType, payload any) error {
	env, err := newEnvelope(event, "", payload)
	if err != nil {
		return apperrors.NewSignalingError(err, "could not encode message")
	}
	_, err = c.enqueue(ctx, env)
	return err
}

func (c *Client) enqueue(ctx context.Context, env *Envelope) (*connection, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, apperrors.NewSignalingError(err, "could not encode message")
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil || !c.connected.Load() {
		return nil, apperrors.NewSignalingError(domain.ErrSignalingOffline, "signaling is not connected")
	}

	select {
	case conn.outbound <- data:
		return conn, nil
	case <-conn.done:
		return nil, apperrors.NewSignalingError(domain.ErrSignalingOffline, "signaling is not connected")
	case <-ctx.Done():
		return nil, apperrors.NewSignalingError(ctx.Err(), "could not queue "+string(env.Type))
	}
}

func (c *Client) On(event domain.EventType, handler ports.SignalHandler) ports.Unsubscribe {
	c.mu.Lock()
	c.nextHandler++
	id := c.nextHandler
	c.handlers[event] = append(c.handlers[event], handlerEntry{id: id, fn: handler})
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			entries := c.handlers[event]
			for i, entry := range entries {
				if entry.id == id {
					c.handlers[event] = append(entries[:i:i], entries[i+1:]...)
					break
				}
			}
		})
	}
}

func (c *Client) writePump(conn *connection) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	defer conn.close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-conn.done
		cancel()
	}()

	for {
		select {
		case <-conn.done:
			return
		case data := <-conn.outbound:
			if err := c.limiter.Wait(ctx); err != nil {
				return
			}
			conn.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := conn.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Warnw("signaling write failed", "error", err)
				return
			}
		case <-ticker.C:
			conn.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := conn.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) readPump(conn *connection) {
	var readErr error
	defer func() {
		conn.close()
		c.lost(conn, readErr)
	}()

	if c.cfg.MaxMessageBytes > 0 {
		conn.ws.SetReadLimit(c.cfg.MaxMessageBytes)
	}
	conn.ws.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
	conn.ws.SetPongHandler(func(string) error {
		return conn.ws.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
	})

	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			readErr = err
			return
		}
		conn.ws.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Warnw("dropping malformed signaling frame", "error", err)
			continue
		}
		c.route(&env)
	}
}

func (c *Client) route(env *Envelope) {
	switch env.Type {
	case TypeAck:
		c.mu.Lock()
		ch, ok := c.pending[env.ID]
		c.mu.Unlock()
		if !ok {
			c.logger.Debugw("late acknowledgement dropped", "id", env.ID)
			return
		}
		select {
		case ch <- env:
		default:
		}
	case TypeError:
		c.logger.Warnw("signaling server rejected a message", "error", env.Error)
	default:
		c.mu.Lock()
		entries := append([]handlerEntry(nil), c.handlers[env.Type]...)
		c.mu.Unlock()
		if len(entries) == 0 {
			c.logger.Debugw("no handler for signaling event", "type", env.Type)
			return
		}
		payload := env.Payload
		c.dispatch.Post(func() {
			for _, entry := range entries {
				entry.fn(payload)
			}
		})
	}
}

// lost handles the end of a connection: unless the client was closed, it
// redials in the background and reports failure if that does not work.
func (c *Client) lost(conn *connection, err error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	closed := c.closed
	onDisconnect := c.onDisconnect
	c.mu.Unlock()
	c.connected.Store(false)

	if closed {
		return
	}
	c.logger.Warnw("signaling connection lost", "error", err)

	go func() {
		if dialErr := c.Connect(context.Background()); dialErr != nil {
			c.logger.Errorw("signaling reconnect failed", "error", dialErr)
			if onDisconnect != nil {
				onDisconnect(dialErr)
			}
		}
	}()
}

func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()
	c.connected.Store(false)

	if conn != nil {
		conn.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(c.cfg.WriteTimeout))
		conn.close()
	}
	c.dispatch.Close()
	return nil
}
