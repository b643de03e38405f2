package channel

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/john/livesync/internal/apperr"
	"github.com/john/livesync/internal/message"
)

// SocketState is the lifecycle state of a connection's underlying socket.
type SocketState int

const (
	StateConnecting SocketState = iota
	StateOpen
	StateClosed
)

func (s SocketState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	default:
		return "closed"
	}
}

// EventKind classifies events emitted by a Connection.
type EventKind int

const (
	KindConnected EventKind = iota
	KindDisconnected
	KindHistory
	KindMessage
	KindServer
)

// Event is one connection-level occurrence, tagged with its originating
// context so downstream state can be kept per-context.
type Event struct {
	Context  message.Context
	Kind     EventKind
	Messages []message.Message // KindHistory: the server's backlog batch
	Message  *message.Message  // KindMessage: one confirmed message
	Type     string            // KindServer: the envelope type
	Payload  json.RawMessage   // KindServer: the raw envelope
}

// Connection manages one duplex websocket to a message channel, reconnecting
// with a fixed backoff until closed by the owner. Events are delivered in
// receipt order on the Events channel. Each Connection is an independent
// failure domain.
type Connection struct {
	ctx     message.Context
	url     string
	backoff time.Duration
	dialer  *websocket.Dialer
	logger  *zap.Logger

	events chan Event
	done   chan struct{}
	once   sync.Once

	mu         sync.Mutex
	conn       *websocket.Conn
	state      SocketState
	retryCount int
}

// NewConnection creates a connection for ctx against the websocket base URL.
// It does not dial until Start is called.
func NewConnection(ctx message.Context, baseURL string, backoff time.Duration, logger *zap.Logger) *Connection {
	return &Connection{
		ctx:     ctx,
		url:     baseURL + ctx.Path(),
		backoff: backoff,
		dialer:  websocket.DefaultDialer,
		logger:  logger.With(zap.String("context", ctx.String())),
		events:  make(chan Event, 64),
		done:    make(chan struct{}),
		state:   StateClosed,
	}
}

// Events returns the event stream. It is closed when Start returns.
func (c *Connection) Events() <-chan Event { return c.events }

// State returns the current socket state.
func (c *Connection) State() SocketState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// RetryCount returns the number of reconnect attempts made so far.
func (c *Connection) RetryCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retryCount
}

// Start dials and serves the connection until Close is called or runCtx is
// cancelled. Unexpected disconnects schedule a redial after the fixed backoff,
// indefinitely.
func (c *Connection) Start(runCtx context.Context) error {
	defer close(c.events)

	for {
		err := c.runOnce(runCtx)
		if c.isDone() || runCtx.Err() != nil {
			return runCtx.Err()
		}
		if err != nil {
			c.logger.Warn("Connection lost, scheduling reconnect",
				zap.Error(err), zap.Duration("backoff", c.backoff))
		}

		c.mu.Lock()
		c.retryCount++
		c.mu.Unlock()

		select {
		case <-time.After(c.backoff):
		case <-c.done:
			return nil
		case <-runCtx.Done():
			return runCtx.Err()
		}
	}
}

// runOnce performs a single dial and read loop.
func (c *Connection) runOnce(runCtx context.Context) error {
	c.setState(StateConnecting)

	conn, _, err := c.dialer.DialContext(runCtx, c.url, nil)
	if err != nil {
		c.setState(StateClosed)
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.state = StateOpen
	c.mu.Unlock()

	c.logger.Info("Channel connected", zap.String("url", c.url))
	c.emit(Event{Context: c.ctx, Kind: KindConnected})

	// Close the socket when the owner shuts down so the read loop unblocks.
	readDone := make(chan struct{})
	defer close(readDone)
	go func() {
		select {
		case <-c.done:
			conn.Close()
		case <-runCtx.Done():
			conn.Close()
		case <-readDone:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			c.conn = nil
			c.state = StateClosed
			c.mu.Unlock()
			if !c.isDone() && runCtx.Err() == nil {
				c.emit(Event{Context: c.ctx, Kind: KindDisconnected})
			}
			return err
		}
		c.handleFrame(data)
	}
}

// handleFrame decodes one inbound envelope and emits the matching event.
func (c *Connection) handleFrame(data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.logger.Warn("Dropping malformed frame", zap.Error(err))
		return
	}

	switch env.Type {
	case TypeMessageHistory:
		var p HistoryPayload
		if err := json.Unmarshal(data, &p); err != nil {
			c.logger.Warn("Dropping malformed history frame", zap.Error(err))
			return
		}
		msgs := make([]message.Message, 0, len(p.Messages))
		for _, w := range p.Messages {
			msgs = append(msgs, w.ToMessage(c.ctx))
		}
		c.emit(Event{Context: c.ctx, Kind: KindHistory, Messages: msgs})

	case TypeNewMessage:
		var p NewMessagePayload
		if err := json.Unmarshal(data, &p); err != nil {
			c.logger.Warn("Dropping malformed message frame", zap.Error(err))
			return
		}
		msg := p.ToMessage(c.ctx)
		c.emit(Event{Context: c.ctx, Kind: KindMessage, Message: &msg})

	default:
		c.emit(Event{Context: c.ctx, Kind: KindServer, Type: env.Type, Payload: data})
	}
}

// Send transmits a frame if the socket is open. Delivery is best-effort and
// never queued; when the socket is down the caller gets NotConnected and must
// not assume delivery.
func (c *Connection) Send(v any) error {
	c.mu.Lock()
	conn := c.conn
	open := c.state == StateOpen
	c.mu.Unlock()

	if !open || conn == nil {
		return apperr.Newf(apperr.KindNotConnected, "channel %s is %s", c.ctx, c.State())
	}

	if err := conn.WriteJSON(v); err != nil {
		// The read loop will observe the broken socket and reconnect.
		conn.Close()
		return apperr.Wrap(apperr.KindNotConnected, "write to channel "+c.ctx.String(), err)
	}
	return nil
}

// Close shuts the connection down and suppresses any further reconnects.
func (c *Connection) Close() {
	c.once.Do(func() {
		close(c.done)
		c.mu.Lock()
		if c.conn != nil {
			c.conn.Close()
		}
		c.mu.Unlock()
	})
}

func (c *Connection) isDone() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Connection) setState(s SocketState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Connection) emit(ev Event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}
