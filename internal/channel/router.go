package channel

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/john/livesync/internal/apperr"
	"github.com/john/livesync/internal/message"
)

// Router owns one Connection per active context and fans their events into a
// single stream. Sends are routed strictly by context, so room traffic and
// global traffic can never cross-deliver. Closing a context cancels its
// pending reconnects.
type Router struct {
	baseURL string
	backoff time.Duration
	logger  *zap.Logger

	events chan Event

	mu    sync.Mutex
	conns map[message.Context]*routedConn
	wg    sync.WaitGroup
}

type routedConn struct {
	conn   *Connection
	cancel context.CancelFunc
}

// NewRouter creates a router dialing against the websocket base URL.
func NewRouter(baseURL string, backoff time.Duration, logger *zap.Logger) *Router {
	return &Router{
		baseURL: baseURL,
		backoff: backoff,
		logger:  logger,
		events:  make(chan Event, 256),
		conns:   make(map[message.Context]*routedConn),
	}
}

// Events returns the merged event stream across all active contexts. Order is
// preserved per context; there is no ordering guarantee across contexts.
func (r *Router) Events() <-chan Event { return r.events }

// Open creates and starts the connection for ctx if one is not already active.
func (r *Router) Open(runCtx context.Context, ctx message.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[ctx]; ok {
		return
	}

	connCtx, cancel := context.WithCancel(runCtx)
	conn := NewConnection(ctx, r.baseURL, r.backoff, r.logger)
	r.conns[ctx] = &routedConn{conn: conn, cancel: cancel}

	r.wg.Add(2)
	go func() {
		defer r.wg.Done()
		if err := conn.Start(connCtx); err != nil && err != context.Canceled {
			r.logger.Warn("Connection stopped", zap.String("context", ctx.String()), zap.Error(err))
		}
	}()
	go func() {
		defer r.wg.Done()
		for ev := range conn.Events() {
			select {
			case r.events <- ev:
			case <-connCtx.Done():
				return
			}
		}
	}()
}

// CloseContext tears down the connection for ctx. Safe to call for a context
// that was never opened.
func (r *Router) CloseContext(ctx message.Context) {
	r.mu.Lock()
	rc, ok := r.conns[ctx]
	if ok {
		delete(r.conns, ctx)
	}
	r.mu.Unlock()

	if ok {
		rc.conn.Close()
		rc.cancel()
	}
}

// Send routes an outbound frame to the connection owning ctx.
func (r *Router) Send(ctx message.Context, v any) error {
	r.mu.Lock()
	rc, ok := r.conns[ctx]
	r.mu.Unlock()

	if !ok {
		return apperr.Newf(apperr.KindNotConnected, "no connection for context %s", ctx)
	}
	return rc.conn.Send(v)
}

// State returns the socket state for ctx, or StateClosed if it has no connection.
func (r *Router) State(ctx message.Context) SocketState {
	r.mu.Lock()
	rc, ok := r.conns[ctx]
	r.mu.Unlock()

	if !ok {
		return StateClosed
	}
	return rc.conn.State()
}

// Shutdown closes every connection and waits for their loops to finish.
func (r *Router) Shutdown() {
	r.mu.Lock()
	conns := make([]*routedConn, 0, len(r.conns))
	for ctx, rc := range r.conns {
		conns = append(conns, rc)
		delete(r.conns, ctx)
	}
	r.mu.Unlock()

	for _, rc := range conns {
		rc.conn.Close()
		rc.cancel()
	}
	r.wg.Wait()
}
