package reconcile

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/john/livesync/internal/message"
)

// Store is the authoritative in-memory ordered log of messages per context.
// Locally-originated provisional entries are merged with server-confirmed
// entries so the log never shows a duplicate and never silently loses a send.
type Store struct {
	window time.Duration
	logger *zap.Logger

	mu   sync.Mutex
	logs map[message.Context][]*message.Message
	// provisional entries by context and author+body, for O(1) reconciliation
	provisional map[message.Context]map[provKey][]*message.Message
	// server IDs already merged, so a redelivered backlog is not re-appended
	confirmed map[message.Context]map[string]struct{}
}

type provKey struct {
	author string
	body   string
}

// NewStore creates a store with the given reconciliation window.
func NewStore(window time.Duration, logger *zap.Logger) *Store {
	return &Store{
		window:      window,
		logger:      logger,
		logs:        make(map[message.Context][]*message.Message),
		provisional: make(map[message.Context]map[provKey][]*message.Message),
		confirmed:   make(map[message.Context]map[string]struct{}),
	}
}

// ApplyLocalSend appends a provisional entry for a message the user just sent
// and returns its synthetic ID. The entry stays until the server echoes a
// matching confirmed copy, reports the send as blocked, or the context is
// torn down.
func (s *Store) ApplyLocalSend(ctx message.Context, authorID, displayName, body string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := &message.Message{
		ID:         uuid.NewString(),
		Context:    ctx,
		AuthorID:   authorID,
		AuthorName: displayName,
		Body:       body,
		SentAt:     time.Now().UTC(),
		Origin:     message.OriginProvisional,
	}
	s.logs[ctx] = append(s.logs[ctx], m)
	s.indexProvisional(ctx, m)
	sortLog(s.logs[ctx])
	return m.ID
}

// ApplyServerHistory applies the backlog batch the server pushes on connect.
// Each entry goes through the same reconciliation as a live message, so a
// reconnect does not duplicate sends that were confirmed while offline.
func (s *Store) ApplyServerHistory(ctx message.Context, msgs []message.Message) {
	for _, m := range msgs {
		s.ApplyServerMessage(ctx, m)
	}
}

// ApplyServerMessage merges one server-confirmed message into the log. If a
// provisional entry by the same author with the same body exists within the
// reconciliation window it is replaced in place, preserving its position;
// otherwise the message is appended.
func (s *Store) ApplyServerMessage(ctx message.Context, m message.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m.Context = ctx
	m.Origin = message.OriginConfirmed

	// The server replays the backlog on every connect; a message already
	// merged under this ID must not be appended again.
	if _, seen := s.confirmed[ctx][m.ID]; seen {
		return
	}

	if p := s.takeProvisional(ctx, m.AuthorName, m.Body, m.SentAt); p != nil {
		// Replace in place so the entry does not visually jump.
		*p = m
		s.markConfirmed(ctx, m.ID)
		return
	}
	s.logs[ctx] = append(s.logs[ctx], &m)
	s.markConfirmed(ctx, m.ID)
	sortLog(s.logs[ctx])
}

// ApplyServerWarningRemoval drops the newest provisional entry by userID in
// ctx. The server blocked the send, so from its point of view the message
// never existed.
func (s *Store) ApplyServerWarningRemoval(ctx message.Context, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.logs[ctx]
	for i := len(log) - 1; i >= 0; i-- {
		m := log[i]
		if m.Origin == message.OriginProvisional && m.AuthorID == userID {
			s.logs[ctx] = append(log[:i], log[i+1:]...)
			s.unindexProvisional(ctx, m)
			s.logger.Info("Removed blocked provisional message",
				zap.String("context", ctx.String()), zap.String("user_id", userID))
			return
		}
	}
}

// List returns the messages in ctx sorted by timestamp ascending. Entries from
// other contexts never appear.
func (s *Store) List(ctx message.Context) []message.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.logs[ctx]
	out := make([]message.Message, 0, len(log))
	for _, m := range log {
		out = append(out, *m)
	}
	return out
}

// DropContext discards the log and the provisional index for ctx.
func (s *Store) DropContext(ctx message.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.logs, ctx)
	delete(s.provisional, ctx)
	delete(s.confirmed, ctx)
}

// takeProvisional finds and unindexes a provisional entry matching the
// confirmed message within the reconciliation window. Returns nil when the
// message has no local counterpart.
func (s *Store) takeProvisional(ctx message.Context, author, body string, serverTime time.Time) *message.Message {
	idx := s.provisional[ctx]
	if idx == nil {
		return nil
	}
	key := provKey{author: author, body: body}
	for i, m := range idx[key] {
		delta := serverTime.Sub(m.SentAt)
		if delta < 0 {
			delta = -delta
		}
		if delta < s.window {
			idx[key] = append(idx[key][:i], idx[key][i+1:]...)
			if len(idx[key]) == 0 {
				delete(idx, key)
			}
			return m
		}
	}
	return nil
}

func (s *Store) markConfirmed(ctx message.Context, id string) {
	if id == "" {
		return
	}
	idx := s.confirmed[ctx]
	if idx == nil {
		idx = make(map[string]struct{})
		s.confirmed[ctx] = idx
	}
	idx[id] = struct{}{}
}

func (s *Store) indexProvisional(ctx message.Context, m *message.Message) {
	idx := s.provisional[ctx]
	if idx == nil {
		idx = make(map[provKey][]*message.Message)
		s.provisional[ctx] = idx
	}
	key := provKey{author: m.AuthorName, body: m.Body}
	idx[key] = append(idx[key], m)
}

func (s *Store) unindexProvisional(ctx message.Context, m *message.Message) {
	idx := s.provisional[ctx]
	if idx == nil {
		return
	}
	key := provKey{author: m.AuthorName, body: m.Body}
	for i, p := range idx[key] {
		if p == m {
			idx[key] = append(idx[key][:i], idx[key][i+1:]...)
			break
		}
	}
	if len(idx[key]) == 0 {
		delete(idx, key)
	}
}

func sortLog(log []*message.Message) {
	sort.SliceStable(log, func(i, j int) bool {
		return log[i].SentAt.Before(log[j].SentAt)
	})
}
