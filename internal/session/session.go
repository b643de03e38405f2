package session

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/john/livesync/internal/apperr"
	"github.com/john/livesync/internal/audit"
	"github.com/john/livesync/internal/channel"
	"github.com/john/livesync/internal/consensus"
	"github.com/john/livesync/internal/escalate"
	"github.com/john/livesync/internal/identity"
	"github.com/john/livesync/internal/message"
	"github.com/john/livesync/internal/moderation"
	"github.com/john/livesync/internal/reconcile"
)

// Observer is notified of engine state changes so a UI can re-render. All
// callbacks run on the session's event loop; implementations must not block.
type Observer interface {
	OnMessagesChanged(ctx message.Context)
	OnSanctionChanged(rec escalate.Record)
	OnConnectionChanged(ctx message.Context, connected bool)
}

type nopObserver struct{}

func (nopObserver) OnMessagesChanged(message.Context)         {}
func (nopObserver) OnSanctionChanged(escalate.Record)         {}
func (nopObserver) OnConnectionChanged(message.Context, bool) {}

// Session is one client's synchronization engine. It owns the router, the
// reconciliation store, and the escalation tracker, and applies inbound
// channel events in receipt order per context on a single event loop.
type Session struct {
	user       identity.User
	router     *channel.Router
	store      *reconcile.Store
	tracker    *escalate.Tracker
	aggregator *consensus.Aggregator
	detector   *moderation.Detector
	observer   Observer
	auditChan  chan<- audit.Entry
	logger     *zap.Logger

	mu        sync.Mutex
	streamID  string // current room, empty when only in global chat
	presenter bool
}

// Option configures a Session.
type Option func(*Session)

// WithObserver sets the UI observer.
func WithObserver(o Observer) Option {
	return func(s *Session) { s.observer = o }
}

// WithDetector enables the advisory toxicity pre-check on outgoing text.
func WithDetector(d *moderation.Detector) Option {
	return func(s *Session) { s.detector = d }
}

// WithAuditSink routes moderation occurrences to the audit recorder.
func WithAuditSink(ch chan<- audit.Entry) Option {
	return func(s *Session) { s.auditChan = ch }
}

// New creates a session for user. The tracker must be constructed by the
// caller so its termination hook can be wired before the first event arrives.
func New(user identity.User, router *channel.Router, store *reconcile.Store,
	tracker *escalate.Tracker, aggregator *consensus.Aggregator,
	logger *zap.Logger, opts ...Option,
) *Session {
	s := &Session{
		user:       user,
		router:     router,
		store:      store,
		tracker:    tracker,
		aggregator: aggregator,
		observer:   nopObserver{},
		logger:     logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start opens the global chat context and runs the event loop until runCtx is
// cancelled. It blocks, in the manner of the other component loops.
func (s *Session) Start(runCtx context.Context) error {
	s.router.Open(runCtx, message.Global)

	for {
		select {
		case ev, ok := <-s.router.Events():
			if !ok {
				return nil
			}
			s.apply(runCtx, ev)
		case <-runCtx.Done():
			return runCtx.Err()
		}
	}
}

// JoinStream opens the room's chat context and, when the user presents, the
// speech-moderation link.
func (s *Session) JoinStream(runCtx context.Context, streamID string, presenter bool) {
	s.mu.Lock()
	s.streamID = streamID
	s.presenter = presenter
	s.mu.Unlock()

	s.router.Open(runCtx, message.StreamChat(streamID))
	if presenter {
		s.router.Open(runCtx, message.StreamSpeech(streamID, s.user.UserID))
	}
	s.logger.Info("Joined stream", zap.String("stream_id", streamID), zap.Bool("presenter", presenter))
}

// LeaveStream tears down the room's contexts. The provisional index for the
// room is discarded, pending reconnects are cancelled, and any running speech
// countdown for this user is dropped.
func (s *Session) LeaveStream() {
	s.mu.Lock()
	streamID := s.streamID
	presenter := s.presenter
	s.streamID = ""
	s.presenter = false
	s.mu.Unlock()

	if streamID == "" {
		return
	}

	chatCtx := message.StreamChat(streamID)
	s.router.CloseContext(chatCtx)
	s.store.DropContext(chatCtx)

	if presenter {
		speechCtx := message.StreamSpeech(streamID, s.user.UserID)
		s.router.CloseContext(speechCtx)
		s.store.DropContext(speechCtx)
		s.tracker.Remove(s.user.UserID, speechCtx.Class())
	}
	s.logger.Info("Left stream", zap.String("stream_id", streamID))
}

// SendChat sends a chat message to the current room, or to global chat when
// the user is not in a room. The message appears immediately as a provisional
// entry and is reconciled against the server's echo.
func (s *Session) SendChat(body string) (string, error) {
	if !s.tracker.CanAct(s.user.UserID, "text-chat") {
		return "", apperr.Newf(apperr.KindUnauthorized, "user %s may not chat", s.user.UserID)
	}

	ctx := s.chatContext()
	if s.router.State(ctx) != channel.StateOpen {
		return "", apperr.Newf(apperr.KindNotConnected, "channel %s is not open", ctx)
	}

	s.advisoryCheck(body)

	provisionalID := s.store.ApplyLocalSend(ctx, s.user.UserID, s.user.DisplayName, body)
	s.observer.OnMessagesChanged(ctx)

	err := s.router.Send(ctx, channel.ChatMessageOut{
		Type:     channel.TypeChatMessage,
		UserID:   s.user.UserID,
		Username: s.user.DisplayName,
		Message:  body,
	})
	if err != nil {
		// The provisional entry stays; delivery is unknown and the caller
		// decides whether to retry.
		return provisionalID, err
	}
	return provisionalID, nil
}

// SendTranscript forwards a speech transcript over the speech-moderation link.
// Only a presenter has one, and a timed-out or terminated presenter is
// rejected locally before any network call.
func (s *Session) SendTranscript(text string) error {
	s.mu.Lock()
	streamID := s.streamID
	presenter := s.presenter
	s.mu.Unlock()

	if !presenter || streamID == "" {
		return apperr.New(apperr.KindUnauthorized, "no active speech link")
	}

	ctx := message.StreamSpeech(streamID, s.user.UserID)
	if !s.tracker.CanAct(s.user.UserID, ctx.Class()) {
		return apperr.Newf(apperr.KindUnauthorized, "user %s may not speak", s.user.UserID)
	}

	s.advisoryCheck(text)

	return s.router.Send(ctx, channel.SpeechTranscriptOut{
		Type:       channel.TypeSpeechTranscript,
		UserID:     s.user.UserID,
		StreamID:   streamID,
		Transcript: text,
	})
}

// Report submits a community report against an item. The consensus
// transaction handles concurrent reporters; this call bypasses the channel.
func (s *Session) Report(ctx context.Context, itemID, reason string) (consensus.Result, error) {
	return s.aggregator.SubmitReport(ctx, itemID, s.user.UserID, reason)
}

// Messages returns the reconciled log for ctx, timestamp ascending.
func (s *Session) Messages(ctx message.Context) []message.Message {
	return s.store.List(ctx)
}

// Sanction returns the user's standing in a context-class.
func (s *Session) Sanction(class string) escalate.Record {
	return s.tracker.Record(s.user.UserID, class)
}

// HandleTermination is the tracker's termination side effect: when this
// session's presenter is terminated in the speech class, the speech link is
// torn down and capture stays suspended. The tracker guarantees it fires
// exactly once per termination.
func (s *Session) HandleTermination(rec escalate.Record) {
	if rec.Class != "speech-in-stream" || rec.UserID != s.user.UserID {
		return
	}

	s.mu.Lock()
	streamID := s.streamID
	presenter := s.presenter
	s.presenter = false
	s.mu.Unlock()

	if presenter && streamID != "" {
		speechCtx := message.StreamSpeech(streamID, s.user.UserID)
		s.router.CloseContext(speechCtx)
		s.store.DropContext(speechCtx)
		s.logger.Warn("Stream terminated for repeated violations",
			zap.String("stream_id", streamID))
	}
}

// Close shuts down every connection and cancels running countdowns.
func (s *Session) Close() {
	s.router.Shutdown()
	s.tracker.Close()
}

// apply dispatches one inbound event. Events arrive in receipt order per
// context; nothing here blocks.
func (s *Session) apply(runCtx context.Context, ev channel.Event) {
	switch ev.Kind {
	case channel.KindConnected:
		s.observer.OnConnectionChanged(ev.Context, true)

	case channel.KindDisconnected:
		s.observer.OnConnectionChanged(ev.Context, false)

	case channel.KindHistory:
		s.store.ApplyServerHistory(ev.Context, ev.Messages)
		s.observer.OnMessagesChanged(ev.Context)

	case channel.KindMessage:
		s.store.ApplyServerMessage(ev.Context, *ev.Message)
		s.observer.OnMessagesChanged(ev.Context)

	case channel.KindServer:
		s.applyServer(runCtx, ev)
	}
}

// applyServer handles the authoritative moderation envelopes.
func (s *Session) applyServer(_ context.Context, ev channel.Event) {
	switch ev.Type {
	case channel.TypeWarning:
		var p channel.WarningPayload
		if err := channel.DecodePayload(ev.Type, ev.Payload, &p); err != nil {
			s.logger.Warn("Bad warning payload", zap.Error(err))
			return
		}
		if p.Blocked {
			// The server dropped the send; the local optimistic copy goes too.
			s.store.ApplyServerWarningRemoval(ev.Context, p.UserID)
			s.observer.OnMessagesChanged(ev.Context)
		}
		s.tracker.ApplyWarning(p.UserID, ev.Context.Class(), 0)
		s.record(audit.Entry{
			Class: ev.Context.Class(), Kind: "warning", UserID: p.UserID,
			Context: ev.Context.String(), Detail: p.Reason,
		})

	case channel.TypeRestriction:
		var p channel.RestrictionPayload
		if err := channel.DecodePayload(ev.Type, ev.Payload, &p); err != nil {
			s.logger.Warn("Bad restriction payload", zap.Error(err))
			return
		}
		s.tracker.ApplyRestriction(p.UserID, ev.Context.Class())
		s.record(audit.Entry{
			Class: ev.Context.Class(), Kind: "restriction", UserID: p.UserID,
			Context: ev.Context.String(), Detail: p.Reason,
		})

	case channel.TypeSpeechWarning:
		var p channel.SpeechWarningPayload
		if err := channel.DecodePayload(ev.Type, ev.Payload, &p); err != nil {
			s.logger.Warn("Bad speech warning payload", zap.Error(err))
			return
		}
		userID := s.speechUser(ev.Context)
		s.tracker.ApplyWarning(userID, ev.Context.Class(), p.WarningNumber)
		s.record(audit.Entry{
			Class: ev.Context.Class(), Kind: "warning", UserID: userID,
			Context: ev.Context.String(), Detail: p.Message,
		})

	case channel.TypeSpeechTimeout:
		var p channel.SpeechTimeoutPayload
		if err := channel.DecodePayload(ev.Type, ev.Payload, &p); err != nil {
			s.logger.Warn("Bad speech timeout payload", zap.Error(err))
			return
		}
		userID := s.speechUser(ev.Context)
		s.tracker.ApplyTimeout(userID, ev.Context.Class(),
			time.Duration(p.TimeoutDuration)*time.Second, p.WarningNumber)
		s.record(audit.Entry{
			Class: ev.Context.Class(), Kind: "timeout", UserID: userID,
			Context: ev.Context.String(), Detail: p.Message,
		})

	case channel.TypeStreamStopped:
		var p channel.StreamStoppedPayload
		if err := channel.DecodePayload(ev.Type, ev.Payload, &p); err != nil {
			s.logger.Warn("Bad stream stopped payload", zap.Error(err))
			return
		}
		userID := s.speechUser(ev.Context)
		s.tracker.ApplyTermination(userID, ev.Context.Class())
		s.record(audit.Entry{
			Class: ev.Context.Class(), Kind: "termination", UserID: userID,
			Context: ev.Context.String(), Detail: p.Reason,
		})

	case channel.TypeSpeechClean:
		// Informational acknowledgment; nothing escalates.
		s.logger.Debug("Transcript passed moderation", zap.String("context", ev.Context.String()))

	default:
		s.logger.Warn("Unrecognized event type", zap.String("type", ev.Type))
	}
}

// chatContext returns the room chat context when in a room, otherwise global.
func (s *Session) chatContext() message.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.streamID != "" {
		return message.StreamChat(s.streamID)
	}
	return message.Global
}

// speechUser resolves the user a speech-link event applies to.
func (s *Session) speechUser(ctx message.Context) string {
	if ctx.UserID != "" {
		return ctx.UserID
	}
	return s.user.UserID
}

// advisoryCheck runs the local keyword detector and logs its verdict. The
// result never changes state; the server's signals are the sole authority.
func (s *Session) advisoryCheck(text string) {
	if s.detector == nil {
		return
	}
	if res := s.detector.Detect(text); res.Toxic {
		s.logger.Debug("Advisory: outgoing text matched toxicity keywords",
			zap.Float64("score", res.Score), zap.Strings("words", res.DetectedWords))
	}
}

// record forwards an audit entry without ever blocking the event loop.
func (s *Session) record(e audit.Entry) {
	if s.auditChan == nil {
		return
	}
	e.Timestamp = time.Now().UTC()
	select {
	case s.auditChan <- e:
	default:
		s.logger.Warn("Audit queue full, dropping entry", zap.String("kind", e.Kind))
	}
}
