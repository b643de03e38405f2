package channel

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/john/livesync/internal/message"
)

// Recognized inbound envelope types.
const (
	TypeMessageHistory = "message_history"
	TypeNewMessage     = "new_message"
	TypeWarning        = "warning"
	TypeRestriction    = "restriction"
	TypeSpeechWarning  = "speech_warning"
	TypeSpeechTimeout  = "speech_timeout"
	TypeStreamStopped  = "stream_stopped"
	TypeSpeechClean    = "speech_clean"
)

// Recognized outbound envelope types.
const (
	TypeChatMessage      = "chat_message"
	TypeSpeechTranscript = "speech_transcript"
)

// envelope is the minimal frame used to sniff the event type before a full decode.
type envelope struct {
	Type string `json:"type"`
}

// ChatMessageOut is the outbound chat send frame.
type ChatMessageOut struct {
	Type     string `json:"type"`
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Message  string `json:"message"`
}

// SpeechTranscriptOut is the outbound speech transcript frame.
type SpeechTranscriptOut struct {
	Type       string `json:"type"`
	UserID     string `json:"user_id"`
	StreamID   string `json:"stream_id"`
	Transcript string `json:"transcript"`
}

// WireMessage is the server's representation of a chat message.
type WireMessage struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Username  string    `json:"username"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	Flagged   bool      `json:"flagged"`
}

// ToMessage converts a wire message into a confirmed Message in ctx.
func (w WireMessage) ToMessage(ctx message.Context) message.Message {
	return message.Message{
		ID:         w.ID,
		Context:    ctx,
		AuthorID:   w.UserID,
		AuthorName: w.Username,
		Body:       w.Message,
		SentAt:     w.Timestamp,
		Origin:     message.OriginConfirmed,
		Flagged:    w.Flagged,
	}
}

// HistoryPayload is the batch of messages the server pushes on connect.
type HistoryPayload struct {
	Type     string        `json:"type"`
	Messages []WireMessage `json:"messages"`
}

// NewMessagePayload carries one server-confirmed message.
type NewMessagePayload struct {
	Type string `json:"type"`
	WireMessage
}

// WarningPayload is an authoritative chat-level violation warning. Blocked is
// set when the offending send was dropped server-side and the local
// provisional copy must be removed.
type WarningPayload struct {
	Type    string `json:"type"`
	UserID  string `json:"user_id"`
	Reason  string `json:"reason"`
	Blocked bool   `json:"blocked"`
}

// RestrictionPayload is an authoritative chat restriction for a user.
type RestrictionPayload struct {
	Type            string `json:"type"`
	UserID          string `json:"user_id"`
	RestrictionType string `json:"restriction_type"`
	Reason          string `json:"reason"`
}

// SpeechWarningPayload is an authoritative speech violation warning.
type SpeechWarningPayload struct {
	Type          string   `json:"type"`
	WarningNumber int      `json:"warning_number"`
	Message       string   `json:"message"`
	DetectedWords []string `json:"detected_words,omitempty"`
}

// SpeechTimeoutPayload is an authoritative speaking timeout.
type SpeechTimeoutPayload struct {
	Type            string `json:"type"`
	WarningNumber   int    `json:"warning_number"`
	Message         string `json:"message"`
	TimeoutDuration int    `json:"timeout_duration"` // seconds
}

// StreamStoppedPayload is the terminal stream sanction.
type StreamStoppedPayload struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Reason  string `json:"reason"`
}

// SpeechCleanPayload acknowledges a transcript that passed moderation.
type SpeechCleanPayload struct {
	Type       string `json:"type"`
	Transcript string `json:"transcript"`
}

// DecodePayload decodes raw into out, naming the envelope type on failure.
func DecodePayload(eventType string, raw []byte, out any) error {
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s payload: %w", eventType, err)
	}
	return nil
}
