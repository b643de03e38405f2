package message

import (
	"fmt"
	"time"
)

// Origin tells whether a message is a local optimistic copy or the server's copy.
type Origin string

const (
	OriginProvisional Origin = "provisional" // created locally on send, awaiting echo
	OriginConfirmed   Origin = "confirmed"   // received from the server
)

// ContextKind identifies the class of a message channel.
type ContextKind string

const (
	ContextGlobal ContextKind = "global" // site-wide chat
	ContextChat   ContextKind = "chat"   // one stream's chat
	ContextSpeech ContextKind = "speech" // one stream's speech-moderation link
)

// Context is the logical scope of a message stream. Context is comparable and
// used as a map key; use Global for the site-wide chat.
type Context struct {
	Kind     ContextKind
	StreamID string
	UserID   string // speech links are keyed to the speaking user
}

// Global is the site-wide chat context.
var Global = Context{Kind: ContextGlobal}

// StreamChat returns the chat context for a stream.
func StreamChat(streamID string) Context {
	return Context{Kind: ContextChat, StreamID: streamID}
}

// StreamSpeech returns the speech-moderation context for a presenter on a stream.
func StreamSpeech(streamID, userID string) Context {
	return Context{Kind: ContextSpeech, StreamID: streamID, UserID: userID}
}

// Class returns the context-class used for violation tracking. Global and
// per-stream chat share the text-chat class; speech links are their own class.
func (c Context) Class() string {
	if c.Kind == ContextSpeech {
		return "speech-in-stream"
	}
	return "text-chat"
}

// Path returns the websocket path for the context.
func (c Context) Path() string {
	switch c.Kind {
	case ContextChat:
		return fmt.Sprintf("/ws/chat/%s/", c.StreamID)
	case ContextSpeech:
		return fmt.Sprintf("/ws/speech/%s/%s/", c.StreamID, c.UserID)
	default:
		return "/ws/chat/"
	}
}

func (c Context) String() string {
	switch c.Kind {
	case ContextChat:
		return "chat:" + c.StreamID
	case ContextSpeech:
		return "speech:" + c.StreamID + ":" + c.UserID
	default:
		return "global"
	}
}

// Message represents a chat message in one context.
type Message struct {
	ID         string    `json:"id"`        // server ID, or synthetic UUID while provisional
	Context    Context   `json:"-"`         // owning channel, not part of the wire form
	AuthorID   string    `json:"user_id"`   // platform user ID
	AuthorName string    `json:"username"`  // display name shown in chat
	Body       string    `json:"message"`   // message text
	SentAt     time.Time `json:"timestamp"` // send time (UTC)
	Origin     Origin    `json:"-"`         // provisional or confirmed
	Flagged    bool      `json:"flagged"`   // set when moderation flagged the content
	FlagReason string    `json:"flag_reason,omitempty"`
}
