package models

import "time"

// Message represents an individual entry within a chat session. Assistant
// messages are created client-side as empty placeholders when a send is
// initiated, then mutated in place as stream segments arrive; Text is only
// mutable while IsStreaming is true.
type Message struct {
	ID        int64     `json:"id"`
	Sender    Sender    `json:"sender"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`

	// IsStreaming is true from send-initiation until the stream is observed
	// to end. IsError is set when the transport fails or the stream aborts
	// abnormally. Both are client-side state and terminal: once a message
	// leaves the streaming state it is never mutated again.
	IsStreaming bool `json:"is_streaming,omitempty"`
	IsError     bool `json:"is_error,omitempty"`
}

// Sender represents the originator of a message.
type Sender string

const (
	// SenderUser represents a message typed by the user.
	SenderUser Sender = "user"
	// SenderAssistant represents a message produced by the RAG backend.
	SenderAssistant Sender = "assistant"
)
