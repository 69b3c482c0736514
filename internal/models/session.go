package models

import "time"

// Session represents a persisted conversation thread owned by one
// authenticated user. The ID is assigned server-side; only Title (via rename)
// and ActiveAt (touched by new messages) ever change after creation.
type Session struct {
	ID       int64     `json:"id"`
	Title    string    `json:"title,omitempty"`
	ActiveAt time.Time `json:"active_at"`
}

const defaultSessionTitle = "New Chat"

// DisplayTitle returns the session title, falling back to a placeholder when
// the session has not been named yet.
func (s Session) DisplayTitle() string {
	if s.Title == "" {
		return defaultSessionTitle
	}
	return s.Title
}
