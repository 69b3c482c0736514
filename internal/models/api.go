package models

// PageInfo describes the pagination block the backend attaches to list
// responses.
type PageInfo struct {
	Size       int `json:"size"`
	Total      int `json:"total"`
	Pages      int `json:"pages"`
	PageNumber int `json:"page_number"`
}

// StreamUpdate is one accumulated-content update produced while a streamed
// assistant response is in flight. Text always carries the full text
// accumulated so far, not a delta, so consumers can render partial progress
// by replacement. MessageID is the server-assigned id for the in-flight
// message, or zero if the stream has not carried one yet.
type StreamUpdate struct {
	Text      string
	MessageID int64
}
