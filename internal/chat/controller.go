package chat

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ragkit/ragchat/internal/models"
)

// MessageAPI is the slice of the backend surface the controller needs: the
// message page endpoint, the streaming send, and the two message mutations.
type MessageAPI interface {
	Messages(ctx context.Context, sessionID int64, page, pageSize int) ([]models.Message, *models.PageInfo, error)
	StreamMessage(ctx context.Context, sessionID int64, content string) iter.Seq2[models.StreamUpdate, error]
	DeleteMessage(ctx context.Context, sessionID, messageID int64) error
	UpdateMessage(ctx context.Context, sessionID, messageID int64, text string) error
}

// UpdateFunc receives a snapshot of the in-flight assistant message after
// every accumulated-content update, and once more when the message reaches a
// terminal state. It is invoked in stream order, never concurrently.
type UpdateFunc func(models.Message)

// ErrNoSession is returned when a message operation is attempted before any
// session has been loaded.
var ErrNoSession = errors.New("no active session")

// clientID hands out provisional ids for client-created messages. Seeded
// from the clock so ids stay unique across restarts against cached pages;
// the counter makes two sends in the same tick impossible to collide.
var clientID atomic.Int64

func init() {
	clientID.Store(time.Now().UnixNano())
}

func nextClientID() int64 {
	return clientID.Add(1)
}

// Controller coordinates one active chat session: it owns the in-memory
// message list, appends the user message and streaming assistant placeholder
// on send, applies stream updates in place, and freezes the placeholder at
// stream end or on error.
//
// Every in-flight stream is tagged with the session it was started for;
// updates arriving after the controller has switched to another session are
// discarded, so an abandoned stream can never mutate the new session's list.
type Controller struct {
	api MessageAPI

	// onActivity, when non-nil, is called with the session id after a send
	// completes so the session collection can refresh its metadata.
	onActivity func(sessionID int64)

	logger *slog.Logger

	mu        sync.Mutex
	sessionID int64
	messages  []models.Message
}

// NewController creates a controller with no active session. onActivity may
// be nil.
func NewController(api MessageAPI, onActivity func(sessionID int64), logger *slog.Logger) *Controller {
	return &Controller{
		api:        api,
		onActivity: onActivity,
		logger:     logger.With(slog.String("module", "controller")),
	}
}

// SessionID returns the id of the active session, or zero if none is loaded.
func (c *Controller) SessionID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Messages returns a snapshot of the active session's message list.
func (c *Controller) Messages() []models.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.messages)
}

// LoadMessages makes sessionID the active session and replaces the message
// list with the requested page in server order. Reloading the same page is
// idempotent; there is no client-side merge.
func (c *Controller) LoadMessages(ctx context.Context, sessionID int64, page, pageSize int) error {
	messages, _, err := c.api.Messages(ctx, sessionID, page, pageSize)
	if err != nil {
		return fmt.Errorf("failed to load messages: %w", err)
	}

	c.mu.Lock()
	c.sessionID = sessionID
	c.messages = messages
	c.mu.Unlock()

	return nil
}

// SendMessage appends the user message and an empty streaming assistant
// placeholder, then streams the backend response into the placeholder,
// invoking onUpdate (which may be nil) after each decoded fragment.
//
// Sends with blank text, or while another message in the session is still
// streaming, are silently rejected: no messages are appended and no network
// call is made. Transport and HTTP failures are returned to the caller after
// the placeholder has been frozen with IsError set; text accumulated before
// the failure is kept.
func (c *Controller) SendMessage(ctx context.Context, text string, onUpdate UpdateFunc) error {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		c.logger.Debug("Ignoring blank message")
		return nil
	}

	c.mu.Lock()
	if c.sessionID == 0 {
		c.mu.Unlock()
		return ErrNoSession
	}
	if c.streamingLocked() {
		c.mu.Unlock()
		c.logger.Debug("Rejecting send while another message is streaming",
			slog.Int64("sessionID", c.sessionID))
		return nil
	}

	sid := c.sessionID
	now := time.Now()
	userMsg := models.Message{
		ID:        nextClientID(),
		Sender:    models.SenderUser,
		Text:      trimmed,
		Timestamp: now,
	}
	placeholder := models.Message{
		ID:          nextClientID(),
		Sender:      models.SenderAssistant,
		Timestamp:   now,
		IsStreaming: true,
	}
	c.messages = append(c.messages, userMsg, placeholder)
	curID := placeholder.ID
	c.mu.Unlock()

	for update, err := range c.api.StreamMessage(ctx, sid, trimmed) {
		if err != nil {
			c.finishMessage(sid, curID, true, onUpdate)
			return fmt.Errorf("failed to stream message: %w", err)
		}
		curID = c.applyUpdate(sid, curID, update, onUpdate)
	}

	c.finishMessage(sid, curID, false, onUpdate)

	if c.onActivity != nil {
		c.onActivity(sid)
	}
	return nil
}

// DeleteMessage removes a message server-side first, and mirrors the removal
// locally only on success.
func (c *Controller) DeleteMessage(ctx context.Context, messageID int64) error {
	c.mu.Lock()
	sid := c.sessionID
	c.mu.Unlock()
	if sid == 0 {
		return ErrNoSession
	}

	if err := c.api.DeleteMessage(ctx, sid, messageID); err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessionID != sid {
		return nil
	}
	c.messages = slices.DeleteFunc(c.messages, func(m models.Message) bool {
		return m.ID == messageID
	})
	return nil
}

// UpdateMessage replaces a message's text server-side first, and mirrors the
// change locally only on success.
func (c *Controller) UpdateMessage(ctx context.Context, messageID int64, text string) error {
	c.mu.Lock()
	sid := c.sessionID
	c.mu.Unlock()
	if sid == 0 {
		return ErrNoSession
	}

	if err := c.api.UpdateMessage(ctx, sid, messageID, text); err != nil {
		return fmt.Errorf("failed to update message: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessionID != sid {
		return nil
	}
	if idx := c.indexOfLocked(messageID); idx != -1 {
		c.messages[idx].Text = text
	}
	return nil
}

func (c *Controller) streamingLocked() bool {
	return slices.ContainsFunc(c.messages, func(m models.Message) bool {
		return m.IsStreaming
	})
}

func (c *Controller) indexOfLocked(messageID int64) int {
	return slices.IndexFunc(c.messages, func(m models.Message) bool {
		return m.ID == messageID
	})
}

// applyUpdate writes one accumulated-content update into the placeholder and
// returns the message's current id, which changes once when the stream
// carries the server-assigned id. Stale updates (session switched away, or
// message already frozen) are dropped.
func (c *Controller) applyUpdate(sid, curID int64, update models.StreamUpdate, onUpdate UpdateFunc) int64 {
	c.mu.Lock()
	if c.sessionID != sid {
		c.mu.Unlock()
		c.logger.Debug("Discarding stream update for abandoned session",
			slog.Int64("sessionID", sid))
		return curID
	}

	idx := c.indexOfLocked(curID)
	if idx == -1 || !c.messages[idx].IsStreaming {
		c.mu.Unlock()
		return curID
	}

	if update.MessageID != 0 && c.messages[idx].ID != update.MessageID {
		c.messages[idx].ID = update.MessageID
		curID = update.MessageID
	}
	c.messages[idx].Text = update.Text
	snapshot := c.messages[idx]
	c.mu.Unlock()

	if onUpdate != nil {
		onUpdate(snapshot)
	}
	return curID
}

// finishMessage freezes the placeholder in one of its two terminal states.
// No further mutation of the message happens after this.
func (c *Controller) finishMessage(sid, curID int64, failed bool, onUpdate UpdateFunc) {
	c.mu.Lock()
	if c.sessionID != sid {
		c.mu.Unlock()
		return
	}

	idx := c.indexOfLocked(curID)
	if idx == -1 || !c.messages[idx].IsStreaming {
		c.mu.Unlock()
		return
	}

	c.messages[idx].IsStreaming = false
	c.messages[idx].IsError = failed
	snapshot := c.messages[idx]
	c.mu.Unlock()

	if onUpdate != nil {
		onUpdate(snapshot)
	}
}
