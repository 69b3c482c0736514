package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/ragkit/ragchat/internal/models"
)

// SessionAPI is the slice of the backend surface the session manager needs.
type SessionAPI interface {
	Sessions(ctx context.Context, page, pageSize int) ([]models.Session, *models.PageInfo, error)
	CreateSession(ctx context.Context) (models.Session, error)
	DeleteSession(ctx context.Context, id int64) error
	RenameSession(ctx context.Context, id int64, title string) error
}

// SessionCache persists the session list and per-session message pages
// between runs, scoped to a credential fingerprint.
type SessionCache interface {
	Sessions(scope string) ([]models.Session, time.Time, error)
	SaveSessions(scope string, sessions []models.Session) error
	PurgeMessages(scope string, sessionID int64) error
}

// ErrCreationInFlight is returned when a session creation is requested while
// a previous one has not finished. It serializes the auto-create race at
// startup: the caller retries or waits for the first creation to settle.
var ErrCreationInFlight = errors.New("session creation already in flight")

const (
	sessionsFreshFor = 30 * time.Second
	sessionsPageSize = 50
)

// SessionManager owns the cached set of sessions for one credential:
// list with freshness window, create, delete, rename. Mutations call the
// backend first and touch the cache only on success, so a failed call leaves
// the cache exactly as it was.
type SessionManager struct {
	api   SessionAPI
	cache SessionCache
	scope string

	logger *slog.Logger

	mu        sync.Mutex
	sessions  []models.Session
	fetchedAt time.Time
	creating  bool
}

// NewSessionManager creates a manager whose cache entries are scoped to the
// given credential fingerprint.
func NewSessionManager(api SessionAPI, cache SessionCache, scope string, logger *slog.Logger) *SessionManager {
	return &SessionManager{
		api:    api,
		cache:  cache,
		scope:  scope,
		logger: logger.With(slog.String("module", "sessions")),
	}
}

func sortSessions(sessions []models.Session) {
	// Most recently active first.
	slices.SortFunc(sessions, func(a, b models.Session) int {
		return b.ActiveAt.Compare(a.ActiveAt)
	})
}

// List returns the user's sessions sorted descending by last activity. A
// cached list younger than the freshness window is served without a network
// call; otherwise the first page is fetched and both the in-memory and
// persistent caches are replaced.
func (m *SessionManager) List(ctx context.Context) ([]models.Session, error) {
	m.mu.Lock()
	if m.sessions != nil && time.Since(m.fetchedAt) < sessionsFreshFor {
		defer m.mu.Unlock()
		return slices.Clone(m.sessions), nil
	}
	m.mu.Unlock()

	if cached, fetchedAt, err := m.cache.Sessions(m.scope); err == nil &&
		cached != nil && time.Since(fetchedAt) < sessionsFreshFor {
		m.mu.Lock()
		m.sessions = cached
		m.fetchedAt = fetchedAt
		defer m.mu.Unlock()
		return slices.Clone(m.sessions), nil
	}

	sessions, _, err := m.api.Sessions(ctx, 1, sessionsPageSize)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	sortSessions(sessions)

	m.mu.Lock()
	m.sessions = sessions
	m.fetchedAt = time.Now()
	snapshot := slices.Clone(m.sessions)
	m.mu.Unlock()

	m.persist(snapshot)
	return snapshot, nil
}

// Create allocates a new session server-side and prepends the confirmed
// result to the cached list. Only one creation may be in flight at a time.
func (m *SessionManager) Create(ctx context.Context) (models.Session, error) {
	m.mu.Lock()
	if m.creating {
		m.mu.Unlock()
		return models.Session{}, ErrCreationInFlight
	}
	m.creating = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.creating = false
		m.mu.Unlock()
	}()

	session, err := m.api.CreateSession(ctx)
	if err != nil {
		return models.Session{}, fmt.Errorf("failed to create session: %w", err)
	}

	m.mu.Lock()
	m.sessions = slices.Insert(m.sessions, 0, session)
	snapshot := slices.Clone(m.sessions)
	m.mu.Unlock()

	m.persist(snapshot)
	return session, nil
}

// Ensure returns the most recently active session, creating one if the user
// has none. It is what the chat entry point calls on startup.
func (m *SessionManager) Ensure(ctx context.Context) (models.Session, error) {
	sessions, err := m.List(ctx)
	if err != nil {
		return models.Session{}, err
	}
	if len(sessions) > 0 {
		return sessions[0], nil
	}
	return m.Create(ctx)
}

// Delete removes a session server-side, then drops it from the cached list
// and purges any cached messages for it.
func (m *SessionManager) Delete(ctx context.Context, id int64) error {
	if err := m.api.DeleteSession(ctx, id); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	m.mu.Lock()
	m.sessions = slices.DeleteFunc(m.sessions, func(s models.Session) bool {
		return s.ID == id
	})
	snapshot := slices.Clone(m.sessions)
	m.mu.Unlock()

	m.persist(snapshot)
	if err := m.cache.PurgeMessages(m.scope, id); err != nil {
		m.logger.Error("Failed to purge cached messages",
			slog.Int64("sessionID", id),
			slog.String("err", err.Error()))
	}
	return nil
}

// Rename sets a session's title server-side, then updates the cached title
// in place.
func (m *SessionManager) Rename(ctx context.Context, id int64, title string) error {
	if err := m.api.RenameSession(ctx, id, title); err != nil {
		return fmt.Errorf("failed to rename session: %w", err)
	}

	m.mu.Lock()
	if idx := slices.IndexFunc(m.sessions, func(s models.Session) bool { return s.ID == id }); idx != -1 {
		m.sessions[idx].Title = title
	}
	snapshot := slices.Clone(m.sessions)
	m.mu.Unlock()

	m.persist(snapshot)
	return nil
}

// Touch records fresh activity on a session and moves it to the front of the
// cached ordering. The controller calls this when a send completes.
func (m *SessionManager) Touch(id int64) {
	m.mu.Lock()
	idx := slices.IndexFunc(m.sessions, func(s models.Session) bool { return s.ID == id })
	if idx == -1 {
		m.mu.Unlock()
		return
	}
	m.sessions[idx].ActiveAt = time.Now()
	sortSessions(m.sessions)
	snapshot := slices.Clone(m.sessions)
	m.mu.Unlock()

	m.persist(snapshot)
}

func (m *SessionManager) persist(sessions []models.Session) {
	if err := m.cache.SaveSessions(m.scope, sessions); err != nil {
		m.logger.Error("Failed to persist session cache",
			slog.String("err", err.Error()))
	}
}
