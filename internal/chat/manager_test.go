package chat_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ragkit/ragchat/internal/chat"
	"github.com/ragkit/ragchat/internal/models"
)

type mockSessionAPI struct {
	mu sync.Mutex

	sessions  []models.Session
	listCalls int

	created   models.Session
	createErr error
	// createStarted is closed when CreateSession is first entered;
	// createGate, when non-nil, blocks it so a test can observe the
	// in-flight latch.
	createStarted chan struct{}
	startedOnce   sync.Once
	createGate    chan struct{}

	deleteErr error
	renameErr error
}

func (m *mockSessionAPI) Sessions(context.Context, int, int) ([]models.Session, *models.PageInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listCalls++
	return append([]models.Session(nil), m.sessions...), nil, nil
}

func (m *mockSessionAPI) CreateSession(context.Context) (models.Session, error) {
	if m.createStarted != nil {
		m.startedOnce.Do(func() { close(m.createStarted) })
	}
	if m.createGate != nil {
		<-m.createGate
	}
	return m.created, m.createErr
}

func (m *mockSessionAPI) DeleteSession(context.Context, int64) error { return m.deleteErr }

func (m *mockSessionAPI) RenameSession(context.Context, int64, string) error { return m.renameErr }

func (m *mockSessionAPI) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listCalls
}

// mockCache is an in-memory SessionCache.
type mockCache struct {
	mu        sync.Mutex
	sessions  map[string][]models.Session
	fetchedAt map[string]time.Time
	purged    []int64
}

func newMockCache() *mockCache {
	return &mockCache{
		sessions:  map[string][]models.Session{},
		fetchedAt: map[string]time.Time{},
	}
}

func (c *mockCache) Sessions(scope string) ([]models.Session, time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[scope], c.fetchedAt[scope], nil
}

func (c *mockCache) SaveSessions(scope string, sessions []models.Session) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions[scope] = append([]models.Session(nil), sessions...)
	c.fetchedAt[scope] = time.Now()
	return nil
}

func (c *mockCache) PurgeMessages(_ string, sessionID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.purged = append(c.purged, sessionID)
	return nil
}

func day(s string) time.Time {
	d, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestSessionManagerListSortsDescending(t *testing.T) {
	api := &mockSessionAPI{
		sessions: []models.Session{
			{ID: 1, ActiveAt: day("2024-01-01")},
			{ID: 2, ActiveAt: day("2024-03-01")},
			{ID: 3, ActiveAt: day("2024-02-01")},
		},
	}
	manager := chat.NewSessionManager(api, newMockCache(), "scope", testLogger())

	sessions, err := manager.List(context.Background())
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}

	wantOrder := []int64{2, 3, 1}
	if len(sessions) != len(wantOrder) {
		t.Fatalf("got %d sessions, want %d", len(sessions), len(wantOrder))
	}
	for i, want := range wantOrder {
		if sessions[i].ID != want {
			t.Errorf("sessions[%d].ID = %d, want %d", i, sessions[i].ID, want)
		}
	}
}

func TestSessionManagerListUsesFreshCache(t *testing.T) {
	api := &mockSessionAPI{
		sessions: []models.Session{{ID: 1, ActiveAt: day("2024-01-01")}},
	}
	manager := chat.NewSessionManager(api, newMockCache(), "scope", testLogger())

	if _, err := manager.List(context.Background()); err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if _, err := manager.List(context.Background()); err != nil {
		t.Fatalf("List() error = %v", err)
	}

	if api.calls() != 1 {
		t.Errorf("List() hit the backend %d times within the freshness window, want 1", api.calls())
	}
}

func TestSessionManagerCreatePrepends(t *testing.T) {
	api := &mockSessionAPI{
		sessions: []models.Session{{ID: 1, ActiveAt: day("2024-01-01")}},
		created:  models.Session{ID: 9, ActiveAt: day("2024-05-01")},
	}
	manager := chat.NewSessionManager(api, newMockCache(), "scope", testLogger())

	if _, err := manager.List(context.Background()); err != nil {
		t.Fatalf("List() error = %v", err)
	}
	session, err := manager.Create(context.Background())
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if session.ID != 9 {
		t.Errorf("Create() id = %d, want 9", session.ID)
	}

	sessions, _ := manager.List(context.Background())
	if len(sessions) != 2 || sessions[0].ID != 9 {
		t.Errorf("new session not at the front: %+v", sessions)
	}
}

func TestSessionManagerCreationLatch(t *testing.T) {
	api := &mockSessionAPI{
		created:       models.Session{ID: 9},
		createStarted: make(chan struct{}),
		createGate:    make(chan struct{}),
	}
	manager := chat.NewSessionManager(api, newMockCache(), "scope", testLogger())

	done := make(chan error, 1)
	go func() {
		_, err := manager.Create(context.Background())
		done <- err
	}()
	<-api.createStarted

	// The first creation holds the latch; a second one must be refused.
	if _, err := manager.Create(context.Background()); !errors.Is(err, chat.ErrCreationInFlight) {
		t.Errorf("second Create() error = %v, want ErrCreationInFlight", err)
	}

	close(api.createGate)
	if err := <-done; err != nil {
		t.Fatalf("first Create() error = %v", err)
	}

	// Latch released; creating works again.
	if _, err := manager.Create(context.Background()); err != nil {
		t.Errorf("Create() after latch release error = %v", err)
	}
}

func TestSessionManagerDeletePurgesMessages(t *testing.T) {
	api := &mockSessionAPI{
		sessions: []models.Session{
			{ID: 1, ActiveAt: day("2024-01-01")},
			{ID: 2, ActiveAt: day("2024-02-01")},
		},
	}
	cache := newMockCache()
	manager := chat.NewSessionManager(api, cache, "scope", testLogger())

	if _, err := manager.List(context.Background()); err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if err := manager.Delete(context.Background(), 2); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	sessions, _ := manager.List(context.Background())
	for _, s := range sessions {
		if s.ID == 2 {
			t.Error("deleted session still listed")
		}
	}
	if len(cache.purged) != 1 || cache.purged[0] != 2 {
		t.Errorf("cached messages not purged: %v", cache.purged)
	}
}

func TestSessionManagerFailedMutationLeavesCache(t *testing.T) {
	api := &mockSessionAPI{
		sessions:  []models.Session{{ID: 1, Title: "Original", ActiveAt: day("2024-01-01")}},
		deleteErr: errors.New("boom"),
		renameErr: errors.New("boom"),
	}
	manager := chat.NewSessionManager(api, newMockCache(), "scope", testLogger())

	if _, err := manager.List(context.Background()); err != nil {
		t.Fatalf("List() error = %v", err)
	}

	if err := manager.Delete(context.Background(), 1); err == nil {
		t.Fatal("Delete() returned nil for a failed call")
	}
	if err := manager.Rename(context.Background(), 1, "Renamed"); err == nil {
		t.Fatal("Rename() returned nil for a failed call")
	}

	sessions, _ := manager.List(context.Background())
	if len(sessions) != 1 || sessions[0].Title != "Original" {
		t.Errorf("cache mutated by failed calls: %+v", sessions)
	}
}

func TestSessionManagerRename(t *testing.T) {
	api := &mockSessionAPI{
		sessions: []models.Session{{ID: 1, Title: "Old", ActiveAt: day("2024-01-01")}},
	}
	manager := chat.NewSessionManager(api, newMockCache(), "scope", testLogger())

	if _, err := manager.List(context.Background()); err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if err := manager.Rename(context.Background(), 1, "New"); err != nil {
		t.Fatalf("Rename() error = %v", err)
	}

	sessions, _ := manager.List(context.Background())
	if sessions[0].Title != "New" {
		t.Errorf("title = %q, want %q", sessions[0].Title, "New")
	}
}

func TestSessionManagerEnsure(t *testing.T) {
	api := &mockSessionAPI{created: models.Session{ID: 7}}
	manager := chat.NewSessionManager(api, newMockCache(), "scope", testLogger())

	session, err := manager.Ensure(context.Background())
	if err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}
	if session.ID != 7 {
		t.Errorf("Ensure() created id = %d, want 7", session.ID)
	}

	// With sessions present, Ensure returns the most recent one.
	api2 := &mockSessionAPI{
		sessions: []models.Session{
			{ID: 1, ActiveAt: day("2024-01-01")},
			{ID: 2, ActiveAt: day("2024-02-01")},
		},
	}
	manager2 := chat.NewSessionManager(api2, newMockCache(), "scope", testLogger())
	session, err = manager2.Ensure(context.Background())
	if err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}
	if session.ID != 2 {
		t.Errorf("Ensure() returned id = %d, want the most recent 2", session.ID)
	}
}
