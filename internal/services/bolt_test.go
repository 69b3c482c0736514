package services_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/ragkit/ragchat/internal/models"
	"github.com/ragkit/ragchat/internal/services"
)

func newTestStore(t *testing.T) *services.BoltStore {
	t.Helper()

	store, err := services.NewBoltStore(filepath.Join(t.TempDir(), "store.db"))
	if err != nil {
		t.Fatalf("NewBoltStore() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestBoltStoreCredential(t *testing.T) {
	store := newTestStore(t)

	cred, err := store.Credential()
	if err != nil {
		t.Fatalf("Credential() error = %v", err)
	}
	if cred.Token != "" {
		t.Errorf("fresh store returned credential %+v", cred)
	}

	want := services.Credential{Token: "tok", ExpiresAt: time.Now().Add(time.Hour).Truncate(time.Second)}
	if err := store.SaveCredential(want); err != nil {
		t.Fatalf("SaveCredential() error = %v", err)
	}

	cred, err = store.Credential()
	if err != nil {
		t.Fatalf("Credential() error = %v", err)
	}
	if cred.Token != want.Token || !cred.ExpiresAt.Equal(want.ExpiresAt) {
		t.Errorf("Credential() = %+v, want %+v", cred, want)
	}

	if err := store.ClearCredential(); err != nil {
		t.Fatalf("ClearCredential() error = %v", err)
	}
	cred, _ = store.Credential()
	if cred.Token != "" {
		t.Errorf("credential survived ClearCredential: %+v", cred)
	}
}

func TestBoltStoreSessionScoping(t *testing.T) {
	store := newTestStore(t)

	mine := []models.Session{{ID: 1, Title: "Mine"}}
	if err := store.SaveSessions("user-a", mine); err != nil {
		t.Fatalf("SaveSessions() error = %v", err)
	}

	// Another credential's scope must not see this cache.
	sessions, fetchedAt, err := store.Sessions("user-b")
	if err != nil {
		t.Fatalf("Sessions() error = %v", err)
	}
	if sessions != nil || !fetchedAt.IsZero() {
		t.Errorf("scope user-b leaked cache: %+v", sessions)
	}

	sessions, fetchedAt, err = store.Sessions("user-a")
	if err != nil {
		t.Fatalf("Sessions() error = %v", err)
	}
	if len(sessions) != 1 || sessions[0].Title != "Mine" {
		t.Errorf("Sessions() = %+v, want the saved list", sessions)
	}
	if fetchedAt.IsZero() {
		t.Error("fetchedAt is zero for a saved cache")
	}
}

func TestBoltStoreMessagePurge(t *testing.T) {
	store := newTestStore(t)

	msgs := []models.Message{{ID: 1, Sender: models.SenderUser, Text: "hi"}}
	if err := store.SaveMessages("user-a", 5, msgs); err != nil {
		t.Fatalf("SaveMessages() error = %v", err)
	}

	got, err := store.Messages("user-a", 5)
	if err != nil {
		t.Fatalf("Messages() error = %v", err)
	}
	if len(got) != 1 || got[0].Text != "hi" {
		t.Errorf("Messages() = %+v, want the saved list", got)
	}

	if err := store.PurgeMessages("user-a", 5); err != nil {
		t.Fatalf("PurgeMessages() error = %v", err)
	}
	got, err = store.Messages("user-a", 5)
	if err != nil {
		t.Fatalf("Messages() error = %v", err)
	}
	if got != nil {
		t.Errorf("messages survived purge: %+v", got)
	}
}

func TestCredentialFingerprint(t *testing.T) {
	a := services.Credential{Token: "token-a"}
	b := services.Credential{Token: "token-b"}

	if a.Fingerprint() == b.Fingerprint() {
		t.Error("different tokens produced the same fingerprint")
	}
	if a.Fingerprint() != a.Fingerprint() {
		t.Error("fingerprint is not stable")
	}
	if (services.Credential{}).Fingerprint() != "anonymous" {
		t.Error("empty credential should have the anonymous fingerprint")
	}
}

func TestCredentialValid(t *testing.T) {
	tests := []struct {
		name string
		cred services.Credential
		want bool
	}{
		{name: "empty", cred: services.Credential{}, want: false},
		{name: "no expiry", cred: services.Credential{Token: "t"}, want: true},
		{
			name: "future expiry",
			cred: services.Credential{Token: "t", ExpiresAt: time.Now().Add(time.Hour)},
			want: true,
		},
		{
			name: "expired",
			cred: services.Credential{Token: "t", ExpiresAt: time.Now().Add(-time.Hour)},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cred.Valid(); got != tt.want {
				t.Errorf("Valid() = %v, want %v", got, tt.want)
			}
		})
	}
}
