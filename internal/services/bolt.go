package services

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ragkit/ragchat/internal/models"
	bolt "go.etcd.io/bbolt"
)

// BoltStore is the client's durable state: the auth credential, plus
// credential-scoped caches of the session list and per-session message
// pages. Cache buckets are keyed by the credential fingerprint so switching
// accounts never surfaces another user's cached data.
type BoltStore struct {
	db *bolt.DB
}

const (
	authBucket    = "auth"
	credentialKey = "credential"
)

// NewBoltStore opens (creating if needed) the database at path with 0600
// permissions and ensures the auth bucket exists.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(authBucket))
		return err
	})
	if err != nil {
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the underlying database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func sessionBucketName(scope string) []byte {
	return []byte(fmt.Sprintf("sessions-%s", scope))
}

func messageBucketName(scope string) []byte {
	return []byte(fmt.Sprintf("messages-%s", scope))
}

func messageKey(sessionID int64) []byte {
	return []byte(fmt.Sprintf("session-%d", sessionID))
}

// Credential returns the stored credential, or a zero credential if none has
// been saved yet.
func (s *BoltStore) Credential() (Credential, error) {
	var cred Credential
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(authBucket))
		if b == nil {
			return nil
		}

		v := b.Get([]byte(credentialKey))
		if v == nil {
			return nil
		}
		if err := json.Unmarshal(v, &cred); err != nil {
			return fmt.Errorf("failed to unmarshal credential: %w", err)
		}
		return nil
	})
	return cred, err
}

// SaveCredential persists the credential, replacing any previous one.
func (s *BoltStore) SaveCredential(cred Credential) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(authBucket))
		if b == nil {
			return nil
		}

		v, err := json.Marshal(cred)
		if err != nil {
			return fmt.Errorf("failed to marshal credential: %w", err)
		}
		return b.Put([]byte(credentialKey), v)
	})
}

// ClearCredential removes the stored credential. Called on logout and when
// the backend signals the token has expired.
func (s *BoltStore) ClearCredential() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(authBucket))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(credentialKey))
	})
}

type cachedSessions struct {
	Sessions  []models.Session `json:"sessions"`
	FetchedAt time.Time        `json:"fetched_at"`
}

// Sessions returns the cached session list for the given credential scope
// along with the time it was fetched. A missing cache yields a nil slice and
// a zero time.
func (s *BoltStore) Sessions(scope string) ([]models.Session, time.Time, error) {
	var cached cachedSessions
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(sessionBucketName(scope))
		if b == nil {
			return nil
		}

		v := b.Get([]byte("list"))
		if v == nil {
			return nil
		}
		if err := json.Unmarshal(v, &cached); err != nil {
			return fmt.Errorf("failed to unmarshal sessions: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, time.Time{}, err
	}
	return cached.Sessions, cached.FetchedAt, nil
}

// SaveSessions replaces the cached session list for the given scope and
// stamps it with the current time.
func (s *BoltStore) SaveSessions(scope string, sessions []models.Session) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(sessionBucketName(scope))
		if err != nil {
			return fmt.Errorf("failed to create session bucket: %w", err)
		}

		v, err := json.Marshal(cachedSessions{
			Sessions:  sessions,
			FetchedAt: time.Now(),
		})
		if err != nil {
			return fmt.Errorf("failed to marshal sessions: %w", err)
		}
		return b.Put([]byte("list"), v)
	})
}

// Messages returns the cached message list for one session, or nil if none
// is cached.
func (s *BoltStore) Messages(scope string, sessionID int64) ([]models.Message, error) {
	var messages []models.Message
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(messageBucketName(scope))
		if b == nil {
			return nil
		}

		v := b.Get(messageKey(sessionID))
		if v == nil {
			return nil
		}
		if err := json.Unmarshal(v, &messages); err != nil {
			return fmt.Errorf("failed to unmarshal messages: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return messages, nil
}

// SaveMessages replaces the cached message list for one session.
func (s *BoltStore) SaveMessages(scope string, sessionID int64, messages []models.Message) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(messageBucketName(scope))
		if err != nil {
			return fmt.Errorf("failed to create message bucket: %w", err)
		}

		v, err := json.Marshal(messages)
		if err != nil {
			return fmt.Errorf("failed to marshal messages: %w", err)
		}
		return b.Put(messageKey(sessionID), v)
	})
}

// PurgeMessages drops the cached messages for one session. Called when the
// session is deleted.
func (s *BoltStore) PurgeMessages(scope string, sessionID int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(messageBucketName(scope))
		if b == nil {
			return nil
		}
		return b.Delete(messageKey(sessionID))
	})
}
