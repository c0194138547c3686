package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/capitalize-ai/querystream/internal/model"
	"github.com/capitalize-ai/querystream/internal/session"
	"github.com/capitalize-ai/querystream/pkg/logger"
)

// SessionBucket is the KeyValue bucket holding session records.
const SessionBucket = "SESSIONS"

// claimAttempts bounds CreateSession retries when a concurrent writer
// moves the record between read and write.
const claimAttempts = 3

// SessionStore keeps session records in a JetStream KeyValue bucket keyed
// by session id. Watching the bucket surfaces writes from every gateway
// replica, including this one.
type SessionStore struct {
	client *Client
	kv     jetstream.KeyValue
	logger *logger.Logger
}

// NewSessionStore opens the session bucket, creating it when missing.
func NewSessionStore(ctx context.Context, client *Client) (*SessionStore, error) {
	js := client.JetStream()

	kv, err := js.KeyValue(ctx, SessionBucket)
	if errors.Is(err, jetstream.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:      SessionBucket,
			Description: "Dashboard sessions and their persisted conversations",
			History:     5,
			Storage:     jetstream.FileStorage,
			Compression: true,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open session bucket: %w", err)
	}

	store := newSessionStore(kv, client.logger)
	store.client = client
	return store, nil
}

func newSessionStore(kv jetstream.KeyValue, log *logger.Logger) *SessionStore {
	return &SessionStore{kv: kv, logger: log}
}

// Get returns the session record.
func (s *SessionStore) Get(ctx context.Context, id string) (*model.Session, error) {
	entry, err := s.kv.Get(ctx, id)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return decodeSession(entry.Value())
}

// UpdateQuery rewrites the session's query field, keeping the other fields.
func (s *SessionStore) UpdateQuery(ctx context.Context, id string, query []string) error {
	sess, err := s.Get(ctx, id)
	if errors.Is(err, session.ErrNotFound) {
		sess = &model.Session{ID: id}
	} else if err != nil {
		return err
	}

	sess.Query = append([]string(nil), query...)
	sess.UpdatedAt = time.Now()

	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	if _, err := s.kv.Put(ctx, id, data); err != nil {
		return fmt.Errorf("failed to put session: %w", err)
	}
	return nil
}

// CreateSession claims the session for userID unless it already has an
// owner. Writes are conditional on the revision that was read.
func (s *SessionStore) CreateSession(ctx context.Context, id, userID string) error {
	var err error
	for attempt := 0; attempt < claimAttempts; attempt++ {
		var done bool
		if done, err = s.claim(ctx, id, userID); done {
			return err
		}
	}
	return fmt.Errorf("failed to claim session: %w", err)
}

// claim makes one attempt. It reports false when the record changed
// underneath it.
func (s *SessionStore) claim(ctx context.Context, id, userID string) (bool, error) {
	entry, err := s.kv.Get(ctx, id)
	switch {
	case errors.Is(err, jetstream.ErrKeyNotFound):
		data, err := json.Marshal(&model.Session{ID: id, UserID: userID, UpdatedAt: time.Now()})
		if err != nil {
			return true, fmt.Errorf("failed to marshal session: %w", err)
		}
		if _, err := s.kv.Create(ctx, id, data); err != nil {
			return false, err
		}
		return true, nil
	case err != nil:
		return true, fmt.Errorf("failed to get session: %w", err)
	}

	sess, err := decodeSession(entry.Value())
	if err != nil {
		return true, err
	}
	if sess.UserID != "" {
		return true, nil
	}

	sess.UserID = userID
	data, err := json.Marshal(sess)
	if err != nil {
		return true, fmt.Errorf("failed to marshal session: %w", err)
	}
	if _, err := s.kv.Update(ctx, id, data, entry.Revision()); err != nil {
		return false, err
	}
	return true, nil
}

// Watch delivers every session update until ctx is done. Existing values
// are skipped; only changes after the watch starts are delivered.
func (s *SessionStore) Watch(ctx context.Context, fn func(*model.Session)) error {
	watcher, err := s.kv.WatchAll(ctx, jetstream.UpdatesOnly(), jetstream.IgnoreDeletes())
	if err != nil {
		return fmt.Errorf("failed to watch sessions: %w", err)
	}
	defer watcher.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case entry, ok := <-watcher.Updates():
			if !ok {
				return nil
			}
			if entry == nil {
				continue
			}
			sess, err := decodeSession(entry.Value())
			if err != nil {
				s.logger.Warn("skipping undecodable session update",
					zap.String("key", entry.Key()), zap.Error(err))
				continue
			}
			fn(sess)
		}
	}
}

// Ping reports whether the underlying connection is usable.
func (s *SessionStore) Ping(ctx context.Context) error {
	if s.client == nil {
		return errors.New("nats: not connected")
	}
	return s.client.Ping(ctx)
}

func decodeSession(data []byte) (*model.Session, error) {
	var sess model.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &sess, nil
}
