// Package session provides access to the externally owned dashboard
// sessions whose query field persists the conversation.
package session

import (
	"context"
	"errors"

	"github.com/capitalize-ai/querystream/internal/model"
)

// ErrNotFound is returned when a session does not exist.
var ErrNotFound = errors.New("session not found")

// Store reads and writes the persisted conversation of a session.
type Store interface {
	// Get returns the session. It returns ErrNotFound when absent.
	Get(ctx context.Context, id string) (*model.Session, error)

	// UpdateQuery replaces the session's persisted conversation, creating
	// the session if needed.
	UpdateQuery(ctx context.Context, id string, query []string) error
}

// Watcher is implemented by stores that push changes made by any writer.
type Watcher interface {
	// Watch calls fn for every session change until ctx is done.
	Watch(ctx context.Context, fn func(*model.Session)) error
}

// Creator is implemented by stores that record the owner of a session.
type Creator interface {
	// CreateSession records userID as the owner of id, creating the session
	// when missing. A session that already has an owner keeps it.
	CreateSession(ctx context.Context, id, userID string) error
}
