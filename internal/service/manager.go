package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/capitalize-ai/querystream/internal/model"
	"github.com/capitalize-ai/querystream/internal/session"
	"github.com/capitalize-ai/querystream/pkg/logger"
)

// ErrForbidden is returned when a session belongs to another user.
var ErrForbidden = errors.New("session belongs to another user")

// entry is a live session.
type entry struct {
	view *ConversationView
	orch *Orchestrator

	mu    sync.Mutex
	owner string
}

func (e *entry) ownerID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.owner
}

func (e *entry) setOwner(userID string) {
	e.mu.Lock()
	e.owner = userID
	e.mu.Unlock()
}

// Manager keeps the live conversation views of the gateway, one per
// session, and routes persisted-state changes to them.
type Manager struct {
	store   session.Store
	opener  Opener
	events  EventPublisher
	refiner *Refiner
	opts    Options
	logger  *logger.Logger

	// ctx scopes background streams; Close cancels it.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*entry
}

// NewManager creates a manager. events and refiner may be nil.
func NewManager(store session.Store, opener Opener, events EventPublisher, refiner *Refiner, opts Options, log *logger.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:    store,
		opener:   opener,
		events:   events,
		refiner:  refiner,
		opts:     opts,
		logger:   log,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*entry),
	}
}

// View returns the live view of sessionID, loading it from the store on
// first use. A session unknown to the store starts empty.
func (m *Manager) View(ctx context.Context, sessionID string) (*ConversationView, error) {
	e, err := m.open(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return e.view, nil
}

func (m *Manager) open(ctx context.Context, sessionID string) (*entry, error) {
	m.mu.Lock()
	e, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if ok {
		return e, nil
	}

	var query []string
	var owner string
	sess, err := m.store.Get(ctx, sessionID)
	switch {
	case err == nil:
		query, owner = sess.Query, sess.UserID
	case errors.Is(err, session.ErrNotFound):
	default:
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.sessions[sessionID]; ok {
		return e, nil
	}

	view := NewConversationView(sessionID, m.logger)
	view.Reload(query)
	e = &entry{
		view:  view,
		orch:  NewOrchestrator(view, m.opener, m.store, m.events, m.opts, m.logger),
		owner: owner,
	}
	m.sessions[sessionID] = e

	m.logger.Debug("session view opened", zap.String("session_id", sessionID), zap.Int("entries", len(query)))
	return e, nil
}

// Authorize checks that userID may use sessionID. Unowned and unknown
// sessions are open to everyone.
func (m *Manager) Authorize(ctx context.Context, sessionID, userID string) error {
	e, err := m.open(ctx, sessionID)
	if err != nil {
		return err
	}
	if owner := e.ownerID(); owner != "" && owner != userID {
		return ErrForbidden
	}
	return nil
}

// claim records userID as the owner of an unowned session.
func (m *Manager) claim(ctx context.Context, e *entry, sessionID, userID string) error {
	if userID == "" {
		return nil
	}
	if owner := e.ownerID(); owner != "" {
		if owner != userID {
			return ErrForbidden
		}
		return nil
	}

	creator, ok := m.store.(session.Creator)
	if !ok {
		return nil
	}
	if err := creator.CreateSession(ctx, sessionID, userID); err != nil {
		return fmt.Errorf("failed to claim session: %w", err)
	}

	// Another gateway may have claimed it first.
	sess, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("failed to load session: %w", err)
	}
	e.setOwner(sess.UserID)
	if sess.UserID != userID {
		return ErrForbidden
	}
	return nil
}

// Submit starts a query turn in the background, superseding any live turn
// of the session. The turn outlives the calling request.
func (m *Manager) Submit(ctx context.Context, sessionID, userID, query string) (*ConversationView, error) {
	e, err := m.open(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := m.claim(ctx, e, sessionID, userID); err != nil {
		return nil, err
	}

	if err := m.ctx.Err(); err != nil {
		return nil, err
	}

	// The returned view already shows the new turn.
	started := make(chan struct{})
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		runCtx, cancel := context.WithCancel(m.ctx)
		defer cancel()

		req := model.QueryRequest{Query: query, SessionID: sessionID, UserID: userID}
		_, err := e.orch.runNotify(runCtx, req, started)
		if err != nil && !errors.Is(err, ErrStreamAborted) {
			m.logger.Error("query turn failed", zap.String("session_id", sessionID), zap.Error(err))
		}
	}()
	<-started

	return e.view, nil
}

// Run executes a query turn on the caller's goroutine.
func (m *Manager) Run(ctx context.Context, sessionID, userID, query string) (*model.Message, error) {
	e, err := m.open(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := m.claim(ctx, e, sessionID, userID); err != nil {
		return nil, err
	}
	return e.orch.Run(ctx, model.QueryRequest{Query: query, SessionID: sessionID, UserID: userID})
}

// Cancel aborts the live turn of sessionID. It reports whether one was live.
func (m *Manager) Cancel(sessionID string) bool {
	m.mu.Lock()
	e, ok := m.sessions[sessionID]
	m.mu.Unlock()

	return ok && e.orch.Cancel()
}

// Reload re-reads the persisted conversation of sessionID through the
// guard. With force the last fingerprint is forgotten first.
func (m *Manager) Reload(ctx context.Context, sessionID string, force bool) (bool, error) {
	e, err := m.open(ctx, sessionID)
	if err != nil {
		return false, err
	}

	sess, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return false, fmt.Errorf("failed to load session: %w", err)
	}

	if force {
		return e.view.ForceReload(sess.Query), nil
	}
	return e.view.Reload(sess.Query), nil
}

// Chat runs a companion turn for sessionID.
func (m *Manager) Chat(ctx context.Context, sessionID, userID string, in model.SubmitChatRequest) (*model.ChatResponse, error) {
	if m.refiner == nil {
		return nil, errors.New("companion endpoint is not configured")
	}

	e, err := m.open(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := m.claim(ctx, e, sessionID, userID); err != nil {
		return nil, err
	}

	return m.refiner.Refine(ctx, e.view, model.ChatRequest{
		Message:    in.Message,
		SessionID:  sessionID,
		ICPModelID: in.ICPModelID,
		Context:    model.ChatContext{Stage: in.Stage, CurrentQuery: in.CurrentQuery},
		UserID:     userID,
	})
}

// HandleSessionUpdate routes a persisted-state change to the live view of
// the session, if any.
func (m *Manager) HandleSessionUpdate(sess *model.Session) {
	m.mu.Lock()
	e, ok := m.sessions[sess.ID]
	m.mu.Unlock()

	if !ok {
		return
	}
	if sess.UserID != "" {
		e.setOwner(sess.UserID)
	}
	e.view.Reload(sess.Query)
}

// Watch follows store changes until ctx is done. Stores without change
// notifications only block.
func (m *Manager) Watch(ctx context.Context) error {
	w, ok := m.store.(session.Watcher)
	if !ok {
		<-ctx.Done()
		return nil
	}

	err := w.Watch(ctx, m.HandleSessionUpdate)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Release tears down the view of sessionID, aborting its live turn.
func (m *Manager) Release(sessionID string) bool {
	m.mu.Lock()
	e, ok := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.mu.Unlock()

	if !ok {
		return false
	}

	e.orch.Cancel()
	e.view.Close()
	m.logger.Debug("session view released", zap.String("session_id", sessionID))
	return true
}

// Close releases every view and waits for background turns and actions.
func (m *Manager) Close() {
	m.cancel()

	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Release(id)
	}

	m.wg.Wait()
	if m.refiner != nil {
		m.refiner.Wait()
	}
}
