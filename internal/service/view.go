// Package service owns the per-session conversation state and drives query
// streams against it.
package service

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/capitalize-ai/querystream/internal/codec"
	"github.com/capitalize-ai/querystream/internal/model"
	"github.com/capitalize-ai/querystream/internal/reconcile"
	"github.com/capitalize-ai/querystream/pkg/logger"
	"github.com/capitalize-ai/querystream/pkg/metrics"
)

var (
	// ErrStreamAborted is returned to a stream whose turn was superseded or cancelled.
	ErrStreamAborted = errors.New("query stream aborted")
	// ErrStreamActive is returned when a write is refused because a stream owns the conversation.
	ErrStreamActive = errors.New("a query stream is active for this session")
)

// ConversationView is the in-memory conversation of one session together
// with the transient state of its current stream. Reload is the only way
// persisted state enters the view.
type ConversationView struct {
	sessionID string
	guard     *reconcile.Guard
	logger    *logger.Logger

	mu       sync.RWMutex
	messages []model.Message
	partial  string
	status   string
	steps    []model.WorkflowStep
	subs     map[int]chan model.Snapshot
	nextSub  int
	closed   bool
}

// NewConversationView creates an empty view for sessionID.
func NewConversationView(sessionID string, log *logger.Logger) *ConversationView {
	return &ConversationView{
		sessionID: sessionID,
		guard:     reconcile.NewGuard(),
		logger:    log.With(zap.String("session_id", sessionID)),
		subs:      make(map[int]chan model.Snapshot),
	}
}

// SessionID returns the session the view belongs to.
func (v *ConversationView) SessionID() string {
	return v.sessionID
}

// Guard returns the reconciliation guard of the view.
func (v *ConversationView) Guard() *reconcile.Guard {
	return v.guard
}

// Messages returns a copy of the conversation.
func (v *ConversationView) Messages() []model.Message {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return append([]model.Message(nil), v.messages...)
}

// Snapshot returns the current read model.
func (v *ConversationView) Snapshot() model.Snapshot {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.snapshotLocked()
}

// Reload replaces the conversation with the decoded persisted state unless
// the guard rejects it. It reports whether the state was applied.
func (v *ConversationView) Reload(query []string) bool {
	fp := reconcile.Fingerprint(query)

	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.guard.Accept(fp) {
		metrics.RecordReload("ignored")
		v.logger.Debug("reload ignored", zap.String("fingerprint", fp), zap.Bool("streaming", v.guard.Active()))
		return false
	}

	v.messages = codec.Decode(query)
	metrics.RecordReload("applied")
	v.logger.Debug("reload applied", zap.String("fingerprint", fp), zap.Int("messages", len(v.messages)))
	v.publishLocked()
	return true
}

// ForceReload forgets the last processed fingerprint, then reloads.
func (v *ConversationView) ForceReload(query []string) bool {
	v.guard.Forget()
	return v.Reload(query)
}

// Subscribe returns a channel receiving the latest snapshot after every
// change. Slow readers only ever miss intermediate snapshots.
func (v *ConversationView) Subscribe() (<-chan model.Snapshot, func()) {
	v.mu.Lock()
	defer v.mu.Unlock()

	ch := make(chan model.Snapshot, 1)
	if v.closed {
		close(ch)
		return ch, func() {}
	}

	id := v.nextSub
	v.nextSub++
	v.subs[id] = ch

	return ch, func() {
		v.mu.Lock()
		defer v.mu.Unlock()
		if c, ok := v.subs[id]; ok {
			delete(v.subs, id)
			close(c)
		}
	}
}

// Close ends every subscription.
func (v *ConversationView) Close() {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.closed = true
	for id, ch := range v.subs {
		delete(v.subs, id)
		close(ch)
	}
}

// begin starts a turn: it drops the placeholder of a superseded turn
// (discard < 0 when there is none), raises the guard and appends the user
// message and an empty assistant placeholder. It returns the guard token
// and the placeholder position.
func (v *ConversationView) begin(query string, discard int) (reconcile.Token, int) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if discard >= 0 {
		v.discardLocked(discard)
	}

	tok := v.guard.BeginStream()
	v.messages = append(v.messages,
		model.Message{Role: model.RoleUser, Content: query},
		model.Message{Role: model.RoleAssistant},
	)
	v.partial = ""
	v.status = ""
	v.steps = nil
	metrics.MessagesTotal.WithLabelValues(string(model.RoleUser)).Inc()

	v.publishLocked()
	return tok, len(v.messages) - 1
}

// update replaces the transient stream state. The conversation is untouched.
func (v *ConversationView) update(partial, status string, steps []model.WorkflowStep) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.partial = partial
	v.status = status
	v.steps = steps
	v.publishLocked()
}

// finalize writes the outcome of a turn into its placeholder.
func (v *ConversationView) finalize(index int, msg model.Message, steps []model.WorkflowStep) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if index < len(v.messages) {
		v.messages[index] = msg
	}
	v.partial = ""
	v.status = ""
	v.steps = steps
	metrics.MessagesTotal.WithLabelValues(string(msg.Role)).Inc()
	v.publishLocked()
}

// end lowers the guard for tok and publishes the settled state.
func (v *ConversationView) end(tok reconcile.Token) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.guard.EndStream(tok) {
		return false
	}
	v.publishLocked()
	return true
}

// discard removes an unfinished placeholder and the transient stream state.
func (v *ConversationView) discard(index int) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.discardLocked(index)
	v.publishLocked()
}

// appendTurn appends messages written outside a stream and returns the
// encoded conversation. It refuses while a stream owns the conversation.
func (v *ConversationView) appendTurn(msgs ...model.Message) ([]string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.guard.Active() {
		return nil, ErrStreamActive
	}

	v.messages = append(v.messages, msgs...)
	for _, m := range msgs {
		metrics.MessagesTotal.WithLabelValues(string(m.Role)).Inc()
	}
	v.publishLocked()
	return codec.Encode(v.messages), nil
}

func (v *ConversationView) discardLocked(index int) {
	if index < len(v.messages) {
		m := v.messages[index]
		if m.Role == model.RoleAssistant && m.Content == "" && m.Metadata == nil {
			v.messages = append(v.messages[:index], v.messages[index+1:]...)
		}
	}
	v.partial = ""
	v.status = ""
	v.steps = nil
}

func (v *ConversationView) snapshotLocked() model.Snapshot {
	steps := make([]model.WorkflowStep, len(v.steps))
	copy(steps, v.steps)

	return model.Snapshot{
		SessionID: v.sessionID,
		Messages:  model.WithDisplayIDs(v.sessionID, v.messages),
		Partial:   v.partial,
		Status:    v.status,
		Steps:     steps,
		Streaming: v.guard.Active(),
	}
}

func (v *ConversationView) publishLocked() {
	if len(v.subs) == 0 {
		return
	}

	snap := v.snapshotLocked()
	for _, ch := range v.subs {
		select {
		case ch <- snap:
		default:
			// Replace the unread snapshot with the newer one.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
}
