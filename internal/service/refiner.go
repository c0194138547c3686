package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capitalize-ai/querystream/internal/model"
	"github.com/capitalize-ai/querystream/internal/reconcile"
	"github.com/capitalize-ai/querystream/internal/session"
	"github.com/capitalize-ai/querystream/pkg/logger"
	"github.com/capitalize-ai/querystream/pkg/metrics"
)

// Chatter calls the non-streaming companion endpoint.
type Chatter interface {
	Chat(ctx context.Context, req model.ChatRequest) (*model.ChatResponse, error)
}

// ActionSink receives the follow-up actions returned by the companion endpoint.
type ActionSink interface {
	FireAction(ctx context.Context, sessionID, userID string, action model.ChatAction) error
}

// Refiner runs non-reasoning chat turns. It shares the conversation with
// the orchestrator and never writes while a stream owns it.
type Refiner struct {
	chatter        Chatter
	store          session.Store
	actions        ActionSink
	actionDelay    time.Duration
	persistTimeout time.Duration
	logger         *logger.Logger

	wg sync.WaitGroup
}

// NewRefiner creates a refiner. actions may be nil.
func NewRefiner(chatter Chatter, store session.Store, actions ActionSink, actionDelay, persistTimeout time.Duration, log *logger.Logger) *Refiner {
	if persistTimeout <= 0 {
		persistTimeout = 10 * time.Second
	}
	return &Refiner{
		chatter:        chatter,
		store:          store,
		actions:        actions,
		actionDelay:    actionDelay,
		persistTimeout: persistTimeout,
		logger:         log,
	}
}

// Refine sends message to the companion endpoint, appends both turns to
// view and persists them. It returns ErrStreamActive while a stream is live.
func (r *Refiner) Refine(ctx context.Context, view *ConversationView, req model.ChatRequest) (*model.ChatResponse, error) {
	if view.Guard().Active() {
		return nil, ErrStreamActive
	}

	req.SessionID = view.SessionID()
	resp, err := r.chatter.Chat(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("companion request failed: %w", err)
	}

	entries, err := view.appendTurn(
		model.Message{Role: model.RoleUser, Content: req.Message},
		model.Message{Role: model.RoleAssistant, Content: resp.Response},
	)
	if err != nil {
		return nil, err
	}

	log := r.logger.With(zap.String("session_id", view.SessionID()))

	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.persistTimeout)
	defer cancel()
	if err := r.store.UpdateQuery(persistCtx, view.SessionID(), entries); err != nil {
		metrics.PersistFailuresTotal.Inc()
		log.Error("failed to persist chat turn", zap.Error(err))
	} else {
		view.Guard().Remember(reconcile.Fingerprint(entries))
	}

	if resp.Action.Type != "" && resp.Action.Type != model.ActionNone && r.actions != nil {
		r.fire(view.SessionID(), req.UserID, resp.Action)
	}

	return resp, nil
}

// fire delivers action after the configured delay. The delay is not
// cancelled by the request that triggered it.
func (r *Refiner) fire(sessionID, userID string, action model.ChatAction) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		time.Sleep(r.actionDelay)

		ctx, cancel := context.WithTimeout(context.Background(), r.persistTimeout)
		defer cancel()
		if err := r.actions.FireAction(ctx, sessionID, userID, action); err != nil {
			r.logger.Warn("failed to fire chat action",
				zap.String("session_id", sessionID),
				zap.String("action", action.Type),
				zap.Error(err),
			)
		}
	}()
}

// Wait blocks until every pending action has fired.
func (r *Refiner) Wait() {
	r.wg.Wait()
}

// PublishingActionSink records actions as conversation events.
type PublishingActionSink struct {
	events EventPublisher
}

// NewPublishingActionSink creates an action sink backed by events.
func NewPublishingActionSink(events EventPublisher) *PublishingActionSink {
	return &PublishingActionSink{events: events}
}

// FireAction publishes action.
func (s *PublishingActionSink) FireAction(ctx context.Context, sessionID, userID string, action model.ChatAction) error {
	return s.events.Publish(ctx, &model.ConversationEvent{
		ID:        uuid.Must(uuid.NewV7()).String(),
		SessionID: sessionID,
		UserID:    userID,
		Type:      model.EventTypeAction,
		Reason:    action.Type,
		Metadata: map[string]any{
			"query":       action.Query,
			"scope":       action.Scope,
			"action_type": action.ActionType,
		},
		CreatedAt: time.Now().UTC(),
	})
}

// LogEventPublisher writes conversation events to the log. It stands in
// for the event stream when none is configured.
type LogEventPublisher struct {
	logger *logger.Logger
}

// NewLogEventPublisher creates a log-backed publisher.
func NewLogEventPublisher(log *logger.Logger) *LogEventPublisher {
	return &LogEventPublisher{logger: log}
}

// Publish logs event.
func (p *LogEventPublisher) Publish(ctx context.Context, event *model.ConversationEvent) error {
	p.logger.Info("conversation event",
		zap.String("event_id", event.ID),
		zap.String("session_id", event.SessionID),
		zap.String("user_id", event.UserID),
		zap.String("type", string(event.Type)),
		zap.String("reason", event.Reason),
		zap.Any("metadata", event.Metadata),
	)
	return nil
}
