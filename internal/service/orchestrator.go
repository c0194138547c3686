package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/capitalize-ai/querystream/internal/answer"
	"github.com/capitalize-ai/querystream/internal/codec"
	"github.com/capitalize-ai/querystream/internal/model"
	"github.com/capitalize-ai/querystream/internal/reconcile"
	"github.com/capitalize-ai/querystream/internal/session"
	"github.com/capitalize-ai/querystream/internal/streamclient"
	"github.com/capitalize-ai/querystream/internal/workflow"
	"github.com/capitalize-ai/querystream/pkg/logger"
	"github.com/capitalize-ai/querystream/pkg/metrics"
	"github.com/capitalize-ai/querystream/pkg/tracing"
)

// User-facing texts for turns that did not produce an answer.
const (
	OpenFailureText    = "Sorry, I couldn't reach the research service. Please try again."
	PrematureCloseText = "Sorry, the response stream ended before the answer completed."
	errorEventPrefix   = "Sorry, something went wrong while answering: "
)

// ErrorEventText is the assistant message for a backend-reported failure.
func ErrorEventText(reason string) string {
	if reason == "" {
		reason = "unknown error"
	}
	return errorEventPrefix + reason
}

// Opener opens query streams.
type Opener interface {
	Open(ctx context.Context, req model.QueryRequest) (*streamclient.Stream, error)
}

// EventPublisher receives lifecycle events that never reach the persisted history.
type EventPublisher interface {
	Publish(ctx context.Context, event *model.ConversationEvent) error
}

// Options tunes an Orchestrator.
type Options struct {
	// PersistTimeout bounds the write after a completed answer.
	PersistTimeout time.Duration
	// ExpectedPhases pre-seeds pending workflow steps.
	ExpectedPhases []string
}

func (o Options) withDefaults() Options {
	if o.PersistTimeout <= 0 {
		o.PersistTimeout = 10 * time.Second
	}
	return o
}

// turn is one query's hold on the view.
type turn struct {
	gen     uint64
	token   reconcile.Token
	index   int
	userID  string
	cancel  context.CancelFunc
	started time.Time
}

// Orchestrator runs query streams for one conversation view. At most one
// turn is live; starting another supersedes it.
type Orchestrator struct {
	view   *ConversationView
	opener Opener
	store  session.Store
	events EventPublisher
	opts   Options
	logger *logger.Logger
	tracer trace.Tracer

	mu      sync.Mutex
	gen     uint64
	current *turn
	acc     *answer.Accumulator
	tracker *workflow.Tracker
	status  string
}

// NewOrchestrator creates an orchestrator bound to view. events may be nil.
func NewOrchestrator(view *ConversationView, opener Opener, store session.Store, events EventPublisher, opts Options, log *logger.Logger) *Orchestrator {
	opts = opts.withDefaults()
	return &Orchestrator{
		view:    view,
		opener:  opener,
		store:   store,
		events:  events,
		opts:    opts,
		logger:  log.With(zap.String("session_id", view.SessionID())),
		tracer:  tracing.Tracer("querystream/service"),
		acc:     answer.New(),
		tracker: workflow.NewTracker(workflow.WithExpectedPhases(opts.ExpectedPhases...)),
	}
}

// View returns the view the orchestrator writes to.
func (o *Orchestrator) View() *ConversationView {
	return o.view
}

// Active reports whether a turn is live.
func (o *Orchestrator) Active() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current != nil
}

// Run executes one query turn and blocks until it settles. Backend and
// transport failures become the returned assistant message; the error is
// only non-nil (ErrStreamAborted) when the turn was superseded or cancelled.
func (o *Orchestrator) Run(ctx context.Context, req model.QueryRequest) (*model.Message, error) {
	return o.runNotify(ctx, req, nil)
}

// runNotify is Run, closing started once the turn has begun.
func (o *Orchestrator) runNotify(ctx context.Context, req model.QueryRequest, started chan<- struct{}) (*model.Message, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.run",
		trace.WithAttributes(
			attribute.String("session.id", o.view.SessionID()),
			attribute.String("user.id", req.UserID),
		),
	)
	defer span.End()

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	req.SessionID = o.view.SessionID()
	t := o.begin(req, cancel)
	if started != nil {
		close(started)
	}
	log := o.logger.With(zap.Uint64("generation", t.gen))
	log.Info("query stream starting", zap.Int("query_length", len(req.Query)))

	stream, err := o.opener.Open(streamCtx, req)
	if err != nil {
		if streamCtx.Err() != nil {
			o.abort(ctx, t, "cancelled before the stream opened")
			return nil, ErrStreamAborted
		}
		log.Warn("failed to open query stream", zap.Error(err))
		span.RecordError(err)
		return o.fail(ctx, t, OpenFailureText, "open_failed", err.Error())
	}
	defer stream.Close()

	for {
		ev, err := stream.Next()
		if err != nil {
			if streamCtx.Err() != nil {
				o.abort(ctx, t, "cancelled")
				return nil, ErrStreamAborted
			}
			reason := "stream closed without a terminal event"
			if !errors.Is(err, io.EOF) {
				reason = err.Error()
			}
			log.Warn("query stream ended early", zap.String("reason", reason))
			span.SetStatus(codes.Error, reason)
			return o.fail(ctx, t, PrematureCloseText, "truncated", reason)
		}

		if !o.apply(t, ev) {
			return nil, ErrStreamAborted
		}

		switch e := ev.(type) {
		case model.CompleteEvent:
			return o.complete(ctx, t, e)
		case model.ErrorEvent:
			log.Warn("query stream reported an error", zap.String("reason", e.Message))
			span.SetStatus(codes.Error, e.Message)
			return o.fail(ctx, t, ErrorEventText(e.Message), "error", e.Message)
		}
	}
}

// Cancel aborts the live turn, if any. Its placeholder is dropped and
// nothing is persisted.
func (o *Orchestrator) Cancel() bool {
	o.mu.Lock()
	t := o.current
	o.mu.Unlock()

	if t == nil {
		return false
	}
	t.cancel()
	return o.abort(context.Background(), t, "cancelled")
}

func (o *Orchestrator) begin(req model.QueryRequest, cancel context.CancelFunc) *turn {
	o.mu.Lock()
	prev := o.current
	t := o.beginLocked(req, cancel)
	o.mu.Unlock()

	if prev != nil {
		o.logger.Info("query stream superseded", zap.Uint64("generation", prev.gen))
		o.publish(context.Background(), prev.userID, model.EventTypeCancel, "superseded by a newer query")
	}
	return t
}

func (o *Orchestrator) beginLocked(req model.QueryRequest, cancel context.CancelFunc) *turn {
	discard := -1
	if prev := o.current; prev != nil {
		prev.cancel()
		discard = prev.index
		metrics.RecordStream("superseded", time.Since(prev.started).Seconds())
	}

	o.gen++
	o.acc.Reset()
	o.tracker.Reset()
	o.status = ""

	tok, index := o.view.begin(req.Query, discard)
	t := &turn{
		gen:     o.gen,
		token:   tok,
		index:   index,
		userID:  req.UserID,
		cancel:  cancel,
		started: time.Now(),
	}
	o.current = t
	return t
}

// apply feeds ev to the accumulator and tracker. It returns false when t
// is no longer the live turn.
func (o *Orchestrator) apply(t *turn, ev model.StreamEvent) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.current != t {
		return false
	}

	o.acc.Apply(ev)
	o.tracker.Apply(ev)

	switch e := ev.(type) {
	case model.StartEvent:
		o.status = e.Message
	case model.ProgressEvent:
		if e.Message != "" {
			o.status = e.Message
		} else if step, ok := o.tracker.Active(); ok {
			o.status = step.Name
		}
	case model.CompleteEvent, model.ErrorEvent:
		return true
	}

	o.view.update(o.acc.Current(), o.status, o.tracker.Steps())
	return true
}

func (o *Orchestrator) complete(ctx context.Context, t *turn, e model.CompleteEvent) (*model.Message, error) {
	o.mu.Lock()
	if o.current != t {
		o.mu.Unlock()
		return nil, ErrStreamAborted
	}

	msg := model.Message{
		Role:     model.RoleAssistant,
		Content:  o.acc.Current(),
		Metadata: e.Metadata,
	}
	o.view.finalize(t.index, msg, o.tracker.Steps())
	entries := codec.Encode(o.view.Messages())
	o.current = nil
	o.mu.Unlock()

	o.persist(ctx, entries)
	o.view.end(t.token)

	metrics.RecordStream("completed", time.Since(t.started).Seconds())
	o.logger.Info("query stream completed",
		zap.Uint64("generation", t.gen),
		zap.Int("answer_length", len(msg.Content)),
		zap.Bool("has_metadata", msg.Metadata != nil),
		zap.Duration("duration", time.Since(t.started)),
	)
	return &msg, nil
}

// persist writes the conversation on a context detached from the caller,
// so an unmounting caller cannot lose a completed answer.
func (o *Orchestrator) persist(ctx context.Context, entries []string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.opts.PersistTimeout)
	defer cancel()

	ctx, span := o.tracer.Start(ctx, "orchestrator.persist",
		trace.WithAttributes(attribute.Int("entries", len(entries))))
	defer span.End()

	if err := o.store.UpdateQuery(ctx, o.view.SessionID(), entries); err != nil {
		metrics.PersistFailuresTotal.Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.logger.Error("failed to persist conversation", zap.Error(err), zap.Int("entries", len(entries)))
		return
	}
	o.view.Guard().Remember(reconcile.Fingerprint(entries))
}

// fail finalizes t with a visible error message. Nothing is persisted.
func (o *Orchestrator) fail(ctx context.Context, t *turn, text, outcome, reason string) (*model.Message, error) {
	o.mu.Lock()
	if o.current != t {
		o.mu.Unlock()
		return nil, ErrStreamAborted
	}

	msg := model.Message{Role: model.RoleAssistant, Content: text}
	o.view.finalize(t.index, msg, o.tracker.Steps())
	o.current = nil
	o.mu.Unlock()

	o.view.end(t.token)
	metrics.RecordStream(outcome, time.Since(t.started).Seconds())
	o.publish(ctx, t.userID, model.EventTypeError, fmt.Sprintf("%s: %s", outcome, reason))
	return &msg, nil
}

// abort drops t's unfinished state if t is still live. It reports whether
// t was live.
func (o *Orchestrator) abort(ctx context.Context, t *turn, reason string) bool {
	o.mu.Lock()
	if o.current != t {
		o.mu.Unlock()
		return false
	}

	o.view.discard(t.index)
	o.view.end(t.token)
	o.current = nil
	o.mu.Unlock()

	metrics.RecordStream("aborted", time.Since(t.started).Seconds())
	o.logger.Info("query stream aborted", zap.Uint64("generation", t.gen), zap.String("reason", reason))
	o.publish(context.WithoutCancel(ctx), t.userID, model.EventTypeCancel, reason)
	return true
}

func (o *Orchestrator) publish(ctx context.Context, userID string, typ model.EventType, reason string) {
	if o.events == nil {
		return
	}

	event := &model.ConversationEvent{
		ID:        uuid.Must(uuid.NewV7()).String(),
		SessionID: o.view.SessionID(),
		UserID:    userID,
		Type:      typ,
		Reason:    reason,
		CreatedAt: time.Now().UTC(),
	}
	if err := o.events.Publish(ctx, event); err != nil {
		o.logger.Warn("failed to publish conversation event", zap.Error(err), zap.String("type", string(typ)))
	}
}
