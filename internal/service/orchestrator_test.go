package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/querystream/internal/codec"
	"github.com/capitalize-ai/querystream/internal/model"
	"github.com/capitalize-ai/querystream/internal/session"
	"github.com/capitalize-ai/querystream/internal/sse"
	"github.com/capitalize-ai/querystream/internal/streamclient"
	"github.com/capitalize-ai/querystream/pkg/logger"
	"github.com/capitalize-ai/querystream/pkg/metrics"
)

// script plays one backend response for a query.
type script func(w *sse.Writer, r *http.Request)

func newBackend(t *testing.T, scripts map[string]script) *streamclient.Client {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req model.QueryRequest
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&req)) {
			return
		}

		play, ok := scripts[req.Query]
		if !ok {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"error":"unavailable"}`))
			return
		}

		sw, err := sse.NewWriter(w)
		if !assert.NoError(t, err) {
			return
		}
		play(sw, r)
	}))
	t.Cleanup(srv.Close)

	return streamclient.New(streamclient.Config{BaseURL: srv.URL}, logger.NewNop())
}

func events(evs ...model.StreamEvent) script {
	return func(w *sse.Writer, r *http.Request) {
		for _, ev := range evs {
			if err := w.Event(ev); err != nil {
				return
			}
		}
	}
}

// hold plays evs, signals ready, then blocks until release or disconnect.
func hold(ready chan<- struct{}, release <-chan struct{}, evs ...model.StreamEvent) script {
	return func(w *sse.Writer, r *http.Request) {
		for _, ev := range evs {
			w.Event(ev)
		}
		close(ready)
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}
}

type recorder struct {
	mu     sync.Mutex
	events []*model.ConversationEvent
}

func (r *recorder) Publish(ctx context.Context, event *model.ConversationEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recorder) types() []model.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.EventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

type harness struct {
	store  *session.MemoryStore
	view   *ConversationView
	orch   *Orchestrator
	events *recorder
}

func newHarness(t *testing.T, scripts map[string]script) *harness {
	t.Helper()

	h := &harness{
		store:  session.NewMemoryStore(),
		view:   NewConversationView("s1", logger.NewNop()),
		events: &recorder{},
	}
	h.orch = NewOrchestrator(h.view, newBackend(t, scripts), h.store, h.events, Options{PersistTimeout: time.Second}, logger.NewNop())
	return h
}

func (h *harness) persisted(t *testing.T) []string {
	t.Helper()
	sess, err := h.store.Get(context.Background(), "s1")
	if errors.Is(err, session.ErrNotFound) {
		return nil
	}
	require.NoError(t, err)
	return sess.Query
}

func TestRun_HappyPath(t *testing.T) {
	chart := &model.Visualization{
		Kind: model.VisualizationBarChart,
		Data: []map[string]any{{"name": "Acme", "value": float64(3)}},
	}
	h := newHarness(t, map[string]script{
		"fintech in Berlin": events(
			model.StartEvent{Message: "Starting"},
			model.ProgressEvent{Message: "Planning", Progress: 30, Node: "planner"},
			model.ChunkEvent{Text: "Here are"},
			model.ChunkEvent{Text: " 3 matches"},
			model.CompleteEvent{Answer: "Here are 3 matches.", Metadata: chart},
		),
	})

	msg, err := h.orch.Run(context.Background(), model.QueryRequest{Query: "fintech in Berlin", UserID: "u1"})
	require.NoError(t, err)

	want := model.Message{Role: model.RoleAssistant, Content: "Here are 3 matches.", Metadata: chart}
	assert.Equal(t, want, *msg)

	conversation := []model.Message{
		{Role: model.RoleUser, Content: "fintech in Berlin"},
		want,
	}
	assert.Equal(t, conversation, h.view.Messages())
	assert.Equal(t, codec.Encode(conversation), h.persisted(t))

	snap := h.view.Snapshot()
	assert.False(t, snap.Streaming)
	assert.Empty(t, snap.Partial)
	require.Len(t, snap.Steps, 1)
	assert.Equal(t, model.StepCompleted, snap.Steps[0].Status)
	assert.Equal(t, 100, *snap.Steps[0].Progress)
	assert.False(t, h.orch.Active())
}

func TestRun_CompletionEchoIsIgnored(t *testing.T) {
	h := newHarness(t, map[string]script{
		"q": events(model.ChunkEvent{Text: "A"}, model.CompleteEvent{Answer: "A"}),
	})

	_, err := h.orch.Run(context.Background(), model.QueryRequest{Query: "q"})
	require.NoError(t, err)

	before := h.view.Messages()
	assert.False(t, h.view.Reload(h.persisted(t)))
	assert.Equal(t, before, h.view.Messages())
}

func TestRun_ErrorEventDiscardsPartial(t *testing.T) {
	h := newHarness(t, map[string]script{
		"q": events(
			model.ChunkEvent{Text: "Partial"},
			model.ErrorEvent{Message: "backend exploded"},
		),
	})

	msg, err := h.orch.Run(context.Background(), model.QueryRequest{Query: "q"})
	require.NoError(t, err)

	assert.Equal(t, ErrorEventText("backend exploded"), msg.Content)
	assert.NotContains(t, msg.Content, "Partial")
	assert.Equal(t, []model.Message{
		{Role: model.RoleUser, Content: "q"},
		{Role: model.RoleAssistant, Content: ErrorEventText("backend exploded")},
	}, h.view.Messages())
	assert.Nil(t, h.persisted(t))
	assert.False(t, h.view.Guard().Active())
	assert.Equal(t, []model.EventType{model.EventTypeError}, h.events.types())
}

func TestRun_OpenFailure(t *testing.T) {
	h := newHarness(t, map[string]script{})

	msg, err := h.orch.Run(context.Background(), model.QueryRequest{Query: "unknown"})
	require.NoError(t, err)

	assert.Equal(t, OpenFailureText, msg.Content)
	assert.False(t, h.view.Guard().Active())
	assert.Len(t, h.view.Messages(), 2)
	assert.Nil(t, h.persisted(t))
}

func TestRun_PrematureClose(t *testing.T) {
	h := newHarness(t, map[string]script{
		"q": events(model.StartEvent{Message: "Starting"}, model.ChunkEvent{Text: "Half an"}),
	})

	msg, err := h.orch.Run(context.Background(), model.QueryRequest{Query: "q"})
	require.NoError(t, err)

	assert.Equal(t, PrematureCloseText, msg.Content)
	assert.False(t, h.view.Guard().Active())
	assert.Nil(t, h.persisted(t))
}

func TestRun_ReloadIgnoredWhileStreaming(t *testing.T) {
	ready := make(chan struct{})
	release := make(chan struct{})
	h := newHarness(t, map[string]script{
		"q": func(w *sse.Writer, r *http.Request) {
			hold(ready, release, model.ChunkEvent{Text: "Live"})(w, r)
			w.Event(model.CompleteEvent{Answer: "Live answer"})
		},
	})

	done := make(chan *model.Message, 1)
	go func() {
		msg, err := h.orch.Run(context.Background(), model.QueryRequest{Query: "q"})
		assert.NoError(t, err)
		done <- msg
	}()

	<-ready
	require.Eventually(t, func() bool { return h.view.Snapshot().Partial == "Live" }, time.Second, 5*time.Millisecond)

	snap := h.view.Snapshot()
	assert.True(t, snap.Streaming)
	assert.False(t, h.view.Reload([]string{"CHAT_USER: something else"}))
	assert.Equal(t, []model.Message{
		{Role: model.RoleUser, Content: "q"},
		{Role: model.RoleAssistant},
	}, h.view.Messages())

	close(release)
	msg := <-done
	assert.Equal(t, "Live answer", msg.Content)
}

func TestRun_Supersession(t *testing.T) {
	ready := make(chan struct{})
	h := newHarness(t, map[string]script{
		"first": hold(ready, nil, model.StartEvent{Message: "Starting"}, model.ChunkEvent{Text: "stale"}),
		"second": events(
			model.ChunkEvent{Text: "fresh"},
			model.CompleteEvent{Answer: "fresh answer"},
		),
	})

	firstErr := make(chan error, 1)
	go func() {
		_, err := h.orch.Run(context.Background(), model.QueryRequest{Query: "first"})
		firstErr <- err
	}()

	<-ready
	require.Eventually(t, func() bool { return h.view.Snapshot().Partial == "stale" }, time.Second, 5*time.Millisecond)

	msg, err := h.orch.Run(context.Background(), model.QueryRequest{Query: "second"})
	require.NoError(t, err)
	assert.Equal(t, "fresh answer", msg.Content)

	select {
	case err := <-firstErr:
		assert.ErrorIs(t, err, ErrStreamAborted)
	case <-time.After(2 * time.Second):
		t.Fatal("superseded run did not return")
	}

	conversation := []model.Message{
		{Role: model.RoleUser, Content: "first"},
		{Role: model.RoleUser, Content: "second"},
		{Role: model.RoleAssistant, Content: "fresh answer"},
	}
	assert.Equal(t, conversation, h.view.Messages())
	assert.Equal(t, codec.Encode(conversation), h.persisted(t))
	assert.NotContains(t, h.view.Snapshot().Partial, "stale")
	assert.Contains(t, h.events.types(), model.EventTypeCancel)
}

func TestRun_Cancel(t *testing.T) {
	ready := make(chan struct{})
	h := newHarness(t, map[string]script{
		"q": hold(ready, nil, model.ChunkEvent{Text: "partial"}),
	})

	result := make(chan error, 1)
	go func() {
		_, err := h.orch.Run(context.Background(), model.QueryRequest{Query: "q"})
		result <- err
	}()

	<-ready
	require.Eventually(t, h.orch.Active, time.Second, 5*time.Millisecond)
	assert.True(t, h.orch.Cancel())

	assert.ErrorIs(t, <-result, ErrStreamAborted)
	assert.Equal(t, []model.Message{{Role: model.RoleUser, Content: "q"}}, h.view.Messages())
	assert.False(t, h.view.Guard().Active())
	assert.Nil(t, h.persisted(t))
	assert.False(t, h.orch.Cancel())
}

func TestRun_CallerCancellationDiscards(t *testing.T) {
	ready := make(chan struct{})
	h := newHarness(t, map[string]script{
		"q": hold(ready, nil, model.ChunkEvent{Text: "partial"}),
	})

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() {
		_, err := h.orch.Run(ctx, model.QueryRequest{Query: "q"})
		result <- err
	}()

	<-ready
	cancel()

	assert.ErrorIs(t, <-result, ErrStreamAborted)
	assert.Len(t, h.view.Messages(), 1)
	assert.Nil(t, h.persisted(t))
}

func TestRun_PersistFailureKeepsMessage(t *testing.T) {
	h := newHarness(t, map[string]script{
		"q": events(model.CompleteEvent{Answer: "kept"}),
	})
	h.store.FailWrites(errors.New("disk full"))

	msg, err := h.orch.Run(context.Background(), model.QueryRequest{Query: "q"})
	require.NoError(t, err)
	assert.Equal(t, "kept", msg.Content)

	assert.Equal(t, []model.Message{
		{Role: model.RoleUser, Content: "q"},
		{Role: model.RoleAssistant, Content: "kept"},
	}, h.view.Messages())
	assert.False(t, h.view.Guard().Active())

	// The unwritten state was never remembered, so the next write is applied.
	h.store.FailWrites(nil)
	entries := codec.Encode(h.view.Messages())
	assert.True(t, h.view.Reload(entries))
}

func TestRun_CountsEachEventOnce(t *testing.T) {
	h := newHarness(t, map[string]script{
		"count": events(
			model.ChunkEvent{Text: "A"},
			model.ChunkEvent{Text: "B"},
			model.CompleteEvent{Answer: "AB"},
		),
	})
	chunks := testutil.ToFloat64(metrics.StreamEventsTotal.WithLabelValues("chunk"))
	completes := testutil.ToFloat64(metrics.StreamEventsTotal.WithLabelValues("complete"))

	_, err := h.orch.Run(context.Background(), model.QueryRequest{Query: "count", SessionID: "s1", UserID: "u1"})
	require.NoError(t, err)

	assert.Equal(t, chunks+2, testutil.ToFloat64(metrics.StreamEventsTotal.WithLabelValues("chunk")))
	assert.Equal(t, completes+1, testutil.ToFloat64(metrics.StreamEventsTotal.WithLabelValues("complete")))
}

func TestRun_StatusFallsBackToActivePhase(t *testing.T) {
	ready := make(chan struct{})
	release := make(chan struct{})
	h := newHarness(t, map[string]script{
		"q": func(w *sse.Writer, r *http.Request) {
			hold(ready, release,
				model.ProgressEvent{Message: "Planning the search", Node: "planner", Progress: 10},
				model.ProgressEvent{Node: "retriever", Progress: 40},
			)(w, r)
			w.Event(model.CompleteEvent{Answer: "done"})
		},
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := h.orch.Run(context.Background(), model.QueryRequest{Query: "q"})
		assert.NoError(t, err)
	}()

	<-ready
	require.Eventually(t, func() bool { return h.view.Snapshot().Status == "Retrieval" }, time.Second, 5*time.Millisecond)

	close(release)
	<-done
}
