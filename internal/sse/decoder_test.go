package sse

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/querystream/internal/model"
	"github.com/capitalize-ai/querystream/pkg/logger"
	"github.com/capitalize-ai/querystream/pkg/metrics"
)

func collect(t *testing.T, body string) []model.StreamEvent {
	t.Helper()
	dec := NewDecoder(strings.NewReader(body), logger.NewNop())

	var events []model.StreamEvent
	for {
		ev, err := dec.Next()
		if err == io.EOF {
			return events
		}
		require.NoError(t, err)
		events = append(events, ev)
	}
}

func TestDecoder_ArrivalOrder(t *testing.T) {
	body := "data: {\"type\":\"start\",\"message\":\"Starting\"}\n\n" +
		"data: {\"type\":\"progress\",\"node\":\"planner\",\"progress\":30,\"message\":\"Planning\"}\n\n" +
		"data: {\"type\":\"chunk\",\"text\":\"Here are\"}\n\n" +
		"data: {\"type\":\"chunk\",\"text\":\" 3 matches\"}\n\n" +
		"data: {\"type\":\"complete\",\"answer\":\"Here are 3 matches.\"}\n\n"

	events := collect(t, body)
	require.Len(t, events, 5)

	assert.Equal(t, model.StartEvent{Message: "Starting"}, events[0])
	assert.Equal(t, model.ProgressEvent{Message: "Planning", Progress: 30, Node: "planner"}, events[1])
	assert.Equal(t, model.ChunkEvent{Text: "Here are"}, events[2])
	assert.Equal(t, model.ChunkEvent{Text: " 3 matches"}, events[3])
	assert.Equal(t, model.CompleteEvent{Answer: "Here are 3 matches."}, events[4])
}

func TestDecoder_DropsMalformedFrames(t *testing.T) {
	body := "data: {\"type\":\"chunk\",\"text\":\"A\"}\n\n" +
		"data: {not json\n\n" +
		"event: ping\n\n" +
		"data: {\"type\":\"telemetry\",\"value\":1}\n\n" +
		"data: {\"type\":\"chunk\",\"text\":\"B\"}\n\n"

	events := collect(t, body)
	assert.Equal(t, []model.StreamEvent{
		model.ChunkEvent{Text: "A"},
		model.ChunkEvent{Text: "B"},
	}, events)
}

func TestDecoder_StopsAfterTerminalEvent(t *testing.T) {
	t.Run("error", func(t *testing.T) {
		body := "data: {\"type\":\"chunk\",\"text\":\"Partial\"}\n\n" +
			"data: {\"type\":\"error\",\"message\":\"upstream timeout\"}\n\n" +
			"data: {\"type\":\"chunk\",\"text\":\"late\"}\n\n"

		events := collect(t, body)
		require.Len(t, events, 2)
		assert.Equal(t, model.ErrorEvent{Message: "upstream timeout"}, events[1])
	})

	t.Run("complete", func(t *testing.T) {
		body := "data: {\"type\":\"complete\",\"answer\":\"done\"}\n\n" +
			"data: {\"type\":\"chunk\",\"text\":\"late\"}\n\n"

		events := collect(t, body)
		require.Len(t, events, 1)
	})
}

func TestDecoder_LineEndingsAndTrailingFrame(t *testing.T) {
	body := "\r\nid: 1\r\ndata: {\"type\":\"chunk\",\"text\":\"A\"}\r\n\r\n" +
		"data: {\"type\":\"chunk\",\"text\":\"B\"}"

	events := collect(t, body)
	assert.Equal(t, []model.StreamEvent{
		model.ChunkEvent{Text: "A"},
		model.ChunkEvent{Text: "B"},
	}, events)
}

func TestDecoder_MultiLineData(t *testing.T) {
	body := "data: {\"type\":\"chunk\",\n" +
		"data: \"text\":\"joined\"}\n\n"

	events := collect(t, body)
	assert.Equal(t, []model.StreamEvent{model.ChunkEvent{Text: "joined"}}, events)
}

func TestDecoder_CompleteWithMetadata(t *testing.T) {
	body := `data: {"type":"complete","answer":"Top sectors","metadata":{"kind":"bar_chart","config":{"xKey":"sector","title":"Deals"},"data":[{"sector":"fintech","count":3}]}}` + "\n\n"

	events := collect(t, body)
	require.Len(t, events, 1)

	complete, ok := events[0].(model.CompleteEvent)
	require.True(t, ok)
	require.NotNil(t, complete.Metadata)
	assert.Equal(t, model.VisualizationBarChart, complete.Metadata.Kind)
	assert.Equal(t, "sector", complete.Metadata.Config["xKey"])
	assert.Equal(t, float64(3), complete.Metadata.Data[0]["count"])
}

func TestWriter_RoundTripsThroughDecoder(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewWriter(rec)
	require.NoError(t, err)

	sent := []model.StreamEvent{
		model.StartEvent{Message: "Starting"},
		model.ProgressEvent{Node: "retriever", Progress: 60, Message: "Searching"},
		model.ChunkEvent{Text: "Hi"},
		model.CompleteEvent{Answer: "Hi there"},
	}
	for _, ev := range sent {
		require.NoError(t, w.Event(ev))
	}

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, sent, collect(t, rec.Body.String()))
}

func TestDecoder_OversizedFrameIsDropped(t *testing.T) {
	dropped := testutil.ToFloat64(metrics.StreamFramesDropped.WithLabelValues("too_large"))

	body := "data: {\"type\":\"chunk\",\"text\":\"" + strings.Repeat("x", 5*1024*1024) + "\"}\n" +
		"id: 7\n\n" +
		"data: {\"type\":\"complete\",\"answer\":\"ok\"}\n\n"

	events := collect(t, body)
	assert.Equal(t, []model.StreamEvent{model.CompleteEvent{Answer: "ok"}}, events)
	assert.Equal(t, dropped+1, testutil.ToFloat64(metrics.StreamFramesDropped.WithLabelValues("too_large")))
}

func TestDecoder_CountsEventsOnce(t *testing.T) {
	chunks := testutil.ToFloat64(metrics.StreamEventsTotal.WithLabelValues("chunk"))

	collect(t, "data: {\"type\":\"chunk\",\"text\":\"A\"}\n\n"+
		"data: {\"type\":\"chunk\",\"text\":\"B\"}\n\n"+
		"data: {\"type\":\"complete\"}\n\n")

	assert.Equal(t, chunks+2, testutil.ToFloat64(metrics.StreamEventsTotal.WithLabelValues("chunk")))
}
