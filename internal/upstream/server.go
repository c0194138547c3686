// Package upstream is a development reasoning backend. It speaks the query
// stream protocol and the companion chat endpoint on top of an LLM client.
package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/capitalize-ai/querystream/internal/llm"
	"github.com/capitalize-ai/querystream/internal/middleware"
	"github.com/capitalize-ai/querystream/internal/model"
	"github.com/capitalize-ai/querystream/internal/sse"
	"github.com/capitalize-ai/querystream/internal/streamclient"
	"github.com/capitalize-ai/querystream/pkg/logger"
)

// Phase is one pipeline stage reported before the answer streams.
type Phase struct {
	Node     string
	Message  string
	Progress int
}

// DefaultPhases is the pipeline reported for every query.
var DefaultPhases = []Phase{
	{Node: "planner", Message: "Planning the search", Progress: 10},
	{Node: "retriever", Message: "Retrieving matching companies", Progress: 35},
	{Node: "analyzer", Message: "Analyzing results", Progress: 60},
	{Node: "responder", Message: "Writing the answer", Progress: 85},
}

const systemPrompt = "You are a research assistant for an account-based marketing dashboard. " +
	"Answer questions about companies and markets concisely."

const chatPrompt = "You help the user refine their ideal customer profile. " +
	"Reply in one or two sentences."

// Config configures the development backend.
type Config struct {
	// SigningSecret, when set, requires signed identity tokens.
	SigningSecret string
	// PhaseDelay is slept between pipeline phases.
	PhaseDelay time.Duration
	Phases     []Phase
	Model      string
}

// GenerationFailedText is sent to clients when the language model fails.
// Provider errors are logged, never streamed.
const GenerationFailedText = "the language model is unavailable, please try again"

// Server serves the development backend endpoints.
type Server struct {
	cfg    Config
	llm    llm.Client
	logger *logger.Logger
}

// NewServer creates a development backend on top of client.
func NewServer(cfg Config, client llm.Client, log *logger.Logger) *Server {
	if cfg.Phases == nil {
		cfg.Phases = DefaultPhases
	}
	return &Server{cfg: cfg, llm: client, logger: log}
}

// Routes returns the backend router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(s.logger))
	r.Use(chimiddleware.Recoverer)

	r.Group(func(r chi.Router) {
		r.Use(middleware.UserIdentity(s.cfg.SigningSecret))
		r.Post(streamclient.StreamPath, s.Stream)
		r.Post(streamclient.ChatPath, s.Chat)
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "llm": s.llm.Name()})
	})
	return r
}

// Stream handles POST /api/v1/query/stream.
func (s *Server) Stream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req model.QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := middleware.ValidateQuery(req.Query); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	out, err := sse.NewWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	log := s.logger.With(
		zap.String("session_id", req.SessionID),
		zap.String("user_id", middleware.GetUserID(ctx)),
	)
	log.Info("query received", zap.Int("query_length", len(req.Query)))

	if err := out.Event(model.StartEvent{Message: "Starting research"}); err != nil {
		return
	}

	for _, phase := range s.cfg.Phases {
		if err := out.Event(model.ProgressEvent{Message: phase.Message, Progress: phase.Progress, Node: phase.Node}); err != nil {
			return
		}
		if !sleep(ctx, s.cfg.PhaseDelay) {
			return
		}
	}

	resp, err := s.llm.CompleteStream(ctx, &llm.CompletionRequest{
		Model:    s.cfg.Model,
		System:   systemPrompt,
		Messages: []llm.ChatMessage{{Role: "user", Content: req.Query}},
	}, func(token string, index int) error {
		return out.Event(model.ChunkEvent{Text: token})
	})
	if err != nil {
		if ctx.Err() != nil {
			log.Info("client disconnected")
			return
		}
		log.Warn("answer generation failed", zap.String("llm", s.llm.Name()), zap.Error(err))
		out.Event(model.ErrorEvent{Message: GenerationFailedText})
		return
	}

	out.Event(model.CompleteEvent{Answer: resp.Content, Metadata: visualize(req.Query)})
	log.Info("query answered",
		zap.String("llm", s.llm.Name()),
		zap.Int("tokens_out", resp.TokensOut),
		zap.Int64("latency_ms", resp.LatencyMs),
	)
}

// Chat handles POST /api/v1/chat.
func (s *Server) Chat(w http.ResponseWriter, r *http.Request) {
	var req model.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := middleware.ValidateMessageContent(req.Message); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := s.llm.Complete(r.Context(), &llm.CompletionRequest{
		Model:    s.cfg.Model,
		System:   chatPrompt,
		Messages: []llm.ChatMessage{{Role: "user", Content: req.Message}},
	})
	if err != nil {
		s.logger.Warn("chat completion failed", zap.Error(err))
		writeError(w, http.StatusBadGateway, "chat completion failed")
		return
	}

	writeJSON(w, http.StatusOK, model.ChatResponse{
		Response: resp.Content,
		Action:   chatAction(req),
		Context: model.ChatContext{
			Stage:        req.Context.Stage,
			CurrentQuery: strings.TrimSpace(req.Context.CurrentQuery + " " + req.Message),
		},
	})
}

// chatAction asks for a follow-up search while the user is refining.
func chatAction(req model.ChatRequest) model.ChatAction {
	if req.Context.Stage != "refine" {
		return model.ChatAction{Type: model.ActionNone}
	}
	return model.ChatAction{
		Type:       "search",
		Query:      strings.TrimSpace(req.Context.CurrentQuery + " " + req.Message),
		Scope:      "companies",
		ActionType: "refine_search",
	}
}

// visualize attaches a directive when the query asks for one.
func visualize(query string) *model.Visualization {
	q := strings.ToLower(query)
	switch {
	case strings.Contains(q, "table"):
		return &model.Visualization{Kind: model.VisualizationTable}
	case strings.Contains(q, "chart"):
		return &model.Visualization{Kind: model.VisualizationBarChart}
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
