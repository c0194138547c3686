package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/capitalize-ai/querystream/internal/llm"
	"github.com/capitalize-ai/querystream/internal/upstream"
)

var upstreamCmd = &cobra.Command{
	Use:   "upstream",
	Short: "Run the development reasoning backend",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runUpstream(ctx)
	},
}

// llmClient picks the configured provider, falling back to the echo
// client when its key is missing.
func llmClient() (llm.Client, error) {
	provider := llm.Provider(cfg.DefaultLLM)
	var key string
	switch provider {
	case llm.ProviderAnthropic:
		key = cfg.AnthropicAPIKey
	case llm.ProviderOpenAI:
		key = cfg.OpenAIAPIKey
	}
	if key == "" && provider != llm.ProviderEcho {
		log.Warn("no API key for LLM provider, using echo", zap.String("provider", cfg.DefaultLLM))
		provider = llm.ProviderEcho
	}
	return llm.NewClient(provider, key)
}

func runUpstream(ctx context.Context) error {
	client, err := llmClient()
	if err != nil {
		return err
	}

	srv := upstream.NewServer(upstream.Config{
		SigningSecret: cfg.UpstreamSigningSecret,
		PhaseDelay:    cfg.UpstreamPhaseDelay,
		Model:         cfg.LLMModel,
	}, client, log.Named("upstream"))

	server := &http.Server{
		Addr:        ":" + cfg.UpstreamPort,
		Handler:     srv.Routes(),
		ReadTimeout: cfg.ServerReadTimeout,
		IdleTimeout: 120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("upstream listening", zap.String("port", cfg.UpstreamPort), zap.String("llm", client.Name()))
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
