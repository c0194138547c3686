package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/capitalize-ai/querystream/internal/config"
	"github.com/capitalize-ai/querystream/internal/handler"
	"github.com/capitalize-ai/querystream/internal/middleware"
	natsclient "github.com/capitalize-ai/querystream/internal/nats"
	"github.com/capitalize-ai/querystream/internal/service"
	"github.com/capitalize-ai/querystream/internal/session"
	"github.com/capitalize-ai/querystream/internal/streamclient"
	"github.com/capitalize-ai/querystream/pkg/tracing"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the conversation gateway",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx)
	},
}

// backing is the session store together with the dependencies it brought up.
type backing struct {
	store   session.Store
	events  service.EventPublisher
	pingers map[string]handler.Pinger
	close   func()
}

func openBacking(ctx context.Context) (*backing, error) {
	b := &backing{
		events:  service.NewLogEventPublisher(log),
		pingers: map[string]handler.Pinger{},
		close:   func() {},
	}

	switch cfg.StoreDriver {
	case config.StoreSQLite:
		store, err := session.OpenSQLite(cfg.SQLiteDSN)
		if err != nil {
			return nil, err
		}
		b.store = store
		b.pingers["sqlite"] = store
		b.close = func() { store.Close() }

	case config.StoreNATS:
		client, err := natsclient.Connect(ctx, natsclient.Config{
			URL:      cfg.NATSURL,
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
			Token:    cfg.NATSToken,
		}, log)
		if err != nil {
			return nil, err
		}

		store, err := natsclient.NewSessionStore(ctx, client)
		if err != nil {
			client.Close()
			return nil, err
		}

		streamManager := natsclient.NewStreamManager(client)
		if err := streamManager.EnsureStream(ctx); err != nil {
			client.Close()
			return nil, err
		}

		b.store = store
		b.events = streamManager
		b.pingers["nats"] = client
		b.close = client.Close

	default:
		b.store = session.NewMemoryStore()
	}

	return b, nil
}

func serve(ctx context.Context) error {
	log.Info("starting gateway", zap.String("store", cfg.StoreDriver), zap.String("upstream", cfg.UpstreamURL))

	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "querystream", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(context.Background(), tp)
		}
	}

	b, err := openBacking(ctx)
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	defer b.close()

	backend := streamclient.New(streamclient.Config{
		BaseURL:       cfg.UpstreamURL,
		SigningSecret: cfg.UpstreamSigningSecret,
	}, log.Named("streamclient"))

	refiner := service.NewRefiner(
		backend,
		b.store,
		service.NewPublishingActionSink(b.events),
		cfg.ActionDelay,
		cfg.PersistTimeout,
		log.Named("refiner"),
	)
	manager := service.NewManager(b.store, backend, b.events, refiner, service.Options{
		PersistTimeout: cfg.PersistTimeout,
		ExpectedPhases: cfg.ExpectedPhases,
	}, log.Named("manager"))
	defer manager.Close()

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      gatewayRouter(manager, b.pingers),
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		return manager.Watch(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error("server forced to shutdown", zap.Error(err))
		}
		return nil
	})

	err = g.Wait()
	log.Info("server stopped")
	return err
}

func gatewayRouter(manager *service.Manager, pingers map[string]handler.Pinger) http.Handler {
	healthHandler := handler.NewHealthHandler(pingers)
	sessionHandler := handler.NewSessionHandler(manager, log.Named("handler"))

	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	// Health endpoints (no auth required)
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	// Metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	// API routes with authentication
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWTSecret))
		r.Use(middleware.UserRateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))

		sessionHandler.Routes(r)
	})

	return r
}
