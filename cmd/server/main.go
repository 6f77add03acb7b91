// Conversation agent session server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/nitin4real/llm/internal/api"
	"github.com/nitin4real/llm/internal/budget"
	"github.com/nitin4real/llm/internal/config"
	"github.com/nitin4real/llm/internal/identity"
	"github.com/nitin4real/llm/internal/llm"
	"github.com/nitin4real/llm/internal/middleware"
	"github.com/nitin4real/llm/internal/notify"
	"github.com/nitin4real/llm/internal/presence"
	"github.com/nitin4real/llm/internal/provision"
	"github.com/nitin4real/llm/internal/realtime"
	"github.com/nitin4real/llm/internal/rtctoken"
	"github.com/nitin4real/llm/internal/session"
	"github.com/nitin4real/llm/internal/store"
	"github.com/nitin4real/llm/internal/transcript"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func main() {
	root := &cobra.Command{
		Use:           "convo-server",
		Short:         "Conversation agent session service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if err := godotenv.Load(); err != nil {
				slog.Info("No .env file found, using environment variables")
			}
		},
	}
	root.AddCommand(newServeCommand(), newMintTokenCommand())

	if err := root.Execute(); err != nil {
		slog.Error("Command failed", "error", err)
		os.Exit(1)
	}
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP, WebSocket and gRPC health servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
				Level: cfg.SlogLevel(),
			})))

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func newMintTokenCommand() *cobra.Command {
	var uid int64
	cmd := &cobra.Command{
		Use:   "mint-token",
		Short: "Print a signed bearer token for a user id",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			auth, err := identity.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
			if err != nil {
				return err
			}
			tok, err := auth.Sign(uid)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), tok)
			return err
		},
	}
	cmd.Flags().Int64Var(&uid, "uid", 0, "user id to sign the token for")
	_ = cmd.MarkFlagRequired("uid")
	return cmd
}

//nolint:funlen // Startup wiring is intentionally sequential to keep dependency setup explicit.
func serve(ctx context.Context, cfg *config.Config) error {
	slog.Info("Starting server", "port", cfg.Server.Port, "dev", cfg.IsDevelopment(), "container", config.IsContainer())

	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()
	if err := repo.Ping(ctx); err != nil {
		return fmt.Errorf("database health check: %w", err)
	}
	slog.Info("Database connected")

	auth, err := identity.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	if err != nil {
		return err
	}
	issuer, err := rtctoken.NewIssuer(cfg.Agora.AppID, cfg.Agora.AppCertificate, cfg.Agora.TokenValidity)
	if err != nil {
		return err
	}
	prov := provision.NewClient(provision.Config{
		BaseURL:        cfg.Agora.BaseURL,
		AppID:          cfg.Agora.AppID,
		CustomerID:     cfg.Agora.CustomerID,
		CustomerSecret: cfg.Agora.CustomerSecret,
		LLMURL:         cfg.Agent.LLMURL,
		LLMModel:       cfg.Agent.LLMModel,
		GraphID:        cfg.Agent.GraphID,
		FailureMessage: cfg.Agent.FailureMessage,
		MaxHistory:     cfg.Agent.MaxHistory,
		IdleTimeout:    cfg.Agent.IdleTimeout,
		VADSilenceMs:   cfg.Agent.VADSilenceMs,
		TTSModel:       cfg.Agent.TTSModel,
		HTTPTimeout:    cfg.Agent.HTTPTimeout,
	})

	bus := notify.NewBus()
	bus.Subscribe("usage-sync", store.UsageSync(repo))
	if cfg.RedisAddr != "" {
		mirror, err := presence.New(ctx, cfg.RedisAddr, "")
		if err != nil {
			slog.Warn("Presence mirror disabled", "error", err)
		} else {
			defer func() { _ = mirror.Close() }()
			if err := mirror.Reset(ctx); err != nil {
				slog.Warn("Failed to reset presence", "error", err)
			}
			bus.Subscribe("presence", mirror)
			slog.Info("Presence mirror enabled", "addr", cfg.RedisAddr)
		}
	}

	if cfg.Transcript.Enabled {
		tw, err := transcript.New(transcript.Config{Dir: cfg.Transcript.Dir, QueueSize: cfg.Transcript.QueueSize})
		if err != nil {
			return err
		}
		defer func() { _ = tw.Close() }()
		bus.Subscribe("transcript", tw)
		slog.Info("Session transcripts enabled", "dir", cfg.Transcript.Dir)
	}

	ledger := budget.NewLedger(budget.WithLivenessTimeout(cfg.Session.LivenessTimeout))
	registry := session.NewRegistry(ledger, prov, issuer, auth, bus, session.Config{
		ProvisionTimeout: cfg.Session.ProvisionTimeout,
		TerminateTimeout: cfg.Session.TerminateTimeout,
		HistoryLimit:     cfg.Session.HistoryLimit,
	})
	budget.StartSweeper(ctx, ledger, cfg.Session.SweepInterval)

	// Chat completions are optional; without a model backend the agent's
	// LLM URL must point elsewhere.
	var chatHandler *api.ChatHandler
	if cfg.Agent.LLMGRPCAddr != "" {
		client, err := llm.NewClient(llm.Config{Address: cfg.Agent.LLMGRPCAddr, Model: cfg.Agent.LLMModel})
		if err != nil {
			slog.Warn("Completion service unavailable, chat completions disabled", "error", err)
		} else {
			defer client.Close()
			chatHandler = api.NewChatHandler(llm.NewChatService(registry, client))
		}
	}

	origins := cfg.Origins()
	wsOrigin := "*"
	if len(origins) > 0 {
		wsOrigin = origins[0]
	}
	healthHandler := api.NewHealthHandler(repo)
	agentHandler := api.NewAgentHandler(api.NewHandler(repo, registry), prov)
	authHandler := api.NewAuthHandler(repo, auth, cfg.Auth.MasterPassword)
	wsHandler := realtime.NewWebSocketHandler(auth, realtime.NewBinder(registry), wsOrigin, cfg.IsDevelopment())

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(origins))

	// Public routes.
	healthHandler.RegisterHealth(r)
	authHandler.RegisterRoutes(r)
	r.Get("/ws", wsHandler.ServeHTTP)

	// Authenticated routes.
	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(auth))
		r.Get("/token-health", healthHandler.TokenHealth)
		agentHandler.RegisterRoutes(r)
		if chatHandler != nil {
			chatHandler.RegisterRoutes(r)
		}
	})

	// Note: SSE and WebSocket connections require no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	serveErr := make(chan error, 2)
	go func() {
		slog.Info("Server listening", "addr", srv.Addr, "tls", cfg.TLSEnabled())
		var err error
		if cfg.TLSEnabled() {
			err = srv.ListenAndServeTLS(cfg.Server.TLSCertFile, cfg.Server.TLSKeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- fmt.Errorf("http server: %w", err)
		}
	}()

	var grpcServer *grpc.Server
	var healthServer *health.Server
	if cfg.Server.GRPCHealthPort != "" {
		lis, err := net.Listen("tcp", ":"+cfg.Server.GRPCHealthPort)
		if err != nil {
			return fmt.Errorf("listen grpc health: %w", err)
		}
		grpcServer = grpc.NewServer()
		healthServer = health.NewServer()
		healthpb.RegisterHealthServer(grpcServer, healthServer)
		healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		go func() {
			slog.Info("gRPC health server listening", "addr", lis.Addr().String())
			if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				serveErr <- fmt.Errorf("grpc health server: %w", err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-serveErr:
	}

	slog.Info("Shutting down gracefully...")
	if healthServer != nil {
		healthServer.Shutdown()
		grpcServer.GracefulStop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}
	if err := registry.Shutdown(shutdownCtx); err != nil {
		slog.Error("Some agents were not terminated", "error", err)
	}

	slog.Info("Server stopped successfully", "active_sessions", len(registry.Active()))
	return runErr
}
