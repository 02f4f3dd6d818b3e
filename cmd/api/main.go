// Package main is the entry point for the API server.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/onnwee/subcults/internal/api"
	"github.com/onnwee/subcults/internal/auth"
	"github.com/onnwee/subcults/internal/config"
	"github.com/onnwee/subcults/internal/health"
	"github.com/onnwee/subcults/internal/middleware"
	"github.com/onnwee/subcults/internal/participant"
	"github.com/onnwee/subcults/internal/presence"
	"github.com/onnwee/subcults/internal/realtime"
	"github.com/onnwee/subcults/internal/session"
	"github.com/onnwee/subcults/internal/supervisor"
	"github.com/onnwee/subcults/internal/tracing"
)

func main() {
	help := flag.Bool("help", false, "display help message")
	configFile := flag.String("config", "", "path to a YAML config file (optional, env vars take precedence)")
	flag.Parse()

	if *help {
		fmt.Println("Subcults API Server")
		fmt.Println()
		fmt.Println("Usage: api [options]")
		fmt.Println()
		fmt.Println("Options:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	cfg, configErrs := config.Load(*configFile)
	if cfg == nil {
		for _, err := range configErrs {
			fmt.Fprintln(os.Stderr, "config error:", err)
		}
		os.Exit(1)
	}

	logger := middleware.NewLogger(cfg.Env)
	slog.SetDefault(logger)

	if len(configErrs) > 0 {
		for _, err := range configErrs {
			logger.Error("config validation failed", "error", err)
		}
		os.Exit(1)
	}
	for k, v := range cfg.LogSummary() {
		logger.Info("config", "key", k, "value", v)
	}

	var tracerProvider *tracing.Provider
	if cfg.TracingEnabled {
		var err error
		tracerProvider, err = tracing.NewProvider(tracing.Config{
			ServiceName:  "subcults-api",
			Enabled:      true,
			Environment:  cfg.Env,
			ExporterType: cfg.TracingExporterType,
			OTLPEndpoint: cfg.TracingOTLPEndpoint,
			SamplingRate: cfg.TracingSampleRate,
			InsecureMode: cfg.TracingInsecure,
		})
		if err != nil {
			logger.Error("failed to initialize tracing", "error", err)
			os.Exit(1)
		}
	} else {
		logger.Info("tracing disabled")
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to open database connection", "error", err)
		os.Exit(1)
	}
	db.SetMaxOpenConns(cfg.DBPoolMax)
	db.SetMaxIdleConns(cfg.DBPoolMin)
	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := db.PingContext(pingCtx); err != nil {
		pingCancel()
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	pingCancel()
	logger.Info("connected to durable store")

	// The Ephemeral Store needs two independent Redis connections: a
	// multiplexed command connection shared by the connection manager,
	// realtime broker, and supervisor, and a dedicated pub/sub connection
	// for the cross-node subscriber. Redis cannot multiplex pub/sub onto a
	// connection that is also issuing commands.
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Error("failed to parse REDIS_URL", "error", err)
		os.Exit(1)
	}
	redisCommandClient := redis.NewClient(redisOpts)
	redisSubClient := redis.NewClient(redisOpts)

	redisPingCtx, redisPingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := redisCommandClient.Ping(redisPingCtx).Err(); err != nil {
		redisPingCancel()
		logger.Error("failed to connect to ephemeral store", "error", err)
		os.Exit(1)
	}
	redisPingCancel()
	logger.Info("connected to ephemeral store")

	promRegistry := prometheus.NewRegistry()

	middlewareMetrics := middleware.NewMetrics()
	if err := middlewareMetrics.Register(promRegistry); err != nil {
		logger.Error("failed to register middleware metrics", "error", err)
		os.Exit(1)
	}

	realtimeMetrics := realtime.NewMetrics(promRegistry)
	supervisorMetrics := supervisor.NewMetrics(promRegistry)

	// Durable Store repositories.
	sessionRepo := session.NewPostgresRepository(db)
	participantRepo := participant.NewPostgresRepository(db)

	presenceStore := presence.NewStore(redisCommandClient)

	tokens := auth.NewTokenServiceWithRotation(cfg.GetJWTSecrets())

	coordinator := session.NewCoordinator(sessionRepo, participantRepo, session.TokenAdapter{Tokens: tokens}, presenceStore, cfg.PublicBaseURL)
	coordinator.SetMaxParticipants(cfg.MaxParticipantsPerSession)

	manager := realtime.NewManager(presenceStore, logger, realtimeMetrics)
	broker := realtime.NewBroker(manager, presenceStore, sessionRepo, logger, realtimeMetrics)

	sv := supervisor.New(
		supervisor.Config{
			ExpirySweepInterval:   time.Duration(cfg.ExpirySweepMinutes) * time.Minute,
			LivenessSweepInterval: time.Duration(cfg.LivenessSweepMinutes) * time.Minute,
			AutoExpireAfter:       time.Duration(cfg.AutoExpireMinutes) * time.Minute,
			Logger:                logger,
			Metrics:               supervisorMetrics,
		},
		sessionRepo,
		participantRepo,
		broker,
		func() *presence.Subscriber { return presence.NewSubscriber(redisSubClient) },
		broker.ConsumeCrossNode,
	)
	if err := sv.Start(context.Background()); err != nil {
		logger.Error("failed to start supervisor", "error", err)
		os.Exit(1)
	}
	logger.Info("supervisor started")

	dbChecker := health.NewDBChecker(db)
	esChecker := health.NewRedisChecker(redisCommandClient)
	subscriberChecker := health.NewSubscriberChecker(sv)

	sessionHandlers := api.NewSessionHandlers(coordinator)
	participantHandlers := api.NewParticipantHandlers(coordinator, presenceStore)
	streamHandlers := api.NewStreamHandlers(manager, broker, tokens, participantRepo)
	healthHandlers := api.NewHealthHandlers(api.HealthHandlersConfig{
		DBChecker:         dbChecker,
		ESChecker:         esChecker,
		SubscriberChecker: subscriberChecker,
		MetricsEnabled:    true,
	})

	generalLimit := middleware.DefaultGlobalLimit()
	createLimit := middleware.DefaultCreateLimit()
	joinLimit := middleware.DefaultJoinLimit()

	// Redis-backed counters so the limits hold across every node behind the
	// load balancer, not per node.
	rateLimitStore := middleware.NewRedisRateLimitStoreWithMetrics(redisCommandClient, middlewareMetrics)

	mux := http.NewServeMux()

	mux.HandleFunc("/health", healthHandlers.Health)
	mux.HandleFunc("/ready", healthHandlers.Ready)

	mux.Handle("/metrics", promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}))

	mux.HandleFunc("/ws", streamHandlers.Stream)

	joinHandler := middleware.RateLimiter(rateLimitStore, joinLimit, middleware.IPKeyFunc(), middlewareMetrics)
	createHandler := middleware.RateLimiter(rateLimitStore, createLimit, middleware.IPKeyFunc(), middlewareMetrics)

	mux.HandleFunc("/api/sessions", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			createHandler(http.HandlerFunc(sessionHandlers.CreateSession)).ServeHTTP(w, r)
		default:
			ctx := middleware.SetErrorCode(r.Context(), api.ErrCodeBadRequest)
			api.WriteError(w, ctx, http.StatusMethodNotAllowed, api.ErrCodeBadRequest, "method not allowed")
		}
	})

	mux.HandleFunc("/api/sessions/", func(w http.ResponseWriter, r *http.Request) {
		pathParts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/sessions/"), "/")
		if len(pathParts) == 0 || pathParts[0] == "" {
			ctx := middleware.SetErrorCode(r.Context(), api.ErrCodeBadRequest)
			api.WriteError(w, ctx, http.StatusBadRequest, api.ErrCodeBadRequest, "session id is required")
			return
		}
		sessionID := pathParts[0]

		// /api/sessions/{id}/join
		if len(pathParts) == 2 && pathParts[1] == "join" {
			if r.Method != http.MethodPost {
				ctx := middleware.SetErrorCode(r.Context(), api.ErrCodeBadRequest)
				api.WriteError(w, ctx, http.StatusMethodNotAllowed, api.ErrCodeBadRequest, "method not allowed")
				return
			}
			joinHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				participantHandlers.Join(w, r, sessionID)
			})).ServeHTTP(w, r)
			return
		}

		// /api/sessions/{id}/participants and /api/sessions/{id}/participants/{user_id}
		if len(pathParts) >= 2 && pathParts[1] == "participants" {
			if len(pathParts) == 3 {
				if r.Method != http.MethodDelete {
					ctx := middleware.SetErrorCode(r.Context(), api.ErrCodeBadRequest)
					api.WriteError(w, ctx, http.StatusMethodNotAllowed, api.ErrCodeBadRequest, "method not allowed")
					return
				}
				participantHandlers.RemoveParticipant(w, r, sessionID, pathParts[2])
				return
			}
			if r.Method != http.MethodGet {
				ctx := middleware.SetErrorCode(r.Context(), api.ErrCodeBadRequest)
				api.WriteError(w, ctx, http.StatusMethodNotAllowed, api.ErrCodeBadRequest, "method not allowed")
				return
			}
			participantHandlers.ListParticipants(w, r, sessionID)
			return
		}

		// /api/sessions/{id}/stats
		if len(pathParts) == 2 && pathParts[1] == "stats" {
			if r.Method != http.MethodGet {
				ctx := middleware.SetErrorCode(r.Context(), api.ErrCodeBadRequest)
				api.WriteError(w, ctx, http.StatusMethodNotAllowed, api.ErrCodeBadRequest, "method not allowed")
				return
			}
			participantHandlers.Stats(w, r, sessionID)
			return
		}

		// /api/sessions/{id}
		if len(pathParts) == 1 {
			switch r.Method {
			case http.MethodGet:
				sessionHandlers.GetSession(w, r, sessionID)
			case http.MethodDelete:
				sessionHandlers.EndSession(w, r, sessionID)
			default:
				ctx := middleware.SetErrorCode(r.Context(), api.ErrCodeBadRequest)
				api.WriteError(w, ctx, http.StatusMethodNotAllowed, api.ErrCodeBadRequest, "method not allowed")
			}
			return
		}

		ctx := middleware.SetErrorCode(r.Context(), api.ErrCodeNotFound)
		api.WriteError(w, ctx, http.StatusNotFound, api.ErrCodeNotFound, "not found")
	})

	// Request flow (outermost first): Logging -> RequestID -> HTTPMetrics ->
	// Tracing -> CORS -> RateLimiter. Applied in reverse so Logging wraps
	// everything and the global RateLimiter sits innermost, closest to the
	// router.
	var handler http.Handler = mux
	handler = middleware.RateLimiter(rateLimitStore, generalLimit, middleware.IPKeyFunc(), middlewareMetrics)(handler)

	if cfg.CORSAllowedOrigins != "" {
		origins := splitAndTrim(cfg.CORSAllowedOrigins)
		methods := splitAndTrim(cfg.CORSAllowedMethods)
		headers := splitAndTrim(cfg.CORSAllowedHeaders)

		handler = middleware.CORS(middleware.CORSConfig{
			AllowedOrigins:   origins,
			AllowedMethods:   methods,
			AllowedHeaders:   headers,
			AllowCredentials: cfg.CORSAllowCredentials,
			MaxAge:           cfg.CORSMaxAge,
		})(handler)
		logger.Info("CORS enabled", "origins", origins)
	} else {
		logger.Info("CORS disabled - no origins configured")
	}

	if cfg.TracingEnabled {
		handler = middleware.Tracing("subcults-api")(handler)
	}

	handler = middleware.HTTPMetrics(middlewareMetrics)(handler)
	handler = middleware.RequestID(handler)
	handler = middleware.Logging(logger)(handler)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("starting server", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	sv.Stop()
	logger.Info("supervisor stopped")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if tracerProvider != nil {
		if err := tracerProvider.Shutdown(ctx); err != nil {
			logger.Error("failed to shutdown tracer provider", "error", err)
		}
	}

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	if err := db.Close(); err != nil {
		logger.Error("failed to close database connection", "error", err)
	}
	if err := redisCommandClient.Close(); err != nil {
		logger.Error("failed to close ephemeral store command connection", "error", err)
	}
	if err := redisSubClient.Close(); err != nil {
		logger.Error("failed to close ephemeral store subscriber connection", "error", err)
	}

	logger.Info("server stopped")
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return parts
}
