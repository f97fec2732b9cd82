package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/fianchetto/arbiter/internal/audit"
	"github.com/fianchetto/arbiter/internal/auth"
	"github.com/fianchetto/arbiter/internal/config"
	"github.com/fianchetto/arbiter/internal/eventbus"
	"github.com/fianchetto/arbiter/internal/handlers"
	"github.com/fianchetto/arbiter/internal/matchmaking"
	"github.com/fianchetto/arbiter/internal/middleware"
	"github.com/fianchetto/arbiter/internal/session"
	"github.com/fianchetto/arbiter/internal/store"
)

func main() {
	env := config.GetEnv()

	logger := newLogger(env)
	defer logger.Sync()

	cfg, err := config.Load(env)
	if err != nil {
		logger.Warn("config file not loaded, using defaults", zap.Error(err))
		cfg = config.Default()
	}

	logger.Info("starting arbiter", zap.String("environment", cfg.Environment), zap.String("addr", cfg.Addr()))

	st, err := store.NewSQLite(cfg.SQLite.Path, logger)
	if err != nil {
		logger.Fatal("failed to open database", zap.String("path", cfg.SQLite.Path), zap.Error(err))
	}
	defer st.Close()

	// Redis backs the position cache and the cross-instance event
	// relay. The server stays fully playable without it.
	var cache store.Cache
	var busClient *redis.Client

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis unreachable, running without cache or event relay",
			zap.String("addr", cfg.Redis.Addr), zap.Error(err))
		cache = store.NoopCache{}
	} else {
		cache = store.NewRedisCache(rdb, logger)
		busClient = rdb
	}
	cancelPing()

	hub := handlers.NewHub(handlers.HubConfig{
		IdleTimeout:   time.Duration(cfg.Game.IdleTimeoutSeconds) * time.Second,
		SweepInterval: time.Duration(cfg.Game.SweepIntervalSeconds) * time.Second,
	}, logger)

	bus := eventbus.New(busClient, hub.DeliverRemoteBroadcast, hub.DeliverRemoteDirect, logger)
	hub.SetEventBus(bus)

	sessions := session.NewManager(st, cache, hub, logger, session.Options{
		TimerBroadcastInterval: time.Duration(cfg.Game.TimerBroadcastSeconds) * time.Second,
		RateAllDecisive:        cfg.Game.RateAllDecisive,
	})

	bootCtx, cancelBoot := context.WithTimeout(context.Background(), 30*time.Second)
	if err := sessions.BootCleanup(bootCtx); err != nil {
		logger.Warn("boot cleanup failed", zap.Error(err))
	}
	cancelBoot()

	matchmaker := matchmaking.NewMatchmaker(st, hub, sessions, hub, logger)
	hub.SetOnDisconnect(func(userID int64) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		matchmaker.RemoveFor(ctx, userID)
	})

	tokens := auth.NewJWTService(cfg.JWT.Secret)
	passwords := auth.NewPasswordService()
	google := auth.NewGoogleOAuth(cfg.OAuth.GoogleClientID, cfg.OAuth.GoogleClientSecret, cfg.OAuth.GoogleRedirectURL)
	recorder := audit.NewRecorder(st, logger)

	wsRouter := handlers.NewRouter(hub, st, sessions, matchmaker, passwords, tokens, recorder, logger)
	hub.SetHandler(wsRouter)

	go hub.Run()
	bus.Start()
	defer bus.Stop()
	matchmaker.Start()
	defer matchmaker.Stop()

	httpHandler := handlers.NewHTTPHandler(st, cache, sessions, matchmaker, hub, logger)
	authHandler := handlers.NewAuthHandler(st, tokens, passwords, google, recorder, cfg.Frontend.URL, logger)
	authMW := middleware.NewAuthMiddleware(tokens, st)

	limited := func(rlc middleware.RateLimitConfig, h http.HandlerFunc) http.Handler {
		return middleware.IPRateLimitMiddleware(middleware.NewRateLimiter(rlc))(h)
	}

	router := mux.NewRouter()
	router.Use(middleware.SecurityHeaders)

	router.Handle("/ws", limited(middleware.WebSocketUpgradeLimit, hub.HandleWebSocket))

	router.HandleFunc("/health", httpHandler.Health).Methods("GET")
	router.HandleFunc("/info", httpHandler.Info).Methods("GET")
	router.HandleFunc("/docs", handlers.ServeAPIDocs).Methods("GET")

	api := router.PathPrefix("/api").Subrouter()
	api.Handle("/auth/register", limited(middleware.AccountCreationLimit, authHandler.Register)).Methods("POST")
	api.Handle("/auth/login", limited(middleware.LoginAttemptLimit, authHandler.Login)).Methods("POST")
	api.Handle("/auth/google", limited(middleware.OAuthInitLimit, authHandler.GoogleOAuth)).Methods("GET")
	api.HandleFunc("/auth/google/callback", authHandler.GoogleOAuthCallback).Methods("GET")
	api.Handle("/auth/me", authMW.RequireAuth(http.HandlerFunc(authHandler.Me))).Methods("GET")

	api.HandleFunc("/leaderboard", httpHandler.Leaderboard).Methods("GET")
	api.HandleFunc("/users/{id}/stats", httpHandler.UserStats).Methods("GET")
	api.HandleFunc("/games", httpHandler.Games).Methods("GET")
	api.HandleFunc("/games/{id}", httpHandler.GameDetail).Methods("GET")

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   []string{cfg.Frontend.URL},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      corsHandler.Handler(router),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", zap.String("addr", cfg.Addr()))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}

	logger.Info("server stopped")
}

func newLogger(env string) *zap.Logger {
	var logger *zap.Logger
	var err error
	if env == "prod" {
		logger, err = zap.NewProduction()
	} else {
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		panic(err)
	}
	return logger
}
