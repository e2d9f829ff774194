package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"younote/internal/config"
	"younote/internal/db"
	"younote/internal/handlers"
	mw "younote/internal/middleware"
	"younote/internal/services"
	"younote/internal/store"
	"younote/internal/upstream"
)

func main() {
	_ = godotenv.Load()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg := config.FromEnv()
	if cfg.DatabaseURL == "" {
		slog.Error("DATABASE_URL is required")
		os.Exit(1)
	}
	if cfg.JWTSecret == "" {
		slog.Error("JWT_SECRET is required")
		os.Exit(1)
	}
	if len(cfg.EncryptionKey) != 32 || len(cfg.BlindIndexKey) != 32 {
		slog.Error("ENCRYPTION_KEY and BLIND_INDEX_KEY must be 32 bytes")
		os.Exit(1)
	}

	zlog, err := zap.NewProduction()
	if err != nil {
		slog.Error("failed to build zap logger", slog.Any("err", err))
		os.Exit(1)
	}
	defer zlog.Sync()

	dbConn, err := sqlx.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	dbConn.SetMaxOpenConns(10)
	dbConn.SetConnMaxLifetime(2 * time.Hour)
	if err = dbConn.Ping(); err != nil {
		slog.Error("failed to ping db", slog.Any("err", err))
		os.Exit(1)
	}
	if err := db.RunMigrations(dbConn); err != nil {
		slog.Error("failed migrations", slog.Any("err", err))
		os.Exit(1)
	}

	st := store.NewPostgres(dbConn)

	encSvc, err := services.NewEncryptionService([]byte(cfg.EncryptionKey), []byte(cfg.BlindIndexKey))
	if err != nil {
		slog.Error("failed to init encryption", slog.Any("err", err))
		os.Exit(1)
	}

	client := upstream.NewClient(cfg.UpstreamBaseURL, cfg.UpstreamImageBaseURL, cfg.UpstreamTimeout, upstream.RetryPolicy{
		MaxAttempts:   cfg.UpstreamMaxAttempts,
		BaseDelay:     cfg.UpstreamBaseDelay,
		MaxDelay:      cfg.UpstreamMaxDelay,
		JitterPercent: 10,
	}, zlog.Named("upstream"))

	history := services.NewHistoryRecorder(st)
	deltas := services.NewDeltaTracker(st)
	recon := services.NewReconciler(history, deltas, cfg.ShortContentLen, zlog.Named("reconciler"))
	images := services.NewImageCache(st, client, cfg.ImageMaxBytes, zlog.Named("images"))
	orch := services.NewOrchestrator(st, client, encSvc, recon, images,
		cfg.SyncInterval, cfg.SyncWorkers, cfg.SyncOnStartup, zlog.Named("orchestrator"))

	syncCtx, stopSync := context.WithCancel(context.Background())
	orch.Start(syncCtx)

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(mw.ZapRequestLogger(zlog.Named("http")))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	authHandler := handlers.NewAuthHandler(dbConn, []byte(cfg.JWTSecret))
	accountHandler := handlers.NewAccountHandler(st, encSvc)
	syncHandler := handlers.NewSyncHandler(orch, st)
	diaryHandler := handlers.NewDiaryHandler(st, history)
	statsHandler := handlers.NewStatsHandler(deltas)
	imageHandler := handlers.NewImageHandler(images)
	authMW := mw.NewAuthMiddleware([]byte(cfg.JWTSecret))

	r.Route("/api", func(api chi.Router) {
		api.Post("/auth/signup", authHandler.Signup)
		api.Post("/auth/login", authHandler.Login)
		api.Group(func(pr chi.Router) {
			pr.Use(authMW.RequireAuth)
			pr.Get("/auth/me", authHandler.Me)
			pr.Post("/accounts", accountHandler.Register)
			pr.Get("/accounts", accountHandler.List)
			pr.Post("/accounts/{accountID}/validate", accountHandler.ValidateToken)
			pr.Post("/accounts/{accountID}/enable", accountHandler.Enable)
			pr.Delete("/accounts/{accountID}", accountHandler.Disable)

			pr.Post("/sync/trigger/{accountID}", syncHandler.Trigger)
			pr.Get("/sync/runs", syncHandler.Runs)
			pr.Get("/sync/runs/{runID}", syncHandler.RunStatus)

			pr.Get("/diaries", diaryHandler.List)
			pr.Get("/diaries/{diaryID}", diaryHandler.Get)
			pr.Get("/diaries/{diaryID}/history", diaryHandler.History)
			pr.Put("/diaries/{diaryID}/bookmark", diaryHandler.SetBookmark)

			pr.Get("/stats/msg-increase", statsHandler.MsgCountIncrease)
			pr.Get("/images/{ownerUserID}/{imageID}", imageHandler.Get)
		})
	})

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: r}
	go func() {
		slog.Info("server starting", slog.String("addr", ":"+cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", slog.Any("err", err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("shutdown initiated")

	stopSync()
	orch.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	slog.Info("server stopped")
}
