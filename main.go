package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apirest "github.com/641i130/Ayaka/api/rest"
	"github.com/641i130/Ayaka/api/sse"
	"github.com/641i130/Ayaka/cache"
	"github.com/641i130/Ayaka/config"
	dbadapter "github.com/641i130/Ayaka/db"
	"github.com/641i130/Ayaka/game/engine"
	"github.com/641i130/Ayaka/game/session"
	"github.com/641i130/Ayaka/logging"
	mw "github.com/641i130/Ayaka/middleware"
	"github.com/641i130/Ayaka/model"
	"github.com/641i130/Ayaka/playlog"
	"github.com/641i130/Ayaka/plugin"
	"github.com/641i130/Ayaka/plugin/hook"
	"github.com/641i130/Ayaka/scheduler"
)

const evictSweepInterval = time.Minute

func main() {
	cfgPath := "config/config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// ---- Logger ----
	logger, err := logging.New(cfg.Log, cfg.Server.Debug)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	if cfg.Security.JWTSecret == "" {
		logger.Warn("security.jwt_secret is not set; session tokens are forgeable")
	}
	if cfg.Server.AdminKey == "" {
		logger.Warn("server.admin_key is not set; admin endpoints are disabled")
	}

	// ---- Database ----
	db, err := dbadapter.Open(cfg.Database)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	if err := model.AutoMigrate(db); err != nil {
		log.Fatalf("db migrate: %v", err)
	}
	logger.Info("DB initialized", zap.String("mode", cfg.Database.Mode))

	// ---- Cache / PubSub ----
	cacheConfig := cache.CacheConfig{
		RedisAddr:       cfg.Cache.RedisAddr,
		RedisPassword:   cfg.Cache.RedisPassword,
		RedisDB:         cfg.Cache.RedisDB,
		LocalGCInterval: cfg.Cache.LocalGCInterval,
		LocalPubSubBuf:  cfg.Cache.LocalPubSubBuf,
	}
	c, err := cache.NewCache(cacheConfig)
	if err != nil {
		log.Fatalf("cache: %v", err)
	}
	pubsub, err := cache.NewPubSub(cacheConfig)
	if err != nil {
		log.Fatalf("pubsub: %v", err)
	}
	logger.Info("Cache initialized")

	// ---- Story Engine ----
	var loadRuntime engine.RuntimeLoader
	if cfg.Plugins.Dir != "" {
		loadRuntime = plugin.Loader(cfg.Plugins.Dir, cfg.Plugins.Timeout, logger)
	}
	eng, err := engine.Open(cfg.Story.Root,
		engine.ParseFrontend(cfg.Story.Frontend),
		loadRuntime,
		func(m engine.Milestone) {
			if m.Kind == engine.MilestoneLoadPlugin {
				logger.Info("loading plugin", zap.String("plugin", m.Plugin),
					zap.Int("index", m.Index), zap.Int("total", m.Total))
				return
			}
			logger.Info("opening story", zap.String("milestone", m.Kind.String()))
		},
		logger)
	if err != nil {
		log.Fatalf("story: %v", err)
	}
	logger.Info("Story loaded",
		zap.String("title", eng.Game().Title),
		zap.Strings("locales", eng.Game().Locales()))

	// ---- Play Log ----
	logs := playlog.New(db, c, logger)
	defer logs.Stop(nil)

	// ---- Session Hub ----
	// Lifecycle hooks fan session close out to the play log and the
	// stream, so evicted and shut-down sessions are reported the same
	// way as explicit closes.
	hooks := hook.New()
	hooks.Register(hook.SessionClosed, 0, "playlog", func(_ context.Context, _ string, data interface{}) (interface{}, error) {
		if ev, ok := data.(*hook.SessionEvent); ok {
			logs.Record(playlog.Entry{
				SessionID: ev.ID,
				Title:     ev.Title,
				Kind:      playlog.KindClosed,
				Payload:   map[string]string{"reason": ev.Reason},
			})
		}
		return data, nil
	})
	hooks.Register(hook.SessionClosed, 10, "sse", func(ctx context.Context, _ string, data interface{}) (interface{}, error) {
		if ev, ok := data.(*hook.SessionEvent); ok {
			if err := sse.Publish(ctx, pubsub, ev.ID, sse.Event{Kind: "closed"}); err != nil {
				logger.Warn("publish close failed", zap.String("session_id", ev.ID), zap.Error(err))
			}
		}
		return data, nil
	})

	factory := func() (*session.Session, error) {
		sess := session.NewWithDB(eng.Fork(), db, logger)
		sess.SetDefaultSettings(session.Settings{
			Lang:    cfg.Locale.Lang,
			SubLang: cfg.Locale.SubLang,
		})
		return sess, nil
	}
	hub := session.NewHub(factory, c, hooks, session.HubConfig{
		IdleTTL:     cfg.Session.IdleTTL,
		MaxSessions: cfg.Session.MaxSessions,
	}, logger)
	defer hub.CloseAll(context.Background())

	// ---- Scheduler ----
	sched := scheduler.New(logger)
	defer sched.Stop()
	if cfg.Session.AutosaveEvery > 0 {
		sched.AddTicker("autosave", cfg.Session.AutosaveEvery, func() {
			saved := hub.AutosaveAll(context.Background())
			logger.Debug("autosave tick", zap.Int("saved", saved))
		})
	}
	if cfg.Session.IdleTTL > 0 {
		sched.AddTicker("evict_idle", evictSweepInterval, func() {
			hub.EvictIdle(context.Background())
		})
	}

	// ---- Gin HTTP Server ----
	if !cfg.Server.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(mw.TraceID(), mw.Logger(logger), mw.Recovery(logger))
	r.Use(mw.RateLimit(cfg.Security.RateLimitRPS, cfg.Security.RateLimitBurst))

	// Health check
	r.GET("/health", func(ctx *gin.Context) {
		ctx.JSON(200, gin.H{"status": "ok", "sessions": hub.Len()})
	})

	// ---- REST API routes ----
	sessionH := apirest.NewSessionHandler(hub, pubsub, logs, cfg.Security, eng.Game().Title, logger)
	storyH := apirest.NewStoryHandler(eng)
	adminH := apirest.NewAdminHandler(hub, sched, logger)
	sseH := sse.NewHandler(pubsub, logger)

	api := r.Group("/api")
	{
		api.GET("/story", storyH.Meta)
		api.POST("/sessions", sessionH.Create)

		sessG := api.Group("/sessions/:id")
		sessG.Use(mw.Auth(cfg.Security, c))
		sessG.GET("", sessionH.Get)
		sessG.DELETE("", sessionH.Delete)
		sessG.POST("/next", sessionH.Next)
		sessG.POST("/back", sessionH.Back)
		sessG.POST("/switch", sessionH.Switch)
		sessG.POST("/restart", sessionH.Restart)
		sessG.GET("/history", sessionH.History)
		sessG.GET("/records", sessionH.Records)
		sessG.POST("/save", sessionH.Save)
		sessG.POST("/load", sessionH.Load)
		sessG.GET("/settings", sessionH.GetSettings)
		sessG.PUT("/settings", sessionH.PutSettings)
		sessG.GET("/events", sessionH.Events)

		// EventSource clients authenticate via the token query param;
		// the stream route additionally gates on the browser Origin.
		sessG.GET("/stream", mw.OriginCheck(cfg.Security.AllowedOrigins), sseH.Stream)

		adminG := api.Group("/admin")
		adminG.Use(apirest.AdminAuth(cfg.Server.AdminKey))
		adminG.GET("/metrics", adminH.Metrics)
		adminG.GET("/sessions", adminH.ListSessions)
		adminG.POST("/sessions/:id/close", adminH.CloseSession)
	}

	// ---- Serve ----
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{Addr: addr, Handler: r}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("Server listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	// Deferred cleanups persist sessions and drain the play log.
}
