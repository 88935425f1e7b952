package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"canvas-chat/internal/config"
	"canvas-chat/internal/db"
	"canvas-chat/internal/genai"
	"canvas-chat/internal/handlers"
	"canvas-chat/internal/keypool"
	"canvas-chat/internal/llm"
	"canvas-chat/internal/middleware"
	"canvas-chat/internal/observability"
	"canvas-chat/internal/queue"
	"canvas-chat/internal/rabbitmq"
	"canvas-chat/internal/repositories"
	"canvas-chat/internal/store"
	"canvas-chat/internal/store/memstore"
	"canvas-chat/internal/store/pgstore"
	"canvas-chat/internal/telemetry"
	"canvas-chat/internal/tracing"
	"canvas-chat/internal/ws"
)

const serviceName = "canvas-chat"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, serviceName, cfg.Environment, cfg.OTLPEndpoint)
	if err != nil {
		log.Fatalf("failed to init tracing: %v", err)
	}

	st, closeStore := openStore(cfg)
	defer closeStore()

	auditPublisher := rabbitmq.NewPublisher(cfg.AMQPURL, cfg.AuditExchange)
	defer auditPublisher.Close()
	eventPublisher := rabbitmq.NewPublisher(cfg.AMQPURL, cfg.EventsExchange)
	defer eventPublisher.Close()
	if rabbitmq.PublisherMode(eventPublisher) == "noop" {
		log.Printf("generation events are logged only: %s", rabbitmq.PublisherNoopReason(eventPublisher))
	}
	observability.SetPublisher(eventPublisher)
	audit := telemetry.NewAuditEmitter(auditPublisher, "audit.logs", serviceName, cfg.Environment)

	httpClient := &http.Client{}
	keys := keypool.NewManager(keypool.Config{
		GenerationKeys: cfg.GenAI.Keys,
		SpeechKey:      cfg.GenAI.SpeechKey,
		ActiveIndex:    cfg.GenAI.ActiveKey,
	}, func(apiKey string) llm.API {
		return llm.NewClient(cfg.GenAI.BaseURL, apiKey, httpClient)
	}, st)
	if err := keys.LoadUsage(ctx); err != nil {
		log.Printf("failed to load key usage: %v", err)
	}
	if keys.PoolSize() == 0 {
		log.Printf("no generation keys configured; prompts will fail until GENAI_KEYS is set")
	}

	generator := genai.New(keys, genai.Config{
		Model:       cfg.GenAI.Model,
		SpeechModel: cfg.GenAI.SpeechModel,
		Voice:       cfg.GenAI.Voice,
		RetryDelay:  cfg.GenAI.RetryDelay.Duration,
	})
	supervisor := queue.NewSupervisor(st, generator, queue.Config{
		CanvasFlushInterval:  cfg.Queue.CanvasFlushInterval.Duration,
		MessageFlushInterval: cfg.Queue.MessageFlushInterval.Duration,
		StaleLockTimeout:     cfg.Queue.StaleLockTimeout.Duration,
		LockRefreshInterval:  cfg.Queue.LockRefreshInterval.Duration,
	})

	hub := ws.NewHub()
	groupHandler := handlers.NewGroupHandler(st, hub, audit)
	messageHandler := handlers.NewMessageHandler(st, supervisor, audit)
	canvasHandler := handlers.NewCanvasHandler(st, audit)
	keyHandler := handlers.NewKeyHandler(keys, audit)
	groupWS := ws.NewGroupWebSocketHandler(hub, st, supervisor, keys)
	promptLimiter := middleware.NewRateLimiter(cfg.PromptRate, cfg.PromptBurst)

	router := gin.New()

	// middlewares
	router.Use(gin.Logger(), gin.Recovery())
	router.Use(otelgin.Middleware(serviceName))
	router.Use(observability.HTTPMetricsMiddleware())

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	api := router.Group("/", middleware.Identity())
	api.POST("/groups", groupHandler.CreateGroup)
	api.GET("/groups", groupHandler.ListGroups)
	api.GET("/groups/search", groupHandler.SearchGroups)
	api.GET("/groups/recent", groupHandler.RecentGroups)
	api.GET("/groups/:group_id", groupHandler.GetGroup)
	api.POST("/groups/:group_id/join", groupHandler.JoinGroup)
	api.DELETE("/groups/:group_id", groupHandler.DeleteGroup)

	api.GET("/groups/:group_id/messages", messageHandler.ListMessages)
	api.POST("/groups/:group_id/messages", promptLimiter.Middleware(), messageHandler.PostMessage)
	api.DELETE("/groups/:group_id/messages/:message_id", messageHandler.DeleteMessage)
	api.POST("/groups/:group_id/stop", messageHandler.StopGeneration)

	api.GET("/groups/:group_id/canvas", canvasHandler.GetCanvas)
	api.PUT("/groups/:group_id/canvas", canvasHandler.UpdateCanvas)
	api.POST("/groups/:group_id/canvas/terminal", canvasHandler.AppendTerminal)

	api.GET("/keys", keyHandler.Status)
	api.POST("/keys/select", keyHandler.Select)

	api.GET("/ws/groups/:group_id", groupWS.Handle)

	handlers.RegisterDebugRoutes(api, audit, cfg.DebugRoutes)

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: router}
	go func() {
		log.Printf("listening on :%s store=%s", cfg.Port, cfg.Store)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	// Releases every processing lock this replica holds.
	supervisor.Close()
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Printf("tracing shutdown: %v", err)
	}
}

func openStore(cfg config.Config) (store.Store, func()) {
	if cfg.Store != config.StorePostgres {
		log.Printf("using in-memory store; state is lost on restart and not shared between replicas")
		return memstore.New(), func() {}
	}

	database, err := db.Connect(cfg.DBDSN)
	if err != nil {
		log.Fatalf("failed to connect to db: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("failed to connect to redis: %v", err)
	}

	st := pgstore.New(
		repositories.NewGroupRepo(database),
		repositories.NewMessageRepo(database),
		repositories.NewCanvasRepo(database),
		repositories.NewUsageRepo(database),
		pgstore.NewRedisNotifier(rdb),
	)
	return st, func() {
		_ = rdb.Close()
		_ = database.Close()
	}
}
