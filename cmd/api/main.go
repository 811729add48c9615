package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"

	"github.com/groupchat/backend/internal/api/handlers"
	"github.com/groupchat/backend/internal/cache/redis"
	"github.com/groupchat/backend/internal/evaluation"
	"github.com/groupchat/backend/internal/events"
	"github.com/groupchat/backend/internal/expertise"
	"github.com/groupchat/backend/internal/kg/neo4j"
	"github.com/groupchat/backend/internal/ledger"
	"github.com/groupchat/backend/internal/llm"
	"github.com/groupchat/backend/internal/matching"
	"github.com/groupchat/backend/internal/metrics"
	"github.com/groupchat/backend/internal/middleware/security"
	"github.com/groupchat/backend/internal/middleware/validation"
	"github.com/groupchat/backend/internal/outreach"
	"github.com/groupchat/backend/internal/query"
	"github.com/groupchat/backend/internal/storage/models"
	"github.com/groupchat/backend/internal/storage/sqlite"
	"github.com/groupchat/backend/internal/synthesis"
	"github.com/groupchat/backend/internal/vector/zilliz"
	"github.com/groupchat/backend/internal/web"
	"github.com/groupchat/backend/pkg/circuitbreaker"
	"github.com/groupchat/backend/pkg/config"
	appLogger "github.com/groupchat/backend/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	err = appLogger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()

	appLogger.Info("Starting GroupChat API Server")
	metrics.Init()

	ctx := context.Background()

	sqliteClient, err := sqlite.NewClient(cfg.SQLite.Path)
	if err != nil {
		appLogger.Fatal("Failed to create SQLite client", zap.Error(err))
	}
	defer sqliteClient.Close()

	err = sqliteClient.InitSchema()
	if err != nil {
		appLogger.Fatal("Failed to initialize schema", zap.Error(err))
	}

	healthChecks := map[string]handlers.Pinger{"sqlite": sqliteClient.Ping}

	llmClient := llm.NewClient(cfg.LLM)
	var embedder llm.Embedder = llmClient

	var (
		publisher events.Publisher
		enqueuer  outreach.Enqueuer
		subscribe handlers.SubscribeFunc
	)
	if cfg.Redis.Enabled {
		redisClient, err := redis.NewClient(cfg.Redis)
		if err != nil {
			appLogger.Fatal("Failed to create Redis client", zap.Error(err))
		}
		defer redisClient.Close()

		embedder = llm.NewCachingEmbedder(llmClient, redisClient, llmClient.Model(), cfg.Redis.EmbeddingTTL)
		publisher = redisClient
		enqueuer = redisClient
		subscribe = redisSubscriber(redisClient)
		healthChecks["redis"] = redisClient.Ping
	}

	var vectors expertise.VectorStore
	if cfg.Milvus.Enabled {
		zillizClient, err := zilliz.NewClient(ctx, cfg.Milvus)
		if err != nil {
			appLogger.Fatal("Failed to create Zilliz client", zap.Error(err))
		}
		defer zillizClient.Close()

		if err := zillizClient.CreateCollection(ctx); err != nil {
			appLogger.Fatal("Failed to create collection", zap.Error(err))
		}
		vectors = zillizClient
	}

	var (
		clusters  matching.ClusterSource = matching.StaticClusters(cfg.Matching.TagGroups)
		referrers ledger.ReferrerLookup  = sqliteClient
		breakers                         = []*circuitbreaker.CircuitBreaker{llmClient.Breaker()}
	)
	if cfg.Neo4j.Enabled {
		neo4jClient, err := neo4j.NewClient(cfg.Neo4j)
		if err != nil {
			appLogger.Fatal("Failed to create Neo4j client", zap.Error(err))
		}
		defer neo4jClient.Close(context.Background())

		if err := neo4jClient.EnsureSchema(ctx); err != nil {
			appLogger.Warn("Failed to ensure graph schema", zap.Error(err))
		}
		clusters = neo4jClient
		referrers = neo4jClient
		breakers = append(breakers, neo4jClient.Breaker())
	}

	index := expertise.NewIndex(sqliteClient, vectors, embedder, cfg.Milvus.Prefilter)

	channelBreakers := circuitbreaker.NewRegistry(circuitbreaker.Config{
		MaxRequests:      2,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Logger:           appLogger.GetLogger(),
	})
	channels := make([]outreach.NotificationChannel, 0, len(cfg.Outreach.Channels))
	for _, name := range cfg.Outreach.Channels {
		ch := models.Channel(name)
		if cfg.Outreach.QueueChannels && enqueuer != nil {
			channels = append(channels, outreach.NewQueueChannel(ch, enqueuer))
			continue
		}
		channels = append(channels, outreach.NewLogChannel(ch, appLogger.Named("outreach."+name)))
	}
	coordinator := outreach.NewCoordinator(outreach.ConfigFrom(cfg.Outreach), sqliteClient, channelBreakers, channels...)
	defer coordinator.Stop()

	split, err := ledger.SplitConfigFrom(cfg.Ledger)
	if err != nil {
		appLogger.Fatal("Invalid ledger split", zap.Error(err))
	}
	ledgerEngine := ledger.NewEngine(sqliteClient, referrers, split)

	deps := query.Deps{
		Store:       sqliteClient,
		Embedder:    embedder,
		Candidates:  index,
		Ranker:      matching.NewEngine(matching.ConfigFrom(cfg.Matching, cfg.Outreach.Channels), clusters),
		Dispatcher:  coordinator,
		Synthesizer: synthesis.NewEngine(llmClient, synthesis.ConfigFrom(cfg.Synthesis)),
		Settler:     ledgerEngine,
		Bus:         events.NewBus(publisher),
	}
	if cfg.Trust.Enabled {
		deps.Evaluator = evaluation.NewEvaluator(sqliteClient, evaluation.ConfigFrom(cfg.Trust))
	}
	queryEngine := query.NewEngine(deps, query.ConfigFrom(cfg))

	queryEngine.Start()
	if err := queryEngine.Recover(ctx); err != nil {
		appLogger.Error("Failed to recover queries", zap.Error(err))
	}

	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:    cfg.Server.BodyLimit,
	})

	app.Use(recover.New())
	app.Use(logger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, X-Contact-ID",
		AllowMethods: "GET, POST, OPTIONS",
	}))
	app.Use(security.HeadersMiddleware(security.HeadersConfig{
		IsDevelopment: cfg.Logging.Format == "console",
	}))

	app.Get("/metrics", metrics.MetricsHandler())

	api := app.Group("/api/v1")
	api.Use(validation.Middleware(validation.Config{Logger: appLogger.Named("validation")}))

	handlers.NewQueryHandler(queryEngine).Register(api)
	handlers.NewWebSocketHandler(queryEngine, subscribe).Register(api)
	handlers.NewContactHandler(index, web.NewFetcher()).Register(api)
	handlers.NewLedgerHandler(ledgerEngine).Register(api)
	handlers.NewHealthHandler(healthChecks, channelBreakers, breakers...).Register(api)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	appLogger.Info("Server starting", zap.String("address", addr))

	go func() {
		if err := app.Listen(addr); err != nil {
			appLogger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	appLogger.Info("Server shutting down gracefully...")
	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		appLogger.Warn("HTTP shutdown incomplete", zap.Error(err))
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := queryEngine.Stop(stopCtx); err != nil {
		appLogger.Warn("Query engine did not drain", zap.Error(err))
	}
	appLogger.Info("Server stopped")
}

// redisSubscriber follows status events over redis pub/sub, so a websocket
// client sees transitions made by any replica.
func redisSubscriber(client *redis.Client) handlers.SubscribeFunc {
	return func(queryID string) (<-chan models.StatusEvent, func()) {
		ctx, cancel := context.WithCancel(context.Background())
		events, closeSub := client.SubscribeStatus(ctx, queryID)
		return events, func() {
			cancel()
			if err := closeSub(); err != nil {
				appLogger.Debug("Failed to close status subscription", zap.Error(err))
			}
		}
	}
}
