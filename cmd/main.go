/**
 * @description
 * This is the main entry point for the escrow-service. It loads configuration, opens the
 * configured store, wires the commission matcher, ledger and order services with their
 * locks, rate limiter and event sink, starts the top-up consumer and the cron scheduler,
 * and serves the HTTP API until a termination signal arrives.
 *
 * @dependencies
 * - log/slog, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: Distributed locks and grab throttling.
 * - github.com/prometheus/client_golang: Metrics registry.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/rabbitmq: Client for RabbitMQ.
 */

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/transfa/escrow-service/internal/api"
	"github.com/transfa/escrow-service/internal/app"
	"github.com/transfa/escrow-service/internal/config"
	"github.com/transfa/escrow-service/internal/store"
	rmrabbit "github.com/transfa/escrow-service/pkg/rabbitmq"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	// Load .env file for local development.
	if err := godotenv.Load(); err != nil {
		log.Println("level=info component=bootstrap msg=\"no .env file found; using environment variables\"")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if cfg.InternalAPIKey == "" {
		log.Println("level=warn component=bootstrap msg=\"internal api key not configured; internal routes will reject requests\" env=INTERNAL_API_KEY")
	}
	if strings.TrimSpace(cfg.JWTSigningSecret) == "" {
		log.Println("level=warn component=bootstrap msg=\"jwt signing secret not configured; authenticated routes will reject requests\" env=JWT_SIGNING_SECRET")
	}
	log.Printf("level=info component=bootstrap msg=\"starting escrow-service\" port=%s store=%s", cfg.ServerPort, cfg.StoreDriver)

	ctx := context.Background()

	// Open the store.
	var repository store.Store
	switch cfg.StoreDriver {
	case config.StoreDriverMemory:
		log.Println("level=warn component=bootstrap msg=\"using in-memory store; data is lost on restart\"")
		repository = store.NewMemoryRepository()
	default:
		if cfg.MigrationsEnabled {
			if err := store.RunMigrations(cfg.DatabaseURL); err != nil {
				log.Fatalf("level=fatal component=bootstrap msg=\"database migration failed\" err=%v", err)
			}
			log.Println("level=info component=bootstrap msg=\"database migrations applied\"")
		}

		poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
		}
		poolConfig.MaxConns = 50
		poolConfig.MinConns = 5
		poolConfig.MaxConnLifetime = 30 * time.Minute
		poolConfig.MaxConnIdleTime = 5 * time.Minute

		// Disable prepared statement caching to prevent conflicts
		poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

		dbpool, err := pgxpool.NewWithConfig(ctx, poolConfig)
		if err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
		}
		defer dbpool.Close()
		log.Println("level=info component=bootstrap msg=\"database connected\"")
		repository = store.NewPostgresRepository(dbpool)
	}

	// Commission rules come from a file when one is configured, otherwise from the store.
	var rules app.RuleSource = repository
	if cfg.CommissionRulesFile != "" {
		fileRules, err := store.LoadRuleFile(cfg.CommissionRulesFile)
		if err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"commission rules file load failed\" path=%s err=%v", cfg.CommissionRulesFile, err)
		}
		rules = fileRules
		log.Printf("level=info component=bootstrap msg=\"commission rules loaded from file\" path=%s", cfg.CommissionRulesFile)
	}

	// Locks and grab throttling use Redis when reachable and fall back to in-process state.
	var locker app.Locker = app.NewMemoryLocker(cfg.LockWaitTimeout())
	var limiter app.GrabLimiter = app.NewLocalRateLimiter(cfg.GrabRateLimitPerMinute)
	if cfg.RedisURL == "" {
		log.Println("level=warn component=bootstrap msg=\"redis url missing; using in-process locks\" env=REDIS_URL")
	} else {
		redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
		if parseErr != nil {
			log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; using in-process locks\" err=%v", parseErr)
		} else {
			redisClient := redis.NewClient(redisOptions)
			pingCtx, cancelPing := context.WithTimeout(ctx, 5*time.Second)
			pingErr := redisClient.Ping(pingCtx).Err()
			cancelPing()
			if pingErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis ping failed; using in-process locks\" err=%v", pingErr)
				redisClient.Close()
			} else {
				defer redisClient.Close()
				log.Println("level=info component=bootstrap msg=\"redis connected\"")
				locker = app.NewRedisLocker(redisClient, cfg.RedisKeyPrefix, cfg.LockWaitTimeout(), cfg.LockTTL())
				limiter = app.NewRedisRateLimiter(redisClient, cfg.RedisKeyPrefix, "grab", cfg.GrabRateLimitPerMinute, time.Minute)
			}
		}
	}

	// Audit lines and notifications always go to the log, and to RabbitMQ when connected.
	sink := app.FanoutSink{app.NewLogSink(logger)}
	var rabbitProducer rmrabbit.Publisher = &rmrabbit.EventProducerFallback{}
	if cfg.RabbitMQURL == "" {
		log.Println("level=warn component=bootstrap msg=\"rabbitmq url missing; events are logged only\" env=RABBITMQ_URL")
	} else if producer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL); err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
	} else {
		rabbitProducer = producer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}
	defer rabbitProducer.Close()
	sink = append(sink, app.NewPublisherSink(rabbitProducer, cfg.EventsExchange))

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := app.NewMetrics(registry)

	opts := app.Options{
		Locker:      locker,
		Sink:        sink,
		Directory:   app.NewStoreDirectory(repository),
		GrabLimiter: limiter,
		Metrics:     metrics,
		Logger:      logger,
	}
	ledger := app.NewLedger(repository, opts)
	matcher := app.NewCommissionMatcher(rules, cfg.CommissionRate)
	orders := app.NewOrderService(repository, ledger, matcher, opts)

	// Top-up events from the payments side.
	if cfg.RabbitMQURL != "" {
		rabbitConsumer, err := rmrabbit.NewConsumer(cfg.RabbitMQURL)
		if err != nil {
			log.Printf("level=warn component=bootstrap msg=\"rabbitmq consumer unavailable; top-ups via http only\" err=%v", err)
		} else {
			defer rabbitConsumer.Close()
			topUps := app.NewTopUpConsumer(ledger, logger)
			bindings := map[string]rmrabbit.Handler{
				app.RoutingKeyTopUpCompleted: topUps.HandleMessage,
			}
			if err := rabbitConsumer.ConsumeWithBindings(cfg.EventsExchange, cfg.TopUpEventQueue, bindings); err != nil {
				log.Fatalf("level=fatal component=bootstrap msg=\"top-up consumer start failed\" err=%v", err)
			}
		}
	}

	jobs := app.NewJobs(orders, ledger, logger, app.JobsConfig{
		AutoSettleAfter:     cfg.AutoSettleAfter(),
		SettlementBatchSize: cfg.SettlementBatchSize,
	})
	scheduler := app.NewScheduler(jobs, logger, app.Schedules{
		Settlement: cfg.SettlementJobSchedule,
		Reconcile:  cfg.ReconcileJobSchedule,
	})
	scheduler.Start()
	logger.Info("scheduler started")

	handler := api.NewHandler(orders, ledger, api.SettlementPolicy{
		AutoSettleAfter: cfg.AutoSettleAfter(),
		BatchSize:       cfg.SettlementBatchSize,
	}, logger)
	router := api.NewRouter(handler, api.RouterConfig{
		JWTSigningSecret: cfg.JWTSigningSecret,
		InternalAPIKey:   cfg.InternalAPIKey,
		Gatherer:         registry,
	})

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	server := &http.Server{
		Addr:    serverAddr,
		Handler: router,
	}

	go func() {
		log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=http msg=\"shutdown started\"")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}

	stopCtx := scheduler.Stop()
	<-stopCtx.Done()
	logger.Info("scheduler stopped gracefully")

	log.Println("level=info component=http msg=\"shutdown complete\"")
}
