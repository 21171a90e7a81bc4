package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/bryanwahyu/automaton-comply/internal/application"
	appjobs "github.com/bryanwahyu/automaton-comply/internal/application/jobs"
	"github.com/bryanwahyu/automaton-comply/internal/application/kb"
	"github.com/bryanwahyu/automaton-comply/internal/application/orchestrator"
	"github.com/bryanwahyu/automaton-comply/internal/config"
	"github.com/bryanwahyu/automaton-comply/internal/domain/audit"
	domjobs "github.com/bryanwahyu/automaton-comply/internal/domain/jobs"
	"github.com/bryanwahyu/automaton-comply/internal/domain/knowledge"
	"github.com/bryanwahyu/automaton-comply/internal/domain/pipeline"
	openaiClient "github.com/bryanwahyu/automaton-comply/internal/infra/ai/openai"
	"github.com/bryanwahyu/automaton-comply/internal/infra/cache"
	storedb "github.com/bryanwahyu/automaton-comply/internal/infra/db"
	mysqldb "github.com/bryanwahyu/automaton-comply/internal/infra/db/mysql"
	pgdb "github.com/bryanwahyu/automaton-comply/internal/infra/db/postgres"
	"github.com/bryanwahyu/automaton-comply/internal/infra/httpserver"
	"github.com/bryanwahyu/automaton-comply/internal/infra/semantic"
	"github.com/bryanwahyu/automaton-comply/internal/infra/steps"
	minioStore "github.com/bryanwahyu/automaton-comply/internal/infra/storage"
	"github.com/bryanwahyu/automaton-comply/internal/middleware"
)

func main() {
	log, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init error: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	// path config.yaml
	path := "config.yaml"
	if v := os.Getenv("CONFIG_PATH"); v != "" {
		path = v
	}

	cfg, err := config.Load(path)
	if err != nil {
		log.Fatal("config load error", zap.Error(err))
	}

	ctx := context.Background()

	// structured store, job repo and audit log share one connection
	var (
		jobRepo  domjobs.Repository
		store    knowledge.StructuredStore
		auditLog audit.Recorder
		dbHealth middleware.HealthChecker
	)
	switch cfg.Database.Driver {
	case "mysql":
		db, err := mysqldb.Connect(ctx, cfg.MySQLDSN())
		if err != nil {
			log.Fatal("mysql connect error", zap.Error(err))
		}
		defer db.Close()
		if err := mysqldb.EnsureSchema(ctx, db); err != nil {
			log.Fatal("mysql schema error", zap.Error(err))
		}
		jobRepo = mysqldb.NewJobRepository(db)
		store = mysqldb.NewKnowledgeRepository(db)
		auditLog = mysqldb.NewAuditRepository(db)
		dbHealth = &middleware.DatabaseHealthChecker{DB: db}
	default:
		db, err := pgdb.Connect(ctx, cfg.PostgresDSN())
		if err != nil {
			log.Fatal("postgres connect error", zap.Error(err))
		}
		defer db.Close()
		if err := pgdb.EnsureSchema(ctx, db); err != nil {
			log.Fatal("postgres schema error", zap.Error(err))
		}
		jobRepo = pgdb.NewJobRepository(db)
		store = pgdb.NewKnowledgeRepository(db)
		auditLog = pgdb.NewAuditRepository(db)
		dbHealth = &middleware.DatabaseHealthChecker{DB: db}
	}

	if err := storedb.Seed(ctx, store); err != nil {
		log.Fatal("knowledge seed error", zap.Error(err))
	}

	// cache tier degrades to in-process memory when Redis is not configured
	var cacheTier knowledge.Cache
	var cachePing middleware.Pinger
	if cfg.Redis.Addr != "" {
		redisCache := cache.NewRedis(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		defer redisCache.Close()
		cacheTier = redisCache
		cachePing = redisCache
	} else {
		log.Warn("redis not configured, using in-process cache")
		mem := cache.NewMemory()
		cacheTier = mem
		cachePing = mem
	}

	vectors, err := semantic.Open(ctx, cfg.Semantic.Path, cfg.Semantic.Dimensions)
	if err != nil {
		log.Fatal("semantic store error", zap.Error(err))
	}
	defer vectors.Close()

	artifacts, err := minioStore.New(ctx,
		cfg.Minio.Endpoint,
		cfg.Minio.Region,
		cfg.Minio.BucketName,
		cfg.Minio.AccessKey,
		cfg.Minio.SecretKey,
		cfg.Minio.UseSSL,
	)
	if err != nil {
		log.Fatal("minio init error", zap.Error(err))
	}

	ai := openaiClient.NewClient(cfg.OpenAI.APIKey, cfg.OpenAI.Model, cfg.OpenAI.EmbedModel)
	clock := application.SystemClock{}

	coordinator := &kb.Coordinator{
		Cache:    cacheTier,
		Store:    store,
		Vectors:  vectors,
		Embedder: ai,
		Audit:    auditLog,
		Clock:    clock,
		Log:      log,
		TTL:      cfg.CacheTTL(),
		QueryTTL: cfg.QueryTTL(),
	}
	scope := steps.Scope(func(id domjobs.JobID, actor string) pipeline.Knowledge {
		return coordinator.For(id, actor)
	})

	pipelineSteps := []pipeline.Step{
		&steps.Router{KB: scope, Gen: ai, Log: log},
		&steps.Researcher{KB: scope, Sources: cfg.Pipeline.ResearchSources, Log: log},
		&steps.Aggregator{KB: scope, Log: log},
		&steps.Narrative{KB: scope, Gen: ai, Log: log},
		&steps.Validator{KB: scope, Log: log},
		&steps.Filer{Artifacts: artifacts, Clock: clock, Log: log},
	}

	orch := orchestrator.New(jobRepo, pipelineSteps, clock, log, orchestrator.Config{
		Workers:             cfg.Pipeline.Workers,
		MaxValidatorRetries: cfg.Pipeline.MaxValidatorRetries,
		Retry: orchestrator.RetryPolicy{
			MaxAttempts: cfg.Pipeline.StepRetryAttempts,
			BaseDelay:   cfg.StepRetryBackoff(),
			MaxDelay:    10 * time.Second,
		},
	})
	if err := orch.Start(ctx); err != nil {
		log.Fatal("orchestrator start error", zap.Error(err))
	}

	svc := &appjobs.Service{
		Repo:      jobRepo,
		Audit:     auditLog,
		Pipeline:  orch,
		Artifacts: artifacts,
		Clock:     clock,
	}

	health := middleware.HealthHandler(map[string]middleware.HealthChecker{
		"database":  dbHealth,
		"cache":     &middleware.PingHealthChecker{Target: cachePing},
		"semantic":  &middleware.PingHealthChecker{Target: vectors},
		"artifacts": &middleware.PingHealthChecker{Target: artifacts},
	})

	handler := httpserver.NewRouter(svc, coordinator, health, log)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("server listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	// graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	log.Info("shutting down")

	ctx2, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx2); err != nil {
		log.Error("http shutdown error", zap.Error(err))
	}
	orch.Shutdown()
}
