package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/sf7293/servicehub-agents/configs"
	db2 "github.com/sf7293/servicehub-agents/db"
	"github.com/sf7293/servicehub-agents/internal/agents"
	"github.com/sf7293/servicehub-agents/internal/domain"
	"github.com/sf7293/servicehub-agents/internal/errval"
	"github.com/sf7293/servicehub-agents/internal/memstorage"
	"github.com/sf7293/servicehub-agents/internal/ocr"
	"github.com/sf7293/servicehub-agents/internal/postgres"
	"github.com/sf7293/servicehub-agents/internal/rabbitmq"
	"github.com/sf7293/servicehub-agents/internal/redis"
	"github.com/sf7293/servicehub-agents/internal/scheduler"

	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

var storageIsReady, rabbitIsReady bool

func main() {
	cfg := configs.InitConfig()

	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})
	slog.SetDefault(slog.New(h))

	// Bootstrap context limits how long infra connections may take.
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ServerTimeOutInSeconds)*time.Second)
	defer cancel()

	var storage domain.Storage
	switch cfg.StorageDriver {
	case "memory":
		storage = memstorage.NewStorage()
		slog.Info("Using in-memory storage driver, nothing is persisted")
	default:
		d, err := iofs.New(db2.Migrations, "migrations")
		if err != nil {
			log.Fatal(err)
			return
		}

		m, err := migrate.NewWithSourceInstance("iofs", d, cfg.Database.ToMigrationUri())
		if err != nil {
			log.Fatal(err)
			return
		}

		if err := m.Up(); err != nil {
			if !errors.Is(err, migrate.ErrNoChange) {
				log.Fatal(err)
			}
		}
		slog.Info("Migrations ran successfully")

		pgStorage, err := postgres.NewStorage(ctx, cfg.Database.ToDbConnectionUri())
		if err != nil {
			log.Fatal(err)
		}
		storage = pgStorage
		slog.Info("Postgres connection has been initialized successfully")
	}
	storageIsReady = true

	var lock domain.DistributedLock
	if cfg.RedisConfig.Enabled && cfg.StorageDriver != "memory" {
		redisClient, err := redis.NewClient(ctx, cfg.RedisConfig.ToRedisConnectionUri())
		if err != nil {
			log.Fatal(err)
		}
		defer func() {
			err = redisClient.Close()
			if err != nil {
				slog.Error("An error occurred while closing Redis connection", "error", err.Error())
			}
		}()
		lock = redisClient
		slog.Info("Redis connection has been initialized successfully")
	}

	var events domain.Queue
	if cfg.RabbitMQ.Enabled && cfg.StorageDriver != "memory" {
		rabbitClient, err := rabbitmq.NewRabbitMQClient(ctx, cfg.RabbitMQ.ToRabbitConnectionUri(), []string{cfg.RabbitMQ.DecisionEventsQueueName})
		if err != nil {
			log.Fatal(err)
		}
		defer func() {
			err = rabbitClient.Close()
			if err != nil {
				slog.Error("An error occurred while closing RabbitMQ connection", "error", err.Error())
			}
		}()
		events = rabbitClient
		rabbitIsReady = true
		slog.Info("RabbitMQ has been initialized successfully")
	}

	deps := agents.Deps{
		Storage: storage,
		// Real deployments plug an external OCR service in here.
		OCR:  ocr.EchoProvider{},
		Lock: lock,
	}
	manager := scheduler.NewManager(deps, events, cfg.RabbitMQ.DecisionEventsQueueName)
	if err := registerDefaultWorkers(manager, cfg.Agents); err != nil {
		log.Fatal(err)
	}

	runCtx, stopDispatch := context.WithCancel(context.Background())
	defer stopDispatch()
	go manager.Run(runCtx, time.Duration(cfg.DispatchIntervalSeconds)*time.Second)
	slog.Info("Dispatch loop is running", "interval_seconds", cfg.DispatchIntervalSeconds)

	router := setupHTTPServer(manager, storage, events)
	srv := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: router,
	}

	// Initializing the server in a goroutine so that
	// it won't block the graceful shutdown handling below
	go func() {
		log.Printf("Starting server on port %s\n", cfg.ServerPort)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("listen: %s\n", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")
	stopDispatch()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Duration(cfg.ServerTimeOutInSeconds)*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server exiting")
}

func registerDefaultWorkers(manager *scheduler.Manager, agentsCfg configs.AgentsConfig) error {
	workerConfigs := []domain.WorkerConfig{
		{
			ID:                    "kyc-agent-1",
			Name:                  "KYC Verification Agent",
			Capability:            domain.CapabilityKYC,
			IsActive:              true,
			AutoApprovalEnabled:   agentsCfg.AutoApprovalEnabled,
			AutoApprovalThreshold: agentsCfg.AutoApprovalThreshold,
		},
		{ID: "fraud-agent-1", Name: "Fraud Detection Agent", Capability: domain.CapabilityFraudDetection, IsActive: true},
		{ID: "quality-agent-1", Name: "Service Quality Agent", Capability: domain.CapabilityServiceQuality, IsActive: true},
		{ID: "support-agent-1", Name: "User Support Agent", Capability: domain.CapabilityUserSupport, IsActive: true},
		{ID: "qa-agent-1", Name: "Quality Assurance Agent", Capability: domain.CapabilityQualityAssurance, IsActive: true},
	}
	for _, cfg := range workerConfigs {
		if err := manager.RegisterWorker(cfg); err != nil {
			return err
		}
	}
	return nil
}

func setupHTTPServer(manager *scheduler.Manager, storage domain.Storage, events domain.Queue) *gin.Engine {
	r := gin.Default()
	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		err := v.RegisterValidation("validate_priority", validatePriority)
		if err != nil {
			log.Fatal("failed to bind validation rule of validate_priority")
		}
	}

	agentsGroup := r.Group("/agents")
	agentsGroup.GET("", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"agents": manager.StatusAll()})
	})

	agentsGroup.GET("/:id", func(c *gin.Context) {
		status, err := manager.Status(c.Param("id"))
		if err != nil {
			respondManagerError(c, err)
			return
		}
		c.JSON(http.StatusOK, status)
	})

	agentsGroup.GET("/:id/metrics", func(c *gin.Context) {
		period, ok := parsePeriod(c.DefaultQuery("period", "24h"))
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "period must be one of 24h, 7d, 30d"})
			return
		}

		metrics, err := manager.Metrics(c.Param("id"), period)
		if err != nil {
			respondManagerError(c, err)
			return
		}
		c.JSON(http.StatusOK, metrics)
	})

	agentsGroup.PUT("/:id/config", func(c *gin.Context) {
		req := domain.RouterRequestUpdateWorkerConfig{}
		err := c.ShouldBindBodyWith(&req, binding.JSON)
		if err != nil {
			slog.Error("error occurred while binding request", "error", err)
			c.JSON(http.StatusBadRequest, gin.H{})
			return
		}

		cfg, err := manager.UpdateWorkerConfig(c.Param("id"), domain.WorkerConfigPatch{
			Name:                  req.Name,
			AutoApprovalEnabled:   req.AutoApprovalEnabled,
			AutoApprovalThreshold: req.AutoApprovalThreshold,
		})
		if err != nil {
			respondManagerError(c, err)
			return
		}
		c.JSON(http.StatusOK, cfg)
	})

	agentsGroup.PUT("/:id/status", func(c *gin.Context) {
		req := domain.RouterRequestUpdateWorkerStatus{}
		err := c.ShouldBindBodyWith(&req, binding.JSON)
		if err != nil {
			slog.Error("error occurred while binding request", "error", err)
			c.JSON(http.StatusBadRequest, gin.H{})
			return
		}

		if err := manager.SetActive(c.Param("id"), *req.IsActive); err != nil {
			respondManagerError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"is_active": *req.IsActive})
	})

	agentsGroup.GET("/queue/info", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"queues": manager.QueueInfo()})
	})

	agentsGroup.GET("/tasks/:id", func(c *gin.Context) {
		task, err := manager.TaskByID(c.Param("id"))
		if err != nil {
			respondManagerError(c, err)
			return
		}
		c.JSON(http.StatusOK, task)
	})

	agentsGroup.POST("/process/kyc", processProviderHandler(manager.EnqueueKYCCheck))
	agentsGroup.POST("/process/fraud", processProviderHandler(manager.EnqueueFraudCheck))
	agentsGroup.POST("/process/service", processProviderHandler(manager.EnqueueQualityCheck))

	agentsGroup.POST("/process/all-pending-kyc", func(c *gin.Context) {
		taskIDs, err := manager.EnqueueAllPendingKYC(c)
		if err != nil {
			respondManagerError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"enqueued_count": len(taskIDs), "task_ids": taskIDs})
	})

	agentsGroup.POST("/emergency-stop", func(c *gin.Context) {
		manager.EmergencyStopAll()
		c.JSON(http.StatusOK, gin.H{"status": "stopped"})
	})

	agentsGroup.POST("/restart", func(c *gin.Context) {
		manager.RestartAll()
		c.JSON(http.StatusOK, gin.H{"status": "running"})
	})

	r.GET("/readiness", func(c *gin.Context) {
		// Rabbit only gates readiness when the publisher is wired at all.
		if storageIsReady && (events == nil || rabbitIsReady) {
			c.JSON(http.StatusOK, gin.H{"status": "ready"})
		} else {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready"})
		}
	})
	r.GET("/liveness", func(c *gin.Context) {
		// Checking health of depending upon infra connections
		err := storage.Ping(c)
		if err != nil {
			slog.Error("Storage seems not to be pingable in liveness API", "error", err.Error())
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not healthy"})
			return
		}

		if events != nil && !events.IsHealthy() {
			slog.Error("Rabbit is not healthy")
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not healthy"})
			return
		}

		c.JSON(http.StatusOK, gin.H{"status": "up"})
	})

	return r
}

type enqueueFunc func(providerID int32, priority domain.TaskPriority) (*domain.Task, error)

func processProviderHandler(enqueue enqueueFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		req := domain.RouterRequestProcessProvider{}
		// Request binding and validation
		err := c.ShouldBindBodyWith(&req, binding.JSON)
		if err != nil {
			slog.Error("error occurred while binding request", "error", err)
			c.JSON(http.StatusBadRequest, gin.H{})
			return
		}

		priority := domain.PriorityMedium
		if req.Priority != nil {
			priority = domain.TaskPriority(*req.Priority)
		}

		task, err := enqueue(req.ProviderID, priority)
		if err != nil {
			respondManagerError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{"task_id": task.ID, "assigned_worker_id": task.AssignedWorkerID})
	}
}

func respondManagerError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, errval.ErrWorkerNotFound), errors.Is(err, errval.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, errval.ErrUnknownCapability):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, errval.ErrNoActiveWorker):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{})
	}
}

func parsePeriod(period string) (time.Duration, bool) {
	switch period {
	case "24h":
		return 24 * time.Hour, true
	case "7d":
		return 7 * 24 * time.Hour, true
	case "30d":
		return 30 * 24 * time.Hour, true
	default:
		return 0, false
	}
}

var validatePriority validator.Func = func(fl validator.FieldLevel) bool {
	return domain.TaskPriority(fl.Field().String()).IsValid()
}
