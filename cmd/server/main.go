package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"member-migration-service/internal/api"
	"member-migration-service/internal/checkpoint"
	"member-migration-service/internal/config"
	"member-migration-service/internal/database"
	"member-migration-service/internal/logger"
	"member-migration-service/internal/migrate"
)

func main() {
	// Load Config
	cfg, err := config.LoadConfig("config.yaml")
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Init Logger
	if err := logger.InitLogger(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Log.Info("Starting Member Migration Service")

	// Init Checkpoint Store
	checkpointStore, err := newCheckpointStore(cfg)
	if err != nil {
		logger.Log.Fatal("Failed to init checkpoint store", zap.Error(err))
	}
	defer checkpointStore.Close()

	// Connect legacy and target databases
	legacyDB, err := database.NewDatabase(cfg.Databases.Legacy)
	if err != nil {
		logger.Log.Fatal("Failed to connect to legacy db", zap.Error(err))
	}
	defer legacyDB.Close()

	targetDB, err := database.NewDatabase(cfg.Databases.Target)
	if err != nil {
		logger.Log.Fatal("Failed to connect to target db", zap.Error(err))
	}
	defer targetDB.Close()

	// Init Controller and register domains
	opts := migrate.Options{
		ChunkSize:  cfg.Migration.ChunkSize,
		SkipLimit:  cfg.Migration.SkipLimit,
		RetryLimit: cfg.Migration.RetryLimit,
	}
	controller := migrate.NewController(checkpointStore, opts)
	for _, domain := range cfg.Migration.Domains {
		controller.Register(domain,
			migrate.NewMySQLLegacySource(legacyDB),
			migrate.NewMySQLTargetStore(targetDB),
		)
	}

	// Init Scheduler
	scheduler := migrate.NewScheduler(cfg.Scheduler, cfg.Migration.Domains, controller)
	scheduler.Start()

	// Init API
	handler := api.NewHandler(controller, cfg.Server.AuthToken)
	router := handler.Routes()

	// Start Server
	serverAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  cfg.Server.GetReadTimeout(),
		WriteTimeout: cfg.Server.GetWriteTimeout(),
	}

	go func() {
		logger.Log.Info("Server listening", zap.String("addr", serverAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.Fatal("Server failed", zap.Error(err))
		}
	}()

	// Graceful Shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down server...")
	scheduler.Stop()
}

func newCheckpointStore(cfg *config.Config) (checkpoint.Store, error) {
	staleAfter := cfg.Migration.GetStaleRunningTimeout()

	switch cfg.StateStorage.Type {
	case "memory":
		return checkpoint.NewMemoryStore(staleAfter), nil
	case "mysql", "":
		return checkpoint.NewMySQLStore(cfg.StateStorage, staleAfter)
	default:
		return nil, fmt.Errorf("unsupported state storage type: %s", cfg.StateStorage.Type)
	}
}
