package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"go.uber.org/zap"

	"member-migration-service/internal/config"
	"member-migration-service/internal/logger"
)

const (
	defaultMaxOpenConns = 20
	defaultMaxIdleConns = 10
	pingRetries         = 30
)

type Database struct {
	DB     *sql.DB
	Config config.DatabaseConnection
}

func NewDatabase(cfg config.DatabaseConnection) (*Database, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&multiStatements=true",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database)

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	// The legacy and target databases may come up after this service does.
	for i := 0; i < pingRetries; i++ {
		err = db.Ping()
		if err == nil {
			break
		}
		logger.Log.Info("Waiting for database...",
			zap.String("host", cfg.Host), zap.Error(err), zap.Int("attempt", i+1))
		time.Sleep(1 * time.Second)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to ping database after retries: %w", err)
	}

	open, idle := poolSizes(cfg)
	db.SetMaxOpenConns(open)
	db.SetMaxIdleConns(idle)
	db.SetConnMaxLifetime(time.Hour)

	logger.Log.Info("Connected to database",
		zap.String("host", cfg.Host),
		zap.String("database", cfg.Database),
		zap.Int("maxOpenConns", open),
	)

	return &Database{
		DB:     db,
		Config: cfg,
	}, nil
}

// poolSizes applies defaults for unset pool limits and keeps the idle pool
// within the open one.
func poolSizes(cfg config.DatabaseConnection) (open, idle int) {
	open = cfg.MaxOpenConns
	if open <= 0 {
		open = defaultMaxOpenConns
	}
	idle = cfg.MaxIdleConns
	if idle <= 0 {
		idle = defaultMaxIdleConns
	}
	if idle > open {
		idle = open
	}
	return open, idle
}

func (d *Database) Close() error {
	return d.DB.Close()
}

// ExecTx executes a function within a transaction
func (d *Database) ExecTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("tx err: %v, rb err: %v", err, rbErr)
		}
		return err
	}

	return tx.Commit()
}
