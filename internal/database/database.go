// Package database provides SQLite connection management for cinesync.
// The pure Go driver (github.com/glebarez/sqlite -> modernc.org/sqlite)
// keeps the binary CGO-free for the device build.
package database

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/cinesync/cinesync/internal/models"
)

// DB wraps a GORM database connection with additional functionality.
type DB struct {
	*gorm.DB
	logger *slog.Logger
}

// Open opens (or creates) the SQLite database at path and runs migrations.
// Pass ":memory:" for an in-memory database in tests.
func Open(path string, log *slog.Logger) (*DB, error) {
	if log == nil {
		log = slog.Default()
	}

	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?"
	} else {
		dsn += "&"
	}
	// PRAGMAs applied via DSN so they are set on every pooled connection.
	// WAL plus NORMAL synchronous keeps per-PATCH offset commits cheap while
	// still surviving power loss (the durability requirement for resume).
	dsn += "_pragma=busy_timeout(30000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=foreign_keys(ON)"

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                 newGormLogger(log),
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("getting underlying sql.DB: %w", err)
	}
	// SQLite in WAL mode: a few connections for concurrent reads, one writer.
	sqlDB.SetMaxOpenConns(4)
	sqlDB.SetMaxIdleConns(2)

	if err := db.AutoMigrate(&models.UploadSession{}); err != nil {
		return nil, fmt.Errorf("migrating upload_sessions: %w", err)
	}

	return &DB{DB: db, logger: log}, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return fmt.Errorf("getting underlying sql.DB: %w", err)
	}
	return sqlDB.Close()
}

// Ping verifies the database connection is alive.
func (db *DB) Ping(ctx context.Context) error {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return fmt.Errorf("getting underlying sql.DB: %w", err)
	}
	return sqlDB.PingContext(ctx)
}

// newGormLogger creates a GORM logger that routes through slog.
func newGormLogger(log *slog.Logger) logger.Interface {
	return &slogGormLogger{logger: log}
}

// slogGormLogger implements GORM's logger.Interface using slog.
type slogGormLogger struct {
	logger *slog.Logger
}

func (l *slogGormLogger) LogMode(logger.LogLevel) logger.Interface { return l }

func (l *slogGormLogger) Info(ctx context.Context, msg string, args ...interface{}) {
	l.logger.InfoContext(ctx, fmt.Sprintf(msg, args...))
}

func (l *slogGormLogger) Warn(ctx context.Context, msg string, args ...interface{}) {
	l.logger.WarnContext(ctx, fmt.Sprintf(msg, args...))
}

func (l *slogGormLogger) Error(ctx context.Context, msg string, args ...interface{}) {
	l.logger.ErrorContext(ctx, fmt.Sprintf(msg, args...))
}

func (l *slogGormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if err == nil || err == gorm.ErrRecordNotFound {
		return
	}
	sql, rows := fc()
	l.logger.ErrorContext(ctx, "database error",
		slog.String("sql", truncateSQL(sql)),
		slog.Int64("rows", rows),
		slog.String("error", err.Error()),
	)
}

// maxSQLLogLength limits SQL string length in logs.
const maxSQLLogLength = 200

func truncateSQL(sql string) string {
	if len(sql) <= maxSQLLogLength {
		return sql
	}
	return sql[:maxSQLLogLength] + "... (truncated)"
}
