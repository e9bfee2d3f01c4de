// Package postgres provides the Postgres-backed record store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/oreusol/pangolin/internal/crawler"
)

const (
	defaultTable = "crime_news"

	uniqueViolation = "23505"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for records.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Begin(context.Context) (pgx.Tx, error)
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// RecordStore writes crime-news records into a single Postgres table.
type RecordStore struct {
	pool   pool
	table  string
	logger *zap.Logger
}

// Open connects to Postgres and ensures the record table exists.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*RecordStore, error) {
	if cfg.DSN == "" {
		return nil, &crawler.ConfigError{Key: "database", Reason: "connection parameters are required"}
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewRecordStoreWithPool(p, cfg.Table, logger)
	if err != nil {
		p.Close()
		return nil, err
	}
	if err := store.EnsureTable(ctx); err != nil {
		p.Close()
		return nil, err
	}
	return store, nil
}

// NewRecordStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewRecordStoreWithPool(p pool, table string, logger *zap.Logger) (*RecordStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, &crawler.ConfigError{Key: "database.table_name", Reason: fmt.Sprintf("invalid table name %q", table)}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RecordStore{pool: p, table: table, logger: logger}, nil
}

// EnsureTable creates the record table when it does not exist yet.
func (s *RecordStore) EnsureTable(ctx context.Context) error {
	s.logger.Info("creating table", zap.String("table", s.table))
	query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id SERIAL PRIMARY KEY,
	source TEXT,
	title TEXT UNIQUE,
	description TEXT UNIQUE,
	url TEXT UNIQUE,
	location TEXT,
	date TEXT
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create table %s: %w", s.table, err)
	}
	return nil
}

// Add inserts rec in its own transaction. Empty text fields are bound as NULL
// so entries missing a title or description do not collide on the UNIQUE
// columns. A uniqueness violation rolls back and returns
// *crawler.DuplicateRecordError; any other failure rolls back and returns
// *crawler.UnexpectedStorageError.
func (s *RecordStore) Add(ctx context.Context, rec crawler.Record) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return &crawler.UnexpectedStorageError{URL: rec.URL, Err: fmt.Errorf("begin: %w", err)}
	}
	query := fmt.Sprintf(
		`INSERT INTO %s (source, title, description, url, location, date) VALUES ($1, $2, $3, $4, $5, $6)`,
		s.table,
	)
	args := []any{
		nullable(rec.Source),
		nullable(rec.Title),
		nullable(rec.Description),
		rec.URL,
		nullable(rec.Location),
		nullable(rec.Date),
	}
	if _, err := tx.Exec(ctx, query, args...); err != nil {
		s.rollback(ctx, tx, rec.URL)
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			s.logger.Debug("duplicate record rejected",
				zap.String("url", rec.URL),
				zap.String("constraint", pgErr.ConstraintName),
			)
			return &crawler.DuplicateRecordError{URL: rec.URL, Constraint: pgErr.ConstraintName}
		}
		s.logger.Error("insert failed", zap.String("url", rec.URL), zap.Error(err))
		return &crawler.UnexpectedStorageError{URL: rec.URL, Err: fmt.Errorf("insert: %w", err)}
	}
	if err := tx.Commit(ctx); err != nil {
		s.rollback(ctx, tx, rec.URL)
		return &crawler.UnexpectedStorageError{URL: rec.URL, Err: fmt.Errorf("commit: %w", err)}
	}
	return nil
}

// nullable maps a missing (empty) field to SQL NULL.
func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func (s *RecordStore) rollback(ctx context.Context, tx pgx.Tx, url string) {
	if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		s.logger.Warn("rollback failed", zap.String("url", url), zap.Error(err))
	}
}

// Close releases the underlying pool resources.
func (s *RecordStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}
