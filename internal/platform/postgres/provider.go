package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	_ "github.com/lib/pq"

	"github.com/payoffsolar/api/internal/platform/config"
)

const (
	driverName         = "postgres"
	defaultPingTimeout = 5 * time.Second
)

// ErrProviderClosed is returned once Close has been called.
var ErrProviderClosed = errors.New("postgres: provider is closed")

// Provider owns the shared connection pool.
type Provider struct {
	db        *sql.DB
	txTimeout time.Duration
	closed    atomic.Bool
}

// Open creates the pool described by cfg and verifies connectivity.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*Provider, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres: dsn is required")
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns >= 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	provider := NewProvider(db, cfg.TxTimeout)
	if err := provider.Ping(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return provider, nil
}

// NewProvider wraps an existing pool. Tests pass a sqlmock connection here.
func NewProvider(db *sql.DB, txTimeout time.Duration) *Provider {
	return &Provider{db: db, txTimeout: txTimeout}
}

// DB exposes the pool for schema management.
func (p *Provider) DB() *sql.DB {
	return p.db
}

// Ping verifies the database is reachable; used by readiness checks.
func (p *Provider) Ping(ctx context.Context) error {
	if p.closed.Load() {
		return ErrProviderClosed
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultPingTimeout)
		defer cancel()
	}
	return WrapError("ping", p.db.PingContext(ctx))
}

// Close releases the pool. The Provider cannot be reused afterwards.
func (p *Provider) Close(context.Context) error {
	if p == nil || !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	return p.db.Close()
}
