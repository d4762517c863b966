package sqlitestore

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// pool is a fixed-size set of connections with the relay's pragmas applied.
// Connections are not safe for concurrent use; every caller takes its own.
type pool struct {
	inner  *sqlitex.Pool
	logger *slog.Logger
	path   string
}

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA foreign_keys=OFF",
	"PRAGMA temp_store=MEMORY",
}

func openPool(path string, size int, logger *slog.Logger, onConnect func(*sqlite.Conn) error) (*pool, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite: path is required")
	}
	if size <= 0 {
		size = runtime.NumCPU()
		if size < 4 {
			size = 4
		}
	}

	inner, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize: size,
		PrepareConn: func(conn *sqlite.Conn) error {
			for _, pragma := range pragmas {
				if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
					return fmt.Errorf("sqlite: %s: %w", pragma, err)
				}
			}
			if onConnect != nil {
				return onConnect(conn)
			}
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite: opening %s: %w", path, err)
	}
	logger.Info("sqlite pool opened", slog.String("path", path), slog.Int("pool_size", size))
	return &pool{inner: inner, logger: logger, path: path}, nil
}

func (p *pool) take(ctx context.Context) (*sqlite.Conn, error) {
	conn, err := p.inner.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("sqlite: take: %w", err)
	}
	return conn, nil
}

func (p *pool) put(conn *sqlite.Conn) { p.inner.Put(conn) }

func (p *pool) close() error {
	if err := p.inner.Close(); err != nil {
		p.logger.Error("sqlite pool close error", slog.String("path", p.path), slog.Any("error", err))
		return fmt.Errorf("sqlite: closing %s: %w", p.path, err)
	}
	p.logger.Info("sqlite pool closed", slog.String("path", p.path))
	return nil
}
