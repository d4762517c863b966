// Package sqlitestore implements store.Store on SQLite through
// zombiezen.com/go/sqlite. Each call takes a pooled connection; Atomically
// runs its callback inside one IMMEDIATE transaction so concurrent claims of
// the same logon code serialize on the write lock.
package sqlitestore

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/a-essam23/acars-relay/pkg/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id         TEXT PRIMARY KEY,
	username   TEXT NOT NULL UNIQUE,
	token      TEXT NOT NULL UNIQUE,
	connected  INTEGER NOT NULL DEFAULT 0,
	station_id INTEGER
);
CREATE TABLE IF NOT EXISTS credentials (
	user_id  TEXT NOT NULL,
	provider TEXT NOT NULL,
	secret   TEXT NOT NULL,
	PRIMARY KEY (user_id, provider)
);
CREATE TABLE IF NOT EXISTS stations (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	logon_code       TEXT NOT NULL UNIQUE,
	owner_id         TEXT,
	transmit_counter INTEGER NOT NULL DEFAULT 0,
	created_at       INTEGER NOT NULL,
	last_activity    INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS stations_owner ON stations(owner_id) WHERE owner_id IS NOT NULL;
CREATE TABLE IF NOT EXISTS messages (
	id                   INTEGER PRIMARY KEY AUTOINCREMENT,
	kind                 TEXT NOT NULL,
	sender_station_id    INTEGER,
	sender_code          TEXT NOT NULL DEFAULT '',
	recipient_station_id INTEGER,
	recipient_code       TEXT NOT NULL DEFAULT '',
	content              TEXT NOT NULL,
	response_code        TEXT NOT NULL DEFAULT '',
	reply_to_id          INTEGER,
	external_id          INTEGER,
	created_at           INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS messages_created_at ON messages(created_at);
`

type Config struct {
	// Path of the database file. The parent directory must exist.
	Path     string
	PoolSize int
	Logger   *slog.Logger
	// Now overrides time.Now; tests use it to age rows.
	Now func() time.Time
}

type Store struct {
	pool   *pool
	logger *slog.Logger
	now    func() time.Time
}

var _ store.Store = (*Store)(nil)

func Open(cfg Config) (*Store, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	p, err := openPool(cfg.Path, cfg.PoolSize, logger, func(conn *sqlite.Conn) error {
		return sqlitex.ExecuteScript(conn, schema, nil)
	})
	if err != nil {
		return nil, err
	}
	return &Store{
		pool:   p,
		logger: logger.With(slog.String("component", "sqlite_store")),
		now:    now,
	}, nil
}

func (s *Store) Close() error { return s.pool.close() }

func withConn[T any](ctx context.Context, s *Store, fn func(q *queries) (T, error)) (T, error) {
	var zero T
	conn, err := s.pool.take(ctx)
	if err != nil {
		return zero, err
	}
	defer s.pool.put(conn)
	return fn(&queries{conn: conn, now: s.now})
}

func (s *Store) Atomically(ctx context.Context, fn func(q store.Queries) error) (err error) {
	conn, err := s.pool.take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("sqlite: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	return fn(&queries{conn: conn, now: s.now})
}

// --- Queries on a pooled connection ---

func (s *Store) UserByID(ctx context.Context, id string) (*store.User, error) {
	return withConn(ctx, s, func(q *queries) (*store.User, error) { return q.UserByID(ctx, id) })
}

func (s *Store) UserByToken(ctx context.Context, token string) (*store.User, error) {
	return withConn(ctx, s, func(q *queries) (*store.User, error) { return q.UserByToken(ctx, token) })
}

func (s *Store) MarkConnected(ctx context.Context, userID string) (bool, error) {
	return withConn(ctx, s, func(q *queries) (bool, error) { return q.MarkConnected(ctx, userID) })
}

func (s *Store) MarkDisconnected(ctx context.Context, userID string) error {
	_, err := withConn(ctx, s, func(q *queries) (struct{}, error) { return struct{}{}, q.MarkDisconnected(ctx, userID) })
	return err
}

func (s *Store) SetUserStation(ctx context.Context, userID string, stationID *int64) error {
	_, err := withConn(ctx, s, func(q *queries) (struct{}, error) {
		return struct{}{}, q.SetUserStation(ctx, userID, stationID)
	})
	return err
}

func (s *Store) StationByID(ctx context.Context, id int64) (*store.Station, error) {
	return withConn(ctx, s, func(q *queries) (*store.Station, error) { return q.StationByID(ctx, id) })
}

func (s *Store) StationByCode(ctx context.Context, code string) (*store.Station, error) {
	return withConn(ctx, s, func(q *queries) (*store.Station, error) { return q.StationByCode(ctx, code) })
}

func (s *Store) CreateStation(ctx context.Context, code, ownerID string) (*store.Station, error) {
	return withConn(ctx, s, func(q *queries) (*store.Station, error) { return q.CreateStation(ctx, code, ownerID) })
}

func (s *Store) SetStationOwner(ctx context.Context, stationID int64, ownerID string) error {
	_, err := withConn(ctx, s, func(q *queries) (struct{}, error) {
		return struct{}{}, q.SetStationOwner(ctx, stationID, ownerID)
	})
	return err
}

func (s *Store) DeleteStation(ctx context.Context, stationID int64) error {
	_, err := withConn(ctx, s, func(q *queries) (struct{}, error) { return struct{}{}, q.DeleteStation(ctx, stationID) })
	return err
}

func (s *Store) NextTransmitSeq(ctx context.Context, stationID int64) (int64, error) {
	return withConn(ctx, s, func(q *queries) (int64, error) { return q.NextTransmitSeq(ctx, stationID) })
}

func (s *Store) CreateMessage(ctx context.Context, msg *store.Message) error {
	_, err := withConn(ctx, s, func(q *queries) (struct{}, error) { return struct{}{}, q.CreateMessage(ctx, msg) })
	return err
}

// --- Store-only operations ---

func (s *Store) CreateUser(ctx context.Context, username, token string) (*store.User, error) {
	return withConn(ctx, s, func(q *queries) (*store.User, error) {
		id := uuid.NewString()
		err := sqlitex.Execute(q.conn, `INSERT INTO users (id, username, token) VALUES (?, ?, ?)`, &sqlitex.ExecOptions{
			Args: []any{id, username, token},
		})
		if err != nil {
			return nil, translate(err)
		}
		return q.UserByID(ctx, id)
	})
}

func (s *Store) LinkCredential(ctx context.Context, userID string, cred store.Credential) error {
	_, err := withConn(ctx, s, func(q *queries) (struct{}, error) {
		if _, err := q.UserByID(ctx, userID); err != nil {
			return struct{}{}, err
		}
		return struct{}{}, sqlitex.Execute(q.conn, `
			INSERT INTO credentials (user_id, provider, secret) VALUES (?, ?, ?)
			ON CONFLICT (user_id, provider) DO UPDATE SET secret = excluded.secret`, &sqlitex.ExecOptions{
			Args: []any{userID, cred.Provider, cred.Secret},
		})
	})
	return err
}

func (s *Store) ConnectedLinkedUsers(ctx context.Context, provider string) ([]store.LinkedUser, error) {
	return withConn(ctx, s, func(q *queries) ([]store.LinkedUser, error) {
		var out []store.LinkedUser
		err := sqlitex.Execute(q.conn, `
			SELECT u.id, s.logon_code, c.secret, s.id
			FROM users u
			JOIN stations s ON s.id = u.station_id
			JOIN credentials c ON c.user_id = u.id AND c.provider = ?
			WHERE u.connected = 1 AND c.secret != ''
			ORDER BY u.id`, &sqlitex.ExecOptions{
			Args: []any{provider},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				out = append(out, store.LinkedUser{
					UserID:    stmt.ColumnText(0),
					Callsign:  stmt.ColumnText(1),
					Logon:     stmt.ColumnText(2),
					StationID: stmt.ColumnInt64(3),
				})
				return nil
			},
		})
		return out, err
	})
}

func (s *Store) ResetSessions(ctx context.Context) error {
	return s.Atomically(ctx, func(q store.Queries) error {
		conn := q.(*queries).conn
		if err := sqlitex.ExecuteTransient(conn, `UPDATE users SET connected = 0, station_id = NULL`, nil); err != nil {
			return err
		}
		return sqlitex.ExecuteTransient(conn, `DELETE FROM stations WHERE owner_id IS NOT NULL`, nil)
	})
}

func (s *Store) DeleteMessagesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return withConn(ctx, s, func(q *queries) (int64, error) {
		err := sqlitex.Execute(q.conn, `DELETE FROM messages WHERE created_at < ?`, &sqlitex.ExecOptions{
			Args: []any{cutoff.UnixMilli()},
		})
		if err != nil {
			return 0, err
		}
		return int64(q.conn.Changes()), nil
	})
}

func (s *Store) IdleMailboxes(ctx context.Context, idleSince time.Time) ([]string, error) {
	return withConn(ctx, s, func(q *queries) ([]string, error) {
		var codes []string
		err := sqlitex.Execute(q.conn, `
			SELECT logon_code FROM stations
			WHERE owner_id IS NULL AND last_activity < ?
			ORDER BY logon_code`, &sqlitex.ExecOptions{
			Args: []any{idleSince.UnixMilli()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				codes = append(codes, stmt.ColumnText(0))
				return nil
			},
		})
		return codes, err
	})
}

func (s *Store) Stats(ctx context.Context) (*store.Stats, error) {
	return withConn(ctx, s, func(q *queries) (*store.Stats, error) {
		out := &store.Stats{}
		err := sqlitex.Execute(q.conn, `SELECT `+stationColumns+` FROM stations ORDER BY logon_code`, &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				out.Stations = append(out.Stations, *scanStation(stmt))
				return nil
			},
		})
		if err != nil {
			return nil, err
		}
		err = sqlitex.Execute(q.conn, `SELECT COUNT(*) FROM messages`, &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				out.Messages = stmt.ColumnInt64(0)
				return nil
			},
		})
		return out, err
	})
}

// translate maps SQLite constraint failures onto store sentinels.
func translate(err error) error {
	if err == nil {
		return nil
	}
	switch sqlite.ErrCode(err) {
	case sqlite.ResultConstraintUnique, sqlite.ResultConstraintPrimaryKey:
		return fmt.Errorf("%w: %v", store.ErrConflict, err)
	}
	return err
}
