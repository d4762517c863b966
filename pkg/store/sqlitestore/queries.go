package sqlitestore

import (
	"context"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/a-essam23/acars-relay/pkg/store"
)

const stationColumns = `id, logon_code, owner_id, transmit_counter, created_at, last_activity`

// queries runs store.Queries on one connection, inside or outside a
// transaction depending on the caller.
type queries struct {
	conn *sqlite.Conn
	now  func() time.Time
}

var _ store.Queries = (*queries)(nil)

func (q *queries) UserByID(_ context.Context, id string) (*store.User, error) {
	return q.user(`SELECT id, username, token, connected, station_id FROM users WHERE id = ?`, id)
}

func (q *queries) UserByToken(_ context.Context, token string) (*store.User, error) {
	if token == "" {
		return nil, store.ErrNotFound
	}
	return q.user(`SELECT id, username, token, connected, station_id FROM users WHERE token = ?`, token)
}

func (q *queries) user(query string, arg any) (*store.User, error) {
	var u *store.User
	err := sqlitex.Execute(q.conn, query, &sqlitex.ExecOptions{
		Args: []any{arg},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			u = &store.User{
				ID:        stmt.ColumnText(0),
				Username:  stmt.ColumnText(1),
				Token:     stmt.ColumnText(2),
				Connected: stmt.ColumnInt64(3) != 0,
				StationID: nullableInt(stmt, 4),
			}
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, store.ErrNotFound
	}

	err = sqlitex.Execute(q.conn, `SELECT provider, secret FROM credentials WHERE user_id = ? ORDER BY provider`, &sqlitex.ExecOptions{
		Args: []any{u.ID},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			u.Credentials = append(u.Credentials, store.Credential{
				Provider: stmt.ColumnText(0),
				Secret:   stmt.ColumnText(1),
			})
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	return u, nil
}

func (q *queries) MarkConnected(ctx context.Context, userID string) (bool, error) {
	err := sqlitex.Execute(q.conn, `UPDATE users SET connected = 1 WHERE id = ? AND connected = 0`, &sqlitex.ExecOptions{
		Args: []any{userID},
	})
	if err != nil {
		return false, err
	}
	if q.conn.Changes() == 1 {
		return true, nil
	}
	if _, err := q.UserByID(ctx, userID); err != nil {
		return false, err
	}
	return false, nil
}

func (q *queries) MarkDisconnected(_ context.Context, userID string) error {
	return q.update(`UPDATE users SET connected = 0 WHERE id = ?`, userID)
}

func (q *queries) SetUserStation(_ context.Context, userID string, stationID *int64) error {
	return q.update(`UPDATE users SET station_id = ? WHERE id = ?`, nullable(stationID), userID)
}

func (q *queries) StationByID(_ context.Context, id int64) (*store.Station, error) {
	return q.station(`SELECT `+stationColumns+` FROM stations WHERE id = ?`, id)
}

func (q *queries) StationByCode(_ context.Context, code string) (*store.Station, error) {
	return q.station(`SELECT `+stationColumns+` FROM stations WHERE logon_code = ?`, code)
}

func (q *queries) station(query string, arg any) (*store.Station, error) {
	var st *store.Station
	err := sqlitex.Execute(q.conn, query, &sqlitex.ExecOptions{
		Args: []any{arg},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			st = scanStation(stmt)
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, store.ErrNotFound
	}
	return st, nil
}

func (q *queries) CreateStation(ctx context.Context, code, ownerID string) (*store.Station, error) {
	now := q.now().UnixMilli()
	err := sqlitex.Execute(q.conn, `
		INSERT INTO stations (logon_code, owner_id, created_at, last_activity)
		VALUES (?, ?, ?, ?)`, &sqlitex.ExecOptions{
		Args: []any{code, nullableString(ownerID), now, now},
	})
	if err != nil {
		return nil, translate(err)
	}
	return q.StationByID(ctx, q.conn.LastInsertRowID())
}

func (q *queries) SetStationOwner(_ context.Context, stationID int64, ownerID string) error {
	err := q.update(`UPDATE stations SET owner_id = ?, last_activity = ? WHERE id = ?`,
		nullableString(ownerID), q.now().UnixMilli(), stationID)
	return translate(err)
}

func (q *queries) DeleteStation(_ context.Context, stationID int64) error {
	return q.update(`DELETE FROM stations WHERE id = ?`, stationID)
}

func (q *queries) NextTransmitSeq(_ context.Context, stationID int64) (int64, error) {
	var (
		seq   int64
		found bool
	)
	err := sqlitex.Execute(q.conn, `
		UPDATE stations SET transmit_counter = transmit_counter + 1
		WHERE id = ? RETURNING transmit_counter`, &sqlitex.ExecOptions{
		Args: []any{stationID},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			seq, found = stmt.ColumnInt64(0), true
			return nil
		},
	})
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, store.ErrNotFound
	}
	return seq, nil
}

func (q *queries) CreateMessage(_ context.Context, msg *store.Message) error {
	created := q.now()
	err := sqlitex.Execute(q.conn, `
		INSERT INTO messages (
			kind, sender_station_id, sender_code, recipient_station_id, recipient_code,
			content, response_code, reply_to_id, external_id, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, &sqlitex.ExecOptions{
		Args: []any{
			string(msg.Kind), nullable(msg.SenderStationID), msg.SenderCode,
			nullable(msg.RecipientStationID), msg.RecipientCode,
			msg.Content, msg.ResponseCode, nullable(msg.ReplyToID), nullable(msg.ExternalID),
			created.UnixMilli(),
		},
	})
	if err != nil {
		return err
	}
	msg.ID = q.conn.LastInsertRowID()
	msg.CreatedAt = time.UnixMilli(created.UnixMilli())

	if msg.RecipientStationID != nil {
		return sqlitex.Execute(q.conn, `UPDATE stations SET last_activity = ? WHERE id = ?`, &sqlitex.ExecOptions{
			Args: []any{created.UnixMilli(), *msg.RecipientStationID},
		})
	}
	return nil
}

// update runs a single-row write and maps "no row touched" to ErrNotFound.
func (q *queries) update(query string, args ...any) error {
	err := sqlitex.Execute(q.conn, query, &sqlitex.ExecOptions{Args: args})
	if err != nil {
		return err
	}
	if q.conn.Changes() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func scanStation(stmt *sqlite.Stmt) *store.Station {
	return &store.Station{
		ID:              stmt.ColumnInt64(0),
		LogonCode:       stmt.ColumnText(1),
		OwnerID:         stmt.ColumnText(2),
		TransmitCounter: stmt.ColumnInt64(3),
		CreatedAt:       time.UnixMilli(stmt.ColumnInt64(4)),
		LastActivity:    time.UnixMilli(stmt.ColumnInt64(5)),
	}
}

func nullableInt(stmt *sqlite.Stmt, col int) *int64 {
	if stmt.ColumnType(col) == sqlite.TypeNull {
		return nil
	}
	v := stmt.ColumnInt64(col)
	return &v
}

func nullable(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
