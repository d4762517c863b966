// Package memory is a map-backed store.Store for tests and local runs.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/a-essam23/acars-relay/pkg/store"
)

type tables struct {
	users    map[string]*store.User
	stations map[int64]*store.Station
	messages []*store.Message

	nextStationID int64
	nextMessageID int64
	now           func() time.Time
}

// Store guards all tables with one mutex; Atomically holds it for the whole
// callback and restores a snapshot if the callback fails.
type Store struct {
	mu sync.Mutex
	t  *tables
}

type Option func(*tables)

// WithClock overrides time.Now for activity and retention timestamps.
func WithClock(now func() time.Time) Option {
	return func(t *tables) { t.now = now }
}

func New(opts ...Option) *Store {
	t := &tables{
		users:    make(map[string]*store.User),
		stations: make(map[int64]*store.Station),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return &Store{t: t}
}

var _ store.Store = (*Store)(nil)

func (s *Store) locked(fn func(t *tables) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.t)
}

func (s *Store) Atomically(ctx context.Context, fn func(q store.Queries) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	snapshot := s.t.clone()
	if err := fn(s.t); err != nil {
		s.t = snapshot
		return err
	}
	return nil
}

func (s *Store) Close() error { return nil }

// --- Queries (locking wrappers) ---

func (s *Store) UserByID(ctx context.Context, id string) (u *store.User, err error) {
	err = s.locked(func(t *tables) error { u, err = t.UserByID(ctx, id); return err })
	return u, err
}

func (s *Store) UserByToken(ctx context.Context, token string) (u *store.User, err error) {
	err = s.locked(func(t *tables) error { u, err = t.UserByToken(ctx, token); return err })
	return u, err
}

func (s *Store) MarkConnected(ctx context.Context, userID string) (ok bool, err error) {
	err = s.locked(func(t *tables) error { ok, err = t.MarkConnected(ctx, userID); return err })
	return ok, err
}

func (s *Store) MarkDisconnected(ctx context.Context, userID string) error {
	return s.locked(func(t *tables) error { return t.MarkDisconnected(ctx, userID) })
}

func (s *Store) SetUserStation(ctx context.Context, userID string, stationID *int64) error {
	return s.locked(func(t *tables) error { return t.SetUserStation(ctx, userID, stationID) })
}

func (s *Store) StationByID(ctx context.Context, id int64) (st *store.Station, err error) {
	err = s.locked(func(t *tables) error { st, err = t.StationByID(ctx, id); return err })
	return st, err
}

func (s *Store) StationByCode(ctx context.Context, code string) (st *store.Station, err error) {
	err = s.locked(func(t *tables) error { st, err = t.StationByCode(ctx, code); return err })
	return st, err
}

func (s *Store) CreateStation(ctx context.Context, code, ownerID string) (st *store.Station, err error) {
	err = s.locked(func(t *tables) error { st, err = t.CreateStation(ctx, code, ownerID); return err })
	return st, err
}

func (s *Store) SetStationOwner(ctx context.Context, stationID int64, ownerID string) error {
	return s.locked(func(t *tables) error { return t.SetStationOwner(ctx, stationID, ownerID) })
}

func (s *Store) DeleteStation(ctx context.Context, stationID int64) error {
	return s.locked(func(t *tables) error { return t.DeleteStation(ctx, stationID) })
}

func (s *Store) NextTransmitSeq(ctx context.Context, stationID int64) (n int64, err error) {
	err = s.locked(func(t *tables) error { n, err = t.NextTransmitSeq(ctx, stationID); return err })
	return n, err
}

func (s *Store) CreateMessage(ctx context.Context, msg *store.Message) error {
	return s.locked(func(t *tables) error { return t.CreateMessage(ctx, msg) })
}

// --- Store-only operations ---

func (s *Store) CreateUser(_ context.Context, username, token string) (*store.User, error) {
	var out *store.User
	err := s.locked(func(t *tables) error {
		for _, u := range t.users {
			if u.Token == token || u.Username == username {
				return store.ErrConflict
			}
		}
		u := &store.User{ID: uuid.NewString(), Username: username, Token: token}
		t.users[u.ID] = u
		out = copyUser(u)
		return nil
	})
	return out, err
}

func (s *Store) LinkCredential(_ context.Context, userID string, cred store.Credential) error {
	return s.locked(func(t *tables) error {
		u, ok := t.users[userID]
		if !ok {
			return store.ErrNotFound
		}
		for i := range u.Credentials {
			if u.Credentials[i].Provider == cred.Provider {
				u.Credentials[i].Secret = cred.Secret
				return nil
			}
		}
		u.Credentials = append(u.Credentials, cred)
		return nil
	})
}

func (s *Store) ConnectedLinkedUsers(_ context.Context, provider string) ([]store.LinkedUser, error) {
	var out []store.LinkedUser
	err := s.locked(func(t *tables) error {
		for _, u := range t.users {
			if !u.Connected || u.StationID == nil {
				continue
			}
			logon, ok := u.Credential(provider)
			if !ok {
				continue
			}
			st, ok := t.stations[*u.StationID]
			if !ok {
				continue
			}
			out = append(out, store.LinkedUser{UserID: u.ID, Callsign: st.LogonCode, Logon: logon, StationID: st.ID})
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, err
}

func (s *Store) ResetSessions(_ context.Context) error {
	return s.locked(func(t *tables) error {
		for _, u := range t.users {
			u.Connected = false
			u.StationID = nil
		}
		for id, st := range t.stations {
			if st.Owned() {
				delete(t.stations, id)
			}
		}
		return nil
	})
}

func (s *Store) DeleteMessagesBefore(_ context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := s.locked(func(t *tables) error {
		kept := t.messages[:0]
		for _, m := range t.messages {
			if m.CreatedAt.Before(cutoff) {
				n++
				continue
			}
			kept = append(kept, m)
		}
		t.messages = kept
		return nil
	})
	return n, err
}

func (s *Store) IdleMailboxes(_ context.Context, idleSince time.Time) ([]string, error) {
	var codes []string
	err := s.locked(func(t *tables) error {
		for _, st := range t.stations {
			if !st.Owned() && st.LastActivity.Before(idleSince) {
				codes = append(codes, st.LogonCode)
			}
		}
		return nil
	})
	sort.Strings(codes)
	return codes, err
}

func (s *Store) Stats(_ context.Context) (*store.Stats, error) {
	out := &store.Stats{}
	err := s.locked(func(t *tables) error {
		for _, st := range t.stations {
			out.Stations = append(out.Stations, *st)
		}
		out.Messages = int64(len(t.messages))
		return nil
	})
	sort.Slice(out.Stations, func(i, j int) bool { return out.Stations[i].LogonCode < out.Stations[j].LogonCode })
	return out, err
}

// Messages returns a copy of every stored message, oldest first.
func (s *Store) Messages() []store.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.Message, 0, len(s.t.messages))
	for _, m := range s.t.messages {
		out = append(out, *m)
	}
	return out
}

// --- unlocked table operations ---

func (t *tables) UserByID(_ context.Context, id string) (*store.User, error) {
	u, ok := t.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyUser(u), nil
}

func (t *tables) UserByToken(_ context.Context, token string) (*store.User, error) {
	if token == "" {
		return nil, store.ErrNotFound
	}
	for _, u := range t.users {
		if u.Token == token {
			return copyUser(u), nil
		}
	}
	return nil, store.ErrNotFound
}

func (t *tables) MarkConnected(_ context.Context, userID string) (bool, error) {
	u, ok := t.users[userID]
	if !ok {
		return false, store.ErrNotFound
	}
	if u.Connected {
		return false, nil
	}
	u.Connected = true
	return true, nil
}

func (t *tables) MarkDisconnected(_ context.Context, userID string) error {
	u, ok := t.users[userID]
	if !ok {
		return store.ErrNotFound
	}
	u.Connected = false
	return nil
}

func (t *tables) SetUserStation(_ context.Context, userID string, stationID *int64) error {
	u, ok := t.users[userID]
	if !ok {
		return store.ErrNotFound
	}
	if stationID == nil {
		u.StationID = nil
		return nil
	}
	id := *stationID
	u.StationID = &id
	return nil
}

func (t *tables) StationByID(_ context.Context, id int64) (*store.Station, error) {
	st, ok := t.stations[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *st
	return &cp, nil
}

func (t *tables) StationByCode(_ context.Context, code string) (*store.Station, error) {
	for _, st := range t.stations {
		if st.LogonCode == code {
			cp := *st
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (t *tables) CreateStation(ctx context.Context, code, ownerID string) (*store.Station, error) {
	if _, err := t.StationByCode(ctx, code); err == nil {
		return nil, store.ErrConflict
	}
	t.nextStationID++
	now := t.now()
	st := &store.Station{ID: t.nextStationID, LogonCode: code, OwnerID: ownerID, CreatedAt: now, LastActivity: now}
	t.stations[st.ID] = st
	cp := *st
	return &cp, nil
}

func (t *tables) SetStationOwner(_ context.Context, stationID int64, ownerID string) error {
	st, ok := t.stations[stationID]
	if !ok {
		return store.ErrNotFound
	}
	st.OwnerID = ownerID
	st.LastActivity = t.now()
	return nil
}

func (t *tables) DeleteStation(_ context.Context, stationID int64) error {
	if _, ok := t.stations[stationID]; !ok {
		return store.ErrNotFound
	}
	delete(t.stations, stationID)
	return nil
}

func (t *tables) NextTransmitSeq(_ context.Context, stationID int64) (int64, error) {
	st, ok := t.stations[stationID]
	if !ok {
		return 0, store.ErrNotFound
	}
	st.TransmitCounter++
	return st.TransmitCounter, nil
}

func (t *tables) CreateMessage(_ context.Context, msg *store.Message) error {
	t.nextMessageID++
	msg.ID = t.nextMessageID
	msg.CreatedAt = t.now()
	cp := *msg
	t.messages = append(t.messages, &cp)
	if msg.RecipientStationID != nil {
		if st, ok := t.stations[*msg.RecipientStationID]; ok {
			st.LastActivity = msg.CreatedAt
		}
	}
	return nil
}

func (t *tables) clone() *tables {
	c := &tables{
		users:         make(map[string]*store.User, len(t.users)),
		stations:      make(map[int64]*store.Station, len(t.stations)),
		messages:      make([]*store.Message, len(t.messages)),
		nextStationID: t.nextStationID,
		nextMessageID: t.nextMessageID,
		now:           t.now,
	}
	for id, u := range t.users {
		c.users[id] = copyUser(u)
	}
	for id, st := range t.stations {
		cp := *st
		c.stations[id] = &cp
	}
	for i, m := range t.messages {
		cp := *m
		c.messages[i] = &cp
	}
	return c
}

func copyUser(u *store.User) *store.User {
	cp := *u
	if u.StationID != nil {
		id := *u.StationID
		cp.StationID = &id
	}
	cp.Credentials = append([]store.Credential(nil), u.Credentials...)
	return &cp
}
