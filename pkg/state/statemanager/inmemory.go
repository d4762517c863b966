package statemanager

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/a-essam23/acars-relay/pkg/state"
)

type InMemoryManager struct {
	conns map[uuid.UUID]*state.Connection
	mu    sync.RWMutex

	now    func() time.Time
	logger *slog.Logger
}

func NewInMemoryManager(logger *slog.Logger) *InMemoryManager {
	return &InMemoryManager{
		conns:  make(map[uuid.UUID]*state.Connection),
		now:    time.Now,
		logger: logger.With(slog.String("component", "state_manager_inmemory")),
	}
}

// compile-time check to ensure InMemoryManager implements Manager.
var _ state.Manager = (*InMemoryManager)(nil)

func (m *InMemoryManager) Register(t state.Transport, ipAddr string) (state.Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	connID := t.ID()
	if _, exists := m.conns[connID]; exists {
		return state.Connection{}, state.ErrDuplicateConnection
	}
	conn := &state.Connection{
		ID:        connID,
		IPAddress: ipAddr,
		Transport: t,
		CreatedAt: m.now(),
	}
	m.conns[connID] = conn
	m.logger.Debug("connection registered", slog.String("connID", connID.String()))
	return *conn, nil
}

func (m *InMemoryManager) Deregister(connID uuid.UUID) (state.Connection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.conns[connID]
	if !ok {
		// already deregistered
		return state.Connection{}, false
	}
	delete(m.conns, connID)
	m.logger.Debug("connection deregistered",
		slog.String("connID", connID.String()),
		slog.String("userID", conn.UserID),
		slog.String("station", conn.StationCode),
		slog.String("pending", conn.PendingCode),
	)
	return *conn, true
}

func (m *InMemoryManager) Get(connID uuid.UUID) (state.Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conn, ok := m.conns[connID]
	if !ok {
		return state.Connection{}, false
	}
	return *conn, true
}

func (m *InMemoryManager) GetByStationCode(code string) (state.Connection, bool) {
	if code == "" {
		return state.Connection{}, false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, conn := range m.conns {
		if conn.StationCode == code {
			return *conn, true
		}
	}
	return state.Connection{}, false
}

func (m *InMemoryManager) All() []state.Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]state.Connection, 0, len(m.conns))
	for _, conn := range m.conns {
		out = append(out, *conn)
	}
	return out
}

func (m *InMemoryManager) AuthenticatedCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, conn := range m.conns {
		if conn.Authenticated {
			n++
		}
	}
	return n
}

// --- Authentication ---

func (m *InMemoryManager) Authenticate(connID uuid.UUID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.conns[connID]
	switch {
	case !ok:
		return state.ErrUnknownConnection
	case conn.Authenticated:
		return state.ErrAlreadyAuthenticated
	case conn.Expired:
		return state.ErrExpired
	}
	conn.Authenticated = true
	conn.UserID = userID
	m.logger.Debug("connection authenticated", slog.String("connID", connID.String()), slog.String("userID", userID))
	return nil
}

func (m *InMemoryManager) Expire(connID uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.conns[connID]
	if !ok || conn.Authenticated {
		return false
	}
	conn.Expired = true
	return true
}

// --- Station claims ---

func (m *InMemoryManager) SetPending(connID uuid.UUID, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.conns[connID]
	if !ok {
		return state.ErrUnknownConnection
	}
	if conn.PendingCode != "" {
		return state.ErrClaimInFlight
	}
	conn.PendingCode = code
	return nil
}

func (m *InMemoryManager) ConfirmPending(connID uuid.UUID, code string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.conns[connID]
	if !ok || conn.PendingCode != code {
		return false
	}
	conn.StationCode = code
	conn.PendingCode = ""
	return true
}

func (m *InMemoryManager) TakePending(connID uuid.UUID) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.conns[connID]
	if !ok || conn.PendingCode == "" {
		return "", false
	}
	code := conn.PendingCode
	conn.PendingCode = ""
	return code, true
}

func (m *InMemoryManager) ClearStation(connID uuid.UUID) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.conns[connID]
	if !ok || conn.StationCode == "" {
		return "", false
	}
	code := conn.StationCode
	conn.StationCode = ""
	return code, true
}
