package state

import (
	"errors"

	"github.com/google/uuid"
)

var (
	ErrUnknownConnection    = errors.New("connection is not registered")
	ErrDuplicateConnection  = errors.New("connection is already registered")
	ErrAlreadyAuthenticated = errors.New("connection is already authenticated")
	ErrExpired              = errors.New("authentication deadline has passed")
	ErrClaimInFlight        = errors.New("connection already has a pending claim")
)

// Transport is the write side of a live connection.
type Transport interface {
	ID() uuid.UUID
	Send(msg []byte) error
	// SendFinal writes msg and then closes the connection.
	SendFinal(msg []byte) error
	Close(err error)
}

// Manager is the process-local connection registry. Every method is
// non-blocking and performs no I/O while holding its lock.
type Manager interface {
	// --- Connection Lifecycle ---
	Register(t Transport, ipAddr string) (Connection, error)
	// Deregister removes the connection and returns its final record so the
	// caller can release the station, compensate a pending claim and clear
	// the user's connected flag.
	Deregister(connID uuid.UUID) (Connection, bool)
	Get(connID uuid.UUID) (Connection, bool)
	GetByStationCode(code string) (Connection, bool)
	All() []Connection
	AuthenticatedCount() int

	// --- Authentication ---
	Authenticate(connID uuid.UUID, userID string) error
	// Expire marks a connection whose deadline fired. It reports true only if
	// the connection is still registered and unauthenticated, in which case
	// later Authenticate calls fail with ErrExpired.
	Expire(connID uuid.UUID) bool

	// --- Station claims ---
	SetPending(connID uuid.UUID, code string) error
	// ConfirmPending moves code from pending to bound if it is still the
	// pending claim of a registered connection.
	ConfirmPending(connID uuid.UUID, code string) bool
	TakePending(connID uuid.UUID) (string, bool)
	ClearStation(connID uuid.UUID) (string, bool)
}
