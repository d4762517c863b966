package state

import (
	"time"

	"github.com/google/uuid"
)

// Connection is a snapshot of one registered connection. Registry methods
// return copies; mutate through the Manager.
type Connection struct {
	ID            uuid.UUID
	IPAddress     string
	Transport     Transport
	Authenticated bool
	Expired       bool
	UserID        string
	// StationCode is the logon code bound to this connection, empty until a
	// claim is confirmed.
	StationCode string
	// PendingCode is the logon code of a claim still in flight.
	PendingCode string
	CreatedAt   time.Time
}
