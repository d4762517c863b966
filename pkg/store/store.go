// Package store defines the persistence contract used by the relay: users and
// their linked credentials, stations and messages. Implementations live in
// the sqlite and memory subpackages.
package store

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrNotFound = errors.New("record not found")
	ErrConflict = errors.New("record already exists")
)

const ProviderHoppie = "hoppie"

type MessageKind string

const (
	KindCPDLC MessageKind = "cpdlc"
	KindTelex MessageKind = "telex"
)

type Credential struct {
	Provider string
	Secret   string
}

type User struct {
	ID          string
	Username    string
	Token       string
	Connected   bool
	StationID   *int64
	Credentials []Credential
}

// Credential returns the secret linked for provider, if any.
func (u *User) Credential(provider string) (string, bool) {
	for _, c := range u.Credentials {
		if c.Provider == provider && c.Secret != "" {
			return c.Secret, true
		}
	}
	return "", false
}

type Station struct {
	ID              int64
	LogonCode       string
	OwnerID         string // empty for mailbox stations
	TransmitCounter int64
	CreatedAt       time.Time
	LastActivity    time.Time
}

func (s *Station) Owned() bool { return s.OwnerID != "" }

type Message struct {
	ID                 int64
	Kind               MessageKind
	SenderStationID    *int64
	SenderCode         string
	RecipientStationID *int64
	RecipientCode      string
	Content            string
	ResponseCode       string
	ReplyToID          *int64
	ExternalID         *int64
	CreatedAt          time.Time
}

// LinkedUser is a connected user holding a station and an external-network
// credential; the bridge polls on its behalf.
type LinkedUser struct {
	UserID    string
	Callsign  string
	Logon     string
	StationID int64
}

type Stats struct {
	Stations []Station
	Messages int64
}

// Queries are the single-record operations. They are available both on the
// Store and inside an Atomically callback.
type Queries interface {
	UserByID(ctx context.Context, id string) (*User, error)
	UserByToken(ctx context.Context, token string) (*User, error)
	// MarkConnected flips connected from false to true and reports whether
	// this call performed the transition.
	MarkConnected(ctx context.Context, userID string) (bool, error)
	MarkDisconnected(ctx context.Context, userID string) error
	SetUserStation(ctx context.Context, userID string, stationID *int64) error

	StationByID(ctx context.Context, id int64) (*Station, error)
	StationByCode(ctx context.Context, code string) (*Station, error)
	// CreateStation fails with ErrConflict if the logon code exists.
	CreateStation(ctx context.Context, code, ownerID string) (*Station, error)
	SetStationOwner(ctx context.Context, stationID int64, ownerID string) error
	DeleteStation(ctx context.Context, stationID int64) error
	// NextTransmitSeq increments and returns the station's transmit counter.
	NextTransmitSeq(ctx context.Context, stationID int64) (int64, error)

	// CreateMessage assigns ID and CreatedAt and marks the recipient station
	// as recently active.
	CreateMessage(ctx context.Context, msg *Message) error
}

type Store interface {
	Queries

	// Atomically runs fn in one transaction. A non-nil error from fn rolls
	// every write back.
	Atomically(ctx context.Context, fn func(q Queries) error) error

	CreateUser(ctx context.Context, username, token string) (*User, error)
	LinkCredential(ctx context.Context, userID string, cred Credential) error

	ConnectedLinkedUsers(ctx context.Context, provider string) ([]LinkedUser, error)
	// ResetSessions marks every user disconnected and removes owned stations.
	// Called once at startup.
	ResetSessions(ctx context.Context) error
	DeleteMessagesBefore(ctx context.Context, cutoff time.Time) (int64, error)
	IdleMailboxes(ctx context.Context, idleSince time.Time) ([]string, error)
	Stats(ctx context.Context) (*Stats, error)

	Close() error
}

// NormalizeCode canonicalizes a logon code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
