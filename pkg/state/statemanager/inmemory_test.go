package statemanager_test

import (
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/a-essam23/acars-relay/pkg/state"
	"github.com/a-essam23/acars-relay/pkg/state/statemanager"
	"github.com/a-essam23/acars-relay/pkg/state/statetest"
)

// --- Test Suite Setup ---

func newTestLogger() *slog.Logger {
	// Discard logger output during tests by setting a high level
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1})
	return slog.New(handler)
}

func newTestManager() *statemanager.InMemoryManager {
	return statemanager.NewInMemoryManager(newTestLogger())
}

// --- Connection Lifecycle Tests ---

func TestConnectionLifecycle(t *testing.T) {
	m := newTestManager()
	tr := statetest.NewTransport()

	// 1. Register
	conn, err := m.Register(tr, "127.0.0.1")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if conn.ID != tr.ID() {
		t.Errorf("Registered connection ID mismatch")
	}
	if _, err := m.Register(tr, "127.0.0.1"); !errors.Is(err, state.ErrDuplicateConnection) {
		t.Errorf("expected ErrDuplicateConnection, got %v", err)
	}

	// 2. Get
	got, found := m.Get(tr.ID())
	if !found {
		t.Fatal("Get failed to find registered connection")
	}
	if got.IPAddress != "127.0.0.1" {
		t.Errorf("expected ip 127.0.0.1, got %s", got.IPAddress)
	}

	// 3. Deregister returns the final record once
	if err := m.Authenticate(tr.ID(), "user-1"); err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	removed, ok := m.Deregister(tr.ID())
	if !ok {
		t.Fatal("Deregister did not find the connection")
	}
	if removed.UserID != "user-1" {
		t.Errorf("expected removed record to carry user-1, got %q", removed.UserID)
	}
	if _, ok := m.Deregister(tr.ID()); ok {
		t.Error("second Deregister should report nothing removed")
	}
	if _, found := m.Get(tr.ID()); found {
		t.Error("Found connection after it should have been deregistered")
	}
}

func TestSnapshotsAreCopies(t *testing.T) {
	m := newTestManager()
	tr := statetest.NewTransport()
	m.Register(tr, "1.1.1.1")

	snap, _ := m.Get(tr.ID())
	snap.Authenticated = true
	snap.StationCode = "HACK"

	got, _ := m.Get(tr.ID())
	if got.Authenticated || got.StationCode != "" {
		t.Error("mutating a snapshot leaked into the registry")
	}
}

// --- Authentication Tests ---

func TestAuthenticateRules(t *testing.T) {
	m := newTestManager()
	tr := statetest.NewTransport()

	if err := m.Authenticate(tr.ID(), "u"); !errors.Is(err, state.ErrUnknownConnection) {
		t.Errorf("expected ErrUnknownConnection, got %v", err)
	}

	m.Register(tr, "1.1.1.1")
	if err := m.Authenticate(tr.ID(), "u"); err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if err := m.Authenticate(tr.ID(), "u"); !errors.Is(err, state.ErrAlreadyAuthenticated) {
		t.Errorf("expected ErrAlreadyAuthenticated, got %v", err)
	}
	if m.Expire(tr.ID()) {
		t.Error("Expire must not fire for an authenticated connection")
	}
	if n := m.AuthenticatedCount(); n != 1 {
		t.Errorf("expected 1 authenticated connection, got %d", n)
	}
}

func TestExpireBlocksLateAuthentication(t *testing.T) {
	m := newTestManager()
	tr := statetest.NewTransport()
	m.Register(tr, "1.1.1.1")

	if !m.Expire(tr.ID()) {
		t.Fatal("Expire should fire for an unauthenticated connection")
	}
	if err := m.Authenticate(tr.ID(), "u"); !errors.Is(err, state.ErrExpired) {
		t.Errorf("expected ErrExpired, got %v", err)
	}
	if m.Expire(statetest.NewTransport().ID()) {
		t.Error("Expire must not fire for an unknown connection")
	}
}

// Exactly one of Authenticate and Expire wins for every connection.
func TestAuthenticateExpireRace(t *testing.T) {
	m := newTestManager()
	for i := 0; i < 200; i++ {
		tr := statetest.NewTransport()
		m.Register(tr, "1.1.1.1")

		var (
			wg      sync.WaitGroup
			authErr error
			expired bool
		)
		wg.Add(2)
		go func() { defer wg.Done(); authErr = m.Authenticate(tr.ID(), "u") }()
		go func() { defer wg.Done(); expired = m.Expire(tr.ID()) }()
		wg.Wait()

		if (authErr == nil) == expired {
			t.Fatalf("iteration %d: authErr=%v expired=%v", i, authErr, expired)
		}
	}
}

// --- Station Tests ---

func TestPendingClaimConfirm(t *testing.T) {
	m := newTestManager()
	tr := statetest.NewTransport()
	m.Register(tr, "1.1.1.1")

	if err := m.SetPending(tr.ID(), "YMML"); err != nil {
		t.Fatalf("SetPending failed: %v", err)
	}
	if err := m.SetPending(tr.ID(), "YSSY"); !errors.Is(err, state.ErrClaimInFlight) {
		t.Errorf("expected ErrClaimInFlight, got %v", err)
	}
	if _, found := m.GetByStationCode("YMML"); found {
		t.Error("a pending code must not be addressable")
	}
	if m.ConfirmPending(tr.ID(), "YSSY") {
		t.Error("ConfirmPending must reject a code that is not pending")
	}
	if !m.ConfirmPending(tr.ID(), "YMML") {
		t.Fatal("ConfirmPending failed")
	}

	conn, found := m.GetByStationCode("YMML")
	if !found || conn.ID != tr.ID() {
		t.Fatal("GetByStationCode did not return the owner")
	}
	if conn.PendingCode != "" {
		t.Errorf("pending code should be cleared, got %q", conn.PendingCode)
	}
	if _, found := m.GetByStationCode(""); found {
		t.Error("empty code must never match")
	}

	code, ok := m.ClearStation(tr.ID())
	if !ok || code != "YMML" {
		t.Errorf("ClearStation returned %q, %v", code, ok)
	}
	if _, found := m.GetByStationCode("YMML"); found {
		t.Error("cleared station still addressable")
	}
}

func TestTakePending(t *testing.T) {
	m := newTestManager()
	tr := statetest.NewTransport()
	m.Register(tr, "1.1.1.1")
	m.SetPending(tr.ID(), "EGLL")

	code, ok := m.TakePending(tr.ID())
	if !ok || code != "EGLL" {
		t.Fatalf("TakePending returned %q, %v", code, ok)
	}
	if _, ok := m.TakePending(tr.ID()); ok {
		t.Error("TakePending should be empty after the first take")
	}
	if m.ConfirmPending(tr.ID(), "EGLL") {
		t.Error("ConfirmPending must fail after the claim was taken")
	}
}

// A claim confirmed concurrently with teardown is seen by exactly one side.
func TestConfirmDeregisterRace(t *testing.T) {
	m := newTestManager()
	for i := 0; i < 200; i++ {
		tr := statetest.NewTransport()
		m.Register(tr, "1.1.1.1")
		m.SetPending(tr.ID(), "KJFK")

		var (
			wg        sync.WaitGroup
			confirmed bool
			removed   state.Connection
		)
		wg.Add(2)
		go func() { defer wg.Done(); confirmed = m.ConfirmPending(tr.ID(), "KJFK") }()
		go func() { defer wg.Done(); removed, _ = m.Deregister(tr.ID()) }()
		wg.Wait()

		if confirmed {
			if removed.StationCode != "KJFK" || removed.PendingCode != "" {
				t.Fatalf("iteration %d: confirmed but removed=%+v", i, removed)
			}
		} else if removed.PendingCode != "KJFK" {
			t.Fatalf("iteration %d: not confirmed but removed=%+v", i, removed)
		}
	}
}

func TestConcurrentAccess(t *testing.T) {
	m := newTestManager()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr := statetest.NewTransport()
			m.Register(tr, "1.1.1.1")
			m.Authenticate(tr.ID(), tr.ID().String())
			m.All()
			m.GetByStationCode("NONE")
			m.Deregister(tr.ID())
		}()
	}
	wg.Wait()
	if n := len(m.All()); n != 0 {
		t.Errorf("expected empty registry, got %d", n)
	}
}
