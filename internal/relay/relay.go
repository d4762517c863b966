// Package relay delivers CPDLC and telex messages between stations. After
// the sender checks pass, persisting, forwarding to the external network and
// pushing to a local connection are independent best-effort steps.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/a-essam23/acars-relay/internal/engine"
	"github.com/a-essam23/acars-relay/internal/hoppie"
	"github.com/a-essam23/acars-relay/internal/metrics"
	"github.com/a-essam23/acars-relay/pkg/protocol"
	"github.com/a-essam23/acars-relay/pkg/state"
	"github.com/a-essam23/acars-relay/pkg/store"
)

const (
	msgMissingFields = "Missing required fields"
	msgInvalidSender = "Invalid sender"
	msgInvalidCode   = "Invalid responseCode."
	msgSent          = "Message sent"
)

// ResponseCodes are the CPDLC response attributes a sender may use.
var ResponseCodes = []string{"Y", "N", "E", "R", "W", "U", "WU", "NE"}

// Forwarder sends one message over the external network.
type Forwarder interface {
	Send(ctx context.Context, logon, from, to, msgType, packet string) error
}

type Request struct {
	Kind         store.MessageKind
	SenderUserID string
	Recipient    string
	Content      string
	ResponseCode string
	ReplyToID    *int64
}

// Result reports which side effects took place.
type Result struct {
	MessageID  int64 `json:"messageId"`
	Delivered  bool  `json:"delivered"`
	Forwarding bool  `json:"forwarding"`
}

type Relay struct {
	logger    *slog.Logger
	store     store.Store
	state     state.Manager
	forwarder Forwarder
	metrics   *metrics.Metrics

	forwards sync.WaitGroup
}

// New builds a Relay. A nil forwarder disables external forwarding.
func New(logger *slog.Logger, st store.Store, sm state.Manager, fwd Forwarder, m *metrics.Metrics) *Relay {
	return &Relay{
		logger:    logger.With(slog.String("component", "relay")),
		store:     st,
		state:     sm,
		forwarder: fwd,
		metrics:   m,
	}
}

func (r *Relay) validate(req *Request) error {
	req.Recipient = store.NormalizeCode(req.Recipient)
	req.ResponseCode = store.NormalizeCode(req.ResponseCode)
	if req.Recipient == "" || req.Content == "" {
		return protocol.MissingField(msgMissingFields)
	}
	if req.Kind == store.KindCPDLC {
		if req.ResponseCode == "" {
			return protocol.MissingField(msgMissingFields)
		}
		if !slices.Contains(ResponseCodes, req.ResponseCode) {
			return protocol.MissingField(msgInvalidCode)
		}
	}
	return nil
}

// Send relays req. It fails only on validation, on an invalid sender, or when
// no side effect could be carried out at all.
func (r *Relay) Send(ctx context.Context, req Request) (Result, error) {
	if err := r.validate(&req); err != nil {
		return Result{}, err
	}

	sender, err := r.store.UserByID(ctx, req.SenderUserID)
	if errors.Is(err, store.ErrNotFound) {
		return Result{}, protocol.NewError(protocol.KindInvalidSender, msgInvalidSender)
	}
	if err != nil {
		return Result{}, protocol.Internal(err)
	}
	if sender.StationID == nil {
		return Result{}, protocol.NewError(protocol.KindInvalidSender, msgInvalidSender)
	}
	senderStation, err := r.store.StationByID(ctx, *sender.StationID)
	if errors.Is(err, store.ErrNotFound) {
		return Result{}, protocol.NewError(protocol.KindInvalidSender, msgInvalidSender)
	}
	if err != nil {
		return Result{}, protocol.Internal(err)
	}

	logger := r.logger.With(
		slog.String("kind", string(req.Kind)),
		slog.String("sender", senderStation.LogonCode),
		slog.String("recipient", req.Recipient))

	var res Result
	msg := &store.Message{
		Kind:            req.Kind,
		SenderStationID: &senderStation.ID,
		SenderCode:      senderStation.LogonCode,
		RecipientCode:   req.Recipient,
		Content:         req.Content,
		ResponseCode:    req.ResponseCode,
		ReplyToID:       req.ReplyToID,
	}
	persistErr := r.persist(ctx, msg)
	if persistErr != nil {
		logger.Error("persisting message failed", slog.Any("error", persistErr))
	} else {
		res.MessageID = msg.ID
		r.metrics.Relayed(string(req.Kind), "local")
	}

	if logon, ok := sender.Credential(store.ProviderHoppie); ok && r.forwarder != nil {
		res.Forwarding = true
		r.forward(ctx, logger, logon, senderStation, req)
	}

	res.Delivered = engine.NotifyStation(r.state, logger, req.Recipient, r.push(msg))

	if persistErr != nil && !res.Delivered && !res.Forwarding {
		return Result{}, protocol.Internal(persistErr)
	}
	logger.Info("message relayed",
		slog.Int64("messageId", res.MessageID),
		slog.Bool("delivered", res.Delivered),
		slog.Bool("forwarding", res.Forwarding))
	return res, nil
}

// persist resolves the recipient station, creating a mailbox on first use,
// and stores msg.
func (r *Relay) persist(ctx context.Context, msg *store.Message) error {
	recipient, err := r.recipientStation(ctx, msg.RecipientCode)
	if err != nil {
		return err
	}
	msg.RecipientStationID = &recipient.ID
	return r.store.CreateMessage(ctx, msg)
}

func (r *Relay) recipientStation(ctx context.Context, code string) (*store.Station, error) {
	st, err := r.store.StationByCode(ctx, code)
	if err == nil || !errors.Is(err, store.ErrNotFound) {
		return st, err
	}
	st, err = r.store.CreateStation(ctx, code, "")
	if errors.Is(err, store.ErrConflict) {
		// a concurrent sender created it first
		return r.store.StationByCode(ctx, code)
	}
	if err == nil {
		r.logger.Debug("mailbox station created", slog.String("station", code))
	}
	return st, err
}

func (r *Relay) push(msg *store.Message) protocol.Response {
	if msg.Kind == store.KindCPDLC {
		return protocol.NewCPDLCPush(protocol.CPDLCPayload{
			Sender:       msg.SenderCode,
			MessageID:    msg.ID,
			ReplyToID:    msg.ReplyToID,
			ResponseCode: msg.ResponseCode,
			Message:      msg.Content,
		})
	}
	return protocol.NewTelexPush(protocol.TelexPayload{
		Sender:    msg.SenderCode,
		MessageID: msg.ID,
		Message:   msg.Content,
	})
}

// forward runs in the background; it outlives the sender's connection.
func (r *Relay) forward(ctx context.Context, logger *slog.Logger, logon string, from *store.Station, req Request) {
	ctx = context.WithoutCancel(ctx)
	r.forwards.Add(1)
	go func() {
		defer r.forwards.Done()

		msgType, packet := hoppie.TypeTelex, req.Content
		if req.Kind == store.KindCPDLC {
			seq, err := r.store.NextTransmitSeq(ctx, from.ID)
			if err != nil {
				logger.Error("allocating transmit sequence failed", slog.Any("error", err))
				return
			}
			msgType = hoppie.TypeCPDLC
			packet = hoppie.CPDLCPacket(seq, req.ReplyToID, req.ResponseCode, req.Content)
		}

		if err := r.forwarder.Send(ctx, logon, from.LogonCode, req.Recipient, msgType, packet); err != nil {
			logger.Warn("external forward failed", slog.Any("error", err))
			r.metrics.Relayed(string(req.Kind), "forward_failed")
			return
		}
		logger.Debug("forwarded to external network", slog.String("type", msgType))
		r.metrics.Relayed(string(req.Kind), "forwarded")
	}()
}

// Drain waits for in-flight forwards, giving up after timeout.
func (r *Relay) Drain(timeout time.Duration) error {
	done := make(chan struct{})
	go func() {
		r.forwards.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("forwards still running after %s", timeout)
	}
}
