package station

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/a-essam23/acars-relay/pkg/pipeline"
	"github.com/a-essam23/acars-relay/pkg/protocol"
	"github.com/a-essam23/acars-relay/pkg/store"
)

const (
	msgMissingStation = "Missing StationCode in request."
	msgProvisioned    = "Successfully provisioned %s and assigned it to you."
	msgProvisionFail  = "Provisioning %s failed."
	msgOccupied       = "Station %s is already occupied."
	msgAlreadyHolding = "You already hold a station. Log out first."
	msgLoggedOut      = "Logged out of %s."
	msgNoStation      = "You are not logged in to a station."
)

type stationData struct {
	StationCode string `json:"stationCode"`
	StationID   int64  `json:"stationId"`
}

// RegisterClient claims the frame's stationCode for the connection's user.
func (a *Allocator) RegisterClient(pctx *pipeline.Cargo) (pipeline.Result, error) {
	code := store.NormalizeCode(pctx.Frame.String("stationCode"))
	if code == "" {
		return pipeline.Result{}, protocol.MissingField(msgMissingStation)
	}
	if pctx.Connection.StationCode != "" {
		return pipeline.Result{}, protocol.Conflict(msgAlreadyHolding)
	}

	connID := pctx.Connection.ID
	if err := a.state.SetPending(connID, code); err != nil {
		return pipeline.Result{}, protocol.Wrap(protocol.KindConflict, fmt.Sprintf(msgProvisionFail, code), err)
	}

	// The claim must finish even if the connection closes meanwhile; the
	// teardown path compensates instead of cancelling it.
	st, err := a.Claim(context.WithoutCancel(pctx.Ctx), code, pctx.UserID())
	if err != nil {
		a.state.TakePending(connID)
		return pipeline.Result{}, err
	}
	if !a.state.ConfirmPending(connID, code) {
		pctx.Logger.Warn("connection left during claim", slog.String("station", code))
		return pipeline.Result{}, protocol.NewError(protocol.KindConflict, fmt.Sprintf(msgProvisionFail, code))
	}

	pctx.Logger.Info("station claimed", slog.String("station", code), slog.String("userID", pctx.UserID()))
	return pipeline.Result{
		Message: fmt.Sprintf(msgProvisioned, code),
		Data:    stationData{StationCode: code, StationID: st.ID},
	}, nil
}

// Logout releases the connection's station, making the code claimable again.
func (a *Allocator) Logout(pctx *pipeline.Cargo) (pipeline.Result, error) {
	code, ok := a.state.ClearStation(pctx.Connection.ID)
	if !ok {
		return pipeline.Result{}, protocol.NewError(protocol.KindNotFound, msgNoStation)
	}
	if _, err := a.Release(pctx.Ctx, pctx.UserID()); err != nil {
		return pipeline.Result{}, protocol.Internal(err)
	}
	pctx.Logger.Info("station released", slog.String("station", code))
	return pipeline.Result{Message: fmt.Sprintf(msgLoggedOut, code)}, nil
}
