package engine

import (
	"log/slog"

	"github.com/a-essam23/acars-relay/pkg/protocol"
	"github.com/a-essam23/acars-relay/pkg/state"
)

// NotifyStation pushes resp to the connection bound to code, if one is
// registered. It reports whether the frame was queued.
func NotifyStation(m state.Manager, logger *slog.Logger, code string, resp protocol.Response) bool {
	conn, ok := m.GetByStationCode(code)
	if !ok {
		logger.Debug("no local connection for station", slog.String("station", code))
		return false
	}
	if err := conn.Transport.Send(resp.Encode()); err != nil {
		// The connection went away between lookup and send.
		logger.Debug("push to station failed",
			slog.String("station", code),
			slog.String("connID", conn.ID.String()),
			slog.Any("error", err))
		return false
	}
	logger.Debug("pushed to station", slog.String("station", code), slog.String("connID", conn.ID.String()))
	return true
}
