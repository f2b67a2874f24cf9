package session

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

var errHeartbeatTimeout = errors.New("session: heartbeat not acknowledged")

// heartbeat pings the peer every interval. A ping still unacknowledged at the next tick
// terminates the connection.
func (e *Engine) heartbeat(ctx context.Context, conn *Connection) error {
	ticker := time.NewTicker(e.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if !conn.alive.Swap(false) {
			e.logger.Info("terminating unresponsive connection",
				zap.String("conn_id", string(conn.ID)),
				zap.String("room_id", conn.RoomID.String()),
				zap.String("user_id", conn.UserID.String()),
			)
			if err := conn.transport.Terminate(); err != nil {
				e.logger.Debug("terminate failed", zap.String("conn_id", string(conn.ID)), zap.Error(err))
			}
			return errHeartbeatTimeout
		}
		go func() {
			pingCtx, cancel := context.WithTimeout(ctx, e.heartbeatInterval)
			defer cancel()
			if err := conn.transport.Ping(pingCtx); err == nil {
				conn.markAlive()
			}
		}()
	}
}
