package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/MarcoPoloResearchLab/roomrelay/backend/internal/chat"
	"github.com/MarcoPoloResearchLab/roomrelay/backend/internal/seal"
	"golang.org/x/time/rate"
)

// Connection is the state owned by the task serving one socket.
type Connection struct {
	ID       ConnectionID
	RoomID   chat.RoomID
	UserID   chat.UserID
	Key      chat.RoomKey
	JoinedAt int64

	transport Transport
	limiter   *rate.Limiter
	state     atomic.Int32
	alive     atomic.Bool
	hasKey    atomic.Bool
	writeMu   sync.Mutex
}

func newConnection(id ConnectionID, transport Transport, limiter *rate.Limiter) *Connection {
	conn := &Connection{ID: id, transport: transport, limiter: limiter}
	conn.state.Store(int32(StateConnecting))
	conn.alive.Store(true)
	return conn
}

// State reports the lifecycle position.
func (c *Connection) State() State {
	return State(c.state.Load())
}

func (c *Connection) setState(state State) {
	c.state.Store(int32(state))
}

func (c *Connection) setKey(key chat.RoomKey) {
	c.Key = key
	c.hasKey.Store(true)
}

func (c *Connection) markAlive() {
	c.alive.Store(true)
}

// write sends payload unless the connection already closed.
func (c *Connection) write(ctx context.Context, payload []byte) error {
	if c.State() == StateClosed {
		return ErrTransportClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.transport.Write(ctx, payload)
}

// sendJSON writes value as a plaintext frame.
func (c *Connection) sendJSON(ctx context.Context, value any) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode outbound frame: %w", err)
	}
	return c.write(ctx, payload)
}

// sendSealed writes frame sealed under the room key.
func (c *Connection) sendSealed(ctx context.Context, frame chat.Frame) error {
	payload, err := seal.SealFrameBytes(frame, c.Key)
	if err != nil {
		return err
	}
	return c.write(ctx, payload)
}

// sendError reports message to the client, sealed once the room key is known.
func (c *Connection) sendError(ctx context.Context, message string, now int64) error {
	frame := chat.NewErrorFrame(c.RoomID.String(), message, now)
	if c.hasKey.Load() {
		return c.sendSealed(ctx, frame)
	}
	return c.sendJSON(ctx, frame)
}
