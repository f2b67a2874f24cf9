package session

import (
	"context"
	"errors"
)

// ErrTransportClosed is returned by a Transport once the peer is gone.
var ErrTransportClosed = errors.New("session: transport closed")

// Transport carries whole text frames between the engine and one client.
// Write may be called concurrently with Read but not with itself.
type Transport interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, payload []byte) error
	// Ping sends a liveness ping and returns once the peer acknowledges it.
	Ping(ctx context.Context) error
	// Close ends the session gracefully with a short reason.
	Close(reason string) error
	// Terminate drops the connection without a closing handshake.
	Terminate() error
}
