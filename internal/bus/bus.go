// Package bus fans sealed room envelopes out to every subscribed connection.
// Delivery is at-most-once and best-effort ordered; a full subscriber buffer drops the message.
package bus

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/roomrelay/backend/internal/chat"
)

const (
	defaultBufferSize = 64
	channelPrefix     = "room:"
)

// ErrClosed is returned when publishing or subscribing on a closed bus.
var ErrClosed = errors.New("bus: closed")

// Bus publishes raw envelope bytes to a room channel.
type Bus interface {
	Publish(ctx context.Context, roomID chat.RoomID, payload []byte) error
	Subscribe(ctx context.Context, roomID chat.RoomID) (Subscription, error)
}

// Subscription is one connection's dedicated handle on a room channel.
// Messages is closed after Close or when the subscribing context ends.
type Subscription interface {
	Messages() <-chan []byte
	Close() error
}

// DropObserver is notified when a message is dropped for a slow subscriber.
type DropObserver interface {
	BusDropped()
}

// ChannelName returns the pub/sub channel carrying roomID.
func ChannelName(roomID chat.RoomID) string {
	return channelPrefix + roomID.String()
}
