package bus

import (
	"context"
	"sync"

	"github.com/MarcoPoloResearchLab/roomrelay/backend/internal/chat"
)

// LocalBus dispatches within a single process.
type LocalBus struct {
	mu          sync.RWMutex
	subscribers map[chat.RoomID]map[int64]*localSubscription
	nextID      int64
	bufferSize  int
	observer    DropObserver
	closed      bool
}

type localSubscription struct {
	bus    *LocalBus
	roomID chat.RoomID
	id     int64
	stream chan []byte
	stop   func() bool
	once   sync.Once
}

// NewLocalBus constructs an in-process bus. A non-positive bufferSize uses the default.
func NewLocalBus(bufferSize int, observer DropObserver) *LocalBus {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &LocalBus{
		subscribers: make(map[chat.RoomID]map[int64]*localSubscription),
		bufferSize:  bufferSize,
		observer:    observer,
	}
}

// Subscribe registers a subscription that ends on Close or when ctx is done.
func (b *LocalBus) Subscribe(ctx context.Context, roomID chat.RoomID) (Subscription, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.nextID++
	subscription := &localSubscription{
		bus:    b,
		roomID: roomID,
		id:     b.nextID,
		stream: make(chan []byte, b.bufferSize),
	}
	if _, ok := b.subscribers[roomID]; !ok {
		b.subscribers[roomID] = make(map[int64]*localSubscription)
	}
	b.subscribers[roomID][subscription.id] = subscription
	b.mu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		_ = subscription.Close()
	})
	b.mu.Lock()
	subscription.stop = stop
	b.mu.Unlock()
	return subscription, nil
}

// Publish delivers payload to every current subscriber of roomID, the publisher included.
func (b *LocalBus) Publish(_ context.Context, roomID chat.RoomID, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	for _, subscription := range b.subscribers[roomID] {
		message := make([]byte, len(payload))
		copy(message, payload)
		select {
		case subscription.stream <- message:
		default:
			if b.observer != nil {
				b.observer.BusDropped()
			}
		}
	}
	return nil
}

// SubscriberCount reports how many subscriptions roomID currently holds.
func (b *LocalBus) SubscriberCount(roomID chat.RoomID) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[roomID])
}

// Close ends every subscription and rejects further use.
func (b *LocalBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var all []*localSubscription
	for _, room := range b.subscribers {
		for _, subscription := range room {
			all = append(all, subscription)
		}
	}
	b.mu.Unlock()
	for _, subscription := range all {
		_ = subscription.Close()
	}
	return nil
}

func (s *localSubscription) Messages() <-chan []byte {
	return s.stream
}

func (s *localSubscription) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		stop := s.stop
		if room := s.bus.subscribers[s.roomID]; room != nil {
			delete(room, s.id)
			if len(room) == 0 {
				delete(s.bus.subscribers, s.roomID)
			}
		}
		close(s.stream)
		s.bus.mu.Unlock()
		if stop != nil {
			stop()
		}
	})
	return nil
}
