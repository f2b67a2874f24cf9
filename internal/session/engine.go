// Package session runs the per-connection room session: join, frame dispatch,
// broadcast delivery, heartbeat and leave.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/roomrelay/backend/internal/bus"
	"github.com/MarcoPoloResearchLab/roomrelay/backend/internal/chat"
	"github.com/MarcoPoloResearchLab/roomrelay/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/roomrelay/backend/internal/rooms"
	"github.com/MarcoPoloResearchLab/roomrelay/backend/internal/seal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	opNewEngine = "session.new"
	opJoin      = "session.join"
	opLeave     = "session.leave"
	opBroadcast = "session.broadcast"

	defaultHistoryLimit      = 100
	defaultHeartbeatInterval = 30 * time.Second
	defaultFrameRate         = 20
	defaultFrameBurst        = 40
	defaultCleanupTimeout    = 5 * time.Second
	defaultPushTimeout       = 30 * time.Second
)

// Client-visible failure strings.
const (
	messageMissingParameters = "roomId and userId are required"
	messageJoinFailed        = "Failed to join room, try again"
)

var (
	errMissingRooms  = errors.New("rooms service is required")
	errMissingBus    = errors.New("broadcast bus is required")
	errMissingOpener = errors.New("envelope opener is required")
	errShuttingDown  = errors.New("engine is shutting down")
)

// Notifier delivers push notifications for messages to offline members. *push.Service satisfies it.
type Notifier interface {
	NotifyChatMessage(ctx context.Context, frame chat.Frame, offlineUserIDs []string)
}

// Config describes the dependencies of an Engine.
type Config struct {
	Rooms             *rooms.Service
	Bus               bus.Bus
	Opener            rooms.Opener
	Notifier          Notifier
	Metrics           *metrics.Recorder
	IDs               IDProvider
	Logger            *zap.Logger
	Clock             func() time.Time
	HistoryLimit      int
	HeartbeatInterval time.Duration
	FrameRate         float64
	FrameBurst        int
	CleanupTimeout    time.Duration
	PushTimeout       time.Duration
}

// Params are the connection-establishment parameters.
type Params struct {
	RoomID string
	UserID string
}

// Engine serves room sessions over any Transport.
type Engine struct {
	rooms             *rooms.Service
	bus               bus.Bus
	opener            rooms.Opener
	notifier          Notifier
	metrics           *metrics.Recorder
	ids               IDProvider
	logger            *zap.Logger
	clock             func() time.Time
	historyLimit      int
	heartbeatInterval time.Duration
	frameRate         rate.Limit
	frameBurst        int
	cleanupTimeout    time.Duration
	pushTimeout       time.Duration
	background        sync.WaitGroup
	sessions          sync.WaitGroup
	admitMu           sync.Mutex
	draining          bool
}

// NewEngine constructs an Engine.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Rooms == nil {
		return nil, chat.NewOperationError(opNewEngine, "missing_rooms", chat.ErrStore, errMissingRooms)
	}
	if cfg.Bus == nil {
		return nil, chat.NewOperationError(opNewEngine, "missing_bus", chat.ErrStore, errMissingBus)
	}
	if cfg.Opener == nil {
		return nil, chat.NewOperationError(opNewEngine, "missing_opener", chat.ErrStore, errMissingOpener)
	}
	engine := &Engine{
		rooms:             cfg.Rooms,
		bus:               cfg.Bus,
		opener:            cfg.Opener,
		notifier:          cfg.Notifier,
		metrics:           cfg.Metrics,
		ids:               cfg.IDs,
		logger:            chat.LoggerOrNop(cfg.Logger),
		clock:             cfg.Clock,
		historyLimit:      cfg.HistoryLimit,
		heartbeatInterval: cfg.HeartbeatInterval,
		frameRate:         rate.Limit(cfg.FrameRate),
		frameBurst:        cfg.FrameBurst,
		cleanupTimeout:    cfg.CleanupTimeout,
		pushTimeout:       cfg.PushTimeout,
	}
	if engine.ids == nil {
		engine.ids = NewUUIDProvider()
	}
	if engine.clock == nil {
		engine.clock = time.Now
	}
	if engine.historyLimit <= 0 {
		engine.historyLimit = defaultHistoryLimit
	}
	if engine.heartbeatInterval <= 0 {
		engine.heartbeatInterval = defaultHeartbeatInterval
	}
	if engine.frameRate <= 0 {
		engine.frameRate = defaultFrameRate
	}
	if engine.frameBurst <= 0 {
		engine.frameBurst = defaultFrameBurst
	}
	if engine.cleanupTimeout <= 0 {
		engine.cleanupTimeout = defaultCleanupTimeout
	}
	if engine.pushTimeout <= 0 {
		engine.pushTimeout = defaultPushTimeout
	}
	return engine, nil
}

// Wait blocks until background side effects started by sessions have finished.
func (e *Engine) Wait() {
	e.background.Wait()
}

// Shutdown refuses new sessions and waits until running sessions have left their rooms
// and background side effects have finished, or ctx ends. Callers cancel the session
// contexts themselves.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.admitMu.Lock()
	e.draining = true
	e.admitMu.Unlock()

	done := make(chan struct{})
	go func() {
		e.sessions.Wait()
		e.background.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) admit() bool {
	e.admitMu.Lock()
	defer e.admitMu.Unlock()
	if e.draining {
		return false
	}
	e.sessions.Add(1)
	return true
}

// Serve runs one session to completion and closes the transport. It returns the join
// failure, or nil once an active session ends.
func (e *Engine) Serve(ctx context.Context, transport Transport, params Params) error {
	if !e.admit() {
		_ = transport.Close("server shutting down")
		return chat.NewOperationError(opJoin, "shutting_down", chat.ErrStore, errShuttingDown)
	}
	defer e.sessions.Done()

	connID, err := e.ids.NewID()
	if err != nil {
		e.logError(opJoin, "id_failed", err, nil)
		_ = transport.Close("internal error")
		return chat.NewOperationError(opJoin, "id_failed", chat.ErrStore, err)
	}
	conn := newConnection(connID, transport, rate.NewLimiter(e.frameRate, e.frameBurst))
	defer conn.setState(StateClosed)

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	subscription, joined, err := e.join(sessionCtx, conn, params)
	if subscription != nil {
		defer func() {
			if closeErr := subscription.Close(); closeErr != nil {
				e.logError(opLeave, "unsubscribe_failed", closeErr, conn)
			}
		}()
	}
	if joined {
		defer e.leave(ctx, conn)
	}
	if err != nil {
		_ = transport.Close("join failed")
		return err
	}

	conn.setState(StateActive)
	e.metrics.SessionOpened()
	defer e.metrics.SessionClosed()
	e.logger.Info("session active",
		zap.String("conn_id", string(conn.ID)),
		zap.String("room_id", conn.RoomID.String()),
		zap.String("user_id", conn.UserID.String()),
	)

	group, groupCtx := errgroup.WithContext(sessionCtx)
	group.Go(func() error {
		defer cancel()
		return e.readLoop(groupCtx, conn)
	})
	group.Go(func() error {
		defer cancel()
		return e.deliverLoop(groupCtx, conn, subscription)
	})
	group.Go(func() error {
		return e.heartbeat(groupCtx, conn)
	})
	if err := group.Wait(); err != nil && !errors.Is(err, errHeartbeatTimeout) {
		e.logger.Debug("session ended", zap.String("conn_id", string(conn.ID)), zap.Error(err))
	}
	_ = transport.Close("session closed")
	return nil
}

// join performs the CONNECTING to ACTIVE transition. The returned subscription and joined
// flag describe what must be released even when err is non-nil.
func (e *Engine) join(ctx context.Context, conn *Connection, params Params) (bus.Subscription, bool, error) {
	roomID, roomErr := chat.NewRoomID(params.RoomID)
	userID, userErr := chat.NewUserID(params.UserID)
	if roomErr != nil || userErr != nil {
		e.metrics.JoinFailed("validation")
		_ = conn.sendError(ctx, messageMissingParameters, e.now())
		return nil, false, chat.NewOperationError(opJoin, "missing_parameters", chat.ErrValidation, errors.Join(roomErr, userErr))
	}
	conn.RoomID = roomID
	conn.UserID = userID
	conn.JoinedAt = e.now()

	key, err := e.rooms.Vault().EnsureKey(ctx, roomID)
	if err != nil {
		return nil, false, e.failJoin(ctx, conn, "key_unavailable", err)
	}
	conn.setKey(key)

	subscription, err := e.bus.Subscribe(ctx, roomID)
	if err != nil {
		return nil, false, e.failJoin(ctx, conn, "subscribe_failed", err)
	}

	if err := e.rooms.Presence().Join(ctx, roomID, userID); err != nil {
		return subscription, false, e.failJoin(ctx, conn, "presence_failed", err)
	}
	if err := e.publishOnlineList(ctx, roomID); err != nil {
		return subscription, true, e.failJoin(ctx, conn, "online_list_failed", err)
	}
	if err := e.publishJSON(ctx, roomID, chat.NewJoinFrame(roomID.String(), userID.String(), e.now())); err != nil {
		return subscription, true, e.failJoin(ctx, conn, "announce_failed", err)
	}
	if err := e.replayHistory(ctx, conn); err != nil {
		return subscription, true, e.failJoin(ctx, conn, "history_failed", err)
	}
	return subscription, true, nil
}

func (e *Engine) failJoin(ctx context.Context, conn *Connection, reason string, err error) error {
	e.metrics.JoinFailed(reason)
	e.logError(opJoin, reason, err, conn)
	_ = conn.sendError(ctx, messageJoinFailed, e.now())
	return chat.NewOperationError(opJoin, reason, kindOf(err), err)
}

// replayHistory sends the latest entries as one batch, skipping presence churn older than the join.
func (e *Engine) replayHistory(ctx context.Context, conn *Connection) error {
	entries, err := e.rooms.LatestHistory(ctx, conn.Key, e.historyLimit)
	if err != nil {
		return err
	}
	items := make([]chat.HistoryItem, 0, len(entries))
	for _, entry := range entries {
		frame := entry.Frame
		if (frame.Type == chat.FrameTypeJoin || frame.Type == chat.FrameTypeLeave) && frame.Timestamp < conn.JoinedAt {
			continue
		}
		items = append(items, entry.HistoryItem())
	}
	if len(items) == 0 {
		return nil
	}
	return conn.sendJSON(ctx, chat.HistoryFrame{Type: chat.FrameTypeHistory, Messages: items})
}

// leave performs the ACTIVE to CLOSED transition. It runs on every exit path after presence
// was recorded, detached from the session context so a cancelled request still cleans up.
func (e *Engine) leave(parent context.Context, conn *Connection) {
	conn.setState(StateClosed)
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), e.cleanupTimeout)
	defer cancel()

	presence := e.rooms.Presence()
	if err := presence.SetPeeking(ctx, conn.RoomID, conn.UserID, false); err != nil {
		e.logError(opLeave, "peeking_clear_failed", err, conn)
	}
	if err := e.publishJSON(ctx, conn.RoomID, chat.NewLeaveFrame(conn.RoomID.String(), conn.UserID.String(), e.now())); err != nil {
		e.logError(opLeave, "announce_failed", err, conn)
	}
	if err := presence.Leave(ctx, conn.RoomID, conn.UserID); err != nil {
		e.logError(opLeave, "presence_failed", err, conn)
	}
	if err := e.publishOnlineList(ctx, conn.RoomID); err != nil {
		e.logError(opLeave, "online_list_failed", err, conn)
	}
	e.logger.Info("session closed",
		zap.String("conn_id", string(conn.ID)),
		zap.String("room_id", conn.RoomID.String()),
		zap.String("user_id", conn.UserID.String()),
	)
}

// deliverLoop forwards room broadcasts from other users to the client.
func (e *Engine) deliverLoop(ctx context.Context, conn *Connection, subscription bus.Subscription) error {
	messages := subscription.Messages()
	for {
		select {
		case <-ctx.Done():
			return nil
		case raw, ok := <-messages:
			if !ok {
				return nil
			}
			e.deliver(ctx, conn, raw)
		}
	}
}

func (e *Engine) deliver(ctx context.Context, conn *Connection, raw []byte) {
	header, err := seal.ReadHeader(raw)
	if err != nil {
		e.logger.Warn("dropping malformed broadcast",
			zap.String("operation", opBroadcast),
			zap.String("conn_id", string(conn.ID)),
			zap.String("room_id", conn.RoomID.String()),
			zap.Error(err),
		)
		return
	}
	if header.UserID == conn.UserID.String() {
		return
	}
	payload := raw
	if header.Encrypted {
		frame, openErr := e.opener.Open(raw, conn.Key)
		if openErr != nil {
			e.metrics.DecryptFailed("broadcast")
			e.logger.Warn("dropping undecryptable broadcast",
				zap.String("operation", opBroadcast),
				zap.String("conn_id", string(conn.ID)),
				zap.String("room_id", conn.RoomID.String()),
				zap.Error(openErr),
			)
			return
		}
		payload, err = json.Marshal(frame)
		if err != nil {
			e.logError(opBroadcast, "encode_failed", err, conn)
			return
		}
	}
	if err := conn.write(ctx, payload); err != nil && !errors.Is(err, ErrTransportClosed) {
		e.logger.Debug("broadcast write failed", zap.String("conn_id", string(conn.ID)), zap.Error(err))
	}
}

func (e *Engine) publishOnlineList(ctx context.Context, roomID chat.RoomID) error {
	users, err := e.rooms.Presence().OnlineUsers(ctx, roomID)
	if err != nil {
		return err
	}
	return e.publishJSON(ctx, roomID, chat.NewOnlineListFrame(roomID.String(), users, e.now()))
}

func (e *Engine) publishJSON(ctx context.Context, roomID chat.RoomID, value any) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return e.bus.Publish(ctx, roomID, payload)
}

func (e *Engine) publishSealed(ctx context.Context, key chat.RoomKey, frame chat.Frame) error {
	payload, err := seal.SealFrameBytes(frame, key)
	if err != nil {
		return err
	}
	return e.bus.Publish(ctx, key.RoomID, payload)
}

func (e *Engine) now() int64 {
	return chat.NowMillis(e.clock)
}

func (e *Engine) logError(operation, reason string, err error, conn *Connection, fields ...zap.Field) {
	if conn != nil {
		fields = append(fields,
			zap.String("conn_id", string(conn.ID)),
			zap.String("room_id", conn.RoomID.String()),
			zap.String("user_id", conn.UserID.String()),
		)
	}
	chat.LogFailure(e.logger, "session operation failed", operation, reason, err, fields...)
}

func kindOf(err error) error {
	for _, kind := range []error{
		chat.ErrValidation,
		chat.ErrPermissionDenied,
		chat.ErrNotFound,
		chat.ErrKeyMissing,
		chat.ErrDecrypt,
		chat.ErrAppend,
	} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return chat.ErrStore
}
