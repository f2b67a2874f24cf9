package session

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/roomrelay/backend/internal/bus"
	"github.com/MarcoPoloResearchLab/roomrelay/backend/internal/chat"
	"github.com/MarcoPoloResearchLab/roomrelay/backend/internal/decryptcache"
	"github.com/MarcoPoloResearchLab/roomrelay/backend/internal/keyvault"
	"github.com/MarcoPoloResearchLab/roomrelay/backend/internal/messagelog"
	"github.com/MarcoPoloResearchLab/roomrelay/backend/internal/presence"
	"github.com/MarcoPoloResearchLab/roomrelay/backend/internal/rooms"
	"github.com/MarcoPoloResearchLab/roomrelay/backend/internal/seal"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

const frameWait = 2 * time.Second

type pipeTransport struct {
	inbound    chan []byte
	outbound   chan []byte
	closed     chan struct{}
	closeOnce  sync.Once
	ackPings   atomic.Bool
	terminated atomic.Bool
}

func newPipeTransport() *pipeTransport {
	transport := &pipeTransport{
		inbound:  make(chan []byte, 16),
		outbound: make(chan []byte, 256),
		closed:   make(chan struct{}),
	}
	transport.ackPings.Store(true)
	return transport
}

func (p *pipeTransport) Read(ctx context.Context) ([]byte, error) {
	select {
	case raw := <-p.inbound:
		return raw, nil
	case <-p.closed:
		return nil, ErrTransportClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipeTransport) Write(ctx context.Context, payload []byte) error {
	select {
	case <-p.closed:
		return ErrTransportClosed
	default:
	}
	select {
	case p.outbound <- append([]byte(nil), payload...):
		return nil
	case <-p.closed:
		return ErrTransportClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeTransport) Ping(ctx context.Context) error {
	if p.ackPings.Load() {
		return nil
	}
	<-ctx.Done()
	return ctx.Err()
}

func (p *pipeTransport) Close(string) error {
	p.closeOnce.Do(func() { close(p.closed) })
	return nil
}

func (p *pipeTransport) Terminate() error {
	p.terminated.Store(true)
	return p.Close("terminated")
}

type engineHarness struct {
	engine  *Engine
	rooms   *rooms.Service
	bus     *bus.LocalBus
	notices *recordingNotifier
}

type recordingNotifier struct {
	mu    sync.Mutex
	calls []notifyCall
}

type notifyCall struct {
	frame   chat.Frame
	offline []string
}

func (n *recordingNotifier) NotifyChatMessage(_ context.Context, frame chat.Frame, offline []string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, notifyCall{frame: frame, offline: offline})
}

func (n *recordingNotifier) snapshot() []notifyCall {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notifyCall(nil), n.calls...)
}

func newEngineHarness(t *testing.T, mutate func(*Config)) *engineHarness {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "session.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(
		&keyvault.RoomKeyRecord{},
		&messagelog.LogEntry{},
		&messagelog.EditRedirect{},
		&messagelog.LogHead{},
		&presence.OnlineUser{},
		&presence.Member{},
		&presence.PeekingUser{},
		&rooms.RoomMeta{},
	); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	vault, err := keyvault.NewVault(keyvault.Config{Database: db})
	if err != nil {
		t.Fatalf("failed to construct vault: %v", err)
	}
	log, err := messagelog.NewLog(messagelog.Config{Database: db})
	if err != nil {
		t.Fatalf("failed to construct log: %v", err)
	}
	tracker, err := presence.NewTracker(presence.Config{Database: db})
	if err != nil {
		t.Fatalf("failed to construct tracker: %v", err)
	}
	cache := decryptcache.New(decryptcache.Config{})
	service, err := rooms.NewService(rooms.Config{
		Database: db,
		Vault:    vault,
		Log:      log,
		Presence: tracker,
		Opener:   cache,
	})
	if err != nil {
		t.Fatalf("failed to construct rooms service: %v", err)
	}
	localBus := bus.NewLocalBus(64, nil)
	t.Cleanup(func() { _ = localBus.Close() })

	notifier := &recordingNotifier{}
	cfg := Config{
		Rooms:      service,
		Bus:        localBus,
		Opener:     cache,
		Notifier:   notifier,
		FrameRate:  1000,
		FrameBurst: 1000,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	engine, err := NewEngine(cfg)
	if err != nil {
		t.Fatalf("failed to construct engine: %v", err)
	}
	return &engineHarness{engine: engine, rooms: service, bus: localBus, notices: notifier}
}

type testClient struct {
	t         *testing.T
	transport *pipeTransport
	done      chan error
	key       chat.RoomKey
	pending   []map[string]any
}

// connect starts a session and waits until its join sequence has completed.
func (h *engineHarness) connect(t *testing.T, roomID, userID string) *testClient {
	t.Helper()
	return h.connectContext(t, context.Background(), roomID, userID)
}

// connectContext is connect with a session context the test controls.
func (h *engineHarness) connectContext(t *testing.T, ctx context.Context, roomID, userID string) *testClient {
	t.Helper()
	client := h.startContext(t, ctx, Params{RoomID: roomID, UserID: userID})
	var skipped []map[string]any
	for {
		frame := client.next()
		if frame["type"] == chat.FrameTypeOnlineList {
			break
		}
		skipped = append(skipped, frame)
	}
	client.pending = skipped
	key, err := h.rooms.Vault().GetKey(context.Background(), chat.RoomID(roomID))
	if err != nil {
		t.Fatalf("room key missing after join: %v", err)
	}
	client.key = key
	return client
}

func (h *engineHarness) start(t *testing.T, params Params) *testClient {
	t.Helper()
	return h.startContext(t, context.Background(), params)
}

func (h *engineHarness) startContext(t *testing.T, ctx context.Context, params Params) *testClient {
	t.Helper()
	client := &testClient{t: t, transport: newPipeTransport(), done: make(chan error, 1)}
	go func() {
		client.done <- h.engine.Serve(ctx, client.transport, params)
	}()
	t.Cleanup(func() {
		client.transport.Close("test finished")
		select {
		case <-client.done:
		case <-time.After(frameWait):
			t.Errorf("session did not stop")
		}
	})
	return client
}

func (c *testClient) send(value any) {
	c.t.Helper()
	raw, err := json.Marshal(value)
	if err != nil {
		c.t.Fatalf("encode frame: %v", err)
	}
	c.transport.inbound <- raw
}

// next returns the next outbound frame. Sealed frames are opened and flagged with "sealed".
func (c *testClient) next() map[string]any {
	c.t.Helper()
	if len(c.pending) > 0 {
		frame := c.pending[0]
		c.pending = c.pending[1:]
		return frame
	}
	select {
	case raw := <-c.transport.outbound:
		return c.decode(raw)
	case <-time.After(frameWait):
		c.t.Fatalf("timed out waiting for frame")
		return nil
	}
}

func (c *testClient) decode(raw []byte) map[string]any {
	c.t.Helper()
	header, err := seal.ReadHeader(raw)
	if err != nil {
		c.t.Fatalf("malformed outbound frame %s: %v", raw, err)
	}
	sealed := header.Encrypted
	if sealed {
		frame, openErr := seal.OpenBytes(raw, c.key)
		if openErr != nil {
			c.t.Fatalf("failed to open sealed frame: %v", openErr)
		}
		raw, err = json.Marshal(frame)
		if err != nil {
			c.t.Fatalf("encode opened frame: %v", err)
		}
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		c.t.Fatalf("decode outbound frame: %v", err)
	}
	decoded["sealed"] = sealed
	return decoded
}

// nextMatching discards frames until match accepts one.
func (c *testClient) nextMatching(match func(map[string]any) bool) map[string]any {
	c.t.Helper()
	deadline := time.Now().Add(frameWait)
	for time.Now().Before(deadline) {
		frame := c.next()
		if match(frame) {
			return frame
		}
	}
	c.t.Fatalf("no matching frame within %s", frameWait)
	return nil
}

func (c *testClient) nextOfType(frameType string) map[string]any {
	c.t.Helper()
	return c.nextMatching(func(frame map[string]any) bool {
		return frame["type"] == frameType
	})
}

func (c *testClient) nextSystem(action string) map[string]any {
	c.t.Helper()
	return c.nextMatching(func(frame map[string]any) bool {
		content, ok := frame["content"].(map[string]any)
		return frame["type"] == chat.FrameTypeSystem && ok && content["action"] == action
	})
}

func (c *testClient) disconnect() error {
	c.t.Helper()
	c.transport.Close("client left")
	select {
	case err := <-c.done:
		c.done <- err
		return err
	case <-time.After(frameWait):
		c.t.Fatalf("session did not stop after disconnect")
		return nil
	}
}
