package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/roomrelay/backend/internal/bus"
	"github.com/MarcoPoloResearchLab/roomrelay/backend/internal/database"
	"github.com/MarcoPoloResearchLab/roomrelay/backend/internal/decryptcache"
	"github.com/MarcoPoloResearchLab/roomrelay/backend/internal/keyvault"
	"github.com/MarcoPoloResearchLab/roomrelay/backend/internal/messagelog"
	"github.com/MarcoPoloResearchLab/roomrelay/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/roomrelay/backend/internal/presence"
	"github.com/MarcoPoloResearchLab/roomrelay/backend/internal/push"
	"github.com/MarcoPoloResearchLab/roomrelay/backend/internal/retention"
	"github.com/MarcoPoloResearchLab/roomrelay/backend/internal/rooms"
	"github.com/MarcoPoloResearchLab/roomrelay/backend/internal/session"
	"github.com/MarcoPoloResearchLab/roomrelay/backend/internal/voice"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const testPasswordCost = 4

type serverHarness struct {
	handler http.Handler
	rooms   *rooms.Service
	engine  *session.Engine
}

func init() {
	gin.SetMode(gin.TestMode)
}

func newServerHarness(t *testing.T, mutate func(*Dependencies)) *serverHarness {
	t.Helper()
	logger := zap.NewNop()
	db, err := database.Open(database.DriverSQLite, filepath.Join(t.TempDir(), "server.db"), logger)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	registry := prometheus.NewRegistry()
	recorder := metrics.NewRecorder(registry)

	vault, err := keyvault.NewVault(keyvault.Config{Database: db})
	if err != nil {
		t.Fatalf("failed to construct vault: %v", err)
	}
	log, err := messagelog.NewLog(messagelog.Config{Database: db, Logger: logger})
	if err != nil {
		t.Fatalf("failed to construct log: %v", err)
	}
	tracker, err := presence.NewTracker(presence.Config{Database: db, Logger: logger})
	if err != nil {
		t.Fatalf("failed to construct tracker: %v", err)
	}
	cache := decryptcache.New(decryptcache.Config{Observer: recorder})
	roomService, err := rooms.NewService(rooms.Config{
		Database:      db,
		Vault:         vault,
		Log:           log,
		Presence:      tracker,
		Opener:        cache,
		Logger:        logger,
		PurgeObserver: recorder,
		PasswordCost:  testPasswordCost,
	})
	if err != nil {
		t.Fatalf("failed to construct rooms service: %v", err)
	}
	localBus := bus.NewLocalBus(64, recorder)
	t.Cleanup(func() { _ = localBus.Close() })

	engine, err := session.NewEngine(session.Config{
		Rooms:   roomService,
		Bus:     localBus,
		Opener:  cache,
		Metrics: recorder,
		Logger:  logger,
	})
	if err != nil {
		t.Fatalf("failed to construct engine: %v", err)
	}
	sweeper, err := retention.NewSweeper(retention.Config{Rooms: roomService, Logger: logger, Observer: recorder})
	if err != nil {
		t.Fatalf("failed to construct sweeper: %v", err)
	}
	pushService, err := push.NewService(push.Config{Database: db, Logger: logger, Observer: recorder})
	if err != nil {
		t.Fatalf("failed to construct push service: %v", err)
	}
	issuer, err := voice.NewTokenIssuer(voice.TokenIssuerConfig{AppID: "app-1", SigningSecret: []byte("voice-secret")})
	if err != nil {
		t.Fatalf("failed to construct voice issuer: %v", err)
	}

	deps := Dependencies{
		Engine:             engine,
		Rooms:              roomService,
		Sweeper:            sweeper,
		Push:               pushService,
		Voice:              issuer,
		Gatherer:           registry,
		Logger:             logger,
		InsecureSkipVerify: true,
		APIRateLimit:       1000,
	}
	if mutate != nil {
		mutate(&deps)
	}
	handler, err := NewHTTPHandler(deps)
	if err != nil {
		t.Fatalf("failed to construct handler: %v", err)
	}
	t.Cleanup(engine.Wait)
	return &serverHarness{handler: handler, rooms: roomService, engine: engine}
}

func (h *serverHarness) do(t *testing.T, method, target string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body == nil {
		reader = bytes.NewReader(nil)
	} else {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}
	request := httptest.NewRequest(method, target, reader)
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	for name, value := range headers {
		request.Header.Set(name, value)
	}
	recorder := httptest.NewRecorder()
	h.handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
	return payload
}
