package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/roomrelay/backend/internal/push"
	"github.com/MarcoPoloResearchLab/roomrelay/backend/internal/retention"
	"github.com/MarcoPoloResearchLab/roomrelay/backend/internal/rooms"
	"github.com/MarcoPoloResearchLab/roomrelay/backend/internal/session"
	"github.com/MarcoPoloResearchLab/roomrelay/backend/internal/voice"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	defaultHistoryLimit  = 50
	maxHistoryLimit      = 1000
	defaultMaxFrameBytes = 10 << 20
	defaultAPIRateLimit  = 50

	websocketPath = "/ws"
)

var (
	errMissingEngine  = errors.New("session engine dependency required")
	errMissingRooms   = errors.New("rooms service dependency required")
	errMissingSweeper = errors.New("retention sweeper dependency required")
)

// Dependencies wires the HTTP surface. Push and Voice are optional; their endpoints
// answer 503 when absent.
type Dependencies struct {
	Engine             *session.Engine
	Rooms              *rooms.Service
	Sweeper            *retention.Sweeper
	Push               *push.Service
	Voice              *voice.TokenIssuer
	Gatherer           prometheus.Gatherer
	Logger             *zap.Logger
	AllowedOrigins     []string
	InsecureSkipVerify bool
	MaxFrameBytes      int64
	APIRateLimit       float64
}

// NewHTTPHandler builds the handler serving the websocket endpoint and the gin REST API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Engine == nil {
		return nil, errMissingEngine
	}
	if deps.Rooms == nil {
		return nil, errMissingRooms
	}
	if deps.Sweeper == nil {
		return nil, errMissingSweeper
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	maxFrameBytes := deps.MaxFrameBytes
	if maxFrameBytes <= 0 {
		maxFrameBytes = defaultMaxFrameBytes
	}
	apiRateLimit := deps.APIRateLimit
	if apiRateLimit <= 0 {
		apiRateLimit = defaultAPIRateLimit
	}
	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		engine:             deps.Engine,
		rooms:              deps.Rooms,
		sweeper:            deps.Sweeper,
		push:               deps.Push,
		voice:              deps.Voice,
		logger:             logger,
		originPatterns:     deps.AllowedOrigins,
		insecureSkipVerify: deps.InsecureSkipVerify,
		maxFrameBytes:      maxFrameBytes,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	api := router.Group("/api")
	api.Use(rateLimitMiddleware(apiRateLimit))
	api.GET("/history", handler.handleHistory)
	api.GET("/history/latest", handler.handleLatestHistory)
	api.POST("/rooms/password", handler.handleSetPassword)
	api.POST("/rooms/verify", handler.handleVerifyPassword)
	api.DELETE("/rooms/:roomId", handler.handleDeleteRoom)
	api.POST("/voice/token", handler.handleVoiceToken)
	api.POST("/push/subscribe", handler.handlePushSubscribe)
	api.POST("/push/unsubscribe", handler.handlePushUnsubscribe)
	api.POST("/cleanup", handler.handleCleanup)

	// The websocket upgrade hijacks the connection itself, so it bypasses gin's response writer.
	mux := http.NewServeMux()
	mux.HandleFunc(websocketPath, handler.handleWebsocket)
	mux.Handle("/", router)
	return mux, nil
}

type httpHandler struct {
	engine             *session.Engine
	rooms              *rooms.Service
	sweeper            *retention.Sweeper
	push               *push.Service
	voice              *voice.TokenIssuer
	logger             *zap.Logger
	originPatterns     []string
	insecureSkipVerify bool
	maxFrameBytes      int64
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)})
}
