package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/roomrelay/backend/internal/session"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// websocketTransport adapts a websocket connection to session.Transport.
type websocketTransport struct {
	conn *websocket.Conn
}

func newWebsocketTransport(conn *websocket.Conn) *websocketTransport {
	return &websocketTransport{conn: conn}
}

func (t *websocketTransport) Read(ctx context.Context) ([]byte, error) {
	_, payload, err := t.conn.Read(ctx)
	if err != nil {
		if websocket.CloseStatus(err) != -1 {
			return nil, session.ErrTransportClosed
		}
		return nil, err
	}
	return payload, nil
}

func (t *websocketTransport) Write(ctx context.Context, payload []byte) error {
	return t.conn.Write(ctx, websocket.MessageText, payload)
}

func (t *websocketTransport) Ping(ctx context.Context) error {
	return t.conn.Ping(ctx)
}

func (t *websocketTransport) Close(reason string) error {
	err := t.conn.Close(websocket.StatusNormalClosure, reason)
	if err != nil && websocket.CloseStatus(err) != -1 {
		return nil
	}
	return err
}

func (t *websocketTransport) Terminate() error {
	return t.conn.CloseNow()
}

func (h *httpHandler) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}
	query := r.URL.Query()
	params := session.Params{
		RoomID: query.Get("roomId"),
		UserID: query.Get("userId"),
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:     websocketOriginPatterns(h.originPatterns),
		InsecureSkipVerify: h.insecureSkipVerify,
	})
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	conn.SetReadLimit(h.maxFrameBytes)

	err = h.engine.Serve(r.Context(), newWebsocketTransport(conn), params)
	if err != nil && !errors.Is(err, context.Canceled) {
		h.logger.Info("websocket session rejected",
			zap.String("room_id", params.RoomID),
			zap.String("user_id", params.UserID),
			zap.Error(err),
		)
	}
}

// websocketOriginPatterns strips schemes; origin patterns match hosts only.
func websocketOriginPatterns(patterns []string) []string {
	hosts := make([]string, 0, len(patterns))
	for _, pattern := range patterns {
		pattern = strings.TrimSpace(pattern)
		if index := strings.Index(pattern, "://"); index >= 0 {
			pattern = pattern[index+3:]
		}
		if pattern != "" {
			hosts = append(hosts, pattern)
		}
	}
	return hosts
}
