package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/roomrelay/backend/internal/chat"
	"github.com/MarcoPoloResearchLab/roomrelay/backend/internal/messagelog"
	"github.com/MarcoPoloResearchLab/roomrelay/backend/internal/rooms"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type historyResponsePayload struct {
	Messages []chat.HistoryItem `json:"messages"`
}

func (h *httpHandler) handleHistory(c *gin.Context) {
	key, ok := h.roomKeyFromQuery(c)
	if !ok {
		return
	}
	limit, ok := parseLimit(c)
	if !ok {
		return
	}
	from, ok := parseBound(c, "from", false)
	if !ok {
		return
	}
	to, ok := parseBound(c, "to", true)
	if !ok {
		return
	}
	entries, err := h.rooms.RangeHistory(c.Request.Context(), key, from, to, limit)
	if err != nil {
		h.logger.Error("history range failed", zap.String("room_id", key.RoomID.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "history_failed"})
		return
	}
	c.JSON(http.StatusOK, historyResponsePayload{Messages: rooms.HistoryItems(entries)})
}

func (h *httpHandler) handleLatestHistory(c *gin.Context) {
	key, ok := h.roomKeyFromQuery(c)
	if !ok {
		return
	}
	limit, ok := parseLimit(c)
	if !ok {
		return
	}
	entries, err := h.rooms.LatestHistory(c.Request.Context(), key, limit)
	if err != nil {
		h.logger.Error("latest history failed", zap.String("room_id", key.RoomID.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "history_failed"})
		return
	}
	c.JSON(http.StatusOK, historyResponsePayload{Messages: rooms.HistoryItems(entries)})
}

// roomKeyFromQuery resolves the key of the room named by ?room=. Rooms without a key are unknown.
func (h *httpHandler) roomKeyFromQuery(c *gin.Context) (chat.RoomKey, bool) {
	roomID, err := chat.NewRoomID(c.Query("room"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return chat.RoomKey{}, false
	}
	key, err := h.rooms.Vault().GetKey(c.Request.Context(), roomID)
	if err != nil {
		if errors.Is(err, chat.ErrKeyMissing) {
			c.JSON(http.StatusNotFound, gin.H{"error": "room_not_found"})
			return chat.RoomKey{}, false
		}
		h.logger.Error("room key lookup failed", zap.String("room_id", roomID.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "history_failed"})
		return chat.RoomKey{}, false
	}
	return key, true
}

func parseLimit(c *gin.Context) (int, bool) {
	raw := strings.TrimSpace(c.Query("limit"))
	if raw == "" {
		return defaultHistoryLimit, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
		return 0, false
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	return limit, true
}

// parseBound reads an optional position or millisecond bound from the query.
func parseBound(c *gin.Context, name string, upper bool) (*messagelog.Position, bool) {
	raw := strings.TrimSpace(c.Query(name))
	if raw == "" {
		return nil, true
	}
	position, err := messagelog.ParseBound(raw, upper)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_" + name})
		return nil, false
	}
	return &position, true
}
