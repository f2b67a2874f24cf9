package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/roomrelay/backend/internal/chat"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const roomPasswordHeader = "X-Room-Password"

type roomPasswordPayload struct {
	RoomID   string `json:"roomId"`
	Password string `json:"password"`
}

func (h *httpHandler) handleSetPassword(c *gin.Context) {
	var request roomPasswordPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	roomID, err := chat.NewRoomID(request.RoomID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := h.rooms.SetPassword(c.Request.Context(), roomID, request.Password); err != nil {
		if errors.Is(err, chat.ErrValidation) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_password"})
			return
		}
		h.logger.Error("failed to set room password", zap.String("room_id", roomID.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "password_update_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *httpHandler) handleVerifyPassword(c *gin.Context) {
	var request roomPasswordPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	roomID, err := chat.NewRoomID(request.RoomID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	valid, err := h.rooms.VerifyPassword(c.Request.Context(), roomID, request.Password)
	if err != nil {
		if errors.Is(err, chat.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "room_not_found"})
			return
		}
		h.logger.Error("failed to verify room password", zap.String("room_id", roomID.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "password_check_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": valid})
}

// handleDeleteRoom purges a room. Password protected rooms require the password header.
func (h *httpHandler) handleDeleteRoom(c *gin.Context) {
	roomID, err := chat.NewRoomID(c.Param("roomId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	ctx := c.Request.Context()
	exists, err := h.rooms.Exists(ctx, roomID)
	if err != nil {
		h.logger.Error("room lookup failed", zap.String("room_id", roomID.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "room_delete_failed"})
		return
	}
	if !exists {
		c.JSON(http.StatusNotFound, gin.H{"error": "room_not_found"})
		return
	}

	valid, err := h.rooms.VerifyPassword(ctx, roomID, strings.TrimSpace(c.GetHeader(roomPasswordHeader)))
	switch {
	case errors.Is(err, chat.ErrNotFound):
	case err != nil:
		h.logger.Error("room password check failed", zap.String("room_id", roomID.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "room_delete_failed"})
		return
	case !valid:
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}

	if err := h.rooms.Purge(ctx, roomID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "room_delete_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}
