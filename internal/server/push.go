package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/roomrelay/backend/internal/chat"
	"github.com/MarcoPoloResearchLab/roomrelay/backend/internal/push"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type pushSubscribeRequestPayload struct {
	UserID       string            `json:"userId"`
	RoomID       string            `json:"roomId"`
	Subscription push.Subscription `json:"subscription"`
}

type pushUnsubscribeRequestPayload struct {
	UserID   string `json:"userId"`
	RoomID   string `json:"roomId"`
	Endpoint string `json:"endpoint"`
}

func (h *httpHandler) handlePushSubscribe(c *gin.Context) {
	if h.push == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "push_unavailable"})
		return
	}
	var request pushSubscribeRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	userID, err := chat.NewUserID(request.UserID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	created, err := h.push.Subscribe(c.Request.Context(), userID, strings.TrimSpace(request.RoomID), request.Subscription)
	if err != nil {
		if errors.Is(err, chat.ErrValidation) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_subscription"})
			return
		}
		h.logger.Error("push subscribe failed", zap.String("user_id", userID.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "subscribe_failed"})
		return
	}
	if created {
		c.JSON(http.StatusCreated, gin.H{"success": true, "created": true})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "created": false})
}

func (h *httpHandler) handlePushUnsubscribe(c *gin.Context) {
	if h.push == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "push_unavailable"})
		return
	}
	var request pushUnsubscribeRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Endpoint) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	userID, err := chat.NewUserID(request.UserID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	removed, err := h.push.Unsubscribe(c.Request.Context(), userID, strings.TrimSpace(request.RoomID), request.Endpoint)
	if err != nil {
		h.logger.Error("push unsubscribe failed", zap.String("user_id", userID.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "unsubscribe_failed"})
		return
	}
	if !removed {
		c.JSON(http.StatusNotFound, gin.H{"error": "subscription_not_found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}
