package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type voiceTokenRequestPayload struct {
	ChannelName string `json:"channelName"`
	UserID      string `json:"userId"`
}

func (h *httpHandler) handleVoiceToken(c *gin.Context) {
	if h.voice == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "voice_unavailable"})
		return
	}
	var request voiceTokenRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	grant, err := h.voice.IssueToken(c.Request.Context(), request.ChannelName, request.UserID)
	if err != nil {
		h.logger.Warn("voice token rejected", zap.String("channel", request.ChannelName), zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	c.JSON(http.StatusOK, grant)
}
