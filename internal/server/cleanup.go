package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// handleCleanup runs a retention sweep on demand.
func (h *httpHandler) handleCleanup(c *gin.Context) {
	report, err := h.sweeper.SweepOnce(c.Request.Context())
	if err != nil {
		h.logger.Error("on-demand sweep failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "cleanup_failed"})
		return
	}
	c.JSON(http.StatusOK, report)
}
