package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/wa-dispatcher/internal/api/dto"
)

// RecentSends handles GET /api/v1/sent
// Returns the tenant's most recent accepted message ids from the sent index
func (h *JobHandler) RecentSends(c *gin.Context) {
	var req dto.RecentSendsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "tenant_id is required",
		})
		return
	}

	if req.Page <= 0 {
		req.Page = 1
	}
	if req.PageSize <= 0 {
		req.PageSize = 20
	}
	if req.PageSize > 100 {
		req.PageSize = 100
	}

	entries, total, err := h.sentIndex.Recent(c.Request.Context(), req.TenantID, req.Page, req.PageSize)
	if err != nil {
		h.logger.Error("Failed to read sent index",
			slog.String("tenant_id", req.TenantID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to read sent messages",
		})
		return
	}

	messages := make([]dto.SentMessageDTO, len(entries))
	for i, e := range entries {
		messages[i] = dto.SentMessageDTO{
			MessageID: e.MessageID,
			To:        e.To,
			JobID:     e.JobID,
			SentAt:    e.SentAt.UTC().Format(time.RFC3339Nano),
		}
	}

	c.JSON(http.StatusOK, dto.RecentSendsResponse{
		TenantID: req.TenantID,
		Total:    total,
		Page:     req.Page,
		PageSize: req.PageSize,
		Messages: messages,
	})
}
