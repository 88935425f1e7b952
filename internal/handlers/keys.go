package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"canvas-chat/internal/keypool"
	"canvas-chat/internal/models"
	"canvas-chat/internal/telemetry"
)

// KeySelector exposes the replica's key pool to operators.
type KeySelector interface {
	Status() models.KeyStatus
	SelectKey(index int) error
}

// KeyHandler serves key pool status and manual selection.
type KeyHandler struct {
	keys  KeySelector
	audit *telemetry.AuditEmitter
}

// NewKeyHandler constructs a KeyHandler.
func NewKeyHandler(keys KeySelector, audit *telemetry.AuditEmitter) *KeyHandler {
	return &KeyHandler{keys: keys, audit: audit}
}

// Status handles GET /keys.
func (h *KeyHandler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, h.keys.Status())
}

// Select handles POST /keys/select.
func (h *KeyHandler) Select(c *gin.Context) {
	var req struct {
		Index *int `json:"index" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.keys.SelectKey(*req.Index); err != nil {
		if errors.Is(err, keypool.ErrInvalidIndex) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid key index"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not select key"})
		return
	}

	emitAudit(c, h.audit, "INFO", "key.select", "", "Key selected: "+strconv.Itoa(*req.Index))
	c.JSON(http.StatusOK, h.keys.Status())
}
