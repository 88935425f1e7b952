package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"canvas-chat/internal/store"
	"canvas-chat/internal/telemetry"
)

const maxTerminalLines = 200

// CanvasHandler serves a group's shared canvas.
type CanvasHandler struct {
	store store.Store
	audit *telemetry.AuditEmitter
}

// NewCanvasHandler constructs a CanvasHandler.
func NewCanvasHandler(st store.Store, audit *telemetry.AuditEmitter) *CanvasHandler {
	return &CanvasHandler{store: st, audit: audit}
}

// GetCanvas returns the current canvas document.
func (h *CanvasHandler) GetCanvas(c *gin.Context) {
	group, ok := memberGroup(c, h.store)
	if !ok {
		return
	}
	canvas, err := h.store.GetCanvas(c.Request.Context(), group.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load canvas"})
		return
	}
	c.JSON(http.StatusOK, canvas)
}

// UpdateCanvas merges a manual edit into the canvas.
func (h *CanvasHandler) UpdateCanvas(c *gin.Context) {
	group, ok := memberGroup(c, h.store)
	if !ok {
		return
	}

	var req struct {
		HTML *string `json:"html"`
		CSS  *string `json:"css"`
		JS   *string `json:"js"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		emitAudit(c, h.audit, "ERROR", "canvas.edit", group.ID, "invalid request payload")
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.HTML == nil && req.CSS == nil && req.JS == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "nothing to update"})
		return
	}

	if err := h.store.SetCanvas(c.Request.Context(), group.ID, store.CanvasPatch{HTML: req.HTML, CSS: req.CSS, JS: req.JS}); err != nil {
		emitAudit(c, h.audit, "ERROR", "canvas.edit", group.ID, "internal error")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not update canvas"})
		return
	}

	emitAudit(c, h.audit, "INFO", "canvas.edit", group.ID, "Canvas edited")
	c.Status(http.StatusNoContent)
}

// AppendTerminal appends console output captured by the canvas preview.
func (h *CanvasHandler) AppendTerminal(c *gin.Context) {
	group, ok := memberGroup(c, h.store)
	if !ok {
		return
	}

	var req struct {
		Lines []string `json:"lines" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(req.Lines) > maxTerminalLines {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "too many lines"})
		return
	}

	if err := h.store.AppendTerminalOutput(c.Request.Context(), group.ID, req.Lines); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not append output"})
		return
	}
	c.Status(http.StatusNoContent)
}
