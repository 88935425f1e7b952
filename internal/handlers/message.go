package handlers

import (
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"canvas-chat/internal/middleware"
	"canvas-chat/internal/models"
	"canvas-chat/internal/store"
	"canvas-chat/internal/telemetry"
)

// Stopper cancels the generations this replica runs for a group.
type Stopper interface {
	Stop(groupID string) int
}

// MessageHandler serves a group's message queue.
type MessageHandler struct {
	store   store.Store
	stopper Stopper
	audit   *telemetry.AuditEmitter
	now     func() time.Time
}

// NewMessageHandler constructs a MessageHandler.
func NewMessageHandler(st store.Store, stopper Stopper, audit *telemetry.AuditEmitter) *MessageHandler {
	return &MessageHandler{store: st, stopper: stopper, audit: audit, now: time.Now}
}

// ListMessages returns the group's messages in send order.
func (h *MessageHandler) ListMessages(c *gin.Context) {
	group, ok := memberGroup(c, h.store)
	if !ok {
		return
	}
	msgs, err := h.store.ListMessages(c.Request.Context(), group.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load messages"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// PostMessage enqueues a prompt. The sender's queue coordinator picks it up
// once it reaches the head of the group's queue.
func (h *MessageHandler) PostMessage(c *gin.Context) {
	group, ok := memberGroup(c, h.store)
	if !ok {
		return
	}

	var req struct {
		Text        string              `json:"text"`
		Attachments []models.Attachment `json:"attachments"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		emitAudit(c, h.audit, "ERROR", "prompt.enqueue", group.ID, "invalid request payload")
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if strings.TrimSpace(req.Text) == "" && len(req.Attachments) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "text or attachments required"})
		return
	}

	msg, err := h.store.CreateMessage(c.Request.Context(), models.Message{
		GroupID:     group.ID,
		Text:        req.Text,
		SenderID:    middleware.UserID(c),
		SenderName:  middleware.UserName(c),
		Role:        models.RoleUser,
		Status:      models.StatusQueued,
		Attachments: req.Attachments,
		Timestamp:   h.now(),
	})
	if err != nil {
		emitAudit(c, h.audit, "ERROR", "prompt.enqueue", group.ID, "internal error")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store message"})
		return
	}

	emitAudit(c, h.audit, "INFO", "prompt.enqueue", group.ID, "Prompt enqueued")
	c.JSON(http.StatusCreated, msg)
}

// DeleteMessage removes a message when invoked by its sender. A prompt that
// is being generated must be stopped first.
func (h *MessageHandler) DeleteMessage(c *gin.Context) {
	group, ok := memberGroup(c, h.store)
	if !ok {
		return
	}
	messageID := c.Param("message_id")

	msg, err := h.store.GetMessage(c.Request.Context(), group.ID, messageID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "message not found"})
			return
		}
		emitAudit(c, h.audit, "ERROR", "message.delete", group.ID, "internal error")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load message"})
		return
	}
	if msg.SenderID != middleware.UserID(c) {
		emitAudit(c, h.audit, "ERROR", "message.delete", group.ID, "not allowed")
		c.JSON(http.StatusForbidden, gin.H{"error": "only sender may delete"})
		return
	}
	if group.Processing() == msg.ID {
		c.JSON(http.StatusConflict, gin.H{"error": "message is being generated"})
		return
	}

	if err := h.store.DeleteMessage(c.Request.Context(), group.ID, msg.ID); err != nil {
		emitAudit(c, h.audit, "ERROR", "message.delete", group.ID, "internal error")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not delete"})
		return
	}

	emitAudit(c, h.audit, "INFO", "message.delete", group.ID, "Message deleted")
	c.Status(http.StatusNoContent)
}

// StopGeneration clears the group's processing lock and cancels any local
// generation. The lock holder sees the cleared lock and annotates its reply.
func (h *MessageHandler) StopGeneration(c *gin.Context) {
	group, ok := memberGroup(c, h.store)
	if !ok {
		return
	}

	messageID := group.Processing()
	released := false
	if messageID != "" {
		var err error
		released, err = h.store.ReleaseProcessing(c.Request.Context(), group.ID, messageID)
		if err != nil {
			emitAudit(c, h.audit, "ERROR", "generation.stop", group.ID, "internal error")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "could not stop generation"})
			return
		}
	}

	local := 0
	if h.stopper != nil {
		local = h.stopper.Stop(group.ID)
	}
	log.Printf("stop requested group=%s message=%s released=%t local=%d", group.ID, messageID, released, local)

	emitAudit(c, h.audit, "INFO", "generation.stop", group.ID, "Stop requested")
	c.JSON(http.StatusOK, gin.H{"stopped": released, "message_id": messageID})
}
