package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"canvas-chat/internal/middleware"
	"canvas-chat/internal/models"
	"canvas-chat/internal/store"
	"canvas-chat/internal/telemetry"
)

const requestIDContextKey = "request_id"

func requestIDFromContext(c *gin.Context) string {
	if val, ok := c.Get(requestIDContextKey); ok {
		if id, ok := val.(string); ok && id != "" {
			return id
		}
	}

	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Set(requestIDContextKey, requestID)
	return requestID
}

func emitAudit(c *gin.Context, audit *telemetry.AuditEmitter, level, action, groupID, text string) {
	if audit == nil {
		return
	}
	audit.Emit(c.Request.Context(), telemetry.AuditEntry{
		Level:     level,
		Action:    action,
		GroupID:   groupID,
		Text:      text,
		RequestID: requestIDFromContext(c),
		UserID:    middleware.UserID(c),
	})
}

// memberGroup loads the group named by the group_id param and checks that
// the caller belongs to it. On failure the response is already written.
func memberGroup(c *gin.Context, groups store.GroupStore) (models.Group, bool) {
	group, err := groups.GetGroup(c.Request.Context(), c.Param("group_id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "group not found"})
			return models.Group{}, false
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load group"})
		return models.Group{}, false
	}
	if !group.HasMember(middleware.UserID(c)) {
		c.JSON(http.StatusForbidden, gin.H{"error": "not a member"})
		return models.Group{}, false
	}
	return group, true
}
