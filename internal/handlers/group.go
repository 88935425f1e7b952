package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"canvas-chat/internal/middleware"
	"canvas-chat/internal/models"
	"canvas-chat/internal/store"
	"canvas-chat/internal/telemetry"
)

const defaultRecentLimit = 20

// GroupCloser disconnects the live sockets of a deleted group.
type GroupCloser interface {
	CloseGroup(groupID string)
}

// GroupHandler manages group-related endpoints.
type GroupHandler struct {
	store store.Store
	hub   GroupCloser
	audit *telemetry.AuditEmitter
}

// NewGroupHandler constructs a GroupHandler.
func NewGroupHandler(st store.Store, hub GroupCloser, audit *telemetry.AuditEmitter) *GroupHandler {
	return &GroupHandler{store: st, hub: hub, audit: audit}
}

// CreateGroup handles POST /groups.
func (h *GroupHandler) CreateGroup(c *gin.Context) {
	userID := middleware.UserID(c)

	var req struct {
		Name      string   `json:"name" binding:"required"`
		MemberIDs []string `json:"member_ids"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		emitAudit(c, h.audit, "ERROR", "group.create", "", "invalid request payload")
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name is required"})
		return
	}

	group, err := h.store.CreateGroup(c.Request.Context(), models.Group{
		Name:      name,
		CreatedBy: userID,
		Members:   req.MemberIDs,
	})
	if err != nil {
		emitAudit(c, h.audit, "ERROR", "group.create", "", "internal error")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not create group"})
		return
	}

	emitAudit(c, h.audit, "INFO", "group.create", group.ID, "Group created")
	c.JSON(http.StatusCreated, group)
}

// ListGroups returns groups the caller belongs to.
func (h *GroupHandler) ListGroups(c *gin.Context) {
	groups, err := h.store.ListGroupsForMember(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load groups"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"groups": groups})
}

// SearchGroups handles GET /groups/search?name=.
func (h *GroupHandler) SearchGroups(c *gin.Context) {
	name := strings.TrimSpace(c.Query("name"))
	if name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name is required"})
		return
	}
	groups, err := h.store.FindGroupsByName(c.Request.Context(), name)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to search groups"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"groups": groups})
}

// RecentGroups handles GET /groups/recent?limit=.
func (h *GroupHandler) RecentGroups(c *gin.Context) {
	limit := defaultRecentLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = n
	}
	groups, err := h.store.ListRecentGroups(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load groups"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"groups": groups})
}

// GetGroup returns a single group to one of its members.
func (h *GroupHandler) GetGroup(c *gin.Context) {
	group, ok := memberGroup(c, h.store)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, group)
}

// JoinGroup adds the caller to a group.
func (h *GroupHandler) JoinGroup(c *gin.Context) {
	groupID := c.Param("group_id")
	if err := h.store.AddMember(c.Request.Context(), groupID, middleware.UserID(c)); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "group not found"})
			return
		}
		emitAudit(c, h.audit, "ERROR", "group.join", groupID, "internal error")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not join group"})
		return
	}
	emitAudit(c, h.audit, "INFO", "group.join", groupID, "Member joined")
	c.Status(http.StatusNoContent)
}

// DeleteGroup removes a group and everything in it. Only the creator may do it.
func (h *GroupHandler) DeleteGroup(c *gin.Context) {
	group, ok := memberGroup(c, h.store)
	if !ok {
		return
	}
	if group.CreatedBy != middleware.UserID(c) {
		emitAudit(c, h.audit, "ERROR", "group.delete", group.ID, "not allowed")
		c.JSON(http.StatusForbidden, gin.H{"error": "only the creator may delete"})
		return
	}

	if err := h.store.DeleteGroup(c.Request.Context(), group.ID); err != nil {
		emitAudit(c, h.audit, "ERROR", "group.delete", group.ID, "internal error")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not delete group"})
		return
	}
	if h.hub != nil {
		h.hub.CloseGroup(group.ID)
	}

	emitAudit(c, h.audit, "INFO", "group.delete", group.ID, "Group deleted")
	c.Status(http.StatusNoContent)
}
