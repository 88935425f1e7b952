package ws

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"

	"canvas-chat/internal/middleware"
	"canvas-chat/internal/models"
	"canvas-chat/internal/observability"
	"canvas-chat/internal/store"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Attacher keeps a queue coordinator running for a user while attached.
type Attacher interface {
	Attach(groupID, uid string) (detach func())
}

// KeyStatusSource publishes the replica's key pool status.
type KeyStatusSource interface {
	Subscribe(fn func(models.KeyStatus)) func()
}

// GroupWebSocketHandler streams a group's documents to its members and keeps
// the member's generation queue running while the socket is open.
type GroupWebSocketHandler struct {
	hub        *Hub
	store      store.Store
	supervisor Attacher
	keys       KeyStatusSource
}

// NewGroupWebSocketHandler constructs a GroupWebSocketHandler.
func NewGroupWebSocketHandler(hub *Hub, st store.Store, supervisor Attacher, keys KeyStatusSource) *GroupWebSocketHandler {
	return &GroupWebSocketHandler{hub: hub, store: st, supervisor: supervisor, keys: keys}
}

// Handle upgrades and registers a websocket connection for a group.
func (h *GroupWebSocketHandler) Handle(c *gin.Context) {
	groupID := c.Param("group_id")
	uid := middleware.UserID(c)

	ctx, span := otel.Tracer("canvas-chat/ws").Start(c.Request.Context(), "ws.handshake")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	group, err := h.store.GetGroup(ctx, groupID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "group not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load group"})
		return
	}
	if !group.HasMember(uid) {
		c.JSON(http.StatusForbidden, gin.H{"error": "not authorized for group"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	meta := observability.ClientMetaFromRequest(c.Request)
	info := ConnInfo{
		ConnID:      newConnID(),
		UserID:      uid,
		DeviceID:    meta.DeviceID,
		IP:          meta.IP,
		RequestID:   meta.RequestID,
		TraceID:     span.SpanContext().TraceID().String(),
		ConnectedAt: time.Now(),
	}
	client := h.hub.AddGroupClient(groupID, conn, info)

	observability.IncWSActive("group")
	publishWSEvent(ctx, "ws_connect", groupID, info, "")

	// Subscriptions outlive the handshake request.
	subCtx, cancel := context.WithCancel(context.Background())
	unsubscribe := h.follow(subCtx, client)
	detach := h.supervisor.Attach(groupID, uid)

	go func() {
		var closeReason string
		defer func() {
			detach()
			cancel()
			unsubscribe()
			h.hub.RemoveGroupClient(groupID, conn)
			observability.DecWSActive("group")
			publishWSEvent(context.Background(), "ws_disconnect", groupID, info, closeReason)
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				closeReason = err.Error()
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					publishWSEvent(context.Background(), "ws_error", groupID, info, closeReason)
				}
				return
			}
		}
	}()
}

// follow bridges the group's documents and the key pool status onto client.
func (h *GroupWebSocketHandler) follow(ctx context.Context, client *Client) func() {
	groupID := client.groupID
	var stops []func()

	send := func(event models.GroupEvent) {
		if err := client.Send(event); err != nil {
			log.Printf("websocket write error group=%s conn=%s: %v", groupID, client.info.ConnID, err)
		}
	}

	if stop, err := h.store.SubscribeGroup(ctx, groupID, func(g models.Group) {
		send(models.GroupEvent{Type: models.EventGroup, Group: &g})
	}); err != nil {
		log.Printf("ws subscribe group=%s failed: %v", groupID, err)
	} else {
		stops = append(stops, stop)
	}

	if stop, err := h.store.SubscribeMessages(ctx, groupID, func(msgs []models.Message) {
		send(models.GroupEvent{Type: models.EventMessages, Messages: msgs})
	}); err != nil {
		log.Printf("ws subscribe messages group=%s failed: %v", groupID, err)
	} else {
		stops = append(stops, stop)
	}

	if stop, err := h.store.SubscribeCanvas(ctx, groupID, func(canvas models.CanvasState) {
		send(models.GroupEvent{Type: models.EventCanvas, Canvas: &canvas})
	}); err != nil {
		log.Printf("ws subscribe canvas group=%s failed: %v", groupID, err)
	} else {
		stops = append(stops, stop)
	}

	if h.keys != nil {
		stops = append(stops, h.keys.Subscribe(func(status models.KeyStatus) {
			send(models.GroupEvent{Type: models.EventKeyStatus, KeyStatus: &status})
		}))
	}

	return func() {
		for _, stop := range stops {
			stop()
		}
	}
}
