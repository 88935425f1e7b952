package ws

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"canvas-chat/internal/models"
	"canvas-chat/internal/observability"
)

const writeWait = 10 * time.Second

// Client is one socket in a group room. Writes are serialized because
// several store subscriptions push to the same connection.
type Client struct {
	conn    *websocket.Conn
	groupID string
	info    ConnInfo

	mu sync.Mutex
}

// Send writes event to the socket.
func (c *Client) Send(event models.GroupEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

// Hub maintains active websocket rooms keyed by group id.
type Hub struct {
	rooms map[string]map[*websocket.Conn]*Client
	mu    sync.RWMutex
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{rooms: make(map[string]map[*websocket.Conn]*Client)}
}

// AddGroupClient registers a websocket connection to a group room.
func (h *Hub) AddGroupClient(groupID string, conn *websocket.Conn, info ConnInfo) *Client {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.rooms[groupID]; !ok {
		h.rooms[groupID] = make(map[*websocket.Conn]*Client)
	}
	client := &Client{conn: conn, groupID: groupID, info: info}
	h.rooms[groupID][conn] = client
	return client
}

// RemoveGroupClient removes a group websocket connection.
func (h *Hub) RemoveGroupClient(groupID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.rooms[groupID]; ok {
		delete(conns, conn)
		if len(conns) == 0 {
			delete(h.rooms, groupID)
		}
	}
}

// RoomSize returns the number of sockets open on groupID.
func (h *Hub) RoomSize(groupID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[groupID])
}

func (h *Hub) clients(groupID string) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Client, 0, len(h.rooms[groupID]))
	for _, c := range h.rooms[groupID] {
		out = append(out, c)
	}
	return out
}

// BroadcastGroup sends event to every client in groupID.
func (h *Hub) BroadcastGroup(groupID string, event models.GroupEvent) {
	h.broadcast(h.clients(groupID), event)
}

// CloseGroup disconnects every client of a deleted group.
func (h *Hub) CloseGroup(groupID string) {
	h.broadcast(h.clients(groupID), models.GroupEvent{Type: models.EventGroupDeleted})
	for _, c := range h.clients(groupID) {
		c.conn.Close()
	}
}

func (h *Hub) broadcast(clients []*Client, event models.GroupEvent) {
	for _, c := range clients {
		if err := c.Send(event); err != nil {
			log.Printf("websocket write error: %v", err)
			c.conn.Close()
			h.RemoveGroupClient(c.groupID, c.conn)
			publishWSEvent(context.Background(), "ws_error", c.groupID, c.info, err.Error())
		}
	}
}

func publishWSEvent(ctx context.Context, event, groupID string, info ConnInfo, reason string) {
	duration := int64(0)
	if !info.ConnectedAt.IsZero() {
		duration = time.Since(info.ConnectedAt).Milliseconds()
	}
	observability.IncWSEvent("group", event)
	_ = observability.PublishEvent(ctx, "ws_events.groups", observability.EventEnvelope{
		EventType: "ws_events",
		EventName: event,
		Payload: map[string]interface{}{
			"ws": map[string]interface{}{
				"kind":        "group",
				"resource_id": groupID,
				"event":       event,
				"conn_id":     info.ConnID,
				"duration_ms": duration,
				"reason":      reason,
			},
			"identity": map[string]interface{}{
				"user_id":   info.UserID,
				"device_id": info.DeviceID,
				"ip":        info.IP,
			},
			"request_id": info.RequestID,
			"trace_id":   info.TraceID,
		},
	})
}
