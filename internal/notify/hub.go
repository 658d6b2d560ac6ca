// Package notify fans conversation-refresh events out to every open tab of
// the same owner: the proxy publishes to redis when a chat stream finishes,
// and the hub relays the event over websocket to all of that owner's
// connections.
package notify

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"chatrelay/internal/identity"
)

const channelPrefix = "user_updates:"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Event is the payload delivered to connected tabs.
type Event struct {
	Type string `json:"type"`
}

type Hub struct {
	mu          sync.RWMutex
	connections map[string][]*websocket.Conn
	pub         *redis.Client
	sub         *redis.Client
	resolver    *identity.Resolver
	cancelFuncs map[string]context.CancelFunc
}

// NewHub wires the hub to redis. pub and sub must be distinct clients; a
// long-lived subscription cannot share a connection with publishes.
func NewHub(pub, sub *redis.Client, resolver *identity.Resolver) *Hub {
	return &Hub{
		connections: make(map[string][]*websocket.Conn),
		pub:         pub,
		sub:         sub,
		resolver:    resolver,
		cancelFuncs: make(map[string]context.CancelFunc),
	}
}

// ConversationsChanged publishes a refresh event for the owner's tabs.
// Implements proxy.RefreshNotifier.
func (h *Hub) ConversationsChanged(owner string) {
	payload, _ := json.Marshal(Event{Type: "conversations_refresh"})
	if err := h.pub.Publish(context.Background(), channelPrefix+owner, payload).Err(); err != nil {
		log.Printf("refresh publish failed for %s: %v", owner, err)
	}
}

// HandleWebSocket upgrades the connection and subscribes it to the caller's
// refresh channel. Identity comes from the same resolver the proxy uses, so
// guests and authenticated users both get their own fan-out.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	owner := h.resolver.Resolve(w, r).Owner()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	h.registerConnection(owner, conn)

	// Keep connection alive and handle disconnect
	go func() {
		defer h.unregisterConnection(owner, conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (h *Hub) registerConnection(owner string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.connections[owner] = append(h.connections[owner], conn)

	// First connection for this owner starts the pub/sub subscription.
	if len(h.connections[owner]) == 1 {
		ctx, cancel := context.WithCancel(context.Background())
		h.cancelFuncs[owner] = cancel
		go h.subscribe(ctx, owner)
	}

	log.Printf("WebSocket connected: owner %s (total: %d)", owner, len(h.connections[owner]))
}

func (h *Hub) unregisterConnection(owner string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	conn.Close()

	conns := h.connections[owner]
	for i, c := range conns {
		if c == conn {
			h.connections[owner] = append(conns[:i], conns[i+1:]...)
			break
		}
	}

	if len(h.connections[owner]) == 0 {
		delete(h.connections, owner)
		if cancel, ok := h.cancelFuncs[owner]; ok {
			cancel()
			delete(h.cancelFuncs, owner)
		}
	}

	log.Printf("WebSocket disconnected: owner %s", owner)
}

func (h *Hub) subscribe(ctx context.Context, owner string) {
	pubsub := h.sub.Subscribe(ctx, channelPrefix+owner)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			h.broadcast(owner, []byte(msg.Payload))
		}
	}
}

func (h *Hub) broadcast(owner string, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, conn := range h.connections[owner] {
		conn.WriteMessage(websocket.TextMessage, data)
	}
}
