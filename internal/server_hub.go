package internal

import (
	"log/slog"
	"sync"
)

// Room keys are namespaced so a channel id can never collide with a username.
func channelRoom(channelID string) string { return "channel:" + channelID }

func userRoom(identity string) string { return "user:" + identity }

// Hub owns every live connection and the room membership table. Only the gateway
// mutates it; routers fan out through Emit.
type Hub struct {
	mutex   sync.RWMutex
	rooms   map[string]*Room
	clients map[*Client]struct{}
	log     *slog.Logger
}

// builds an empty hub ready to serve websocket requests
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		rooms:   make(map[string]*Room),
		clients: make(map[*Client]struct{}),
		log:     log,
	}
}

// Exists takes a peek into the room map.
func (hub *Hub) Exists(key string) bool {
	hub.mutex.RLock()
	defer hub.mutex.RUnlock()
	_, ok := hub.rooms[key]
	return ok
}

// RoomSize returns how many connections are joined to key.
func (hub *Hub) RoomSize(key string) int {
	hub.mutex.RLock()
	defer hub.mutex.RUnlock()
	if room, ok := hub.rooms[key]; ok {
		return room.size()
	}
	return 0
}

// ConnectionCount returns the number of attached connections, registered or not.
func (hub *Hub) ConnectionCount() int {
	hub.mutex.RLock()
	defer hub.mutex.RUnlock()
	return len(hub.clients)
}

func (hub *Hub) attach(client *Client) {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()
	hub.clients[client] = struct{}{}
}

// detach removes the connection from every room it joined and from the connection set.
func (hub *Hub) detach(client *Client) {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()
	for key := range client.rooms {
		hub.leaveLocked(key, client)
	}
	delete(hub.clients, client)
}

func (hub *Hub) join(key string, client *Client) {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()
	room, exists := hub.rooms[key]
	if !exists {
		room = newRoom(key)
		hub.rooms[key] = room
	}
	room.add(client)
	client.rooms[key] = struct{}{}
}

func (hub *Hub) leave(key string, client *Client) {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()
	hub.leaveLocked(key, client)
}

func (hub *Hub) leaveLocked(key string, client *Client) {
	delete(client.rooms, key)
	room, exists := hub.rooms[key]
	if !exists {
		return
	}
	room.remove(client)
	if room.size() == 0 {
		delete(hub.rooms, key)
	}
}

// Emit delivers evt to every connection joined to key and returns how many accepted it.
func (hub *Hub) Emit(key string, evt Outbound) int {
	payload, err := encodeOutbound(evt)
	if err != nil {
		hub.log.Error("encode outbound event", "type", evt.Type, "err", err)
		return 0
	}
	hub.mutex.RLock()
	defer hub.mutex.RUnlock()
	room, exists := hub.rooms[key]
	if !exists {
		return 0
	}
	return room.broadcast(payload)
}

// EmitAll delivers evt to every attached connection.
func (hub *Hub) EmitAll(evt Outbound) int {
	payload, err := encodeOutbound(evt)
	if err != nil {
		hub.log.Error("encode outbound event", "type", evt.Type, "err", err)
		return 0
	}
	hub.mutex.RLock()
	defer hub.mutex.RUnlock()
	delivered := 0
	for client := range hub.clients {
		if client.enqueue(payload) {
			delivered++
		}
	}
	return delivered
}

// emitTo delivers evt to a single connection.
func (hub *Hub) emitTo(client *Client, evt Outbound) bool {
	payload, err := encodeOutbound(evt)
	if err != nil {
		hub.log.Error("encode outbound event", "type", evt.Type, "err", err)
		return false
	}
	return client.enqueue(payload)
}

func (hub *Hub) closeAll() {
	hub.mutex.RLock()
	defer hub.mutex.RUnlock()
	for client := range hub.clients {
		client.close()
	}
}
