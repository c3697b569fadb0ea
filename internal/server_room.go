package internal

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// a room is the set of connections that receive events published under its key
type Room struct {
	key     string
	clients map[*Client]bool
}

func newRoom(key string) *Room {
	return &Room{
		key:     key,
		clients: make(map[*Client]bool),
	}
}

func (room *Room) size() int {
	return len(room.clients)
}

func (room *Room) add(client *Client) {
	room.clients[client] = true
}

func (room *Room) remove(client *Client) {
	delete(room.clients, client)
}

// broadcast fans the payload out to every member. A member whose send buffer is full is
// closed; its read pump then runs the normal disconnect path.
func (room *Room) broadcast(payload []byte) int {
	delivered := 0
	for client := range room.clients {
		if client.enqueue(payload) {
			delivered++
		}
	}
	return delivered
}

// Client wraps a single websocket connection and a buffered send queue. identity and
// messageTimes are only touched by the connection's read pump.
type Client struct {
	id           string
	conn         *websocket.Conn
	send         chan []byte
	done         chan struct{}
	closeOnce    sync.Once
	rooms        map[string]struct{}
	identity     string
	messageTimes []time.Time
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMsgSize = 16384
)

func newClient(conn *websocket.Conn, bufferSize int) *Client {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &Client{
		id:           uuid.NewString(),
		conn:         conn,
		send:         make(chan []byte, bufferSize),
		done:         make(chan struct{}),
		rooms:        make(map[string]struct{}),
		messageTimes: make([]time.Time, 0, 8),
	}
}

// enqueue never blocks: a full buffer means the peer is too slow and gets dropped.
func (client *Client) enqueue(payload []byte) bool {
	select {
	case <-client.done:
		return false
	default:
	}
	select {
	case client.send <- payload:
		return true
	default:
		client.close()
		return false
	}
}

func (client *Client) close() {
	client.closeOnce.Do(func() {
		close(client.done)
	})
}

func (client *Client) closed() bool {
	select {
	case <-client.done:
		return true
	default:
		return false
	}
}

func (client *Client) readPump(ctx context.Context, gateway *Gateway) {
	defer func() {
		gateway.onDisconnect(client)
		client.close()
		_ = client.conn.Close()
	}()
	client.conn.SetReadLimit(maxMsgSize)
	_ = client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		messageType, payload, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !errors.Is(err, context.Canceled) {
				gateway.log.Debug("websocket read ended", "conn", client.id, "err", err)
			}
			// read error ends the loop so the deferred cleanup can fire.
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		// events of one connection are handled in receipt order.
		gateway.handle(ctx, client, payload)
		if client.closed() {
			return
		}
	}
}

func (client *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = client.conn.Close()
	}()
	for {
		select {
		case message := <-client.send:
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				client.close()
				return
			}
		case <-client.done:
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = client.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-ticker.C:
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				client.close()
				return
			}
		}
	}
}

// allowMessage is a per-connection sliding window over message events. A burst of zero
// disables the limit.
func (client *Client) allowMessage(now time.Time, burst int, window time.Duration) bool {
	if burst <= 0 {
		return true
	}
	cutoff := now.Add(-window)
	idx := 0
	for _, ts := range client.messageTimes {
		if ts.After(cutoff) {
			client.messageTimes[idx] = ts
			idx++
		}
	}
	client.messageTimes = client.messageTimes[:idx]
	if len(client.messageTimes) >= burst {
		return false
	}
	client.messageTimes = append(client.messageTimes, now)
	return true
}
