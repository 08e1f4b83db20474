package pubsub

import (
	"context"
	"log/slog"

	"github.com/coder/websocket"
)

type Message struct {
	VotingID string
	Data     []byte
}

// one client connected via websocket, watching one voting
type Client struct {
	Hub      *Hub
	Conn     *websocket.Conn
	Send     chan []byte
	VotingID string
}

type Hub struct {
	Clients    map[string]map[*Client]bool
	Broadcast  chan *Message
	Register   chan *Client
	Unregister chan *Client
	log        *slog.Logger
}

func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		Clients:    make(map[string]map[*Client]bool),
		Broadcast:  make(chan *Message),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		log:        log,
	}
}

// Publish hands a result update to every watcher of votingID.
func (h *Hub) Publish(ctx context.Context, votingID string, data []byte) {
	select {
	case h.Broadcast <- &Message{VotingID: votingID, Data: data}:
	case <-ctx.Done():
	}
}

func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for _, conns := range h.Clients {
				for c := range conns {
					close(c.Send)
				}
			}
			h.Clients = make(map[string]map[*Client]bool)
			return

		case client := <-h.Register:
			conn := h.Clients[client.VotingID]
			if conn == nil {
				conn = make(map[*Client]bool)
				h.Clients[client.VotingID] = conn
			}
			conn[client] = true

		case client := <-h.Unregister:
			conn := h.Clients[client.VotingID]
			if conn != nil {
				if _, ok := conn[client]; ok {
					delete(conn, client)
					close(client.Send)
					if len(conn) == 0 {
						delete(h.Clients, client.VotingID)
					}
				}
			}

		case message := <-h.Broadcast:
			conn := h.Clients[message.VotingID]
			for c := range conn {
				select {
				case c.Send <- message.Data:

				default:
					// too slow to keep up, drop it
					close(c.Send)
					delete(conn, c)
				}
			}
			if conn != nil && len(conn) == 0 {
				delete(h.Clients, message.VotingID)
			}
		}
	}
}

// Attach registers conn as a watcher of votingID, sends initial (if any)
// and blocks until the connection goes away.
func (h *Hub) Attach(ctx context.Context, conn *websocket.Conn, votingID string, initial []byte) {
	c := &Client{Hub: h, Conn: conn, Send: make(chan []byte, 16), VotingID: votingID}
	if initial != nil {
		c.Send <- initial
	}

	select {
	case h.Register <- c:
	case <-ctx.Done():
		conn.Close(websocket.StatusGoingAway, "shutting down")
		return
	}

	go c.WritePump(ctx)
	c.ReadPump(ctx)
}

// WritePump sends messages from the hub to the WebSocket connection
func (c *Client) WritePump(ctx context.Context) {
	defer func() {
		c.Conn.Close(websocket.StatusNormalClosure, "")
	}()

	for m := range c.Send {
		err := c.Conn.Write(ctx, websocket.MessageText, m)
		if err != nil {
			c.Hub.log.Warn("error writing to watcher", "voting_id", c.VotingID, "error", err)
			break
		}
	}
}

// ReadPump waits for the client to go away; watchers never send anything
// we care about.
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		select {
		case c.Hub.Unregister <- c:
		case <-ctx.Done():
		}
		c.Conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		_, _, err := c.Conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				c.Hub.log.Debug("watcher disconnected", "voting_id", c.VotingID)
			} else {
				c.Hub.log.Debug("watcher read failed", "voting_id", c.VotingID, "error", err)
			}
			break
		}
	}
}
