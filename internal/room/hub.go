package room

// Hub owns the set of connected clients and their room subscriptions, and
// delivers outbound frames to them. All state lives inside the Run goroutine;
// the channels are the only way in. The Hub is purely local: cross-instance
// fan-out happens one layer up, through the redis bridge.
type Hub struct {
	register    chan *Client
	unregister  chan *Client
	subscribe   chan subscription
	outbound    chan outbound
	activeRooms chan chan []string

	clients map[*Client]bool
	rooms   map[string]map[*Client]bool
}

type subscription struct {
	client *Client
	room   string
	leave  bool
}

type outbound struct {
	room    string
	exclude string // session id to skip, "" for none
	to      string // non-empty: deliver to this session only
	data    []byte
}

func NewHub() *Hub {
	return &Hub{
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		subscribe:   make(chan subscription),
		outbound:    make(chan outbound, 64),
		activeRooms: make(chan chan []string),
		clients:     make(map[*Client]bool),
		rooms:       make(map[string]map[*Client]bool),
	}
}

func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.clients[client] = true

		case client := <-h.unregister:
			h.drop(client)

		case sub := <-h.subscribe:
			if sub.leave {
				h.leaveRoom(sub.client, sub.room)
			} else {
				if h.rooms[sub.room] == nil {
					h.rooms[sub.room] = make(map[*Client]bool)
				}
				h.rooms[sub.room][sub.client] = true
			}

		case msg := <-h.outbound:
			for client := range h.rooms[msg.room] {
				if msg.exclude != "" && client.sessionID == msg.exclude {
					continue
				}
				if msg.to != "" && client.sessionID != msg.to {
					continue
				}
				if !client.trySend(msg.data) {
					// Slow consumer, cut it loose.
					h.drop(client)
				}
			}

		case reply := <-h.activeRooms:
			codes := make([]string, 0, len(h.rooms))
			for code, clients := range h.rooms {
				if len(clients) > 0 {
					codes = append(codes, code)
				}
			}
			reply <- codes
		}
	}
}

func (h *Hub) drop(client *Client) {
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	for code := range h.rooms {
		h.leaveRoom(client, code)
	}
	client.closeSend()
	_ = client.conn.Close()
}

func (h *Hub) leaveRoom(client *Client, code string) {
	if clients, ok := h.rooms[code]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.rooms, code)
		}
	}
}

// Deliver hands a frame to every local subscriber of the room, honoring the
// exclusion / direct-address fields.
func (h *Hub) Deliver(room string, data []byte, exclude, to string) {
	h.outbound <- outbound{room: room, data: data, exclude: exclude, to: to}
}

// Subscribe adds the client to a room's delivery set.
func (h *Hub) Subscribe(c *Client, room string) {
	h.subscribe <- subscription{client: c, room: room}
}

// Unsubscribe removes the client from a room's delivery set.
func (h *Hub) Unsubscribe(c *Client, room string) {
	h.subscribe <- subscription{client: c, room: room, leave: true}
}

// ActiveRooms lists rooms with at least one local subscriber. The heartbeat
// uses it to know what to re-broadcast.
func (h *Hub) ActiveRooms() []string {
	reply := make(chan []string, 1)
	h.activeRooms <- reply
	return <-reply
}
