package websockets

import (
	"sync"
)

const (
	STATUS_CONNECTED = iota
	STATUS_CLOSED
)

const broadcastBufferSize = 256

type Hub struct {
	broadcast  chan Message
	register   chan *Client
	unregister chan *Client
	clients    map[string]*Client
	mutex      sync.RWMutex
}

func newHub() *Hub {
	return &Hub{
		broadcast:  make(chan Message, broadcastBufferSize),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		clients:    make(map[string]*Client),
	}
}

func (h *Hub) run(m *Manager) {
	for {
		select {
		case client := <-h.register:
			m.registerClient(client)

		case client := <-h.unregister:
			m.unregisterClient(client)

		case message := <-h.broadcast:
			h.broadcastMessage(message, m)
		}
	}
}

// unregisterClient may be reached from both pumps; only the first call closes
// the send channel.
func (m *Manager) unregisterClient(client *Client) {
	m.hub.mutex.Lock()
	defer m.hub.mutex.Unlock()

	if _, ok := m.hub.clients[client.ID]; !ok {
		return
	}

	delete(m.hub.clients, client.ID)
	client.Status = STATUS_CLOSED
	close(client.send)

	m.log.Function("unregisterClient").Info("Client unregistered", "clientID", client.ID)
}

func (m *Manager) registerClient(client *Client) {
	m.hub.mutex.Lock()
	defer m.hub.mutex.Unlock()

	m.hub.clients[client.ID] = client
	m.log.Function("registerClient").Info("Client registered", "clientID", client.ID)
}

// broadcastMessage drops the message for clients whose buffer is full rather
// than stalling the feed for everyone.
func (h *Hub) broadcastMessage(message Message, m *Manager) {
	log := m.log.Function("broadcastMessage")

	h.mutex.RLock()
	defer h.mutex.RUnlock()

	sent := 0
	for clientID, client := range h.clients {
		if client.Status != STATUS_CONNECTED {
			continue
		}

		select {
		case client.send <- message:
			sent++
		default:
			log.Warn("Client too slow, dropping message", "clientID", clientID, "messageID", message.ID)
		}
	}

	log.Debug("Broadcast complete", "messageID", message.ID, "sentTo", sent, "totalClients", len(h.clients))
}
