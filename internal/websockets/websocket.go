package websockets

import (
	"time"

	"opmsync/internal/events"

	logger "github.com/Bparsons0904/goLogger"
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
)

const (
	MESSAGE_TYPE_PING     = "ping"
	MESSAGE_TYPE_PONG     = "pong"
	MESSAGE_TYPE_WELCOME  = "welcome"
	MESSAGE_TYPE_PROGRESS = "progress"
	PING_INTERVAL         = 30 * time.Second
	PONG_TIMEOUT          = 60 * time.Second
	WRITE_TIMEOUT         = 10 * time.Second
	MAX_MESSAGE_SIZE      = 64 * 1024
	SEND_CHANNEL_SIZE     = 64
)

type Message struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Channel   string         `json:"channel,omitempty"`
	Action    string         `json:"action,omitempty"`
	RunID     string         `json:"runId,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

type Client struct {
	ID         string
	Connection *websocket.Conn
	Manager    *Manager
	Status     int
	send       chan Message
}

// Manager relays pipeline progress events to every connected feed client.
// The feed is read-only; clients may only ping.
type Manager struct {
	hub      *Hub
	log      logger.Logger
	eventBus *events.EventBus
}

func New(eventBus *events.EventBus) (*Manager, error) {
	log := logger.New("websockets")

	manager := &Manager{
		hub:      newHub(),
		log:      log,
		eventBus: eventBus,
	}

	log.Function("New").Info("Starting websocket hub")
	go manager.hub.run(manager)

	if err := manager.subscribeToProgressEvents(); err != nil {
		return nil, err
	}

	return manager, nil
}

func (m *Manager) HandleWebSocket(c *websocket.Conn) {
	log := m.log.Function("HandleWebSocket")

	client := &Client{
		ID:         uuid.New().String(),
		Connection: c,
		Manager:    m,
		Status:     STATUS_CONNECTED,
		send:       make(chan Message, SEND_CHANNEL_SIZE),
	}

	welcome := Message{
		ID:        uuid.New().String(),
		Type:      MESSAGE_TYPE_WELCOME,
		Channel:   events.PROGRESS_CHANNEL.String(),
		Action:    "subscribed",
		Timestamp: time.Now(),
	}
	if err := c.WriteJSON(welcome); err != nil {
		log.Er("failed to send welcome message", err)
		if err := c.Close(); err != nil {
			log.Er("failed to close connection", err)
		}
		return
	}

	m.hub.register <- client
	defer func() {
		log.Info("Client disconnected", "clientID", client.ID)
		m.hub.unregister <- client
		if err := c.Close(); err != nil {
			log.Debug("connection already closed", "clientID", client.ID)
		}
	}()

	go client.readPump()
	client.writePump()
}

func (c *Client) readPump() {
	log := c.Manager.log.Function("readPump")
	defer func() {
		c.Manager.hub.unregister <- c
		_ = c.Connection.Close()
	}()

	c.Connection.SetReadLimit(MAX_MESSAGE_SIZE)
	if err := c.Connection.SetReadDeadline(time.Now().Add(PONG_TIMEOUT)); err != nil {
		log.Er("failed to set read deadline", err, "clientID", c.ID)
	}
	c.Connection.SetPongHandler(func(string) error {
		return c.Connection.SetReadDeadline(time.Now().Add(PONG_TIMEOUT))
	})

	for {
		var message Message
		if err := c.Connection.ReadJSON(&message); err != nil {
			if websocket.IsUnexpectedCloseError(
				err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
			) {
				log.Er("Unexpected close error", err, "clientID", c.ID)
			}
			return
		}

		if message.Type != MESSAGE_TYPE_PING {
			log.Debug("Ignoring client message", "clientID", c.ID, "type", message.Type)
			continue
		}

		select {
		case c.send <- Message{ID: uuid.New().String(), Type: MESSAGE_TYPE_PONG, Timestamp: time.Now()}:
		default:
			log.Warn("Client send channel full, dropping pong", "clientID", c.ID)
		}
	}
}

func (c *Client) writePump() {
	log := c.Manager.log.Function("writePump")

	ticker := time.NewTicker(PING_INTERVAL)
	defer func() {
		ticker.Stop()
		_ = c.Connection.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if err := c.Connection.SetWriteDeadline(time.Now().Add(WRITE_TIMEOUT)); err != nil {
				log.Er("failed to set write deadline", err, "clientID", c.ID)
			}
			if !ok {
				_ = c.Connection.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Connection.WriteJSON(message); err != nil {
				log.Er("WebSocket write error", err, "clientID", c.ID)
				return
			}

		case <-ticker.C:
			if err := c.Connection.SetWriteDeadline(time.Now().Add(WRITE_TIMEOUT)); err != nil {
				log.Er("failed to set write deadline for ping", err, "clientID", c.ID)
			}
			if err := c.Connection.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (m *Manager) subscribeToProgressEvents() error {
	log := m.log.Function("subscribeToProgressEvents")
	log.Info("Starting progress events subscription")

	err := m.eventBus.Subscribe(events.PROGRESS_CHANNEL, func(event events.Event) error {
		m.BroadcastMessage(MessageFromEvent(event))
		return nil
	})
	if err != nil {
		return log.Err("failed to subscribe to progress events", err)
	}
	return nil
}

// MessageFromEvent converts a bus event into the feed's wire message.
func MessageFromEvent(event events.Event) Message {
	return Message{
		ID:        event.ID,
		Type:      MESSAGE_TYPE_PROGRESS,
		Channel:   event.Channel.String(),
		Action:    string(event.Type),
		RunID:     event.RunID,
		Data:      event.Data,
		Timestamp: event.Timestamp,
	}
}

// BroadcastMessage queues a message for every client. It never blocks the
// event bus; a full hub drops the message.
func (m *Manager) BroadcastMessage(message Message) {
	select {
	case m.hub.broadcast <- message:
	default:
		m.log.Function("BroadcastMessage").
			Warn("Broadcast channel is full, dropping message", "messageID", message.ID)
	}
}

func (m *Manager) ClientCount() int {
	m.hub.mutex.RLock()
	defer m.hub.mutex.RUnlock()
	return len(m.hub.clients)
}
