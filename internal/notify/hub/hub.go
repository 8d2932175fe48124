// Package hub fans envelopes out to in-process realtime connections
// subscribed to recipient topics.
package hub

import (
	"context"
	"encoding/json"
	"expvar"
	"fmt"
	"sync"

	"cafe/dispatch-service/internal/notify"

	"go.uber.org/zap"
)

var droppedMessages = expvar.NewInt("hub_dropped_messages_total")

type Client struct {
	ID     string
	Send   chan []byte
	topics map[string]struct{}
}

func NewClient(id string, buffer int) *Client {
	if buffer <= 0 {
		buffer = 16
	}
	return &Client{ID: id, Send: make(chan []byte, buffer), topics: make(map[string]struct{})}
}

type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	log     *zap.Logger
}

func New(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{clients: make(map[string]*Client), log: logger}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ID] = client
}

func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client.ID]; !ok {
		return
	}
	delete(h.clients, client.ID)
	close(client.Send)
}

func (h *Hub) Subscribe(client *Client, to notify.Recipient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	client.topics[to.Topic()] = struct{}{}
}

func (h *Hub) Unsubscribe(client *Client, to notify.Recipient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(client.topics, to.Topic())
}

// Subscribers counts connections listening on the recipient's topic.
func (h *Hub) Subscribers(to notify.Recipient) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	topic := to.Topic()
	count := 0
	for _, client := range h.clients {
		if _, ok := client.topics[topic]; ok {
			count++
		}
	}
	return count
}

// Publish never blocks: a connection whose buffer is full loses the message.
// An error is returned only when every subscriber dropped it.
func (h *Hub) Publish(_ context.Context, env notify.Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	topic := env.Recipient.Topic()

	h.mu.RLock()
	defer h.mu.RUnlock()
	matched, dropped := 0, 0
	for _, client := range h.clients {
		if _, ok := client.topics[topic]; !ok {
			continue
		}
		matched++
		select {
		case client.Send <- payload:
		default:
			dropped++
			droppedMessages.Add(1)
			h.log.Warn("drop message for client", zap.String("client_id", client.ID), zap.String("topic", topic), zap.String("type", env.Type))
		}
	}
	if matched > 0 && matched == dropped {
		return fmt.Errorf("%w: %d subscribers of %s are saturated", notify.ErrTransportFailure, matched, topic)
	}
	return nil
}
