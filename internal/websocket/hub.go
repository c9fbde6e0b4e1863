package websocket

import (
	"encoding/json"
	"sync"
)

// WalletUpdate is pushed to a user's connections after every committed change
// to their wallet. Balances are fixed-point strings.
type WalletUpdate struct {
	Index         uint64            `json:"index,omitempty"`
	TransactionID string            `json:"transaction_id"`
	Type          string            `json:"type"`
	Version       int64             `json:"version"`
	Balances      map[string]string `json:"balances"`
}

type outbound struct {
	version int64
	payload []byte
}

type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{}
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
	}
}

func (h *Hub) Register(userID string, client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[userID] == nil {
		h.clients[userID] = make(map[*Client]struct{})
	}
	h.clients[userID][client] = struct{}{}
}

func (h *Hub) Unregister(userID string, client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[userID] == nil {
		return
	}
	delete(h.clients[userID], client)
	if len(h.clients[userID]) == 0 {
		delete(h.clients, userID)
	}
}

// Connections reports how many live connections userID has.
func (h *Hub) Connections(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}

// Subscribe registers a feed for userID before its backlog is read, so an
// update committed meanwhile is buffered rather than lost. A subscription that
// is never served must be dropped with Unregister.
func (h *Hub) Subscribe(userID string) *Client {
	client := &Client{
		userID: userID,
		send:   make(chan outbound, sendBuffer),
	}
	h.Register(userID, client)
	return client
}

// BroadcastWallet never blocks: a client whose buffer is full misses the
// update and catches up through the event replay.
func (h *Hub) BroadcastWallet(userID string, update WalletUpdate) {
	message := outbound{version: update.Version}
	message.payload, _ = json.Marshal(update)
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients[userID] {
		select {
		case client.send <- message:
		default:
		}
	}
}
