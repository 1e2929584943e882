// Package server coordinates client registration, broadcast fan-out, and
// connection cleanup via the Hub type.
package server

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// hubOp is a single command for the hub's event loop. Registrations and
// broadcasts share one FIFO channel so a client registered before a
// mutation can never miss that mutation's broadcast: the replay preloaded
// at registration and the broadcasts that follow are processed in exactly
// the order the service issued them.
type hubOp struct {
	register   *Client
	unregister *Client
	payload    []byte
}

// Hub owns the set of connected clients and fans broadcast frames out to
// all of them. It runs as a single event loop; the mutex only guards the
// client map against concurrent reads from safeSend.
type Hub struct {
	clients map[*Client]bool
	ops     chan hubOp
	mutex   sync.RWMutex
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewHub creates a Hub ready to manage connections. Call Run in its own
// goroutine before registering clients.
func NewHub() *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients: make(map[*Client]bool),
		ops:     make(chan hubOp, 512),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// Register queues a client for registration. The client's preloaded backlog
// (identity, color, replay) is flushed by its write pump once the loop
// admits it.
func (h *Hub) Register(client *Client) {
	select {
	case h.ops <- hubOp{register: client}:
	case <-h.ctx.Done():
	}
}

// Unregister queues a client for removal. Safe to call more than once.
func (h *Hub) Unregister(client *Client) {
	select {
	case h.ops <- hubOp{unregister: client}:
	case <-h.ctx.Done():
	}
}

// Broadcast queues a frame for delivery to every connected client,
// including the one whose request caused it.
func (h *Hub) Broadcast(payload []byte) {
	if payload == nil {
		return
	}
	select {
	case h.ops <- hubOp{payload: payload}:
	case <-h.ctx.Done():
	}
}

// Run drives the hub's event loop. It returns when Shutdown cancels the
// hub's context.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return
		case op := <-h.ops:
			switch {
			case op.register != nil:
				h.handleRegister(op.register)
			case op.unregister != nil:
				h.handleUnregister(op.unregister)
			case op.payload != nil:
				h.handleBroadcast(op.payload)
			}
		}
	}
}

func (h *Hub) handleRegister(client *Client) {
	h.mutex.Lock()
	client.closed = false
	h.clients[client] = true
	clientCount := len(h.clients)
	h.mutex.Unlock()

	connectedClients.Set(float64(clientCount))
	slog.Info("client registered", "remote", client.addr, "identity", client.identity, "clients", clientCount)

	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		client.writePump()
	}()
	go func() {
		defer h.wg.Done()
		client.readPump()
	}()
}

func (h *Hub) handleUnregister(client *Client) {
	h.mutex.Lock()
	if _, ok := h.clients[client]; !ok {
		h.mutex.Unlock()
		return
	}
	delete(h.clients, client)
	client.closed = true
	clientCount := len(h.clients)
	h.mutex.Unlock()

	// Close the channel after releasing the lock.
	close(client.send)
	connectedClients.Set(float64(clientCount))
	slog.Info("client unregistered", "remote", client.addr, "identity", client.identity, "clients", clientCount)
}

func (h *Hub) handleBroadcast(payload []byte) {
	clients := h.clientSnapshot()
	broadcastEvents.Inc()

	var failed []*Client
	for _, client := range clients {
		if !h.safeSend(client, payload) {
			failed = append(failed, client)
		}
	}
	h.removeFailedClients(failed)
}

// safeSend delivers a frame to a single client without blocking the loop.
// A full send buffer counts as failure; the client is removed rather than
// allowed to stall everyone else. The loop goroutine is the only closer of
// send channels, so a send here cannot hit a closed channel.
func (h *Hub) safeSend(client *Client, payload []byte) bool {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	if _, ok := h.clients[client]; !ok || client.closed {
		return false
	}

	select {
	case client.send <- payload:
		return true
	default:
		return false
	}
}

func (h *Hub) clientSnapshot() []*Client {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	return clients
}

func (h *Hub) removeFailedClients(failed []*Client) {
	if len(failed) == 0 {
		return
	}

	h.mutex.Lock()
	var channelsToClose []chan []byte
	for _, client := range failed {
		if _, ok := h.clients[client]; ok {
			delete(h.clients, client)
			client.closed = true
			channelsToClose = append(channelsToClose, client.send)
			slog.Warn("dropping client with full send buffer", "remote", client.addr, "identity", client.identity)
		}
	}
	clientCount := len(h.clients)
	h.mutex.Unlock()

	connectedClients.Set(float64(clientCount))
	for _, ch := range channelsToClose {
		close(ch)
	}
}

func (h *Hub) shutdownClients() {
	h.mutex.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mutex.Unlock()

	for _, client := range clients {
		if client.conn == nil {
			continue
		}
		if err := client.conn.Close(); err != nil && !isExpectedCloseError(err) {
			slog.Warn("error closing client connection", "remote", client.addr, "error", err)
		}
	}

	slog.Info("closed client connections", "count", len(clients))
}

// Shutdown stops the event loop, closes every connection, and waits for the
// pump goroutines to finish or the timeout to elapse.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.cancel()
	<-h.done

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("hub shutdown completed")
		return nil
	case <-time.After(timeout):
		slog.Warn("hub shutdown timeout reached")
		return context.DeadlineExceeded
	}
}
