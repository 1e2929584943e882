// Package server ties the message store, identity registry, and hub
// together into the mutation protocol: validate the acting identity, apply
// the store mutation, and fan the result out to every connection.
package server

import (
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
)

// Service is the single owner of the mutation protocol. Its mutex makes
// each mutation and its broadcast enqueue one indivisible step, and makes
// a new connection's replay snapshot indivisible from its registration.
// Because the hub consumes one FIFO channel, nothing can observe a mutated
// store without the matching broadcast already ordered behind it.
type Service struct {
	mu       sync.Mutex
	store    *Store
	registry *Registry
	hub      *Hub
}

// NewService builds the coordinator. The hub's Run loop must be started by
// the caller.
func NewService(store *Store, registry *Registry, hub *Hub) *Service {
	return &Service{
		store:    store,
		registry: registry,
		hub:      hub,
	}
}

// Connect handles a fresh push-channel connection: it binds a new identity
// and display color, preloads the identity/color/replay frames, and
// registers the client. Holding the mutex across snapshot and registration
// guarantees the client sees every record exactly once: replayed if it
// existed at connect time, broadcast if created later.
func (s *Service) Connect(conn *websocket.Conn, addr string) *Client {
	s.mu.Lock()
	defer s.mu.Unlock()

	identity, color := s.registry.Bind()
	client := NewClient(conn, s.hub, s, addr, identity, color)

	records := s.store.All()
	backlog := make([][]byte, 0, len(records)+2)
	backlog = appendFrame(backlog, encodeEvent(EventAssignID, identity))
	backlog = appendFrame(backlog, encodeEvent(EventAssignColor, color))
	for _, rec := range records {
		backlog = appendFrame(backlog, encodeEvent(EventNewMessage, rec))
	}
	client.backlog = backlog

	s.hub.Register(client)
	slog.Info("connection bound", "identity", identity, "color", color, "remote", addr, "replayed", len(records))
	return client
}

// Disconnect unbinds the connection's identity and removes it from the
// hub. The store is untouched: messages outlive their authoring
// connection. Safe to call more than once.
func (s *Service) Disconnect(client *Client) {
	s.mu.Lock()
	s.registry.Unbind(client.identity)
	s.mu.Unlock()

	s.hub.Unregister(client)
}

// Create appends a draft on behalf of identity and broadcasts the new
// record to every connection. The identity must be one this server issued
// and still bound to a live connection; nothing inside the draft is
// trusted for attribution.
func (s *Service) Create(draft Draft, identity string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.registry.Resolve(identity) {
		mutationFailures.WithLabelValues("create", "unauthorized").Inc()
		return Record{}, ErrUnauthorized
	}

	rec := s.store.Append(draft, identity)
	s.hub.Broadcast(encodeEvent(EventNewMessage, rec))
	messagesCreated.Inc()
	slog.Info("message created", "index", rec.Index, "author", identity)
	return rec, nil
}

// Edit replaces the text of the record at index if identity authored it and
// it is not a tombstone, then broadcasts the updated record. On failure
// nothing is broadcast and the store is unchanged; the current record is
// returned so callers can report the original author.
func (s *Service) Edit(index int, newText, identity string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.store.Edit(index, newText, identity)
	if err != nil {
		mutationFailures.WithLabelValues("edit", failureReason(err)).Inc()
		slog.Warn("edit rejected", "index", index, "requester", identity, "reason", err)
		return rec, err
	}

	s.hub.Broadcast(encodeEvent(EventUpdateMessage, RecordEvent{ID: index, Message: rec}))
	messagesEdited.Inc()
	slog.Info("message edited", "index", index, "author", identity)
	return rec, nil
}

// Delete soft-deletes the record at index if identity authored it, then
// broadcasts the tombstone. Deleting a tombstone again succeeds and
// re-broadcasts the same state.
func (s *Service) Delete(index int, identity string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.store.SoftDelete(index, identity)
	if err != nil {
		mutationFailures.WithLabelValues("delete", failureReason(err)).Inc()
		slog.Warn("delete rejected", "index", index, "requester", identity, "reason", err)
		return rec, err
	}

	s.hub.Broadcast(encodeEvent(EventMessageDeleted, RecordEvent{ID: index, Message: rec}))
	messagesDeleted.Inc()
	slog.Info("message deleted", "index", index, "author", identity)
	return rec, nil
}

// Replay returns every record with its index in creation order, tombstones
// included. Equivalent to the connect-time replay.
func (s *Service) Replay() []Record {
	return s.store.All()
}

func appendFrame(backlog [][]byte, frame []byte) [][]byte {
	if frame == nil {
		return backlog
	}
	return append(backlog, frame)
}
