// Package server defines the push-channel event envelope and the payload
// shapes broadcast to connected clients.
package server

import (
	"encoding/json"
	"log/slog"
)

// Push-channel event names. Clients key their handlers on these.
const (
	// EventAssignID delivers the connection's identity. Always the first
	// frame on a new connection; clients must not mutate before receiving it.
	EventAssignID = "assign_socket_id"
	// EventAssignColor delivers the connection's display color.
	EventAssignColor = "assign_color"
	// EventNewMessage carries a full record, both for replay and for newly
	// created messages.
	EventNewMessage = "new_message"
	// EventUpdateMessage carries the index and updated record after an edit.
	EventUpdateMessage = "update_message"
	// EventMessageDeleted carries the index and tombstone after a delete.
	EventMessageDeleted = "message_deleted"
)

// Event is the envelope for every frame pushed over the channel.
type Event struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// RecordEvent pairs a record with its index for update and delete
// broadcasts.
type RecordEvent struct {
	ID      int    `json:"id"`
	Message Record `json:"message"`
}

// encodeEvent marshals an event envelope. Payloads are plain structs and
// strings, so failure indicates a programming error; it is logged and the
// frame dropped rather than tearing the connection down.
func encodeEvent(name string, data any) []byte {
	payload, err := json.Marshal(Event{Event: name, Data: data})
	if err != nil {
		slog.Error("failed to encode push event", "event", name, "error", err)
		return nil
	}
	return payload
}
