package server

import (
	"testing"
	"time"
)

func TestBroadcastWithNoClientsDoesNotBlock(t *testing.T) {
	hub := NewHub()
	go hub.Run()
	t.Cleanup(func() { _ = hub.Shutdown(time.Second) })

	done := make(chan struct{})
	go func() {
		hub.Broadcast([]byte(`{"event":"new_message"}`))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast blocked with no clients connected")
	}
}

func TestBroadcastIgnoresNilPayload(t *testing.T) {
	hub := NewHub()
	go hub.Run()
	t.Cleanup(func() { _ = hub.Shutdown(time.Second) })

	// A nil payload comes from a failed event encode; it must be dropped
	// without reaching the ops channel.
	hub.Broadcast(nil)
	hub.Broadcast([]byte(`{"event":"new_message"}`))
}

func TestShutdownCompletesWithoutClients(t *testing.T) {
	hub := NewHub()
	go hub.Run()

	if err := hub.Shutdown(time.Second); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}

	// Operations after shutdown are dropped rather than blocking.
	hub.Broadcast([]byte("late"))
	hub.Unregister(&Client{})
}
