// Package server implements the Parley chat server: an in-memory message
// store with author-only edit and soft-delete, synchronized to every
// connected browser through a websocket push channel and mutated through a
// small JSON HTTP API.
package server
