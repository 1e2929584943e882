// Package server holds the message store and the synchronization machinery
// that keeps every connected client's view of it consistent.
package server

import (
	"errors"
	"sync"
)

// DeletedText replaces a message's text when it is soft-deleted. The
// original text is gone for good; tombstones render with this sentinel.
const DeletedText = "deleted"

var (
	// ErrNotFound is returned when the target index does not exist in the store.
	ErrNotFound = errors.New("message not found")
	// ErrUnauthorized is returned when the requester is not the message's author.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrMessageDeleted is returned when an edit targets a soft-deleted message.
	ErrMessageDeleted = errors.New("message deleted")
)

// Record is a single chat message. Index and AuthorID are assigned by the
// server at append time; only Text and Deleted ever change afterwards.
type Record struct {
	Index     int    `json:"index"`
	Text      string `json:"text"`
	Timestamp string `json:"timestamp"`
	Sender    string `json:"sender"`
	Color     string `json:"color"`
	AuthorID  string `json:"authorId"`
	Deleted   bool   `json:"deleted"`
}

// Draft is the client-supplied portion of a new message. Fields are stored
// verbatim; the collaborating client is expected to trim and refuse empty
// text before submitting.
type Draft struct {
	Text      string `json:"text"`
	Timestamp string `json:"timestamp"`
	Sender    string `json:"sender"`
	Color     string `json:"color"`
}

// Store is the ordered, append-only collection of message records. Records
// are addressed by the index assigned at append time; indices are never
// reused or reassigned, and soft-deleted records stay in place as
// tombstones. All access goes through the mutex so concurrent handlers
// cannot race on index assignment or lose updates.
type Store struct {
	mu      sync.RWMutex
	records []Record
}

// NewStore returns an empty message store.
func NewStore() *Store {
	return &Store{}
}

// Append assigns the next sequential index to the draft, binds the author
// identity, and stores the resulting record. It cannot fail: any draft
// content is accepted as-is.
func (s *Store) Append(draft Draft, authorID string) Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := Record{
		Index:     len(s.records),
		Text:      draft.Text,
		Timestamp: draft.Timestamp,
		Sender:    draft.Sender,
		Color:     draft.Color,
		AuthorID:  authorID,
	}
	s.records = append(s.records, rec)
	return rec
}

// All returns every record in creation order, tombstones included. The
// returned slice is a copy; callers cannot mutate store state through it.
func (s *Store) All() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Record, len(s.records))
	copy(out, s.records)
	return out
}

// Len returns the number of records, tombstones included.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Edit replaces the text of the record at index, provided the requester is
// the original author and the record has not been soft-deleted. Every other
// field is left untouched. On failure the store is unchanged; the current
// record is returned alongside the error so callers can report the original
// author.
func (s *Store) Edit(index int, newText, requester string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if index < 0 || index >= len(s.records) {
		return Record{}, ErrNotFound
	}
	rec := &s.records[index]
	if rec.AuthorID != requester {
		return *rec, ErrUnauthorized
	}
	if rec.Deleted {
		return *rec, ErrMessageDeleted
	}

	rec.Text = newText
	return *rec, nil
}

// SoftDelete marks the record at index as deleted and rewrites its text to
// the sentinel, provided the requester is the original author. The record
// stays in the store as a tombstone and can never be un-deleted. Deleting
// an already-deleted record succeeds and leaves the same observable state.
func (s *Store) SoftDelete(index int, requester string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if index < 0 || index >= len(s.records) {
		return Record{}, ErrNotFound
	}
	rec := &s.records[index]
	if rec.AuthorID != requester {
		return *rec, ErrUnauthorized
	}

	rec.Deleted = true
	rec.Text = DeletedText
	return *rec, nil
}
