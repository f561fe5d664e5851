// Package mock provides a recording test double for indexer.Indexer.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/MrWong99/echopanel/internal/indexer"
)

// Indexer records every call. IDs are "session-1", "session-2", ...
type Indexer struct {
	mu sync.Mutex

	// Err, if non-nil, is returned from every method.
	Err error

	Started   []string
	Entries   map[string][]indexer.Entry
	Ended     []string
	nextIndex int
}

var _ indexer.Indexer = (*Indexer)(nil)

// SessionStart records title and returns the next id.
func (m *Indexer) SessionStart(_ context.Context, title, _ string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return "", m.Err
	}
	m.nextIndex++
	m.Started = append(m.Started, title)
	return fmt.Sprintf("session-%d", m.nextIndex), nil
}

// Transcript records e under sessionID.
func (m *Indexer) Transcript(_ context.Context, sessionID string, e indexer.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	if m.Entries == nil {
		m.Entries = make(map[string][]indexer.Entry)
	}
	m.Entries[sessionID] = append(m.Entries[sessionID], e)
	return nil
}

// SessionEnd records sessionID.
func (m *Indexer) SessionEnd(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.Ended = append(m.Ended, sessionID)
	return nil
}

// EntryCount returns the number of entries recorded for sessionID.
func (m *Indexer) EntryCount(sessionID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Entries[sessionID])
}

// EndedSessions returns a copy of the ended session ids.
func (m *Indexer) EndedSessions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.Ended...)
}
