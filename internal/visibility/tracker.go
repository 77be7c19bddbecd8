// Package visibility tracks which recipients currently have a visible
// foreground connection.
package visibility

import (
	"sync"

	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"
)

type Visibility string

const (
	Visible Visibility = "visible"
	Hidden  Visibility = "hidden"
)

// Valid reports whether v is one of the known visibility values.
func (v Visibility) Valid() bool {
	return v == Visible || v == Hidden
}

// Tracker maps foreground connection ids to their recipient and visibility.
// The zero value is not usable; a nil *Tracker reports nothing visible.
type Tracker struct {
	mu   sync.RWMutex
	byID map[string]*entry
}

type entry struct {
	recipient  string
	visibility Visibility
}

func NewTracker() *Tracker {
	return &Tracker{byID: make(map[string]*entry)}
}

// Register records a new connection as visible.
func (t *Tracker) Register(connectionID string, recipient urn.URN) {
	if connectionID == "" {
		return
	}
	t.mu.Lock()
	t.byID[connectionID] = &entry{recipient: recipient.String(), visibility: Visible}
	t.mu.Unlock()
}

func (t *Tracker) Unregister(connectionID string) {
	if connectionID == "" {
		return
	}
	t.mu.Lock()
	delete(t.byID, connectionID)
	t.mu.Unlock()
}

// SetVisibility updates a connection owned by recipient. It returns false for
// unknown connections, a recipient mismatch or an invalid value.
func (t *Tracker) SetVisibility(connectionID string, recipient urn.URN, v Visibility) bool {
	if connectionID == "" || !v.Valid() {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.byID[connectionID]
	if !ok || e.recipient != recipient.String() {
		return false
	}
	e.visibility = v
	return true
}

// HasVisibleConnection reports whether recipient has at least one visible connection.
func (t *Tracker) HasVisibleConnection(recipient urn.URN) bool {
	if t == nil {
		return false
	}
	key := recipient.String()
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, e := range t.byID {
		if e.recipient == key && e.visibility == Visible {
			return true
		}
	}
	return false
}

// Connections returns the number of registered connections.
func (t *Tracker) Connections() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byID)
}
