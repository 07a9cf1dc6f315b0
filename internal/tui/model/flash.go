package model

import (
	"sync"
	"time"
)

// Flash holds a transient status-bar message.
type Flash struct {
	mu      sync.RWMutex
	message string
	expires time.Time
}

// Set shows msg until d elapses.
func (f *Flash) Set(msg string, d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.message = msg
	f.expires = time.Now().Add(d)
}

// Clear drops the current message early.
func (f *Flash) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.message = ""
	f.expires = time.Time{}
}

// Get returns the current message, or "" once expired.
func (f *Flash) Get() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.message == "" || time.Now().After(f.expires) {
		return ""
	}
	return f.message
}
