// Package hook provides an in-process event hook center. Server
// components fire lifecycle events through a Center and subscribers
// registered at wiring time react to them, keeping the firing side
// free of direct dependencies on logging, feeds or transports.
package hook

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// ErrInterrupt signals that a hook handler wants to stop further processing.
var ErrInterrupt = errors.New("hook interrupted")

// Fn is a hook handler. It returns (modified data, nil) to continue the
// chain, or (data, ErrInterrupt) to stop it.
type Fn func(ctx context.Context, event string, data interface{}) (interface{}, error)

type entry struct {
	priority int
	fn       Fn
	name     string
}

// Center manages hook registrations per event name.
type Center struct {
	mu    sync.RWMutex
	hooks map[string][]*entry
}

// New creates an empty Center.
func New() *Center {
	return &Center{hooks: make(map[string][]*entry)}
}

// Register adds fn for the given event with the given priority (lower
// runs first). name identifies the registration for Unregister.
func (c *Center) Register(event string, priority int, name string, fn Fn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entries := append(c.hooks[event], &entry{priority: priority, fn: fn, name: name})
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].priority < entries[j].priority
	})
	c.hooks[event] = entries
}

// Unregister removes all hooks with the given name for the given event.
func (c *Center) Unregister(event, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entries := c.hooks[event]
	n := 0
	for _, e := range entries {
		if e.name != name {
			entries[n] = e
			n++
		}
	}
	c.hooks[event] = entries[:n]
}

// Trigger executes all hooks registered for event in priority order.
// Data flows through each handler, allowing modification. ErrInterrupt
// stops the chain; other handler errors do not.
func (c *Center) Trigger(ctx context.Context, event string, data interface{}) (interface{}, error) {
	c.mu.RLock()
	entries := make([]*entry, len(c.hooks[event]))
	copy(entries, c.hooks[event])
	c.mu.RUnlock()

	var err error
	for _, e := range entries {
		data, err = e.fn(ctx, event, data)
		if errors.Is(err, ErrInterrupt) {
			return data, err
		}
	}
	return data, err
}

// ---- Session lifecycle events ----

const (
	// SessionCreated fires after a session is registered and live.
	SessionCreated = "session_created"
	// SessionClosed fires after a session is unregistered, whatever the cause.
	SessionClosed = "session_closed"
)

// Close reasons carried in SessionEvent.Reason.
const (
	ReasonClosed   = "closed"   // explicit close by the client
	ReasonEvicted  = "evicted"  // reclaimed after sitting idle
	ReasonShutdown = "shutdown" // server going down
)

// SessionEvent is the payload for session lifecycle events.
type SessionEvent struct {
	ID     string
	Title  string
	Reason string // set on SessionClosed only
}
