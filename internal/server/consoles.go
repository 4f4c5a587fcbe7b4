package server

import (
	"context"
	"sync"
)

// console tracks one open websocket console.
type console struct {
	sandboxID string
	cancel    context.CancelFunc // cancels the in-flight command and ends the read loop
}

// consoleSet tracks which consoles are open against which sandbox.
type consoleSet struct {
	mu       sync.RWMutex
	consoles map[string]map[*console]struct{}
}

func newConsoleSet() *consoleSet {
	return &consoleSet{
		consoles: make(map[string]map[*console]struct{}),
	}
}

// Open registers a console for sandboxID. The returned context is cancelled
// when the console is closed from outside.
func (cs *consoleSet) Open(parent context.Context, sandboxID string) (*console, context.Context) {
	ctx, cancel := context.WithCancel(parent)
	c := &console{sandboxID: sandboxID, cancel: cancel}

	cs.mu.Lock()
	defer cs.mu.Unlock()
	set, ok := cs.consoles[sandboxID]
	if !ok {
		set = make(map[*console]struct{})
		cs.consoles[sandboxID] = set
	}
	set[c] = struct{}{}
	return c, ctx
}

// Close unregisters c and cancels it.
func (cs *consoleSet) Close(c *console) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	c.cancel()
	if set, ok := cs.consoles[c.sandboxID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(cs.consoles, c.sandboxID)
		}
	}
}

// CloseSandbox cancels every console attached to sandboxID.
func (cs *consoleSet) CloseSandbox(sandboxID string) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	for c := range cs.consoles[sandboxID] {
		c.cancel()
	}
	delete(cs.consoles, sandboxID)
}

// Count returns how many consoles are open against sandboxID.
func (cs *consoleSet) Count(sandboxID string) int {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return len(cs.consoles[sandboxID])
}

// CloseAll cancels all consoles.
func (cs *consoleSet) CloseAll() {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	for id, set := range cs.consoles {
		for c := range set {
			c.cancel()
		}
		delete(cs.consoles, id)
	}
}
