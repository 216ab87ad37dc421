// Package inproc carries wake signals to long-polling agents. A signal only
// means "something may be deliverable"; the agent still asks the router.
package inproc

import (
	"sync"
)

// Signal identifies a chatroom/role inbox that may have new work.
type Signal struct {
	ChatroomID string
	Role       string
}

type Bus struct {
	mu     sync.RWMutex
	subs   map[Signal]chan struct{}
	buffer int
}

func New(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 16
	}
	return &Bus{
		subs:   make(map[Signal]chan struct{}),
		buffer: buffer,
	}
}

// Subscribe returns the wake channel for one chatroom/role inbox, creating
// it on first use. Repeated calls return the same channel.
func (b *Bus) Subscribe(roomID string, role string) <-chan struct{} {
	key := Signal{ChatroomID: roomID, Role: role}

	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subs[key]; ok {
		return ch
	}
	ch := make(chan struct{}, b.buffer)
	b.subs[key] = ch
	return ch
}

func (b *Bus) Unsubscribe(roomID string, role string) {
	key := Signal{ChatroomID: roomID, Role: role}

	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.subs[key]
	if !ok {
		return
	}
	delete(b.subs, key)
	close(ch)
}

// Notify nudges the given roles in a chatroom. Signals to unsubscribed or
// saturated inboxes are dropped; polling catches up regardless.
func (b *Bus) Notify(roomID string, roleNames ...string) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, role := range roleNames {
		ch, ok := b.subs[Signal{ChatroomID: roomID, Role: role}]
		if !ok {
			continue
		}
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
