package xframe

import (
	"sync"
	"sync/atomic"
)

// HandlerFunc handles one inbound event.
type HandlerFunc func(ctx *Context) error

// HandlerID identifies a registration made with On. Registering the same
// function twice yields two ids.
type HandlerID uint64

type handlerEntry struct {
	id      HandlerID
	handler HandlerFunc
}

// handlerTable maps message types to insertion-ordered handler lists.
// Lists are replaced rather than mutated so snapshots stay valid while
// handlers register or remove handlers during fan-out.
type handlerTable struct {
	mu     sync.RWMutex
	byType map[string][]handlerEntry
	seq    atomic.Uint64
}

func newHandlerTable() *handlerTable {
	return &handlerTable{
		byType: make(map[string][]handlerEntry),
	}
}

func (t *handlerTable) add(msgType string, h HandlerFunc) HandlerID {
	id := HandlerID(t.seq.Add(1))

	t.mu.Lock()
	defer t.mu.Unlock()

	current := t.byType[msgType]
	next := make([]handlerEntry, len(current), len(current)+1)
	copy(next, current)
	t.byType[msgType] = append(next, handlerEntry{id: id, handler: h})
	return id
}

func (t *handlerTable) remove(msgType string, id HandlerID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	current, ok := t.byType[msgType]
	if !ok {
		return false
	}
	for i, e := range current {
		if e.id != id {
			continue
		}
		next := make([]handlerEntry, 0, len(current)-1)
		next = append(next, current[:i]...)
		next = append(next, current[i+1:]...)
		if len(next) == 0 {
			delete(t.byType, msgType)
		} else {
			t.byType[msgType] = next
		}
		return true
	}
	return false
}

// snapshot returns the handlers registered for msgType at call time.
func (t *handlerTable) snapshot(msgType string) []handlerEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.byType[msgType]
}

func (t *handlerTable) clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byType = make(map[string][]handlerEntry)
}

func (t *handlerTable) count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, list := range t.byType {
		n += len(list)
	}
	return n
}
