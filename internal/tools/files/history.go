package files

import "sync"

// snapshot is the content of a file before a mutation. absent marks a file
// that did not exist yet.
type snapshot struct {
	content string
	absent  bool
}

// EditHistory keeps the pre-image of every mutation, per path.
type EditHistory struct {
	mu      sync.Mutex
	entries map[string][]snapshot
}

// NewEditHistory returns an empty history.
func NewEditHistory() *EditHistory {
	return &EditHistory{entries: make(map[string][]snapshot)}
}

func (h *EditHistory) push(path string, snap snapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries[path] = append(h.entries[path], snap)
}

func (h *EditHistory) pop(path string) (snapshot, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	stack := h.entries[path]
	if len(stack) == 0 {
		return snapshot{}, false
	}
	snap := stack[len(stack)-1]
	if len(stack) == 1 {
		delete(h.entries, path)
	} else {
		h.entries[path] = stack[:len(stack)-1]
	}
	return snap, true
}

// Depth returns how many edits of path can be undone.
func (h *EditHistory) Depth(path string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries[path])
}
