package engine

import "sync"

// history is a bounded ring of finished tasks, oldest first.
type history struct {
	mu    sync.Mutex
	items []HistoryItem
	next  int
	full  bool
}

func (h *history) add(it HistoryItem, size int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.items) != size {
		h.resize(size)
	}
	h.items[h.next] = it
	h.next = (h.next + 1) % size
	if h.next == 0 {
		h.full = true
	}
}

// resize keeps the newest entries that fit. Call with h.mu held.
func (h *history) resize(size int) {
	old := h.listLocked()
	if len(old) > size {
		old = old[len(old)-size:]
	}
	h.items = make([]HistoryItem, size)
	copy(h.items, old)
	h.next = len(old) % size
	h.full = len(old) == size
}

func (h *history) list() []HistoryItem {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.listLocked()
}

func (h *history) listLocked() []HistoryItem {
	if !h.full {
		return append([]HistoryItem{}, h.items[:h.next]...)
	}
	out := make([]HistoryItem, 0, len(h.items))
	out = append(out, h.items[h.next:]...)
	return append(out, h.items[:h.next]...)
}
