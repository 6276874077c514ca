package network

import "sync"

// Deduper records inbound frame ids. MarkSeen reports true only for the first sighting.
// *storage.Store satisfies it with the seen_message_ids table.
type Deduper interface {
	MarkSeen(id string) (bool, error)
}

const defaultMemoryDedupeSize = 4096

// MemoryDeduper remembers the most recent ids in a bounded ring.
type MemoryDeduper struct {
	mu   sync.Mutex
	seen map[string]struct{}
	ring []string
	next int
}

// NewMemoryDeduper creates a deduper holding up to size ids.
func NewMemoryDeduper(size int) *MemoryDeduper {
	if size <= 0 {
		size = defaultMemoryDedupeSize
	}
	return &MemoryDeduper{
		seen: make(map[string]struct{}, size),
		ring: make([]string, size),
	}
}

func (d *MemoryDeduper) MarkSeen(id string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.seen[id]; ok {
		return false, nil
	}
	if evicted := d.ring[d.next]; evicted != "" {
		delete(d.seen, evicted)
	}
	d.ring[d.next] = id
	d.next = (d.next + 1) % len(d.ring)
	d.seen[id] = struct{}{}
	return true, nil
}
