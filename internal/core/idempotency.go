package core

import "container/list"

// DedupLookup is the optional second tier behind the in-memory LRU, backed by
// the command log in Postgres. A nil lookup means LRU-only dedup.
type DedupLookup interface {
	CommandExists(commandID string) (bool, error)
}

// Deduper tracks processed command ids. Tier 1 is a bounded LRU; on a miss the
// optional lookup is consulted so restarts do not reopen the dedup window.
type Deduper struct {
	capacity int
	entries  map[string]*list.Element
	order    *list.List
	lookup   DedupLookup
}

func NewDeduper(capacity int) *Deduper {
	return &Deduper{
		capacity: capacity,
		entries:  make(map[string]*list.Element, capacity),
		order:    list.New(),
	}
}

// WithLookup attaches the persistent tier.
func (d *Deduper) WithLookup(l DedupLookup) *Deduper {
	d.lookup = l
	return d
}

// IsDuplicate reports whether the command id has been seen. Kind is carried
// for logging and metrics by callers; the id alone is the dedup key.
func (d *Deduper) IsDuplicate(kind, commandID string) bool {
	if _, ok := d.entries[commandID]; ok {
		return true
	}
	if d.lookup != nil {
		// A lookup error is treated as "not seen"; replays are rejected
		// downstream by the event log's unique sequence constraint.
		if exists, err := d.lookup.CommandExists(commandID); err == nil && exists {
			d.MarkProcessed(kind, commandID)
			return true
		}
	}
	return false
}

// MarkProcessed records a committed command id, evicting the oldest entry when
// the LRU is full.
func (d *Deduper) MarkProcessed(kind, commandID string) {
	if el, ok := d.entries[commandID]; ok {
		d.order.MoveToFront(el)
		return
	}
	if d.order.Len() >= d.capacity {
		oldest := d.order.Back()
		if oldest != nil {
			d.order.Remove(oldest)
			delete(d.entries, oldest.Value.(string))
		}
	}
	d.entries[commandID] = d.order.PushFront(commandID)
}

// Len returns current LRU occupancy.
func (d *Deduper) Len() int {
	return d.order.Len()
}
