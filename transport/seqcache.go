package transport

import (
	"sync"
	"time"

	"github.com/luma/hiqbridge/packet"
)

const (
	// SequenceWindow is how long a sequence number is remembered
	SequenceWindow = 10 * time.Second

	// SequenceMinDistance separates a late frame from a sequence that
	// wrapped or restarted
	SequenceMinDistance = 0x1000
)

// SeqKey identifies an independent sequence of updates
type SeqKey struct {
	Kind    packet.Kind
	Node    uint16
	VDevice uint8
	Object  uint32
	Param   uint16
}

func KeyOf(p *packet.Packet) SeqKey {
	return SeqKey{
		Kind:    p.Kind,
		Node:    p.Node,
		VDevice: p.VDevice,
		Object:  p.Object,
		Param:   p.ParamID,
	}
}

type seqEntry struct {
	at  time.Time
	seq uint16
}

// SequenceCache drops UDP updates that arrive out of order, so an old value
// never overwrites a newer one.
type SequenceCache struct {
	window time.Duration

	mu      sync.Mutex
	entries map[SeqKey]seqEntry
}

func NewSequenceCache() *SequenceCache {
	return &SequenceCache{
		window:  SequenceWindow,
		entries: make(map[SeqKey]seqEntry),
	}
}

// Accept returns false if seq is older than the last sequence accepted for
// key within the window. Accepted sequences become the new reference.
func (c *SequenceCache) Accept(key SeqKey, seq uint16, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if last, ok := c.entries[key]; ok {
		if now.Sub(last.at) < c.window && seq < last.seq && last.seq-seq < SequenceMinDistance {
			return false
		}
	}

	c.entries[key] = seqEntry{at: now, seq: seq}
	return true
}

// Prune forgets every key that has not been seen within the window
func (c *SequenceCache) Prune(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	pruned := 0
	for key, e := range c.entries {
		if now.Sub(e.at) >= c.window {
			delete(c.entries, key)
			pruned++
		}
	}
	return pruned
}

func (c *SequenceCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.entries)
}
