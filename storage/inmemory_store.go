package storage

import (
	"bytes"
	"sort"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

type InmemoryCache struct {
	mu      sync.Mutex
	entries [2]map[string]*Entry
}

func NewInmemoryCache() *InmemoryCache {
	return &InmemoryCache{
		entries: [2]map[string]*Entry{
			Absolute: {},
			Percent:  {},
		},
	}
}

func (c *InmemoryCache) namespace(ns Namespace) map[string]*Entry {
	if ns == Percent {
		return c.entries[Percent]
	}
	return c.entries[Absolute]
}

func (c *InmemoryCache) Get(ns Namespace, key string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.namespace(ns)[key]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

func (c *InmemoryCache) Valid(ns Namespace, key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.namespace(ns)[key]
	if !ok || !e.Valid {
		return nil, false
	}
	return e.Value, true
}

func (c *InmemoryCache) put(ns Namespace, key string, value []byte, now time.Time) *Entry {
	entries := c.namespace(ns)

	e, ok := entries[key]
	if !ok {
		e = &Entry{}
		entries[key] = e
	}

	e.Value = append([]byte(nil), value...)
	e.Updated = now
	e.Valid = true
	return e
}

func (c *InmemoryCache) Put(ns Namespace, key string, value []byte, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev, ok := c.namespace(ns)[key]
	changed := !ok || !prev.Valid || !bytes.Equal(prev.Value, value)

	c.put(ns, key, value, now)
	return changed
}

func (c *InmemoryCache) ShouldBroadcast(ns Namespace, key string, value []byte, now time.Time, window time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.namespace(ns)[key]; ok && e.Valid && bytes.Equal(e.Value, value) && now.Sub(e.Updated) < window {
		return false
	}

	c.put(ns, key, value, now)
	return true
}

func (c *InmemoryCache) Invalidate(ns Namespace, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.namespace(ns)[key]; ok {
		e.Valid = false
	}
}

func (c *InmemoryCache) Remove(ns Namespace, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.namespace(ns), key)
}

func (c *InmemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.entries[Absolute]) + len(c.entries[Percent])
}

// Snapshot renders {"absolute":{key:{"valid":..,"updated":..,"value":..}},"percent":{..}}.
// Values are embedded as raw JSON when they are JSON, as strings otherwise.
func (c *InmemoryCache) Snapshot() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := []byte(`{"absolute":{},"percent":{}}`)

	for _, ns := range []Namespace{Absolute, Percent} {
		entries := c.entries[ns]

		keys := make([]string, 0, len(entries))
		for key := range entries {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		for _, key := range keys {
			e := entries[key]
			path := ns.String() + "." + key

			var err error
			if out, err = sjson.SetBytes(out, path+".valid", e.Valid); err != nil {
				return nil, err
			}
			if out, err = sjson.SetBytes(out, path+".updated", e.Updated.UTC().Format(time.RFC3339Nano)); err != nil {
				return nil, err
			}

			if gjson.ValidBytes(e.Value) {
				out, err = sjson.SetRawBytes(out, path+".value", e.Value)
			} else {
				out, err = sjson.SetBytes(out, path+".value", string(e.Value))
			}
			if err != nil {
				return nil, err
			}
		}
	}

	return out, nil
}

var _ ParamCache = (*InmemoryCache)(nil)
