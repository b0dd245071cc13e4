package health

import "sync"

// Stats holds the latest statistics published by each worker, for the admin
// stats command.
type Stats struct {
	mu   sync.RWMutex
	sets map[string]map[string]interface{}
}

func NewStats() *Stats {
	return &Stats{sets: map[string]map[string]interface{}{}}
}

// Set replaces the statistics published under id. Setting on a nil *Stats
// does nothing.
func (s *Stats) Set(id string, values map[string]interface{}) {
	if s == nil {
		return
	}

	copied := make(map[string]interface{}, len(values))
	for k, v := range values {
		copied[k] = v
	}

	s.mu.Lock()
	s.sets[id] = copied
	s.mu.Unlock()
}

func (s *Stats) Get(id string) (map[string]interface{}, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	values, ok := s.sets[id]
	return values, ok
}

// Snapshot returns a copy of everything published so far
func (s *Stats) Snapshot() map[string]map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]map[string]interface{}, len(s.sets))
	for id, values := range s.sets {
		copied := make(map[string]interface{}, len(values))
		for k, v := range values {
			copied[k] = v
		}
		out[id] = copied
	}
	return out
}
