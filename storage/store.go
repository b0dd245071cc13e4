package storage

import "time"

// Namespace separates absolute values from percentage values of the same
// parameter.
type Namespace uint8

const (
	Absolute Namespace = iota
	Percent
)

func (n Namespace) String() string {
	if n == Percent {
		return "percent"
	}
	return "absolute"
}

// Entry is the last value seen for a parameter. An invalid entry keeps its
// stale Value but must not be served to new subscribers.
type Entry struct {
	Updated time.Time
	Valid   bool
	Value   []byte
}

// ParamCache holds the last broadcast value of every subscribed parameter
type ParamCache interface {
	Get(ns Namespace, key string) (Entry, bool)

	// Valid returns the cached value only if the entry is valid
	Valid(ns Namespace, key string) ([]byte, bool)

	// Put stores a valid value and returns true if it differed from the
	// previous one
	Put(ns Namespace, key string, value []byte, now time.Time) bool

	// ShouldBroadcast returns false if value is a repeat of a valid entry
	// updated within window. Otherwise value is stored and true returned.
	ShouldBroadcast(ns Namespace, key string, value []byte, now time.Time, window time.Duration) bool

	Invalidate(ns Namespace, key string)
	Remove(ns Namespace, key string)

	// Snapshot renders every entry as JSON
	Snapshot() ([]byte, error)
	Len() int
}
