package bridge

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/luma/hiqbridge/packet"
	"github.com/luma/hiqbridge/storage"
)

const (
	DefaultUnsubscribeDelay   = 300 * time.Second
	DefaultResubscribeHoldoff = 5 * time.Second

	sweepInterval = time.Second
)

// Outbox sends packets to their node. Push returns false if the node is not
// configured.
type Outbox interface {
	Push(p *packet.Packet) bool
}

type subscription struct {
	subscribe   *packet.Packet
	unsubscribe *packet.Packet
	clients     map[string]struct{}

	// sent is when the last unsubscribe/subscribe pair went out
	sent time.Time

	// releaseAt is set while nobody is subscribed
	releaseAt time.Time
}

type subscriptions struct {
	ns      storage.Namespace
	mu      sync.Mutex
	entries map[string]*subscription
}

type RegistryOptions struct {
	Cache  storage.ParamCache
	Outbox Outbox

	// UnsubscribeDelay is how long a subscription nobody uses stays active
	// on the device. Zero unsubscribes immediately.
	UnsubscribeDelay time.Duration

	// ResubscribeHoldoff lets subscribers that arrive while the first value
	// is still on its way share the pending device subscription
	ResubscribeHoldoff time.Duration

	// Now defaults to time.Now
	Now func() time.Time

	Log *zap.Logger
}

// Registry reference counts device subscriptions. Absolute and percent
// subscriptions are independent, each behind its own lock.
type Registry struct {
	absolute *subscriptions
	percent  *subscriptions

	cache   storage.ParamCache
	outbox  Outbox
	delay   time.Duration
	holdoff time.Duration
	now     func() time.Time

	log *zap.Logger
}

func NewRegistry(options RegistryOptions) *Registry {
	if options.Now == nil {
		options.Now = time.Now
	}
	if options.Log == nil {
		options.Log = zap.NewNop()
	}
	if options.UnsubscribeDelay < 0 {
		options.UnsubscribeDelay = 0
	}

	return &Registry{
		absolute: &subscriptions{ns: storage.Absolute, entries: map[string]*subscription{}},
		percent:  &subscriptions{ns: storage.Percent, entries: map[string]*subscription{}},
		cache:    options.Cache,
		outbox:   options.Outbox,
		delay:    options.UnsubscribeDelay,
		holdoff:  options.ResubscribeHoldoff,
		now:      options.Now,
		log:      options.Log.Named("registry"),
	}
}

func (r *Registry) set(percent bool) *subscriptions {
	if percent {
		return r.percent
	}
	return r.absolute
}

// Subscribe adds clientID to the subscribers of p's parameter. It returns
// the cached value when there is a valid one, otherwise the value arrives
// later through the broadcaster.
func (r *Registry) Subscribe(p *packet.Packet, clientID string) ([]byte, bool) {
	if !p.IsSubscribe() {
		r.log.Warn("Not a subscription", zap.Stringer("packet", p))
		return nil, false
	}

	set := r.set(p.IsPercent())
	key := p.Key()
	now := r.now()

	set.mu.Lock()
	defer set.mu.Unlock()

	if s, ok := set.entries[key]; ok {
		s.clients[clientID] = struct{}{}
		s.releaseAt = time.Time{}

		if value, ok := r.cache.Valid(set.ns, key); ok {
			return value, true
		}

		if now.Sub(s.sent) < r.holdoff {
			// the first value has not arrived yet
			return nil, false
		}
	}

	r.resubscribe(set, key, p, clientID, now)
	return nil, false
}

// resubscribe sends an unsubscribe before the subscribe so the node sends
// the current value. set.mu must be held.
func (r *Registry) resubscribe(set *subscriptions, key string, p *packet.Packet, clientID string, now time.Time) {
	unsubscribe := p.Unsubscribe()

	if !r.outbox.Push(unsubscribe) {
		r.log.Warn("Subscribe to unknown node", zap.Stringer("packet", p))
		return
	}
	r.cache.Invalidate(set.ns, key)
	r.outbox.Push(p)

	s, ok := set.entries[key]
	if !ok {
		s = &subscription{clients: map[string]struct{}{}}
		set.entries[key] = s
	}

	s.subscribe = p.Clone()
	s.unsubscribe = unsubscribe
	s.clients[clientID] = struct{}{}
	s.sent = now
	s.releaseAt = time.Time{}

	r.log.Debug("Subscribed", zap.String("key", key), zap.Stringer("namespace", set.ns))
}

// ClientUnsubscribe removes clientID from the subscribers of key. The device
// subscription is released after the unsubscribe delay if nobody else
// subscribes in the meantime.
func (r *Registry) ClientUnsubscribe(key string, percent bool, clientID string) {
	set := r.set(percent)

	set.mu.Lock()
	defer set.mu.Unlock()

	s, ok := set.entries[key]
	if !ok {
		return
	}

	delete(s.clients, clientID)
	if len(s.clients) > 0 {
		return
	}

	if r.delay == 0 {
		r.release(set, key, s)
		return
	}

	if s.releaseAt.IsZero() {
		s.releaseAt = r.now().Add(r.delay)
	}
}

// Unsubscribe releases the device subscription of key right away
func (r *Registry) Unsubscribe(key string, percent bool) {
	set := r.set(percent)

	set.mu.Lock()
	defer set.mu.Unlock()

	if s, ok := set.entries[key]; ok {
		r.release(set, key, s)
	}
}

// release must be called with set.mu held
func (r *Registry) release(set *subscriptions, key string, s *subscription) {
	r.outbox.Push(s.unsubscribe)
	delete(set.entries, key)

	// the stale value stays around but is never served again
	r.cache.Invalidate(set.ns, key)

	r.log.Debug("Unsubscribed", zap.String("key", key), zap.Stringer("namespace", set.ns))
}

// Sweep releases every subscription whose delay expired before now
func (r *Registry) Sweep(now time.Time) int {
	released := 0

	for _, set := range []*subscriptions{r.absolute, r.percent} {
		set.mu.Lock()
		for key, s := range set.entries {
			if len(s.clients) == 0 && !s.releaseAt.IsZero() && !now.Before(s.releaseAt) {
				r.release(set, key, s)
				released++
			}
		}
		set.mu.Unlock()
	}

	return released
}

// RunSweeper sweeps every second until ctx is done
func (r *Registry) RunSweeper(ctx context.Context) error {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			if n := r.Sweep(now); n > 0 {
				r.log.Info("Released unused subscriptions", zap.Int("count", n))
			}
		}
	}
}

// Subscriptions returns a copy of every device subscription held on node,
// ordered by key
func (r *Registry) Subscriptions(node uint16) []*packet.Packet {
	var subs []*packet.Packet

	for _, set := range []*subscriptions{r.absolute, r.percent} {
		set.mu.Lock()
		keys := make([]string, 0, len(set.entries))
		for key, s := range set.entries {
			if s.subscribe.Node == node {
				keys = append(keys, key)
			}
		}
		sort.Strings(keys)

		for _, key := range keys {
			subs = append(subs, set.entries[key].subscribe.Clone())
		}
		set.mu.Unlock()
	}

	return subs
}

// Subscribers returns the number of clients subscribed to key
func (r *Registry) Subscribers(key string, percent bool) int {
	set := r.set(percent)

	set.mu.Lock()
	defer set.mu.Unlock()

	if s, ok := set.entries[key]; ok {
		return len(s.clients)
	}
	return 0
}

type RegistryStats struct {
	Absolute int `json:"absolute"`
	Percent  int `json:"percent"`

	// Pending are subscriptions nobody uses that wait to be released
	Pending int `json:"pending"`
}

func (r *Registry) Stats() RegistryStats {
	var stats RegistryStats

	for _, set := range []*subscriptions{r.absolute, r.percent} {
		set.mu.Lock()
		if set.ns == storage.Percent {
			stats.Percent = len(set.entries)
		} else {
			stats.Absolute = len(set.entries)
		}
		for _, s := range set.entries {
			if !s.releaseAt.IsZero() {
				stats.Pending++
			}
		}
		set.mu.Unlock()
	}

	return stats
}
