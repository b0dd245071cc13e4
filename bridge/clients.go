package bridge

import (
	"sort"
	"sync"
	"time"

	"github.com/luma/hiqbridge/queue"
	"github.com/luma/hiqbridge/storage"
)

// DefaultSendQueueSize is the number of messages buffered for a slow client
const DefaultSendQueueSize = 200

// ClientSession is an authenticated WebSocket client
type ClientSession struct {
	ID      string
	Address string
	User    string
	Options map[string]interface{}
	Admin   bool

	Connected time.Time

	mu       sync.RWMutex
	absolute map[string]struct{}
	percent  map[string]struct{}

	send *queue.Bounded[[]byte]
}

func NewClientSession(id, address, user string, options map[string]interface{}, admin bool, queueSize int) *ClientSession {
	if options == nil {
		options = map[string]interface{}{}
	}
	if queueSize <= 0 {
		queueSize = DefaultSendQueueSize
	}

	return &ClientSession{
		ID:        id,
		Address:   address,
		User:      user,
		Options:   options,
		Admin:     admin,
		Connected: time.Now(),
		absolute:  map[string]struct{}{},
		percent:   map[string]struct{}{},
		send:      queue.New[[]byte](queueSize),
	}
}

// Option returns true if the boolean option name is set
func (c *ClientSession) Option(name string) bool {
	v, ok := c.Options[name].(bool)
	return ok && v
}

// StatusOnly clients may only use control commands
func (c *ClientSession) StatusOnly() bool {
	return c.Option("statusonly")
}

// Monitor clients never receive parameter updates
func (c *ClientSession) Monitor() bool {
	return c.Option("status")
}

func (c *ClientSession) keys(ns storage.Namespace) map[string]struct{} {
	if ns == storage.Percent {
		return c.percent
	}
	return c.absolute
}

func (c *ClientSession) Subscribed(ns storage.Namespace, key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	_, ok := c.keys(ns)[key]
	return ok
}

// AddKey returns false if the client was already subscribed
func (c *ClientSession) AddKey(ns storage.Namespace, key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := c.keys(ns)
	if _, ok := keys[key]; ok {
		return false
	}
	keys[key] = struct{}{}
	return true
}

// RemoveKey returns false if the client was not subscribed
func (c *ClientSession) RemoveKey(ns storage.Namespace, key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := c.keys(ns)
	if _, ok := keys[key]; !ok {
		return false
	}
	delete(keys, key)
	return true
}

// Keys returns the subscribed keys in order
func (c *ClientSession) Keys(ns storage.Namespace) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	keys := make([]string, 0, len(c.keys(ns)))
	for key := range c.keys(ns) {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// ClearKeys forgets every subscription and returns what was removed
func (c *ClientSession) ClearKeys() (absolute, percent []string) {
	absolute = c.Keys(storage.Absolute)
	percent = c.Keys(storage.Percent)

	c.mu.Lock()
	c.absolute = map[string]struct{}{}
	c.percent = map[string]struct{}{}
	c.mu.Unlock()

	return absolute, percent
}

// Send queues msg for the client's writer. It returns true if an older
// message had to be dropped.
func (c *ClientSession) Send(msg []byte) bool {
	return c.send.Push(msg)
}

// Outbox is drained by the client's writer
func (c *ClientSession) Outbox() *queue.Bounded[[]byte] {
	return c.send
}

// Clients is the list of connected clients
type Clients struct {
	mu      sync.RWMutex
	clients map[string]*ClientSession
}

func NewClients() *Clients {
	return &Clients{clients: map[string]*ClientSession{}}
}

func (c *Clients) Add(client *ClientSession) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.clients[client.ID] = client
}

// Remove returns the removed client, or nil
func (c *Clients) Remove(id string) *ClientSession {
	c.mu.Lock()
	defer c.mu.Unlock()

	client, ok := c.clients[id]
	if !ok {
		return nil
	}
	delete(c.clients, id)
	return client
}

func (c *Clients) Get(id string) (*ClientSession, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	client, ok := c.clients[id]
	return client, ok
}

func (c *Clients) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.clients)
}

// Receivers returns the clients that parameter updates are sent to
func (c *Clients) Receivers() []*ClientSession {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*ClientSession, 0, len(c.clients))
	for _, client := range c.clients {
		if !client.Monitor() {
			out = append(out, client)
		}
	}
	return out
}

// Users returns "user@address" for every connected client, sorted
func (c *Clients) Users() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	users := make([]string, 0, len(c.clients))
	for _, client := range c.clients {
		users = append(users, client.User+"@"+client.Address)
	}
	sort.Strings(users)
	return users
}
