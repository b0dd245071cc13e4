// Package bridge connects the HiQnet side to WebSocket clients. State holds
// everything the workers share: the node table, the queues between them,
// the subscription registry, the value cache and the client list.
package bridge

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/luma/hiqbridge/health"
	"github.com/luma/hiqbridge/internal/env"
	"github.com/luma/hiqbridge/packet"
	"github.com/luma/hiqbridge/queue"
	"github.com/luma/hiqbridge/storage"
)

const (
	DefaultQueueSize = 200

	// UDPQueue names the response queue of updates from unconfigured nodes
	UDPQueue = "UDP"
)

type StateOptions struct {
	Nodes     []env.Node
	QueueSize int

	UnsubscribeDelay   time.Duration
	ResubscribeHoldoff time.Duration

	Cache   storage.ParamCache
	Metrics *health.Metrics
	Log     *zap.Logger
}

type State struct {
	nodes []env.Node
	byID  map[uint16]env.Node

	outbound     map[uint16]*queue.Bounded[*packet.Packet]
	responses    map[uint16]*queue.Bounded[*packet.Packet]
	udpResponses *queue.Bounded[*packet.Packet]

	Registry *Registry
	Cache    storage.ParamCache
	Clients  *Clients

	metrics *health.Metrics
	log     *zap.Logger
}

func NewState(options StateOptions) *State {
	if options.QueueSize <= 0 {
		options.QueueSize = DefaultQueueSize
	}
	if options.Cache == nil {
		options.Cache = storage.NewInmemoryCache()
	}
	if options.Log == nil {
		options.Log = zap.NewNop()
	}

	nodes := append([]env.Node(nil), options.Nodes...)

	s := &State{
		nodes:        nodes,
		byID:         make(map[uint16]env.Node, len(nodes)),
		outbound:     make(map[uint16]*queue.Bounded[*packet.Packet], len(nodes)),
		responses:    make(map[uint16]*queue.Bounded[*packet.Packet], len(nodes)),
		udpResponses: queue.New[*packet.Packet](options.QueueSize),
		Cache:        options.Cache,
		Clients:      NewClients(),
		metrics:      options.Metrics,
		log:          options.Log.Named("state"),
	}

	for _, node := range nodes {
		s.byID[node.ID] = node
		s.outbound[node.ID] = queue.New[*packet.Packet](options.QueueSize)
		s.responses[node.ID] = queue.New[*packet.Packet](options.QueueSize)
	}

	s.Registry = NewRegistry(RegistryOptions{
		Cache:              options.Cache,
		Outbox:             s,
		UnsubscribeDelay:   options.UnsubscribeDelay,
		ResubscribeHoldoff: options.ResubscribeHoldoff,
		Log:                options.Log,
	})

	return s
}

// Nodes returns the configured nodes ordered by id
func (s *State) Nodes() []env.Node {
	return append([]env.Node(nil), s.nodes...)
}

func (s *State) Node(id uint16) (env.Node, bool) {
	node, ok := s.byID[id]
	return node, ok
}

// Outbound is the queue of packets waiting to be sent to node, nil if the
// node is not configured
func (s *State) Outbound(node uint16) *queue.Bounded[*packet.Packet] {
	return s.outbound[node]
}

// Responses is the queue of updates received from node, nil if the node is
// not configured
func (s *State) Responses(node uint16) *queue.Bounded[*packet.Packet] {
	return s.responses[node]
}

// UDPResponses receives updates from nodes that are not configured
func (s *State) UDPResponses() *queue.Bounded[*packet.Packet] {
	return s.udpResponses
}

// Push queues p for its node. Packets to unknown nodes are logged and
// dropped.
func (s *State) Push(p *packet.Packet) bool {
	q, ok := s.outbound[p.Node]
	if !ok {
		s.log.Warn("Packet for unknown node", zap.Stringer("packet", p))
		return false
	}

	if q.Push(p) {
		s.metrics.Dropped(fmt.Sprintf("outbound_0x%x", p.Node), 1)
	}
	return true
}

// ResponseQueue is a named response queue
type ResponseQueue struct {
	Name  string
	Queue *queue.Bounded[*packet.Packet]
}

// ResponseQueues returns every response queue, one broadcaster each
func (s *State) ResponseQueues() []ResponseQueue {
	queues := make([]ResponseQueue, 0, len(s.nodes)+1)
	for _, node := range s.nodes {
		queues = append(queues, ResponseQueue{Name: node.Key, Queue: s.responses[node.ID]})
	}
	return append(queues, ResponseQueue{Name: UDPQueue, Queue: s.udpResponses})
}

// Close closes every queue, waking up anything waiting on them
func (s *State) Close() {
	for _, q := range s.outbound {
		q.Close()
	}
	for _, q := range s.responses {
		q.Close()
	}
	s.udpResponses.Close()
}
