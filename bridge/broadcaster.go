package bridge

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/luma/hiqbridge/health"
	"github.com/luma/hiqbridge/packet"
	"github.com/luma/hiqbridge/queue"
	"github.com/luma/hiqbridge/storage"
)

// RebroadcastWindow suppresses repeats of an unchanged value
const RebroadcastWindow = 5 * time.Second

// NamespaceOf is the cache namespace updates of kind are stored in
func NamespaceOf(kind packet.Kind) storage.Namespace {
	switch kind {
	case packet.SetPercent, packet.SubscribePercent, packet.UnsubscribePercent:
		return storage.Percent
	}
	return storage.Absolute
}

// Broadcaster sends the updates of one response queue to every client
// subscribed to them. Sends never block: each client has its own bounded
// queue and writer.
type Broadcaster struct {
	name    string
	queue   *queue.Bounded[*packet.Packet]
	cache   storage.ParamCache
	clients *Clients
	window  time.Duration

	metrics *health.Metrics
	log     *zap.Logger
}

func NewBroadcaster(name string, q *queue.Bounded[*packet.Packet], state *State, metrics *health.Metrics, log *zap.Logger) *Broadcaster {
	return &Broadcaster{
		name:    name,
		queue:   q,
		cache:   state.Cache,
		clients: state.Clients,
		window:  RebroadcastWindow,
		metrics: metrics,
		log:     log.Named("broadcaster").With(zap.String("queue", name)),
	}
}

func (b *Broadcaster) Run(ctx context.Context) error {
	for {
		p, err := b.queue.Pop(ctx)
		if err != nil {
			return nil
		}
		b.Broadcast(p, time.Now())
	}
}

// Broadcast sends p to its subscribers and returns how many it was sent to
func (b *Broadcaster) Broadcast(p *packet.Packet, now time.Time) int {
	data, err := p.ToJSON()
	if err != nil {
		b.log.Warn("Failed to encode update", zap.Stringer("packet", p), zap.Error(err))
		return 0
	}

	key := p.Key()
	ns := NamespaceOf(p.Kind)

	if !b.cache.ShouldBroadcast(ns, key, data, now, b.window) {
		return 0
	}

	sent := 0
	for _, client := range b.clients.Receivers() {
		if !client.Subscribed(ns, key) {
			continue
		}

		if client.Send(data) {
			b.metrics.Dropped("client", 1)
			b.log.Debug("Client is too slow, dropped its oldest message", zap.String("client", client.ID))
		}
		sent++
	}

	return sent
}
