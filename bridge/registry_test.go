package bridge_test

import (
	"net"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/luma/hiqbridge/bridge"
	"github.com/luma/hiqbridge/internal/env"
	"github.com/luma/hiqbridge/packet"
	"github.com/luma/hiqbridge/storage"
)

const key = "0001:03:00011a:0000"

var nodes = []env.Node{
	{ID: 0x1, Key: "0x1", IP: net.IPv4(127, 0, 0, 1), Alias: "Node 1"},
}

func subscribe(kind packet.Kind) *packet.Packet {
	p, err := packet.ParseKey(kind, key)
	Expect(err).To(Succeed())
	p.Value = 100
	return p
}

// drain returns the kinds queued for node 1
func drain(state *bridge.State) []packet.Kind {
	var kinds []packet.Kind
	for _, p := range state.Outbound(0x1).Drain() {
		kinds = append(kinds, p.Kind)
	}
	return kinds
}

var _ = Describe("Registry", func() {
	var (
		state    *bridge.State
		registry *bridge.Registry
		cache    *storage.InmemoryCache
		now      time.Time
		delay    time.Duration
	)

	build := func() {
		cache = storage.NewInmemoryCache()
		state = bridge.NewState(bridge.StateOptions{
			Nodes:            nodes,
			QueueSize:        50,
			Cache:            cache,
			UnsubscribeDelay: delay,
		})
		registry = bridge.NewRegistry(bridge.RegistryOptions{
			Cache:              cache,
			Outbox:             state,
			UnsubscribeDelay:   delay,
			ResubscribeHoldoff: bridge.DefaultResubscribeHoldoff,
			Now:                func() time.Time { return now },
		})
	}

	BeforeEach(func() {
		now = time.Unix(1000, 0)
		delay = 10 * time.Second
		build()
	})

	It("sends an unsubscribe before the first subscribe", func() {
		value, ok := registry.Subscribe(subscribe(packet.Subscribe), "a")
		Expect(ok).To(BeFalse())
		Expect(value).To(BeNil())

		Expect(drain(state)).To(Equal([]packet.Kind{packet.Unsubscribe, packet.Subscribe}))
		Expect(registry.Subscribers(key, false)).To(Equal(1))
	})

	It("shares one device subscription between clients", func() {
		registry.Subscribe(subscribe(packet.Subscribe), "a")
		registry.Subscribe(subscribe(packet.Subscribe), "b")

		Expect(drain(state)).To(Equal([]packet.Kind{packet.Unsubscribe, packet.Subscribe}))
		Expect(registry.Subscribers(key, false)).To(Equal(2))

		registry.ClientUnsubscribe(key, false, "a")
		now = now.Add(time.Minute)
		Expect(registry.Sweep(now)).To(BeZero())
		Expect(drain(state)).To(BeEmpty())

		registry.ClientUnsubscribe(key, false, "b")
		Expect(registry.Sweep(now.Add(delay - time.Second))).To(BeZero())
		Expect(registry.Sweep(now.Add(delay))).To(Equal(1))

		Expect(drain(state)).To(Equal([]packet.Kind{packet.Unsubscribe}))
		Expect(registry.Subscribers(key, false)).To(BeZero())
	})

	It("returns the cached value once it is valid", func() {
		registry.Subscribe(subscribe(packet.Subscribe), "a")
		cache.Put(storage.Absolute, key, []byte(`{"value":1}`), now)
		drain(state)

		value, ok := registry.Subscribe(subscribe(packet.Subscribe), "b")
		Expect(ok).To(BeTrue())
		Expect(string(value)).To(Equal(`{"value":1}`))
		Expect(drain(state)).To(BeEmpty())
	})

	It("never serves a stale value after resubscribing", func() {
		registry.Subscribe(subscribe(packet.Subscribe), "a")
		cache.Put(storage.Absolute, key, []byte(`{"value":1}`), now)
		cache.Invalidate(storage.Absolute, key)

		now = now.Add(bridge.DefaultResubscribeHoldoff)
		drain(state)

		value, ok := registry.Subscribe(subscribe(packet.Subscribe), "b")
		Expect(ok).To(BeFalse())
		Expect(value).To(BeNil())
		Expect(drain(state)).To(Equal([]packet.Kind{packet.Unsubscribe, packet.Subscribe}))

		_, valid := cache.Valid(storage.Absolute, key)
		Expect(valid).To(BeFalse())
	})

	It("cancels a pending release when someone subscribes again", func() {
		registry.Subscribe(subscribe(packet.Subscribe), "a")
		cache.Put(storage.Absolute, key, []byte(`1`), now)
		registry.ClientUnsubscribe(key, false, "a")
		drain(state)

		_, ok := registry.Subscribe(subscribe(packet.Subscribe), "b")
		Expect(ok).To(BeTrue())

		Expect(registry.Sweep(now.Add(time.Hour))).To(BeZero())
		Expect(drain(state)).To(BeEmpty())
	})

	It("invalidates but keeps the cache on release", func() {
		registry.Subscribe(subscribe(packet.Subscribe), "a")
		cache.Put(storage.Absolute, key, []byte(`1`), now)

		registry.Unsubscribe(key, false)

		entry, ok := cache.Get(storage.Absolute, key)
		Expect(ok).To(BeTrue())
		Expect(entry.Valid).To(BeFalse())
		Expect(registry.Subscriptions(0x1)).To(BeEmpty())
	})

	It("unsubscribes immediately without a delay", func() {
		delay = 0
		build()

		registry.Subscribe(subscribe(packet.Subscribe), "a")
		drain(state)

		registry.ClientUnsubscribe(key, false, "a")
		Expect(drain(state)).To(Equal([]packet.Kind{packet.Unsubscribe}))
	})

	It("tracks percent subscriptions separately", func() {
		registry.Subscribe(subscribe(packet.Subscribe), "a")
		registry.Subscribe(subscribe(packet.SubscribePercent), "a")

		Expect(drain(state)).To(Equal([]packet.Kind{
			packet.Unsubscribe, packet.Subscribe,
			packet.UnsubscribePercent, packet.SubscribePercent,
		}))

		registry.ClientUnsubscribe(key, true, "a")
		Expect(registry.Subscribers(key, false)).To(Equal(1))
		Expect(registry.Stats()).To(Equal(bridge.RegistryStats{Absolute: 1, Percent: 1, Pending: 1}))
	})

	It("ignores unknown nodes", func() {
		p, err := packet.ParseKey(packet.Subscribe, "0009:00:000001:0001")
		Expect(err).To(Succeed())

		_, ok := registry.Subscribe(p, "a")
		Expect(ok).To(BeFalse())
		Expect(registry.Subscribers(p.Key(), false)).To(BeZero())
	})

	It("lists subscriptions to resend per node", func() {
		registry.Subscribe(subscribe(packet.SubscribePercent), "a")
		registry.Subscribe(subscribe(packet.Subscribe), "a")

		subs := registry.Subscriptions(0x1)
		Expect(subs).To(HaveLen(2))
		Expect(subs[0].Kind).To(Equal(packet.Subscribe))
		Expect(subs[1].Kind).To(Equal(packet.SubscribePercent))
		Expect(registry.Subscriptions(0x2)).To(BeEmpty())
	})
})
