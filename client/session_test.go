package client_test

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/luma/hiqbridge/client"
	"github.com/luma/hiqbridge/internal/hiqtest"
	"github.com/luma/hiqbridge/packet"
	"github.com/luma/hiqbridge/protocol"
	"github.com/luma/hiqbridge/queue"
)

var (
	local    = protocol.Address{Device: 0xFB00}
	nodeAddr = protocol.Address{Device: 0x1}
)

// fakeNode accepts sessions and records every message it receives
type fakeNode struct {
	listener net.Listener
	codec    *protocol.Codec
	received chan protocol.Message
	accepted chan net.Conn

	mu   sync.Mutex
	conn net.Conn
}

func newFakeNode() *fakeNode {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	Expect(err).To(Succeed())

	n := &fakeNode{
		listener: l,
		codec:    protocol.NewCodec(nodeAddr),
		received: make(chan protocol.Message, 100),
		accepted: make(chan net.Conn, 10),
	}

	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}

			n.mu.Lock()
			n.conn = conn
			n.mu.Unlock()
			n.accepted <- conn

			go n.read(conn)
		}
	}()

	return n
}

func (n *fakeNode) read(conn net.Conn) {
	frames := protocol.NewFrameReader(conn)
	for {
		frame, err := frames.ReadFrame()
		if err != nil {
			return
		}
		if m, err := n.codec.Decode(frame); err == nil {
			n.received <- m
		}
	}
}

func (n *fakeNode) send(m protocol.Message) {
	frame, err := protocol.Encode(m)
	Expect(err).To(Succeed())

	n.mu.Lock()
	defer n.mu.Unlock()
	_, err = n.conn.Write(frame)
	Expect(err).To(Succeed())
}

func (n *fakeNode) next() protocol.Message {
	var m protocol.Message
	Eventually(n.received, 2*time.Second).Should(Receive(&m))
	return m
}

// nextOf skips keepalives and returns the next message with the given id
func (n *fakeNode) nextOf(id protocol.MessageID) protocol.Message {
	for {
		m := n.next()
		if m.GetMessageID() == id {
			return m
		}
	}
}

func (n *fakeNode) Close() {
	n.listener.Close()
	n.mu.Lock()
	if n.conn != nil {
		n.conn.Close()
	}
	n.mu.Unlock()
}

type subscriptions []*packet.Packet

func (s subscriptions) Subscriptions(node uint16) []*packet.Packet {
	return s
}

type healthLog struct {
	mu     sync.Mutex
	status map[string]bool
}

func (h *healthLog) Report(id string, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.status[id] = ok
}

func (h *healthLog) get(id string) func() bool {
	return func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.status[id]
	}
}

// lateSubscriptions queues a subscription on the outbound queue while the
// session reads the ones to restore
type lateSubscriptions struct {
	outbound *queue.Bounded[*packet.Packet]
	late     *packet.Packet
}

func (l lateSubscriptions) Subscriptions(node uint16) []*packet.Packet {
	l.outbound.Push(l.late)
	return nil
}

func mustPacket(kind packet.Kind, value int32) *packet.Packet {
	p, err := packet.New(kind, 0x1, 0, 0x000100, 0x0002, value)
	Expect(err).To(Succeed())
	return p
}

var _ = Describe("Session", func() {
	var (
		node      *fakeNode
		outbound  *queue.Bounded[*packet.Packet]
		responses *queue.Bounded[*packet.Packet]
		reports   *healthLog
		subs      client.SubscriptionSource
		info      protocol.DiscoveryInformation

		ctx     context.Context
		cancel  context.CancelFunc
		stopped chan struct{}
		session *client.Session
	)

	BeforeEach(func() {
		node = newFakeNode()
		outbound = queue.New[*packet.Packet](10)
		responses = queue.New[*packet.Packet](10)
		reports = &healthLog{status: map[string]bool{}}
		subs = subscriptions{mustPacket(packet.Subscribe, 100)}
		info = hiqtest.Info(local.Device, nil)
	})

	start := func() {
		session = client.NewSession(client.Options{
			Node:               nodeAddr.Device,
			Addr:               node.listener.Addr().String(),
			Name:               "0x1",
			Local:              local,
			Info:               info,
			Outbound:           outbound,
			Responses:          responses,
			Subscriptions:      subs,
			Health:             reports,
			ReconnectDelay:     50 * time.Millisecond,
			FastReconnectDelay: 10 * time.Millisecond,
			TickInterval:       20 * time.Millisecond,
			Log:                zap.NewNop(),
		})

		ctx, cancel = context.WithCancel(context.Background())
		stopped = make(chan struct{})
		go func() {
			defer close(stopped)
			Expect(session.Run(ctx)).To(Succeed())
		}()
	}

	AfterEach(func() {
		cancel()
		Eventually(stopped, 2*time.Second).Should(BeClosed())
		node.Close()
	})

	It("announces itself, starts keepalives and resubscribes on connect", func() {
		start()

		disco := node.next()
		Expect(disco).To(BeAssignableToTypeOf(&protocol.DiscoInfo{}))
		Expect(disco.GetHeader().IsQuery()).To(BeTrue())
		Expect(disco.(*protocol.DiscoInfo).Info.Device).To(Equal(local.Device))

		keepAlive := node.next()
		Expect(keepAlive).To(BeAssignableToTypeOf(&protocol.MultiParamGet{}))
		Expect(keepAlive.(*protocol.MultiParamGet).IsStartKeepAlive()).To(BeTrue())

		unsub := node.next()
		Expect(unsub).To(BeAssignableToTypeOf(&protocol.MultiParamUnsubscribe{}))
		Expect(unsub.(*protocol.MultiParamUnsubscribe).Entries[0].ParamID).To(Equal(uint16(0x0002)))

		sub := node.next()
		Expect(sub).To(BeAssignableToTypeOf(&protocol.MultiParamSubscribe{}))
		entry := sub.(*protocol.MultiParamSubscribe).Subscriptions[0]
		Expect(entry.IntervalMs).To(Equal(uint16(100)))
		Expect(entry.Dest.Device).To(Equal(local.Device))

		Eventually(session.State).Should(Equal(client.StateActive))
	})

	It("sends a subscription added while restoring the others", func() {
		subs = lateSubscriptions{outbound: outbound, late: mustPacket(packet.Subscribe, 250)}
		start()

		sub := node.nextOf(protocol.IDMultiParamSubscribe).(*protocol.MultiParamSubscribe)
		Expect(sub.Subscriptions[0].IntervalMs).To(Equal(uint16(250)))
	})

	It("refuses to run with discovery information it cannot encode", func() {
		session = client.NewSession(client.Options{
			Node:      nodeAddr.Device,
			Addr:      node.listener.Addr().String(),
			Local:     local,
			Info:      protocol.NewDiscoveryInformation(local.Device, protocol.NetworkInfo{}),
			Outbound:  outbound,
			Responses: responses,
			Log:       zap.NewNop(),
		})

		ctx, cancel = context.WithCancel(context.Background())
		stopped = make(chan struct{})
		close(stopped)

		err := session.Run(ctx)
		Expect(errors.Is(err, client.ErrInvalidInfo)).To(BeTrue())
		Expect(session.State()).To(Equal(client.StateClosed))
		Consistently(node.accepted, 100*time.Millisecond).ShouldNot(Receive())
	})

	It("discards commands queued before the connection", func() {
		outbound.Push(mustPacket(packet.Set, 99))
		start()

		node.nextOf(protocol.IDMultiParamSubscribe)
		Eventually(outbound.Len).Should(BeZero())

		outbound.Push(mustPacket(packet.Set, 7))

		set := node.nextOf(protocol.IDMultiParamSet).(*protocol.MultiParamSet)
		Expect(set.Params).To(HaveLen(1))
		Expect(set.Params[0].Value).To(Equal(int32(7)))
		Expect(set.Dest).To(Equal(protocol.Address{Device: 0x1, Object: 0x100}))
	})

	It("is healthy once the node answers discovery", func() {
		start()
		node.nextOf(protocol.IDDiscoInfo)

		Consistently(reports.get("0x1"), 100*time.Millisecond).Should(BeFalse())

		reply := protocol.NewDiscoInfo(
			protocol.NewHeader(nodeAddr, local),
			hiqtest.Info(nodeAddr.Device, net.IPv4(127, 0, 0, 2)),
			false,
		)
		node.send(reply)

		Eventually(reports.get("0x1")).Should(BeTrue())
	})

	It("answers discovery queries from the node", func() {
		start()
		node.nextOf(protocol.IDMultiParamSubscribe)

		query := protocol.NewDiscoInfo(
			protocol.NewHeader(nodeAddr, local),
			hiqtest.Info(nodeAddr.Device, net.IPv4(127, 0, 0, 2)),
			true,
		)
		node.send(query)

		reply := node.nextOf(protocol.IDDiscoInfo)
		Expect(reply.GetHeader().IsQuery()).To(BeFalse())
	})

	It("forwards parameter updates as packets", func() {
		start()
		node.nextOf(protocol.IDMultiParamSubscribe)

		h := protocol.NewHeader(protocol.Address{Device: 0x1, Object: 0x100}, local)
		node.send(protocol.NewMultiParamSet(h, protocol.Parameter{
			ID:    0x0002,
			Type:  protocol.TypeLong,
			Value: int32(42),
		}))

		p, err := responses.PopTimeout(2 * time.Second)
		Expect(err).To(Succeed())
		Expect(p.Kind).To(Equal(packet.Set))
		Expect(p.Key()).To(Equal("0001:00:000100:0002"))
		Expect(p.Value).To(Equal(int32(42)))
	})

	It("says goodbye and reconnects when asked to", func() {
		start()
		Eventually(node.accepted).Should(Receive())
		node.nextOf(protocol.IDMultiParamSubscribe)

		session.Reconnect()

		bye := node.nextOf(protocol.IDGoodbye).(*protocol.Goodbye)
		Expect(bye.Device).To(Equal(local.Device))

		Eventually(node.accepted, 2*time.Second).Should(Receive())
		node.nextOf(protocol.IDMultiParamSubscribe)
	})

	It("reconnects when the node goes quiet", func() {
		info.KeepAliveMs = 100
		start()

		Eventually(node.accepted).Should(Receive())
		Eventually(node.accepted, 2*time.Second).Should(Receive())
	})

	It("says goodbye when stopped", func() {
		start()
		node.nextOf(protocol.IDMultiParamSubscribe)

		cancel()

		node.nextOf(protocol.IDGoodbye)
		Eventually(stopped, 2*time.Second).Should(BeClosed())
		Expect(session.State()).To(Equal(client.StateClosed))
	})

	It("keeps retrying while the node is down", func() {
		node.Close()
		start()

		Consistently(session.State, 200*time.Millisecond).ShouldNot(Equal(client.StateActive))
		Expect(reports.get("0x1")()).To(BeFalse())
	})
})
