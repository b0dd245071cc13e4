package server_test

import (
	"context"
	"io"
	"net"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/luma/hiqbridge/bridge"
	"github.com/luma/hiqbridge/client"
	"github.com/luma/hiqbridge/internal/env"
	"github.com/luma/hiqbridge/internal/hiqtest"
	"github.com/luma/hiqbridge/protocol"
	"github.com/luma/hiqbridge/server"
)

const key = "0001:03:00011a:0000"

var (
	local    = protocol.Address{Device: 0xFB00}
	nodeAddr = protocol.Address{Device: 0x1}
)

// fakeNode is a HiQnet node accepting one session at a time
type fakeNode struct {
	listener net.Listener
	codec    *protocol.Codec
	received chan protocol.Message

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

// subscriptionTraffic returns the ids of the next subscription related
// messages, skipping discovery and keepalives
func (n *fakeNode) subscriptionTraffic(count int) []protocol.MessageID {
	var ids []protocol.MessageID
	for len(ids) < count {
		var m protocol.Message
		Eventually(n.received, 2*time.Second).Should(Receive(&m))

		switch m.GetMessageID() {
		case protocol.IDMultiParamSubscribe, protocol.IDMultiParamUnsubscribe,
			protocol.IDParamSubscribePercent, protocol.IDMultiParamSet:
			ids = append(ids, m.GetMessageID())
		}
	}
	return ids
}

func (n *fakeNode) send(m protocol.Message) {
	frame, err := protocol.Encode(m)
	Expect(err).To(Succeed())

	n.mu.Lock()
	defer n.mu.Unlock()
	Expect(n.conn).NotTo(BeNil())
	_, err = n.conn.Write(frame)
	Expect(err).To(Succeed())
}

func (n *fakeNode) Close() {
	n.listener.Close()
	n.mu.Lock()
	if n.conn != nil {
		n.conn.Close()
	}
	n.mu.Unlock()
}

type fakeHealth struct {
	healthy atomic.Bool
}

func (h *fakeHealth) Healthy() bool { return h.healthy.Load() }

func (h *fakeHealth) Snapshot() map[string]bool {
	return map[string]bool{"0x1": h.healthy.Load(), "UDP": true}
}

type reconnects struct {
	mu    sync.Mutex
	count int
}

func (r *reconnects) Reconnect() {
	r.mu.Lock()
	r.count++
	r.mu.Unlock()
}

func (r *reconnects) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

var _ = Describe("Server", func() {
	var (
		node      *fakeNode
		state     *bridge.State
		auth      *server.Authenticator
		srv       *server.Server
		web       *httptest.Server
		session   *client.Session
		status    *fakeHealth
		sessions  *reconnects
		restarted chan struct{}
		level     zap.AtomicLevel

		ctx    context.Context
		cancel context.CancelFunc
	)

	BeforeEach(func() {
		ctx, cancel = context.WithCancel(context.Background())

		node = newFakeNode()
		nodes := []env.Node{{ID: 0x1, Key: "0x1", IP: net.IPv4(127, 0, 0, 1), Alias: "Node 1"}}

		state = bridge.NewState(bridge.StateOptions{Nodes: nodes, UnsubscribeDelay: time.Minute})
		auth = server.NewAuthenticator(server.AuthOptions{Secret: secret})
		status = &fakeHealth{}
		sessions = &reconnects{}
		restarted = make(chan struct{}, 1)
		level = zap.NewAtomicLevelAt(zap.InfoLevel)

		session = client.NewSession(client.Options{
			Node:          nodeAddr.Device,
			Addr:          node.listener.Addr().String(),
			Name:          "0x1",
			Local:         local,
			Info:          hiqtest.Info(local.Device, nil),
			Outbound:      state.Outbound(0x1),
			Responses:     state.Responses(0x1),
			Subscriptions: state.Registry,
			Log:           zap.NewNop(),
		})
		go session.Run(ctx)

		for _, q := range state.ResponseQueues() {
			go bridge.NewBroadcaster(q.Name, q.Queue, state, nil, zap.NewNop()).Run(ctx)
		}

		srv = server.New(server.Options{
			State:            state,
			Auth:             auth,
			Health:           status,
			Sessions:         []server.Reconnector{sessions},
			SubscriptionRate: 100 * time.Millisecond,
			Version:          "1.2.3",
			SupportName:      "Support",
			SupportEmail:     "support@example.com",
			ProxyIPHeader:    "X-Real-IP",
			Level:            level,
			Restart:          func() { restarted <- struct{}{} },
			Log:              zap.NewNop(),
		})
		web = httptest.NewServer(srv.Handler())

		Eventually(session.State, 2*time.Second).Should(Equal(client.StateActive))
	})

	AfterEach(func() {
		shutdown, done := context.WithTimeout(context.Background(), 2*time.Second)
		defer done()
		Expect(srv.Shutdown(shutdown)).To(Succeed())

		web.Close()
		cancel()
		node.Close()
	})

	dial := func(header map[string]string) *websocket.Conn {
		h := make(map[string][]string, len(header))
		for k, v := range header {
			h[k] = []string{v}
		}

		url := "ws" + strings.TrimPrefix(web.URL, "http") + "/ws"
		conn, _, err := websocket.DefaultDialer.Dial(url, h)
		Expect(err).To(Succeed())
		return conn
	}

	read := func(conn *websocket.Conn) string {
		Expect(conn.SetReadDeadline(time.Now().Add(2 * time.Second))).To(Succeed())
		_, msg, err := conn.ReadMessage()
		Expect(err).To(Succeed())
		return string(msg)
	}

	login := func(user, extra string) *websocket.Conn {
		conn := dial(map[string]string{"X-Real-IP": "10.1.2.3"})
		Expect(conn.WriteMessage(websocket.TextMessage, signed(auth, tokenData(user, time.Now(), extra)))).To(Succeed())
		Expect(read(conn)).To(Equal("__test__"))
		return conn
	}

	send := func(conn *websocket.Conn, msg string) {
		Expect(conn.WriteMessage(websocket.TextMessage, []byte(msg))).To(Succeed())
	}

	Describe("HTTP", func() {
		get := func(path string) (int, string) {
			res, err := web.Client().Get(web.URL + path)
			Expect(err).To(Succeed())
			defer res.Body.Close()

			body, err := io.ReadAll(res.Body)
			Expect(err).To(Succeed())
			return res.StatusCode, string(body)
		}

		It("answers pings", func() {
			code, body := get("/ping")
			Expect(code).To(Equal(200))
			Expect(body).To(Equal("pong"))
		})

		It("reports health", func() {
			code, body := get("/health")
			Expect(code).To(Equal(503))
			Expect(gjson.Get(body, "healthy").Bool()).To(BeFalse())

			status.healthy.Store(true)
			code, body = get("/health")
			Expect(code).To(Equal(200))
			Expect(gjson.Get(body, "components.UDP").Bool()).To(BeTrue())
		})
	})

	Describe("authentication", func() {
		It("closes connections with an invalid token", func() {
			conn := dial(nil)
			defer conn.Close()

			send(conn, `{"data":"{}","hash":"00"}`)

			Expect(conn.SetReadDeadline(time.Now().Add(2 * time.Second))).To(Succeed())
			_, _, err := conn.ReadMessage()
			Expect(websocket.IsCloseError(err, websocket.ClosePolicyViolation)).To(BeTrue())
			Expect(state.Clients.Len()).To(BeZero())
		})

		It("registers clients with their proxied address", func() {
			conn := login("alice", "")
			defer conn.Close()

			Eventually(state.Clients.Users).Should(Equal([]string{"alice@10.1.2.3"}))
		})
	})

	Describe("parameters", func() {
		It("relays subscriptions and updates between clients and nodes", func() {
			conn := login("alice", "")
			defer conn.Close()

			bystander := login("bob", "")
			defer bystander.Close()

			send(conn, `{"type":"SUBSCRIBE","parameter":"`+key+`","value":0}`)
			Expect(node.subscriptionTraffic(2)).To(Equal([]protocol.MessageID{
				protocol.IDMultiParamUnsubscribe,
				protocol.IDMultiParamSubscribe,
			}))

			set := protocol.NewMultiParamSet(
				protocol.NewHeader(protocol.Address{Device: 0x1, VDevice: 0x3, Object: 0x11a}, local),
				protocol.Parameter{ID: 0x0, Type: protocol.TypeLong, Value: int32(42)},
			)
			node.send(set)

			Expect(read(conn)).To(Equal(`{"type":"SET","parameter":"0001:03:00011a:0000","value":42}`))

			Expect(bystander.SetReadDeadline(time.Now().Add(200 * time.Millisecond))).To(Succeed())
			_, _, err := bystander.ReadMessage()
			Expect(err).To(HaveOccurred())
		})

		It("serves the cached value to later subscribers", func() {
			first := login("alice", "")
			defer first.Close()

			send(first, `{"type":"SUBSCRIBE","parameter":"`+key+`","value":0}`)
			node.subscriptionTraffic(2)

			node.send(protocol.NewMultiParamSet(
				protocol.NewHeader(protocol.Address{Device: 0x1, VDevice: 0x3, Object: 0x11a}, local),
				protocol.Parameter{ID: 0x0, Type: protocol.TypeLong, Value: int32(7)},
			))
			Expect(read(first)).To(ContainSubstring(`"value":7`))

			second := login("bob", "")
			defer second.Close()

			send(second, `{"type":"SUBSCRIBE","parameter":"`+key+`","value":0}`)
			Expect(read(second)).To(Equal(`{"type":"SET","parameter":"0001:03:00011a:0000","value":7}`))
			Expect(state.Registry.Subscribers(key, false)).To(Equal(2))
		})

		It("forwards sets to the node", func() {
			conn := login("alice", "")
			defer conn.Close()

			send(conn, `{"type":"SET","parameter":"`+key+`","value":5}`)
			Expect(node.subscriptionTraffic(1)).To(Equal([]protocol.MessageID{protocol.IDMultiParamSet}))
		})

		It("releases the subscriptions of a client that leaves", func() {
			conn := login("alice", "")

			send(conn, `{"type":"SUBSCRIBE","parameter":"`+key+`","value":0}`)
			Eventually(func() int { return state.Registry.Subscribers(key, false) }).Should(Equal(1))

			conn.Close()
			Eventually(func() int { return state.Registry.Subscribers(key, false) }).Should(BeZero())
			Expect(state.Registry.Stats().Pending).To(Equal(1))
		})

		It("unsubscribes from everything", func() {
			conn := login("alice", "")
			defer conn.Close()

			send(conn, `{"type":"SUBSCRIBE","parameter":"`+key+`","value":0}`)
			send(conn, `{"type":"SUBSCRIBE_PERCENT","parameter":"`+key+`","value":0}`)
			Eventually(func() int { return state.Registry.Subscribers(key, true) }).Should(Equal(1))

			send(conn, `{"type":"UNSUBSCRIBE_ALL"}`)
			Eventually(func() int { return state.Registry.Subscribers(key, true) }).Should(BeZero())
			Expect(state.Registry.Subscribers(key, false)).To(BeZero())
		})

		It("ignores packets from status only clients", func() {
			conn := login("monitor", `,"options":{"statusonly":true}`)
			defer conn.Close()

			send(conn, `{"type":"SUBSCRIBE","parameter":"`+key+`","value":0}`)
			send(conn, "__test__")
			Expect(read(conn)).To(Equal("__test__"))

			Expect(state.Registry.Subscribers(key, false)).To(BeZero())
		})
	})

	Describe("control commands", func() {
		It("answers support requests from anyone", func() {
			conn := login("alice", "")
			defer conn.Close()

			send(conn, "support")
			Expect(read(conn)).To(MatchJSON(`{"type":"support","data":{"name":"Support","email":"support@example.com"}}`))
		})

		It("ignores admin commands from regular users", func() {
			conn := login("alice", "")
			defer conn.Close()

			send(conn, "version")
			send(conn, "restart")
			send(conn, "__test__")
			Expect(read(conn)).To(Equal("__test__"))
			Expect(restarted).NotTo(Receive())
		})

		Context("as an admin", func() {
			var conn *websocket.Conn

			BeforeEach(func() {
				conn = login("admin", `,"admin":true`)
			})

			AfterEach(func() {
				conn.Close()
			})

			It("reports the status of every component", func() {
				send(conn, "status")
				Expect(read(conn)).To(MatchJSON(`{"type":"status","data":{"0x1":false,"UDP":true}}`))
			})

			It("reports the version", func() {
				send(conn, "version")
				Expect(read(conn)).To(MatchJSON(`{"type":"version","data":"1.2.3"}`))
			})

			It("reports stats with the connected users", func() {
				send(conn, "stats")

				msg := read(conn)
				Expect(gjson.Get(msg, "type").String()).To(Equal("stats"))
				Expect(gjson.Get(msg, "data.users").String()).To(ContainSubstring("admin@10.1.2.3"))
				Expect(gjson.Get(msg, "data.subscriptions.absolute").Exists()).To(BeTrue())
				Expect(gjson.Get(msg, "data.queues.0x1.length").Exists()).To(BeTrue())
			})

			It("switches debug logging", func() {
				send(conn, "enable_debug")
				Expect(read(conn)).To(MatchJSON(`{"type":"debug","data":{"debug":true}}`))
				Expect(level.Enabled(zap.DebugLevel)).To(BeTrue())

				send(conn, "debug")
				msg := read(conn)
				Expect(gjson.Get(msg, "data.debug").Bool()).To(BeTrue())
				Expect(gjson.Get(msg, "data.cache.absolute").IsObject()).To(BeTrue())

				send(conn, "disable_debug")
				Expect(read(conn)).To(MatchJSON(`{"type":"debug","data":{"debug":false}}`))
				Expect(level.Enabled(zap.DebugLevel)).To(BeFalse())
			})

			It("restarts the process", func() {
				send(conn, "restart")
				Eventually(restarted).Should(Receive())
			})

			It("reconnects every node", func() {
				send(conn, "reconnect")
				Eventually(sessions.Count).Should(Equal(1))
			})
		})
	})
})
