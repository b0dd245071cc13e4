package packet_test

import (
	"errors"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/ginkgo/extensions/table"
	. "github.com/onsi/gomega"

	"github.com/luma/hiqbridge/packet"
	"github.com/luma/hiqbridge/protocol"
)

var local = protocol.Address{Device: 0xFB00}

func mustNew(kind packet.Kind, value int32) *packet.Packet {
	p, err := packet.New(kind, 0x0001, 0x03, 0x00011A, 0x0000, value)
	Expect(err).To(Succeed())
	return p
}

var _ = Describe("Packet", func() {
	Describe("New()", func() {
		It("rejects BUMP_PERCENT", func() {
			_, err := packet.New(packet.BumpPercent, 1, 0, 0, 0, 0)
			Expect(errors.Is(err, protocol.ErrUnsupportedMessage)).To(BeTrue())
		})

		It("rejects objects wider than 24 bits", func() {
			_, err := packet.New(packet.Set, 1, 0, 0x1000000, 0, 0)
			Expect(errors.Is(err, protocol.ErrEncodeFailed)).To(BeTrue())
		})
	})

	Describe("Key()", func() {
		It("renders fixed width lower case hex", func() {
			p, err := packet.New(packet.Set, 0xAB, 0x3, 0x11A, 0xC, 0)
			Expect(err).To(Succeed())
			Expect(p.Key()).To(Equal("00ab:03:00011a:000c"))
		})

		It("round trips through ParseKey()", func() {
			p, err := packet.ParseKey(packet.Subscribe, "0001:03:00011A:0000")
			Expect(err).To(Succeed())
			Expect(p.Key()).To(Equal("0001:03:00011a:0000"))
			Expect(p.Kind).To(Equal(packet.Subscribe))
		})

		DescribeTable("ParseKey() rejects malformed keys",
			func(key string) {
				_, err := packet.ParseKey(packet.Set, key)
				Expect(errors.Is(err, protocol.ErrDecodeFailed)).To(BeTrue())
			},
			Entry("too few fields", "0001:03:00011a"),
			Entry("short node", "001:03:00011a:0000"),
			Entry("long vdevice", "0001:003:00011a:0000"),
			Entry("not hex", "0001:03:00011g:0000"),
			Entry("empty", ""),
		)
	})

	Describe("Unsubscribe()", func() {
		It("returns the inverse of subscriptions", func() {
			Expect(mustNew(packet.Subscribe, 100).Unsubscribe().Kind).To(Equal(packet.Unsubscribe))
			Expect(mustNew(packet.SubscribePercent, 100).Unsubscribe().Kind).To(Equal(packet.UnsubscribePercent))
			Expect(mustNew(packet.Set, 1).Unsubscribe()).To(BeNil())
		})

		It("does not modify the subscription", func() {
			sub := mustNew(packet.Subscribe, 100)
			unsub := sub.Unsubscribe()
			Expect(sub.Kind).To(Equal(packet.Subscribe))
			Expect(sub.Value).To(Equal(int32(100)))
			Expect(unsub.Key()).To(Equal(sub.Key()))
		})
	})

	Describe("JSON", func() {
		It("renders packets", func() {
			out, err := mustNew(packet.Set, 42).ToJSON()
			Expect(err).To(Succeed())
			Expect(string(out)).To(Equal(`{"type":"SET","parameter":"0001:03:00011a:0000","value":42}`))
		})

		It("renders SET_STRING text as the value", func() {
			p := mustNew(packet.SetString, 0)
			p.Text = "Lobby"
			out, err := p.ToJSON()
			Expect(err).To(Succeed())
			Expect(out).To(MatchJSON(`{"type":"SET_STRING","parameter":"0001:03:00011a:0000","value":"Lobby"}`))
		})

		It("parses packets", func() {
			p, err := packet.FromJSON([]byte(`{"type":"SET_PERCENT","parameter":"0001:03:00011a:0002","value":-300}`))
			Expect(err).To(Succeed())
			Expect(p.Kind).To(Equal(packet.SetPercent))
			Expect(p.ParamID).To(Equal(uint16(2)))
			Expect(p.Value).To(Equal(int32(-300)))
		})

		It("parses SET_STRING", func() {
			p, err := packet.FromJSON([]byte(`{"type":"SET_STRING","parameter":"0001:03:00011a:0002","value":"x"}`))
			Expect(err).To(Succeed())
			Expect(p.Text).To(Equal("x"))
		})

		DescribeTable("rejects invalid packets",
			func(data string) {
				_, err := packet.FromJSON([]byte(data))
				Expect(errors.Is(err, protocol.ErrDecodeFailed)).To(BeTrue())
			},
			Entry("not JSON", `{"type":`),
			Entry("missing value", `{"type":"SET","parameter":"0001:03:00011a:0000"}`),
			Entry("missing parameter", `{"type":"SET","value":1}`),
			Entry("numeric type", `{"type":1,"parameter":"0001:03:00011a:0000","value":1}`),
			Entry("unknown type", `{"type":"EXPLODE","parameter":"0001:03:00011a:0000","value":1}`),
			Entry("bad parameter", `{"type":"SET","parameter":"1:3:11a:0","value":1}`),
			Entry("fractional value", `{"type":"SET","parameter":"0001:03:00011a:0000","value":1.5}`),
			Entry("string value", `{"type":"SET","parameter":"0001:03:00011a:0000","value":"1"}`),
			Entry("value out of range", `{"type":"SET","parameter":"0001:03:00011a:0000","value":4294967296}`),
		)

		It("rejects BUMP_PERCENT", func() {
			_, err := packet.FromJSON([]byte(`{"type":"BUMP_PERCENT","parameter":"0001:03:00011a:0000","value":1}`))
			Expect(errors.Is(err, protocol.ErrUnsupportedMessage)).To(BeTrue())
		})
	})

	Describe("ToMessage()", func() {
		dest := protocol.Address{Device: 0x0001, VDevice: 0x03, Object: 0x00011A}

		It("maps SET to a LONG MultiParamSet", func() {
			m, err := mustNew(packet.Set, -7).ToMessage(local)
			Expect(err).To(Succeed())

			set, ok := m.(*protocol.MultiParamSet)
			Expect(ok).To(BeTrue())
			Expect(set.Dest).To(Equal(dest))
			Expect(set.Source).To(Equal(local))
			Expect(set.Params).To(Equal([]protocol.Parameter{{ID: 0, Type: protocol.TypeLong, Value: int32(-7)}}))
		})

		It("maps SET_STRING to a STRING MultiParamSet", func() {
			p := mustNew(packet.SetString, 0)
			p.Text = "Bar"
			m, err := p.ToMessage(local)
			Expect(err).To(Succeed())
			Expect(m.(*protocol.MultiParamSet).Params[0].Value).To(Equal("Bar"))
		})

		It("clamps SET_PERCENT", func() {
			m, err := mustNew(packet.SetPercent, 100000).ToMessage(local)
			Expect(err).To(Succeed())
			Expect(m.(*protocol.ParamSetPercent).Params[0].Percent).To(Equal(int16(0x7fff)))
		})

		It("subscribes to our address on virtual device 0", func() {
			m, err := mustNew(packet.Subscribe, 100).ToMessage(local)
			Expect(err).To(Succeed())

			sub := m.(*protocol.MultiParamSubscribe)
			Expect(sub.Dest).To(Equal(dest))
			Expect(sub.Subscriptions).To(Equal([]protocol.SubscriptionEntry{{
				ParamID:     0,
				Dest:        protocol.Address{Device: 0xFB00, VDevice: 0, Object: 0x00011A},
				DestParamID: 0,
				IntervalMs:  100,
			}}))
		})

		It("subscribes percent on virtual device 1", func() {
			m, err := mustNew(packet.SubscribePercent, 50).ToMessage(local)
			Expect(err).To(Succeed())

			sub := m.(*protocol.ParamSubscribePercent)
			Expect(sub.Subscriptions[0].Dest.VDevice).To(Equal(uint8(1)))
			Expect(sub.Subscriptions[0].IntervalMs).To(Equal(uint16(50)))
		})

		It("unsubscribes from the matching virtual device", func() {
			m, err := mustNew(packet.UnsubscribePercent, 0).ToMessage(local)
			Expect(err).To(Succeed())

			unsub := m.(*protocol.MultiParamUnsubscribe)
			Expect(unsub.Dest).To(Equal(protocol.Address{Device: 0xFB00, VDevice: 1, Object: 0x00011A}))
			Expect(unsub.Entries).To(Equal([]protocol.UnsubscribeEntry{{ParamID: 0, DestParamID: 0}}))
		})

		It("maps RECALL_PRESET to Recall", func() {
			m, err := mustNew(packet.RecallPreset, 4).ToMessage(local)
			Expect(err).To(Succeed())
			Expect(m.(*protocol.Recall).Scene).To(Equal(uint16(4)))
		})

		It("produces messages that encode", func() {
			for _, kind := range []packet.Kind{packet.Set, packet.Subscribe, packet.Unsubscribe, packet.RecallPreset,
				packet.SetPercent, packet.SubscribePercent, packet.UnsubscribePercent} {
				m, err := mustNew(kind, 1).ToMessage(local)
				Expect(err).To(Succeed())
				_, err = protocol.Encode(m)
				Expect(err).To(Succeed())
			}
		})
	})

	Describe("FromMessage()", func() {
		src := protocol.Address{Device: 0x0001, VDevice: 0x03, Object: 0x00011A}
		h := protocol.NewHeader(src, local)

		It("maps MultiParamSet values to signed 32 bit SETs", func() {
			results := packet.FromMessage(protocol.NewMultiParamSet(h,
				protocol.Parameter{ID: 0, Type: protocol.TypeLong, Value: int32(42)},
				protocol.Parameter{ID: 1, Type: protocol.TypeULong, Value: uint32(0xFFFFFFFF)},
				protocol.Parameter{ID: 2, Type: protocol.TypeFloat32, Value: float32(-2.75)},
				protocol.Parameter{ID: 3, Type: protocol.TypeString, Value: "Hi"},
				protocol.Parameter{ID: 4, Type: protocol.TypeBlock, Value: []byte{1}},
			))

			Expect(results).To(HaveLen(5))
			Expect(results[0].Packet.Key()).To(Equal("0001:03:00011a:0000"))
			Expect(results[0].Packet.Kind).To(Equal(packet.Set))
			Expect(results[0].Packet.Value).To(Equal(int32(42)))
			Expect(results[1].Packet.Value).To(Equal(int32(-1)))
			Expect(results[2].Packet.Value).To(Equal(int32(-2)))
			Expect(results[3].Packet.Kind).To(Equal(packet.SetString))
			Expect(results[3].Packet.Text).To(Equal("Hi"))
			Expect(errors.Is(results[4].Err, protocol.ErrUnsupportedMessage)).To(BeTrue())
		})

		It("expands MultiObjectParamSet per object and parameter", func() {
			results := packet.FromMessage(protocol.NewMultiObjectParamSet(h,
				protocol.ObjectParams{Object: 0x10, Params: []protocol.Parameter{
					{ID: 1, Type: protocol.TypeUByte, Value: uint8(1)},
					{ID: 2, Type: protocol.TypeUByte, Value: uint8(2)},
				}},
				protocol.ObjectParams{Object: 0x20, Params: []protocol.Parameter{
					{ID: 3, Type: protocol.TypeWord, Value: int16(-3)},
				}},
			))

			Expect(results).To(HaveLen(3))
			Expect(results[0].Packet.Key()).To(Equal("0001:03:000010:0001"))
			Expect(results[1].Packet.Key()).To(Equal("0001:03:000010:0002"))
			Expect(results[2].Packet.Key()).To(Equal("0001:03:000020:0003"))
			Expect(results[2].Packet.Value).To(Equal(int32(-3)))
		})

		It("maps ParamSetPercent to SET_PERCENT", func() {
			results := packet.FromMessage(protocol.NewParamSetPercent(h, protocol.PercentParam{ID: 5, Percent: -100}))
			Expect(results).To(HaveLen(1))
			Expect(results[0].Packet.Kind).To(Equal(packet.SetPercent))
			Expect(results[0].Packet.Value).To(Equal(int32(-100)))
			Expect(results[0].Packet.IsPercent()).To(BeTrue())
		})

		It("fails for other messages", func() {
			results := packet.FromMessage(protocol.NewGoodbye(h, 1))
			Expect(results).To(HaveLen(1))
			Expect(errors.Is(results[0].Err, protocol.ErrUnsupportedMessage)).To(BeTrue())
		})
	})
})
