// Package packet holds the application level view of HiQnet parameter
// traffic: a Packet addresses one parameter on one node and is what web
// clients send and receive. The mapper in this package translates between
// Packets and protocol messages.
package packet

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/luma/hiqbridge/protocol"
)

type Kind uint8

const (
	Set                Kind = 0x88
	Subscribe          Kind = 0x89
	Unsubscribe        Kind = 0x8A
	RecallPreset       Kind = 0x8C
	SetPercent         Kind = 0x8D
	SubscribePercent   Kind = 0x8E
	UnsubscribePercent Kind = 0x9F
	BumpPercent        Kind = 0x90
	SetString          Kind = 0x91
)

var kindNames = map[Kind]string{
	Set:                "SET",
	Subscribe:          "SUBSCRIBE",
	Unsubscribe:        "UNSUBSCRIBE",
	RecallPreset:       "RECALL_PRESET",
	SetPercent:         "SET_PERCENT",
	SubscribePercent:   "SUBSCRIBE_PERCENT",
	UnsubscribePercent: "UNSUBSCRIBE_PERCENT",
	BumpPercent:        "BUMP_PERCENT",
	SetString:          "SET_STRING",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(0x%02x)", uint8(k))
}

// ParseKind returns the Kind with the given name, e.g. "SUBSCRIBE_PERCENT"
func ParseKind(name string) (Kind, error) {
	for k, n := range kindNames {
		if n == name {
			return k, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown packet type %q", protocol.ErrDecodeFailed, name)
}

// Packet is a single parameter operation. Value is the parameter value for
// SET and SET_PERCENT, the interval in ms for subscriptions and the scene for
// RECALL_PRESET. Text is the value of SET_STRING.
type Packet struct {
	Kind    Kind
	Node    uint16
	VDevice uint8
	Object  uint32
	ParamID uint16
	Value   int32
	Text    string
}

// New returns a packet of the given kind addressed to the parameter. Object
// must fit in 24 bits.
func New(kind Kind, node uint16, vdevice uint8, object uint32, param uint16, value int32) (*Packet, error) {
	if kind == BumpPercent {
		return nil, fmt.Errorf("%w: %s", protocol.ErrUnsupportedMessage, kind)
	}
	if _, ok := kindNames[kind]; !ok {
		return nil, fmt.Errorf("%w: unknown packet type 0x%02x", protocol.ErrUnsupportedMessage, uint8(kind))
	}
	if object > 0xFFFFFF {
		return nil, fmt.Errorf("%w: object 0x%x does not fit in 24 bits", protocol.ErrEncodeFailed, object)
	}

	return &Packet{
		Kind:    kind,
		Node:    node,
		VDevice: vdevice,
		Object:  object,
		ParamID: param,
		Value:   value,
	}, nil
}

var keyPattern = regexp.MustCompile(`^([0-9a-f]{4}):([0-9a-f]{2}):([0-9a-f]{6}):([0-9a-f]{4})$`)

// ParseKey returns a packet of the given kind addressed to key, see Key().
// Upper case hex digits are accepted.
func ParseKey(kind Kind, key string) (*Packet, error) {
	m := keyPattern.FindStringSubmatch(strings.ToLower(key))
	if m == nil {
		return nil, fmt.Errorf("%w: invalid parameter %q", protocol.ErrDecodeFailed, key)
	}

	// The pattern guarantees these parse and fit
	node, _ := strconv.ParseUint(m[1], 16, 16)
	vdevice, _ := strconv.ParseUint(m[2], 16, 8)
	object, _ := strconv.ParseUint(m[3], 16, 32)
	param, _ := strconv.ParseUint(m[4], 16, 16)

	return New(kind, uint16(node), uint8(vdevice), uint32(object), uint16(param), 0)
}

// Key identifies the parameter as "nnnn:vv:oooooo:pppp"
func (p *Packet) Key() string {
	return fmt.Sprintf("%04x:%02x:%06x:%04x", p.Node, p.VDevice, p.Object, p.ParamID)
}

// Address is the HiQnet address of the object owning the parameter
func (p *Packet) Address() protocol.Address {
	return protocol.Address{Device: p.Node, VDevice: p.VDevice, Object: p.Object}
}

// IsPercent returns true for kinds that use percentage values
func (p *Packet) IsPercent() bool {
	switch p.Kind {
	case SetPercent, SubscribePercent, UnsubscribePercent:
		return true
	}
	return false
}

func (p *Packet) IsSubscribe() bool {
	return p.Kind == Subscribe || p.Kind == SubscribePercent
}

func (p *Packet) IsUnsubscribe() bool {
	return p.Kind == Unsubscribe || p.Kind == UnsubscribePercent
}

// Unsubscribe returns the packet that cancels this subscription. It returns
// nil for kinds that are not subscriptions.
func (p *Packet) Unsubscribe() *Packet {
	var kind Kind
	switch p.Kind {
	case Subscribe:
		kind = Unsubscribe
	case SubscribePercent:
		kind = UnsubscribePercent
	default:
		return nil
	}

	unsub := p.Clone()
	unsub.Kind = kind
	unsub.Value = 0
	return unsub
}

func (p *Packet) Clone() *Packet {
	c := *p
	return &c
}

func (p *Packet) String() string {
	switch p.Kind {
	case RecallPreset:
		return fmt.Sprintf("Packet{%s %08x}", p.Kind, p.Value)
	case SetString:
		return fmt.Sprintf("Packet{%s %s %q}", p.Kind, p.Key(), p.Text)
	case Unsubscribe, UnsubscribePercent:
		return fmt.Sprintf("Packet{%s %s}", p.Kind, p.Key())
	}
	return fmt.Sprintf("Packet{%s %s %#08x}", p.Kind, p.Key(), p.Value)
}
