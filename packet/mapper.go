package packet

import (
	"fmt"

	"github.com/luma/hiqbridge/protocol"
)

const (
	// subscriptions are sent to a virtual device of our own address that
	// depends on the kind, so absolute and percent subscriptions to the same
	// parameter can be cancelled independently
	absoluteVDevice = 0
	percentVDevice  = 1
)

// SubscriberAddress is the address a node sends subscription updates for p to
func (p *Packet) SubscriberAddress(local protocol.Address) protocol.Address {
	addr := protocol.Address{Device: local.Device, VDevice: absoluteVDevice, Object: p.Object}
	if p.IsPercent() {
		addr.VDevice = percentVDevice
	}
	return addr
}

func interval(v int32) uint16 {
	if v < 1 {
		return 1
	}
	if v > 0xFFFF {
		return 0xFFFF
	}
	return uint16(v)
}

// ToMessage maps the packet to the message sent to its node. local is this
// server's address.
func (p *Packet) ToMessage(local protocol.Address) (protocol.Message, error) {
	h := protocol.NewHeader(local, p.Address())

	switch p.Kind {
	case Set:
		return protocol.NewMultiParamSet(h, protocol.Parameter{
			ID:    p.ParamID,
			Type:  protocol.TypeLong,
			Value: p.Value,
		}), nil

	case SetString:
		return protocol.NewMultiParamSet(h, protocol.Parameter{
			ID:    p.ParamID,
			Type:  protocol.TypeString,
			Value: p.Text,
		}), nil

	case SetPercent:
		return protocol.NewParamSetPercent(h, protocol.PercentParam{
			ID:      p.ParamID,
			Percent: protocol.ClampPercent(int64(p.Value)),
		}), nil

	case Subscribe, SubscribePercent:
		sub := protocol.SubscriptionEntry{
			ParamID:     p.ParamID,
			Dest:        p.SubscriberAddress(local),
			DestParamID: p.ParamID,
			IntervalMs:  interval(p.Value),
		}
		if p.Kind == SubscribePercent {
			return protocol.NewParamSubscribePercent(h, sub), nil
		}
		return protocol.NewMultiParamSubscribe(h, sub), nil

	case Unsubscribe, UnsubscribePercent:
		return protocol.NewMultiParamUnsubscribe(h, p.SubscriberAddress(local), protocol.UnsubscribeEntry{
			ParamID:     p.ParamID,
			DestParamID: p.ParamID,
		}), nil

	case RecallPreset:
		if p.Value < 0 || p.Value > 0xFFFF {
			return nil, fmt.Errorf("%w: scene %d is out of range", protocol.ErrEncodeFailed, p.Value)
		}
		return protocol.NewRecall(h, uint16(p.Value)), nil
	}

	return nil, fmt.Errorf("%w: %s cannot be sent", protocol.ErrUnsupportedMessage, p.Kind)
}

// Result is a packet extracted from a message, or the reason one parameter of
// the message could not be mapped.
type Result struct {
	Packet *Packet
	Err    error
}

func fromParameter(src protocol.Address, object uint32, param protocol.Parameter) Result {
	p := &Packet{
		Node:    src.Device,
		VDevice: src.VDevice,
		Object:  object,
		ParamID: param.ID,
	}

	switch param.Type {
	case protocol.TypeBlock:
		return Result{Err: fmt.Errorf("%w: BLOCK datatype from %s", protocol.ErrUnsupportedMessage, p.Key())}
	case protocol.TypeString:
		s, _ := param.Value.(string)
		p.Kind = SetString
		p.Text = s
		return Result{Packet: p}
	}

	v, ok := param.Int64()
	if !ok {
		return Result{Err: fmt.Errorf("%w: %s datatype from %s", protocol.ErrUnsupportedMessage, param.Type, p.Key())}
	}

	p.Kind = Set
	p.Value = int32(v)
	return Result{Packet: p}
}

// FromMessage maps a message received from a node to packets, one result per
// parameter. Messages that do not carry parameter values return a single
// failed result.
func FromMessage(m protocol.Message) []Result {
	src := m.GetHeader().Source
	var results []Result

	switch msg := m.(type) {
	case *protocol.MultiObjectParamSet:
		for _, obj := range msg.Objects {
			for _, param := range obj.Params {
				results = append(results, fromParameter(src, obj.Object, param))
			}
		}

	case *protocol.MultiParamSet:
		for _, param := range msg.Params {
			results = append(results, fromParameter(src, src.Object, param))
		}

	case *protocol.ParamSetPercent:
		for _, param := range msg.Params {
			results = append(results, Result{Packet: &Packet{
				Kind:    SetPercent,
				Node:    src.Device,
				VDevice: src.VDevice,
				Object:  src.Object,
				ParamID: param.ID,
				Value:   int32(param.Percent),
			}})
		}

	default:
		return []Result{{Err: fmt.Errorf("%w: %s does not map to packets", protocol.ErrUnsupportedMessage, m.GetMessageID())}}
	}

	return results
}
