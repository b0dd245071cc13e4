package protocol

import (
	"fmt"
	"strings"
)

const (
	// Version is the only HiQnet protocol version we speak
	Version = 2

	// prefixSize is version + headerLen + totalLen
	prefixSize = 6

	// baseHeaderSize is the header length without optional fields
	baseHeaderSize = prefixSize + AddressSize*2 + 2 + 2 + 1 + 2

	// DefaultHopCount is used for all messages we originate
	DefaultHopCount = 5

	// MaxSequence is the largest sequence number before wrapping to 0
	MaxSequence = 0xFFFF
)

type MessageID uint16

const (
	IDDiscoInfo               MessageID = 0x0000
	IDGetNetworkInfo          MessageID = 0x0002
	IDRequestAddress          MessageID = 0x0004
	IDAddressUsed             MessageID = 0x0005
	IDSetAddress              MessageID = 0x0006
	IDGoodbye                 MessageID = 0x0007
	IDHello                   MessageID = 0x0008
	IDMultiParamSet           MessageID = 0x0100
	IDMultiObjectParamSet     MessageID = 0x0101
	IDParamSetPercent         MessageID = 0x0102
	IDMultiParamGet           MessageID = 0x0103
	IDGetAttributes           MessageID = 0x010D
	IDMultiParamSubscribe     MessageID = 0x010F
	IDParamSubscribePercent   MessageID = 0x0111
	IDMultiParamUnsubscribe   MessageID = 0x0112
	IDParameterSubscribeAll   MessageID = 0x0113
	IDParameterUnsubscribeAll MessageID = 0x0114
	IDGetVDList               MessageID = 0x011A
	IDStore                   MessageID = 0x0124
	IDRecall                  MessageID = 0x0125
	IDLocate                  MessageID = 0x0129
)

var messageNames = map[MessageID]string{
	IDDiscoInfo:               "DiscoInfo",
	IDGetNetworkInfo:          "GetNetworkInfo",
	IDRequestAddress:          "RequestAddress",
	IDAddressUsed:             "AddressUsed",
	IDSetAddress:              "SetAddress",
	IDGoodbye:                 "Goodbye",
	IDHello:                   "Hello",
	IDMultiParamSet:           "MultiParamSet",
	IDMultiObjectParamSet:     "MultiObjectParamSet",
	IDParamSetPercent:         "ParamSetPercent",
	IDMultiParamGet:           "MultiParamGet",
	IDGetAttributes:           "GetAttributes",
	IDMultiParamSubscribe:     "MultiParamSubscribe",
	IDParamSubscribePercent:   "ParamSubscribePercent",
	IDMultiParamUnsubscribe:   "MultiParamUnsubscribe",
	IDParameterSubscribeAll:   "ParameterSubscribeAll",
	IDParameterUnsubscribeAll: "ParameterUnsubscribeAll",
	IDGetVDList:               "GetVDList",
	IDStore:                   "Store",
	IDRecall:                  "Recall",
	IDLocate:                  "Locate",
}

func (id MessageID) String() string {
	if name, ok := messageNames[id]; ok {
		return name
	}
	return fmt.Sprintf("MessageID(0x%04x)", uint16(id))
}

// Known returns true if the id is part of the HiQnet message set, whether or
// not we implement it.
func (id MessageID) Known() bool {
	_, ok := messageNames[id]
	return ok
}

type Flags uint16

const (
	FlagRequestAck      Flags = 0x0001
	FlagAcknowledgement Flags = 0x0002
	FlagInformation     Flags = 0x0004
	FlagErrorHeader     Flags = 0x0008
	FlagGuaranteed      Flags = 0x0020
	FlagMultiPart       Flags = 0x0040
	FlagSession         Flags = 0x0100

	// SessionSupported is the flag mask we advertise in Hello replies
	SessionSupported Flags = 0x01FF
)

func (f Flags) Has(flag Flags) bool {
	return f&flag != 0
}

func (f Flags) With(flag Flags) Flags {
	return f | flag
}

func (f Flags) Without(flag Flags) Flags {
	return f &^ flag
}

func (f Flags) String() string {
	names := []string{}
	for _, n := range []struct {
		flag Flags
		name string
	}{
		{FlagSession, "session"},
		{FlagMultiPart, "multipart"},
		{FlagGuaranteed, "guaranteed"},
		{FlagErrorHeader, "error"},
		{FlagInformation, "info"},
		{FlagAcknowledgement, "ack"},
		{FlagRequestAck, "reqack"},
	} {
		if f.Has(n.flag) {
			names = append(names, n.name)
		}
	}
	return "[" + strings.Join(names, ",") + "]"
}

// Header is the routing header that precedes every payload
type Header struct {
	Source    Address
	Dest      Address
	MessageID MessageID
	Flags     Flags
	HopCount  uint8
	Sequence  uint16

	// SessionID is only on the wire when FlagSession is set
	SessionID uint16
}

// IsQuery returns true when the information flag is not set, i.e. the
// sender expects a reply.
func (h *Header) IsQuery() bool {
	return !h.Flags.Has(FlagInformation)
}

func (h *Header) setQuery(query bool) {
	if query {
		h.Flags = h.Flags.Without(FlagInformation)
	} else {
		h.Flags = h.Flags.With(FlagInformation)
	}
}

func (h *Header) size() int {
	if h.Flags.Has(FlagSession) {
		return baseHeaderSize + 2
	}
	return baseHeaderSize
}

func (h *Header) put(w *writer, payloadLen int) {
	size := h.size()

	w.u8(Version)
	w.u8(uint8(size))
	w.u32(uint32(size + payloadLen))
	h.Source.put(w)
	h.Dest.put(w)
	w.u16(uint16(h.MessageID))
	w.u16(uint16(h.Flags))
	w.u8(h.HopCount)
	w.u16(h.Sequence)

	if h.Flags.Has(FlagSession) {
		w.u16(h.SessionID)
	}
}

// NextSequence returns the sequence number following seq
func NextSequence(seq uint16) uint16 {
	if seq >= MaxSequence {
		return 0
	}
	return seq + 1
}
