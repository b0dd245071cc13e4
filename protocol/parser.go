package protocol

import (
	"encoding/binary"
	"errors"
)

var (
	// ErrFrameTruncated is returned when a buffer ends before the length its
	// header claims
	ErrFrameTruncated = errors.New("Frame is truncated")

	// ErrInvalidFrame is returned by FrameReader when a frame prefix carries
	// impossible lengths. The stream cannot be resynchronised after it.
	ErrInvalidFrame = errors.New("Frame prefix is invalid")
)

type decodeFunc func(h Header, r *reader) (Message, error)

var decoders = map[MessageID]decodeFunc{
	IDDiscoInfo:             decodeDiscoInfo,
	IDGetNetworkInfo:        decodeGetNetworkInfo,
	IDGoodbye:               decodeGoodbye,
	IDHello:                 decodeHello,
	IDMultiParamSet:         decodeMultiParamSet,
	IDMultiObjectParamSet:   decodeMultiObjectParamSet,
	IDParamSetPercent:       decodeParamSetPercent,
	IDMultiParamGet:         decodeMultiParamGet,
	IDGetAttributes:         decodeGetAttributes,
	IDMultiParamSubscribe:   decodeMultiParamSubscribe,
	IDParamSubscribePercent: decodeParamSubscribePercent,
	IDMultiParamUnsubscribe: decodeMultiParamUnsubscribe,
	IDRecall:                decodeRecall,
}

// Codec decodes frames addressed to Local
type Codec struct {
	Local Address
}

func NewCodec(local Address) *Codec {
	return &Codec{Local: local}
}

// Accepts returns true if a frame addressed to dest is for us
func (c *Codec) Accepts(dest Address) bool {
	return dest.Device == c.Local.Device || dest.IsBroadcast()
}

// Header returns a header from our local address to dest
func (c *Codec) Header(dest Address) Header {
	return NewHeader(c.Local, dest)
}

// Decode parses a single complete frame. Any bytes past the total length in
// the header are ignored.
func (c *Codec) Decode(frame []byte) (Message, error) {
	if len(frame) < prefixSize {
		return nil, decodeErr("%d bytes is too short for a header: %w", len(frame), ErrFrameTruncated)
	}

	if frame[0] != Version {
		return nil, decodeErr("unsupported protocol version %d", frame[0])
	}

	headerLen := int(frame[1])
	totalLen := int(binary.BigEndian.Uint32(frame[2:6]))

	if headerLen < baseHeaderSize {
		return nil, decodeErr("header length %d is shorter than %d", headerLen, baseHeaderSize)
	}
	if totalLen < headerLen {
		return nil, decodeErr("total length %d is shorter than header length %d", totalLen, headerLen)
	}
	if len(frame) < totalLen {
		return nil, decodeErr("have %d of %d bytes: %w", len(frame), totalLen, ErrFrameTruncated)
	}

	r := newReader(frame[prefixSize:headerLen])
	h := Header{
		Source: readAddress(r),
		Dest:   readAddress(r),
	}
	h.MessageID = MessageID(r.u16())
	h.Flags = Flags(r.u16())
	h.HopCount = r.u8()
	h.Sequence = r.u16()

	if !c.Accepts(h.Dest) {
		return nil, &DestinationError{Dest: h.Dest, Local: c.Local}
	}

	if h.Flags.Has(FlagErrorHeader) {
		remote := &RemoteError{}
		remote.Code = r.u16()
		if rest := r.take(r.remaining()); rest != nil {
			remote.Text = string(rest)
		}
		return nil, remote
	}

	if h.Flags.Has(FlagMultiPart) {
		return nil, decodeErr("multipart %s messages are not supported", h.MessageID)
	}

	if h.Flags.Has(FlagSession) {
		h.SessionID = r.u16()
	}

	if r.err != nil {
		return nil, r.err
	}

	decode, ok := decoders[h.MessageID]
	if !ok {
		if h.MessageID.Known() {
			return nil, decodeErr("%s: %w", h.MessageID, ErrUnsupportedMessage)
		}
		return nil, decodeErr("unknown message id 0x%04x", uint16(h.MessageID))
	}

	return decode(h, newReader(frame[headerLen:totalLen]))
}

// Result is a decoded message or the reason a frame could not be decoded
type Result struct {
	Message Message
	Err     error
}

// DecodeAll decodes every frame packed into buf, as received in a single
// datagram. A frame that fails to decode does not stop the ones after it,
// unless its length is unusable.
func (c *Codec) DecodeAll(buf []byte) []Result {
	var results []Result

	for len(buf) > 0 {
		if len(buf) < prefixSize {
			results = append(results, Result{Err: decodeErr("%d trailing bytes: %w", len(buf), ErrFrameTruncated)})
			break
		}

		totalLen := int(binary.BigEndian.Uint32(buf[2:6]))
		if totalLen < prefixSize {
			results = append(results, Result{Err: decodeErr("total length %d is shorter than the frame prefix", totalLen)})
			break
		}
		if totalLen > len(buf) {
			results = append(results, Result{Err: decodeErr("have %d of %d bytes: %w", len(buf), totalLen, ErrFrameTruncated)})
			break
		}

		msg, err := c.Decode(buf[:totalLen])
		results = append(results, Result{Message: msg, Err: err})
		buf = buf[totalLen:]
	}

	return results
}
