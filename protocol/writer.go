package protocol

// NewHeader returns a header from src to dest with the flags and hop count
// we use for everything we originate.
func NewHeader(src, dest Address) Header {
	return Header{
		Source:   src,
		Dest:     dest,
		Flags:    FlagGuaranteed,
		HopCount: DefaultHopCount,
	}
}

// Encode serializes m, header included. The header MessageID is set from the
// message type.
func Encode(m Message) ([]byte, error) {
	payload := &writer{}
	if err := m.putPayload(payload); err != nil {
		return nil, err
	}

	h := m.GetHeader()
	h.MessageID = m.GetMessageID()

	w := &writer{buf: make([]byte, 0, h.size()+len(payload.buf))}
	h.put(w, len(payload.buf))
	w.bytes(payload.buf)

	return w.buf, nil
}

// EncodeWithSequence stamps seq into the header of m and encodes it
func EncodeWithSequence(m Message, seq uint16) ([]byte, error) {
	m.GetHeader().Sequence = seq
	return Encode(m)
}
