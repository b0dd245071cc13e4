package protocol

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single frame read from a stream
const MaxFrameSize = 64 * 1024

// FrameReader splits a byte stream into whole frames using the length in
// each frame prefix.
type FrameReader struct {
	r      *bufio.Reader
	prefix [prefixSize]byte
}

func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: bufio.NewReader(r)}
}

// ReadFrame blocks until a complete frame is available. Errors are stream
// errors, callers should drop the connection.
func (f *FrameReader) ReadFrame() ([]byte, error) {
	if _, err := io.ReadFull(f.r, f.prefix[:]); err != nil {
		return nil, err
	}

	headerLen := int(f.prefix[1])
	totalLen := int(binary.BigEndian.Uint32(f.prefix[2:6]))

	if headerLen < prefixSize || totalLen < headerLen || totalLen > MaxFrameSize {
		return nil, fmt.Errorf("invalid frame prefix %x (header %d, total %d): %w",
			f.prefix[:], headerLen, totalLen, ErrInvalidFrame)
	}

	frame := make([]byte, totalLen)
	copy(frame, f.prefix[:])

	if _, err := io.ReadFull(f.r, frame[prefixSize:]); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}

	return frame, nil
}
