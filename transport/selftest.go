package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	reuseport "github.com/kavu/go_reuseport"
)

var ErrSelfTestFailed = errors.New("UDP self test failed")

const selfTestTimeout = time.Second

// SelfTest binds bind and checks a token sent to dest comes back to it. It
// returns ErrSelfTestFailed if none of the attempts are received, which
// means broadcasts from nodes will not be either.
func SelfTest(ctx context.Context, bind, dest string, attempts int) error {
	to, err := net.ResolveUDPAddr("udp4", dest)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSelfTestFailed, err)
	}

	conn, err := reuseport.ListenPacket("udp4", bind)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSelfTestFailed, err)
	}
	defer conn.Close()

	buf := make([]byte, maxDatagramSize)

	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		token := []byte(uuid.New().String())
		if _, err := conn.WriteTo(token, to); err != nil {
			return fmt.Errorf("%w: %v", ErrSelfTestFailed, err)
		}

		deadline := time.Now().Add(selfTestTimeout)
		if err := conn.SetReadDeadline(deadline); err != nil {
			return err
		}

		for {
			n, _, err := conn.ReadFrom(buf)
			if err != nil {
				// timed out, try a new token
				break
			}
			if bytes.Equal(buf[:n], token) {
				return nil
			}
		}
	}

	return fmt.Errorf("%w: no reply from %s after %d attempts", ErrSelfTestFailed, dest, attempts)
}
