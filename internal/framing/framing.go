// Package framing implements per-connection frame reassembly for the GT06
// and Teltonika stream framings. The reassembler is stateless with respect
// to frame semantics: it only knows where frames begin and end.
package framing

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/fleetops/gpsgate/internal/protocol"
)

// Framing constants.
const (
	// gt06StartShort marks a GT06 short frame (1-byte length field).
	gt06StartShort = 0x78

	// gt06StartLong marks a GT06 long frame (2-byte big-endian length field).
	gt06StartLong = 0x79

	// gt06Stop1 and gt06Stop2 terminate every GT06 frame.
	gt06Stop1 = 0x0D
	gt06Stop2 = 0x0A

	// teltonikaIMEILen is the fixed ASCII IMEI length in the Teltonika
	// handshake frame (2-byte big-endian length prefix of exactly 15).
	teltonikaIMEILen = 15

	// teltonikaHeaderLen is preamble(4) + data length(4).
	teltonikaHeaderLen = 8

	// teltonikaCRCLen is the trailing 4-byte CRC field of an AVL frame.
	teltonikaCRCLen = 4

	// MaxAVLDataLen caps the Teltonika AVL data length field. Anything
	// larger is treated as a malformed stream rather than buffered.
	MaxAVLDataLen = 64 * 1024
)

// Sentinel results of TryTakeFrame.
var (
	// ErrNeedMore indicates the buffer does not yet hold a complete frame.
	ErrNeedMore = errors.New("need more bytes")

	// ErrInvalidFrame indicates the buffered bytes match no known framing.
	// The supervisor MUST close the connection: silent resync is forbidden
	// because a malformed device would otherwise grow the buffer forever.
	ErrInvalidFrame = errors.New("invalid frame")
)

// Reassembler accumulates the byte stream of one connection and yields
// complete protocol frames. Framing is selected by the listening port's
// protocol; a single connection never mixes framings.
//
// The reassembler is exclusively owned by the goroutine driving its
// connection and is not safe for concurrent use.
type Reassembler struct {
	proto protocol.Protocol
	buf   []byte
}

// New creates a Reassembler for the given protocol's framing.
func New(proto protocol.Protocol) *Reassembler {
	return &Reassembler{proto: proto}
}

// Append adds received bytes to the reassembly buffer.
func (r *Reassembler) Append(p []byte) {
	r.buf = append(r.buf, p...)
}

// Buffered reports the number of bytes awaiting reassembly.
func (r *Reassembler) Buffered() int {
	return len(r.buf)
}

// TryTakeFrame returns the next complete frame and consumes its bytes from
// the buffer. It never blocks. Returns ErrNeedMore while the frame is still
// partial and ErrInvalidFrame when the head of the buffer matches no
// framing rule.
//
// The returned slice is a copy: the caller may retain it past subsequent
// Append calls.
func (r *Reassembler) TryTakeFrame() ([]byte, error) {
	var (
		n   int
		err error
	)

	switch r.proto {
	case protocol.ProtocolGT06:
		n, err = r.gt06FrameLen()
	case protocol.ProtocolTeltonika:
		n, err = r.teltonikaFrameLen()
	default:
		return nil, fmt.Errorf("framing: protocol %s: %w", r.proto, ErrInvalidFrame)
	}

	if err != nil {
		return nil, err
	}

	frame := make([]byte, n)
	copy(frame, r.buf[:n])
	r.buf = r.buf[:copy(r.buf, r.buf[n:])]

	return frame, nil
}

// gt06FrameLen computes the length of the complete GT06 frame at the head
// of the buffer.
//
// Short frames: 0x78 0x78 | len(1) | payload(len) | 0x0D 0x0A.
// Long frames:  0x79 0x79 | len(2 BE) | payload(len) | 0x0D 0x0A.
// The length field counts protocol byte through checksum inclusive.
func (r *Reassembler) gt06FrameLen() (int, error) {
	if len(r.buf) < 2 {
		return 0, ErrNeedMore
	}

	var (
		payloadLen int
		headerLen  int
	)

	switch {
	case r.buf[0] == gt06StartShort && r.buf[1] == gt06StartShort:
		if len(r.buf) < 3 {
			return 0, ErrNeedMore
		}
		payloadLen = int(r.buf[2])
		headerLen = 3
	case r.buf[0] == gt06StartLong && r.buf[1] == gt06StartLong:
		if len(r.buf) < 4 {
			return 0, ErrNeedMore
		}
		payloadLen = int(binary.BigEndian.Uint16(r.buf[2:4]))
		headerLen = 4
	default:
		return 0, fmt.Errorf("framing: start bytes %02x %02x: %w",
			r.buf[0], r.buf[1], ErrInvalidFrame)
	}

	// A zero payload length cannot carry protocol byte + serial + checksum.
	if payloadLen == 0 {
		return 0, fmt.Errorf("framing: zero length field: %w", ErrInvalidFrame)
	}

	total := headerLen + payloadLen + 2
	if len(r.buf) < total {
		return 0, ErrNeedMore
	}

	if r.buf[total-2] != gt06Stop1 || r.buf[total-1] != gt06Stop2 {
		return 0, fmt.Errorf("framing: stop bytes %02x %02x: %w",
			r.buf[total-2], r.buf[total-1], ErrInvalidFrame)
	}

	return total, nil
}

// teltonikaFrameLen computes the length of the complete Teltonika frame at
// the head of the buffer.
//
// IMEI handshake: length(2 BE, fixed 15) | 15 ASCII digits.
// AVL data frame: preamble(4 zero) | data length(4 BE) | data | CRC(4 BE).
//
// The two are distinguishable without connection state: an AVL preamble
// begins 00 00 00 00 while the handshake begins 00 0F.
func (r *Reassembler) teltonikaFrameLen() (int, error) {
	if len(r.buf) < 4 {
		return 0, ErrNeedMore
	}

	// AVL preamble: four zero bytes.
	if r.buf[0] == 0 && r.buf[1] == 0 && r.buf[2] == 0 && r.buf[3] == 0 {
		if len(r.buf) < teltonikaHeaderLen {
			return 0, ErrNeedMore
		}
		dataLen := int(binary.BigEndian.Uint32(r.buf[4:8]))
		if dataLen == 0 || dataLen > MaxAVLDataLen {
			return 0, fmt.Errorf("framing: AVL data length %d: %w",
				dataLen, ErrInvalidFrame)
		}
		total := teltonikaHeaderLen + dataLen + teltonikaCRCLen
		if len(r.buf) < total {
			return 0, ErrNeedMore
		}
		return total, nil
	}

	// IMEI handshake: 2-byte big-endian length, fixed at 15.
	if imeiLen := int(binary.BigEndian.Uint16(r.buf[0:2])); imeiLen == teltonikaIMEILen {
		total := 2 + teltonikaIMEILen
		if len(r.buf) < total {
			return 0, ErrNeedMore
		}
		return total, nil
	}

	return 0, fmt.Errorf("framing: bytes %02x %02x %02x %02x match no teltonika framing: %w",
		r.buf[0], r.buf[1], r.buf[2], r.buf[3], ErrInvalidFrame)
}
