// Package teltonika implements the Teltonika FMB AVL protocol codec:
// the IMEI handshake, codec 8 / 8E / 16 uplink record decoding, the
// record-count acknowledgement, and codec 12 downlink command encoding.
//
// Frames arrive from the reassembler already delimited:
//
//	IMEI handshake: len(2 BE, fixed 15) | 15 ASCII digits
//	AVL data:       preamble(4 zero) | data length(4 BE) | codec id(1) |
//	                count(1) | records | count(1) | CRC16(4 BE)
//
// The CRC is CRC-16/IBM over codec id through the trailing count, carried
// zero-extended in the low 16 bits of the 4-byte CRC field.
package teltonika

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/fleetops/gpsgate/internal/protocol"
)

// Codec identifiers.
const (
	// Codec8 is the standard uplink AVL record schema.
	Codec8 = 0x08

	// Codec8E widens IO element ids to 2 bytes and adds a variable-length
	// element group.
	Codec8E = 0x8E

	// Codec16 adds a generation type byte to the IO block.
	Codec16 = 0x10

	// Codec12 is the downlink command/response schema.
	Codec12 = 0x0C
)

// Frame geometry constants.
const (
	imeiLen = 15

	// headerLen is preamble(4) + data length(4).
	headerLen = 8

	// minRecordLen is timestamp(8) + priority(1) + GPS(15) + the smallest
	// codec 8 IO block (event id + total + four zero counts = 6).
	minRecordLen = 30

	// coordDivisor converts the signed 4-byte coordinate to degrees.
	coordDivisor = 1e7
)

// Login acknowledgement bytes written by the supervisor after the IMEI
// handshake: accept iff the IMEI passes the allow-list.
var (
	LoginAccept = []byte{0x01}
	LoginReject = []byte{0x00}
)

// Codec errors.
var (
	// ErrFrameTooShort indicates the frame cannot hold the declared fields.
	ErrFrameTooShort = errors.New("teltonika: frame too short")

	// ErrBadIMEI indicates the handshake does not carry 15 ASCII digits.
	ErrBadIMEI = errors.New("teltonika: malformed IMEI handshake")

	// ErrUnknownCodec indicates an unrecognized codec id.
	ErrUnknownCodec = errors.New("teltonika: unknown codec id")

	// ErrBadCRC indicates the frame CRC does not match. Returned only in
	// strict mode; the default lenient mode decodes and flags the packet.
	ErrBadCRC = errors.New("teltonika: crc mismatch")

	// ErrRecordTruncated indicates an AVL record ends before its declared
	// fields.
	ErrRecordTruncated = errors.New("teltonika: record truncated")

	// ErrCountMismatch indicates the leading and trailing record counts
	// disagree.
	ErrCountMismatch = errors.New("teltonika: record count mismatch")
)

// AVLRecord is one decoded codec 8 / 8E / 16 record.
type AVLRecord struct {
	// Timestamp is the device-reported fix time, UTC (wire format is
	// milliseconds since the Unix epoch).
	Timestamp time.Time

	// Priority is the record priority byte (0 low, 1 high, 2 panic).
	Priority uint8

	// GPS element. Latitude and Longitude are signed degrees.
	Latitude   float64
	Longitude  float64
	Altitude   int
	Angle      int
	Satellites int
	SpeedKmh   int

	// EventID is the IO element id that triggered the record.
	EventID uint16

	// GenerationType is the codec 16 record origin byte; zero elsewhere.
	GenerationType uint8

	// IO holds the fixed-width IO elements keyed by id.
	IO map[uint16]int64

	// VarIO holds codec 8E variable-length IO elements keyed by id.
	VarIO map[uint16][]byte
}

// Valid reports whether the record's fix satisfies the canonical validity
// rule: coordinates in range, not the null island, and at least one
// satellite (Teltonika reports zero satellites while unfixed).
func (r *AVLRecord) Valid() bool {
	return r.Satellites > 0 &&
		r.Latitude >= -90 && r.Latitude <= 90 &&
		r.Longitude >= -180 && r.Longitude <= 180 &&
		!(r.Latitude == 0 && r.Longitude == 0)
}

// Payload holds the protocol-specific fields of a decoded Teltonika frame.
type Payload struct {
	// CodecID is the AVL codec id, zero for the IMEI handshake.
	CodecID byte

	// IMEI carries the handshake identity.
	IMEI string

	// Records holds the decoded AVL records in wire order.
	Records []AVLRecord

	// CRCOK reports whether the frame CRC matched. Lenient mode decodes
	// mismatching frames opportunistically and still acknowledges them.
	CRCOK bool
}

// PayloadProtocol implements protocol.Payload.
func (*Payload) PayloadProtocol() protocol.Protocol { return protocol.ProtocolTeltonika }

// Codec is the Teltonika protocol codec. Construct with NewCodec.
type Codec struct {
	// strictCRC drops AVL frames whose CRC does not match instead of
	// decoding them opportunistically.
	strictCRC bool
}

// NewCodec creates a Teltonika codec. strictCRC selects the drop-on-mismatch
// mode; the default deployment decodes and logs.
func NewCodec(strictCRC bool) *Codec {
	return &Codec{strictCRC: strictCRC}
}

// Protocol implements protocol.Codec.
func (c *Codec) Protocol() protocol.Protocol { return protocol.ProtocolTeltonika }

// DecodeFrame decodes one complete Teltonika frame: either the IMEI
// handshake or an AVL data frame.
func (c *Codec) DecodeFrame(frame []byte, conn protocol.ConnContext) (*protocol.DecodedPacket, error) {
	if len(frame) >= 2 && binary.BigEndian.Uint16(frame[0:2]) == imeiLen {
		return c.decodeIMEI(frame)
	}
	return c.decodeAVL(frame, conn)
}

// decodeIMEI decodes the one-shot handshake frame into a LOGIN packet.
func (c *Codec) decodeIMEI(frame []byte) (*protocol.DecodedPacket, error) {
	if len(frame) < 2+imeiLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooShort, len(frame))
	}

	digits := frame[2 : 2+imeiLen]
	for _, d := range digits {
		if d < '0' || d > '9' {
			return nil, fmt.Errorf("%w: byte 0x%02x", ErrBadIMEI, d)
		}
	}

	imei := string(digits)
	return &protocol.DecodedPacket{
		Type:        protocol.TypeLogin,
		Protocol:    protocol.ProtocolTeltonika,
		IMEI:        imei,
		Raw:         frame,
		RequiresAck: true,
		ChecksumOK:  true,
		Payload:     &Payload{IMEI: imei},
	}, nil
}

// decodeAVL decodes an AVL data frame into a LOCATION packet carrying one
// AVLRecord per wire record.
func (c *Codec) decodeAVL(frame []byte, conn protocol.ConnContext) (*protocol.DecodedPacket, error) {
	if len(frame) < headerLen+4 {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooShort, len(frame))
	}

	dataLen := int(binary.BigEndian.Uint32(frame[4:8]))
	if len(frame) < headerLen+dataLen+4 {
		return nil, fmt.Errorf("%w: declared %d data bytes", ErrFrameTooShort, dataLen)
	}

	data := frame[headerLen : headerLen+dataLen]
	wantCRC := binary.BigEndian.Uint32(frame[headerLen+dataLen : headerLen+dataLen+4])
	crcOK := uint32(Checksum(data)) == wantCRC
	if !crcOK && c.strictCRC {
		return nil, fmt.Errorf("%w: field 0x%08x", ErrBadCRC, wantCRC)
	}

	if len(data) < 3 {
		return nil, fmt.Errorf("%w: data section %d bytes", ErrFrameTooShort, len(data))
	}

	codecID := data[0]
	count := int(data[1])

	payload := &Payload{CodecID: codecID, CRCOK: crcOK}
	body := data[2 : len(data)-1]
	trailing := int(data[len(data)-1])

	switch codecID {
	case Codec8, Codec8E, Codec16:
		records, err := decodeRecords(codecID, count, body)
		if err != nil {
			return nil, err
		}
		payload.Records = records
	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownCodec, codecID)
	}

	if trailing != count {
		return nil, fmt.Errorf("%w: leading %d trailing %d", ErrCountMismatch, count, trailing)
	}

	pkt := &protocol.DecodedPacket{
		Type:        protocol.TypeLocation,
		Protocol:    protocol.ProtocolTeltonika,
		IMEI:        conn.IMEI,
		Raw:         frame,
		RequiresAck: true,
		ChecksumOK:  crcOK,
		Payload:     payload,
	}
	if len(payload.Records) > 0 {
		pkt.Timestamp = payload.Records[0].Timestamp
	}

	return pkt, nil
}

// decodeRecords walks the record array of an AVL data section.
func decodeRecords(codecID byte, count int, body []byte) ([]AVLRecord, error) {
	records := make([]AVLRecord, 0, count)
	off := 0

	for i := 0; i < count; i++ {
		if len(body)-off < minRecordLen {
			return nil, fmt.Errorf("%w: record %d at offset %d", ErrRecordTruncated, i, off)
		}

		var rec AVLRecord
		ms := binary.BigEndian.Uint64(body[off : off+8])
		rec.Timestamp = time.UnixMilli(int64(ms)).UTC()
		rec.Priority = body[off+8]
		off += 9

		// GPS element: longitude, latitude, altitude, angle, satellites,
		// speed.
		rec.Longitude = float64(int32(binary.BigEndian.Uint32(body[off:off+4]))) / coordDivisor
		rec.Latitude = float64(int32(binary.BigEndian.Uint32(body[off+4:off+8]))) / coordDivisor
		rec.Altitude = int(int16(binary.BigEndian.Uint16(body[off+8 : off+10])))
		rec.Angle = int(binary.BigEndian.Uint16(body[off+10 : off+12]))
		rec.Satellites = int(body[off+12])
		rec.SpeedKmh = int(binary.BigEndian.Uint16(body[off+13 : off+15]))
		off += 15

		n, err := decodeIO(codecID, body[off:], &rec)
		if err != nil {
			// Codec 16 IO layout is passed through best-effort: keep the
			// GPS fields already decoded and stop consuming the frame.
			if codecID == Codec16 {
				records = append(records, rec)
				return records, nil
			}
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		off += n

		records = append(records, rec)
	}

	return records, nil
}

// decodeIO decodes the IO element block of one record and returns the
// number of bytes consumed.
//
// Codec 8: event id(1), total(1), then four groups of count(1) followed by
// count x (id(1), value(1|2|4|8)).
// Codec 8E: ids and counts widen to 2 bytes and a fifth variable-length
// group follows: count(2) x (id(2), len(2), bytes).
// Codec 16: event id(2), generation type(1), total(1), then the four fixed
// groups with 2-byte ids.
func decodeIO(codecID byte, b []byte, rec *AVLRecord) (int, error) {
	rec.IO = make(map[uint16]int64)
	off := 0

	wideID := codecID == Codec8E || codecID == Codec16
	wideCount := codecID == Codec8E

	readID := func() (uint16, error) {
		if wideID {
			if len(b)-off < 2 {
				return 0, ErrRecordTruncated
			}
			v := binary.BigEndian.Uint16(b[off : off+2])
			off += 2
			return v, nil
		}
		if len(b)-off < 1 {
			return 0, ErrRecordTruncated
		}
		v := uint16(b[off])
		off++
		return v, nil
	}
	readCount := func() (int, error) {
		if wideCount {
			if len(b)-off < 2 {
				return 0, ErrRecordTruncated
			}
			v := int(binary.BigEndian.Uint16(b[off : off+2]))
			off += 2
			return v, nil
		}
		if len(b)-off < 1 {
			return 0, ErrRecordTruncated
		}
		v := int(b[off])
		off++
		return v, nil
	}

	eventID, err := readID()
	if err != nil {
		return 0, fmt.Errorf("io event id: %w", err)
	}
	rec.EventID = eventID

	if codecID == Codec16 {
		if len(b)-off < 1 {
			return 0, fmt.Errorf("io generation type: %w", ErrRecordTruncated)
		}
		rec.GenerationType = b[off]
		off++
	}

	if _, err := readCount(); err != nil { // total element count, redundant
		return 0, fmt.Errorf("io total count: %w", err)
	}

	for _, width := range []int{1, 2, 4, 8} {
		n, err := readCount()
		if err != nil {
			return 0, fmt.Errorf("io group %dB count: %w", width, err)
		}
		for i := 0; i < n; i++ {
			id, err := readID()
			if err != nil {
				return 0, fmt.Errorf("io group %dB id: %w", width, err)
			}
			if len(b)-off < width {
				return 0, fmt.Errorf("io group %dB value: %w", width, ErrRecordTruncated)
			}
			var v int64
			for _, by := range b[off : off+width] {
				v = v<<8 | int64(by)
			}
			off += width
			rec.IO[id] = v
		}
	}

	// Codec 8E variable-length group.
	if codecID == Codec8E {
		n, err := readCount()
		if err != nil {
			return 0, fmt.Errorf("io varlen count: %w", err)
		}
		if n > 0 {
			rec.VarIO = make(map[uint16][]byte, n)
		}
		for i := 0; i < n; i++ {
			id, err := readID()
			if err != nil {
				return 0, fmt.Errorf("io varlen id: %w", err)
			}
			if len(b)-off < 2 {
				return 0, fmt.Errorf("io varlen length: %w", ErrRecordTruncated)
			}
			vlen := int(binary.BigEndian.Uint16(b[off : off+2]))
			off += 2
			if len(b)-off < vlen {
				return 0, fmt.Errorf("io varlen value: %w", ErrRecordTruncated)
			}
			val := make([]byte, vlen)
			copy(val, b[off:off+vlen])
			off += vlen
			rec.VarIO[id] = val
		}
	}

	return off, nil
}

// -------------------------------------------------------------------------
// ACK and downlink command encoding
// -------------------------------------------------------------------------

// EncodeAck builds the acknowledgement for a decoded frame: the single
// accept byte for the IMEI handshake, or the 4-byte big-endian accepted
// record count for AVL data frames.
func (c *Codec) EncodeAck(pkt *protocol.DecodedPacket) []byte {
	if pkt.Type == protocol.TypeLogin {
		return LoginAccept
	}
	payload, ok := pkt.Payload.(*Payload)
	if !ok {
		return nil
	}

	ack := make([]byte, 4)
	binary.BigEndian.PutUint32(ack, uint32(len(payload.Records)))
	return ack
}

// EncodeLoginReject returns the single reject byte written before closing
// an unauthorised handshake.
func (c *Codec) EncodeLoginReject() []byte {
	return LoginReject
}

// EncodeCommand wraps an ASCII command in a codec 12 frame:
//
//	preamble(4 zero) | data length(4 BE) | 0x0C | 0x01 | 0x05 |
//	command size(4 BE) | command | 0x01 | CRC(4 BE)
//
// 0x05 is the codec 12 command message type; the serial argument of the
// codec contract has no wire representation in codec 12 and is ignored.
func (c *Codec) EncodeCommand(text string, _ uint16) []byte {
	// codec id(1) + quantity(1) + type(1) + size(4) + command + quantity(1).
	dataLen := 8 + len(text)

	frame := make([]byte, 0, headerLen+dataLen+4)
	frame = append(frame, 0, 0, 0, 0)
	frame = binary.BigEndian.AppendUint32(frame, uint32(dataLen))
	frame = append(frame, Codec12, 0x01, 0x05)
	frame = binary.BigEndian.AppendUint32(frame, uint32(len(text)))
	frame = append(frame, text...)
	frame = append(frame, 0x01)
	frame = binary.BigEndian.AppendUint32(frame, uint32(Checksum(frame[headerLen:])))

	return frame
}

// -------------------------------------------------------------------------
// Record projection
// -------------------------------------------------------------------------

// ToDeviceRecords projects a decoded AVL packet onto one DeviceRecord per
// AVL record. Each record inherits the connection's IMEI and differs only
// in timestamp, location and IO fields.
func (c *Codec) ToDeviceRecords(pkt *protocol.DecodedPacket, imei string) []protocol.DeviceRecord {
	payload, ok := pkt.Payload.(*Payload)
	if !ok || pkt.Type == protocol.TypeUnknown {
		return nil
	}

	if pkt.Type == protocol.TypeLogin {
		return []protocol.DeviceRecord{{
			IMEI:       imei,
			Protocol:   protocol.ProtocolTeltonika,
			PacketType: protocol.TypeLogin,
			Timestamp:  time.Now().UTC(),
			RawHex:     protocol.RawHex(pkt.Raw),
		}}
	}

	records := make([]protocol.DeviceRecord, 0, len(payload.Records))
	for i := range payload.Records {
		avl := &payload.Records[i]

		sensors := make(map[string]any, len(avl.IO)+2)
		sensors["priority"] = int(avl.Priority)
		sensors["eventId"] = int(avl.EventID)
		for id, v := range avl.IO {
			sensors[fmt.Sprintf("io_%d", id)] = v
		}
		for id, v := range avl.VarIO {
			sensors[fmt.Sprintf("io_%d", id)] = protocol.RawHex(v)
		}

		records = append(records, protocol.DeviceRecord{
			IMEI:       imei,
			Protocol:   protocol.ProtocolTeltonika,
			PacketType: protocol.TypeLocation,
			Timestamp:  avl.Timestamp,
			Location: &protocol.Location{
				Latitude:       avl.Latitude,
				Longitude:      avl.Longitude,
				AltitudeMeters: avl.Altitude,
				SpeedKmh:       avl.SpeedKmh,
				CourseDeg:      avl.Angle,
				Satellites:     avl.Satellites,
				Timestamp:      avl.Timestamp,
				Valid:          avl.Valid(),
			},
			Sensors: sensors,
			RawHex:  protocol.RawHex(pkt.Raw),
		})
	}

	return records
}
