// Package gt06 implements the GT06/Concox tracker protocol codec: frame
// decoding, acknowledgement building, and downlink command encoding.
//
// GT06 frames arrive from the reassembler already delimited:
//
//	0x78 0x78 | len(1)    | proto(1) | content(N) | serial(2) | crc(2) | 0x0D 0x0A
//	0x79 0x79 | len(2 BE) | proto(1) | content(N) | serial(2) | crc(2) | 0x0D 0x0A
//
// The length field counts protocol byte through checksum inclusive. The
// checksum is CRC-ITU over length field through serial; clone devices are
// observed shipping a plain 16-bit additive sum instead, which the codec
// accepts as a fallback when enabled.
package gt06

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fleetops/gpsgate/internal/protocol"
)

// Protocol bytes recognized by the codec.
const (
	// MsgLogin carries the 8-byte packed IMEI (protocol 0x01).
	MsgLogin = 0x01

	// MsgHeartbeat carries terminal info, voltage, GSM and alarm fields
	// (protocol 0x13).
	MsgHeartbeat = 0x13

	// MsgLocation and MsgLocation22 carry GPS/LBS position reports
	// (protocols 0x12 and 0x22).
	MsgLocation   = 0x12
	MsgLocation22 = 0x22

	// MsgAlarm and MsgAlarm26 carry position reports with alarm status
	// appended (protocols 0x16 and 0x26).
	MsgAlarm   = 0x16
	MsgAlarm26 = 0x26

	// MsgStatus is the terminal status report (protocol 0x1A).
	MsgStatus = 0x1A

	// MsgCommand is the downlink server command envelope (protocol 0x80).
	MsgCommand = 0x80
)

// Frame geometry constants.
const (
	startShort = 0x78
	startLong  = 0x79
	stop1      = 0x0D
	stop2      = 0x0A

	// tailLen is serial(2) + crc(2) + stop(2).
	tailLen = 6

	// minFrameShort is the smallest decodable short frame: start(2) +
	// len(1) + proto(1) + serial(2) + crc(2) + stop(2).
	minFrameShort = 10

	// gpsBlockLen is datetime(6) + gps info(1) + lat(4) + lon(4) +
	// speed(1) + course/status(2).
	gpsBlockLen = 18

	// lbsBlockLen is MCC(2) + MNC(1) + LAC(2) + cell id(3).
	lbsBlockLen = 8

	// coordDivisor converts the 4-byte coordinate magnitude to degrees.
	coordDivisor = 1800000.0
)

// Course/status word bits.
const (
	courseMask    = 0x03FF
	bitNorth      = 1 << 10
	bitWest       = 1 << 11
	bitGPSFixed   = 1 << 12
	bitGPSRealtme = 1 << 13
)

// Codec errors.
var (
	// ErrFrameTooShort indicates the frame cannot hold the mandatory fields.
	ErrFrameTooShort = errors.New("gt06: frame too short")

	// ErrBadChecksum indicates both CRC-ITU and, when enabled, the additive
	// fallback failed to match the frame's checksum field.
	ErrBadChecksum = errors.New("gt06: checksum mismatch")

	// ErrContentTooShort indicates the frame content is shorter than the
	// protocol byte's mandatory layout.
	ErrContentTooShort = errors.New("gt06: content too short")

	// ErrCommandTooLong indicates a downlink command exceeds the short
	// frame length budget.
	ErrCommandTooLong = errors.New("gt06: command too long")
)

// Payload holds the protocol-specific fields of a decoded GT06 frame.
// Only the fields relevant to the frame's protocol byte are populated.
type Payload struct {
	// ProtoByte is the raw GT06 protocol number of the frame.
	ProtoByte byte

	// Login fields.
	IMEI string

	// Heartbeat / alarm status fields.
	Terminal  uint8
	Voltage   uint8
	GSMSignal uint8
	AlarmWord uint16

	// Location fields. Latitude and Longitude are hemisphere-corrected
	// signed degrees.
	FixTime     time.Time
	Satellites  int
	Latitude    float64
	Longitude   float64
	SpeedKmh    int
	CourseDeg   int
	GPSFixed    bool
	GPSRealtime bool
	Valid       bool

	// LBS is the cell tower block, nil when the frame carries none.
	LBS *LBSInfo

	// ACC is the ignition line state, nil when the frame carries none.
	ACC *bool

	// Command is the ASCII payload of a decoded 0x80 envelope.
	Command string
}

// LBSInfo is the optional cell tower block of a location frame.
type LBSInfo struct {
	MCC    uint16
	MNC    uint8
	LAC    uint16
	CellID uint32
}

// PayloadProtocol implements protocol.Payload.
func (*Payload) PayloadProtocol() protocol.Protocol { return protocol.ProtocolGT06 }

// Codec is the GT06 protocol codec. The zero value is not usable; construct
// with NewCodec.
type Codec struct {
	// acceptAdditive enables the 16-bit additive checksum fallback for
	// clone hardware whose CRC field is not CRC-ITU.
	acceptAdditive bool
}

// NewCodec creates a GT06 codec. acceptAdditiveChecksum enables the clone
// device checksum fallback; mixed fleets generally want it on.
func NewCodec(acceptAdditiveChecksum bool) *Codec {
	return &Codec{acceptAdditive: acceptAdditiveChecksum}
}

// Protocol implements protocol.Codec.
func (c *Codec) Protocol() protocol.Protocol { return protocol.ProtocolGT06 }

// DecodeFrame decodes one complete GT06 frame. The connection context
// supplies the bound IMEI for frames after login, which do not repeat it.
func (c *Codec) DecodeFrame(frame []byte, conn protocol.ConnContext) (*protocol.DecodedPacket, error) {
	if len(frame) < minFrameShort {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooShort, len(frame))
	}

	// Offset of the length field: 2 for short frames, and its width.
	lenWidth := 1
	if frame[0] == startLong {
		lenWidth = 2
	}
	headerLen := 2 + lenWidth

	if len(frame) < headerLen+1+tailLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooShort, len(frame))
	}

	// Checksum covers length field through serial.
	sumStart := 2
	sumEnd := len(frame) - 4
	want := binary.BigEndian.Uint16(frame[sumEnd : sumEnd+2])
	if got := ChecksumITU(frame[sumStart:sumEnd]); got != want {
		if !c.acceptAdditive || ChecksumAdditive(frame[sumStart:sumEnd]) != want {
			return nil, fmt.Errorf("%w: field 0x%04x crc 0x%04x", ErrBadChecksum, want, got)
		}
	}

	protoByte := frame[headerLen]
	content := frame[headerLen+1 : len(frame)-tailLen]
	serial := binary.BigEndian.Uint16(frame[len(frame)-tailLen : len(frame)-4])

	pkt := &protocol.DecodedPacket{
		Protocol:    protocol.ProtocolGT06,
		IMEI:        conn.IMEI,
		Serial:      serial,
		Raw:         frame,
		RequiresAck: true,
		ChecksumOK:  true,
	}
	payload := &Payload{ProtoByte: protoByte}
	pkt.Payload = payload

	switch protoByte {
	case MsgLogin:
		if err := decodeLogin(content, payload); err != nil {
			return nil, err
		}
		pkt.Type = protocol.TypeLogin
		pkt.IMEI = payload.IMEI

	case MsgHeartbeat:
		if err := decodeHeartbeat(content, payload); err != nil {
			return nil, err
		}
		pkt.Type = protocol.TypeHeartbeat

	case MsgLocation, MsgLocation22:
		if err := decodeLocation(content, payload); err != nil {
			return nil, err
		}
		pkt.Type = protocol.TypeLocation
		pkt.Timestamp = payload.FixTime

	case MsgAlarm, MsgAlarm26:
		if err := decodeLocation(content, payload); err != nil {
			return nil, err
		}
		pkt.Type = protocol.TypeAlarm
		pkt.Timestamp = payload.FixTime

	case MsgStatus:
		// Terminal status shares the heartbeat field layout when present.
		if len(content) >= 5 {
			_ = decodeHeartbeat(content, payload)
		}
		pkt.Type = protocol.TypeStatus

	case MsgCommand:
		if err := decodeCommand(content, payload); err != nil {
			return nil, err
		}
		pkt.Type = protocol.TypeUnknown
		pkt.RequiresAck = false

	default:
		pkt.Type = protocol.TypeUnknown
		pkt.RequiresAck = false
	}

	return pkt, nil
}

// decodeLogin extracts the IMEI from the 8-byte packed hex terminal id.
// The decimal string is the per-byte hex concatenation with leading zeros
// stripped (minimum one digit), e.g. 00 00 00 00 03 33 22 10 -> "3332210".
func decodeLogin(content []byte, p *Payload) error {
	if len(content) < 8 {
		return fmt.Errorf("%w: login needs 8 bytes, got %d", ErrContentTooShort, len(content))
	}

	imei := strings.TrimLeft(hex.EncodeToString(content[:8]), "0")
	if imei == "" {
		imei = "0"
	}
	p.IMEI = imei

	return nil
}

// decodeHeartbeat extracts the 5-byte heartbeat body: terminal information
// bitfield, voltage level (0-6), GSM signal (0-4), alarm/language word.
func decodeHeartbeat(content []byte, p *Payload) error {
	if len(content) < 5 {
		return fmt.Errorf("%w: heartbeat needs 5 bytes, got %d", ErrContentTooShort, len(content))
	}

	p.Terminal = content[0]
	p.Voltage = content[1]
	p.GSMSignal = content[2]
	p.AlarmWord = binary.BigEndian.Uint16(content[3:5])

	return nil
}

// decodeLocation extracts the 18-byte GPS block and the optional LBS and
// ACC fields that may follow it.
func decodeLocation(content []byte, p *Payload) error {
	if len(content) < gpsBlockLen {
		return fmt.Errorf("%w: location needs %d bytes, got %d",
			ErrContentTooShort, gpsBlockLen, len(content))
	}

	p.FixTime = decodeDateTime(content[0:6])

	// GPS byte: high nibble is the GPS data length, low nibble the
	// satellite count.
	p.Satellites = int(content[6] & 0x0F)

	latMag := float64(binary.BigEndian.Uint32(content[7:11])) / coordDivisor
	lonMag := float64(binary.BigEndian.Uint32(content[11:15])) / coordDivisor
	p.SpeedKmh = int(content[15])

	status := binary.BigEndian.Uint16(content[16:18])
	p.CourseDeg = int(status & courseMask)
	p.GPSFixed = status&bitGPSFixed != 0
	p.GPSRealtime = status&bitGPSRealtme != 0

	// Bit 10: 1 = North; bit 11: 1 = West.
	p.Latitude = latMag
	if status&bitNorth == 0 {
		p.Latitude = -latMag
	}
	p.Longitude = lonMag
	if status&bitWest != 0 {
		p.Longitude = -lonMag
	}

	p.Valid = p.GPSFixed &&
		p.Latitude >= -90 && p.Latitude <= 90 &&
		p.Longitude >= -180 && p.Longitude <= 180 &&
		!(p.Latitude == 0 && p.Longitude == 0)

	rest := content[gpsBlockLen:]
	if len(rest) >= lbsBlockLen {
		p.LBS = &LBSInfo{
			MCC:    binary.BigEndian.Uint16(rest[0:2]),
			MNC:    rest[2],
			LAC:    binary.BigEndian.Uint16(rest[3:5]),
			CellID: uint32(rest[5])<<16 | uint32(rest[6])<<8 | uint32(rest[7]),
		}
		rest = rest[lbsBlockLen:]
	}
	if len(rest) >= 1 {
		acc := rest[0]&0x01 != 0
		p.ACC = &acc
		rest = rest[1:]
	}

	// Alarm variants append terminal info, voltage, GSM and the alarm
	// word after the ACC byte.
	if len(rest) >= 5 {
		p.Terminal = rest[0]
		p.Voltage = rest[1]
		p.GSMSignal = rest[2]
		p.AlarmWord = binary.BigEndian.Uint16(rest[3:5])
	}

	return nil
}

// decodeCommand extracts the ASCII command from a 0x80 envelope:
// content length(2 BE) followed by the command bytes.
func decodeCommand(content []byte, p *Payload) error {
	if len(content) < 2 {
		return fmt.Errorf("%w: command needs 2 bytes, got %d", ErrContentTooShort, len(content))
	}
	cmdLen := int(binary.BigEndian.Uint16(content[0:2]))
	if len(content) < 2+cmdLen {
		return fmt.Errorf("%w: command declares %d bytes, got %d",
			ErrContentTooShort, cmdLen, len(content)-2)
	}
	p.Command = string(content[2 : 2+cmdLen])

	return nil
}

// decodeDateTime interprets the 6-byte YY MM DD HH MM SS datetime as UTC
// with year 2000+YY. Out-of-range components yield the zero time.
func decodeDateTime(b []byte) time.Time {
	year := 2000 + int(b[0])
	month := int(b[1])
	day := int(b[2])
	hour := int(b[3])
	minute := int(b[4])
	second := int(b[5])

	if month < 1 || month > 12 || day < 1 || day > 31 ||
		hour > 23 || minute > 59 || second > 59 {
		return time.Time{}
	}

	return time.Date(year, time.Month(month), day, hour, minute, second, 0, time.UTC)
}

// -------------------------------------------------------------------------
// ACK and downlink command encoding
// -------------------------------------------------------------------------

// EncodeAck builds the acknowledgement for a decoded frame:
//
//	0x78 0x78 | 0x05 | proto | serial(2 BE) | CRC(2 BE) | 0x0D 0x0A
//
// The serial MUST echo the serial of the acknowledged frame. Returns nil
// for frames that do not require an ACK.
func (c *Codec) EncodeAck(pkt *protocol.DecodedPacket) []byte {
	if !pkt.RequiresAck {
		return nil
	}
	payload, ok := pkt.Payload.(*Payload)
	if !ok {
		return nil
	}

	ack := make([]byte, 10)
	ack[0] = startShort
	ack[1] = startShort
	ack[2] = 0x05
	ack[3] = payload.ProtoByte
	binary.BigEndian.PutUint16(ack[4:6], pkt.Serial)
	binary.BigEndian.PutUint16(ack[6:8], ChecksumITU(ack[2:6]))
	ack[8] = stop1
	ack[9] = stop2

	return ack
}

// EncodeLoginReject returns nil: GT06 defines no negative login response,
// the server simply closes the connection.
func (c *Codec) EncodeLoginReject() []byte {
	return nil
}

// EncodeCommand wraps an ASCII downlink command in a 0x80 envelope:
//
//	0x78 0x78 | totalLen | 0x80 | cmdLen(2 BE) | command | serial(2 BE) | CRC(2 BE) | 0x0D 0x0A
//
// cmdLen counts the command bytes only; totalLen counts protocol byte
// through CRC. Commands longer than the short frame budget are truncated
// via MaxCommandLen by the caller; EncodeCommand returns nil for oversize
// input.
func (c *Codec) EncodeCommand(text string, serial uint16) []byte {
	if len(text) > MaxCommandLen {
		return nil
	}

	// proto(1) + cmdLen(2) + command + serial(2) + crc(2).
	totalLen := 7 + len(text)
	frame := make([]byte, 0, totalLen+5)
	frame = append(frame, startShort, startShort, byte(totalLen), MsgCommand)
	frame = binary.BigEndian.AppendUint16(frame, uint16(len(text)))
	frame = append(frame, text...)
	frame = binary.BigEndian.AppendUint16(frame, serial)
	frame = binary.BigEndian.AppendUint16(frame, ChecksumITU(frame[2:]))
	frame = append(frame, stop1, stop2)

	return frame
}

// MaxCommandLen bounds the ASCII command length so the envelope fits the
// short frame's 1-byte length field.
const MaxCommandLen = 0xFF - 7

// -------------------------------------------------------------------------
// Record projection
// -------------------------------------------------------------------------

// ToDeviceRecords projects a decoded packet onto the canonical DeviceRecord
// shape. GT06 frames yield at most one record; unknown frames yield none.
func (c *Codec) ToDeviceRecords(pkt *protocol.DecodedPacket, imei string) []protocol.DeviceRecord {
	if pkt.Type == protocol.TypeUnknown {
		return nil
	}
	payload, ok := pkt.Payload.(*Payload)
	if !ok {
		return nil
	}

	ts := pkt.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	rec := protocol.DeviceRecord{
		IMEI:       imei,
		Protocol:   protocol.ProtocolGT06,
		PacketType: pkt.Type,
		Timestamp:  ts,
		RawHex:     protocol.RawHex(pkt.Raw),
	}

	switch pkt.Type {
	case protocol.TypeLocation, protocol.TypeAlarm:
		rec.Location = &protocol.Location{
			Latitude:   payload.Latitude,
			Longitude:  payload.Longitude,
			SpeedKmh:   payload.SpeedKmh,
			CourseDeg:  payload.CourseDeg,
			Satellites: payload.Satellites,
			Timestamp:  payload.FixTime,
			Valid:      payload.Valid,
		}
		rec.Sensors = locationSensors(pkt, payload)
		if pkt.Type == protocol.TypeAlarm {
			rec.Status = statusInfo(payload)
		}

	case protocol.TypeHeartbeat, protocol.TypeStatus:
		rec.Status = statusInfo(payload)
	}

	return []protocol.DeviceRecord{rec}
}

// locationSensors builds the sensors map of a location record.
func locationSensors(pkt *protocol.DecodedPacket, p *Payload) map[string]any {
	sensors := map[string]any{
		"gpsFixed":    p.GPSFixed,
		"gpsRealtime": p.GPSRealtime,
		"satellites":  p.Satellites,
		"serial":      int(pkt.Serial),
	}
	if p.LBS != nil {
		sensors["mcc"] = int(p.LBS.MCC)
		sensors["mnc"] = int(p.LBS.MNC)
		sensors["lac"] = int(p.LBS.LAC)
		sensors["cellId"] = int(p.LBS.CellID)
	}
	if p.ACC != nil {
		sensors["acc"] = *p.ACC
	}
	return sensors
}

// statusInfo builds the status block of a heartbeat, status or alarm record.
func statusInfo(p *Payload) *protocol.StatusInfo {
	return &protocol.StatusInfo{
		Battery:   int(p.Voltage),
		GSMSignal: int(p.GSMSignal),
		Alarm:     p.AlarmWord,
		Terminal:  p.Terminal,
	}
}
