// Package protocol defines the wire-facing types shared by the GT06 and
// Teltonika codecs and the session supervisor: packet type enums, the
// decoded packet envelope, and the canonical outbound DeviceRecord.
package protocol

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// unknownFmt is the format string for unrecognized enum values with numeric code.
const unknownFmt = "Unknown(%d)"

// -------------------------------------------------------------------------
// Protocol — supported tracker protocol families
// -------------------------------------------------------------------------

// Protocol identifies the tracker protocol family bound to a listening port.
type Protocol uint8

const (
	// ProtocolGT06 is the GT06/Concox binary protocol (0x7878 / 0x7979 framing).
	ProtocolGT06 Protocol = iota

	// ProtocolTeltonika is the Teltonika FMB AVL protocol (codec 8/8E/16 uplink,
	// codec 12 downlink).
	ProtocolTeltonika
)

// protocolNames maps protocol values to their canonical lowercase names.
var protocolNames = [2]string{
	"gt06",
	"teltonika",
}

// String returns the canonical lowercase name for the protocol.
func (p Protocol) String() string {
	if int(p) < len(protocolNames) {
		return protocolNames[p]
	}
	return fmt.Sprintf(unknownFmt, p)
}

// MarshalJSON serializes the protocol as its canonical lowercase name.
func (p Protocol) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// -------------------------------------------------------------------------
// PacketType — semantic classification of a decoded frame
// -------------------------------------------------------------------------

// PacketType classifies a successfully decoded frame.
type PacketType uint8

const (
	// TypeUnknown marks a frame whose protocol byte or codec id is not
	// recognized. Unknown frames are never acknowledged unless the protocol
	// mandates it.
	TypeUnknown PacketType = iota

	// TypeLogin is the device identification frame carrying the IMEI.
	TypeLogin

	// TypeHeartbeat is a periodic keepalive carrying device health fields.
	TypeHeartbeat

	// TypeLocation is a positional report (GPS and/or LBS).
	TypeLocation

	// TypeAlarm is a positional report flagged with an alarm condition.
	TypeAlarm

	// TypeStatus is a non-positional device status report.
	TypeStatus
)

// packetTypeNames maps packet types to their canonical names.
var packetTypeNames = [6]string{
	"UNKNOWN",
	"LOGIN",
	"HEARTBEAT",
	"LOCATION",
	"ALARM",
	"STATUS",
}

// String returns the canonical name for the packet type.
func (t PacketType) String() string {
	if int(t) < len(packetTypeNames) {
		return packetTypeNames[t]
	}
	return fmt.Sprintf(unknownFmt, t)
}

// MarshalJSON serializes the packet type as its canonical name.
func (t PacketType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// -------------------------------------------------------------------------
// DecodedPacket — the result of one successful frame decode
// -------------------------------------------------------------------------

// Payload carries the protocol-specific fields of a decoded frame.
// The codec set is closed: gt06.Payload and teltonika.Payload are the
// only implementations.
type Payload interface {
	// PayloadProtocol reports which codec produced the payload.
	PayloadProtocol() Protocol
}

// DecodedPacket is the in-memory result of one successful frame decode.
// It is created inside the supervisor's connection loop, consumed
// synchronously for ACK and command dispatch, converted to DeviceRecords,
// and not retained afterwards.
type DecodedPacket struct {
	// Type is the semantic classification of the frame.
	Type PacketType

	// Protocol identifies the codec that produced the packet.
	Protocol Protocol

	// IMEI is the device identity carried by the frame. Empty for frames
	// that do not carry an IMEI (GT06 frames after login); the supervisor
	// substitutes the connection's bound IMEI.
	IMEI string

	// Serial is the per-device frame sequence number. GT06 ACKs MUST echo
	// this value. Zero for protocols without a serial (Teltonika).
	Serial uint16

	// Timestamp is the device-reported time of the frame, UTC. Zero when
	// the frame carries no timestamp (login, heartbeat); the supervisor
	// uses receive time instead.
	Timestamp time.Time

	// Raw is the complete frame as received, including framing bytes.
	Raw []byte

	// RequiresAck reports whether the protocol mandates an acknowledgement
	// for this frame.
	RequiresAck bool

	// ChecksumOK reports whether the frame's checksum verified. Only a
	// lenient-mode codec yields packets with this false; strict modes
	// reject the frame instead.
	ChecksumOK bool

	// Payload holds the protocol-specific decoded fields, nil for frames
	// with no body beyond the type (some heartbeats).
	Payload Payload
}

// -------------------------------------------------------------------------
// ConnContext — per-connection state visible to codecs
// -------------------------------------------------------------------------

// ConnContext is the slice of per-connection state a codec may consult
// while decoding: frames after login do not repeat the IMEI, so codecs
// inherit it from the connection.
type ConnContext struct {
	// IMEI is the identity bound to the connection, empty before login.
	IMEI string

	// Authorized reports whether the connection passed the allow-list check.
	Authorized bool
}

// -------------------------------------------------------------------------
// DeviceRecord — canonical outbound shape
// -------------------------------------------------------------------------

// Location is the positional portion of a DeviceRecord.
type Location struct {
	// Latitude in signed decimal degrees, negative south.
	Latitude float64 `json:"lat"`

	// Longitude in signed decimal degrees, negative west.
	Longitude float64 `json:"lon"`

	// AltitudeMeters is the GPS altitude; zero for protocols that do not
	// report it (GT06).
	AltitudeMeters int `json:"altitudeMeters"`

	// SpeedKmh is the reported ground speed.
	SpeedKmh int `json:"speedKmh"`

	// CourseDeg is the reported heading. GT06 encodes 10 bits, so values
	// above 360 pass through unmodified.
	CourseDeg int `json:"courseDeg"`

	// Satellites is the visible satellite count.
	Satellites int `json:"satellites"`

	// Timestamp is the device-reported fix time, UTC.
	Timestamp time.Time `json:"timestamp"`

	// Valid is true only when the protocol's GPS-fixed flag is set AND the
	// coordinates lie in range AND the fix is not the (0,0) null island.
	Valid bool `json:"valid"`
}

// StatusInfo carries device health fields for heartbeat and status frames.
type StatusInfo struct {
	// Battery is the reported voltage level (GT06: 0-6).
	Battery int `json:"battery"`

	// GSMSignal is the reported signal strength (GT06: 0-4).
	GSMSignal int `json:"gsmSignal"`

	// Alarm is the raw alarm/language word.
	Alarm uint16 `json:"alarm"`

	// Terminal is the raw terminal information bitfield.
	Terminal uint8 `json:"terminal"`
}

// DeviceRecord is the canonical record fed to the webhook fan-out.
// Serialized as JSON with ISO-8601 timestamps and lowercase-hex raw bytes.
type DeviceRecord struct {
	IMEI       string         `json:"imei"`
	Protocol   Protocol       `json:"protocol"`
	PacketType PacketType     `json:"packetType"`
	Timestamp  time.Time      `json:"timestamp"`
	Location   *Location      `json:"location,omitempty"`
	Sensors    map[string]any `json:"sensors,omitempty"`
	Status     *StatusInfo    `json:"status,omitempty"`
	RawHex     string         `json:"rawHex"`
}

// RawHex encodes frame bytes in the lowercase-hex form used by DeviceRecord.
func RawHex(frame []byte) string {
	return hex.EncodeToString(frame)
}

// -------------------------------------------------------------------------
// Codec — the closed per-protocol codec contract
// -------------------------------------------------------------------------

// Codec is the pure value-in / value-out contract implemented once per
// protocol family. Implementations hold no per-connection state; everything
// they need from the connection arrives in ConnContext.
type Codec interface {
	// Protocol reports the protocol family the codec implements.
	Protocol() Protocol

	// DecodeFrame decodes one complete frame as yielded by the reassembler.
	DecodeFrame(frame []byte, conn ConnContext) (*DecodedPacket, error)

	// EncodeAck builds the acknowledgement for a decoded packet, or nil
	// when the protocol defines none for this packet.
	EncodeAck(pkt *DecodedPacket) []byte

	// EncodeLoginReject builds the negative login response, or nil when
	// the protocol defines none (GT06 sessions are simply closed).
	EncodeLoginReject() []byte

	// EncodeCommand wraps an ASCII downlink command in the protocol's
	// command envelope using the supplied serial.
	EncodeCommand(text string, serial uint16) []byte

	// ToDeviceRecords projects a decoded packet onto zero or more
	// DeviceRecords, stamping them with the connection's IMEI.
	ToDeviceRecords(pkt *DecodedPacket, imei string) []DeviceRecord
}
