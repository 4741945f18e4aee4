package teltonika_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/fleetops/gpsgate/internal/protocol"
	"github.com/fleetops/gpsgate/internal/teltonika"
)

const testIMEI = "356307042441013"

// imeiFrame builds the 2-byte-length IMEI handshake frame.
func imeiFrame(imei string) []byte {
	frame := make([]byte, 2, 2+len(imei))
	binary.BigEndian.PutUint16(frame, uint16(len(imei)))
	return append(frame, imei...)
}

// buildAVL wraps a codec body in the preamble / data length / CRC envelope.
func buildAVL(codecID byte, count int, body []byte) []byte {
	data := []byte{codecID, byte(count)}
	data = append(data, body...)
	data = append(data, byte(count))

	frame := make([]byte, 8)
	binary.BigEndian.PutUint32(frame[4:8], uint32(len(data)))
	frame = append(frame, data...)
	return binary.BigEndian.AppendUint32(frame, uint32(teltonika.Checksum(data)))
}

// codec8Record builds one codec 8 record: GPS element plus a single
// 1-byte IO element (id 0x15 value 4, GSM signal).
func codec8Record(ts time.Time, lonRaw, latRaw int32, sats byte) []byte {
	rec := binary.BigEndian.AppendUint64(nil, uint64(ts.UnixMilli()))
	rec = append(rec, 0x01) // priority high
	rec = binary.BigEndian.AppendUint32(rec, uint32(lonRaw))
	rec = binary.BigEndian.AppendUint32(rec, uint32(latRaw))
	rec = binary.BigEndian.AppendUint16(rec, 120)  // altitude
	rec = binary.BigEndian.AppendUint16(rec, 215)  // angle
	rec = append(rec, sats)
	rec = binary.BigEndian.AppendUint16(rec, 67)   // speed
	// IO: event id, total 1, one 1-byte element, empty wider groups.
	rec = append(rec, 0x15, 0x01, 0x01, 0x15, 0x04, 0x00, 0x00, 0x00)
	return rec
}

func TestDecodeIMEIHandshake(t *testing.T) {
	t.Parallel()

	codec := teltonika.NewCodec(false)
	pkt, err := codec.DecodeFrame(imeiFrame(testIMEI), protocol.ConnContext{})
	if err != nil {
		t.Fatalf("DecodeFrame() error = %v", err)
	}

	if pkt.Type != protocol.TypeLogin {
		t.Errorf("Type = %v, want LOGIN", pkt.Type)
	}
	if pkt.IMEI != testIMEI {
		t.Errorf("IMEI = %q, want %q", pkt.IMEI, testIMEI)
	}
	if got := codec.EncodeAck(pkt); !bytes.Equal(got, []byte{0x01}) {
		t.Errorf("EncodeAck() = % x, want 01", got)
	}
	if got := codec.EncodeLoginReject(); !bytes.Equal(got, []byte{0x00}) {
		t.Errorf("EncodeLoginReject() = % x, want 00", got)
	}
}

func TestDecodeIMEIRejectsNonDigits(t *testing.T) {
	t.Parallel()

	codec := teltonika.NewCodec(false)
	if _, err := codec.DecodeFrame(imeiFrame("35630704244101X"), protocol.ConnContext{}); !errors.Is(err, teltonika.ErrBadIMEI) {
		t.Errorf("DecodeFrame() error = %v, want ErrBadIMEI", err)
	}
}

func TestDecodeCodec8SingleRecord(t *testing.T) {
	t.Parallel()

	const (
		lonRaw = 252546936 // 25.2546936 deg
		latRaw = 547164398 // 54.7164398 deg
	)
	ts := time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC)
	frame := buildAVL(teltonika.Codec8, 1, codec8Record(ts, lonRaw, latRaw, 9))

	codec := teltonika.NewCodec(false)
	conn := protocol.ConnContext{IMEI: testIMEI, Authorized: true}
	pkt, err := codec.DecodeFrame(frame, conn)
	if err != nil {
		t.Fatalf("DecodeFrame() error = %v", err)
	}

	if pkt.Type != protocol.TypeLocation {
		t.Fatalf("Type = %v, want LOCATION", pkt.Type)
	}
	if pkt.IMEI != testIMEI {
		t.Errorf("IMEI = %q, want inherited %q", pkt.IMEI, testIMEI)
	}

	payload := pkt.Payload.(*teltonika.Payload)
	if !payload.CRCOK {
		t.Error("CRCOK = false for a well-formed frame")
	}
	if len(payload.Records) != 1 {
		t.Fatalf("Records len = %d, want 1", len(payload.Records))
	}

	rec := payload.Records[0]
	if !rec.Timestamp.Equal(ts) {
		t.Errorf("Timestamp = %v, want %v", rec.Timestamp, ts)
	}
	if want := float64(latRaw) / 1e7; rec.Latitude != want {
		t.Errorf("Latitude = %v, want %v", rec.Latitude, want)
	}
	if want := float64(lonRaw) / 1e7; rec.Longitude != want {
		t.Errorf("Longitude = %v, want %v", rec.Longitude, want)
	}
	if rec.Altitude != 120 || rec.Angle != 215 || rec.Satellites != 9 || rec.SpeedKmh != 67 {
		t.Errorf("GPS element = %+v", rec)
	}
	if rec.EventID != 0x15 || rec.IO[0x15] != 4 {
		t.Errorf("IO = event 0x%02x map %v", rec.EventID, rec.IO)
	}
	if !rec.Valid() {
		t.Error("Valid() = false for a fixed record")
	}

	// Acknowledgement carries the accepted record count.
	if got := codec.EncodeAck(pkt); !bytes.Equal(got, []byte{0x00, 0x00, 0x00, 0x01}) {
		t.Errorf("EncodeAck() = % x, want 00 00 00 01", got)
	}
}

func TestDecodeCodec8Batch(t *testing.T) {
	t.Parallel()

	ts := time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC)
	var body []byte
	for i := 0; i < 3; i++ {
		body = append(body, codec8Record(ts.Add(time.Duration(i)*time.Minute), 252546936, 547164398, 7)...)
	}
	frame := buildAVL(teltonika.Codec8, 3, body)

	codec := teltonika.NewCodec(false)
	pkt, err := codec.DecodeFrame(frame, protocol.ConnContext{IMEI: testIMEI, Authorized: true})
	if err != nil {
		t.Fatalf("DecodeFrame() error = %v", err)
	}

	payload := pkt.Payload.(*teltonika.Payload)
	if len(payload.Records) != 3 {
		t.Fatalf("Records len = %d, want 3", len(payload.Records))
	}
	if got := codec.EncodeAck(pkt); !bytes.Equal(got, []byte{0x00, 0x00, 0x00, 0x03}) {
		t.Errorf("EncodeAck() = % x, want 00 00 00 03", got)
	}

	// One DeviceRecord per AVL record, all bound to the connection IMEI.
	records := codec.ToDeviceRecords(pkt, testIMEI)
	if len(records) != 3 {
		t.Fatalf("ToDeviceRecords() len = %d, want 3", len(records))
	}
	for i, rec := range records {
		if rec.IMEI != testIMEI {
			t.Errorf("record %d IMEI = %q", i, rec.IMEI)
		}
		if rec.Location == nil || !rec.Location.Valid {
			t.Errorf("record %d location missing or invalid", i)
		}
	}
}

func TestDecodeCodec8Extended(t *testing.T) {
	t.Parallel()

	ts := time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC)

	rec := binary.BigEndian.AppendUint64(nil, uint64(ts.UnixMilli()))
	rec = append(rec, 0x00)
	rec = binary.BigEndian.AppendUint32(rec, 252546936)
	rec = binary.BigEndian.AppendUint32(rec, 547164398)
	rec = binary.BigEndian.AppendUint16(rec, 95)
	rec = binary.BigEndian.AppendUint16(rec, 0)
	rec = append(rec, 11)
	rec = binary.BigEndian.AppendUint16(rec, 0)
	// 8E IO: event id(2), total(2), one 2-byte-count group of 1-byte
	// elements, empty wider groups, one variable-length element.
	rec = binary.BigEndian.AppendUint16(rec, 0x0001) // event id
	rec = binary.BigEndian.AppendUint16(rec, 2)      // total
	rec = binary.BigEndian.AppendUint16(rec, 1)      // 1-byte count
	rec = binary.BigEndian.AppendUint16(rec, 0x0001) // id 1
	rec = append(rec, 0x01)                          // value
	rec = binary.BigEndian.AppendUint16(rec, 0)      // 2-byte count
	rec = binary.BigEndian.AppendUint16(rec, 0)      // 4-byte count
	rec = binary.BigEndian.AppendUint16(rec, 0)      // 8-byte count
	rec = binary.BigEndian.AppendUint16(rec, 1)      // varlen count
	rec = binary.BigEndian.AppendUint16(rec, 0x0203) // varlen id
	rec = binary.BigEndian.AppendUint16(rec, 3)      // varlen length
	rec = append(rec, 0xDE, 0xAD, 0x42)

	frame := buildAVL(teltonika.Codec8E, 1, rec)

	codec := teltonika.NewCodec(false)
	pkt, err := codec.DecodeFrame(frame, protocol.ConnContext{IMEI: testIMEI, Authorized: true})
	if err != nil {
		t.Fatalf("DecodeFrame() error = %v", err)
	}

	avl := pkt.Payload.(*teltonika.Payload).Records[0]
	if avl.EventID != 1 || avl.IO[1] != 1 {
		t.Errorf("IO = event %d map %v", avl.EventID, avl.IO)
	}
	if !bytes.Equal(avl.VarIO[0x0203], []byte{0xDE, 0xAD, 0x42}) {
		t.Errorf("VarIO[0x0203] = % x", avl.VarIO[0x0203])
	}

	// Variable-length elements project as hex sensor strings.
	records := codec.ToDeviceRecords(pkt, testIMEI)
	if got := records[0].Sensors["io_515"]; got != "dead42" {
		t.Errorf("sensors io_515 = %v, want dead42", got)
	}
}

// TestDecodeCodec16BestEffort verifies that a codec 16 record whose IO
// block cannot be parsed still yields its GPS fields.
func TestDecodeCodec16BestEffort(t *testing.T) {
	t.Parallel()

	ts := time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC)

	rec := binary.BigEndian.AppendUint64(nil, uint64(ts.UnixMilli()))
	rec = append(rec, 0x00)
	rec = binary.BigEndian.AppendUint32(rec, 252546936)
	rec = binary.BigEndian.AppendUint32(rec, 547164398)
	rec = binary.BigEndian.AppendUint16(rec, 80)
	rec = binary.BigEndian.AppendUint16(rec, 90)
	rec = append(rec, 8)
	rec = binary.BigEndian.AppendUint16(rec, 30)
	// IO block that declares more elements than the frame carries.
	rec = append(rec, 0x00, 0x01, 0x01, 0xFF, 0xFF, 0xFF)

	frame := buildAVL(teltonika.Codec16, 1, rec)

	codec := teltonika.NewCodec(false)
	pkt, err := codec.DecodeFrame(frame, protocol.ConnContext{IMEI: testIMEI, Authorized: true})
	if err != nil {
		t.Fatalf("DecodeFrame() error = %v", err)
	}

	records := pkt.Payload.(*teltonika.Payload).Records
	if len(records) != 1 {
		t.Fatalf("Records len = %d, want 1", len(records))
	}
	if records[0].Satellites != 8 || records[0].SpeedKmh != 30 {
		t.Errorf("GPS element = %+v", records[0])
	}
}

func TestDecodeCRCModes(t *testing.T) {
	t.Parallel()

	ts := time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC)
	frame := buildAVL(teltonika.Codec8, 1, codec8Record(ts, 252546936, 547164398, 9))
	frame[len(frame)-1] ^= 0xFF // corrupt CRC

	// Lenient mode decodes and flags the mismatch.
	lenient := teltonika.NewCodec(false)
	pkt, err := lenient.DecodeFrame(frame, protocol.ConnContext{IMEI: testIMEI, Authorized: true})
	if err != nil {
		t.Fatalf("lenient DecodeFrame() error = %v", err)
	}
	if pkt.Payload.(*teltonika.Payload).CRCOK {
		t.Error("CRCOK = true for corrupted frame")
	}
	if pkt.ChecksumOK {
		t.Error("ChecksumOK = true for corrupted frame")
	}

	// Strict mode drops the frame.
	strict := teltonika.NewCodec(true)
	if _, err := strict.DecodeFrame(frame, protocol.ConnContext{IMEI: testIMEI, Authorized: true}); !errors.Is(err, teltonika.ErrBadCRC) {
		t.Errorf("strict DecodeFrame() error = %v, want ErrBadCRC", err)
	}
}

func TestDecodeCountMismatch(t *testing.T) {
	t.Parallel()

	ts := time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC)
	body := codec8Record(ts, 252546936, 547164398, 9)

	data := []byte{teltonika.Codec8, 0x01}
	data = append(data, body...)
	data = append(data, 0x02) // trailing count disagrees

	frame := make([]byte, 8)
	binary.BigEndian.PutUint32(frame[4:8], uint32(len(data)))
	frame = append(frame, data...)
	frame = binary.BigEndian.AppendUint32(frame, uint32(teltonika.Checksum(data)))

	codec := teltonika.NewCodec(false)
	if _, err := codec.DecodeFrame(frame, protocol.ConnContext{IMEI: testIMEI, Authorized: true}); !errors.Is(err, teltonika.ErrCountMismatch) {
		t.Errorf("DecodeFrame() error = %v, want ErrCountMismatch", err)
	}
}

func TestDecodeUnknownCodec(t *testing.T) {
	t.Parallel()

	data := []byte{0x07, 0x00, 0x00}
	frame := make([]byte, 8)
	binary.BigEndian.PutUint32(frame[4:8], uint32(len(data)))
	frame = append(frame, data...)
	frame = binary.BigEndian.AppendUint32(frame, uint32(teltonika.Checksum(data)))

	codec := teltonika.NewCodec(false)
	if _, err := codec.DecodeFrame(frame, protocol.ConnContext{}); !errors.Is(err, teltonika.ErrUnknownCodec) {
		t.Errorf("DecodeFrame() error = %v, want ErrUnknownCodec", err)
	}
}

func TestEncodeCommandCodec12(t *testing.T) {
	t.Parallel()

	codec := teltonika.NewCodec(false)
	frame := codec.EncodeCommand("getinfo", 0)

	// preamble(4) + data length(4) + data + CRC(4).
	if !bytes.Equal(frame[0:4], []byte{0, 0, 0, 0}) {
		t.Errorf("preamble = % x", frame[0:4])
	}

	dataLen := int(binary.BigEndian.Uint32(frame[4:8]))
	if want := 8 + len("getinfo"); dataLen != want {
		t.Errorf("data length = %d, want %d", dataLen, want)
	}

	data := frame[8 : 8+dataLen]
	if data[0] != teltonika.Codec12 || data[1] != 0x01 || data[2] != 0x05 {
		t.Errorf("data header = % x", data[:3])
	}
	if size := binary.BigEndian.Uint32(data[3:7]); size != uint32(len("getinfo")) {
		t.Errorf("command size = %d", size)
	}
	if got := string(data[7 : 7+len("getinfo")]); got != "getinfo" {
		t.Errorf("command = %q", got)
	}
	if data[len(data)-1] != 0x01 {
		t.Errorf("trailing quantity = 0x%02x", data[len(data)-1])
	}

	wantCRC := uint32(teltonika.Checksum(data))
	if got := binary.BigEndian.Uint32(frame[8+dataLen:]); got != wantCRC {
		t.Errorf("CRC = 0x%08x, want 0x%08x", got, wantCRC)
	}
}

func TestRecordValidity(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		rec  teltonika.AVLRecord
		want bool
	}{
		{"fixed", teltonika.AVLRecord{Latitude: 54.7, Longitude: 25.2, Satellites: 7}, true},
		{"zero satellites", teltonika.AVLRecord{Latitude: 54.7, Longitude: 25.2}, false},
		{"null island", teltonika.AVLRecord{Satellites: 7}, false},
		{"latitude out of range", teltonika.AVLRecord{Latitude: 91, Longitude: 25.2, Satellites: 7}, false},
		{"southern hemisphere", teltonika.AVLRecord{Latitude: -33.9, Longitude: 18.4, Satellites: 5}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := tt.rec.Valid(); got != tt.want {
				t.Errorf("Valid() = %v, want %v", got, tt.want)
			}
		})
	}
}
