package gateway

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/fleetops/gpsgate/internal/gt06"
	"github.com/fleetops/gpsgate/internal/protocol"
	"github.com/fleetops/gpsgate/internal/store"
	"github.com/fleetops/gpsgate/internal/teltonika"
)

// loginFrame is a GT06 login for IMEI 3332210 with an additive checksum.
var loginFrame = []byte{
	0x78, 0x78, 0x0D, 0x01,
	0x00, 0x00, 0x00, 0x00, 0x03, 0x33, 0x22, 0x10,
	0x00, 0x01, 0x00, 0x77, 0x0D, 0x0A,
}

// loginAck is the expected acknowledgement for loginFrame.
var loginAck = []byte{
	0x78, 0x78, 0x05, 0x01, 0x00, 0x01, 0xD9, 0xDC, 0x0D, 0x0A,
}

// heartbeatFrame builds a GT06 heartbeat with the given serial.
func heartbeatFrame(serial uint16) []byte {
	frame := []byte{0x78, 0x78, 0x0A, 0x13, 0x40, 0x04, 0x04, 0x00, 0x01}
	frame = binary.BigEndian.AppendUint16(frame, serial)
	frame = binary.BigEndian.AppendUint16(frame, gt06.ChecksumITU(frame[2:]))
	return append(frame, 0x0D, 0x0A)
}

// heartbeatAck is the acknowledgement for a heartbeat with the given serial.
func heartbeatAck(serial uint16) []byte {
	ack := []byte{0x78, 0x78, 0x05, 0x13}
	ack = binary.BigEndian.AppendUint16(ack, serial)
	ack = binary.BigEndian.AppendUint16(ack, gt06.ChecksumITU(ack[2:6]))
	return append(ack, 0x0D, 0x0A)
}

// fakeStore is an in-memory DeviceStore.
type fakeStore struct {
	mu         sync.Mutex
	authorized map[string]bool
	statuses   []store.StatusUpdate
	queues     map[string][]store.CommandEntry
	acked      []int64
}

func newFakeStore(authorized ...string) *fakeStore {
	f := &fakeStore{
		authorized: make(map[string]bool),
		queues:     make(map[string][]store.CommandEntry),
	}
	for _, imei := range authorized {
		f.authorized[imei] = true
	}
	return f
}

func (f *fakeStore) IsAuthorized(_ context.Context, imei string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.authorized[imei], nil
}

func (f *fakeStore) UpsertStatus(_ context.Context, up store.StatusUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, up)
	return nil
}

func (f *fakeStore) MarkDisconnected(ctx context.Context, imei string) error {
	return f.UpsertStatus(ctx, store.StatusUpdate{IMEI: imei, Status: store.StatusDisconnected})
}

func (f *fakeStore) PopCommand(_ context.Context, imei string) (*store.CommandEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q := f.queues[imei]
	if len(q) == 0 {
		return nil, nil
	}
	entry := q[0]
	f.queues[imei] = q[1:]
	return &entry, nil
}

func (f *fakeStore) PushBackCommand(_ context.Context, imei string, entry store.CommandEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queues[imei] = append([]store.CommandEntry{entry}, f.queues[imei]...)
	return nil
}

func (f *fakeStore) AckCommand(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, id)
	return nil
}

func (f *fakeStore) enqueue(imei string, entries ...store.CommandEntry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queues[imei] = append(f.queues[imei], entries...)
}

func (f *fakeStore) lastStatus() (store.StatusUpdate, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.statuses) == 0 {
		return store.StatusUpdate{}, false
	}
	return f.statuses[len(f.statuses)-1], true
}

func (f *fakeStore) ackedIDs() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.acked...)
}

// fakeForwarder collects forwarded records.
type fakeForwarder struct {
	mu      sync.Mutex
	batches [][]protocol.DeviceRecord
}

func (f *fakeForwarder) Forward(_ context.Context, records []protocol.DeviceRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, records)
	return nil
}

func (f *fakeForwarder) recordCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, b := range f.batches {
		n += len(b)
	}
	return n
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startSession runs a session over a net.Pipe and returns the client end
// and a channel closed when the session finishes.
func startSession(t *testing.T, codec protocol.Codec, st DeviceStore, fwd RecordForwarder) (net.Conn, <-chan struct{}) {
	t.Helper()

	g := New(Options{
		Addr:           ":0",
		Codec:          codec,
		MaxConnections: 4,
		IdleTimeout:    2 * time.Second,
		ShutdownGrace:  time.Second,
	}, st, fwd, nil, discard())

	client, srv := net.Pipe()
	sess := newSession(g, srv)
	g.track(sess)

	done := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		defer close(done)
		defer cancel()
		defer g.untrack(sess)
		sess.run(ctx)
	}()

	t.Cleanup(func() {
		_ = client.Close()
		<-done
	})

	return client, done
}

func mustRead(t *testing.T, conn net.Conn, n int) []byte {
	t.Helper()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, n)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read %d bytes: %v", n, err)
	}
	return buf
}

func waitClosed(t *testing.T, done <-chan struct{}) {
	t.Helper()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("session did not close")
	}
}

func TestGT06LoginAck(t *testing.T) {
	t.Parallel()

	st := newFakeStore("3332210")
	fwd := &fakeForwarder{}
	client, _ := startSession(t, gt06.NewCodec(true), st, fwd)

	if _, err := client.Write(loginFrame); err != nil {
		t.Fatalf("write login: %v", err)
	}

	if ack := mustRead(t, client, len(loginAck)); !bytes.Equal(ack, loginAck) {
		t.Errorf("ack = % x, want % x", ack, loginAck)
	}
}

func TestGT06UnauthorisedLoginCloses(t *testing.T) {
	t.Parallel()

	st := newFakeStore() // empty allow-list
	client, done := startSession(t, gt06.NewCodec(true), st, &fakeForwarder{})

	if _, err := client.Write(loginFrame); err != nil {
		t.Fatalf("write login: %v", err)
	}

	// No ack: the connection closes without a response.
	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := client.Read(make([]byte, 1)); err != io.EOF {
		t.Errorf("read after unauthorised login = %v, want EOF", err)
	}
	waitClosed(t, done)
}

func TestDataBeforeLoginCloses(t *testing.T) {
	t.Parallel()

	st := newFakeStore("3332210")
	client, done := startSession(t, gt06.NewCodec(true), st, &fakeForwarder{})

	if _, err := client.Write(heartbeatFrame(1)); err != nil {
		t.Fatalf("write heartbeat: %v", err)
	}

	// Out-of-order data closes the connection without an ack.
	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := client.Read(make([]byte, 1)); err != io.EOF {
		t.Errorf("read after out-of-order frame = %v, want EOF", err)
	}
	waitClosed(t, done)
}

func TestGT06ReloginIdempotent(t *testing.T) {
	t.Parallel()

	st := newFakeStore("3332210")
	client, _ := startSession(t, gt06.NewCodec(true), st, &fakeForwarder{})

	for i := 0; i < 2; i++ {
		if _, err := client.Write(loginFrame); err != nil {
			t.Fatalf("write login %d: %v", i, err)
		}
		if ack := mustRead(t, client, len(loginAck)); !bytes.Equal(ack, loginAck) {
			t.Fatalf("login %d ack = % x", i, ack)
		}
	}
}

// TestCommandFIFO verifies queued commands are delivered one per acked
// uplink, oldest first, and deleted only after the socket write.
func TestCommandFIFO(t *testing.T) {
	t.Parallel()

	st := newFakeStore("3332210")
	st.enqueue("3332210",
		store.CommandEntry{ID: 1, Command: "RELAY,1#"},
		store.CommandEntry{ID: 2, Command: "STATUS#"},
	)
	client, _ := startSession(t, gt06.NewCodec(true), st, &fakeForwarder{})

	codec := gt06.NewCodec(true)

	// Login triggers delivery of the first command.
	if _, err := client.Write(loginFrame); err != nil {
		t.Fatalf("write login: %v", err)
	}
	mustRead(t, client, len(loginAck))

	want1 := codec.EncodeCommand("RELAY,1#", 1)
	if got := mustRead(t, client, len(want1)); !bytes.Equal(got, want1) {
		t.Errorf("first command = % x, want % x", got, want1)
	}

	// The next uplink triggers the second command.
	if _, err := client.Write(heartbeatFrame(2)); err != nil {
		t.Fatalf("write heartbeat: %v", err)
	}
	mustRead(t, client, len(heartbeatAck(2)))

	want2 := codec.EncodeCommand("STATUS#", 2)
	if got := mustRead(t, client, len(want2)); !bytes.Equal(got, want2) {
		t.Errorf("second command = % x, want % x", got, want2)
	}

	// Both durable rows were deleted after their writes.
	deadline := time.Now().Add(2 * time.Second)
	for {
		ids := st.ackedIDs()
		if len(ids) == 2 {
			if ids[0] != 1 || ids[1] != 2 {
				t.Errorf("acked ids = %v, want [1 2]", ids)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("acked ids = %v, want [1 2]", ids)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestDisconnectMarksStatus(t *testing.T) {
	t.Parallel()

	st := newFakeStore("3332210")
	client, done := startSession(t, gt06.NewCodec(true), st, &fakeForwarder{})

	if _, err := client.Write(loginFrame); err != nil {
		t.Fatalf("write login: %v", err)
	}
	mustRead(t, client, len(loginAck))

	_ = client.Close()
	waitClosed(t, done)

	last, ok := st.lastStatus()
	if !ok || last.Status != store.StatusDisconnected || last.IMEI != "3332210" {
		t.Errorf("last status = %+v, want DISCONNECTED for 3332210", last)
	}
}

func TestConsecutiveDecodeErrorsClose(t *testing.T) {
	t.Parallel()

	st := newFakeStore("3332210")
	client, done := startSession(t, gt06.NewCodec(false), st, &fakeForwarder{})

	// Framing-valid frames whose checksum is wrong.
	bad := append([]byte{}, loginFrame...) // additive checksum, strict codec
	for i := 0; i < maxDecodeErrors; i++ {
		if _, err := client.Write(bad); err != nil {
			t.Fatalf("write bad frame %d: %v", i, err)
		}
	}

	waitClosed(t, done)
}

func TestTeltonikaHandshake(t *testing.T) {
	t.Parallel()

	st := newFakeStore("356307042441013")
	fwd := &fakeForwarder{}
	client, _ := startSession(t, teltonika.NewCodec(false), st, fwd)

	frame := append([]byte{0x00, 0x0F}, []byte("356307042441013")...)
	if _, err := client.Write(frame); err != nil {
		t.Fatalf("write handshake: %v", err)
	}

	if ack := mustRead(t, client, 1); ack[0] != 0x01 {
		t.Errorf("handshake ack = 0x%02x, want 0x01", ack[0])
	}
}

func TestTeltonikaRejectByte(t *testing.T) {
	t.Parallel()

	st := newFakeStore() // empty allow-list
	client, done := startSession(t, teltonika.NewCodec(false), st, &fakeForwarder{})

	frame := append([]byte{0x00, 0x0F}, []byte("356307042441013")...)
	if _, err := client.Write(frame); err != nil {
		t.Fatalf("write handshake: %v", err)
	}

	if ack := mustRead(t, client, 1); ack[0] != 0x00 {
		t.Errorf("handshake reject = 0x%02x, want 0x00", ack[0])
	}
	waitClosed(t, done)
}

func TestStatusFromRecords(t *testing.T) {
	t.Parallel()

	records := []protocol.DeviceRecord{
		{Location: &protocol.Location{Latitude: 1, Longitude: 1, Valid: false}},
		{
			Location: &protocol.Location{
				Latitude:   22.546,
				Longitude:  114.078,
				SpeedKmh:   60,
				CourseDeg:  90,
				Satellites: 8,
				Valid:      true,
			},
			Sensors: map[string]any{"acc": true},
		},
	}

	up := statusFromRecords("3332210", records)
	if up.Status != store.StatusConnected {
		t.Errorf("Status = %q", up.Status)
	}
	if up.Lat == nil || *up.Lat != 22.546 || up.Lon == nil || *up.Lon != 114.078 {
		t.Errorf("position = %v/%v", up.Lat, up.Lon)
	}
	if up.ACC == nil || !*up.ACC {
		t.Error("ACC not carried from sensors")
	}

	// No valid fix: position fields stay nil so the merge keeps the last
	// known coordinates.
	up = statusFromRecords("3332210", records[:1])
	if up.Lat != nil || up.Lon != nil {
		t.Errorf("position = %v/%v, want nil for invalid fix", up.Lat, up.Lon)
	}
}
