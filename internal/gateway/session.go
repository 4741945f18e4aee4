package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/fleetops/gpsgate/internal/framing"
	"github.com/fleetops/gpsgate/internal/metrics"
	"github.com/fleetops/gpsgate/internal/protocol"
	"github.com/fleetops/gpsgate/internal/store"
)

// Session I/O tuning.
const (
	readBufSize  = 4096
	writeTimeout = 10 * time.Second

	// asyncOpTimeout bounds fire-and-forget store and webhook work spawned
	// from the read loop.
	asyncOpTimeout = 15 * time.Second
)

// session is the per-connection state machine. The read loop owns all
// decoding; writes (acks and downlink commands) are serialized through
// writeMu because the admin API may dispatch into a live session.
type session struct {
	g      *Gateway
	conn   net.Conn
	logger *slog.Logger
	reasm  *framing.Reassembler

	mu         sync.Mutex
	boundIMEI  string
	authorized bool

	writeMu   sync.Mutex
	cmdSerial uint16

	decodeErrs int
	bg         sync.WaitGroup
}

func newSession(g *Gateway, conn net.Conn) *session {
	return &session{
		g:    g,
		conn: conn,
		logger: g.logger.With(
			slog.String("remote", conn.RemoteAddr().String()),
		),
		reasm: framing.New(g.opts.Codec.Protocol()),
	}
}

func (s *session) imei() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.boundIMEI
}

func (s *session) bind(imei string) {
	s.mu.Lock()
	s.boundIMEI = imei
	s.authorized = true
	s.mu.Unlock()
}

func (s *session) connContext() protocol.ConnContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	return protocol.ConnContext{IMEI: s.boundIMEI, Authorized: s.authorized}
}

// run drives the session to completion and records its close.
func (s *session) run(ctx context.Context) {
	reason := s.loop(ctx)
	if ctx.Err() != nil {
		reason = CloseShutdown
	}

	_ = s.conn.Close()

	if imei := s.imei(); imei != "" {
		s.spawn(func(opCtx context.Context) {
			if err := s.g.store.MarkDisconnected(opCtx, imei); err != nil {
				s.logger.Warn("mark disconnected failed",
					slog.String("imei", imei),
					slog.String("error", err.Error()),
				)
			}
		})
	}
	s.bg.Wait()

	if s.g.mcol != nil {
		s.g.mcol.ConnectionsClosed.WithLabelValues(s.g.protoLabel(), reason).Inc()
	}
	s.logger.Info("session closed",
		slog.String("imei", s.imei()),
		slog.String("reason", reason),
	)
}

// loop reads, reassembles and handles frames until the connection ends.
// The returned string is the close reason.
func (s *session) loop(ctx context.Context) string {
	buf := make([]byte, readBufSize)

	for {
		if err := s.conn.SetReadDeadline(time.Now().Add(s.g.opts.IdleTimeout)); err != nil {
			return CloseEOF
		}

		n, err := s.conn.Read(buf)
		if n > 0 {
			s.reasm.Append(buf[:n])
			if reason := s.handleBuffered(ctx); reason != "" {
				return reason
			}
		}
		if err != nil {
			var nerr net.Error
			switch {
			case errors.As(err, &nerr) && nerr.Timeout():
				return CloseTimeout
			case errors.Is(err, io.EOF):
				return CloseEOF
			default:
				return CloseEOF
			}
		}
	}
}

// handleBuffered drains every complete frame currently buffered. A
// non-empty return is a close reason.
func (s *session) handleBuffered(ctx context.Context) string {
	for {
		frame, err := s.reasm.TryTakeFrame()
		switch {
		case errors.Is(err, framing.ErrNeedMore):
			return ""
		case errors.Is(err, framing.ErrInvalidFrame):
			if s.g.mcol != nil {
				s.g.mcol.FramingInvalid.WithLabelValues(s.g.protoLabel()).Inc()
			}
			s.logger.Warn("unrecognized stream framing",
				slog.Int("buffered", s.reasm.Buffered()),
			)
			return CloseProtocolError
		}

		if reason := s.handleFrame(ctx, frame); reason != "" {
			return reason
		}
	}
}

func (s *session) handleFrame(ctx context.Context, frame []byte) string {
	pkt, err := s.g.opts.Codec.DecodeFrame(frame, s.connContext())
	if err != nil {
		s.decodeErrs++
		if s.g.mcol != nil {
			s.g.mcol.DecodeErrors.WithLabelValues(s.g.protoLabel()).Inc()
		}
		s.logger.Warn("frame decode failed",
			slog.String("error", err.Error()),
			slog.Int("consecutive", s.decodeErrs),
		)
		if s.decodeErrs >= maxDecodeErrors {
			return CloseProtocolError
		}
		return ""
	}
	s.decodeErrs = 0

	if !pkt.ChecksumOK {
		if s.g.mcol != nil {
			s.g.mcol.ChecksumMismatches.WithLabelValues(s.g.protoLabel()).Inc()
		}
		s.logger.Warn("accepting frame with failed checksum",
			slog.String("type", pkt.Type.String()),
		)
	}

	if s.g.mcol != nil {
		s.g.mcol.PacketsDecoded.WithLabelValues(s.g.protoLabel(), pkt.Type.String()).Inc()
	}

	if pkt.Type == protocol.TypeLogin {
		return s.handleLogin(ctx, pkt)
	}
	return s.handleData(ctx, pkt)
}

// handleLogin authenticates the IMEI against the allow-list and binds it
// to the session. A repeated login with the same IMEI is idempotent; a
// different IMEI on an already bound session is a protocol violation.
func (s *session) handleLogin(ctx context.Context, pkt *protocol.DecodedPacket) string {
	bound := s.imei()
	if bound != "" && bound != pkt.IMEI {
		s.logger.Warn("login with different imei on bound session",
			slog.String("imei", bound),
			slog.String("new_imei", pkt.IMEI),
		)
		return CloseProtocolError
	}

	if bound == "" {
		ok, err := s.g.store.IsAuthorized(ctx, pkt.IMEI)
		if err != nil {
			s.logger.Warn("authorisation check failed",
				slog.String("imei", pkt.IMEI),
				slog.String("error", err.Error()),
			)
		}
		if !ok {
			if s.g.mcol != nil {
				s.g.mcol.UnauthorisedLogins.WithLabelValues(s.g.protoLabel()).Inc()
			}
			if reject := s.g.opts.Codec.EncodeLoginReject(); reject != nil {
				_ = s.write(reject)
			}
			s.logger.Warn("unauthorised login rejected", slog.String("imei", pkt.IMEI))
			return CloseUnauthorised
		}

		s.bind(pkt.IMEI)
		s.logger.Info("device authenticated", slog.String("imei", pkt.IMEI))
	}

	if reason := s.ack(pkt); reason != "" {
		return reason
	}

	records := s.g.opts.Codec.ToDeviceRecords(pkt, pkt.IMEI)
	s.publish(records, store.StatusUpdate{
		IMEI:   pkt.IMEI,
		Status: store.StatusConnected,
	})
	s.drainOneCommand(ctx)
	return ""
}

// handleData processes a post-login uplink frame: acknowledge first, then
// hand the decoded records to the store and webhook off the read path.
func (s *session) handleData(ctx context.Context, pkt *protocol.DecodedPacket) string {
	imei := s.imei()
	if imei == "" {
		s.logger.Warn("data frame before login",
			slog.String("type", pkt.Type.String()),
		)
		return CloseOutOfOrder
	}

	if reason := s.ack(pkt); reason != "" {
		return reason
	}

	if pkt.Type != protocol.TypeUnknown {
		records := s.g.opts.Codec.ToDeviceRecords(pkt, imei)
		s.publish(records, statusFromRecords(imei, records))
	}

	s.drainOneCommand(ctx)
	return ""
}

// ack writes the protocol acknowledgement, if the packet needs one,
// before any further frame is consumed.
func (s *session) ack(pkt *protocol.DecodedPacket) string {
	resp := s.g.opts.Codec.EncodeAck(pkt)
	if resp == nil {
		return ""
	}
	if err := s.write(resp); err != nil {
		s.logger.Warn("ack write failed", slog.String("error", err.Error()))
		return CloseEOF
	}
	if s.g.mcol != nil {
		s.g.mcol.AcksWritten.WithLabelValues(s.g.protoLabel()).Inc()
	}
	return ""
}

// publish ships records to the webhook and merges the presence update,
// both fire-and-forget so a slow backend never stalls the read loop.
func (s *session) publish(records []protocol.DeviceRecord, up store.StatusUpdate) {
	s.spawn(func(opCtx context.Context) {
		if err := s.g.store.UpsertStatus(opCtx, up); err != nil {
			s.logger.Warn("status upsert failed",
				slog.String("imei", up.IMEI),
				slog.String("error", err.Error()),
			)
		}
	})
	if len(records) > 0 {
		s.spawn(func(opCtx context.Context) {
			// Failure is counted inside the forwarder; records are dropped.
			_ = s.g.forwarder.Forward(opCtx, records)
		})
	}
}

// drainOneCommand delivers at most one pending downlink command,
// reporting whether a frame was written. One per acked uplink keeps
// device buffers shallow while preserving FIFO order.
func (s *session) drainOneCommand(ctx context.Context) bool {
	imei := s.imei()
	if imei == "" {
		return false
	}

	entry, err := s.g.store.PopCommand(ctx, imei)
	if err != nil {
		s.logger.Warn("command pop failed",
			slog.String("imei", imei),
			slog.String("error", err.Error()),
		)
		return false
	}
	if entry == nil {
		return false
	}

	if err := s.writeCommand(*entry); err != nil {
		if errors.Is(err, errNotEncodable) {
			s.logger.Error("dropping unencodable command",
				slog.String("imei", imei),
				slog.Int64("command_id", entry.ID),
			)
			if err := s.g.store.AckCommand(ctx, entry.ID); err != nil {
				s.logger.Warn("drop ack failed",
					slog.Int64("command_id", entry.ID),
					slog.String("error", err.Error()),
				)
			}
			return false
		}
		if s.g.mcol != nil {
			s.g.mcol.CommandsDispatched.WithLabelValues(s.g.protoLabel(), metrics.ResultRequeued).Inc()
		}
		s.logger.Warn("command write failed, requeueing",
			slog.String("imei", imei),
			slog.Int64("command_id", entry.ID),
			slog.String("error", err.Error()),
		)
		if err := s.g.store.PushBackCommand(ctx, imei, *entry); err != nil {
			s.logger.Error("command requeue failed, will restore on next sync",
				slog.Int64("command_id", entry.ID),
				slog.String("error", err.Error()),
			)
		}
		return false
	}

	if s.g.mcol != nil {
		s.g.mcol.CommandsDispatched.WithLabelValues(s.g.protoLabel(), metrics.ResultSent).Inc()
	}
	if err := s.g.store.AckCommand(ctx, entry.ID); err != nil {
		s.logger.Warn("command ack failed, sync may redeliver",
			slog.Int64("command_id", entry.ID),
			slog.String("error", err.Error()),
		)
	}
	s.logger.Info("command dispatched",
		slog.String("imei", imei),
		slog.Int64("command_id", entry.ID),
	)
	return true
}

// writeCommand encodes and writes one downlink command frame.
func (s *session) writeCommand(entry store.CommandEntry) error {
	s.writeMu.Lock()
	s.cmdSerial++
	serial := s.cmdSerial
	s.writeMu.Unlock()

	frame := s.g.opts.Codec.EncodeCommand(entry.Command, serial)
	if frame == nil {
		return errNotEncodable
	}
	return s.write(frame)
}

func (s *session) write(p []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	_, err := s.conn.Write(p)
	return err
}

// spawn runs fn on a detached context so backend work survives session
// teardown but cannot leak past its timeout.
func (s *session) spawn(fn func(ctx context.Context)) {
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		opCtx, cancel := context.WithTimeout(context.Background(), asyncOpTimeout)
		defer cancel()
		fn(opCtx)
	}()
}

// statusFromRecords derives the presence patch from the freshest decoded
// record carrying a valid position.
func statusFromRecords(imei string, records []protocol.DeviceRecord) store.StatusUpdate {
	up := store.StatusUpdate{
		IMEI:   imei,
		Status: store.StatusConnected,
	}

	for i := len(records) - 1; i >= 0; i-- {
		rec := records[i]
		if rec.Location == nil || !rec.Location.Valid {
			continue
		}

		lat, lon := rec.Location.Latitude, rec.Location.Longitude
		speed := rec.Location.SpeedKmh
		course := rec.Location.CourseDeg
		sats := rec.Location.Satellites
		up.Lat = &lat
		up.Lon = &lon
		up.SpeedKmh = &speed
		up.CourseDeg = &course
		up.Satellites = &sats
		if acc, ok := rec.Sensors["acc"].(bool); ok {
			up.ACC = &acc
		}
		break
	}
	return up
}
