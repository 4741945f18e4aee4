// Package gateway runs the TCP listeners that tracker devices connect to
// and supervises one session goroutine per connection. Each listener is
// bound to exactly one protocol codec; the byte stream on a port is never
// sniffed across protocols.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/fleetops/gpsgate/internal/metrics"
	"github.com/fleetops/gpsgate/internal/protocol"
	"github.com/fleetops/gpsgate/internal/store"
)

// Session close reasons, used as metric label values and in logs.
const (
	CloseTimeout       = "TIMEOUT"
	CloseUnauthorised  = "UNAUTHORISED"
	CloseOutOfOrder    = "OUT_OF_ORDER"
	CloseProtocolError = "PROTOCOL_ERROR"
	CloseShutdown      = "SHUTDOWN"
	CloseEOF           = "EOF"
)

// maxDecodeErrors is how many consecutive codec failures a session
// tolerates before the peer is considered broken.
const maxDecodeErrors = 3

// DeviceStore is the subset of the store the gateway needs. *store.Store
// satisfies it.
type DeviceStore interface {
	IsAuthorized(ctx context.Context, imei string) (bool, error)
	UpsertStatus(ctx context.Context, up store.StatusUpdate) error
	MarkDisconnected(ctx context.Context, imei string) error
	PopCommand(ctx context.Context, imei string) (*store.CommandEntry, error)
	PushBackCommand(ctx context.Context, imei string, entry store.CommandEntry) error
	AckCommand(ctx context.Context, id int64) error
}

// RecordForwarder delivers decoded records downstream. *forward.Forwarder
// satisfies it.
type RecordForwarder interface {
	Forward(ctx context.Context, records []protocol.DeviceRecord) error
}

// Options configures one protocol listener.
type Options struct {
	// Addr is the listen address, e.g. ":5023".
	Addr string

	// Codec decodes and encodes frames for this port's protocol.
	Codec protocol.Codec

	// MaxConnections caps concurrently open sessions on this port.
	MaxConnections int

	// IdleTimeout closes sessions that stay silent longer than this.
	IdleTimeout time.Duration

	// KeepAliveInterval is the TCP keep-alive probe interval.
	KeepAliveInterval time.Duration

	// ShutdownGrace bounds how long open sessions may linger after the
	// accept loop stops.
	ShutdownGrace time.Duration
}

// Gateway owns one listener and its sessions.
type Gateway struct {
	opts      Options
	store     DeviceStore
	forwarder RecordForwarder
	mcol      *metrics.Collector
	logger    *slog.Logger

	mu       sync.Mutex
	addr     net.Addr
	sessions map[*session]struct{}
}

// New creates a Gateway for one protocol port. The metrics collector may
// be nil in tests.
func New(opts Options, st DeviceStore, fwd RecordForwarder, mcol *metrics.Collector, logger *slog.Logger) *Gateway {
	return &Gateway{
		opts:      opts,
		store:     st,
		forwarder: fwd,
		mcol:      mcol,
		logger: logger.With(
			slog.String("component", "gateway"),
			slog.String("protocol", opts.Codec.Protocol().String()),
		),
		sessions: make(map[*session]struct{}),
	}
}

// Run listens on the configured address and serves sessions until the
// context is cancelled, then drains open sessions within ShutdownGrace.
func (g *Gateway) Run(ctx context.Context) error {
	lc := net.ListenConfig{
		KeepAliveConfig: net.KeepAliveConfig{
			Enable: true,
			Idle:   g.opts.KeepAliveInterval,
		},
	}

	ln, err := lc.Listen(ctx, "tcp", g.opts.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", g.opts.Addr, err)
	}

	g.mu.Lock()
	g.addr = ln.Addr()
	g.mu.Unlock()

	g.logger.Info("listening",
		slog.String("addr", ln.Addr().String()),
		slog.Int("max_connections", g.opts.MaxConnections),
	)

	// Close the listener when the context ends so Accept unblocks.
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	var wg sync.WaitGroup
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			g.logger.Warn("accept failed", slog.String("error", err.Error()))
			continue
		}

		if !g.admit() {
			g.logger.Warn("connection cap reached, rejecting",
				slog.String("remote", conn.RemoteAddr().String()),
			)
			_ = conn.Close()
			continue
		}

		g.tuneConn(conn)

		sess := newSession(g, conn)
		g.track(sess)

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer g.untrack(sess)
			sess.run(ctx)
		}()
	}

	return g.drain(&wg)
}

// drain waits for open sessions to finish, forcing their sockets closed
// once the grace period expires.
func (g *Gateway) drain(wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(g.opts.ShutdownGrace):
		g.logger.Warn("shutdown grace expired, closing sessions")
		g.mu.Lock()
		for sess := range g.sessions {
			_ = sess.conn.Close()
		}
		g.mu.Unlock()
		<-done
	}

	g.logger.Info("gateway stopped")
	return nil
}

// Addr returns the listener's bound address, or nil before Run has
// started listening. Useful when listening on port 0.
func (g *Gateway) Addr() net.Addr {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.addr
}

// admit reports whether a new session fits under the connection cap.
func (g *Gateway) admit() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sessions) < g.opts.MaxConnections
}

func (g *Gateway) tuneConn(conn net.Conn) {
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
}

func (g *Gateway) track(sess *session) {
	g.mu.Lock()
	g.sessions[sess] = struct{}{}
	g.mu.Unlock()

	if g.mcol != nil {
		g.mcol.Connections.WithLabelValues(g.protoLabel()).Inc()
	}
}

func (g *Gateway) untrack(sess *session) {
	g.mu.Lock()
	delete(g.sessions, sess)
	g.mu.Unlock()

	if g.mcol != nil {
		g.mcol.Connections.WithLabelValues(g.protoLabel()).Dec()
	}
}

func (g *Gateway) protoLabel() string {
	return g.opts.Codec.Protocol().String()
}

// Dispatch asks the IMEI's live session, if one exists on this gateway,
// to drain one pending command from its queue. Going through the queue
// rather than writing the entry directly keeps Redis the single source
// of pending commands, so a command is never delivered twice. Reports
// whether a command frame was written.
func (g *Gateway) Dispatch(imei string, _ store.CommandEntry) bool {
	g.mu.Lock()
	var target *session
	for sess := range g.sessions {
		if sess.imei() == imei {
			target = sess
			break
		}
	}
	g.mu.Unlock()

	if target == nil {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return target.drainOneCommand(ctx)
}

// errNotEncodable marks a queued command the codec refused to encode
// (for example one exceeding the GT06 length budget). Such commands are
// dropped rather than requeued: retrying cannot succeed.
var errNotEncodable = errors.New("gateway: command not encodable")
