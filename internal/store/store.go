// Package store implements the gateway's presence and command store:
// an IMEI allow-list, the live device status hash, and per-IMEI downlink
// command queues. Redis serves the hot path; PostgreSQL is the durable
// source of truth, reconciled by a periodic background sync.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jellydator/ttlcache/v3"
	"github.com/redis/go-redis/v9"

	"github.com/fleetops/gpsgate/internal/metrics"
)

// Redis keys.
const (
	// AllowListKey is the SET of authorised IMEIs.
	AllowListKey = "devices:imei:set"

	// StatusKey is the HASH mapping IMEI to its JSON live status.
	StatusKey = "devices:status"

	// CommandKeyPrefix prefixes the per-IMEI command LIST keys.
	CommandKeyPrefix = "devices:commands:"
)

// Device status values.
const (
	StatusConnected    = "CONNECTED"
	StatusDisconnected = "DISCONNECTED"
)

// authCacheTTL bounds how long a lenient-mode fallback verdict may be
// served after Redis becomes unreachable.
const authCacheTTL = time.Hour

// Store errors.
var (
	// ErrAuthUnavailable indicates the allow-list could not be consulted
	// and no fallback verdict was available.
	ErrAuthUnavailable = errors.New("store: authorisation unavailable")
)

// CommandKey returns the Redis list key holding the pending commands of
// one IMEI.
func CommandKey(imei string) string {
	return CommandKeyPrefix + imei
}

// -------------------------------------------------------------------------
// StatusUpdate — field-wise device presence patch
// -------------------------------------------------------------------------

// StatusUpdate is a partial device status write. Nil fields are left
// untouched by the merge, so two connections reporting different fields
// for the same IMEI never clobber each other.
type StatusUpdate struct {
	IMEI       string    `json:"imei"`
	Status     string    `json:"status,omitempty"`
	Lat        *float64  `json:"lat,omitempty"`
	Lon        *float64  `json:"lon,omitempty"`
	SpeedKmh   *int      `json:"speedKmh,omitempty"`
	CourseDeg  *int      `json:"courseDeg,omitempty"`
	ACC        *bool     `json:"acc,omitempty"`
	Satellites *int      `json:"satellites,omitempty"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// DeviceStatus is the fully merged per-IMEI live state as stored in the
// Redis hash and flushed to SQL.
type DeviceStatus struct {
	IMEI       string    `json:"imei"`
	Status     string    `json:"status"`
	Lat        float64   `json:"lat"`
	Lon        float64   `json:"lon"`
	SpeedKmh   int       `json:"speedKmh"`
	CourseDeg  int       `json:"courseDeg"`
	ACC        bool      `json:"acc"`
	Satellites int       `json:"satellites"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// mergeStatusScript merges a JSON status patch into the hash field
// server-side, making concurrent updates to the same IMEI atomic without
// a gateway-side lock. Fields absent from the patch survive.
var mergeStatusScript = redis.NewScript(`
local merged = {}
local cur = redis.call('HGET', KEYS[1], ARGV[1])
if cur then
  merged = cjson.decode(cur)
end
local patch = cjson.decode(ARGV[2])
for k, v in pairs(patch) do
  merged[k] = v
end
redis.call('HSET', KEYS[1], ARGV[1], cjson.encode(merged))
return 1
`)

// -------------------------------------------------------------------------
// Store
// -------------------------------------------------------------------------

// AuthMode selects the allow-list behaviour when Redis is unreachable.
type AuthMode uint8

const (
	// AuthStrict denies every login while the allow-list is unavailable.
	AuthStrict AuthMode = iota

	// AuthLenient serves the last-known verdict from a local TTL cache.
	AuthLenient
)

// Store couples the Redis hot path with the durable PostgreSQL tables.
// All methods are safe for concurrent use.
type Store struct {
	rdb      redis.UniversalClient
	pool     *pgxpool.Pool
	logger   *slog.Logger
	mcol     *metrics.Collector
	authMode AuthMode

	// authCache retains recent allow-list verdicts for lenient fallback.
	authCache *ttlcache.Cache[string, bool]
}

// New creates a Store over the given Redis client and PostgreSQL pool.
// The metrics collector may be nil in tests.
func New(rdb redis.UniversalClient, pool *pgxpool.Pool, mode AuthMode, mcol *metrics.Collector, logger *slog.Logger) *Store {
	cache := ttlcache.New[string, bool](
		ttlcache.WithTTL[string, bool](authCacheTTL),
		ttlcache.WithDisableTouchOnHit[string, bool](),
	)
	go cache.Start()

	return &Store{
		rdb:       rdb,
		pool:      pool,
		logger:    logger.With(slog.String("component", "store")),
		mcol:      mcol,
		authMode:  mode,
		authCache: cache,
	}
}

// Close stops the store's background cache janitor.
func (s *Store) Close() {
	s.authCache.Stop()
}

// -------------------------------------------------------------------------
// Authorisation
// -------------------------------------------------------------------------

// IsAuthorized reports whether the IMEI is in the allow-list set. When
// Redis is unreachable, strict mode denies; lenient mode serves the
// last-known verdict if one is cached within its TTL.
func (s *Store) IsAuthorized(ctx context.Context, imei string) (bool, error) {
	ok, err := s.rdb.SIsMember(ctx, AllowListKey, imei).Result()
	if err == nil {
		s.authCache.Set(imei, ok, ttlcache.DefaultTTL)
		return ok, nil
	}

	if s.authMode == AuthLenient {
		if item := s.authCache.Get(imei); item != nil {
			s.logger.Warn("allow-list unavailable, serving cached verdict",
				slog.String("imei", imei),
				slog.Bool("authorized", item.Value()),
				slog.String("error", err.Error()),
			)
			return item.Value(), nil
		}
	}

	return false, fmt.Errorf("%w: %w", ErrAuthUnavailable, err)
}

// -------------------------------------------------------------------------
// Presence
// -------------------------------------------------------------------------

// UpsertStatus merges a partial status update into the device's live state.
// The merge runs server-side so concurrent updates to the same IMEI from
// two open sockets combine field-wise instead of clobbering.
func (s *Store) UpsertStatus(ctx context.Context, up StatusUpdate) error {
	if up.UpdatedAt.IsZero() {
		up.UpdatedAt = time.Now().UTC()
	}

	patch, err := json.Marshal(up)
	if err != nil {
		return fmt.Errorf("marshal status update: %w", err)
	}

	if err := mergeStatusScript.Run(ctx, s.rdb, []string{StatusKey}, up.IMEI, string(patch)).Err(); err != nil {
		s.countStatus(metrics.ResultError)
		return fmt.Errorf("merge status %s: %w", up.IMEI, err)
	}

	s.countStatus(metrics.ResultOK)
	return nil
}

// GetStatus returns the device's merged live state, or nil when the IMEI
// has never reported.
func (s *Store) GetStatus(ctx context.Context, imei string) (*DeviceStatus, error) {
	raw, err := s.rdb.HGet(ctx, StatusKey, imei).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get status %s: %w", imei, err)
	}

	var st DeviceStatus
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("decode status %s: %w", imei, err)
	}
	if st.IMEI == "" {
		st.IMEI = imei
	}
	return &st, nil
}

// MarkDisconnected transitions the device's live status to DISCONNECTED.
func (s *Store) MarkDisconnected(ctx context.Context, imei string) error {
	return s.UpsertStatus(ctx, StatusUpdate{
		IMEI:      imei,
		Status:    StatusDisconnected,
		UpdatedAt: time.Now().UTC(),
	})
}

func (s *Store) countStatus(result string) {
	if s.mcol != nil {
		s.mcol.StatusUpserts.WithLabelValues(result).Inc()
	}
}
