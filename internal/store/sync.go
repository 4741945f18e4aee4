package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/fleetops/gpsgate/internal/metrics"
)

// SyncInterval is how often the background reconciliation runs.
const SyncInterval = 5 * time.Minute

// allowListStagingKey holds the freshly built allow-list before the
// atomic swap into AllowListKey.
const allowListStagingKey = AllowListKey + ":staging"

// -------------------------------------------------------------------------
// Background sync — SQL is the source of truth, Redis is rebuilt from it
// -------------------------------------------------------------------------

// Run executes Sync every SyncInterval until the context is cancelled.
// Callers typically invoke Sync once directly before starting acceptors
// so the allow-list is populated before the first login arrives.
func (s *Store) Run(ctx context.Context) error {
	ticker := time.NewTicker(SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.Sync(ctx); err != nil {
				s.logger.Error("store sync failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Sync reconciles Redis against PostgreSQL: the allow-list and command
// queues are rebuilt from their tables, and accumulated live statuses
// are flushed back to SQL. Live traffic keeps flowing while it runs.
func (s *Store) Sync(ctx context.Context) error {
	start := time.Now()

	err := s.syncAllowList(ctx)
	if err == nil {
		err = s.syncCommandQueues(ctx)
	}
	if err == nil {
		err = s.flushStatuses(ctx)
	}

	result := metrics.ResultOK
	if err != nil {
		result = metrics.ResultError
	}
	if s.mcol != nil {
		s.mcol.SyncRuns.WithLabelValues(result).Inc()
	}

	if err != nil {
		return fmt.Errorf("store sync: %w", err)
	}
	s.logger.Info("store sync complete", slog.Duration("elapsed", time.Since(start)))
	return nil
}

// syncAllowList rebuilds the authorised-IMEI set from the devices table.
// The new set is staged under a scratch key and swapped in with RENAME so
// concurrent SISMEMBER calls never observe a half-built list.
func (s *Store) syncAllowList(ctx context.Context) error {
	rows, err := s.pool.Query(ctx, `SELECT imei FROM devices`)
	if err != nil {
		return fmt.Errorf("load devices: %w", err)
	}
	defer rows.Close()

	var imeis []any
	for rows.Next() {
		var imei string
		if err := rows.Scan(&imei); err != nil {
			return fmt.Errorf("scan device: %w", err)
		}
		imeis = append(imeis, imei)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate devices: %w", err)
	}

	if len(imeis) == 0 {
		if err := s.rdb.Del(ctx, AllowListKey).Err(); err != nil {
			return fmt.Errorf("clear allow-list: %w", err)
		}
		return nil
	}

	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, allowListStagingKey)
	pipe.SAdd(ctx, allowListStagingKey, imeis...)
	pipe.Rename(ctx, allowListStagingKey, AllowListKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("swap allow-list: %w", err)
	}

	s.logger.Debug("allow-list rebuilt", slog.Int("devices", len(imeis)))
	return nil
}

// syncCommandQueues rebuilds every per-IMEI command list from the
// command_queue table in created_at order. Queues whose rows are gone
// (all delivered) are deleted so Redis carries no stale commands.
func (s *Store) syncCommandQueues(ctx context.Context) error {
	rows, err := s.pool.Query(ctx,
		`SELECT id, imei, command, created_at FROM command_queue ORDER BY created_at, id`)
	if err != nil {
		return fmt.Errorf("load command queue: %w", err)
	}
	defer rows.Close()

	queues := make(map[string][]any)
	for rows.Next() {
		var (
			imei  string
			entry CommandEntry
		)
		if err := rows.Scan(&entry.ID, &imei, &entry.Command, &entry.CreatedAt); err != nil {
			return fmt.Errorf("scan command: %w", err)
		}
		entry.CreatedAt = entry.CreatedAt.UTC()

		payload, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("marshal command entry: %w", err)
		}
		queues[imei] = append(queues[imei], payload)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate command queue: %w", err)
	}

	stale, err := s.scanCommandKeys(ctx)
	if err != nil {
		return err
	}

	pipe := s.rdb.TxPipeline()
	for _, key := range stale {
		pipe.Del(ctx, key)
	}
	for imei, payloads := range queues {
		key := CommandKey(imei)
		pipe.Del(ctx, key)
		pipe.RPush(ctx, key, payloads...)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("rebuild command queues: %w", err)
	}

	s.logger.Debug("command queues rebuilt", slog.Int("queues", len(queues)))
	return nil
}

// scanCommandKeys lists every existing per-IMEI command list key.
func (s *Store) scanCommandKeys(ctx context.Context) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := s.rdb.Scan(ctx, cursor, CommandKeyPrefix+"*", 200).Result()
		if err != nil {
			return nil, fmt.Errorf("scan command keys: %w", err)
		}
		keys = append(keys, batch...)
		if next == 0 {
			return keys, nil
		}
		cursor = next
	}
}

// flushStatuses writes the accumulated live statuses back to the
// device_status table so positions survive a Redis flush.
func (s *Store) flushStatuses(ctx context.Context) error {
	entries, err := s.rdb.HGetAll(ctx, StatusKey).Result()
	if err != nil {
		return fmt.Errorf("load statuses: %w", err)
	}

	for imei, raw := range entries {
		var st DeviceStatus
		if err := json.Unmarshal([]byte(raw), &st); err != nil {
			s.logger.Warn("skipping malformed status entry",
				slog.String("imei", imei),
				slog.String("error", err.Error()),
			)
			continue
		}

		_, err := s.pool.Exec(ctx, `
			INSERT INTO device_status
				(imei, status, lat, lon, speed_kmh, course_deg, acc, satellites, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (imei) DO UPDATE SET
				status     = EXCLUDED.status,
				lat        = EXCLUDED.lat,
				lon        = EXCLUDED.lon,
				speed_kmh  = EXCLUDED.speed_kmh,
				course_deg = EXCLUDED.course_deg,
				acc        = EXCLUDED.acc,
				satellites = EXCLUDED.satellites,
				updated_at = EXCLUDED.updated_at`,
			imei, st.Status, st.Lat, st.Lon, st.SpeedKmh, st.CourseDeg, st.ACC, st.Satellites, st.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("flush status %s: %w", imei, err)
		}
	}

	s.logger.Debug("statuses flushed", slog.Int("devices", len(entries)))
	return nil
}
