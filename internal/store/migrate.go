package store

import (
	"context"
	"fmt"
)

// migrations are applied in order at startup. Statements are idempotent
// so repeated boots against the same database are safe.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS devices (
		imei       TEXT PRIMARY KEY,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS device_status (
		imei       TEXT PRIMARY KEY,
		status     TEXT NOT NULL DEFAULT 'DISCONNECTED',
		lat        DOUBLE PRECISION,
		lon        DOUBLE PRECISION,
		speed_kmh  INTEGER,
		course_deg INTEGER,
		acc        BOOLEAN,
		satellites INTEGER,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS command_queue (
		id         BIGSERIAL PRIMARY KEY,
		imei       TEXT NOT NULL,
		command    TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS command_queue_imei_idx
		ON command_queue (imei, created_at)`,
}

// Migrate creates the gateway's tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range migrations {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply migration: %w", err)
		}
	}
	s.logger.Debug("database schema ready")
	return nil
}
