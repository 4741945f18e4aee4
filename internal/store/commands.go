package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// -------------------------------------------------------------------------
// Command queue — durable FIFO of pending downlink commands per IMEI
// -------------------------------------------------------------------------

// CommandEntry is one pending downlink command. It lives both as a row in
// the command_queue table (keyed by ID) and as a JSON element of the
// per-IMEI Redis list that the session loop drains.
type CommandEntry struct {
	ID        int64     `json:"id"`
	Command   string    `json:"command"`
	CreatedAt time.Time `json:"createdAt"`
}

// EnqueueCommand persists a command for the IMEI and appends it to the
// tail of the device's Redis queue. The SQL insert and the Redis push
// succeed or fail together: a failed push rolls the row back so the two
// views never disagree by more than one sync interval.
func (s *Store) EnqueueCommand(ctx context.Context, imei, command string) (CommandEntry, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return CommandEntry{}, fmt.Errorf("begin enqueue tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	entry := CommandEntry{Command: command}
	err = tx.QueryRow(ctx,
		`INSERT INTO command_queue (imei, command) VALUES ($1, $2) RETURNING id, created_at`,
		imei, command,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return CommandEntry{}, fmt.Errorf("insert command for %s: %w", imei, err)
	}
	entry.CreatedAt = entry.CreatedAt.UTC()

	payload, err := json.Marshal(entry)
	if err != nil {
		return CommandEntry{}, fmt.Errorf("marshal command entry: %w", err)
	}

	if err := s.rdb.RPush(ctx, CommandKey(imei), payload).Err(); err != nil {
		return CommandEntry{}, fmt.Errorf("push command for %s: %w", imei, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return CommandEntry{}, fmt.Errorf("commit enqueue tx: %w", err)
	}

	return entry, nil
}

// PopCommand removes and returns the head of the device's queue, or nil
// when the queue is empty.
func (s *Store) PopCommand(ctx context.Context, imei string) (*CommandEntry, error) {
	raw, err := s.rdb.LPop(ctx, CommandKey(imei)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pop command for %s: %w", imei, err)
	}

	var entry CommandEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, fmt.Errorf("decode command entry for %s: %w", imei, err)
	}
	return &entry, nil
}

// PushBackCommand returns an undelivered command to the head of the
// queue, preserving FIFO order for the next delivery attempt.
func (s *Store) PushBackCommand(ctx context.Context, imei string, entry CommandEntry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal command entry: %w", err)
	}
	if err := s.rdb.LPush(ctx, CommandKey(imei), payload).Err(); err != nil {
		return fmt.Errorf("push back command %d for %s: %w", entry.ID, imei, err)
	}
	return nil
}

// AckCommand deletes a delivered command's durable row. Called only
// after the command bytes were written to the device socket.
func (s *Store) AckCommand(ctx context.Context, id int64) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM command_queue WHERE id = $1`, id); err != nil {
		return fmt.Errorf("ack command %d: %w", id, err)
	}
	return nil
}
