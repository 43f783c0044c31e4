// Package store persists chat messages and user-activity rollups to MySQL.
// All writes are wire-coalesced multi-row statements and idempotent on
// message_id, so at-least-once redelivery from the queue is benign.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"go.uber.org/zap"

	"github.com/chatflow/server/internal/v1/logging"
	"github.com/chatflow/server/internal/v1/types"
)

// Persistence is the write contract consumed by the batch writer. A nil
// Persistence disables the whole persistence path.
type Persistence interface {
	BatchInsertMessages(ctx context.Context, batch []types.QueueMessage) (int64, error)
	BatchUpsertUserActivity(ctx context.Context, batch []types.QueueMessage) (int64, error)
	Ping(ctx context.Context) error
}

// MySQL implements Persistence on a database/sql pool.
type MySQL struct {
	db *sql.DB

	messagesInserted    atomic.Int64
	insertErrors        atomic.Int64
	userActivityUpserts atomic.Int64
}

// Open connects to MySQL and verifies the connection.
func Open(dsn string) (*MySQL, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &MySQL{db: db}, nil
}

// BatchInsertMessages inserts a batch in one multi-row INSERT IGNORE.
// Duplicate message ids are silently skipped; the returned count is the
// number of new rows.
func (m *MySQL) BatchInsertMessages(ctx context.Context, batch []types.QueueMessage) (int64, error) {
	if len(batch) == 0 {
		return 0, nil
	}

	var sb strings.Builder
	sb.WriteString("INSERT IGNORE INTO messages " +
		"(message_id, room_id, user_id, username, message_text, message_type, server_id, client_ip, created_at) VALUES ")
	args := make([]any, 0, len(batch)*9)
	for i, msg := range batch {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(?, ?, ?, ?, ?, ?, ?, ?, ?)")
		args = append(args,
			msg.MessageID, msg.RoomID, msg.UserID, msg.Username,
			msg.Message, string(msg.MessageType), msg.ServerID, msg.ClientIP,
			msg.TimestampAsTime())
	}

	res, err := m.db.ExecContext(ctx, sb.String(), args...)
	if err != nil {
		m.insertErrors.Add(1)
		return 0, fmt.Errorf("batch insert of %d messages failed: %w", len(batch), err)
	}

	inserted, _ := res.RowsAffected()
	m.messagesInserted.Add(inserted)
	if skipped := int64(len(batch)) - inserted; skipped > 0 {
		logging.Debug(ctx, "batch insert skipped duplicates", zap.Int64("skipped", skipped))
	}
	return inserted, nil
}

// activityKey orders user-activity rows for deterministic lock acquisition.
type activityKey struct {
	userID string
	roomID string
}

// dedupeActivity collapses a batch to one row per (userId, roomId), keeping
// the latest timestamp, and returns the rows sorted by key. Concurrent
// flushes then acquire row locks in the same order and cannot deadlock.
func dedupeActivity(batch []types.QueueMessage) []types.QueueMessage {
	latest := make(map[activityKey]types.QueueMessage, len(batch))
	for _, msg := range batch {
		key := activityKey{userID: msg.UserID, roomID: msg.RoomID}
		if existing, ok := latest[key]; !ok || msg.TimestampAsTime().After(existing.TimestampAsTime()) {
			latest[key] = msg
		}
	}

	keys := make([]activityKey, 0, len(latest))
	for key := range latest {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].userID != keys[j].userID {
			return keys[i].userID < keys[j].userID
		}
		return keys[i].roomID < keys[j].roomID
	})

	out := make([]types.QueueMessage, 0, len(keys))
	for _, key := range keys {
		out = append(out, latest[key])
	}
	return out
}

// BatchUpsertUserActivity maintains the per-(user, room) rollup: a new row
// starts at message_count=1; an existing row advances last_activity
// monotonically and increments the count once per non-duplicate insert.
func (m *MySQL) BatchUpsertUserActivity(ctx context.Context, batch []types.QueueMessage) (int64, error) {
	rows := dedupeActivity(batch)
	if len(rows) == 0 {
		return 0, nil
	}

	var sb strings.Builder
	sb.WriteString("INSERT INTO user_activity (user_id, room_id, first_activity, last_activity, message_count) VALUES ")
	args := make([]any, 0, len(rows)*4)
	for i, msg := range rows {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(?, ?, ?, ?, 1)")
		ts := msg.TimestampAsTime()
		args = append(args, msg.UserID, msg.RoomID, ts, ts)
	}
	sb.WriteString(" ON DUPLICATE KEY UPDATE " +
		"last_activity = GREATEST(last_activity, VALUES(last_activity)), " +
		"message_count = message_count + 1")

	res, err := m.db.ExecContext(ctx, sb.String(), args...)
	if err != nil {
		return 0, fmt.Errorf("batch upsert of %d user activity rows failed: %w", len(rows), err)
	}

	affected, _ := res.RowsAffected()
	m.userActivityUpserts.Add(affected)
	return affected, nil
}

// Ping verifies database connectivity for the readiness probe.
func (m *MySQL) Ping(ctx context.Context) error {
	return m.db.PingContext(ctx)
}

// Close releases the connection pool.
func (m *MySQL) Close() error {
	return m.db.Close()
}

// MessagesInserted returns the total non-duplicate rows written.
func (m *MySQL) MessagesInserted() int64 {
	return m.messagesInserted.Load()
}

// InsertErrors returns the total failed batch inserts.
func (m *MySQL) InsertErrors() int64 {
	return m.insertErrors.Load()
}
