package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/basket/pushkeeper/internal/bus"
	"github.com/basket/pushkeeper/internal/shared"
)

// OfflineMessage is one queued chat message awaiting a page. Only ChatID and
// Message travel to pages; Message is opaque.
type OfflineMessage struct {
	Seq        int64           `json:"-"`
	ChatID     string          `json:"chatId"`
	Message    json.RawMessage `json:"message"`
	ReceivedAt time.Time       `json:"-"`
	TraceID    string          `json:"-"`
}

// isAbsent reports whether a message body carries nothing worth queueing:
// missing, null, false, "" or zero.
func isAbsent(message json.RawMessage) bool {
	return shared.IsFalsyJSON(message)
}

// AppendOffline inserts one message at the tail of the queue. It reports
// false without touching the database when chatID is empty or message is
// absent.
func (s *Store) AppendOffline(ctx context.Context, chatID string, message json.RawMessage) (bool, error) {
	if chatID == "" || isAbsent(message) {
		return false, nil
	}
	if !json.Valid(message) {
		return false, fmt.Errorf("%w: message for chat %s is not valid JSON", ErrWriteFailed, chatID)
	}
	traceID := shared.TraceID(ctx)
	if traceID == "-" {
		traceID = ""
	}

	err := retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO offline_messages (chat_id, message, received_at, trace_id)
			VALUES (?, ?, ?, ?);
		`, chatID, string(message), time.Now().UTC(), traceID)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}

	if s.bus != nil {
		s.bus.Publish(bus.TopicBacklogAppended, bus.BacklogEvent{ChatID: chatID, Count: 1})
	}
	return true, nil
}

// DrainOffline reads every queued message in arrival order and clears the
// queue, all in one transaction. When deliver is non-nil it is called with
// the batch before the clear; a deliver error rolls the transaction back and
// leaves the queue intact. deliver runs while the store's only connection is
// held and must not use the store. An empty queue never calls deliver.
func (s *Store) DrainOffline(ctx context.Context, deliver func([]OfflineMessage) error) ([]OfflineMessage, error) {
	tx, err := s.beginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: begin: %v", ErrDrainFailed, err)
	}
	defer func() { _ = tx.Rollback() }()

	batch, err := readOfflineTx(ctx, tx)
	if err != nil {
		return nil, err
	}
	if len(batch) == 0 {
		return nil, nil
	}

	if deliver != nil {
		if err := deliver(batch); err != nil {
			return nil, fmt.Errorf("%w: delivery not confirmed: %w", ErrDrainFailed, err)
		}
	}

	// Rows appended after the read wait for the next drain.
	last := batch[len(batch)-1].Seq
	if _, err := tx.ExecContext(ctx, `DELETE FROM offline_messages WHERE seq <= ?;`, last); err != nil {
		return nil, fmt.Errorf("%w: clear: %v", ErrDrainFailed, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: commit: %v", ErrDrainFailed, err)
	}
	return batch, nil
}

func readOfflineTx(ctx context.Context, tx *sql.Tx) ([]OfflineMessage, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT seq, chat_id, message, received_at, trace_id
		FROM offline_messages
		ORDER BY seq ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("%w: read: %v", ErrDrainFailed, err)
	}
	defer rows.Close()

	var out []OfflineMessage
	for rows.Next() {
		m, err := scanOffline(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("%w: scan: %v", ErrDrainFailed, err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: rows: %v", ErrDrainFailed, err)
	}
	return out, nil
}

func scanOffline(scanFn func(dest ...any) error) (OfflineMessage, error) {
	var (
		m          OfflineMessage
		body       string
		receivedAt sql.NullTime
	)
	if err := scanFn(&m.Seq, &m.ChatID, &body, &receivedAt, &m.TraceID); err != nil {
		return m, err
	}
	m.Message = json.RawMessage(body)
	if receivedAt.Valid {
		m.ReceivedAt = receivedAt.Time
	}
	return m, nil
}

// PendingOffline returns the number of queued messages.
func (s *Store) PendingOffline(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM offline_messages;`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count offline messages: %w", err)
	}
	return n, nil
}

// PeekOffline returns up to limit queued messages without removing them.
func (s *Store) PeekOffline(ctx context.Context, limit int) ([]OfflineMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, chat_id, message, received_at, trace_id
		FROM offline_messages
		ORDER BY seq ASC
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("peek offline messages: %w", err)
	}
	defer rows.Close()

	var out []OfflineMessage
	for rows.Next() {
		m, err := scanOffline(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan offline message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
