package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/basket/pushkeeper/internal/bus"
	"github.com/basket/pushkeeper/internal/shared"
)

// OfflineStore owns the process-wide database handle behind the offline
// queue. The handle is opened on first use; concurrent first callers share
// one open, and a failed open is not remembered so the next event retries.
type OfflineStore struct {
	path   string
	bus    *bus.Bus
	logger *slog.Logger

	mu     sync.Mutex
	store  *Store
	opened []func(*Store)
}

func NewOfflineStore(path string, eventBus *bus.Bus, logger *slog.Logger) *OfflineStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &OfflineStore{path: path, bus: eventBus, logger: logger}
}

// OnOpen registers fn to run once with the store right after it is first
// opened (or immediately if it already is).
func (o *OfflineStore) OnOpen(fn func(*Store)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.store != nil {
		fn(o.store)
		return
	}
	o.opened = append(o.opened, fn)
}

// Open returns the shared Store, opening it if needed.
func (o *OfflineStore) Open(ctx context.Context) (*Store, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.store != nil {
		return o.store, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	s, err := Open(o.path, o.bus)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	o.store = s
	for _, fn := range o.opened {
		fn(s)
	}
	o.opened = nil
	o.logger.Info("offline store opened", "path", o.path)
	return s, nil
}

// Append queues message for chatID. An empty chatID or absent message is
// logged and ignored.
func (o *OfflineStore) Append(ctx context.Context, chatID string, message json.RawMessage) error {
	if chatID == "" || isAbsent(message) {
		o.logger.Warn("offline append skipped: missing chat id or message",
			"trace_id", shared.TraceID(ctx), "chat_id", chatID)
		return nil
	}
	s, err := o.Open(ctx)
	if err != nil {
		return err
	}
	if _, err := s.AppendOffline(ctx, chatID, message); err != nil {
		return err
	}
	return nil
}

// DrainAll removes and returns every queued message in arrival order.
func (o *OfflineStore) DrainAll(ctx context.Context) ([]OfflineMessage, error) {
	s, err := o.Open(ctx)
	if err != nil {
		return nil, err
	}
	return s.DrainOffline(ctx, nil)
}

// Drain hands the queued messages to deliver and clears them only once
// deliver returns nil. It returns the number of messages cleared.
func (o *OfflineStore) Drain(ctx context.Context, deliver func([]OfflineMessage) error) (int, error) {
	s, err := o.Open(ctx)
	if err != nil {
		return 0, err
	}
	batch, err := s.DrainOffline(ctx, deliver)
	if err != nil {
		return 0, err
	}
	if len(batch) > 0 && o.bus != nil {
		o.bus.Publish(bus.TopicBacklogDrained, bus.BacklogEvent{PageID: shared.PageID(ctx), Count: len(batch)})
	}
	return len(batch), nil
}

// Pending returns the current backlog size.
func (o *OfflineStore) Pending(ctx context.Context) (int, error) {
	s, err := o.Open(ctx)
	if err != nil {
		return 0, err
	}
	return s.PendingOffline(ctx)
}

// IsOpen reports whether the handle has been established.
func (o *OfflineStore) IsOpen() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.store != nil
}

// Close releases the handle. A later call to Open reopens it.
func (o *OfflineStore) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.store == nil {
		return nil
	}
	err := o.store.Close()
	o.store = nil
	return err
}

// SetState stores a kv_store value, opening the handle if needed.
func (o *OfflineStore) SetState(ctx context.Context, key, val string) error {
	s, err := o.Open(ctx)
	if err != nil {
		return err
	}
	return s.SetState(ctx, key, val)
}

// GetState reads a kv_store value, opening the handle if needed.
func (o *OfflineStore) GetState(ctx context.Context, key string) (string, error) {
	s, err := o.Open(ctx)
	if err != nil {
		return "", err
	}
	return s.GetState(ctx, key)
}
