package services

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"pkt.systems/pslog"

	"github.com/iamrgalisanao/tsms-dev-sub004/internal/repository"
)

// EventForwardPermanentlyFailed is emitted when a forward exhausts its budget
// or fails in a way that cannot be retried.
const EventForwardPermanentlyFailed = "forward.permanently_failed"

// eventLogKeep caps the retained event history.
const eventLogKeep = 500

type Event struct {
	Type          string    `json:"type"`
	ForwardID     int64     `json:"forward_id"`
	TransactionID string    `json:"transaction_id"`
	TenantID      int64     `json:"tenant_id"`
	BatchID       string    `json:"batch_id"`
	Attempts      int       `json:"attempts"`
	LastError     string    `json:"last_error"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// EventLog publishes forwarding events and keeps a short history of them.
// Publish never fails the caller; delivery problems are logged.
type EventLog interface {
	Publish(ctx context.Context, ev Event)
	Recent(ctx context.Context, limit int) ([]Event, error)
}

// MemoryEventLog keeps recent events in process memory.
type MemoryEventLog struct {
	mu     sync.Mutex
	events []Event
	logger pslog.Logger
}

func NewMemoryEventLog(logger pslog.Logger) *MemoryEventLog {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &MemoryEventLog{logger: logger}
}

func (m *MemoryEventLog) Publish(_ context.Context, ev Event) {
	m.logger.Warn(ev.Type,
		"forward_id", ev.ForwardID,
		"transaction_id", ev.TransactionID,
		"tenant_id", ev.TenantID,
		"attempts", ev.Attempts,
		"last_error", ev.LastError,
	)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	if len(m.events) > eventLogKeep {
		m.events = m.events[len(m.events)-eventLogKeep:]
	}
}

// Recent returns up to limit events, newest first.
func (m *MemoryEventLog) Recent(_ context.Context, limit int) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, 0, min(limit, len(m.events)))
	for i := len(m.events) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.events[i])
	}
	return out, nil
}

// RedisEventLog publishes events on a Redis channel and keeps a capped list
// of them for GET /forwarding/events.
type RedisEventLog struct {
	repo    *repository.RedisRepository
	channel string
	logKey  string
	logger  pslog.Logger
}

func NewRedisEventLog(repo *repository.RedisRepository, channel string, logger pslog.Logger) *RedisEventLog {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &RedisEventLog{repo: repo, channel: channel, logKey: channel + ":log", logger: logger}
}

func (r *RedisEventLog) Publish(ctx context.Context, ev Event) {
	r.logger.Warn(ev.Type,
		"forward_id", ev.ForwardID,
		"transaction_id", ev.TransactionID,
		"tenant_id", ev.TenantID,
		"attempts", ev.Attempts,
		"last_error", ev.LastError,
	)
	data, err := json.Marshal(ev)
	if err != nil {
		r.logger.Error("events.encode_failed", "type", ev.Type, "error", err)
		return
	}
	if err := r.repo.AppendEvent(ctx, r.channel, r.logKey, eventLogKeep, data); err != nil {
		r.logger.Error("events.publish_failed", "type", ev.Type, "channel", r.channel, "error", err)
	}
}

func (r *RedisEventLog) Recent(ctx context.Context, limit int) ([]Event, error) {
	raw, err := r.repo.RecentEvents(ctx, r.logKey, int64(limit))
	if err != nil {
		return nil, err
	}
	events := make([]Event, 0, len(raw))
	for _, data := range raw {
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			r.logger.Warn("events.decode_failed", "error", err)
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}
