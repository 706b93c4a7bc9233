package services

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/iamrgalisanao/tsms-dev-sub004/internal/repository"
)

func TestMemoryEventLogNewestFirstAndCapped(t *testing.T) {
	log := NewMemoryEventLog(nil)
	ctx := context.Background()
	for i := int64(1); i <= eventLogKeep+5; i++ {
		log.Publish(ctx, Event{Type: EventForwardPermanentlyFailed, ForwardID: i})
	}

	all, err := log.Recent(ctx, eventLogKeep+100)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(all) != eventLogKeep {
		t.Fatalf("expected %d retained events, got %d", eventLogKeep, len(all))
	}
	if all[0].ForwardID != eventLogKeep+5 || all[len(all)-1].ForwardID != 6 {
		t.Fatalf("expected newest first from 505 down to 6, got %d..%d", all[0].ForwardID, all[len(all)-1].ForwardID)
	}

	two, _ := log.Recent(ctx, 2)
	if len(two) != 2 || two[1].ForwardID != eventLogKeep+4 {
		t.Fatalf("expected the two newest events, got %+v", two)
	}
}

func TestRedisEventLogRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	log := NewRedisEventLog(repository.NewRedisRepositoryFromClient(client), "tsms:forwarding:events", nil)
	ctx := context.Background()

	log.Publish(ctx, Event{Type: EventForwardPermanentlyFailed, ForwardID: 1, TransactionID: "a", LastError: "webapp returned HTTP 500"})
	log.Publish(ctx, Event{Type: EventForwardPermanentlyFailed, ForwardID: 2, TransactionID: "b"})

	if !mr.Exists("tsms:forwarding:events:log") {
		t.Fatalf("expected capped event list to exist")
	}
	events, err := log.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(events) != 2 || events[0].ForwardID != 2 || events[1].LastError != "webapp returned HTTP 500" {
		t.Fatalf("expected both events newest first, got %+v", events)
	}
}
