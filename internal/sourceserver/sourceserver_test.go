package sourceserver

import (
	"context"
	"testing"
	"time"

	"github.com/g960059/agtmux/internal/model"
)

func TestNewBufferedSourceStartsDown(t *testing.T) {
	src := NewBufferedSource()
	if src.Health() != model.TargetHealthDown {
		t.Fatalf("expected Down health before any event, got %s", src.Health())
	}
}

func TestPullEventsNextCursorAlwaysPopulatedWhenCaughtUp(t *testing.T) {
	src := NewBufferedSource()
	now := time.Now().UTC()
	src.Append(model.EventEnvelope{EventID: "e1"}, now)
	src.Append(model.EventEnvelope{EventID: "e2"}, now)

	result, err := src.PullEvents(context.Background(), 1, 10)
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	if len(result.Events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(result.Events))
	}
	if result.NextCursor != 3 {
		t.Fatalf("expected next_cursor 3, got %d", result.NextCursor)
	}
	if result.SourceHealth != model.TargetHealthOK {
		t.Fatalf("expected OK health after append, got %s", result.SourceHealth)
	}

	// Caught up: pulling again from the returned cursor must still
	// populate next_cursor, or the consumer would retain its old
	// cursor and re-deliver the same events.
	caughtUp, err := src.PullEvents(context.Background(), result.NextCursor, 10)
	if err != nil {
		t.Fatalf("pull caught up: %v", err)
	}
	if len(caughtUp.Events) != 0 {
		t.Fatalf("expected no events when caught up, got %d", len(caughtUp.Events))
	}
	if caughtUp.NextCursor != 3 {
		t.Fatalf("expected next_cursor to remain 3 when caught up, got %d", caughtUp.NextCursor)
	}
}

func TestPullEventsRespectsLimit(t *testing.T) {
	src := NewBufferedSource()
	now := time.Now().UTC()
	for i := 0; i < 5; i++ {
		src.Append(model.EventEnvelope{EventID: "e"}, now)
	}
	result, err := src.PullEvents(context.Background(), 1, 2)
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	if len(result.Events) != 2 {
		t.Fatalf("expected 2 events with limit, got %d", len(result.Events))
	}
	if result.NextCursor != 3 {
		t.Fatalf("expected next_cursor 3 after partial pull, got %d", result.NextCursor)
	}
}

func TestCompactTruncatesStaleCursor(t *testing.T) {
	src := NewBufferedSource()
	now := time.Now().UTC()
	for i := 0; i < 5; i++ {
		src.Append(model.EventEnvelope{EventID: "e"}, now)
	}
	if err := src.Compact(context.Background(), 4); err != nil {
		t.Fatalf("compact: %v", err)
	}

	result, err := src.PullEvents(context.Background(), 1, 10)
	if err != nil {
		t.Fatalf("pull after compact: %v", err)
	}
	if !result.Truncated {
		t.Fatalf("expected Truncated=true when cursor is below compaction boundary")
	}
	if len(result.Events) != 2 {
		t.Fatalf("expected 2 remaining events (seq 4,5), got %d", len(result.Events))
	}
	if result.Events[0].Seq != 4 {
		t.Fatalf("expected first remaining seq to be 4, got %d", result.Events[0].Seq)
	}
}

func TestHeartbeatClearsDownHealth(t *testing.T) {
	src := NewBufferedSource()
	src.Heartbeat(time.Now().UTC())
	if src.Health() != model.TargetHealthOK {
		t.Fatalf("expected heartbeat to clear Down health, got %s", src.Health())
	}
}

func TestMarkDownOverridesHealth(t *testing.T) {
	src := NewBufferedSource()
	src.Append(model.EventEnvelope{EventID: "e1"}, time.Now().UTC())
	src.MarkDown()
	if src.Health() != model.TargetHealthDown {
		t.Fatalf("expected MarkDown to report Down, got %s", src.Health())
	}
}
