// Package sourceserver implements the pull-based Source Server
// Contract every event source exposes to the gateway: pull_events(cursor,
// limit) -> {events, next_cursor, heartbeat_ts, source_health} and
// compact(up_to_seq).
package sourceserver

import (
	"context"
	"sync"
	"time"

	"github.com/g960059/agtmux/internal/model"
)

// Source is the contract a translator, poller, or wrapper stream
// exposes to the gateway.
type Source interface {
	PullEvents(ctx context.Context, cursor uint64, limit int) (PullResult, error)
	Compact(ctx context.Context, upToSeq uint64) error
	Health() model.TargetHealth
}

// SequencedEvent pairs a durable sequence number with the envelope the
// gateway will hand to the ingest engine.
type SequencedEvent struct {
	Seq   uint64
	Event model.EventEnvelope
}

// PullResult is the pull_events response. NextCursor is always
// populated, even when caught up: a caller that gets back an empty
// cursor while caught up would retain its old cursor and re-deliver
// the same events, which the contract forbids.
type PullResult struct {
	Events       []SequencedEvent
	NextCursor   uint64
	HeartbeatTS  time.Time
	SourceHealth model.TargetHealth
	// Truncated reports the requested cursor was older than the
	// compaction boundary and was clamped forward to the buffer's
	// current start. The gateway must feed this into its
	// invalid-cursor tracker (internal/gateway.InvalidCursorTracker).
	Truncated bool
}

// BufferedSource is an in-memory, append-only ordered event buffer
// implementing Source. A poller or translator appends events as it
// observes them; the gateway pump pulls them out in order.
type BufferedSource struct {
	mu        sync.Mutex
	events    []SequencedEvent
	nextSeq   uint64
	start     uint64
	heartbeat time.Time
	health    model.TargetHealth
}

// NewBufferedSource creates an empty buffer. A source that has never
// produced an event reports health Down, matching the translator
// health rule in the Source Server Contract.
func NewBufferedSource() *BufferedSource {
	return &BufferedSource{nextSeq: 1, start: 1, health: model.TargetHealthDown}
}

// Append records a newly observed event, assigns it the next sequence
// number, and marks the source healthy. Returns the assigned seq.
func (b *BufferedSource) Append(ev model.EventEnvelope, at time.Time) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	seq := b.nextSeq
	b.nextSeq++
	b.events = append(b.events, SequencedEvent{Seq: seq, Event: ev})
	b.heartbeat = at
	b.health = model.TargetHealthOK
	return seq
}

// Heartbeat records liveness with no new event, e.g. a poll tick that
// observed nothing new. It clears a prior Down health without
// requiring a fabricated event.
func (b *BufferedSource) Heartbeat(at time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.heartbeat = at
	if b.health == model.TargetHealthDown {
		b.health = model.TargetHealthOK
	}
}

// MarkDown reports the source unable to produce events, e.g. its
// backing target went unreachable.
func (b *BufferedSource) MarkDown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.health = model.TargetHealthDown
}

// Health returns the source's last-reported health.
func (b *BufferedSource) Health() model.TargetHealth {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.health
}

// PullEvents returns events at or after cursor, up to limit. A cursor
// older than the compaction boundary is clamped forward and reported
// via Truncated rather than erroring.
func (b *BufferedSource) PullEvents(_ context.Context, cursor uint64, limit int) (PullResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	truncated := false
	if cursor < b.start {
		cursor = b.start
		truncated = true
	}
	if limit <= 0 {
		limit = 256
	}

	out := make([]SequencedEvent, 0, limit)
	next := cursor
	for _, se := range b.events {
		if se.Seq < cursor {
			continue
		}
		if len(out) >= limit {
			break
		}
		out = append(out, se)
		next = se.Seq + 1
	}
	if len(out) == 0 {
		next = b.nextSeq
	}

	return PullResult{
		Events:       out,
		NextCursor:   next,
		HeartbeatTS:  b.heartbeat,
		SourceHealth: b.health,
		Truncated:    truncated,
	}, nil
}

// Compact drops buffered events below upToSeq, releasing their
// storage. Presenting a cursor older than the new start afterward is
// handled by PullEvents' clamp-and-report behavior, not by Compact
// itself.
func (b *BufferedSource) Compact(_ context.Context, upToSeq uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if upToSeq <= b.start {
		return nil
	}
	kept := make([]SequencedEvent, 0, len(b.events))
	for _, se := range b.events {
		if se.Seq >= upToSeq {
			kept = append(kept, se)
		}
	}
	b.events = kept
	b.start = upToSeq
	return nil
}
