package sourceserver

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/g960059/agtmux/internal/gateway"
	"github.com/g960059/agtmux/internal/model"
)

// IngestEngine is the subset of ingest.Engine the pump depends on.
type IngestEngine interface {
	Ingest(ctx context.Context, ev model.EventEnvelope) error
}

// sourceState is the gateway-side bookkeeping for one registered
// source: its cursor watermarks and invalid-cursor recovery streak.
type sourceState struct {
	source     Source
	watermarks *gateway.CursorWatermarks
	invalid    *gateway.InvalidCursorTracker
}

// Pump is the gateway's pull loop: it periodically drains every
// registered Source in registration order, advances that source's
// fetched/committed watermarks, and forwards events into the ingest
// engine. It never reorders events within a source; across sources it
// pulls (and therefore ingests) in a fixed, sorted order.
type Pump struct {
	mu           sync.Mutex
	engine       IngestEngine
	sources      map[string]*sourceState
	limit        int
	skipIngestOK func(error) bool
}

// NewPump creates a pump forwarding into the given ingest engine, with
// the Source Server Contract's default pull batch size.
func NewPump(engine IngestEngine) *Pump {
	return &Pump{engine: engine, sources: map[string]*sourceState{}, limit: 256, skipIngestOK: func(error) bool { return false }}
}

// SetSkipIngestError installs a predicate for Ingest errors that are
// expected per-event rejections (duplicate, out-of-order, idempotency
// conflict): the pump logs these as non-fatal and keeps draining the
// rest of the pulled batch instead of aborting the tick. Nil resets to
// treating every error as fatal.
func (p *Pump) SetSkipIngestError(ok func(error) bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ok == nil {
		ok = func(error) bool { return false }
	}
	p.skipIngestOK = ok
}

// Register attaches a named source. Re-registering the same name
// resets its watermarks, since a fresh Source starts at sequence 1.
func (p *Pump) Register(name string, src Source) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sources[name] = &sourceState{
		source:     src,
		watermarks: gateway.NewCursorWatermarks(),
		invalid:    gateway.NewInvalidCursorTracker(),
	}
}

// Unregister removes a source, e.g. when its target is deleted.
func (p *Pump) Unregister(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.sources, name)
}

// Tick pulls pending events from every registered source and ingests
// them, then compacts each source up to its committed watermark so the
// buffer never grows past what every consumer has acknowledged.
func (p *Pump) Tick(ctx context.Context) error {
	for _, name := range p.sourceNames() {
		if err := p.pullOne(ctx, name); err != nil {
			return fmt.Errorf("pull source %s: %w", name, err)
		}
	}
	return nil
}

func (p *Pump) sourceNames() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, 0, len(p.sources))
	for name := range p.sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (p *Pump) pullOne(ctx context.Context, name string) error {
	p.mu.Lock()
	st, ok := p.sources[name]
	p.mu.Unlock()
	if !ok {
		return nil
	}

	result, err := st.source.PullEvents(ctx, st.watermarks.Fetched, p.limit)
	if err != nil {
		return err
	}

	if result.Truncated {
		st.invalid.RecordInvalid()
	} else {
		st.invalid.RecordValid()
	}

	p.mu.Lock()
	skipOK := p.skipIngestOK
	p.mu.Unlock()

	for _, se := range result.Events {
		if err := p.engine.Ingest(ctx, se.Event); err != nil && !skipOK(err) {
			return fmt.Errorf("ingest seq=%d: %w", se.Seq, err)
		}
	}

	if err := st.watermarks.AdvanceFetched(result.NextCursor); err != nil {
		return err
	}
	if err := st.watermarks.Commit(result.NextCursor); err != nil {
		return err
	}
	return st.source.Compact(ctx, st.watermarks.Committed)
}

// SourceHealth reports the last-known health of a registered source.
func (p *Pump) SourceHealth(name string) (model.TargetHealth, bool) {
	p.mu.Lock()
	st, ok := p.sources[name]
	p.mu.Unlock()
	if !ok {
		return "", false
	}
	return st.source.Health(), true
}

// InvalidCursorStreak reports the consecutive invalid-pull streak for
// a registered source, for observability.
func (p *Pump) InvalidCursorStreak(name string) (uint32, bool) {
	p.mu.Lock()
	st, ok := p.sources[name]
	p.mu.Unlock()
	if !ok {
		return 0, false
	}
	return st.invalid.Streak(), true
}
