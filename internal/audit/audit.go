// Package audit records every decision the engine makes to an
// append-only trail. Writes are asynchronous and drop under
// backpressure rather than stall the hot path.
package audit

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Event types written to the trail.
const (
	TypeAccess        = "access"
	TypeRisk          = "risk"
	TypePattern       = "pattern"
	TypeSuspicious    = "suspicious"
	TypeRevocation    = "revocation"
	TypeCommunication = "communication"
)

const (
	trailChanSize  = 4096
	trailBatchSize = 100
	trailFlushMs   = 500
)

// Event is one audit record.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	AgentID   string         `json:"agent_id,omitempty"`
	Action    string         `json:"action,omitempty"`
	Outcome   string         `json:"outcome,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Sink persists batches of events.
type Sink interface {
	WriteEvents(ctx context.Context, events []*Event) error
}

// Trail asynchronously batches events to a Sink.
type Trail struct {
	sink     Sink
	logger   *slog.Logger
	newID    func() string
	now      func() time.Time
	ch       chan *Event
	stop     chan struct{}
	running  atomic.Bool
	dropped  atomic.Int64
	degraded atomic.Bool
}

// NewTrail creates a trail writing to sink. newID generates event IDs.
func NewTrail(sink Sink, logger *slog.Logger, newID func() string) *Trail {
	return &Trail{
		sink:   sink,
		logger: logger,
		newID:  newID,
		now:    time.Now,
		ch:     make(chan *Event, trailChanSize),
		stop:   make(chan struct{}),
	}
}

// Record enqueues an event. Non-blocking: drops and increments a counter
// if the channel is full.
func (t *Trail) Record(eventType, agentID, action, outcome string, detail map[string]any) {
	ev := &Event{
		ID:        t.newID(),
		Type:      eventType,
		AgentID:   agentID,
		Action:    action,
		Outcome:   outcome,
		Detail:    detail,
		Timestamp: t.now().UTC(),
	}
	select {
	case t.ch <- ev:
	default:
		t.dropped.Add(1)
	}
}

// Access records an access-control check.
func (t *Trail) Access(agentID, action, outcome string) {
	t.Record(TypeAccess, agentID, action, outcome, nil)
}

// Risk records a transaction risk decision.
func (t *Trail) Risk(agentID, outcome string, detail map[string]any) {
	t.Record(TypeRisk, agentID, "analyze_transaction", outcome, detail)
}

// Pattern records a pattern-analysis run.
func (t *Trail) Pattern(agentID string, detail map[string]any) {
	t.Record(TypePattern, agentID, "read_patterns", "completed", detail)
}

// Suspicious records a suspicion raised against an agent.
func (t *Trail) Suspicious(agentID, rule string, detail map[string]any) {
	t.Record(TypeSuspicious, agentID, rule, "flagged", detail)
}

// Revocation records a revocation attempt and its result.
func (t *Trail) Revocation(agentID, outcome string, detail map[string]any) {
	t.Record(TypeRevocation, agentID, "revoke_identity", outcome, detail)
}

// Communication records an inspected agent communication.
func (t *Trail) Communication(agentID, outcome string, detail map[string]any) {
	t.Record(TypeCommunication, agentID, "monitor_communication", outcome, detail)
}

// Dropped returns the number of events dropped due to a full channel.
func (t *Trail) Dropped() int64 {
	return t.dropped.Load()
}

// Degraded reports whether the last flush to the sink failed.
func (t *Trail) Degraded() bool {
	return t.degraded.Load()
}

// Start begins draining the channel and flushing batches. Call in a goroutine.
func (t *Trail) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(time.Duration(trailFlushMs) * time.Millisecond)
	defer ticker.Stop()

	var buf []*Event

	for {
		select {
		case <-ctx.Done():
			t.flush(buf)
			return
		case <-t.stop:
			t.flush(buf)
			return
		case ev := <-t.ch:
			buf = append(buf, ev)
			if len(buf) >= trailBatchSize {
				t.flush(buf)
				buf = nil
			}
		case <-ticker.C:
			if len(buf) > 0 {
				t.flush(buf)
				buf = nil
			}
		}
	}
}

// Stop signals the trail to flush remaining events and exit.
func (t *Trail) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

// Running reports whether the writer loop is active.
func (t *Trail) Running() bool {
	return t.running.Load()
}

func (t *Trail) flush(buf []*Event) {
	if len(buf) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := t.sink.WriteEvents(ctx, buf); err != nil {
		t.degraded.Store(true)
		t.logger.Error("audit flush failed", "count", len(buf), "error", err)
		return
	}
	t.degraded.Store(false)
}
