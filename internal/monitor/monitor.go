// Package monitor watches agent-to-agent communication and per-agent
// activity for suspicious behavior, escalating to identity revocation
// when an agent crosses its suspicion threshold.
package monitor

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/asthaai/sentinel/internal/audit"
	"github.com/asthaai/sentinel/internal/metrics"
)

// Rule names reported on suspicion events.
const (
	RuleFrequency      = "high_frequency"
	RulePayloadSize    = "large_payload"
	RuleRepeatedTarget = "repeated_target"
	RuleMagnitude      = "unrealistic_magnitude"
	RuleKeyword        = "denylist_keyword"
	RuleMalformed      = "malformed_payload"
)

var denylistKeywords = []string{
	"hack", "exploit", "bypass", "override",
	"unlimited", "infinite", "root", "admin",
}

const magnitudeLimit = 1e9

// Config holds monitoring thresholds. Zero values are replaced by
// defaults in NewCommunicationMonitor.
type Config struct {
	Window              time.Duration
	FrequencyThreshold  int
	PayloadByteLimit    int
	RevocationThreshold int

	// Agent activity channel.
	ActivityThreshold      int
	HighFrequencyThreshold int
	LargeAmountThreshold   float64
}

// RevokeFunc submits a revocation for an agent. Implementations must be
// idempotent; the monitor may call it at most once per agent but callers
// may race with other detection paths.
type RevokeFunc func(ctx context.Context, agentID, reason string) error

// CommRecord is one observed communication inside the sliding window.
type CommRecord struct {
	At       time.Time
	Target   string
	Type     string
	DataSize int
}

// CommunicationMonitor tracks per-source sliding windows and suspicion
// counters. All map access is serialized by mu; revocation dispatch
// happens outside the lock.
type CommunicationMonitor struct {
	cfg    Config
	logger *slog.Logger
	trail  *audit.Trail
	revoke RevokeFunc
	now    func() time.Time
	newID  func() string

	mu        sync.Mutex
	windows   map[string][]CommRecord
	suspicion map[string]int
	revoked   map[string]bool
	agents    map[string]*agentState
}

// Option configures a CommunicationMonitor.
type Option func(*CommunicationMonitor)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *CommunicationMonitor) { m.logger = l }
}

// WithAuditTrail sets the audit trail suspicion events are written to.
func WithAuditTrail(t *audit.Trail) Option {
	return func(m *CommunicationMonitor) { m.trail = t }
}

// WithRevoker sets the revocation dispatcher.
func WithRevoker(fn RevokeFunc) Option {
	return func(m *CommunicationMonitor) { m.revoke = fn }
}

// WithClock overrides the time source. Used in tests.
func WithClock(now func() time.Time) Option {
	return func(m *CommunicationMonitor) { m.now = now }
}

// WithIDGenerator overrides flag ID generation. Used in tests.
func WithIDGenerator(fn func() string) Option {
	return func(m *CommunicationMonitor) { m.newID = fn }
}

// SetRevoker wires the revocation dispatcher after construction.
// The supervisor binds itself here in supervisor.New, since the
// monitor is built first.
func (m *CommunicationMonitor) SetRevoker(fn RevokeFunc) {
	m.revoke = fn
}

// NewCommunicationMonitor creates a monitor with the given thresholds.
func NewCommunicationMonitor(cfg Config, opts ...Option) *CommunicationMonitor {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.FrequencyThreshold <= 0 {
		cfg.FrequencyThreshold = 5
	}
	if cfg.PayloadByteLimit <= 0 {
		cfg.PayloadByteLimit = 500000
	}
	if cfg.RevocationThreshold <= 0 {
		cfg.RevocationThreshold = 1
	}
	if cfg.ActivityThreshold <= 0 {
		cfg.ActivityThreshold = 1
	}
	if cfg.HighFrequencyThreshold <= 0 {
		cfg.HighFrequencyThreshold = 5
	}
	if cfg.LargeAmountThreshold <= 0 {
		cfg.LargeAmountThreshold = 50000
	}
	m := &CommunicationMonitor{
		cfg:       cfg,
		logger:    slog.Default(),
		now:       time.Now,
		newID:     func() string { return "FLAG" },
		windows:   make(map[string][]CommRecord),
		suspicion: make(map[string]int),
		revoked:   make(map[string]bool),
		agents:    make(map[string]*agentState),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Inspect records a communication from source to target and reports
// whether it is allowed. A revoked source is rejected without
// evaluation. A suspicious communication increments the source's
// counter; crossing the revocation threshold revokes the source.
func (m *CommunicationMonitor) Inspect(ctx context.Context, sourceID, targetID string, payload map[string]any, commType string) (bool, error) {
	now := m.now()

	payloadBytes, marshalErr := json.Marshal(payload)

	m.mu.Lock()
	if m.revoked[sourceID] {
		m.mu.Unlock()
		return false, nil
	}

	m.windows[sourceID] = append(m.windows[sourceID], CommRecord{
		At:       now,
		Target:   targetID,
		Type:     commType,
		DataSize: len(payloadBytes),
	})
	m.evictLocked(sourceID, now)

	rule := m.checkWindowLocked(sourceID, targetID, payloadBytes, marshalErr)
	escalate := false
	if rule != "" {
		m.suspicion[sourceID]++
		if m.suspicion[sourceID] >= m.cfg.RevocationThreshold {
			m.revokeLocked(sourceID)
			escalate = true
		}
	}
	m.mu.Unlock()

	if rule == "" {
		return true, nil
	}

	m.flag(sourceID, rule, map[string]any{"target": targetID, "type": commType})
	if escalate {
		m.dispatchRevocation(ctx, sourceID, "Revoked due to suspicious activity")
	}
	return false, nil
}

// revokeLocked marks the agent revoked and discards its tracking state.
// Revocation is terminal; the window, suspicion counter, and activity
// record go with the identity. Caller holds mu.
func (m *CommunicationMonitor) revokeLocked(agentID string) {
	m.revoked[agentID] = true
	delete(m.windows, agentID)
	delete(m.suspicion, agentID)
	delete(m.agents, agentID)
}

// Revoked reports whether the monitor has revoked the agent.
func (m *CommunicationMonitor) Revoked(agentID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.revoked[agentID]
}

// SuspicionCount returns the current suspicion counter for an agent.
func (m *CommunicationMonitor) SuspicionCount(agentID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.suspicion[agentID]
}

// Snapshot is a read-only view of an agent's monitoring state.
type Snapshot struct {
	AgentID        string       `json:"agent_id"`
	WindowSize     int          `json:"window_size"`
	SuspicionCount int          `json:"suspicion_count"`
	Revoked        bool         `json:"revoked"`
	ActivityCount  int          `json:"activity_count"`
	Department     string       `json:"department,omitempty"`
	TrustLevel     string       `json:"trust_level,omitempty"`
	LastActivity   *time.Time   `json:"last_activity,omitempty"`
	Recent         []CommRecord `json:"recent_communications,omitempty"`
}

// Snapshot returns the current monitoring state for an agent.
func (m *CommunicationMonitor) Snapshot(agentID string) Snapshot {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()

	m.evictLocked(agentID, now)
	snap := Snapshot{
		AgentID:        agentID,
		WindowSize:     len(m.windows[agentID]),
		SuspicionCount: m.suspicion[agentID],
		Revoked:        m.revoked[agentID],
	}
	if recs := m.windows[agentID]; len(recs) > 0 {
		snap.Recent = make([]CommRecord, len(recs))
		copy(snap.Recent, recs)
	}
	if st, ok := m.agents[agentID]; ok {
		snap.ActivityCount = st.activityCount
		snap.Department = st.department
		snap.TrustLevel = st.trustLevel
		if !st.lastActivity.IsZero() {
			t := st.lastActivity
			snap.LastActivity = &t
		}
	}
	return snap
}

// evictLocked drops window entries older than the configured window.
// Caller holds mu.
func (m *CommunicationMonitor) evictLocked(sourceID string, now time.Time) {
	recs := m.windows[sourceID]
	cutoff := now.Add(-m.cfg.Window)
	i := 0
	for i < len(recs) && recs[i].At.Before(cutoff) {
		i++
	}
	if i > 0 {
		m.windows[sourceID] = append(recs[:0], recs[i:]...)
	}
}

// checkWindowLocked evaluates the window rules and returns the first
// rule that fires, or "". Caller holds mu.
func (m *CommunicationMonitor) checkWindowLocked(sourceID, targetID string, payload []byte, marshalErr error) string {
	if marshalErr != nil {
		return RuleMalformed
	}
	recs := m.windows[sourceID]
	if len(recs) > m.cfg.FrequencyThreshold {
		return RuleFrequency
	}
	if len(payload) > m.cfg.PayloadByteLimit {
		return RulePayloadSize
	}
	targetCount := 0
	for _, r := range recs {
		if r.Target == targetID {
			targetCount++
		}
	}
	if targetCount > m.cfg.FrequencyThreshold/2 {
		return RuleRepeatedTarget
	}
	if unrealisticPayload(string(payload)) {
		return RuleMagnitude
	}
	if containsDenylistKeyword(string(payload)) {
		return RuleKeyword
	}
	return ""
}

// flag records a suspicion event on the audit trail and metrics.
func (m *CommunicationMonitor) flag(agentID, rule string, detail map[string]any) {
	m.logger.Warn("suspicious activity detected",
		"agent_id", agentID,
		"rule", rule,
	)
	metrics.SuspiciousEventsTotal.WithLabelValues(rule).Inc()
	if m.trail != nil {
		if detail == nil {
			detail = map[string]any{}
		}
		detail["flag_id"] = m.newID()
		m.trail.Suspicious(agentID, rule, detail)
	}
}

// dispatchRevocation submits the revocation outside the monitor lock.
// The agent stays in the revoked set regardless of dispatch outcome.
func (m *CommunicationMonitor) dispatchRevocation(ctx context.Context, agentID, reason string) {
	if m.revoke == nil {
		return
	}
	if err := m.revoke(ctx, agentID, reason); err != nil {
		m.logger.Error("revocation dispatch failed",
			"agent_id", agentID,
			"error", err,
		)
		if m.trail != nil {
			m.trail.Revocation(agentID, "failed", map[string]any{"reason": reason, "error": err.Error()})
		}
		return
	}
	m.logger.Info("identity revoked", "agent_id", agentID, "reason", reason)
	if m.trail != nil {
		m.trail.Revocation(agentID, "revoked", map[string]any{"reason": reason})
	}
}

// unrealisticPayload reports whether any numeric token in the payload
// exceeds the magnitude limit. The payload is split on everything that
// cannot be part of a number, so values inside JSON structure and
// embedded in strings are both seen.
func unrealisticPayload(s string) bool {
	tokens := strings.FieldsFunc(s, func(r rune) bool {
		return (r < '0' || r > '9') && r != '+' && r != '-' && r != '.' && r != 'e' && r != 'E'
	})
	for _, tok := range tokens {
		if v, err := strconv.ParseFloat(tok, 64); err == nil {
			if v > magnitudeLimit || v < -magnitudeLimit {
				return true
			}
		}
	}
	return false
}

// containsDenylistKeyword reports whether the string mentions any
// denylisted keyword, case-insensitively.
func containsDenylistKeyword(s string) bool {
	lower := strings.ToLower(s)
	for _, kw := range denylistKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
