// Package supervisor coordinates risk scoring, pattern analysis,
// communication monitoring, and identity revocation behind a single
// policy-checked surface.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/asthaai/sentinel/internal/audit"
	"github.com/asthaai/sentinel/internal/iam"
	"github.com/asthaai/sentinel/internal/identity"
	"github.com/asthaai/sentinel/internal/idgen"
	"github.com/asthaai/sentinel/internal/metrics"
	"github.com/asthaai/sentinel/internal/monitor"
	"github.com/asthaai/sentinel/internal/retry"
	"github.com/asthaai/sentinel/internal/risk"
	"github.com/asthaai/sentinel/internal/syncutil"
	"github.com/asthaai/sentinel/internal/traces"
)

// ErrNotInitialized is returned when an operation runs before Init.
var ErrNotInitialized = errors.New("supervisor: identity not initialized")

// Notifier receives decision and suspicion events for realtime fan-out.
type Notifier interface {
	Publish(eventType string, payload any)
}

// Supervisor is the risk engine coordinator. It owns the idempotent
// decision cache and the terminal set of revoked agents; scoring and
// rule evaluation live in the risk, phishing, and monitor packages.
type Supervisor struct {
	authority identity.Authority
	verifier  iam.Verifier
	store     risk.Store
	patterns  *risk.PatternAnalyzer
	monitor   *monitor.CommunicationMonitor
	trail     *audit.Trail
	gate      Gate
	notifier  Notifier
	logger    *slog.Logger
	newID     func(prefix string) string
	now       func() time.Time

	revokeMaxAttempts int
	revokeBaseDelay   time.Duration

	conn *identity.Connection // own credential, set by Init

	locks syncutil.ShardedMutex

	// mu guards the maps below. Revocation dispatch never runs while
	// it is held.
	mu        sync.Mutex
	decisions map[string]*Decision
	flags     map[string]*FlagRecord
	revoked   map[string]*identity.Receipt
}

// Option configures the Supervisor.
type Option func(*Supervisor)

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Supervisor) { s.logger = l }
}

// WithGate overrides the high-risk policy gate.
func WithGate(g Gate) Option {
	return func(s *Supervisor) { s.gate = g }
}

// WithAuditTrail sets the audit trail.
func WithAuditTrail(t *audit.Trail) Option {
	return func(s *Supervisor) { s.trail = t }
}

// WithNotifier sets the realtime event notifier.
func WithNotifier(n Notifier) Option {
	return func(s *Supervisor) { s.notifier = n }
}

// WithClock overrides the time source. Used in tests.
func WithClock(now func() time.Time) Option {
	return func(s *Supervisor) { s.now = now }
}

// WithIDGenerator overrides ID generation. Used in tests.
func WithIDGenerator(fn func(prefix string) string) Option {
	return func(s *Supervisor) { s.newID = fn }
}

// WithRevocationRetry sets the revocation retry policy.
func WithRevocationRetry(maxAttempts int, baseDelay time.Duration) Option {
	return func(s *Supervisor) {
		s.revokeMaxAttempts = maxAttempts
		s.revokeBaseDelay = baseDelay
	}
}

// New creates a Supervisor. The monitor's revoker is wired to the
// supervisor's exactly-once revocation path.
func New(authority identity.Authority, verifier iam.Verifier, store risk.Store, mon *monitor.CommunicationMonitor, opts ...Option) *Supervisor {
	s := &Supervisor{
		authority:         authority,
		verifier:          verifier,
		store:             store,
		monitor:           mon,
		gate:              StaticGate(false),
		logger:            slog.Default(),
		newID:             idgen.Tag,
		now:               time.Now,
		revokeMaxAttempts: 3,
		revokeBaseDelay:   200 * time.Millisecond,
		decisions:         make(map[string]*Decision),
		flags:             make(map[string]*FlagRecord),
		revoked:           make(map[string]*identity.Receipt),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.patterns = risk.NewPatternAnalyzer(func() string { return s.newID("PATTERN") }, s.now)
	if mon != nil {
		mon.SetRevoker(s.RevokeAgentIdentity)
	}
	return s
}

// Init establishes and verifies the supervisor's own identity with the
// authority. Every exposed operation requires it.
func (s *Supervisor) Init(ctx context.Context) error {
	conn, err := s.authority.EstablishIdentity(ctx, "risk-agent", "agent", map[string]string{
		"department":  "Risk",
		"trust_level": "high",
	})
	if err != nil {
		return fmt.Errorf("establish identity: %w", err)
	}
	ok, err := s.authority.VerifyIdentity(ctx, conn)
	if err != nil {
		return fmt.Errorf("verify identity: %w", err)
	}
	if !ok {
		return fmt.Errorf("identity verification rejected for %s", conn.ID)
	}
	s.conn = conn
	s.logger.Info("supervisor identity established", "agent_id", conn.ID)
	return nil
}

// AgentID returns the supervisor's own credential identifier.
func (s *Supervisor) AgentID() string {
	if s.conn == nil {
		return ""
	}
	return s.conn.ID
}

// checkAccess verifies the operation against the risk policy. Denials
// are recorded on the audit trail before the error is returned.
func (s *Supervisor) checkAccess(ctx context.Context, action string) error {
	if s.conn == nil {
		return ErrNotInitialized
	}
	if err := s.verifier.CheckAccess(ctx, s.conn.ID, action, iam.DefaultPolicyCode); err != nil {
		s.logger.Warn("access denied", "action", action, "error", err)
		if s.trail != nil {
			s.trail.Access(s.conn.ID, action, "denied")
		}
		return err
	}
	return nil
}

// AnalyzeTransaction scores a transaction and decides its disposition.
// The decision is computed at most once per transaction fingerprint;
// replays return the cached decision verbatim, so a Revoked decision
// never re-submits its revocation.
func (s *Supervisor) AnalyzeTransaction(ctx context.Context, tx *risk.Transaction) (*Decision, error) {
	if err := s.checkAccess(ctx, iam.ActionAnalyzeTransaction); err != nil {
		return nil, err
	}
	if tx == nil || tx.ID == "" {
		return nil, &risk.ValidationError{Field: "transaction_id", Value: "", Err: errors.New("missing")}
	}
	if tx.Timestamp != "" {
		if _, err := risk.ParseTimestamp(tx.Timestamp); err != nil {
			return nil, &risk.ValidationError{Field: "timestamp", Value: tx.Timestamp, Err: err}
		}
	}

	ctx, span := traces.StartSpan(ctx, "supervisor.AnalyzeTransaction",
		traces.TransactionID(tx.ID), traces.AgentID(tx.ActorID))
	defer span.End()

	fp := tx.Fingerprint()
	unlock := s.locks.Lock(fp)
	defer unlock()

	s.mu.Lock()
	cached, ok := s.decisions[fp]
	s.mu.Unlock()
	if ok {
		metrics.DecisionCacheHitsTotal.WithLabelValues("hit").Inc()
		s.logger.Debug("decision cache hit", "fingerprint", fp)
		return cached, nil
	}
	metrics.DecisionCacheHitsTotal.WithLabelValues("miss").Inc()

	assessment, err := risk.Score(tx, s.now(), s.newID("RISK"))
	if err != nil {
		return nil, err
	}
	metrics.AssessmentsTotal.WithLabelValues(assessment.Level.String()).Inc()

	decision, err := s.decide(ctx, tx, assessment)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.decisions[fp] = decision
	s.mu.Unlock()

	if decision.Analysis != nil && s.store != nil {
		if err := s.store.Record(ctx, assessment); err != nil {
			s.logger.Error("assessment persistence failed", "risk_id", assessment.RiskID, "error", err)
		}
	}

	metrics.DecisionsTotal.WithLabelValues(string(decision.Outcome)).Inc()
	if s.trail != nil {
		s.trail.Risk(tx.ActorID, string(decision.Outcome), map[string]any{
			"transaction_id": tx.ID,
			"risk_id":        assessment.RiskID,
			"risk_level":     assessment.Level.String(),
		})
	}
	if s.notifier != nil {
		s.notifier.Publish("decision", decision)
	}
	span.SetAttributes(traces.RiskLevel(assessment.Level.String()), traces.Outcome(string(decision.Outcome)))
	s.logger.Info("transaction analyzed",
		"transaction_id", tx.ID,
		"risk_level", assessment.Level.String(),
		"outcome", string(decision.Outcome),
	)
	return decision, nil
}

// decide maps an assessment onto a disposition, consulting the policy
// gate and revoking the payment agent on the blocking paths.
func (s *Supervisor) decide(ctx context.Context, tx *risk.Transaction, a *risk.Assessment) (*Decision, error) {
	highRisk := a.Level >= risk.High
	if !highRisk || tx.PaymentAgentID == "" {
		return &Decision{Outcome: Allowed, Level: a.Level, Analysis: a}, nil
	}

	if tx.RiskRejected {
		receipt, err := s.RevokeAgent(ctx, tx.PaymentAgentID, "Revoked due to risk rejection")
		if err != nil {
			return nil, err
		}
		return &Decision{
			Outcome: Revoked,
			Message: "Transaction cancelled - payment agent revoked due to risk rejection",
			Level:   a.Level,
			Receipt: receipt,
		}, nil
	}

	allow, err := s.gate.Decide()
	if err != nil {
		// A gate that cannot persist still decided; honor the decision
		// and surface the persistence problem in the log.
		s.logger.Error("gate state persistence failed", "error", err)
	}
	if allow {
		return &Decision{
			Outcome:  Allowed,
			Message:  "High risk detected, but transaction allowed",
			Level:    a.Level,
			Analysis: a,
		}, nil
	}

	receipt, err := s.RevokeAgent(ctx, tx.PaymentAgentID, "Revoked due to high risk")
	if err != nil {
		return nil, err
	}
	return &Decision{
		Outcome: Revoked,
		Message: "Transaction automatically cancelled - payment agent revoked due to high risk",
		Level:   a.Level,
		Receipt: receipt,
	}, nil
}

// FlagSuspicious raises a manual suspicion flag on a transaction.
func (s *Supervisor) FlagSuspicious(ctx context.Context, transactionID, reason string) (*FlagRecord, error) {
	if err := s.checkAccess(ctx, iam.ActionFlagSuspicious); err != nil {
		return nil, err
	}
	if transactionID == "" {
		return nil, &risk.ValidationError{Field: "transaction_id", Value: "", Err: errors.New("missing")}
	}

	flag := &FlagRecord{
		FlagID:         s.newID("FLAG"),
		TransactionID:  transactionID,
		FlagTime:       s.now().UTC(),
		Reason:         reason,
		Status:         "FLAGGED",
		RequiresReview: true,
		Message:        "Transaction has been flagged for suspicious activity",
	}

	s.mu.Lock()
	s.flags[flag.FlagID] = flag
	s.mu.Unlock()

	metrics.SuspiciousEventsTotal.WithLabelValues("manual_flag").Inc()
	if s.trail != nil {
		s.trail.Suspicious(s.conn.ID, "manual_flag", map[string]any{
			"flag_id":        flag.FlagID,
			"transaction_id": transactionID,
			"reason":         reason,
		})
	}
	if s.notifier != nil {
		s.notifier.Publish("flag", flag)
	}
	return flag, nil
}

// AnalyzePatterns runs pattern analysis over a transaction sequence.
func (s *Supervisor) AnalyzePatterns(ctx context.Context, txs []risk.Transaction) (*risk.PatternAnalysis, error) {
	if err := s.checkAccess(ctx, iam.ActionReadPatterns); err != nil {
		return nil, err
	}
	analysis, cached, err := s.patterns.Analyze(txs)
	if err != nil {
		return nil, err
	}
	if cached {
		s.logger.Debug("pattern cache hit", "pattern_id", analysis.PatternID)
	}
	if s.trail != nil {
		s.trail.Pattern(s.conn.ID, map[string]any{
			"pattern_id":         analysis.PatternID,
			"transactions":       len(txs),
			"overall_risk_level": analysis.Overall.String(),
			"cached":             cached,
		})
	}
	return analysis, nil
}

// MonitorCommunication inspects one agent-to-agent communication and
// reports whether it may proceed.
func (s *Supervisor) MonitorCommunication(ctx context.Context, sourceID, targetID string, payload map[string]any, commType string) (bool, error) {
	if err := s.checkAccess(ctx, iam.ActionMonitorCommunication); err != nil {
		return false, err
	}
	if sourceID == "" || targetID == "" {
		return false, &risk.ValidationError{Field: "agent_id", Value: "", Err: errors.New("missing source or target")}
	}
	allowed, err := s.monitor.Inspect(ctx, sourceID, targetID, payload, commType)
	if s.trail != nil {
		outcome := "allowed"
		if !allowed {
			outcome = "denied"
		}
		s.trail.Communication(sourceID, outcome, map[string]any{
			"target": targetID,
			"type":   commType,
		})
	}
	return allowed, err
}

// MonitorAgentActivity records an activity for a connected agent,
// resolving the agent's connection from the authority. Unknown agents
// are denied.
func (s *Supervisor) MonitorAgentActivity(ctx context.Context, agentID, action string, details map[string]any) (bool, error) {
	if err := s.checkAccess(ctx, iam.ActionMonitorCommunication); err != nil {
		return false, err
	}
	conn, err := s.authority.GetAgentConnection(ctx, agentID)
	if err != nil {
		s.logger.Warn("agent connection lookup failed", "agent_id", agentID, "error", err)
		return false, err
	}
	return s.monitor.MonitorAgent(ctx, conn, action, details)
}

// AgentSnapshot returns the monitoring state for one agent.
func (s *Supervisor) AgentSnapshot(agentID string) monitor.Snapshot {
	return s.monitor.Snapshot(agentID)
}

// ListAssessments returns recent persisted assessments for an actor.
func (s *Supervisor) ListAssessments(ctx context.Context, actorID string, limit int) ([]*risk.Assessment, error) {
	if s.store == nil {
		return nil, nil
	}
	return s.store.ListByActor(ctx, actorID, limit)
}

// RevokeAgent revokes an agent's identity exactly once. A repeated call
// for the same agent returns the stored receipt without contacting the
// authority again. Dispatch retries transient failures with backoff.
func (s *Supervisor) RevokeAgent(ctx context.Context, agentID, reason string) (*identity.Receipt, error) {
	s.mu.Lock()
	if receipt, done := s.revoked[agentID]; done {
		s.mu.Unlock()
		return receipt, nil
	}
	s.mu.Unlock()

	var receipt *identity.Receipt
	err := retry.Do(ctx, s.revokeMaxAttempts, s.revokeBaseDelay, func() error {
		r, err := s.authority.RevokeIdentity(ctx, agentID, reason)
		if err != nil {
			return err
		}
		receipt = r
		return nil
	})
	if err != nil {
		metrics.RevocationsTotal.WithLabelValues("failed").Inc()
		if s.trail != nil {
			s.trail.Revocation(agentID, "failed", map[string]any{"reason": reason, "error": err.Error()})
		}
		return nil, fmt.Errorf("revoke agent %s: %w", agentID, err)
	}

	s.mu.Lock()
	s.revoked[agentID] = receipt
	s.mu.Unlock()

	metrics.RevocationsTotal.WithLabelValues("revoked").Inc()
	if s.trail != nil {
		s.trail.Revocation(agentID, "revoked", map[string]any{
			"reason":    reason,
			"reference": receipt.Reference,
		})
	}
	if s.notifier != nil {
		s.notifier.Publish("revocation", receipt)
	}
	s.logger.Info("agent identity revoked", "agent_id", agentID, "reason", reason)
	return receipt, nil
}

// RevokeAgentIdentity adapts RevokeAgent to the monitor's RevokeFunc.
func (s *Supervisor) RevokeAgentIdentity(ctx context.Context, agentID, reason string) error {
	_, err := s.RevokeAgent(ctx, agentID, reason)
	return err
}

// RevokedAgent reports whether the supervisor has revoked the agent.
func (s *Supervisor) RevokedAgent(agentID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.revoked[agentID]
	return ok
}
