package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/asthaai/sentinel/internal/identity"
	"github.com/asthaai/sentinel/internal/phishing"
)

// agentState tracks activity for one monitored agent. Access is
// serialized by the monitor mutex.
type agentState struct {
	suspiciousCount int
	activityCount   int
	lastActivity    time.Time
	lastReset       time.Time
	department      string
	trustLevel      string
}

// MonitorAgent records an activity performed by a connected agent and
// reports whether it is allowed. Suspicious activities accumulate; at
// the activity threshold the agent is revoked and the action denied.
// Errors during evaluation fail safe and deny the action.
func (m *CommunicationMonitor) MonitorAgent(ctx context.Context, conn *identity.Connection, action string, details map[string]any) (bool, error) {
	if conn == nil || conn.ID == "" {
		return false, fmt.Errorf("monitor agent: missing connection")
	}
	agentID := conn.ID
	now := m.now()

	m.mu.Lock()
	if m.revoked[agentID] {
		m.mu.Unlock()
		return false, nil
	}

	st, ok := m.agents[agentID]
	if !ok {
		st = &agentState{
			lastReset:  now,
			department: conn.Department,
			trustLevel: conn.TrustLevel,
		}
		m.agents[agentID] = st
	}
	if now.Sub(st.lastReset) >= m.cfg.Window {
		st.activityCount = 0
		st.lastReset = now
	}
	st.lastActivity = now
	st.activityCount++

	rule, err := m.checkActivityLocked(st, action, details)
	if err != nil {
		// Evaluation failed. Revoke if the agent already sits at the
		// threshold, otherwise just deny this action.
		escalate := st.suspiciousCount >= m.cfg.ActivityThreshold
		if escalate {
			m.revokeLocked(agentID)
		}
		m.mu.Unlock()
		m.logger.Error("agent monitoring failed", "agent_id", agentID, "error", err)
		if escalate {
			m.dispatchRevocation(ctx, agentID, "Revoked due to suspicious activity")
		}
		return false, err
	}
	if rule == "" {
		m.mu.Unlock()
		return true, nil
	}

	st.suspiciousCount++
	escalate := st.suspiciousCount >= m.cfg.ActivityThreshold
	if escalate {
		m.revokeLocked(agentID)
	}
	m.mu.Unlock()

	detail := map[string]any{"action": action}
	if txID, ok := details["transaction_id"]; ok {
		detail["transaction_id"] = txID
	}
	m.flag(agentID, rule, detail)
	if escalate {
		m.dispatchRevocation(ctx, agentID, "Revoked due to suspicious activity")
	}
	return false, nil
}

// checkActivityLocked runs the per-activity rules and returns the first
// that fires, or "". Caller holds mu.
func (m *CommunicationMonitor) checkActivityLocked(st *agentState, action string, details map[string]any) (string, error) {
	if st.activityCount > m.cfg.HighFrequencyThreshold {
		return RuleFrequency, nil
	}

	if raw, ok := details["amount"]; ok {
		// An unparseable amount is ignored here; the transaction
		// analysis path rejects it with a validation error.
		if amount, err := toFloat(raw); err == nil && amount > m.cfg.LargeAmountThreshold {
			return RuleLargeAmount, nil
		}
	}

	detailsJSON, err := json.Marshal(details)
	if err != nil {
		return "", fmt.Errorf("encode activity details: %w", err)
	}
	if containsDenylistKeyword(action) || containsDenylistKeyword(string(detailsJSON)) {
		return RuleKeyword, nil
	}

	switch st.department {
	case "Payment":
		return m.checkPaymentPatterns(details)
	case "Order":
		return m.checkOrderPatterns(details)
	}
	return "", nil
}

// Payment agents are screened for phishing and for payment-shaped
// abuse. Malformed values fail safe.
func (m *CommunicationMonitor) checkPaymentPatterns(details map[string]any) (string, error) {
	if res := phishing.Check(details); res.Suspicious {
		return RulePhishing, nil
	}

	checks := []struct {
		key   string
		limit float64
	}{
		{"refund_count", 3},
		{"payment_method_changes", 5},
		{"failed_transactions", 3},
		{"unique_payment_methods", 3},
		{"transaction_amount", 50000},
		{"small_transaction_count", 10},
		{"billing_info_mismatches", 2},
	}
	for _, c := range checks {
		over, err := exceedsLimit(details, c.key, c.limit)
		if err != nil {
			return RulePaymentPattern, nil
		}
		if over {
			return RulePaymentPattern, nil
		}
	}
	return "", nil
}

func (m *CommunicationMonitor) checkOrderPatterns(details map[string]any) (string, error) {
	checks := []struct {
		key   string
		limit float64
	}{
		{"order_count", 10},
		{"cancelled_orders", 3},
		{"address_changes", 2},
	}
	for _, c := range checks {
		over, err := exceedsLimit(details, c.key, c.limit)
		if err != nil {
			return RuleOrderPattern, nil
		}
		if over {
			return RuleOrderPattern, nil
		}
	}
	return "", nil
}

// Additional rule names used by the agent activity channel.
const (
	RuleLargeAmount    = "large_amount"
	RulePhishing       = "phishing_pattern"
	RulePaymentPattern = "payment_pattern"
	RuleOrderPattern   = "order_pattern"
)

// exceedsLimit reports whether details[key] is present and exceeds
// limit. A present but non-numeric value is an error.
func exceedsLimit(details map[string]any, key string, limit float64) (bool, error) {
	raw, ok := details[key]
	if !ok {
		return false, nil
	}
	v, err := toFloat(raw)
	if err != nil {
		return false, err
	}
	return v > limit, nil
}

func toFloat(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case json.Number:
		return x.Float64()
	case string:
		return strconv.ParseFloat(x, 64)
	default:
		return 0, fmt.Errorf("not a number: %T", v)
	}
}
