// Package iam checks whether an agent is allowed to invoke a guarded
// operation under a named policy.
package iam

import (
	"context"
	"fmt"
	"sync"
)

// Actions guarded by the risk policy.
const (
	ActionAnalyzeTransaction   = "analyze_transaction"
	ActionFlagSuspicious       = "flag_suspicious"
	ActionReadPatterns         = "read_patterns"
	ActionMonitorCommunication = "monitor_communication"
)

// DefaultPolicyCode is the policy every risk operation is checked against.
const DefaultPolicyCode = "risk-agent-policy"

// PolicyVerificationError reports a denied or failed policy check.
type PolicyVerificationError struct {
	AgentID string
	Action  string
	Policy  string
	Reason  string
}

func (e *PolicyVerificationError) Error() string {
	return fmt.Sprintf("policy %s denied %s for agent %s: %s", e.Policy, e.Action, e.AgentID, e.Reason)
}

// Verifier answers access-control questions. A nil error means access
// is granted.
type Verifier interface {
	CheckAccess(ctx context.Context, agentID, action, policyCode string) error
}

// StaticVerifier grants everything unless a specific (agent, action)
// pair has been denied. Used in development and tests.
type StaticVerifier struct {
	mu     sync.RWMutex
	denied map[string]string // "agent/action" -> reason
}

func NewStaticVerifier() *StaticVerifier {
	return &StaticVerifier{denied: make(map[string]string)}
}

// Deny marks an (agent, action) pair as forbidden.
func (v *StaticVerifier) Deny(agentID, action, reason string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.denied[agentID+"/"+action] = reason
}

func (v *StaticVerifier) CheckAccess(_ context.Context, agentID, action, policyCode string) error {
	v.mu.RLock()
	reason, blocked := v.denied[agentID+"/"+action]
	v.mu.RUnlock()
	if blocked {
		return &PolicyVerificationError{AgentID: agentID, Action: action, Policy: policyCode, Reason: reason}
	}
	return nil
}
