// Package identity defines the contract with the external identity
// authority: the PKI-like service that issues, verifies, and revokes agent
// credentials. The engine only ever consumes this interface; issuing real
// credentials is somebody else's job.
package identity

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable is returned when the authority cannot be reached. Callers
// that are revoking must retry: an un-revoked agent that should have been
// revoked is a security hole, while a redundant revocation is harmless.
var ErrUnavailable = errors.New("identity: authority unavailable")

// ErrNotFound is returned when the authority has no connection for an
// agent identifier.
var ErrNotFound = errors.New("identity: agent not found")

// Connection is an authenticated link between an agent and the authority.
type Connection struct {
	ID         string `json:"id"` // the agent's credential identifier
	Subject    string `json:"subject"`
	Department string `json:"department,omitempty"`
	TrustLevel string `json:"trust_level,omitempty"`
	Valid      bool   `json:"valid"`
}

// Receipt proves a revocation was accepted by the authority.
type Receipt struct {
	AgentID   string    `json:"agent_id"`
	Reason    string    `json:"reason"`
	Reference string    `json:"reference"`
	RevokedAt time.Time `json:"revoked_at"`
}

// Authority is the identity-authority client contract.
//
// RevokeIdentity must be idempotent: revoking an already-revoked identifier
// succeeds trivially and returns the original receipt. Concurrent suspicious-
// event detections race to revoke the same agent, and the loser must not
// error.
type Authority interface {
	EstablishIdentity(ctx context.Context, subject, role string, attrs map[string]string) (*Connection, error)
	VerifyIdentity(ctx context.Context, conn *Connection) (bool, error)
	RevokeIdentity(ctx context.Context, agentID, reason string) (*Receipt, error)
	GetAgentConnection(ctx context.Context, agentID string) (*Connection, error)
}
