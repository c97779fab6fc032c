package identity

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/asthaai/sentinel/internal/idgen"
)

// MemoryAuthority is an in-process Authority for dev/test use. It issues
// unsigned connections and tracks revocations in a map.
type MemoryAuthority struct {
	mu          sync.Mutex
	connections map[string]*Connection
	revoked     map[string]*Receipt

	// RevokeCalls counts RevokeIdentity invocations, including idempotent
	// replays, for assertions in tests.
	RevokeCalls int

	// FailRevocations makes the next N revocation calls fail, to exercise
	// retry paths.
	FailRevocations int
}

// NewMemoryAuthority creates an empty in-memory authority.
func NewMemoryAuthority() *MemoryAuthority {
	return &MemoryAuthority{
		connections: make(map[string]*Connection),
		revoked:     make(map[string]*Receipt),
	}
}

func (m *MemoryAuthority) EstablishIdentity(ctx context.Context, subject, role string, attrs map[string]string) (*Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn := &Connection{
		ID:         idgen.WithPrefix("aid_"),
		Subject:    subject,
		Department: attrs["department"],
		TrustLevel: attrs["trust_level"],
		Valid:      true,
	}
	m.connections[conn.ID] = conn
	return conn, nil
}

func (m *MemoryAuthority) VerifyIdentity(ctx context.Context, conn *Connection) (bool, error) {
	if conn == nil {
		return false, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, gone := m.revoked[conn.ID]; gone {
		return false, nil
	}
	stored, ok := m.connections[conn.ID]
	return ok && stored.Valid, nil
}

func (m *MemoryAuthority) RevokeIdentity(ctx context.Context, agentID, reason string) (*Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.RevokeCalls++
	if m.FailRevocations > 0 {
		m.FailRevocations--
		return nil, fmt.Errorf("%w: injected failure", ErrUnavailable)
	}

	// Idempotent: replaying a revocation returns the original receipt.
	if r, ok := m.revoked[agentID]; ok {
		return r, nil
	}

	r := &Receipt{
		AgentID:   agentID,
		Reason:    reason,
		Reference: idgen.WithPrefix("rev_"),
		RevokedAt: time.Now(),
	}
	m.revoked[agentID] = r
	delete(m.connections, agentID)
	return r, nil
}

func (m *MemoryAuthority) GetAgentConnection(ctx context.Context, agentID string) (*Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, gone := m.revoked[agentID]; gone {
		return nil, fmt.Errorf("%w: %s is revoked", ErrNotFound, agentID)
	}
	conn, ok := m.connections[agentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, agentID)
	}
	cp := *conn
	return &cp, nil
}

// Seed registers a connection directly, for tests and local setups.
func (m *MemoryAuthority) Seed(conn *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connections[conn.ID] = conn
}

// IsRevoked reports whether an agent identifier has been revoked.
func (m *MemoryAuthority) IsRevoked(agentID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.revoked[agentID]
	return ok
}
