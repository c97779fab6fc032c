package supervisor

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// Gate decides the disposition of high-risk transactions that name a
// payment agent. Decide consumes one decision: stateful gates may flip
// after each call.
type Gate interface {
	Decide() (allow bool, err error)
}

// StaticGate always returns the same disposition. Production deployments
// run a blocking gate; tests use both settings to reach each branch.
type StaticGate bool

func (g StaticGate) Decide() (bool, error) { return bool(g), nil }

const gateDefaultKey = "__default__"

// AlternatingGate allows the first high-risk transaction through and
// blocks the next, flipping on every decision. With a state file the
// disposition survives restarts; a missing or unreadable file means
// allow.
type AlternatingGate struct {
	mu   sync.Mutex
	path string // empty: state kept in memory only
	next bool
	init bool
}

// NewAlternatingGate creates a gate backed by the given state file.
// Pass an empty path for a purely in-memory gate.
func NewAlternatingGate(path string) *AlternatingGate {
	return &AlternatingGate{path: path}
}

func (g *AlternatingGate) Decide() (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.init {
		g.next = g.load()
		g.init = true
	}
	allow := g.next
	g.next = !allow
	if err := g.save(); err != nil {
		return allow, fmt.Errorf("persist gate state: %w", err)
	}
	return allow, nil
}

// load reads the persisted disposition. Any failure defaults to allow.
func (g *AlternatingGate) load() bool {
	if g.path == "" {
		return true
	}
	data, err := os.ReadFile(g.path)
	if err != nil {
		return true
	}
	var state map[string]bool
	if err := json.Unmarshal(data, &state); err != nil {
		return true
	}
	next, ok := state[gateDefaultKey]
	if !ok {
		return true
	}
	return next
}

func (g *AlternatingGate) save() error {
	if g.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(map[string]bool{gateDefaultKey: g.next}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(g.path, data, 0o644)
}
