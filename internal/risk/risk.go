// Package risk implements deterministic, rule-based transaction risk scoring.
//
// Every transaction is evaluated against 4 factors: amount, location, device,
// and actor history. Factors map to an ordered risk level (low < medium <
// high < critical) and combine by taking the maximum, so a single severe red
// flag is never diluted by several mild green ones. Results are cached by a
// fingerprint derived from the transaction, giving an at-most-once-compute
// guarantee: re-scoring the same evidence must not produce a different
// verdict.
package risk

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

// Level is an ordered risk level. Higher values dominate when factors are
// combined.
type Level int

const (
	Low Level = iota
	Medium
	High
	Critical
)

// String returns the wire form of the level.
func (l Level) String() string {
	switch l {
	case Low:
		return "low"
	case Medium:
		return "medium"
	case High:
		return "high"
	case Critical:
		return "critical"
	default:
		return "unknown"
	}
}

// MarshalJSON encodes the level as its string form.
func (l Level) MarshalJSON() ([]byte, error) {
	return []byte(`"` + l.String() + `"`), nil
}

// UnmarshalJSON decodes a level from its string form.
func (l *Level) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' {
		s = s[1 : len(s)-1]
	}
	parsed, err := ParseLevel(s)
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// ParseLevel converts a string to a Level.
func ParseLevel(s string) (Level, error) {
	switch s {
	case "low":
		return Low, nil
	case "medium":
		return Medium, nil
	case "high":
		return High, nil
	case "critical":
		return Critical, nil
	}
	return Low, fmt.Errorf("risk: unknown level %q", s)
}

// UnknownLocation is the sentinel meaning risk-relevant absence of location
// data.
const UnknownLocation = "Unknown"

// DeviceInfo describes the device a transaction originated from.
type DeviceInfo struct {
	OS                 string `json:"os"`
	Browser            string `json:"browser"`
	IsNewDevice        bool   `json:"is_new_device"`
	SuspiciousPatterns bool   `json:"suspicious_patterns"`
}

// HistoryEntry is one past transaction in an actor's history.
type HistoryEntry struct {
	Timestamp string `json:"timestamp"` // ISO-8601
	Amount    string `json:"amount,omitempty"`
	Status    string `json:"status,omitempty"` // "COMPLETED", "FAILED", ...
	Location  string `json:"location,omitempty"`
}

// Transaction is a single payment attempt submitted for scoring. Transactions
// are immutable once scored; an Assessment is derived data and never mutates
// its transaction.
type Transaction struct {
	ID             string         `json:"transaction_id"`
	ActorID        string         `json:"actor_id,omitempty"`
	Amount         string         `json:"amount"`    // non-negative decimal string
	Timestamp      string         `json:"timestamp"` // ISO-8601
	Location       string         `json:"location"`
	Device         *DeviceInfo    `json:"device_info,omitempty"`
	History        []HistoryEntry `json:"user_history,omitempty"`
	Context        map[string]any `json:"context,omitempty"` // payment-page metadata, redirect URLs, form fields
	RiskRejected   bool           `json:"risk_rejected,omitempty"`
	PaymentAgentID string         `json:"payment_agent_id,omitempty"`
}

// Fingerprint identifies "the same scoring request" for idempotent caching:
// same id + amount + timestamp means same evidence, same verdict.
func (t *Transaction) Fingerprint() string {
	return t.ID + "_" + t.Amount + "_" + t.Timestamp
}

// Factors is the per-factor breakdown of an assessment.
type Factors struct {
	Amount   Level `json:"amount_risk"`
	Location Level `json:"location_risk"`
	Device   Level `json:"device_risk"`
	History  Level `json:"history_risk"`
}

// Assessment is the result of scoring a single transaction.
type Assessment struct {
	RiskID          string    `json:"risk_id"`
	TransactionID   string    `json:"transaction_id"`
	ActorID         string    `json:"actor_id,omitempty"`
	AnalyzedAt      time.Time `json:"analyzed_at"`
	Level           Level     `json:"risk_level"`
	Factors         Factors   `json:"risk_factors"`
	Recommendations []string  `json:"recommendations"`
	RequiresReview  bool      `json:"requires_review"`
}

// Store persists assessments for the audit trail.
type Store interface {
	Record(ctx context.Context, a *Assessment) error
	ListByActor(ctx context.Context, actorID string, limit int) ([]*Assessment, error)
}

// ValidationError reports malformed transaction input. Malformed numeric or
// time fields are never silently defaulted: scoring on a coerced zero would
// systematically under-score fraud.
type ValidationError struct {
	Field string
	Value string
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("risk: invalid %s %q: %v", e.Field, e.Value, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// ParseAmount parses a monetary amount, rejecting malformed or negative
// values.
func ParseAmount(s string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, &ValidationError{Field: "amount", Value: s, Err: err}
	}
	if v < 0 {
		return 0, &ValidationError{Field: "amount", Value: s, Err: fmt.Errorf("must be non-negative")}
	}
	return v, nil
}

// ParseTimestamp parses an ISO-8601 timestamp, accepting both RFC 3339 and
// the zone-less form the upstream shop emits.
func ParseTimestamp(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, &ValidationError{Field: "timestamp", Value: s, Err: fmt.Errorf("not ISO-8601")}
}
