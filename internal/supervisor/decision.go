package supervisor

import (
	"time"

	"github.com/asthaai/sentinel/internal/identity"
	"github.com/asthaai/sentinel/internal/risk"
)

// Outcome is the final disposition of an analyzed transaction.
type Outcome string

const (
	// Allowed means the transaction may proceed. High-risk transactions
	// waved through by the policy gate are Allowed with a warning message.
	Allowed Outcome = "allowed"
	// Blocked means the transaction must not proceed but no identity
	// was revoked.
	Blocked Outcome = "blocked"
	// Revoked means the transaction was cancelled and the associated
	// payment agent's identity was revoked.
	Revoked Outcome = "revoked"
)

// Decision is the cached result of analyzing one transaction
// fingerprint. Decisions are immutable once stored; a replayed request
// receives the stored decision verbatim.
type Decision struct {
	Outcome  Outcome           `json:"status"`
	Message  string            `json:"message,omitempty"`
	Level    risk.Level        `json:"risk_level"`
	Analysis *risk.Assessment  `json:"analysis,omitempty"`
	Receipt  *identity.Receipt `json:"revocation,omitempty"`
}

// FlagRecord is a manually raised suspicion flag on a transaction.
type FlagRecord struct {
	FlagID         string    `json:"flag_id"`
	TransactionID  string    `json:"transaction_id"`
	FlagTime       time.Time `json:"flag_time"`
	Reason         string    `json:"reason"`
	Status         string    `json:"status"`
	RequiresReview bool      `json:"requires_review"`
	Message        string    `json:"message"`
}
