package risk

import "time"

// Amount bands. Each threshold is the inclusive upper bound of its band.
const (
	amountLowMax    = 100
	amountMediumMax = 500
	amountHighMax   = 1000
)

// History thresholds.
const (
	recentWindow     = 24 * time.Hour
	recentCountLimit = 5 // more than this many in the trailing 24h is high
	failedCountLimit = 2 // more than this many FAILED entries is high
	statusFailed     = "FAILED"
)

// ScoreAmount maps a transaction amount to a risk level.
// amount <= 100 is low, <= 500 medium, <= 1000 high, above that critical.
func ScoreAmount(amount float64) Level {
	switch {
	case amount <= amountLowMax:
		return Low
	case amount <= amountMediumMax:
		return Medium
	case amount <= amountHighMax:
		return High
	default:
		return Critical
	}
}

// ScoreLocation maps a location label to a risk level. The "Unknown" sentinel
// (or an empty label) means the location could not be determined, which is
// itself a signal. No geofencing or travel-velocity check is performed.
func ScoreLocation(location string) Level {
	if location == UnknownLocation || location == "" {
		return High
	}
	return Low
}

// ScoreDevice maps device information to a risk level. A missing descriptor
// is medium; otherwise the applicable factors combine by maximum.
func ScoreDevice(device *DeviceInfo) Level {
	if device == nil {
		return Medium
	}

	var factors []Level
	if device.IsNewDevice {
		factors = append(factors, High)
	}
	if device.Browser == "" || device.OS == "" {
		factors = append(factors, Medium)
	}
	if device.SuspiciousPatterns {
		factors = append(factors, Critical)
	}
	if len(factors) == 0 {
		return Low
	}
	return Combine(factors)
}

// ScoreHistory maps an actor's transaction history to a risk level. An empty
// history is medium (a brand-new actor is mildly risky). More than 5
// transactions in the trailing 24 hours, or more than 2 FAILED transactions
// anywhere in history, are each high; the triggered factors combine by
// maximum.
func ScoreHistory(history []HistoryEntry, now time.Time) (Level, error) {
	if len(history) == 0 {
		return Medium, nil
	}

	var recent, failed int
	for _, h := range history {
		ts, err := ParseTimestamp(h.Timestamp)
		if err != nil {
			return Low, err
		}
		if now.Sub(ts) <= recentWindow {
			recent++
		}
		if h.Status == statusFailed {
			failed++
		}
	}

	var factors []Level
	if recent > recentCountLimit {
		factors = append(factors, High)
	}
	if failed > failedCountLimit {
		factors = append(factors, High)
	}
	if len(factors) == 0 {
		return Low, nil
	}
	return Combine(factors), nil
}

// Combine reduces a set of factor levels to an overall level by taking the
// maximum. Critical dominates high dominates medium dominates low; an empty
// set is low.
func Combine(factors []Level) Level {
	overall := Low
	for _, f := range factors {
		if f > overall {
			overall = f
		}
	}
	return overall
}

// Recommendations returns the operator guidance for an overall risk level.
func Recommendations(level Level) []string {
	switch level {
	case Low:
		return []string{"Transaction appears safe to process"}
	case Medium:
		return []string{
			"Consider additional verification",
			"Monitor for unusual patterns",
		}
	case High:
		return []string{
			"Require two-factor authentication",
			"Verify shipping address",
			"Check payment method validity",
		}
	default: // Critical
		return []string{
			"Block transaction immediately",
			"Flag account for review",
			"Notify fraud department",
			"Require manual verification",
		}
	}
}

// Score evaluates a transaction against all 4 factors and assembles an
// assessment. Pure except for the supplied clock; caching and persistence
// live in the supervisor layer.
func Score(tx *Transaction, now time.Time, riskID string) (*Assessment, error) {
	amount, err := ParseAmount(tx.Amount)
	if err != nil {
		return nil, err
	}
	historyRisk, err := ScoreHistory(tx.History, now)
	if err != nil {
		return nil, err
	}

	factors := Factors{
		Amount:   ScoreAmount(amount),
		Location: ScoreLocation(tx.Location),
		Device:   ScoreDevice(tx.Device),
		History:  historyRisk,
	}
	overall := Combine([]Level{factors.Amount, factors.Location, factors.Device, factors.History})

	return &Assessment{
		RiskID:          riskID,
		TransactionID:   tx.ID,
		ActorID:         tx.ActorID,
		AnalyzedAt:      now,
		Level:           overall,
		Factors:         factors,
		Recommendations: Recommendations(overall),
		RequiresReview:  overall >= High,
	}, nil
}
