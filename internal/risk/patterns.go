package risk

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrNoTransactions is returned when pattern analysis is asked to analyze an
// empty transaction list.
var ErrNoTransactions = errors.New("risk: no transactions to analyze")

// Pattern thresholds.
const (
	rapidGapSeconds   = 60   // minimum inter-transaction gap below this is high
	busyAvgGapSeconds = 300  // average gap below this is medium
	largeAmountLimit  = 1000 // any single amount above this is high
	highAvgAmount     = 500  // average amount above this is medium
	manyLocations     = 3    // more than this many distinct labels is high
)

// TimePattern describes inter-transaction timing for one actor.
type TimePattern struct {
	Level         Level   `json:"risk_level"`
	Reason        string  `json:"reason"`
	AverageGapSec float64 `json:"average_time_between_transactions,omitempty"`
	MinimumGapSec float64 `json:"minimum_time_between_transactions,omitempty"`
}

// AmountPattern describes the amount distribution of a transaction sequence.
type AmountPattern struct {
	Level   Level   `json:"risk_level"`
	Reason  string  `json:"reason"`
	Total   float64 `json:"total_amount"`
	Average float64 `json:"average_amount"`
	Maximum float64 `json:"maximum_amount"`
}

// LocationPattern describes the location spread of a transaction sequence.
type LocationPattern struct {
	Level        Level          `json:"risk_level"`
	Reason       string         `json:"reason"`
	Unique       int            `json:"unique_locations"`
	Distribution map[string]int `json:"location_distribution"`
}

// PatternAnalysis is the combined result over one actor's transaction list.
type PatternAnalysis struct {
	PatternID         string          `json:"pattern_id"`
	AnalyzedAt        time.Time       `json:"analyzed_at"`
	TotalTransactions int             `json:"total_transactions"`
	Time              TimePattern     `json:"time_patterns"`
	Amount            AmountPattern   `json:"amount_patterns"`
	Location          LocationPattern `json:"location_patterns"`
	Overall           Level           `json:"overall_risk_level"`
}

// PatternAnalyzer computes time/amount/location patterns over ordered
// transaction sequences. Results are cached by a stable hash of the input
// sequence: identical inputs return the identical cached analysis, mirroring
// the scoring idempotency guarantee.
type PatternAnalyzer struct {
	mu    sync.Mutex
	cache map[string]*PatternAnalysis

	newID func() string
	now   func() time.Time
}

// NewPatternAnalyzer creates a pattern analyzer. newID mints pattern IDs and
// now supplies the clock (both injectable for tests).
func NewPatternAnalyzer(newID func() string, now func() time.Time) *PatternAnalyzer {
	return &PatternAnalyzer{
		cache: make(map[string]*PatternAnalysis),
		newID: newID,
		now:   now,
	}
}

// Analyze evaluates a transaction sequence, returning the cached result when
// the identical sequence has been analyzed before.
func (p *PatternAnalyzer) Analyze(txs []Transaction) (*PatternAnalysis, bool, error) {
	if len(txs) == 0 {
		return nil, false, ErrNoTransactions
	}

	key, err := sequenceKey(txs)
	if err != nil {
		return nil, false, err
	}

	p.mu.Lock()
	if cached, ok := p.cache[key]; ok {
		p.mu.Unlock()
		return cached, true, nil
	}
	p.mu.Unlock()

	// Compute outside the lock; a concurrent duplicate compute is harmless
	// because the result is deterministic and first-write-wins below.
	timePat, err := analyzeTimePattern(txs)
	if err != nil {
		return nil, false, err
	}
	amountPat, err := analyzeAmountPattern(txs)
	if err != nil {
		return nil, false, err
	}
	locPat := analyzeLocationPattern(txs)

	analysis := &PatternAnalysis{
		PatternID:         p.newID(),
		AnalyzedAt:        p.now(),
		TotalTransactions: len(txs),
		Time:              timePat,
		Amount:            amountPat,
		Location:          locPat,
		Overall:           Combine([]Level{timePat.Level, amountPat.Level, locPat.Level}),
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if cached, ok := p.cache[key]; ok {
		return cached, true, nil
	}
	p.cache[key] = analysis
	return analysis, false, nil
}

// sequenceKey hashes the canonical JSON form of the sequence.
func sequenceKey(txs []Transaction) (string, error) {
	raw, err := json.Marshal(txs)
	if err != nil {
		return "", fmt.Errorf("risk: cannot hash transaction sequence: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// analyzeTimePattern computes consecutive inter-transaction gaps. A sequence
// with no timestamps at all is medium ("no data"), while a single timestamp
// is low ("insufficient data"). That asymmetry is intentional.
func analyzeTimePattern(txs []Transaction) (TimePattern, error) {
	var stamps []time.Time
	for _, tx := range txs {
		if tx.Timestamp == "" {
			continue
		}
		ts, err := ParseTimestamp(tx.Timestamp)
		if err != nil {
			return TimePattern{}, err
		}
		stamps = append(stamps, ts)
	}

	if len(stamps) == 0 {
		return TimePattern{Level: Medium, Reason: "No timestamp data"}, nil
	}
	if len(stamps) < 2 {
		return TimePattern{Level: Low, Reason: "Insufficient data for time analysis"}, nil
	}

	var total, minimum float64
	for i := 1; i < len(stamps); i++ {
		gap := stamps[i].Sub(stamps[i-1]).Seconds()
		total += gap
		if i == 1 || gap < minimum {
			minimum = gap
		}
	}
	average := total / float64(len(stamps)-1)

	level, reason := Low, "Normal transaction timing"
	switch {
	case minimum < rapidGapSeconds:
		level, reason = High, "Unusually rapid transactions detected"
	case average < busyAvgGapSeconds:
		level, reason = Medium, "Higher than normal transaction frequency"
	}

	return TimePattern{
		Level:         level,
		Reason:        reason,
		AverageGapSec: average,
		MinimumGapSec: minimum,
	}, nil
}

func analyzeAmountPattern(txs []Transaction) (AmountPattern, error) {
	var amounts []float64
	for _, tx := range txs {
		if tx.Amount == "" {
			continue
		}
		v, err := ParseAmount(tx.Amount)
		if err != nil {
			return AmountPattern{}, err
		}
		amounts = append(amounts, v)
	}

	if len(amounts) == 0 {
		return AmountPattern{Level: Medium, Reason: "No amount data"}, nil
	}

	var total, maximum float64
	for _, v := range amounts {
		total += v
		if v > maximum {
			maximum = v
		}
	}
	average := total / float64(len(amounts))

	level, reason := Low, "Normal transaction amounts"
	switch {
	case maximum > largeAmountLimit:
		level, reason = High, "Large transaction amount detected"
	case average > highAvgAmount:
		level, reason = Medium, "Higher than average transaction amounts"
	}

	return AmountPattern{
		Level:   level,
		Reason:  reason,
		Total:   total,
		Average: average,
		Maximum: maximum,
	}, nil
}

func analyzeLocationPattern(txs []Transaction) LocationPattern {
	distribution := make(map[string]int)
	for _, tx := range txs {
		if tx.Location == "" {
			continue
		}
		distribution[tx.Location]++
	}

	if len(distribution) == 0 {
		return LocationPattern{
			Level:        Medium,
			Reason:       "No location data",
			Distribution: distribution,
		}
	}

	level, reason := Low, "Normal location pattern"
	switch {
	case len(distribution) > manyLocations:
		level, reason = High, "Multiple different locations detected"
	case distribution[UnknownLocation] > 0:
		level, reason = Medium, "Some unknown locations detected"
	}

	return LocationPattern{
		Level:        level,
		Reason:       reason,
		Unique:       len(distribution),
		Distribution: distribution,
	}
}
