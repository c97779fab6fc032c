package risk

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func newTestAnalyzer() *PatternAnalyzer {
	seq := 0
	return NewPatternAnalyzer(
		func() string {
			seq++
			return fmt.Sprintf("PATTERN-%04d", seq)
		},
		func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) },
	)
}

func txAt(id, ts, amount, location string) Transaction {
	return Transaction{ID: id, Timestamp: ts, Amount: amount, Location: location}
}

func TestAnalyze_EmptyInput(t *testing.T) {
	p := newTestAnalyzer()
	_, _, err := p.Analyze(nil)
	if !errors.Is(err, ErrNoTransactions) {
		t.Errorf("err = %v, want ErrNoTransactions", err)
	}
}

func TestAnalyze_NormalSequence(t *testing.T) {
	p := newTestAnalyzer()
	txs := []Transaction{
		txAt("TX-1", "2024-05-01T08:00:00Z", "100", "New York"),
		txAt("TX-2", "2024-05-01T09:00:00Z", "150", "New York"),
		txAt("TX-3", "2024-05-01T10:00:00Z", "120", "New York"),
	}

	a, cached, err := p.Analyze(txs)
	if err != nil {
		t.Fatal(err)
	}
	if cached {
		t.Error("first analysis should not be cached")
	}
	if a.TotalTransactions != 3 {
		t.Errorf("TotalTransactions = %d", a.TotalTransactions)
	}
	if a.Time.Level != Low {
		t.Errorf("time level = %v, want Low", a.Time.Level)
	}
	if a.Amount.Level != Low {
		t.Errorf("amount level = %v, want Low", a.Amount.Level)
	}
	if a.Location.Level != Low {
		t.Errorf("location level = %v, want Low", a.Location.Level)
	}
	if a.Overall != Low {
		t.Errorf("overall = %v, want Low", a.Overall)
	}
}

func TestAnalyze_RapidSuccession(t *testing.T) {
	p := newTestAnalyzer()
	txs := []Transaction{
		txAt("TX-1", "2024-05-01T08:00:00Z", "10", "New York"),
		txAt("TX-2", "2024-05-01T08:00:30Z", "10", "New York"),
	}

	a, _, err := p.Analyze(txs)
	if err != nil {
		t.Fatal(err)
	}
	if a.Time.Level != High {
		t.Errorf("time level = %v, want High", a.Time.Level)
	}
	if a.Time.MinimumGapSec != 30 {
		t.Errorf("minimum gap = %v, want 30", a.Time.MinimumGapSec)
	}
	if a.Overall != High {
		t.Errorf("overall = %v, want High", a.Overall)
	}
}

func TestAnalyze_ElevatedFrequency(t *testing.T) {
	p := newTestAnalyzer()
	// Gaps of 2 minutes: none under a minute, average well under 5 minutes.
	txs := []Transaction{
		txAt("TX-1", "2024-05-01T08:00:00Z", "10", "New York"),
		txAt("TX-2", "2024-05-01T08:02:00Z", "10", "New York"),
		txAt("TX-3", "2024-05-01T08:04:00Z", "10", "New York"),
	}

	a, _, err := p.Analyze(txs)
	if err != nil {
		t.Fatal(err)
	}
	if a.Time.Level != Medium {
		t.Errorf("time level = %v, want Medium", a.Time.Level)
	}
}

func TestAnalyze_TimeDataAsymmetry(t *testing.T) {
	p := newTestAnalyzer()

	// No timestamps at all: medium.
	a, _, err := p.Analyze([]Transaction{
		txAt("TX-1", "", "10", "New York"),
		txAt("TX-2", "", "10", "New York"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if a.Time.Level != Medium {
		t.Errorf("no-timestamp level = %v, want Medium", a.Time.Level)
	}

	// A single timestamp: low.
	a, _, err = p.Analyze([]Transaction{
		txAt("TX-3", "2024-05-01T08:00:00Z", "10", "New York"),
		txAt("TX-4", "", "10", "New York"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if a.Time.Level != Low {
		t.Errorf("single-timestamp level = %v, want Low", a.Time.Level)
	}
}

func TestAnalyze_LargeAmount(t *testing.T) {
	p := newTestAnalyzer()
	txs := []Transaction{
		txAt("TX-1", "2024-05-01T08:00:00Z", "50", "New York"),
		txAt("TX-2", "2024-05-01T09:00:00Z", "1200", "New York"),
	}

	a, _, err := p.Analyze(txs)
	if err != nil {
		t.Fatal(err)
	}
	if a.Amount.Level != High {
		t.Errorf("amount level = %v, want High", a.Amount.Level)
	}
	if a.Amount.Maximum != 1200 {
		t.Errorf("maximum = %v", a.Amount.Maximum)
	}
	if a.Amount.Total != 1250 {
		t.Errorf("total = %v", a.Amount.Total)
	}
}

func TestAnalyze_ElevatedAverageAmount(t *testing.T) {
	p := newTestAnalyzer()
	txs := []Transaction{
		txAt("TX-1", "2024-05-01T08:00:00Z", "600", "New York"),
		txAt("TX-2", "2024-05-01T09:00:00Z", "700", "New York"),
	}

	a, _, err := p.Analyze(txs)
	if err != nil {
		t.Fatal(err)
	}
	if a.Amount.Level != Medium {
		t.Errorf("amount level = %v, want Medium", a.Amount.Level)
	}
}

func TestAnalyze_LocationSpread(t *testing.T) {
	p := newTestAnalyzer()

	// Four distinct labels: high.
	txs := []Transaction{
		txAt("TX-1", "2024-05-01T08:00:00Z", "10", "New York"),
		txAt("TX-2", "2024-05-01T09:00:00Z", "10", "London"),
		txAt("TX-3", "2024-05-01T10:00:00Z", "10", "Tokyo"),
		txAt("TX-4", "2024-05-01T11:00:00Z", "10", "Lagos"),
	}
	a, _, err := p.Analyze(txs)
	if err != nil {
		t.Fatal(err)
	}
	if a.Location.Level != High {
		t.Errorf("location level = %v, want High", a.Location.Level)
	}
	if a.Location.Unique != 4 {
		t.Errorf("unique = %d, want 4", a.Location.Unique)
	}

	// An Unknown sentinel among few labels: medium.
	a, _, err = p.Analyze([]Transaction{
		txAt("TX-5", "2024-05-01T08:00:00Z", "10", "New York"),
		txAt("TX-6", "2024-05-01T09:00:00Z", "10", UnknownLocation),
	})
	if err != nil {
		t.Fatal(err)
	}
	if a.Location.Level != Medium {
		t.Errorf("unknown-location level = %v, want Medium", a.Location.Level)
	}
}

func TestAnalyze_CachesIdenticalSequences(t *testing.T) {
	p := newTestAnalyzer()
	txs := []Transaction{
		txAt("TX-1", "2024-05-01T08:00:00Z", "100", "New York"),
		txAt("TX-2", "2024-05-01T09:00:00Z", "150", "New York"),
	}

	first, cached, err := p.Analyze(txs)
	if err != nil {
		t.Fatal(err)
	}
	if cached {
		t.Error("first call should compute")
	}

	second, cached, err := p.Analyze(txs)
	if err != nil {
		t.Fatal(err)
	}
	if !cached {
		t.Error("second call should hit the cache")
	}
	if first != second {
		t.Error("cached analysis should be the same instance")
	}

	// A different sequence computes fresh.
	third, cached, err := p.Analyze(txs[:1])
	if err != nil {
		t.Fatal(err)
	}
	if cached {
		t.Error("different sequence should not be cached")
	}
	if third.PatternID == first.PatternID {
		t.Error("distinct sequences should get distinct pattern IDs")
	}
}

func TestAnalyze_MalformedAmountFails(t *testing.T) {
	p := newTestAnalyzer()
	_, _, err := p.Analyze([]Transaction{
		txAt("TX-1", "2024-05-01T08:00:00Z", "lots", "New York"),
	})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Errorf("err = %v, want ValidationError", err)
	}
}
