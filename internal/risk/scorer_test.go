package risk

import (
	"errors"
	"testing"
	"time"
)

var scoreNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func TestScoreAmount(t *testing.T) {
	tests := []struct {
		amount float64
		want   Level
	}{
		{0, Low},
		{100, Low},
		{100.01, Medium},
		{500, Medium},
		{500.01, High},
		{1000, High},
		{1000.01, Critical},
		{250000, Critical},
	}

	for _, tc := range tests {
		if got := ScoreAmount(tc.amount); got != tc.want {
			t.Errorf("ScoreAmount(%v) = %v, want %v", tc.amount, got, tc.want)
		}
	}
}

func TestScoreLocation(t *testing.T) {
	tests := []struct {
		location string
		want     Level
	}{
		{"New York", Low},
		{"Unknown", High},
		{"", High},
		{"unknown", Low}, // sentinel is case-sensitive
	}

	for _, tc := range tests {
		if got := ScoreLocation(tc.location); got != tc.want {
			t.Errorf("ScoreLocation(%q) = %v, want %v", tc.location, got, tc.want)
		}
	}
}

func TestScoreDevice(t *testing.T) {
	tests := []struct {
		name   string
		device *DeviceInfo
		want   Level
	}{
		{"nil device", nil, Medium},
		{"complete known device", &DeviceInfo{OS: "macOS", Browser: "Safari"}, Low},
		{"new device", &DeviceInfo{OS: "macOS", Browser: "Safari", IsNewDevice: true}, High},
		{"missing browser", &DeviceInfo{OS: "macOS"}, Medium},
		{"suspicious patterns", &DeviceInfo{OS: "macOS", Browser: "Safari", SuspiciousPatterns: true}, Critical},
		{"new and suspicious combines by max", &DeviceInfo{IsNewDevice: true, SuspiciousPatterns: true}, Critical},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := ScoreDevice(tc.device); got != tc.want {
				t.Errorf("ScoreDevice = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestScoreHistory(t *testing.T) {
	recent := func(minutesAgo int) string {
		return scoreNow.Add(-time.Duration(minutesAgo) * time.Minute).Format(time.RFC3339)
	}
	old := scoreNow.Add(-72 * time.Hour).Format(time.RFC3339)

	t.Run("empty history is medium", func(t *testing.T) {
		got, err := ScoreHistory(nil, scoreNow)
		if err != nil {
			t.Fatal(err)
		}
		if got != Medium {
			t.Errorf("got %v, want Medium", got)
		}
	})

	t.Run("quiet history is low", func(t *testing.T) {
		got, err := ScoreHistory([]HistoryEntry{
			{Timestamp: old, Status: "COMPLETED"},
			{Timestamp: old, Status: "COMPLETED"},
		}, scoreNow)
		if err != nil {
			t.Fatal(err)
		}
		if got != Low {
			t.Errorf("got %v, want Low", got)
		}
	})

	t.Run("six recent transactions is high", func(t *testing.T) {
		var h []HistoryEntry
		for i := 0; i < 6; i++ {
			h = append(h, HistoryEntry{Timestamp: recent(i + 1), Status: "COMPLETED"})
		}
		got, err := ScoreHistory(h, scoreNow)
		if err != nil {
			t.Fatal(err)
		}
		if got != High {
			t.Errorf("got %v, want High", got)
		}
	})

	t.Run("five recent transactions is low", func(t *testing.T) {
		var h []HistoryEntry
		for i := 0; i < 5; i++ {
			h = append(h, HistoryEntry{Timestamp: recent(i + 1), Status: "COMPLETED"})
		}
		got, err := ScoreHistory(h, scoreNow)
		if err != nil {
			t.Fatal(err)
		}
		if got != Low {
			t.Errorf("got %v, want Low", got)
		}
	})

	t.Run("three failures is high", func(t *testing.T) {
		got, err := ScoreHistory([]HistoryEntry{
			{Timestamp: old, Status: "FAILED"},
			{Timestamp: old, Status: "FAILED"},
			{Timestamp: old, Status: "FAILED"},
		}, scoreNow)
		if err != nil {
			t.Fatal(err)
		}
		if got != High {
			t.Errorf("got %v, want High", got)
		}
	})

	t.Run("malformed timestamp is an error", func(t *testing.T) {
		_, err := ScoreHistory([]HistoryEntry{
			{Timestamp: "not a time", Status: "COMPLETED"},
		}, scoreNow)
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Errorf("err = %v, want ValidationError", err)
		}
	})
}

func TestCombine(t *testing.T) {
	tests := []struct {
		factors []Level
		want    Level
	}{
		{nil, Low},
		{[]Level{Low, Low}, Low},
		{[]Level{Low, Medium}, Medium},
		{[]Level{Medium, High, Low}, High},
		{[]Level{High, Critical}, Critical},
	}

	for _, tc := range tests {
		if got := Combine(tc.factors); got != tc.want {
			t.Errorf("Combine(%v) = %v, want %v", tc.factors, got, tc.want)
		}
	}
}

func TestScore(t *testing.T) {
	tx := &Transaction{
		ID:       "TX-100",
		ActorID:  "shopper-1",
		Amount:   "1500",
		Location: "Unknown",
	}

	a, err := Score(tx, scoreNow, "RISK-0001")
	if err != nil {
		t.Fatal(err)
	}

	if a.RiskID != "RISK-0001" {
		t.Errorf("RiskID = %q", a.RiskID)
	}
	if a.TransactionID != "TX-100" || a.ActorID != "shopper-1" {
		t.Errorf("identity fields = %q, %q", a.TransactionID, a.ActorID)
	}
	if a.Factors.Amount != Critical {
		t.Errorf("amount factor = %v, want Critical", a.Factors.Amount)
	}
	if a.Factors.Location != High {
		t.Errorf("location factor = %v, want High", a.Factors.Location)
	}
	if a.Factors.Device != Medium {
		t.Errorf("device factor = %v, want Medium", a.Factors.Device)
	}
	if a.Factors.History != Medium {
		t.Errorf("history factor = %v, want Medium", a.Factors.History)
	}
	if a.Level != Critical {
		t.Errorf("overall = %v, want Critical", a.Level)
	}
	if !a.RequiresReview {
		t.Error("RequiresReview should be true at critical")
	}
	if len(a.Recommendations) == 0 {
		t.Error("recommendations missing")
	}
}

func TestScore_MalformedAmount(t *testing.T) {
	_, err := Score(&Transaction{ID: "TX-101", Amount: "lots"}, scoreNow, "RISK-0002")
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
	if verr.Field != "amount" {
		t.Errorf("field = %q, want amount", verr.Field)
	}
}

func TestScore_NegativeAmount(t *testing.T) {
	_, err := Score(&Transaction{ID: "TX-102", Amount: "-5"}, scoreNow, "RISK-0003")
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
}

func TestParseTimestampFormats(t *testing.T) {
	valid := []string{
		"2024-05-01T10:00:00Z",
		"2024-05-01T10:00:00.123Z",
		"2024-05-01T10:00:00+02:00",
		"2024-05-01T10:00:00",
		"2024-05-01 10:00:00",
	}
	for _, s := range valid {
		if _, err := ParseTimestamp(s); err != nil {
			t.Errorf("ParseTimestamp(%q) = %v, want nil", s, err)
		}
	}

	invalid := []string{"", "yesterday", "01/05/2024"}
	for _, s := range invalid {
		if _, err := ParseTimestamp(s); err == nil {
			t.Errorf("ParseTimestamp(%q) = nil, want error", s)
		}
	}
}
