package risk

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func storedAssessment(seq int, actorID string) *Assessment {
	return &Assessment{
		RiskID:          fmt.Sprintf("RISK-%04d", seq),
		TransactionID:   fmt.Sprintf("TX-%d", seq),
		ActorID:         actorID,
		AnalyzedAt:      time.Date(2024, 5, 1, 12, 0, seq, 0, time.UTC),
		Level:           Medium,
		Recommendations: []string{"Additional verification recommended"},
	}
}

func TestMemoryStore_RecordAndList(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	for i := 1; i <= 3; i++ {
		if err := store.Record(ctx, storedAssessment(i, "shopper-1")); err != nil {
			t.Fatal(err)
		}
	}
	if err := store.Record(ctx, storedAssessment(9, "shopper-2")); err != nil {
		t.Fatal(err)
	}

	got, err := store.ListByActor(ctx, "shopper-1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}

	// Most recent first.
	if got[0].RiskID != "RISK-0003" || got[2].RiskID != "RISK-0001" {
		t.Errorf("order = %s .. %s, want RISK-0003 .. RISK-0001", got[0].RiskID, got[2].RiskID)
	}
}

func TestMemoryStore_Limit(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	for i := 1; i <= 5; i++ {
		if err := store.Record(ctx, storedAssessment(i, "shopper-1")); err != nil {
			t.Fatal(err)
		}
	}

	got, err := store.ListByActor(ctx, "shopper-1", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].RiskID != "RISK-0005" || got[1].RiskID != "RISK-0004" {
		t.Errorf("got %s, %s", got[0].RiskID, got[1].RiskID)
	}
}

func TestMemoryStore_UnknownActor(t *testing.T) {
	store := NewMemoryStore()
	got, err := store.ListByActor(context.Background(), "nobody", 10)
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Errorf("got %v, want nil", got)
	}
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	a := storedAssessment(1, "shopper-1")
	if err := store.Record(ctx, a); err != nil {
		t.Fatal(err)
	}

	// Mutating the recorded value must not affect the stored copy.
	a.Level = Critical
	a.Recommendations[0] = "mutated"

	got, err := store.ListByActor(ctx, "shopper-1", 1)
	if err != nil {
		t.Fatal(err)
	}
	if got[0].Level != Medium {
		t.Errorf("stored level mutated: %v", got[0].Level)
	}
	if got[0].Recommendations[0] != "Additional verification recommended" {
		t.Errorf("stored recommendations mutated: %q", got[0].Recommendations[0])
	}

	// Mutating the listed value must not affect subsequent reads.
	got[0].Recommendations[0] = "mutated again"
	again, err := store.ListByActor(ctx, "shopper-1", 1)
	if err != nil {
		t.Fatal(err)
	}
	if again[0].Recommendations[0] != "Additional verification recommended" {
		t.Errorf("listed copy aliases the store: %q", again[0].Recommendations[0])
	}
}
