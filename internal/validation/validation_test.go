package validation

import (
	"testing"
)

func TestIsValidAgentID(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{"payment-agent", true},
		{"aztp/shopper/payment-agent", true},
		{"agent.42", true},
		{"credential:agent:order", true},
		{"aid_7f3ecb", true},

		// Invalid cases
		{"", false},
		{"-leading-dash", false},
		{".leading-dot", false},
		{"has space", false},
		{"null\x00byte", false},
		{"café", false},
	}

	for _, tc := range tests {
		result := IsValidAgentID(tc.id)
		if result != tc.valid {
			t.Errorf("IsValidAgentID(%q) = %v, want %v", tc.id, result, tc.valid)
		}
	}
}

func TestSanitizeString(t *testing.T) {
	tests := []struct {
		input    string
		maxLen   int
		expected string
	}{
		{"hello", 10, "hello"},
		{"  hello  ", 10, "hello"},
		{"hello world", 5, "hello"},
		{"hello\x00world", 20, "helloworld"},
	}

	for _, tc := range tests {
		result := SanitizeString(tc.input, tc.maxLen)
		if result != tc.expected {
			t.Errorf("SanitizeString(%q, %d) = %q, want %q", tc.input, tc.maxLen, result, tc.expected)
		}
	}
}

func TestValidate(t *testing.T) {
	// Test valid input
	errors := Validate(
		Required("transaction_id", "TX-1001"),
		ValidAgent("agent_id", "payment-agent"),
	)
	if len(errors) != 0 {
		t.Errorf("Expected no errors, got %v", errors)
	}

	// Test invalid input
	errors = Validate(
		Required("transaction_id", ""),
		ValidAgent("agent_id", "has space"),
	)
	if len(errors) != 2 {
		t.Errorf("Expected 2 errors, got %d", len(errors))
	}
}

func TestMaxLength(t *testing.T) {
	// Under limit
	err := MaxLength("field", "hello", 10)()
	if err != nil {
		t.Error("Expected no error for string under limit")
	}

	// At limit
	err = MaxLength("field", "hello", 5)()
	if err != nil {
		t.Error("Expected no error for string at limit")
	}

	// Over limit
	err = MaxLength("field", "hello world", 5)()
	if err == nil {
		t.Error("Expected error for string over limit")
	}
}
