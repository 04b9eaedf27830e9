package types

import (
	"encoding/json"
	"testing"
)

func TestParseCredits(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  Credits
	}{
		{"whole", "10", 1000},
		{"one decimal", "12.5", 1250},
		{"two decimals", "0.01", 1},
		{"rounds half up", "1.005", 101},
		{"rounds down", "1.004", 100},
		{"zero", "0", 0},
		{"negative", "-2.50", -250},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseCredits(tt.input)
			if err != nil {
				t.Fatalf("ParseCredits(%q) failed: %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("ParseCredits(%q) = %d, want %d", tt.input, got, tt.want)
			}
		})
	}
}

func TestParseCreditsInvalid(t *testing.T) {
	for _, input := range []string{"", "abc", "1.2.3"} {
		if _, err := ParseCredits(input); err == nil {
			t.Errorf("ParseCredits(%q): expected error", input)
		}
	}
}

func TestCreditsString(t *testing.T) {
	tests := []struct {
		c    Credits
		want string
	}{
		{0, "0.00"},
		{1, "0.01"},
		{150, "1.50"},
		{NewCredits(10), "10.00"},
		{-250, "-2.50"},
	}

	for _, tt := range tests {
		if got := tt.c.String(); got != tt.want {
			t.Errorf("Credits(%d).String() = %q, want %q", int64(tt.c), got, tt.want)
		}
	}
}

func TestCreditsFloat64(t *testing.T) {
	if got := Credits(1250).Float64(); got != 12.5 {
		t.Errorf("Float64() = %v, want 12.5", got)
	}
	if got := FromFloat(0.3); got != 30 {
		t.Errorf("FromFloat(0.3) = %d, want 30", got)
	}
}

func TestCreditsJSON(t *testing.T) {
	type payload struct {
		Amount Credits `json:"amount"`
	}

	data, err := json.Marshal(payload{Amount: 1250})
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if string(data) != `{"amount":12.50}` {
		t.Errorf("Marshal = %s", data)
	}

	for _, input := range []string{`{"amount":12.5}`, `{"amount":"12.50"}`} {
		var p payload
		if err := json.Unmarshal([]byte(input), &p); err != nil {
			t.Fatalf("Unmarshal(%s) failed: %v", input, err)
		}
		if p.Amount != 1250 {
			t.Errorf("Unmarshal(%s) = %d, want 1250", input, p.Amount)
		}
	}

	var p payload
	if err := json.Unmarshal([]byte(`{"amount":null}`), &p); err != nil {
		t.Fatalf("Unmarshal(null) failed: %v", err)
	}
	if p.Amount != 0 {
		t.Errorf("Unmarshal(null) = %d, want 0", p.Amount)
	}
}

func TestCreditsHelpers(t *testing.T) {
	if !Credits(0).IsZero() || Credits(1).IsZero() {
		t.Error("IsZero mismatch")
	}
	if !Credits(1).IsPositive() || Credits(-1).IsPositive() {
		t.Error("IsPositive mismatch")
	}
	if !Credits(-1).IsNegative() {
		t.Error("IsNegative mismatch")
	}
	if got := Credits(5).Min(3); got != 3 {
		t.Errorf("Min = %d, want 3", got)
	}
	if got := Sum(100, 250, 50); got != 400 {
		t.Errorf("Sum = %d, want 400", got)
	}
	if got := Sum(); got != 0 {
		t.Errorf("Sum() = %d, want 0", got)
	}
}
