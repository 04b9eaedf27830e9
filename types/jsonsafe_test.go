package types

import (
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

type label string

type ratio float64

func TestJSONSafe(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)

	tests := []struct {
		name  string
		input any
		want  string
	}{
		{"nil", nil, `null`},
		{"string", "hello", `"hello"`},
		{"int", 42, `42`},
		{"bool", true, `true`},
		{"credits", Credits(1250), `12.5`},
		{"decimal", decimal.RequireFromString("3.25"), `3.25`},
		{"time", ts, `"2024-03-01T12:30:00Z"`},
		{"named string", label("x"), `"x"`},
		{"error", errors.New("boom"), `"boom"`},
		{"int keyed map", map[int]string{1: "a"}, `{"1":"a"}`},
		{"typed slice", []Credits{100, 250}, `[1,2.5]`},
		{"bytes", []byte("raw"), `"raw"`},
		{"float", 0.25, `0.25`},
		{"nan", math.NaN(), `null`},
		{"positive inf", math.Inf(1), `null`},
		{"negative inf float32", float32(math.Inf(-1)), `null`},
		{"named nan", ratio(math.NaN()), `null`},
		{"nan in map", map[string]any{"text": "ok", "score": math.NaN()}, `{"score":null,"text":"ok"}`},
		{"inf in typed slice", []float64{1, math.Inf(1)}, `[1,null]`},
		{"nested", map[string]any{
			"at":    ts,
			"items": []any{decimal.NewFromInt(2), map[string]any{"c": Credits(50)}},
		}, `{"at":"2024-03-01T12:30:00Z","items":[2,{"c":0.5}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(JSONSafe(tt.input))
			if err != nil {
				t.Fatalf("Marshal failed: %v", err)
			}
			if string(data) != tt.want {
				t.Errorf("got %s, want %s", data, tt.want)
			}
		})
	}
}

func TestJSONSafeDoesNotMutate(t *testing.T) {
	ts := time.Now()
	in := map[string]any{"at": ts, "list": []any{Credits(100)}}

	out := JSONSafeMap(in)
	out["extra"] = 1
	out["list"].([]any)[0] = "changed"

	if _, ok := in["extra"]; ok {
		t.Error("input map was mutated")
	}
	if in["at"] != ts {
		t.Error("input time was replaced")
	}
	if in["list"].([]any)[0] != Credits(100) {
		t.Error("input slice was mutated")
	}
}

func TestJSONSafeMapNil(t *testing.T) {
	if JSONSafeMap(nil) != nil {
		t.Error("expected nil for nil map")
	}
}
