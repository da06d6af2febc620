package chain

import (
	"math"
	"testing"
)

func TestToFloat(t *testing.T) {
	t.Parallel()

	cases := []struct {
		raw       string
		precision int
		want      float64
	}{
		{"150000", 5, 1.5},
		{"1", 5, 0.00001},
		{"0", 8, 0},
		{"123456789012345", 8, 1234567.89012345},
	}
	for _, tc := range cases {
		got, err := ToFloat(tc.raw, tc.precision)
		if err != nil {
			t.Fatalf("ToFloat(%q, %d): %v", tc.raw, tc.precision, err)
		}
		if math.Abs(got-tc.want) > 1e-9 {
			t.Errorf("ToFloat(%q, %d) = %v, want %v", tc.raw, tc.precision, got, tc.want)
		}
	}

	if _, err := ToFloat("not-a-number", 5); err == nil {
		t.Error("ToFloat accepted garbage")
	}
}

func TestToRawTruncates(t *testing.T) {
	t.Parallel()

	if got := ToRaw(1.5, 5); got != "150000" {
		t.Errorf("ToRaw(1.5, 5) = %q, want 150000", got)
	}
	// Sub-precision dust is truncated, not rounded up.
	if got := ToRaw(0.000019, 5); got != "1" {
		t.Errorf("ToRaw(0.000019, 5) = %q, want 1", got)
	}
}

func TestRoundTripStable(t *testing.T) {
	t.Parallel()

	for _, v := range []float64{0.00001, 1.23456, 249.27798, 99999.99999} {
		raw := ToRaw(v, 5)
		back, err := ToFloat(raw, 5)
		if err != nil {
			t.Fatal(err)
		}
		if math.Abs(back-v) > 1e-5 {
			t.Errorf("round trip %v -> %q -> %v", v, raw, back)
		}
	}
}

func TestRatioToFloat(t *testing.T) {
	t.Parallel()

	// 150000 raw quote (prec 4 → 15.0) over 1000 raw base (prec 2 → 10.0) = 1.5
	got, err := RatioToFloat("150000", 4, "1000", 2)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(got-1.5) > 1e-12 {
		t.Errorf("RatioToFloat = %v, want 1.5", got)
	}

	if _, err := RatioToFloat("1", 0, "0", 0); err == nil {
		t.Error("zero denominator accepted")
	}
}
