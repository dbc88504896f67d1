package etag_test

import (
	"encoding/json"
	"testing"

	"github.com/corviddb/corvid/etag"
)

func fromUint64(n uint64) etag.Etag {
	var e etag.Etag
	for i := 15; i >= 8; i-- {
		e[i] = byte(n)
		n >>= 8
	}
	return e
}

func TestEtag_Compare(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		a, b etag.Etag
		want int
	}{
		{name: "equal", a: fromUint64(5), b: fromUint64(5), want: 0},
		{name: "less", a: fromUint64(1), b: fromUint64(2), want: -1},
		{name: "greater", a: fromUint64(9), b: fromUint64(2), want: 1},
		{name: "zero is less than any nonzero", a: etag.ZeroEtag, b: fromUint64(1), want: -1},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := tt.a.Compare(tt.b)
			if sign(got) != sign(tt.want) {
				t.Errorf("Compare() = %d, want sign %d", got, tt.want)
			}
		})
	}
}

func sign(n int) int {
	switch {
	case n < 0:
		return -1
	case n > 0:
		return 1
	default:
		return 0
	}
}

func TestEtag_IsZero(t *testing.T) {
	t.Parallel()

	if !etag.ZeroEtag.IsZero() {
		t.Error("ZeroEtag.IsZero() = false, want true")
	}
	if fromUint64(1).IsZero() {
		t.Error("nonzero etag.IsZero() = true, want false")
	}
}

func TestEtag_JSONRoundTrip(t *testing.T) {
	t.Parallel()

	want := fromUint64(424242)
	data, err := json.Marshal(want)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	var got etag.Etag
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if got != want {
		t.Errorf("round trip = %v, want %v", got, want)
	}
}
