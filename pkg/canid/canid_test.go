package canid

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParse_Forms(t *testing.T) {
	cases := []struct {
		name string
		in   any
		want string
	}{
		{"int decimal", 291, "0x123"},
		{"prefixed lower", "0x123", "0x123"},
		{"prefixed upper", "0X1AB", "0x1ab"},
		{"mixed case digits", "0xAbC", "0xabc"},
		{"no prefix", "10a", "0x10a"},
		{"leading zeros", "0x0123", "0x123"},
		{"surrounding space", "  0x7ff ", "0x7ff"},
		{"zero", 0, "0x0"},
		{"int64", int64(0x1fffffff), "0x1fffffff"},
		{"uint32", uint32(0x100), "0x100"},
		{"uint8", uint8(255), "0xff"},
		{"negative int", -5, "-0x5"},
		{"negative text", "-0x5", "-0x5"},
		{"plus sign", "+0x5", "0x5"},
		{"float integral", float64(0x105), "0x105"},
		{"json number", json.Number("291"), "0x123"},
		{"json number exponent", json.Number("2.91e2"), "0x123"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Parse(tc.in)
			if err != nil {
				t.Fatalf("Parse(%v): unexpected error: %v", tc.in, err)
			}
			if got != tc.want {
				t.Errorf("Parse(%v): got %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestParse_Rejects(t *testing.T) {
	cases := []struct {
		name string
		in   any
	}{
		{"nil", nil},
		{"empty", ""},
		{"blank", "   "},
		{"prefix only", "0x"},
		{"not hex", "0xZZ"},
		{"fraction", 1.5},
		{"bool", true},
		{"slice", []int{1}},
		{"overflow", "0x1ffffffffffffffff"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got, err := Parse(tc.in); err == nil {
				t.Errorf("Parse(%v): got %q, want error", tc.in, got)
			}
		})
	}
}

func TestParse_EmptyIsErrEmpty(t *testing.T) {
	for _, in := range []any{nil, "", " "} {
		if _, err := Parse(in); !errors.Is(err, ErrEmpty) {
			t.Errorf("Parse(%q): got %v, want ErrEmpty", in, err)
		}
	}
}

func TestNormalize_DecimalAndHexAgree(t *testing.T) {
	if a, b := Normalize(291), Normalize("0x123"); a != b {
		t.Errorf("Normalize(291)=%q, Normalize(\"0x123\")=%q; want equal", a, b)
	}
}

func TestNormalize_Idempotent(t *testing.T) {
	for _, in := range []any{291, "0X10A", "7ff", -16, uint64(1) << 40} {
		once := Normalize(in)
		twice := Normalize(once)
		if once != twice {
			t.Errorf("Normalize not idempotent for %v: %q then %q", in, once, twice)
		}
	}
}

// The sentinel path is only reachable when a caller skips Parse.
func TestNormalize_FallsBackToSentinel(t *testing.T) {
	for _, in := range []any{nil, "", "garbage", 2.5, struct{}{}} {
		if got := Normalize(in); got != Sentinel {
			t.Errorf("Normalize(%v): got %q, want %q", in, got, Sentinel)
		}
	}
}
