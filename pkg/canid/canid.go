// Package canid canonicalizes bus frame identifiers.
//
// Identifiers arrive as integers (Go callers, JSON and protobuf Struct numbers)
// or as hexadecimal text with or without a "0x" prefix. Every accepted form is
// rendered as lowercase hexadecimal with a "0x" prefix, e.g. 291, "0x123" and
// "0X0123" all become "0x123". Text is always read as base 16: "291" is 0x291.
package canid

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
)

// Sentinel is the key Normalize falls back to for input it cannot parse.
const Sentinel = "0x0"

// ErrEmpty is returned by Parse for nil or blank identifiers.
var ErrEmpty = errors.New("canid: empty identifier")

// Parse returns the canonical form of id or an error describing why id is not
// a usable identifier. Parse is idempotent: Parse(Parse(x)) == Parse(x).
func Parse(id any) (string, error) {
	switch v := id.(type) {
	case nil:
		return "", ErrEmpty
	case string:
		return parseText(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return formatInt(n), nil
		}
		f, err := v.Float64()
		if err != nil {
			return "", fmt.Errorf("canid: %q is not a number: %w", v.String(), err)
		}
		return parseFloat(f)
	case int:
		return formatInt(int64(v)), nil
	case int8:
		return formatInt(int64(v)), nil
	case int16:
		return formatInt(int64(v)), nil
	case int32:
		return formatInt(int64(v)), nil
	case int64:
		return formatInt(v), nil
	case uint:
		return formatUint(uint64(v)), nil
	case uint8:
		return formatUint(uint64(v)), nil
	case uint16:
		return formatUint(uint64(v)), nil
	case uint32:
		return formatUint(uint64(v)), nil
	case uint64:
		return formatUint(v), nil
	case float32:
		return parseFloat(float64(v))
	case float64:
		return parseFloat(v)
	default:
		return "", fmt.Errorf("canid: unsupported identifier type %T", id)
	}
}

// Normalize is Parse without the error: unparsable input yields Sentinel.
// Callers are expected to have validated id with Parse first, so reaching the
// fallback is logged as a warning.
func Normalize(id any) string {
	key, err := Parse(id)
	if err != nil {
		slog.Warn("canid: identifier fell back to sentinel",
			"value", fmt.Sprintf("%v", id), "err", err)
		return Sentinel
	}
	return key
}

func parseText(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", ErrEmpty
	}

	neg := false
	switch s[0] {
	case '-':
		neg = true
		s = s[1:]
	case '+':
		s = s[1:]
	}
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		s = s[2:]
	}
	if s == "" {
		return "", fmt.Errorf("canid: no hex digits")
	}

	u, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return "", fmt.Errorf("canid: %q is not hexadecimal: %w", s, err)
	}
	if !neg || u == 0 {
		return formatUint(u), nil
	}
	if u > 1<<63 {
		return "", fmt.Errorf("canid: -0x%x overflows int64", u)
	}
	return "-0x" + strconv.FormatUint(u, 16), nil
}

func parseFloat(f float64) (string, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return "", fmt.Errorf("canid: %v is not an integer", f)
	}
	if f >= 0 && f < math.MaxUint64 {
		return formatUint(uint64(f)), nil
	}
	if f < 0 && f >= math.MinInt64 {
		return formatInt(int64(f)), nil
	}
	return "", fmt.Errorf("canid: %v is out of range", f)
}

func formatInt(n int64) string {
	s := strconv.FormatInt(n, 16)
	if strings.HasPrefix(s, "-") {
		return "-0x" + s[1:]
	}
	return "0x" + s
}

func formatUint(n uint64) string {
	return "0x" + strconv.FormatUint(n, 16)
}
