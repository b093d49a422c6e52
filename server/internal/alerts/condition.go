package alerts

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/canstream/canstream/server/internal/query"
)

// condition is a compiled "<field> <op> <value>" expression over one frame.
//
// Supported fields:
//
//	byteN    payload[N] (unsigned)
//	u16leN   little-endian uint16 at payload[N:N+2]
//	u16beN   big-endian uint16 at payload[N:N+2]
//	len      payload length
//	text     payload as NUL-trimmed UTF-8 (== and != only)
//
// A frame too short for the field never fires.
type condition struct {
	field  string
	offset int
	op     string
	num    float64
	text   string
}

// parseCondition compiles cond, e.g. "byte0 == 1" or "text == Central".
// For text the right-hand side is everything after the operator.
func parseCondition(cond string) (condition, error) {
	parts := strings.Fields(cond)
	if len(parts) < 3 {
		return condition{}, fmt.Errorf("condition %q: want <field> <op> <value>", cond)
	}
	c := condition{op: parts[1]}
	switch c.op {
	case ">", ">=", "<", "<=", "==", "!=":
	default:
		return condition{}, fmt.Errorf("condition %q: unknown operator %q", cond, c.op)
	}

	field := parts[0]
	switch {
	case field == "text":
		if c.op != "==" && c.op != "!=" {
			return condition{}, fmt.Errorf("condition %q: text supports == and != only", cond)
		}
		c.field = "text"
		c.text = strings.Join(parts[2:], " ")
		return c, nil
	case field == "len":
		c.field = "len"
	case strings.HasPrefix(field, "u16le"), strings.HasPrefix(field, "u16be"):
		c.field = field[:5]
		off, err := strconv.Atoi(field[5:])
		if err != nil || off < 0 {
			return condition{}, fmt.Errorf("condition %q: bad offset in %q", cond, field)
		}
		c.offset = off
	case strings.HasPrefix(field, "byte"):
		c.field = "byte"
		off, err := strconv.Atoi(field[4:])
		if err != nil || off < 0 {
			return condition{}, fmt.Errorf("condition %q: bad offset in %q", cond, field)
		}
		c.offset = off
	default:
		return condition{}, fmt.Errorf("condition %q: unknown field %q", cond, field)
	}

	if len(parts) != 3 {
		return condition{}, fmt.Errorf("condition %q: want <field> <op> <value>", cond)
	}
	v, err := parseNumber(parts[2])
	if err != nil {
		return condition{}, fmt.Errorf("condition %q: %w", cond, err)
	}
	c.num = v
	return c, nil
}

// parseNumber accepts decimal or 0x-prefixed hex.
func parseNumber(s string) (float64, error) {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		n, err := strconv.ParseUint(s[2:], 16, 64)
		if err != nil {
			return 0, fmt.Errorf("bad value %q", s)
		}
		return float64(n), nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("bad value %q", s)
	}
	return v, nil
}

// eval tests the condition against payload. It returns whether it fires and
// the value compared (0 for text).
func (c condition) eval(payload []byte) (bool, float64) {
	var v float64
	switch c.field {
	case "text":
		eq := query.DecodeText(payload) == c.text
		return eq == (c.op == "=="), 0
	case "len":
		v = float64(len(payload))
	case "byte":
		if c.offset >= len(payload) {
			return false, 0
		}
		v = float64(payload[c.offset])
	case "u16le", "u16be":
		if c.offset+2 > len(payload) {
			return false, 0
		}
		b := payload[c.offset : c.offset+2]
		if c.field == "u16le" {
			v = float64(binary.LittleEndian.Uint16(b))
		} else {
			v = float64(binary.BigEndian.Uint16(b))
		}
	default:
		return false, 0
	}
	return compareFloat(v, c.op, c.num), v
}

// compareFloat applies a comparison operator to two float64 values.
func compareFloat(v float64, op string, threshold float64) bool {
	switch op {
	case ">":
		return v > threshold
	case ">=":
		return v >= threshold
	case "<":
		return v < threshold
	case "<=":
		return v <= threshold
	case "==":
		return v == threshold
	case "!=":
		return v != threshold
	default:
		return false
	}
}
