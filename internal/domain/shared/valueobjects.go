// Package shared contains common domain types, errors and value objects
// that are used across all domain packages.
package shared

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// ═══════════════════════════════════════════════════════════════════════════
// Collection names
// ═══════════════════════════════════════════════════════════════════════════

// Collection identifies one replicated entity collection.
type Collection string

const (
	CollectionUsers        Collection = "users"
	CollectionCompanies    Collection = "companies"
	CollectionApplications Collection = "applications"
	CollectionAdConfig     Collection = "ad_config"
)

// Collections lists every replicated collection in subscription order.
var Collections = []Collection{
	CollectionUsers,
	CollectionCompanies,
	CollectionApplications,
	CollectionAdConfig,
}

// String returns the string representation.
func (c Collection) String() string {
	return string(c)
}

// IsValid checks that the collection is one of the known ones.
func (c Collection) IsValid() bool {
	for _, known := range Collections {
		if c == known {
			return true
		}
	}
	return false
}

// ═══════════════════════════════════════════════════════════════════════════
// Flag
// ═══════════════════════════════════════════════════════════════════════════

// Flag is a boolean that tolerates the loose encodings found in stored
// documents: true/false, "true"/"false", "yes"/"no", "approved"/"pending",
// 1/0 and null. It is always written back as a JSON boolean.
type Flag bool

// Bool returns the underlying bool value.
func (f Flag) Bool() bool {
	return bool(f)
}

// MarshalJSON writes the flag as a JSON boolean.
func (f Flag) MarshalJSON() ([]byte, error) {
	if f {
		return []byte("true"), nil
	}
	return []byte("false"), nil
}

// UnmarshalJSON accepts any of the loose encodings and never fails on an
// unexpected value; unknown values read as false.
func (f *Flag) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = false
		return nil
	}

	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		*f = false
		return nil
	}
	*f = Flag(CoerceBool(v))
	return nil
}

// CoerceBool is the single canonical conversion of a loosely typed value
// into a boolean.
func CoerceBool(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case Flag:
		return bool(t)
	case float64:
		return t != 0
	case float32:
		return t != 0
	case int:
		return t != 0
	case int64:
		return t != 0
	case json.Number:
		n, err := t.Float64()
		return err == nil && n != 0
	case string:
		return coerceString(t)
	default:
		return false
	}
}

func coerceString(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "yes", "y", "on", "approved", "active":
		return true
	case "", "false", "no", "n", "off", "pending", "rejected", "null":
		return false
	}
	if n, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
		return n != 0
	}
	return false
}
