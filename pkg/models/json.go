package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// JSONMap is a map column persisted as serialized JSON.
type JSONMap map[string]any

// Value implements driver.Valuer.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshaling JSON column: %w", err)
	}
	return string(data), nil
}

// Scan implements sql.Scanner.
func (m *JSONMap) Scan(src any) error {
	return scanJSON(src, m)
}

// IntSet is a set of issue numbers persisted as a JSON array column.
// Order is insertion order; membership is unique.
type IntSet []int

// Contains reports whether n is in the set.
func (s IntSet) Contains(n int) bool {
	for _, v := range s {
		if v == n {
			return true
		}
	}
	return false
}

// With returns the set including n (no-op when already present).
func (s IntSet) With(n int) IntSet {
	if s.Contains(n) {
		return s
	}
	return append(append(IntSet{}, s...), n)
}

// Without returns the set excluding n.
func (s IntSet) Without(n int) IntSet {
	out := make(IntSet, 0, len(s))
	for _, v := range s {
		if v != n {
			out = append(out, v)
		}
	}
	return out
}

// Value implements driver.Valuer.
func (s IntSet) Value() (driver.Value, error) {
	if s == nil {
		return "[]", nil
	}
	data, err := json.Marshal([]int(s))
	if err != nil {
		return nil, fmt.Errorf("marshaling JSON column: %w", err)
	}
	return string(data), nil
}

// Scan implements sql.Scanner.
func (s *IntSet) Scan(src any) error {
	return scanJSON(src, s)
}

// StringSlice is a list of strings persisted as a JSON array column.
type StringSlice []string

// Value implements driver.Valuer.
func (s StringSlice) Value() (driver.Value, error) {
	if s == nil {
		return "[]", nil
	}
	data, err := json.Marshal([]string(s))
	if err != nil {
		return nil, fmt.Errorf("marshaling JSON column: %w", err)
	}
	return string(data), nil
}

// Scan implements sql.Scanner.
func (s *StringSlice) Scan(src any) error {
	return scanJSON(src, s)
}

func scanJSON(src, dest any) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		if len(v) == 0 {
			return nil
		}
		return json.Unmarshal(v, dest)
	case string:
		if v == "" {
			return nil
		}
		return json.Unmarshal([]byte(v), dest)
	default:
		return fmt.Errorf("unsupported JSON column type %T", src)
	}
}
