package backend

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// EncodeRow converts a tagged struct into a Row.
func EncodeRow(v any) (Row, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode row: %w", err)
	}
	var row Row
	if err := json.Unmarshal(raw, &row); err != nil {
		return nil, fmt.Errorf("encode row: %w", err)
	}
	return row, nil
}

func DecodeRow[T any](row Row) (T, error) {
	var out T
	raw, err := json.Marshal(row)
	if err != nil {
		return out, fmt.Errorf("decode row: %w", err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode row: %w", err)
	}
	return out, nil
}

func DecodeRows[T any](rows []Row) ([]T, error) {
	out := make([]T, 0, len(rows))
	for _, row := range rows {
		v, err := DecodeRow[T](row)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// Matches reports whether row satisfies every filter. Values are compared
// by their textual form so 42 and "42" are equal.
func Matches(row Row, filters ...Filter) bool {
	for _, f := range filters {
		v := stringify(row[f.Column])
		switch f.Op {
		case OpEq:
			if v != stringify(f.Value) {
				return false
			}
		case OpNeq:
			if v == stringify(f.Value) {
				return false
			}
		case OpIn:
			values, _ := f.Value.([]any)
			found := false
			for _, candidate := range values {
				if v == stringify(candidate) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case json.Number:
		return x.String()
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}
