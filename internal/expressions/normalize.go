package expressions

import (
	"encoding/json"
	"fmt"
	"math/big"
)

// Normalize converts a Go value into the generic JSON shape (maps of
// string→any, []any, float64/int, string, bool, nil) the engines operate on.
// Known shapes are converted directly; anything else goes through JSON.
func Normalize(v any) (any, error) {
	switch val := v.(type) {
	case nil, bool, string, float64, int, *big.Int:
		return val, nil
	case int64:
		return int(val), nil
	case int32:
		return int(val), nil
	case uint:
		return int(val), nil
	case float32:
		return float64(val), nil
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return int(i), nil
		}
		return val.Float64()
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			n, err := Normalize(item)
			if err != nil {
				return nil, err
			}
			out[k] = n
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			n, err := Normalize(item)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	case map[string]string:
		out := make(map[string]any, len(val))
		for k, s := range val {
			out[k] = s
		}
		return out, nil
	case []string:
		out := make([]any, len(val))
		for i, s := range val {
			out[i] = s
		}
		return out, nil
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("value of type %T is not JSON compatible: %w", v, err)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
