package store

import (
	"bytes"
	"encoding/json"
	"math"

	"github.com/rendis/flowcore/pkg/schema"
)

// encodeDocument serializes a document to canonical JSON.
func encodeDocument(content any) ([]byte, error) {
	raw, err := json.Marshal(content)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "document is not JSON serializable: %s", err.Error()).WithCause(err)
	}
	return raw, nil
}

// decodeDocument parses stored JSON. Integral numbers come back as int so a
// document written with Go ints reads back structurally equal.
func decodeDocument(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "corrupt document: %s", err.Error()).WithCause(err)
	}
	return fromNumbers(v), nil
}

func fromNumbers(v any) any {
	switch val := v.(type) {
	case json.Number:
		if i, err := val.Int64(); err == nil && i >= math.MinInt && i <= math.MaxInt {
			return int(i)
		}
		f, _ := val.Float64()
		return f
	case map[string]any:
		for k, item := range val {
			val[k] = fromNumbers(item)
		}
		return val
	case []any:
		for i, item := range val {
			val[i] = fromNumbers(item)
		}
		return val
	}
	return v
}

func storeNotFound(resource, id string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}
