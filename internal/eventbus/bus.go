package eventbus

import (
	"context"
	"encoding/json"
	"reflect"

	"github.com/rendis/flowcore/pkg/schema"
)

// Filter specifies which events a subscriber wants to receive.
// Empty fields match everything.
type Filter struct {
	Types   []string `json:"types,omitempty"`
	Source  string   `json:"source,omitempty"`
	Subject string   `json:"subject,omitempty"`
	// Attributes are compared against the event's map form. Map values match
	// as subsets, so {"data": {"id": 1}} matches any event whose data has id 1.
	Attributes map[string]any `json:"attributes,omitempty"`
	// Predicate, when set, must also accept the event.
	Predicate func(*schema.CloudEvent) bool `json:"-"`
}

// Bus publishes CloudEvents and delivers them to filtered subscribers.
type Bus interface {
	Publish(ctx context.Context, event *schema.CloudEvent) error
	Subscribe(ctx context.Context, filter Filter) (<-chan *schema.CloudEvent, func(), error)
}

// Match reports whether the event passes the filter criteria.
func (f Filter) Match(e *schema.CloudEvent) bool {
	if e == nil {
		return false
	}
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if t == e.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Source != "" && f.Source != e.Source {
		return false
	}
	if f.Subject != "" && f.Subject != e.Subject {
		return false
	}
	if len(f.Attributes) > 0 {
		attrs := e.ToMap()
		for k, want := range f.Attributes {
			got, ok := attrs[k]
			if !ok || !matchValue(canonical(want), canonical(got)) {
				return false
			}
		}
	}
	if f.Predicate != nil && !f.Predicate(e) {
		return false
	}
	return true
}

func matchValue(want, got any) bool {
	wm, ok := want.(map[string]any)
	if !ok {
		return reflect.DeepEqual(want, got)
	}
	gm, ok := got.(map[string]any)
	if !ok {
		return false
	}
	for k, wv := range wm {
		gv, ok := gm[k]
		if !ok || !matchValue(wv, gv) {
			return false
		}
	}
	return true
}

// canonical maps Go values onto their JSON shape so 1 and 1.0 compare equal.
func canonical(v any) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}
