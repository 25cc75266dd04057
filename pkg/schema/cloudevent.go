package schema

import (
	"encoding/json"
	"fmt"
	"time"
)

// CloudEventSpecVersion is the CloudEvents version produced by the engine.
const CloudEventSpecVersion = "1.0"

// CloudEvent is the CloudEvents 1.0 envelope published by emit tasks and
// consumed by listen tasks.
type CloudEvent struct {
	ID              string         `json:"id"`
	Source          string         `json:"source"`
	Type            string         `json:"type"`
	SpecVersion     string         `json:"specversion"`
	Subject         string         `json:"subject,omitempty"`
	Time            *time.Time     `json:"time,omitempty"`
	DataContentType string         `json:"datacontenttype,omitempty"`
	DataSchema      string         `json:"dataschema,omitempty"`
	Data            any            `json:"data,omitempty"`
	Extensions      map[string]any `json:"-"`
}

var cloudEventAttributes = map[string]bool{
	"id": true, "source": true, "type": true, "specversion": true, "subject": true,
	"time": true, "datacontenttype": true, "dataschema": true, "data": true,
}

// CloudEventFromMap builds an event from an attribute map. Unknown attributes
// become extensions.
func CloudEventFromMap(m map[string]any) (*CloudEvent, error) {
	ev := &CloudEvent{Extensions: map[string]any{}}
	for k, v := range m {
		if !cloudEventAttributes[k] {
			ev.Extensions[k] = v
			continue
		}
		if k == "data" {
			ev.Data = v
			continue
		}
		if k == "time" {
			t, err := parseEventTime(v)
			if err != nil {
				return nil, err
			}
			ev.Time = &t
			continue
		}
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("cloud event attribute %q must be a string", k)
		}
		switch k {
		case "id":
			ev.ID = s
		case "source":
			ev.Source = s
		case "type":
			ev.Type = s
		case "specversion":
			ev.SpecVersion = s
		case "subject":
			ev.Subject = s
		case "datacontenttype":
			ev.DataContentType = s
		case "dataschema":
			ev.DataSchema = s
		}
	}
	return ev, nil
}

func parseEventTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return time.Time{}, fmt.Errorf("cloud event time: %w", err)
		}
		return parsed, nil
	}
	return time.Time{}, fmt.Errorf("cloud event time must be an RFC 3339 string")
}

// ToMap flattens the event, extensions included.
func (e *CloudEvent) ToMap() map[string]any {
	m := make(map[string]any, len(e.Extensions)+8)
	for k, v := range e.Extensions {
		m[k] = v
	}
	m["id"] = e.ID
	m["source"] = e.Source
	m["type"] = e.Type
	m["specversion"] = e.SpecVersion
	if e.Subject != "" {
		m["subject"] = e.Subject
	}
	if e.Time != nil {
		m["time"] = e.Time.UTC().Format(time.RFC3339Nano)
	}
	if e.DataContentType != "" {
		m["datacontenttype"] = e.DataContentType
	}
	if e.DataSchema != "" {
		m["dataschema"] = e.DataSchema
	}
	if e.Data != nil {
		m["data"] = e.Data
	}
	return m
}

func (e *CloudEvent) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.ToMap())
}

func (e *CloudEvent) UnmarshalJSON(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	ev, err := CloudEventFromMap(m)
	if err != nil {
		return err
	}
	*e = *ev
	return nil
}
