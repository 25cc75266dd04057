package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Duration accepts an ISO 8601 duration ("PT5S"), a Go duration ("5s") or an
// object with days, hours, minutes, seconds and milliseconds.
type Duration struct {
	time.Duration
}

// NewDuration wraps a time.Duration.
func NewDuration(d time.Duration) Duration {
	return Duration{Duration: d}
}

type durationFields struct {
	Days         int `json:"days,omitempty"`
	Hours        int `json:"hours,omitempty"`
	Minutes      int `json:"minutes,omitempty"`
	Seconds      int `json:"seconds,omitempty"`
	Milliseconds int `json:"milliseconds,omitempty"`
}

var isoDuration = regexp.MustCompile(`^P(?:(\d+)D)?(?:T(?:(\d+)H)?(?:(\d+)M)?(?:(\d+(?:\.\d+)?)S)?)?$`)

// ParseDuration parses an ISO 8601 or Go duration string.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if !strings.HasPrefix(strings.ToUpper(s), "P") {
		return time.ParseDuration(s)
	}
	m := isoDuration.FindStringSubmatch(strings.ToUpper(s))
	if m == nil || s == "P" || strings.HasSuffix(strings.ToUpper(s), "T") {
		return 0, fmt.Errorf("invalid ISO 8601 duration %q", s)
	}
	var d time.Duration
	units := []time.Duration{24 * time.Hour, time.Hour, time.Minute}
	for i, unit := range units {
		if m[i+1] == "" {
			continue
		}
		n, _ := strconv.Atoi(m[i+1])
		d += time.Duration(n) * unit
	}
	if m[4] != "" {
		secs, _ := strconv.ParseFloat(m[4], 64)
		d += time.Duration(secs * float64(time.Second))
	}
	return d, nil
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		parsed, err := ParseDuration(s)
		if err != nil {
			return err
		}
		d.Duration = parsed
		return nil
	}
	var f durationFields
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("duration must be a string or an object: %w", err)
	}
	d.Duration = time.Duration(f.Days)*24*time.Hour +
		time.Duration(f.Hours)*time.Hour +
		time.Duration(f.Minutes)*time.Minute +
		time.Duration(f.Seconds)*time.Second +
		time.Duration(f.Milliseconds)*time.Millisecond
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Duration.String())
}

// BackoffKind is the retry delay growth strategy.
type BackoffKind string

const (
	BackoffNone        BackoffKind = "none"
	BackoffConstant    BackoffKind = "constant"
	BackoffLinear      BackoffKind = "linear"
	BackoffExponential BackoffKind = "exponential"
)

// UnmarshalJSON accepts either "exponential" or {"exponential": {}}.
func (b *BackoffKind) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*b = BackoffKind(s)
		return nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("backoff must be a string or an object: %w", err)
	}
	if len(obj) != 1 {
		return fmt.Errorf("backoff object must have exactly one strategy, got %d", len(obj))
	}
	for k := range obj {
		*b = BackoffKind(k)
	}
	return nil
}
