package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Durations parses the duration fields of a config section and keeps every
// failure, so one bad file reports all of its bad values at once.
//
//	var ds config.Durations
//	read := ds.Field("diag.read_timeout", d.ReadTimeout)
//	idle := ds.FieldOr("diag.idle_timeout", d.IdleTimeout, time.Minute)
//	if err := ds.Err(); err != nil {
//		return err
//	}
type Durations struct {
	errs []error
}

// Field parses raw at path. Empty means 0.
func (ds *Durations) Field(path, raw string) time.Duration {
	d, err := ParseDuration(raw)
	if err != nil {
		ds.errs = append(ds.errs, fmt.Errorf("%s: %w", path, err))
		return 0
	}
	return d
}

// FieldOr is Field with def for empty or zero values.
func (ds *Durations) FieldOr(path, raw string, def time.Duration) time.Duration {
	if d := ds.Field(path, raw); d > 0 {
		return d
	}
	return def
}

func (ds *Durations) Err() error { return errors.Join(ds.errs...) }

// ParseDuration accepts a Go duration ("1500ms", "2m") or an hh:mm:ss span
// ("00:00:05"). Empty is 0 and negative values are rejected.
func ParseDuration(raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		var ok bool
		if d, ok = parseSpan(s); !ok {
			return 0, fmt.Errorf("invalid duration %q (use 1500ms, 30s or hh:mm:ss)", raw)
		}
	}
	if d < 0 {
		return 0, fmt.Errorf("duration %q must be >= 0", raw)
	}
	return d, nil
}

func parseSpan(s string) (time.Duration, bool) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return 0, false
	}
	var n [3]int
	for i, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil || v < 0 || (i > 0 && (len(p) != 2 || v > 59)) {
			return 0, false
		}
		n[i] = v
	}
	return time.Duration(n[0])*time.Hour + time.Duration(n[1])*time.Minute + time.Duration(n[2])*time.Second, true
}
