package scheduler

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

type SpecKind int

const (
	SpecCron SpecKind = iota
	SpecInterval
)

// ParsedSpec is a validated schedule string. Accepted forms:
//
//	*/1 * * * * *     six-field cron, seconds first (also @hourly, @every 10s)
//	00:00:01          hh:mm:ss interval
//	15s, 2h30m        Go duration interval
//
// A "cron:" prefix forces cron parsing; "interval:" or "every:" forces an
// interval.
type ParsedSpec struct {
	Kind   SpecKind
	Cron   string
	Every  time.Duration
	Source string // cron, timespan or duration
}

var cronParser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Parser returns the six-field parser shared by every schedule.
func Parser() cron.Parser { return cronParser }

var errEmptySchedule = errors.New("schedule required")

var forcedKinds = []struct {
	prefix string
	parse  func(string) (ParsedSpec, error)
}{
	{"cron:", parseCron},
	{"interval:", parseInterval},
	{"every:", parseInterval},
}

// ParseSchedule classifies and validates raw. Cron input is checked with
// the six-field parser so the result always schedules; intervals below one
// second are rejected later by Schedule.
func ParseSchedule(raw string) (ParsedSpec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ParsedSpec{}, errEmptySchedule
	}
	for _, f := range forcedKinds {
		if len(s) >= len(f.prefix) && strings.EqualFold(s[:len(f.prefix)], f.prefix) {
			return f.parse(strings.TrimSpace(s[len(f.prefix):]))
		}
	}
	if strings.HasPrefix(s, "@") || strings.ContainsAny(s, " \t\r\n") {
		return parseCron(s)
	}
	ps, err := parseInterval(s)
	if err != nil {
		return ParsedSpec{}, fmt.Errorf("invalid schedule %q (use six-field cron like '*/1 * * * * *', hh:mm:ss like '00:05:00', or a duration like '30s')", raw)
	}
	return ps, nil
}

func parseCron(expr string) (ParsedSpec, error) {
	if expr == "" {
		return ParsedSpec{}, errEmptySchedule
	}
	if _, err := cronParser.Parse(expr); err != nil {
		return ParsedSpec{}, fmt.Errorf("invalid cron schedule %q: %w", expr, err)
	}
	return ParsedSpec{Kind: SpecCron, Cron: expr, Source: "cron"}, nil
}

func parseInterval(v string) (ParsedSpec, error) {
	if v == "" {
		return ParsedSpec{}, errEmptySchedule
	}
	ps := ParsedSpec{Kind: SpecInterval}
	if strings.Contains(v, ":") {
		d, err := timeSpan(v)
		if err != nil {
			return ParsedSpec{}, err
		}
		ps.Every, ps.Source = d, "timespan"
	} else {
		d, err := time.ParseDuration(v)
		if err != nil {
			return ParsedSpec{}, fmt.Errorf("invalid interval %q (use hh:mm:ss or a duration like '30s')", v)
		}
		ps.Every, ps.Source = d, "duration"
	}
	if ps.Every <= 0 {
		return ParsedSpec{}, fmt.Errorf("interval %q must be positive", v)
	}
	return ps, nil
}

// timeSpan parses hh:mm:ss with one to three hour digits.
func timeSpan(v string) (time.Duration, error) {
	parts := strings.Split(v, ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("invalid timespan %q", v)
	}
	var n [3]int
	for i, p := range parts {
		width := len(p)
		if (i == 0 && (width < 1 || width > 3)) || (i > 0 && width != 2) {
			return 0, fmt.Errorf("invalid timespan %q", v)
		}
		x, err := strconv.Atoi(p)
		if err != nil || x < 0 {
			return 0, fmt.Errorf("invalid timespan %q", v)
		}
		n[i] = x
	}
	if n[1] > 59 || n[2] > 59 {
		return 0, fmt.Errorf("invalid timespan %q: minutes and seconds must be < 60", v)
	}
	return time.Duration(n[0])*time.Hour + time.Duration(n[1])*time.Minute + time.Duration(n[2])*time.Second, nil
}

// Schedule builds the cron.Schedule. Intervals must be at least one second,
// the cron resolution.
func (p ParsedSpec) Schedule() (cron.Schedule, error) {
	if p.Kind == SpecInterval {
		if p.Every < time.Second {
			return nil, fmt.Errorf("interval %s is below the 1s scheduler resolution", p.Every)
		}
		return cron.Every(p.Every), nil
	}
	return cronParser.Parse(p.Cron)
}

// Spec is the normalized schedule string, "@every <d>" for intervals.
func (p ParsedSpec) Spec() string {
	if p.Kind == SpecInterval {
		return "@every " + p.Every.String()
	}
	return p.Cron
}
