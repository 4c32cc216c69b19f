package schedule

import (
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Kind describes the normalized kind of a recurrence expression.
type Kind int

const (
	// KindInterval is an ISO-8601 repeating interval ("R3/PT1M",
	// "2014-01-10T20:00Z/PT1H"). The primary form.
	KindInterval Kind = iota
	// KindCron is a crontab expression ("*/5 * * * *", "@hourly"),
	// optionally forced with a "cron:" prefix.
	KindCron
)

// Recurrence is the parsed form of a schedule expression. It is a value
// object built on demand from a record's expression text; it is never
// persisted itself.
//
// Supported forms:
//   - "[R<n>/]<start>/<period>" — anchored repeating interval
//   - "[R<n>/]<period>"         — interval anchored at parse time
//   - "cron:<spec>" / "@hourly" / 5-field crontab — cron expression
type Recurrence struct {
	Kind Kind

	// Runs is the repeat count from "R<n>/". Nil means unbounded.
	Runs *int64

	// Anchor is the first scheduled instant, in UTC. When the expression
	// carries no <start>, it is the parse-time "now" and HasAnchor is false.
	Anchor    time.Time
	HasAnchor bool

	// Period is the grid step. Zero for cron-kind recurrences.
	Period time.Duration

	CronSpec string
	cronSch  cron.Schedule
}

var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Parse parses a recurrence expression. The supplied now anchors
// expressions that carry no explicit start.
func Parse(raw string, now time.Time) (Recurrence, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Recurrence{}, Malformed(raw, "empty expression")
	}

	if spec, ok := strings.CutPrefix(s, "cron:"); ok {
		return parseCron(raw, strings.TrimSpace(spec), now)
	}
	// Crontab specs contain whitespace or start with an @-descriptor;
	// ISO interval expressions never do.
	if strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@") {
		return parseCron(raw, s, now)
	}

	return parseInterval(raw, s, now)
}

func parseCron(raw, spec string, now time.Time) (Recurrence, error) {
	if spec == "" {
		return Recurrence{}, Malformed(raw, "cron spec required after 'cron:'")
	}
	sch, err := cronParser.Parse(spec)
	if err != nil {
		return Recurrence{}, Malformed(raw, err.Error())
	}
	// Pin to UTC: schedules are stored and evaluated in UTC, and the
	// parser would otherwise default to the host timezone.
	if ss, ok := sch.(*cron.SpecSchedule); ok {
		ss.Location = time.UTC
	}
	return Recurrence{
		Kind:     KindCron,
		Anchor:   now.UTC(),
		CronSpec: spec,
		cronSch:  sch,
	}, nil
}

func parseInterval(raw, s string, now time.Time) (Recurrence, error) {
	parts := strings.Split(s, "/")

	rec := Recurrence{Kind: KindInterval, Anchor: now.UTC()}

	// Optional leading repeat count.
	if len(parts[0]) > 0 && (parts[0][0] == 'R' || parts[0][0] == 'r') {
		runs, err := parseRepeat(raw, parts[0])
		if err != nil {
			return Recurrence{}, err
		}
		rec.Runs = runs
		parts = parts[1:]
	}

	switch len(parts) {
	case 1:
		// <period> only; anchored at parse time.
	case 2:
		anchor, err := parseTimestamp(parts[0])
		if err != nil {
			return Recurrence{}, Malformed(raw, "bad start timestamp: "+err.Error())
		}
		rec.Anchor = anchor
		rec.HasAnchor = true
		parts = parts[1:]
	default:
		return Recurrence{}, Malformed(raw, "expected [R<n>/][<start>/]<period>")
	}

	period, err := parseISODuration(raw, parts[0])
	if err != nil {
		return Recurrence{}, err
	}
	if period <= 0 {
		return Recurrence{}, Malformed(raw, "period must be positive")
	}
	rec.Period = period
	return rec, nil
}

// parseRepeat parses the "R<n>" prefix. A bare "R" means unbounded.
func parseRepeat(raw, part string) (*int64, error) {
	digits := part[1:]
	if digits == "" {
		return nil, nil
	}
	if strings.HasPrefix(digits, "-") {
		return nil, Malformed(raw, "repeat count must be non-negative")
	}
	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return nil, Malformed(raw, "bad repeat count "+strconv.Quote(digits))
	}
	return &n, nil
}

var timestampLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04Z07:00",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
}

// parseTimestamp accepts the common ISO-8601 datetime spellings, with or
// without seconds and zone. Naive timestamps are taken as UTC.
func parseTimestamp(s string) (time.Time, error) {
	var lastErr error
	for _, layout := range timestampLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t.UTC(), nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

// parseISODuration parses an ISO-8601 duration with fixed-length units
// (weeks, days, hours, minutes, seconds). Year and month designators are
// rejected: their calendar-variable length cannot produce a fixed grid.
func parseISODuration(raw, s string) (time.Duration, error) {
	if len(s) < 2 || (s[0] != 'P' && s[0] != 'p') {
		return 0, Malformed(raw, "duration must start with 'P'")
	}
	rest := s[1:]
	inTime := false
	seen := false
	var total time.Duration

	for len(rest) > 0 {
		if rest[0] == 'T' || rest[0] == 't' {
			if inTime {
				return 0, Malformed(raw, "duplicate 'T' in duration")
			}
			inTime = true
			rest = rest[1:]
			continue
		}

		i := 0
		for i < len(rest) && (rest[i] >= '0' && rest[i] <= '9' || rest[i] == '.') {
			i++
		}
		if i == 0 || i >= len(rest) {
			return 0, Malformed(raw, "bad duration component in "+strconv.Quote(s))
		}
		val, err := strconv.ParseFloat(rest[:i], 64)
		if err != nil {
			return 0, Malformed(raw, "bad duration value "+strconv.Quote(rest[:i]))
		}
		designator := rest[i]
		rest = rest[i+1:]

		var unit time.Duration
		switch {
		case !inTime && (designator == 'W' || designator == 'w'):
			unit = 7 * 24 * time.Hour
		case !inTime && (designator == 'D' || designator == 'd'):
			unit = 24 * time.Hour
		case !inTime && (designator == 'Y' || designator == 'y' || designator == 'M' || designator == 'm'):
			return 0, Malformed(raw, "year/month periods are not supported (variable length)")
		case inTime && (designator == 'H' || designator == 'h'):
			unit = time.Hour
		case inTime && (designator == 'M' || designator == 'm'):
			unit = time.Minute
		case inTime && (designator == 'S' || designator == 's'):
			unit = time.Second
		default:
			return 0, Malformed(raw, "unknown duration designator "+string(designator))
		}
		total += time.Duration(val * float64(unit))
		seen = true
	}
	if !seen {
		return 0, Malformed(raw, "empty duration")
	}
	return total, nil
}

// NextAfter returns the first cron activation strictly after t.
// Only meaningful for KindCron.
func (r Recurrence) NextAfter(t time.Time) time.Time {
	if r.cronSch == nil {
		return time.Time{}
	}
	return r.cronSch.Next(t)
}
