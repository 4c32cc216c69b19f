package schedule

import (
	"errors"
	"testing"
	"time"
)

func TestParseIntervalVariants(t *testing.T) {
	t.Parallel()
	now := time.Date(2014, 1, 10, 20, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		raw       string
		runs      int64 // -1 means unbounded
		hasAnchor bool
		anchor    time.Time
		period    time.Duration
	}{
		{name: "plain period", raw: "PT1M", runs: -1, period: time.Minute},
		{name: "bounded", raw: "R3/PT1M", runs: 3, period: time.Minute},
		{name: "bare R is unbounded", raw: "R/PT1H", runs: -1, period: time.Hour},
		{name: "zero repeat count", raw: "R0/PT1H", runs: 0, period: time.Hour},
		{
			name:      "anchored",
			raw:       "2014-01-03T10:15Z/PT1H",
			runs:      -1,
			hasAnchor: true,
			anchor:    time.Unix(1388744100, 0).UTC(),
			period:    time.Hour,
		},
		{
			name:      "bounded and anchored",
			raw:       "R2/2014-01-03T10:15Z/PT1H",
			runs:      2,
			hasAnchor: true,
			anchor:    time.Unix(1388744100, 0).UTC(),
			period:    time.Hour,
		},
		{name: "day and hours", raw: "P1DT2H", runs: -1, period: 26 * time.Hour},
		{name: "weeks", raw: "P2W", runs: -1, period: 14 * 24 * time.Hour},
		{name: "fractional seconds", raw: "PT1.5S", runs: -1, period: 1500 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := Parse(tt.raw, now)
			if err != nil {
				t.Fatalf("Parse(%q) error: %v", tt.raw, err)
			}
			if rec.Kind != KindInterval {
				t.Fatalf("Kind = %v, want KindInterval", rec.Kind)
			}
			if tt.runs < 0 {
				if rec.Runs != nil {
					t.Fatalf("Runs = %d, want unbounded", *rec.Runs)
				}
			} else if rec.Runs == nil || *rec.Runs != tt.runs {
				t.Fatalf("Runs = %v, want %d", rec.Runs, tt.runs)
			}
			if rec.HasAnchor != tt.hasAnchor {
				t.Fatalf("HasAnchor = %v, want %v", rec.HasAnchor, tt.hasAnchor)
			}
			if tt.hasAnchor && !rec.Anchor.Equal(tt.anchor) {
				t.Fatalf("Anchor = %v, want %v", rec.Anchor, tt.anchor)
			}
			if !tt.hasAnchor && !rec.Anchor.Equal(now) {
				t.Fatalf("Anchor = %v, want parse-time now %v", rec.Anchor, now)
			}
			if rec.Period != tt.period {
				t.Fatalf("Period = %v, want %v", rec.Period, tt.period)
			}
		})
	}
}

func TestParseMalformed(t *testing.T) {
	t.Parallel()
	now := time.Now()

	tests := []struct {
		name string
		raw  string
	}{
		{name: "empty", raw: ""},
		{name: "garbage", raw: "not-a-schedule"},
		{name: "missing period", raw: "R3/"},
		{name: "zero period", raw: "PT0S"},
		{name: "negative repeat", raw: "R-1/PT1M"},
		{name: "month period", raw: "P1M"},
		{name: "year period", raw: "P1Y"},
		{name: "too many segments", raw: "R3/2014-01-03T10:15Z/PT1H/PT1M"},
		{name: "bad timestamp", raw: "yesterday/PT1H"},
		{name: "bare P", raw: "P"},
		{name: "missing designator", raw: "PT5"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.raw, now)
			if !errors.Is(err, ErrMalformedExpression) {
				t.Fatalf("Parse(%q) error = %v, want ErrMalformedExpression", tt.raw, err)
			}
		})
	}
}

func TestParseCronForms(t *testing.T) {
	t.Parallel()
	now := time.Date(2014, 1, 10, 21, 35, 58, 0, time.UTC)

	for _, raw := range []string{"*/5 * * * *", "cron:0 0 * * *", "@hourly"} {
		rec, err := Parse(raw, now)
		if err != nil {
			t.Fatalf("Parse(%q) error: %v", raw, err)
		}
		if rec.Kind != KindCron {
			t.Fatalf("Parse(%q) Kind = %v, want KindCron", raw, rec.Kind)
		}
		if rec.NextAfter(now).IsZero() {
			t.Fatalf("Parse(%q) NextAfter returned zero time", raw)
		}
	}

	if _, err := Parse("cron:", now); !errors.Is(err, ErrMalformedExpression) {
		t.Fatalf("empty cron spec: error = %v, want ErrMalformedExpression", err)
	}
	if _, err := Parse("cron:not a cron", now); !errors.Is(err, ErrMalformedExpression) {
		t.Fatalf("bad cron spec: error = %v, want ErrMalformedExpression", err)
	}
}

func TestParseCronNext(t *testing.T) {
	t.Parallel()
	now := time.Date(2014, 1, 10, 21, 35, 58, 0, time.UTC)

	rec, err := Parse("@hourly", now)
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	want := time.Date(2014, 1, 10, 22, 0, 0, 0, time.UTC)
	if got := rec.NextAfter(now); !got.Equal(want) {
		t.Fatalf("NextAfter = %v, want %v", got, want)
	}
}
