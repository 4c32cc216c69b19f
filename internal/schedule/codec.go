package schedule

import (
	"time"
)

// Storage field names. The persisted layout is a flat mapping with these
// keys, suitable for any document or relational store keyed by "id".
const (
	fieldID                  = "id"
	fieldTaskName            = "task_name"
	fieldArgs                = "args"
	fieldKwargs              = "kwargs"
	fieldISOSchedule         = "iso_schedule"
	fieldFirstRun            = "first_run"
	fieldLastRunAt           = "last_run_at"
	fieldTotalRunCount       = "total_run_count"
	fieldRemainingRuns       = "remaining_runs"
	fieldEnabled             = "enabled"
	fieldConsecutiveFailures = "consecutive_failures"
	fieldFailureThreshold    = "failure_threshold"
	fieldResource            = "resource"
	fieldPrincipal           = "principal"
	fieldLastUpdated         = "last_updated"
)

// ToRaw serializes the record into the flat storage mapping. Derived values
// (next run, grid position) are never included here; see Entry.Display.
func (r *Record) ToRaw() map[string]any {
	raw := map[string]any{
		fieldID:                  r.ID,
		fieldTaskName:            r.TaskName,
		fieldArgs:                r.Args,
		fieldKwargs:              r.Kwargs,
		fieldISOSchedule:         r.Expression,
		fieldFirstRun:            r.FirstRun.Format(time.RFC3339),
		fieldTotalRunCount:       r.TotalRunCount,
		fieldEnabled:             r.Enabled,
		fieldConsecutiveFailures: int64(r.ConsecutiveFailures),
		fieldFailureThreshold:    int64(r.FailureThreshold),
		fieldResource:            r.Resource,
		fieldPrincipal:           r.Principal,
		fieldLastUpdated:         r.LastUpdated.UnixMilli(),
	}
	if !r.LastRunAt.IsZero() {
		raw[fieldLastRunAt] = r.LastRunAt.Format(time.RFC3339)
	}
	if r.RemainingRuns != nil {
		raw[fieldRemainingRuns] = *r.RemainingRuns
	}
	return raw
}

// FromRaw reconstructs a record from the flat storage mapping. Missing
// optional fields take their documented defaults; a missing id, task name
// or expression means the record was never validly persisted and yields
// ErrCorruptRecord.
func FromRaw(raw map[string]any) (*Record, error) {
	id, _ := raw[fieldID].(string)
	if id == "" {
		return nil, Corrupt(fieldID, "missing")
	}
	task, _ := raw[fieldTaskName].(string)
	if task == "" {
		return nil, Corrupt(fieldTaskName, "missing")
	}
	expr, _ := raw[fieldISOSchedule].(string)
	if expr == "" {
		return nil, Corrupt(fieldISOSchedule, "missing")
	}

	r := &Record{
		ID:         id,
		TaskName:   task,
		Expression: expr,
		Args:       []any{},
		Kwargs:     map[string]any{},
		Principal:  map[string]any{},
		Enabled:    true,
	}

	if v, ok := raw[fieldArgs].([]any); ok && v != nil {
		r.Args = v
	}
	if v, ok := raw[fieldKwargs].(map[string]any); ok && v != nil {
		r.Kwargs = v
	}
	if v, ok := raw[fieldPrincipal].(map[string]any); ok && v != nil {
		r.Principal = v
	}
	if v, ok := raw[fieldResource].(string); ok {
		r.Resource = v
	}
	if v, ok := raw[fieldEnabled].(bool); ok {
		r.Enabled = v
	}

	if s, ok := raw[fieldFirstRun].(string); ok && s != "" {
		t, err := parseTimestamp(s)
		if err != nil {
			return nil, Corrupt(fieldFirstRun, err.Error())
		}
		r.FirstRun = t
	} else {
		return nil, Corrupt(fieldFirstRun, "missing")
	}
	if s, ok := raw[fieldLastRunAt].(string); ok && s != "" {
		t, err := parseTimestamp(s)
		if err != nil {
			return nil, Corrupt(fieldLastRunAt, err.Error())
		}
		r.LastRunAt = t
	}

	if v, ok := asInt64(raw[fieldTotalRunCount]); ok {
		if v < 0 {
			return nil, Corrupt(fieldTotalRunCount, "negative")
		}
		r.TotalRunCount = v
	}
	if v, ok := asInt64(raw[fieldRemainingRuns]); ok {
		if v < 0 {
			v = 0
		}
		r.RemainingRuns = &v
	}
	if v, ok := asInt64(raw[fieldConsecutiveFailures]); ok {
		r.ConsecutiveFailures = int(v)
	}
	if v, ok := asInt64(raw[fieldFailureThreshold]); ok {
		r.FailureThreshold = int(v)
	}
	if v, ok := asInt64(raw[fieldLastUpdated]); ok {
		r.LastUpdated = time.UnixMilli(v).UTC()
	}
	return r, nil
}

// asInt64 coerces the numeric types that JSON decoding and SQL scanning
// produce for integer fields.
func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case float64:
		return int64(n), true
	case uint64:
		return int64(n), true
	}
	return 0, false
}
