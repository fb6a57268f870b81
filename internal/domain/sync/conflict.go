package sync

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/einvoice/integration/internal/domain/shared"
)

// ConflictStrategy decides which record wins when a counterpart already
// exists in the target system
type ConflictStrategy string

const (
	// ConflictSourceWins always takes the source record
	ConflictSourceWins ConflictStrategy = "SOURCE_WINS"
	// ConflictTargetWins always keeps the target record
	ConflictTargetWins ConflictStrategy = "TARGET_WINS"
	// ConflictLatestWins compares best-effort extracted timestamps
	ConflictLatestWins ConflictStrategy = "LATEST_TIMESTAMP_WINS"
	// ConflictFieldMerge overlays non-null source fields onto the target
	ConflictFieldMerge ConflictStrategy = "FIELD_MERGE"
	// ConflictSkip raises a recoverable conflict counted as skipped
	ConflictSkip ConflictStrategy = "SKIP_RECORD"
)

// IsValid returns true if the strategy is a known value
func (s ConflictStrategy) IsValid() bool {
	switch s {
	case ConflictSourceWins, ConflictTargetWins, ConflictLatestWins, ConflictFieldMerge, ConflictSkip:
		return true
	default:
		return false
	}
}

// timestampFields are probed in order when extracting a record timestamp
var timestampFields = []string{"updated_at", "modified_at", "last_modified", "timestamp", "created_at"}

// Resolve applies the conflict strategy to a source/target record pair and
// returns the record to write. ConflictSkip returns shared.ErrSyncConflict,
// which callers count as skipped rather than failed.
func Resolve(strategy ConflictStrategy, source, target Record) (Record, error) {
	switch strategy {
	case ConflictSourceWins:
		return source, nil
	case ConflictTargetWins:
		return target, nil
	case ConflictLatestWins:
		st, sok := extractTimestamp(source)
		tt, tok := extractTimestamp(target)
		// Records without a usable timestamp lose to records with one;
		// when neither has one the source wins.
		switch {
		case sok && tok:
			if tt.After(st) {
				return target, nil
			}
			return source, nil
		case tok:
			return target, nil
		default:
			return source, nil
		}
	case ConflictFieldMerge:
		merged := make(Record, len(target)+len(source))
		for k, v := range target {
			merged[k] = v
		}
		for k, v := range source {
			if v != nil {
				merged[k] = v
			}
		}
		return merged, nil
	case ConflictSkip:
		return nil, shared.ErrSyncConflict
	default:
		return nil, fmt.Errorf("unknown conflict strategy %q", strategy)
	}
}

// extractTimestamp probes the well-known timestamp fields and parses the
// first usable value: RFC3339 strings, unix seconds, or time.Time.
func extractTimestamp(record Record) (time.Time, bool) {
	for _, field := range timestampFields {
		v, ok := GetPath(record, field)
		if !ok || v == nil {
			continue
		}
		if ts, ok := parseTimestamp(v); ok {
			return ts, true
		}
	}
	return time.Time{}, false
}

func parseTimestamp(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
			if ts, err := time.Parse(layout, t); err == nil {
				return ts, true
			}
		}
		if d, err := decimal.NewFromString(t); err == nil {
			return time.Unix(d.IntPart(), 0), true
		}
		return time.Time{}, false
	default:
		if d, ok := toDecimal(v); ok {
			return time.Unix(d.IntPart(), 0), true
		}
		return time.Time{}, false
	}
}
