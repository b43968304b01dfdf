// Package pathdiff decides what a backup run must archive. It compares
// the enumerated records against the loaded metadata store and emits the
// selected records plus the previously-tracked paths that have vanished.
// Detection is pure: the store is only ever mutated by the archive writer
// after a successful write.
package pathdiff

import (
	"slices"

	"github.com/paulschiretz/pgl-snapshot/pkg/ignore"
	"github.com/paulschiretz/pgl-snapshot/pkg/metafile"
	"github.com/paulschiretz/pgl-snapshot/pkg/pathwalk"
	"github.com/paulschiretz/pgl-snapshot/pkg/sharded"
)

// Plan describes one detection pass.
type Plan struct {
	// Full selects every record unconditionally; otherwise selection is
	// incremental against the store.
	Full bool
	// Detection picks the incremental comparison strategy. Ignored when
	// Full is set.
	Detection Detection
	// Rules guards deletion inference: a tracked path that has become
	// ignored is left alone rather than tombstoned.
	Rules *ignore.RuleSet
}

// Result is the outcome of one detection pass.
type Result struct {
	// Selected holds the records to archive, in enumeration order.
	Selected []pathwalk.Record
	// Deleted holds the relative keys of tracked paths that were not seen
	// this run, sorted for deterministic tombstone application.
	Deleted []string
	// Unchanged counts records that needed no archiving.
	Unchanged int
}

// Detect classifies the enumerated records and infers deletions. The seen
// set must be the one produced by the same enumeration pass that produced
// the records: it also contains files that were skipped over transient
// errors, which protects them from deletion inference.
func Detect(plan Plan, records []pathwalk.Record, seen *sharded.Set, store *metafile.Store) Result {
	var result Result

	for _, record := range records {
		if plan.Full || isChanged(plan.Detection, record, store) {
			result.Selected = append(result.Selected, record)
		} else {
			result.Unchanged++
		}
	}

	store.Range(func(key string, entry metafile.Entry) bool {
		if entry.Status != metafile.StatusPresent {
			return true
		}
		if seen.Has(key) {
			return true
		}
		if plan.Rules.Matches(key) {
			return true
		}
		result.Deleted = append(result.Deleted, key)
		return true
	})
	slices.Sort(result.Deleted)

	return result
}

// isChanged reports whether a record differs from its stored observation.
// A tombstoned prior entry never suppresses selection: a path that comes
// back after deletion is archived again.
func isChanged(detection Detection, record pathwalk.Record, store *metafile.Store) bool {
	entry, ok := store.Get(record.RelPathKey)
	if !ok || entry.Status != metafile.StatusPresent {
		return true
	}

	switch detection {
	case Fast:
		switch basis := entry.Basis().(type) {
		case metafile.ThoroughBasis:
			// The stored fingerprint stays trustworthy as long as the
			// mtime has not moved.
			return entry.Mtime != record.Mtime
		case metafile.FastBasis:
			return entry.Mtime != record.Mtime || basis.Size != record.Size
		default:
			return true
		}
	default: // Thorough
		switch basis := entry.Basis().(type) {
		case metafile.ThoroughBasis:
			return entry.Mtime != record.Mtime || basis.Fingerprint != record.Fingerprint
		default:
			// No stored fingerprint to compare against.
			return true
		}
	}
}
