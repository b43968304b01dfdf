package pathrestore

import (
	"time"

	"github.com/paulschiretz/pgl-snapshot/pkg/ignore"
)

// Plan describes one restore run.
type Plan struct {
	// AbsBasePath is the directory holding the archive chain and the
	// snapshot metadata store.
	AbsBasePath string

	// AbsTargetPath is the directory the final tree state materializes
	// into. It is created if missing; existing content is never deleted.
	AbsTargetPath string

	// Until, when set, restores the state as of that moment: archives
	// newer than the cutoff are not replayed, and deletions recorded
	// after it are treated as not yet having happened.
	Until time.Time

	// Rules filters members during replay with the same semantics the
	// backup side applies during enumeration.
	Rules *ignore.RuleSet

	// Global Flags
	Metrics bool
}
