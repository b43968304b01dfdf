package pathwalk

import "github.com/paulschiretz/pgl-snapshot/pkg/ignore"

// Plan describes one enumeration pass over a source root.
type Plan struct {
	// AbsSourcePath is the absolute backup root.
	AbsSourcePath string
	// Rules is the compiled ignore rule set; nil means nothing is ignored.
	Rules *ignore.RuleSet
	// Fingerprint requests a SHA-256 content hash on every emitted record.
	// The hashing happens inside the walk workers, so slow subtrees hash
	// in parallel.
	Fingerprint bool

	// Global Flags
	FailFast bool
	Metrics  bool
}
