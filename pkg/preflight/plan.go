package preflight

// Plan selects which checks a run needs. The zero value runs nothing;
// the planner enables per operation what could go wrong for it.
type Plan struct {
	// SourceAccessible requires the read side to exist and be a directory.
	SourceAccessible bool
	// TargetAccessible requires the write side's volume to be present
	// (mounted, connected) before anything is created on it.
	TargetAccessible bool
	// TargetWriteable probes the write side with a temp file.
	TargetWriteable bool
	// CaseMismatch refuses source/target pairs that differ only in case.
	CaseMismatch bool
	// PathNesting refuses a source containing the target or vice versa.
	PathNesting bool
	// EnsureTargetExists creates the target directory if missing.
	EnsureTargetExists bool

	// Global Flags
	DryRun   bool
	FailFast bool
	Metrics  bool
}
