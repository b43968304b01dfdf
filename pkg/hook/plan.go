package hook

// Plan carries the hook commands for one run. The engine executes the
// pre list before enumeration and the post list after the snapshot
// finished, failed, or was skipped.
type Plan struct {
	Enabled bool

	PreHookCommands  []string
	PostHookCommands []string

	// Global Flags
	DryRun   bool
	FailFast bool
	Metrics  bool
}
