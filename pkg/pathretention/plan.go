package pathretention

// Plan describes one retention pass over an archive chain.
type Plan struct {
	// AbsBasePath is the directory holding the archive chain.
	AbsBasePath string
	// Prefix and RootName select the chain to prune; other files in the
	// base directory are never touched.
	Prefix   string
	RootName string
	// KeepFull is the number of newest full archives to keep, each with
	// the incrementals that depend on it. Zero disables retention.
	KeepFull int

	// Global Flags
	DryRun   bool
	FailFast bool
	Metrics  bool
}
