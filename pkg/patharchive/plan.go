package patharchive

import (
	"time"

	"github.com/paulschiretz/pgl-snapshot/pkg/metafile"
)

// Plan describes one archive-writing run.
type Plan struct {
	// AbsBasePath is the destination directory holding the chain.
	AbsBasePath string

	// Prefix and RootName together form the chain stem of the new archive.
	Prefix   string
	RootName string

	Kind   Kind
	Format Format
	Level  Level

	// TimestampUTC becomes the archive's name-encoded timestamp. The zero
	// value means "now".
	TimestampUTC time.Time

	// Store is the in-memory metadata the writer advances on every
	// successfully added entry. The engine persists it after Finalize.
	Store *metafile.Store

	// Global Flags
	DryRun   bool
	FailFast bool
	Metrics  bool
}
