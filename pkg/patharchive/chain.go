package patharchive

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/paulschiretz/pgl-snapshot/pkg/plog"
)

// Member is one archive within a chain, decoded from its filename.
type Member struct {
	Name         string
	AbsPath      string
	Stem         string
	Kind         Kind
	Format       Format
	TimestampUTC time.Time
	Size         int64
}

// DiscoverChain scans absBasePath for archive files and returns them sorted
// ascending by their encoded timestamp. Restore correctness depends on this
// ordering, so the sort uses the name-embedded timestamp, never directory
// order or file mtimes. Equal timestamps (which the one-second name
// granularity should prevent) keep their discovery order.
//
// Files whose names do not parse as archives are skipped with a debug log;
// the base directory legitimately holds the metadata store, the config and
// the lock file next to the chain. If stem is non-empty, only members of
// that stem's chain are returned.
func DiscoverChain(absBasePath, stem string) ([]Member, error) {
	entries, err := os.ReadDir(absBasePath)
	if err != nil {
		return nil, fmt.Errorf("could not read archive directory %s: %w", absBasePath, err)
	}

	var chain []Member
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		member, ok := ParseName(entry.Name())
		if !ok {
			plog.Debug("Skipping non-archive file in base directory", "file", entry.Name())
			continue
		}
		if stem != "" && member.Stem != stem {
			continue
		}

		member.AbsPath = filepath.Join(absBasePath, entry.Name())
		if info, err := entry.Info(); err == nil {
			member.Size = info.Size()
		}
		chain = append(chain, member)
	}

	// os.ReadDir returns names sorted, so a stable sort makes the
	// tie-break deterministic across runs.
	slices.SortStableFunc(chain, func(a, b Member) int {
		return a.TimestampUTC.Compare(b.TimestampUTC)
	})
	return chain, nil
}

// LastFull returns the most recent full archive in an ascending chain.
func LastFull(chain []Member) (Member, bool) {
	for i := len(chain) - 1; i >= 0; i-- {
		if chain[i].Kind == Full {
			return chain[i], true
		}
	}
	return Member{}, false
}

// Segments splits an ascending chain into its restore units: each full
// archive starts a segment that carries the incrementals depending on it.
// Incrementals older than the oldest full form a leading orphan segment
// (possible after the full they depended on was pruned by hand).
func Segments(chain []Member) [][]Member {
	var segments [][]Member
	for _, member := range chain {
		if member.Kind == Full || len(segments) == 0 {
			segments = append(segments, []Member{member})
			continue
		}
		last := len(segments) - 1
		segments[last] = append(segments[last], member)
	}
	return segments
}
