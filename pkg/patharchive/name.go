package patharchive

import (
	"fmt"
	"regexp"
	"time"
)

// ArchiveTimeLayout is the timestamp format embedded in archive names.
// One-second granularity; the chain sort relies on it being fixed-width
// and lexically ordered.
const ArchiveTimeLayout = "20060102_150405"

// archiveNameRe matches `<stem>-<kind>-<timestamp>.<ext>`. The stem
// (prefix plus source root name) may itself contain dashes, so the
// expression anchors on the unambiguous kind/timestamp/extension tail.
var archiveNameRe = regexp.MustCompile(`^(.+)-(full|incremental)-(\d{8}_\d{6})\.(tar\.gz|tar\.zst)$`)

// Stem joins the configured name prefix and the source root's base name.
// All archives of one source share a stem, which is how multiple sources
// backed up into the same base directory keep separate chains.
func Stem(prefix, rootName string) string {
	return prefix + "-" + rootName
}

// BuildName returns the chain filename for an archive created at tsUTC.
// Timestamps are always encoded in UTC: local time would fold during DST
// transitions and could reorder the chain.
func BuildName(prefix, rootName string, kind Kind, tsUTC time.Time, format Format) string {
	return fmt.Sprintf("%s-%s-%s.%s", Stem(prefix, rootName), kind, tsUTC.UTC().Format(ArchiveTimeLayout), format)
}

// ParseName decodes an archive filename into a chain Member. The second
// return value reports whether the name is a well-formed archive name;
// unparsable names are not errors, they are simply not chain members.
func ParseName(name string) (Member, bool) {
	m := archiveNameRe.FindStringSubmatch(name)
	if m == nil {
		return Member{}, false
	}

	kind, err := ParseKind(m[2])
	if err != nil {
		return Member{}, false
	}

	// The regexp guarantees shape, not validity (e.g. month 13).
	ts, err := time.ParseInLocation(ArchiveTimeLayout, m[3], time.UTC)
	if err != nil {
		return Member{}, false
	}

	format, err := ParseFormat(m[4])
	if err != nil {
		return Member{}, false
	}

	return Member{
		Name:         name,
		Stem:         m[1],
		Kind:         kind,
		TimestampUTC: ts,
		Format:       format,
	}, true
}
