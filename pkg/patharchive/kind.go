package patharchive

import (
	"fmt"

	"github.com/paulschiretz/pgl-snapshot/pkg/util"
)

// Kind classifies an archive within the chain: a full snapshot of every
// non-ignored path, or an incremental one holding only changes since the
// previous run.
type Kind string

const (
	Full        Kind = "full"
	Incremental Kind = "incremental"
)

var kindToString = map[Kind]string{
	Full:        "full",
	Incremental: "incremental",
}

var stringToKind map[string]Kind

func init() {
	stringToKind = util.InvertMap(kindToString)
}

func (k Kind) String() string {
	if str, ok := kindToString[k]; ok {
		return str
	}
	return fmt.Sprintf("unknown_archive_kind(%s)", string(k))
}

func ParseKind(s string) (Kind, error) {
	if kind, ok := stringToKind[s]; ok {
		return kind, nil
	}
	return "", fmt.Errorf("invalid archive kind: %q. Must be 'full' or 'incremental'", s)
}
