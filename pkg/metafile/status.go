package metafile

import (
	"encoding/json"
	"fmt"

	"github.com/paulschiretz/pgl-snapshot/pkg/util"
)

// Status represents the last observed state of a tracked path.
type Status int

const (
	// StatusPresent marks a path that existed at the last backup run.
	StatusPresent Status = iota // 0
	// StatusDeleted marks a tombstone: the path was tracked before and has
	// since disappeared from the source.
	StatusDeleted // 1
)

var statusToString = map[Status]string{StatusPresent: "present", StatusDeleted: "deleted"}
var stringToStatus map[string]Status

func init() {
	stringToStatus = util.InvertMap(statusToString)
}

// String returns the string representation of a Status.
func (s Status) String() string {
	if str, ok := statusToString[s]; ok {
		return str
	}
	return fmt.Sprintf("unknown_status(%d)", int(s))
}

// ParseStatus parses a string and returns the corresponding Status.
func ParseStatus(s string) (Status, error) {
	if status, ok := stringToStatus[s]; ok {
		return status, nil
	}
	return 0, fmt.Errorf("invalid Status: %q. Must be 'present' or 'deleted'", s)
}

// MarshalJSON implements the json.Marshaler interface for Status.
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface for Status.
func (s *Status) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return fmt.Errorf("Status should be a string, got %s", data)
	}
	status, err := ParseStatus(str)
	if err != nil {
		return err
	}
	*s = status
	return nil
}
