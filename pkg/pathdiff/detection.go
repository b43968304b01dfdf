package pathdiff

import (
	"encoding/json"
	"fmt"

	"github.com/paulschiretz/pgl-snapshot/pkg/util"
)

// Detection represents how incremental change detection gathers its
// evidence.
type Detection int

const (
	// Thorough fingerprints every candidate file and compares the stored
	// (fingerprint, mtime) pair.
	Thorough Detection = iota // 0
	// Fast skips fingerprinting and compares mtime (and size, when the
	// prior observation was size-based). An edit that preserves both is
	// missed; that trade-off is accepted for not reading every file.
	Fast // 1
)

var detectionToString = map[Detection]string{Thorough: "thorough", Fast: "fast"}
var stringToDetection map[string]Detection

func init() {
	stringToDetection = util.InvertMap(detectionToString)
}

// String returns the string representation of a Detection.
func (d Detection) String() string {
	if str, ok := detectionToString[d]; ok {
		return str
	}
	return fmt.Sprintf("unknown_detection(%d)", int(d))
}

// ParseDetection parses a string and returns the corresponding Detection.
func ParseDetection(s string) (Detection, error) {
	if d, ok := stringToDetection[s]; ok {
		return d, nil
	}
	return 0, fmt.Errorf("invalid Detection: %q. Must be 'thorough' or 'fast'", s)
}

// MarshalJSON implements the json.Marshaler interface for Detection.
func (d Detection) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface for Detection.
func (d *Detection) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("Detection should be a string, got %s", data)
	}
	detection, err := ParseDetection(s)
	if err != nil {
		return err
	}
	*d = detection
	return nil
}
