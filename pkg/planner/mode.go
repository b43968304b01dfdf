package planner

import "fmt"

// Mode is the requested archive kind for a backup run. Auto defers the
// full/incremental decision until the existing chain has been read.
type Mode int

const (
	Auto Mode = iota
	Full
	Incremental
)

func (m Mode) String() string {
	switch m {
	case Auto:
		return "auto"
	case Full:
		return "full"
	case Incremental:
		return "incremental"
	}
	return fmt.Sprintf("unknown_backup_mode(%d)", int(m))
}

// ParseMode parses the -mode flag value.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "auto":
		return Auto, nil
	case "full":
		return Full, nil
	case "incremental":
		return Incremental, nil
	}
	return 0, fmt.Errorf("invalid backup mode: %q. Must be 'auto', 'full' or 'incremental'", s)
}
