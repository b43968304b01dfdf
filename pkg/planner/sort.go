package planner

import "fmt"

// SortOrder is the display order for chain listings.
type SortOrder int

const (
	Desc SortOrder = iota // Newest first
	Asc                   // Oldest first
)

func (s SortOrder) String() string {
	switch s {
	case Desc:
		return "desc"
	case Asc:
		return "asc"
	}
	return fmt.Sprintf("unknown_sort_order(%d)", int(s))
}

// ParseSortOrder parses the -sort flag value.
func ParseSortOrder(s string) (SortOrder, error) {
	switch s {
	case "desc":
		return Desc, nil
	case "asc":
		return Asc, nil
	}
	return 0, fmt.Errorf("invalid sort order: %q. Must be 'desc' or 'asc'", s)
}
