package metafile

// Entry is the recorded observation for a single relative path key.
//
// The on-disk shape must stay parseable across versions that add or omit
// the fingerprint field, so both basis fields are optional: a thorough
// observation carries a fingerprint, a fast observation carries a size,
// and a tombstone carries neither. Size is a pointer so that a legal size
// of zero survives the omitempty round trip.
type Entry struct {
	Status      Status `json:"status"`
	Mtime       int64  `json:"mtime"`
	Fingerprint string `json:"fingerprint,omitempty"`
	Size        *int64 `json:"size,omitempty"`
}

// Basis describes the change-detection evidence backing a Present entry.
// Consumers switch on the concrete type instead of inspecting optional
// fields.
type Basis interface {
	isBasis()
}

// ThoroughBasis carries the content fingerprint observed for the path.
type ThoroughBasis struct {
	Fingerprint string
}

// FastBasis carries the file size observed for the path.
type FastBasis struct {
	Size int64
}

// NoBasis marks an entry without usable change-detection evidence, e.g. a
// tombstone or an entry written by a version that recorded neither field.
type NoBasis struct{}

func (ThoroughBasis) isBasis() {}
func (FastBasis) isBasis()     {}
func (NoBasis) isBasis()       {}

// Basis returns the evidence recorded for the entry. Tombstones always
// report NoBasis regardless of leftover fields.
func (e Entry) Basis() Basis {
	switch {
	case e.Status == StatusDeleted:
		return NoBasis{}
	case e.Fingerprint != "":
		return ThoroughBasis{Fingerprint: e.Fingerprint}
	case e.Size != nil:
		return FastBasis{Size: *e.Size}
	default:
		return NoBasis{}
	}
}
