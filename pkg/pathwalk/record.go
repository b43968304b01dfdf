package pathwalk

import "os"

// Record describes one enumerated source file. It carries everything the
// change detector and the archive writer need so neither has to stat the
// file again during planning.
type Record struct {
	// AbsPath is the absolute source path, used for all filesystem access.
	AbsPath string
	// RelPathKey is the normalized, forward-slash relative key. NOT for
	// direct FS access; it is the identity shared with the metadata store
	// and the archive member names.
	RelPathKey string
	// Size in bytes at enumeration time.
	Size int64
	// Mtime is the modification time in unix seconds. Second granularity
	// is deliberate: it matches the metadata store and the archive member
	// headers.
	Mtime int64
	// Mode is the file mode at enumeration time.
	Mode os.FileMode
	// Fingerprint is the hex SHA-256 of the file contents, set only when
	// the plan requested fingerprinting.
	Fingerprint string
}
