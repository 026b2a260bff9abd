package fat32fs

import "os"

// IOFlags is the set of open-mode flags accepted when opening a file, using
// the same bit values as the os package so callers can pass os.O_* constants
// straight through.
type IOFlags int

const (
	O_RDONLY = IOFlags(os.O_RDONLY)
	O_WRONLY = IOFlags(os.O_WRONLY)
	O_RDWR   = IOFlags(os.O_RDWR)
	O_APPEND = IOFlags(os.O_APPEND)
	O_CREATE = IOFlags(os.O_CREATE)
	O_EXCL   = IOFlags(os.O_EXCL)
	O_SYNC   = IOFlags(os.O_SYNC)
	O_TRUNC  = IOFlags(os.O_TRUNC)
)

// Read reports whether the file is readable through a handle opened with
// these flags.
func (flags IOFlags) Read() bool {
	return flags&O_WRONLY == 0
}

// Write reports whether the file is writable through a handle opened with
// these flags.
func (flags IOFlags) Write() bool {
	return flags&(O_WRONLY|O_RDWR) != 0
}

// Append reports whether every write must land at the end of the file.
func (flags IOFlags) Append() bool {
	return flags&O_APPEND != 0
}

// Create reports whether the file should be created if it doesn't exist.
func (flags IOFlags) Create() bool {
	return flags&O_CREATE != 0
}

// Exclusive reports whether opening an already-existing file must fail.
func (flags IOFlags) Exclusive() bool {
	return flags&O_EXCL != 0
}

// Truncate reports whether the file's contents should be discarded on open.
func (flags IOFlags) Truncate() bool {
	return flags&O_TRUNC != 0
}

// RequiresWritePerm reports whether opening with these flags needs write
// permission on the mount: any flag that can modify the file or the
// directory containing it.
func (flags IOFlags) RequiresWritePerm() bool {
	return flags.Write() || flags.Append() || flags.Create() || flags.Truncate()
}
