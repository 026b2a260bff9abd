package fat32fs

import (
	"math"
	"os"
	"time"
)

type MountFlags int

const (
	MountFlagsAllowRead          = MountFlags(1 << iota)
	MountFlagsAllowWrite         = MountFlags(1 << iota)
	MountFlagsAllowInsert        = MountFlags(1 << iota)
	MountFlagsAllowDelete        = MountFlags(1 << iota)
	MountFlagsPreserveTimestamps = MountFlags(1 << iota)
	MountFlagsCustomStart        = MountFlags(1 << iota)
)

func (flags MountFlags) CanRead() bool {
	return flags&MountFlagsAllowRead != 0
}

func (flags MountFlags) CanWrite() bool {
	return flags&MountFlagsAllowWrite != 0
}

func (flags MountFlags) CanDelete() bool {
	return flags&MountFlagsAllowDelete != 0
}

const MountFlagsAllowReadWrite = MountFlagsAllowRead | MountFlagsAllowWrite
const MountFlagsAllowAll = MountFlagsAllowRead | MountFlagsAllowWrite | MountFlagsAllowInsert | MountFlagsAllowDelete
const MountFlagsMask = MountFlagsCustomStart - 1

// FileStat is a platform-independent form of [syscall.Stat_t], filled in by
// the driver package from a *fat32.Dirent.
type FileStat struct {
	InodeNumber  uint64
	Nlinks       uint64
	ModeFlags    os.FileMode
	Size         int64
	BlockSize    int64
	NumBlocks    int64
	CreatedAt    time.Time
	LastAccessed time.Time
	LastModified time.Time
}

func (stat *FileStat) IsDir() bool {
	return stat.ModeFlags.IsDir()
}

func (stat *FileStat) IsFile() bool {
	return stat.ModeFlags.IsRegular()
}

// FSStat is a platform-independent form of [syscall.Statfs_t].
type FSStat struct {
	BlockSize       int64
	TotalBlocks     uint64
	BlocksFree      uint64
	BlocksAvailable uint64
	Files           uint64
	FilesFree       uint64
	FileSystemID    uint64
	MaxNameLength   int64
	Label           string
}

// UndefinedTimestamp is used in place of a zero value where "no timestamp"
// needs to be distinguishable from the Unix epoch.
var UndefinedTimestamp = time.UnixMicro(math.MaxInt64)

// Truncator is implemented by objects that support truncation to an
// arbitrary size, growing or shrinking as needed.
type Truncator interface {
	Truncate(size int64) error
}
