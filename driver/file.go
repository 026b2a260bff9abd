package driver

import (
	"io"
	"os"
	posixpath "path"
	"time"

	"github.com/gokernel/fat32fs"
	"github.com/gokernel/fat32fs/fat32"
)

// FileInfo gives detailed information about a file or directory. It
// implements both the [os.FileInfo] and [os.DirEntry] interfaces.
type FileInfo struct {
	stat fat32fs.FileStat
	name string
}

func newFileInfo(geometry *fat32.Geometry, info fat32.DirEntryInfo) *FileInfo {
	mode := os.FileMode(0o644)
	if info.IsDir() {
		mode = os.ModeDir | 0o755
	}
	if info.Attribute&fat32.AttrReadOnly != 0 {
		mode &^= 0o222
	}

	blockSize := int64(geometry.BytesPerCluster)
	return &FileInfo{
		name: info.Name,
		stat: fat32fs.FileStat{
			InodeNumber:  uint64(info.FirstCluster),
			Nlinks:       1,
			ModeFlags:    mode,
			Size:         int64(info.Size),
			BlockSize:    blockSize,
			NumBlocks:    (int64(info.Size) + blockSize - 1) / blockSize,
			CreatedAt:    fat32fs.UndefinedTimestamp,
			LastAccessed: fat32fs.UndefinedTimestamp,
			LastModified: fat32fs.UndefinedTimestamp,
		},
	}
}

// Name returns the base name of the file or directory.
func (info *FileInfo) Name() string { return info.name }

// Size returns the file's length in bytes, 0 for directories.
func (info *FileInfo) Size() int64 { return info.stat.Size }

// Mode returns the mode flags for the file or directory. It's functionally
// identical to Type(), but used to implement the [os.FileInfo] interface.
func (info *FileInfo) Mode() os.FileMode { return info.stat.ModeFlags }

// Type returns the mode flags for the file or directory. It's functionally
// identical to Mode(), but used to implement the [os.DirEntry] interface.
func (info *FileInfo) Type() os.FileMode { return info.stat.ModeFlags }

// ModTime returns when the file was last modified. This file system doesn't
// maintain the on-disk time fields, so it's always the undefined timestamp.
func (info *FileInfo) ModTime() time.Time { return info.stat.LastModified }

// IsDir reports whether this describes a directory.
func (info *FileInfo) IsDir() bool { return info.stat.IsDir() }

// Sys returns the underlying [fat32fs.FileStat].
func (info *FileInfo) Sys() interface{} { return info.stat }

// Info is part of the [os.DirEntry] interface. It returns the FileInfo it
// was called on, since that implements both interfaces.
func (info *FileInfo) Info() (os.FileInfo, error) { return info, nil }

////////////////////////////////////////////////////////////////////////////////

// File is an open handle to a file or directory, (more or less) a drop-in
// replacement for [os.File]. It is not safe for concurrent use; each
// goroutine should open its own handle.
type File struct {
	owningDriver *Driver
	entry        *fat32.Dirent
	absolutePath string
	ioFlags      fat32fs.IOFlags

	position int64
	closed   bool

	lastReadDirResult    []os.DirEntry
	readDirResultPointer int
}

func newFile(
	driver *Driver,
	entry *fat32.Dirent,
	absolutePath string,
	ioFlags fat32fs.IOFlags,
) *File {
	return &File{
		owningDriver: driver,
		entry:        entry,
		absolutePath: absolutePath,
		ioFlags:      ioFlags,
	}
}

// Name returns the base name of the file as it was opened.
func (file *File) Name() string {
	return posixpath.Base(file.absolutePath)
}

// Close releases the handle's reference to the underlying directory entry,
// flushing its metadata if this was the last open handle. The File must not
// be used afterwards.
func (file *File) Close() error {
	if file.closed {
		return fat32fs.CastToDriverError(fat32fs.ErrBusy)
	}
	file.closed = true
	file.entry.Close()
	return nil
}

// Read implements [io.Reader].
func (file *File) Read(buffer []byte) (int, error) {
	n, err := file.ReadAt(buffer, file.position)
	file.position += int64(n)
	return n, err
}

// ReadAt implements [io.ReaderAt].
func (file *File) ReadAt(buffer []byte, offset int64) (int, error) {
	if !file.ioFlags.Read() {
		return 0, fat32fs.CastToDriverError(fat32fs.ErrReadOnly)
	}
	if file.entry.IsDir() {
		return 0, fat32fs.CastToDriverError(fat32fs.ErrIsADirectory)
	}
	if offset < 0 {
		return 0, fat32fs.CastToDriverError(fat32fs.ErrInvalidName)
	}
	if len(buffer) == 0 {
		return 0, nil
	}

	file.entry.Lock()
	n, err := file.entry.ReadAt(buffer, uint32(offset))
	file.entry.Unlock()

	if err == nil && n < len(buffer) {
		err = io.EOF
	}
	return n, err
}

// Write implements [io.Writer]. With O_APPEND the data always lands at the
// current end of the file regardless of the handle's position.
func (file *File) Write(buffer []byte) (int, error) {
	position := file.position
	if file.ioFlags.Append() {
		position = int64(file.entry.Size())
	}

	n, err := file.WriteAt(buffer, position)
	file.position = position + int64(n)
	return n, err
}

// WriteAt implements [io.WriterAt].
func (file *File) WriteAt(buffer []byte, offset int64) (int, error) {
	if !file.ioFlags.Write() {
		return 0, fat32fs.CastToDriverError(fat32fs.ErrReadOnly)
	}
	if offset < 0 {
		return 0, fat32fs.CastToDriverError(fat32fs.ErrInvalidName)
	}
	if len(buffer) == 0 {
		return 0, nil
	}

	file.entry.Lock()
	n, err := file.entry.WriteAt(buffer, uint32(offset))
	file.entry.Unlock()
	return n, err
}

// Seek implements [io.Seeker].
func (file *File) Seek(offset int64, whence int) (int64, error) {
	var base int64
	switch whence {
	case io.SeekStart:
		base = 0
	case io.SeekCurrent:
		base = file.position
	case io.SeekEnd:
		base = int64(file.entry.Size())
	default:
		return file.position, fat32fs.CastToDriverError(fat32fs.ErrInvalidName)
	}

	if base+offset < 0 {
		return file.position, fat32fs.CastToDriverError(fat32fs.ErrInvalidName)
	}
	file.position = base + offset
	return file.position, nil
}

// Truncate discards the file's contents. Only truncation to zero is
// supported; FAT32 records no way to keep a partial chain's tail sectors
// meaningful without rewriting them anyway.
func (file *File) Truncate(size int64) error {
	if size != 0 {
		return fat32fs.NewDriverErrorWithMessage(
			fat32fs.ErrInvalidName.ErrnoCode,
			"only truncation to zero is supported",
		)
	}
	if !file.ioFlags.Write() {
		return fat32fs.CastToDriverError(fat32fs.ErrReadOnly)
	}

	file.entry.Lock()
	defer file.entry.Unlock()
	return file.entry.Truncate()
}

// Stat returns metadata for the open file.
func (file *File) Stat() (os.FileInfo, error) {
	file.entry.Lock()
	stat := file.entry.Stat()
	file.entry.Unlock()
	return &FileInfo{stat: stat, name: file.Name()}, nil
}

// Chdir changes the owning driver's working directory to this file, which
// must be a directory.
func (file *File) Chdir() error {
	return file.owningDriver.Chdir(file.absolutePath)
}

// ReadDir reads up to n entries from the directory, continuing where the
// previous call left off. n <= 0 returns everything remaining in one slice.
func (file *File) ReadDir(n int) ([]os.DirEntry, error) {
	if !file.entry.IsDir() {
		return nil, fat32fs.CastToDriverError(fat32fs.ErrNotADirectory)
	}

	if file.lastReadDirResult == nil {
		entries, err := file.owningDriver.readDir(file.entry)
		if err != nil {
			return nil, err
		}
		file.lastReadDirResult = entries
		file.readDirResultPointer = 0
	}

	entriesRemaining := len(file.lastReadDirResult) - file.readDirResultPointer
	if entriesRemaining == 0 {
		file.lastReadDirResult = nil
		file.readDirResultPointer = 0
		if n <= 0 {
			return []os.DirEntry{}, nil
		}
		return []os.DirEntry{}, io.EOF
	}

	numToCopy := entriesRemaining
	if n > 0 && n < numToCopy {
		numToCopy = n
	}

	result := make([]os.DirEntry, numToCopy)
	copy(result, file.lastReadDirResult[file.readDirResultPointer:])
	file.readDirResultPointer += numToCopy
	return result, nil
}

// Readdir is the [os.File]-compatible spelling of [File.ReadDir].
func (file *File) Readdir(n int) ([]os.FileInfo, error) {
	dirents, err := file.ReadDir(n)
	if err != nil {
		return make([]os.FileInfo, 0), err
	}

	infoList := make([]os.FileInfo, len(dirents))
	for i, dirent := range dirents {
		infoList[i], err = dirent.Info()
		if err != nil {
			return infoList[:i], err
		}
	}
	return infoList, nil
}

// Readdirnames returns up to n names from the directory.
func (file *File) Readdirnames(n int) ([]string, error) {
	dirents, err := file.ReadDir(n)
	if err != nil {
		return make([]string, 0), err
	}

	names := make([]string, len(dirents))
	for i, dirent := range dirents {
		names[i] = dirent.Name()
	}
	return names, nil
}
