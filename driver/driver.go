// Package driver layers a path-oriented, os-flavored API over the fat32
// metadata engine: opening files by path, directory listing, creation and
// removal, with mount-level permission flags enforced at this boundary so
// the engine below never has to know about them.
package driver

import (
	"fmt"
	"os"
	posixpath "path"
	"path/filepath"

	"github.com/gokernel/fat32fs"
	"github.com/gokernel/fat32fs/fat32"
)

// Driver is the top of the storage stack: one mounted FAT32 volume plus the
// mount flags and working directory that path-level operations consult.
type Driver struct {
	fs             *fat32.Filesystem
	mountFlags     fat32fs.MountFlags
	workingDirPath string
}

// New wraps a mounted filesystem in a Driver.
func New(fs *fat32.Filesystem, mountFlags fat32fs.MountFlags) *Driver {
	return &Driver{
		fs:             fs,
		mountFlags:     mountFlags,
		workingDirPath: "/",
	}
}

// Filesystem returns the mounted volume this driver operates on.
func (driver *Driver) Filesystem() *fat32.Filesystem {
	return driver.fs
}

// NormalizePath converts path to a cleaned absolute path, resolving it
// against the driver's working directory if it's relative.
func (driver *Driver) NormalizePath(path string) string {
	path = posixpath.Clean(filepath.ToSlash(path))
	if path == "." {
		path = "/"
	}
	if posixpath.IsAbs(path) {
		return path
	}
	return posixpath.Join(driver.workingDirPath, path)
}

// OpenFile opens a file for I/O, creating it if O_CREATE is given and it
// doesn't exist yet.
func (driver *Driver) OpenFile(
	path string,
	flags fat32fs.IOFlags,
	perm os.FileMode,
) (*File, error) {
	absPath := driver.NormalizePath(path)

	if flags.RequiresWritePerm() && !driver.mountFlags.CanWrite() {
		return nil, fat32fs.NewDriverErrorWithMessage(
			fat32fs.ErrReadOnly.ErrnoCode,
			fmt.Sprintf("can't open %q for writing: image is mounted read-only", absPath),
		)
	}

	entry, err := driver.fs.Lookup(absPath, nil)
	switch {
	case err == nil:
		if flags.Exclusive() && flags.Create() {
			entry.Close()
			return nil, fat32fs.CastToDriverError(fat32fs.ErrExists)
		}
	case err == fat32fs.ErrNotFound && flags.Create():
		entry, err = driver.createEntry(absPath, fat32.AttrArchive)
		if err != nil {
			return nil, err
		}
	default:
		return nil, err
	}

	if entry.IsDir() && flags.RequiresWritePerm() {
		entry.Close()
		return nil, fat32fs.CastToDriverError(fat32fs.ErrIsADirectory)
	}

	if flags.Truncate() && entry.Size() > 0 {
		entry.Lock()
		terr := entry.Truncate()
		entry.Unlock()
		if terr != nil {
			entry.Close()
			return nil, terr
		}
	}

	return newFile(driver, entry, absPath, flags), nil
}

// createEntry makes a new file or directory at absPath, leaving the caller
// holding the returned entry's reference.
func (driver *Driver) createEntry(absPath string, attr uint8) (*fat32.Dirent, error) {
	parent, baseName, err := driver.fs.LookupParent(absPath, nil)
	if err != nil {
		return nil, err
	}

	parent.Lock()
	entry, err := driver.fs.EntryAlloc(parent, baseName, attr)
	parent.Unlock()
	parent.Close()
	return entry, err
}

// Open opens the named file for reading.
func (driver *Driver) Open(path string) (*File, error) {
	return driver.OpenFile(path, fat32fs.O_RDONLY, 0)
}

// Create creates a file and opens it for reading and writing. It fails if
// the file already exists.
func (driver *Driver) Create(path string) (*File, error) {
	return driver.OpenFile(path, fat32fs.O_RDWR|fat32fs.O_CREATE|fat32fs.O_EXCL, 0)
}

// ReadFile returns the entire contents of the named file.
func (driver *Driver) ReadFile(path string) ([]byte, error) {
	handle, err := driver.Open(path)
	if err != nil {
		return nil, err
	}
	defer handle.Close()

	stat, err := handle.Stat()
	if err != nil {
		return nil, err
	}

	buffer := make([]byte, stat.Size())
	_, err = handle.Read(buffer)
	return buffer, err
}

// WriteFile sets the contents of a file to the given data, creating it if
// necessary.
func (driver *Driver) WriteFile(path string, data []byte, perm os.FileMode) error {
	handle, err := driver.OpenFile(
		path,
		fat32fs.O_WRONLY|fat32fs.O_CREATE|fat32fs.O_TRUNC,
		perm,
	)
	if err != nil {
		return err
	}
	defer handle.Close()

	_, err = handle.Write(data)
	return err
}

// Stat returns metadata for the object at the given path.
func (driver *Driver) Stat(path string) (fat32fs.FileStat, error) {
	absPath := driver.NormalizePath(path)

	entry, err := driver.fs.Lookup(absPath, nil)
	if err != nil {
		return fat32fs.FileStat{}, err
	}
	defer entry.Close()

	entry.Lock()
	stat := entry.Stat()
	entry.Unlock()
	return stat, nil
}

// SameFile reports whether two stat results describe the same on-disk
// object.
func (driver *Driver) SameFile(fi1, fi2 os.FileInfo) bool {
	stat1 := fi1.Sys().(fat32fs.FileStat)
	stat2 := fi2.Sys().(fat32fs.FileStat)
	return stat1.InodeNumber == stat2.InodeNumber
}

// ReadDir lists the contents of the directory at the given path, excluding
// the "." and ".." entries.
func (driver *Driver) ReadDir(path string) ([]os.DirEntry, error) {
	absPath := driver.NormalizePath(path)

	entry, err := driver.fs.Lookup(absPath, nil)
	if err != nil {
		return nil, err
	}
	defer entry.Close()

	return driver.readDir(entry)
}

// readDir implements [ReadDir] for an already-resolved directory entry.
func (driver *Driver) readDir(entry *fat32.Dirent) ([]os.DirEntry, error) {
	entry.Lock()
	infos, err := driver.fs.ListDir(entry)
	entry.Unlock()
	if err != nil {
		return nil, err
	}

	output := make([]os.DirEntry, 0, len(infos))
	for _, info := range infos {
		if info.Name == "." || info.Name == ".." {
			continue
		}
		output = append(output, newFileInfo(driver.fs.Geometry(), info))
	}
	return output, nil
}

// Mkdir creates a directory at the given path. The parent directory must
// already exist.
func (driver *Driver) Mkdir(path string, perm os.FileMode) error {
	if !driver.mountFlags.CanWrite() {
		return fat32fs.CastToDriverError(fat32fs.ErrReadOnly)
	}

	absPath := driver.NormalizePath(path)
	if _, err := driver.fs.Lookup(absPath, nil); err == nil {
		return fat32fs.CastToDriverError(fat32fs.ErrExists)
	}

	entry, err := driver.createEntry(absPath, fat32.AttrDirectory)
	if err != nil {
		return err
	}
	entry.Close()
	return nil
}

// MkdirAll creates a directory at the given path along with any missing
// parents.
func (driver *Driver) MkdirAll(path string, perm os.FileMode) error {
	absPath := driver.NormalizePath(path)
	if absPath == "/" {
		return nil
	}

	if entry, err := driver.fs.Lookup(absPath, nil); err == nil {
		isDir := entry.IsDir()
		entry.Close()
		if isDir {
			return nil
		}
		return fat32fs.CastToDriverError(fat32fs.ErrNotADirectory)
	}

	parentDir, _ := posixpath.Split(absPath)
	if err := driver.MkdirAll(parentDir, perm); err != nil {
		return err
	}
	return driver.Mkdir(absPath, perm)
}

// Remove deletes the file or empty directory at the given path.
func (driver *Driver) Remove(path string) error {
	if !driver.mountFlags.CanDelete() {
		return fat32fs.CastToDriverError(fat32fs.ErrReadOnly)
	}
	return driver.fs.Remove(driver.NormalizePath(path), nil)
}

// RemoveAll deletes the directory at the given path along with everything
// in it. Deletion is depth-first and stops at the first error.
func (driver *Driver) RemoveAll(path string) error {
	if !driver.mountFlags.CanDelete() {
		return fat32fs.CastToDriverError(fat32fs.ErrReadOnly)
	}

	absPath := driver.NormalizePath(path)
	if absPath == "/" {
		return fat32fs.NewDriverErrorWithMessage(
			fat32fs.ErrBusy.ErrnoCode,
			"you can't remove the root directory",
		)
	}

	entry, err := driver.fs.Lookup(absPath, nil)
	if err != nil {
		return err
	}
	isDir := entry.IsDir()
	entry.Close()

	if isDir {
		children, err := driver.ReadDir(absPath)
		if err != nil {
			return err
		}
		for _, child := range children {
			childPath := posixpath.Join(absPath, child.Name())
			if child.IsDir() {
				if err := driver.RemoveAll(childPath); err != nil {
					return err
				}
			} else if err := driver.fs.Remove(childPath, nil); err != nil {
				return err
			}
		}
	}
	return driver.fs.Remove(absPath, nil)
}

// Truncate discards the contents of the file at the given path, leaving it
// zero bytes long.
func (driver *Driver) Truncate(path string) error {
	if !driver.mountFlags.CanWrite() {
		return fat32fs.CastToDriverError(fat32fs.ErrReadOnly)
	}

	absPath := driver.NormalizePath(path)
	entry, err := driver.fs.Lookup(absPath, nil)
	if err != nil {
		return err
	}
	defer entry.Close()

	if entry.IsDir() {
		return fat32fs.CastToDriverError(fat32fs.ErrIsADirectory)
	}

	entry.Lock()
	defer entry.Unlock()
	return entry.Truncate()
}

// Chdir changes the driver's working directory, against which relative
// paths are resolved.
func (driver *Driver) Chdir(path string) error {
	absPath := driver.NormalizePath(path)

	entry, err := driver.fs.Lookup(absPath, nil)
	if err != nil {
		return err
	}
	isDir := entry.IsDir()
	entry.Close()

	if !isDir {
		return fat32fs.CastToDriverError(fat32fs.ErrNotADirectory)
	}
	driver.workingDirPath = absPath
	return nil
}

// Getwd returns the working directory as an absolute path. The error is
// always nil; it's only there for compatibility with [os.Getwd].
func (driver *Driver) Getwd() (string, error) {
	return driver.workingDirPath, nil
}

// FSStat reports volume-level statistics: total and free space in cluster
// units. The first call scans the whole FAT; the result is cached until the
// next allocation or free.
func (driver *Driver) FSStat() (fat32fs.FSStat, error) {
	geometry := driver.fs.Geometry()
	free, err := driver.fs.FreeClusters()
	if err != nil {
		return fat32fs.FSStat{}, err
	}

	return fat32fs.FSStat{
		BlockSize:       int64(geometry.BytesPerCluster),
		TotalBlocks:     uint64(geometry.DataClusterCount),
		BlocksFree:      uint64(free),
		BlocksAvailable: uint64(free),
		MaxNameLength:   fat32.MaxFilenameLength,
	}, nil
}
