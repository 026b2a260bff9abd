package fat32

import (
	"os"
	"strings"

	"github.com/gokernel/fat32fs"
)

// dirLookup implements dirlookup: find name inside the directory dp,
// consulting the entry cache first and falling back to a linear scan of the
// on-disk directory. "." and ".." resolve without touching the disk; the
// root directory is its own parent, so ".." at the root resolves to the
// root. The caller must hold dp's lock.
//
// If poff is non-nil and name is not found, it receives the byte offset a
// subsequent EntryAlloc for name should write its slots at: the start of the
// first sufficiently long run of empty slots, or the end-of-directory
// marker's offset if no run is long enough.
func (fs *Filesystem) dirLookup(dp *Dirent, name string, poff *uint32) (*Dirent, error) {
	if err := dp.checkIsDir(); err != nil {
		return nil, err
	}

	if name == "." {
		return dp.Dup(), nil
	}
	if name == ".." {
		if dp == fs.root {
			return dp.Dup(), nil
		}
		return dp.parent.Dup(), nil
	}

	if ep := fs.entryCacheHit(dp, name); ep != nil {
		return ep, nil
	}

	short := generateShortName(name)
	slotsNeeded := uint32(1)
	if shortNameDisplay(short) != name {
		slotsNeeded += uint32((len([]rune(name)) + CharLongName - 1) / CharLongName)
	}

	match, allocOff, err := fs.scanDir(dp, name, slotsNeeded)
	if poff != nil {
		*poff = allocOff
	}
	if err != nil {
		return nil, err
	}
	return match, nil
}

// splitFirstComponent implements skipelem: peel the next path component off
// path, returning the component and the remainder. Repeated and trailing
// slashes are skipped, so "a//b/" yields ("a", "b/") and then ("b", "").
// An exhausted path returns name == "".
func splitFirstComponent(path string) (name, rest string, err error) {
	path = strings.TrimLeft(path, "/")
	if path == "" {
		return "", "", nil
	}

	end := strings.IndexByte(path, '/')
	if end < 0 {
		end = len(path)
	}
	if end > MaxFilenameLength {
		return "", "", fat32fs.CastToDriverError(fat32fs.ErrNameTooLong)
	}
	return path[:end], strings.TrimLeft(path[end:], "/"), nil
}

// resolvePath implements lookup_path: walk path component by component from
// the root (absolute paths) or from cwd (relative paths; nil means the
// root). The returned entry carries its own reference; the caller owns it.
//
// With wantParent set, resolution stops one component early: the returned
// entry is the would-be parent directory and lastName is the final,
// unresolved component. A path with no components at all (e.g. "/") cannot
// name a parent, so wantParent fails on it.
func (fs *Filesystem) resolvePath(path string, cwd *Dirent, wantParent bool) (*Dirent, string, error) {
	var entry *Dirent
	if strings.HasPrefix(path, "/") || cwd == nil {
		entry = fs.root.Dup()
	} else {
		entry = cwd.Dup()
	}

	rest := path
	for {
		var name string
		var err error
		name, rest, err = splitFirstComponent(rest)
		if err != nil {
			entry.put()
			return nil, "", err
		}
		if name == "" {
			break
		}

		entry.Lock()
		if !entry.IsDir() {
			entry.Unlock()
			entry.put()
			return nil, "", fat32fs.CastToDriverError(fat32fs.ErrNotADirectory)
		}
		if wantParent && rest == "" {
			entry.Unlock()
			return entry, name, nil
		}

		next, err := fs.dirLookup(entry, name, nil)
		entry.Unlock()
		entry.put()
		if err != nil {
			return nil, "", err
		}
		entry = next
	}

	if wantParent {
		entry.put()
		return nil, "", fat32fs.CastToDriverError(fat32fs.ErrNotFound)
	}
	return entry, "", nil
}

// Lookup resolves path to its directory entry, from cwd for relative paths
// (nil cwd means the root). The caller owns the returned reference and must
// Close it.
func (fs *Filesystem) Lookup(path string, cwd *Dirent) (*Dirent, error) {
	entry, _, err := fs.resolvePath(path, cwd, false)
	return entry, err
}

// LookupParent resolves path to the directory that does (or would) contain
// its final component, returning that directory and the component's name.
// The final component itself need not exist.
func (fs *Filesystem) LookupParent(path string, cwd *Dirent) (*Dirent, string, error) {
	return fs.resolvePath(path, cwd, true)
}

// DirEntryInfo is one file's worth of metadata as enumerated out of its
// parent directory, without instantiating a cache entry for it.
type DirEntryInfo struct {
	Name         string
	Attribute    uint8
	FirstCluster uint32
	Size         uint32
}

// IsDir reports whether this enumerated entry is a directory.
func (info *DirEntryInfo) IsDir() bool {
	return info.Attribute&AttrDirectory != 0
}

// ListDir enumerates every live file in the directory dp, in on-disk order,
// including "." and "..". The caller must hold dp's lock.
func (fs *Filesystem) ListDir(dp *Dirent) ([]DirEntryInfo, error) {
	if err := dp.checkIsDir(); err != nil {
		return nil, err
	}

	var out []DirEntryInfo
	var scratch Dirent
	off := uint32(0)
	for {
		scratch.valid = entryFree
		result, next, _, err := fs.dirNext(dp, &scratch, off)
		if err != nil {
			return out, err
		}
		switch result {
		case -1:
			return out, nil
		case 1:
			out = append(out, DirEntryInfo{
				Name:         scratch.filename,
				Attribute:    scratch.attribute,
				FirstCluster: scratch.firstClus,
				Size:         scratch.fileSize,
			})
		}
		off = next
	}
}

// isDirEmpty reports whether dp contains nothing but its "." and ".."
// entries. The caller must hold dp's lock.
func (fs *Filesystem) isDirEmpty(dp *Dirent) (bool, error) {
	var scratch Dirent
	off := uint32(2 * DirentSize)
	for {
		scratch.valid = entryFree
		result, next, _, err := fs.dirNext(dp, &scratch, off)
		if err != nil {
			return false, err
		}
		switch result {
		case -1:
			return true, nil
		case 1:
			return false, nil
		}
		off = next
	}
}

// Stat implements estat: a snapshot of the entry's metadata in the module's
// platform-independent stat form. FAT32 has no inode numbers, link counts,
// or (in this driver, which does not maintain the on-disk time fields)
// meaningful timestamps; the first cluster stands in as a stable identity
// and the timestamps are explicitly undefined.
func (e *Dirent) Stat() fat32fs.FileStat {
	g := e.fs.geometry

	mode := os.FileMode(0o644)
	if e.IsDir() {
		mode = os.ModeDir | 0o755
	}
	if e.attribute&AttrReadOnly != 0 {
		mode &^= 0o222
	}

	blocks := (int64(e.fileSize) + int64(g.BytesPerCluster) - 1) / int64(g.BytesPerCluster)
	return fat32fs.FileStat{
		InodeNumber:  uint64(e.firstClus),
		Nlinks:       1,
		ModeFlags:    mode,
		Size:         int64(e.fileSize),
		BlockSize:    int64(g.BytesPerCluster),
		NumBlocks:    blocks,
		CreatedAt:    fat32fs.UndefinedTimestamp,
		LastAccessed: fat32fs.UndefinedTimestamp,
		LastModified: fat32fs.UndefinedTimestamp,
	}
}

// FirstCluster returns the head of the entry's cluster chain, 0 for an empty
// file.
func (e *Dirent) FirstCluster() uint32 { return e.firstClus }

// Attribute returns the entry's raw on-disk attribute bits.
func (e *Dirent) Attribute() uint8 { return e.attribute }

// Truncate implements etrunc for a live entry: free the whole cluster chain
// and shrink the file to zero bytes. The caller must hold e's lock; the
// on-disk short entry is rewritten when the last reference is dropped.
func (e *Dirent) Truncate() error {
	if err := e.truncate(); err != nil {
		return err
	}
	e.curClus = 0
	e.clusCnt = 0
	e.dirty = true
	return nil
}

// Remove implements eremove at the path level: resolve path, refuse to
// remove a non-empty directory, clear the entry's on-disk slots, and doom
// the in-memory entry so its clusters are reclaimed once the last reference
// goes away.
func (fs *Filesystem) Remove(path string, cwd *Dirent) error {
	ep, err := fs.Lookup(path, cwd)
	if err != nil {
		return err
	}
	if ep == fs.root {
		ep.put()
		return fat32fs.CastToDriverError(fat32fs.ErrBusy)
	}

	ep.Lock()
	if ep.IsDir() {
		empty, eerr := fs.isDirEmpty(ep)
		if eerr != nil {
			ep.Unlock()
			ep.put()
			return eerr
		}
		if !empty {
			ep.Unlock()
			ep.put()
			return fat32fs.CastToDriverError(fat32fs.ErrNotEmpty)
		}
	}
	ep.Unlock()

	parent := ep.parent
	parent.Lock()
	ep.Lock()
	rerr := ep.remove()
	ep.Unlock()
	parent.Unlock()

	ep.put()
	return rerr
}
