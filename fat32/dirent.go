package fat32

import (
	"sync"

	"github.com/gokernel/fat32fs"
)

// Directory entry attribute bits, exactly as laid out on disk.
const (
	AttrReadOnly  = 0x01
	AttrHidden    = 0x02
	AttrSystem    = 0x04
	AttrVolumeID  = 0x08
	AttrDirectory = 0x10
	AttrArchive   = 0x20
	AttrLongName  = AttrReadOnly | AttrHidden | AttrSystem | AttrVolumeID
)

// entryState records where a *Dirent sits in the state machine described by
// this package's design: Free (entryFree, unused ecache slot), Live
// (entryValid, resolved and usable), Doomed (entryDoomed, removed from its
// parent but still referenced). "Cached" (resolved but currently
// unreferenced) is Live with ref == 0, not a distinct state value.
type entryState int8

const (
	entryFree   entryState = 0
	entryValid  entryState = 1
	entryDoomed entryState = -1
)

// MaxFilenameLength is the longest name, in bytes, a directory entry can
// hold once long-name fragments are reassembled.
const MaxFilenameLength = 255

// Dirent is a live handle to a FAT32 directory entry: the in-memory
// counterpart of an on-disk short/long-name entry pair, playing the role an
// inode would play on a filesystem that has one.
type Dirent struct {
	fs *Filesystem

	filename  string
	attribute uint8
	firstClus uint32
	fileSize  uint32
	curClus   uint32
	clusCnt   uint32

	dirty bool
	valid entryState
	ref   int
	off   uint32

	parent     *Dirent
	next, prev *Dirent

	mu sync.Mutex
}

// Name returns the entry's long (or short, if it has no long-name slots)
// filename, not including any path component.
func (e *Dirent) Name() string { return e.filename }

// IsDir reports whether this entry is a directory.
func (e *Dirent) IsDir() bool { return e.attribute&AttrDirectory != 0 }

// Size returns the entry's file size in bytes. Always 0 for directories.
func (e *Dirent) Size() uint32 { return e.fileSize }

// Lock acquires the entry's sleeplock. The caller must hold a reference
// (via Dup or a lookup) before calling this.
func (e *Dirent) Lock() {
	if e.ref < 1 {
		panic("fat32: Lock called on a dirent with no references")
	}
	e.mu.Lock()
}

// Unlock releases the entry's sleeplock.
func (e *Dirent) Unlock() {
	e.mu.Unlock()
}

// Dup increments the entry's reference count and returns it, for callers
// that want to retain their own handle independent of the caller that
// looked it up.
func (e *Dirent) Dup() *Dirent {
	fs := e.fs
	fs.ecacheMu.Lock()
	e.ref++
	fs.ecacheMu.Unlock()
	return e
}

// entryGet implements eget: find a cached, resolved entry for (parent,
// name) or recycle an unreferenced ecache slot for a fresh lookup. If name
// is empty, only the recycle path runs. Returns the entry with its
// reference count already incremented; it is not locked.
func (fs *Filesystem) entryGet(parent *Dirent, name string) *Dirent {
	fs.ecacheMu.Lock()

	if name != "" {
		for ep := fs.lruHead.next; ep != fs.lruHead; ep = ep.next {
			if ep.valid == entryValid && ep.parent == parent && ep.filename == name {
				if ep.ref == 0 {
					ep.parent.ref++
				}
				ep.ref++
				fs.ecacheMu.Unlock()
				return ep
			}
		}
	}

	for ep := fs.lruHead.prev; ep != fs.lruHead; ep = ep.prev {
		if ep.ref == 0 {
			ep.ref = 1
			ep.off = 0
			ep.valid = entryFree
			ep.dirty = false
			fs.ecacheMu.Unlock()
			return ep
		}
	}

	panic("fat32: entry cache exhausted")
}

// put implements eput: release a reference to e, writing back dirty
// metadata or finalizing a removal once the last reference to a resolved
// entry goes away, then recursing into the parent the same way.
func (e *Dirent) put() {
	fs := e.fs
	fs.ecacheMu.Lock()

	if e != fs.root && e.valid != entryFree && e.ref == 1 {
		e.mu.Lock()
		e.next.prev = e.prev
		e.prev.next = e.next
		e.next = fs.lruHead.next
		e.prev = fs.lruHead
		fs.lruHead.next.prev = e
		fs.lruHead.next = e
		fs.ecacheMu.Unlock()

		if e.valid == entryDoomed {
			e.truncate()
		} else {
			e.parent.Lock()
			e.updateOnDisk()
			e.parent.Unlock()
		}
		e.mu.Unlock()

		parent := e.parent
		fs.ecacheMu.Lock()
		e.ref--
		fs.ecacheMu.Unlock()
		if e.ref == 0 && parent != nil && parent != e {
			parent.put()
		}
		return
	}

	e.ref--
	fs.ecacheMu.Unlock()
}

// Close releases the caller's reference to the entry, mirroring eput from
// the caller's side (equivalent to calling put directly; exported for API
// symmetry with Dup).
func (e *Dirent) Close() {
	e.put()
}

// checkIsDir returns ErrNotADirectory unless e is a directory.
func (e *Dirent) checkIsDir() error {
	if !e.IsDir() {
		return fat32fs.CastToDriverError(fat32fs.ErrNotADirectory)
	}
	return nil
}

func permissionError(readOnly bool) error {
	if readOnly {
		return fat32fs.CastToDriverError(fat32fs.ErrReadOnly)
	}
	return nil
}
