package fat32

import (
	"io"
	"sync"

	"github.com/boljen/go-bitmap"
	"github.com/gokernel/fat32fs/bcache"
)

// EntryCacheSize is the number of directory entries kept resident at once.
// Exhausting the pool while every entry is referenced is a sizing bug, not
// a recoverable condition.
const EntryCacheSize = 50

// Filesystem is a mounted FAT32 volume: the geometry derived from its boot
// sector, the buffer cache backing all I/O, the directory-entry cache, and
// the root directory.
type Filesystem struct {
	geometry *Geometry
	cache    *bcache.Cache
	dev      uint32

	fatMu sync.Mutex

	freeMu         sync.Mutex
	freeBitmap     bitmap.Bitmap
	freeBitmapDone bool
	freeHint       uint32

	ecacheMu sync.Mutex
	ecache   [EntryCacheSize]Dirent
	lruHead  *Dirent // sentinel; head.next is MRU, head.prev is LRU

	root *Dirent
}

// Mount reads the boot sector from dev (sector 0) through cache and
// initializes a Filesystem ready for path resolution.
func Mount(cache *bcache.Cache, dev uint32) (*Filesystem, error) {
	buf, err := cache.Bread(dev, 0)
	if err != nil {
		return nil, err
	}
	geometry, err := ParseBootSector(byteReader(buf.Data[:]))
	cache.Release(buf)
	if err != nil {
		return nil, err
	}

	fs := &Filesystem{
		geometry: geometry,
		cache:    cache,
		dev:      dev,
	}

	fs.lruHead = &Dirent{}
	fs.lruHead.next = fs.lruHead
	fs.lruHead.prev = fs.lruHead
	for i := range fs.ecache {
		de := &fs.ecache[i]
		de.fs = fs
		de.next = fs.lruHead.next
		de.prev = fs.lruHead
		fs.lruHead.next.prev = de
		fs.lruHead.next = de
	}

	fs.root = &Dirent{
		fs:        fs,
		attribute: AttrDirectory | AttrSystem,
		firstClus: geometry.RootCluster,
		curClus:   geometry.RootCluster,
		valid:     entryValid,
		ref:       1,
	}
	fs.root.parent = fs.root

	return fs, nil
}

// Root returns the filesystem's root directory entry, with its reference
// count already accounting for the Filesystem's own hold on it. Callers
// that want their own reference should call Dup on it.
func (fs *Filesystem) Root() *Dirent {
	return fs.root
}

// Geometry returns the volume's derived boot-sector layout.
func (fs *Filesystem) Geometry() *Geometry {
	return fs.geometry
}

// byteReader adapts a fixed byte slice to io.Reader without allocating,
// used to feed one already-cached sector into ParseBootSector.
type byteReaderT struct {
	b   []byte
	pos int
}

func byteReader(b []byte) *byteReaderT {
	return &byteReaderT{b: b}
}

func (r *byteReaderT) Read(p []byte) (int, error) {
	n := copy(p, r.b[r.pos:])
	r.pos += n
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}
