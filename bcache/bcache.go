// Package bcache implements a fixed-size sector buffer cache on an LRU
// list, the layer between the FAT32 metadata engine and the block
// transport: a bounded pool of (device, sector)-keyed slots with per-buffer
// sleeplocks, recycled least-recently-released first.
package bcache

import (
	"sync"

	"github.com/gokernel/fat32fs"
)

// SectorSize is the size in bytes of every buffer this cache manages.
const SectorSize = 512

// BlockDevice is the interface the cache drives sector I/O through. It is
// implemented by *virtio.Disk.
type BlockDevice interface {
	ReadSector(sector uint64, buf []byte) error
	WriteSector(sector uint64, buf []byte) error
}

// Buf is a single cached sector. Callers that hold a *Buf (between Bread and
// Release) have exclusive access to Data.
type Buf struct {
	dev    uint32
	sector uint64
	valid  bool
	refcnt int
	pinned bool

	mu   sync.Mutex
	Data [SectorSize]byte

	prev, next *Buf
}

// Dev returns the device identifier this buffer belongs to.
func (b *Buf) Dev() uint32 { return b.dev }

// Sector returns the sector number this buffer holds.
func (b *Buf) Sector() uint64 { return b.sector }

// Cache is a fixed pool of NBUF sector buffers kept on an LRU list. It is
// safe for concurrent use by multiple goroutines.
type Cache struct {
	dev BlockDevice

	mu   sync.Mutex
	head Buf // sentinel: head.next is most recently used, head.prev is least
	bufs []*Buf
}

// New creates a cache of nbuf buffers driving I/O through dev.
func New(dev BlockDevice, nbuf int) *Cache {
	if nbuf <= 0 {
		panic("bcache: nbuf must be positive")
	}

	c := &Cache{dev: dev, bufs: make([]*Buf, nbuf)}
	c.head.next = &c.head
	c.head.prev = &c.head

	for i := 0; i < nbuf; i++ {
		b := &Buf{dev: ^uint32(0), sector: ^uint64(0)}
		c.bufs[i] = b
		b.next = c.head.next
		b.prev = &c.head
		c.head.next.prev = b
		c.head.next = b
	}
	return c
}

// get implements bget: find sector (dev, sector) already cached, or recycle
// the least-recently-used unreferenced buffer for it. Returns the buffer
// with its sleeplock held.
func (c *Cache) get(dev uint32, sector uint64) *Buf {
	c.mu.Lock()

	for b := c.head.next; b != &c.head; b = b.next {
		if b.dev == dev && b.sector == sector {
			b.refcnt++
			c.mu.Unlock()
			b.mu.Lock()
			return b
		}
	}

	for b := c.head.prev; b != &c.head; b = b.prev {
		if b.refcnt != 0 {
			continue
		}
		b.valid = false
		b.dev = dev
		b.sector = sector
		b.refcnt = 1
		c.mu.Unlock()
		b.mu.Lock()
		return b
	}

	panic("bcache: no free buffers")
}

// Bread returns the buffer for (dev, sector), fetching it from the block
// device on a cache miss. The buffer is returned locked; callers must call
// Release when done.
func (c *Cache) Bread(dev uint32, sector uint64) (*Buf, error) {
	b := c.get(dev, sector)
	if !b.valid {
		if err := c.dev.ReadSector(sector, b.Data[:]); err != nil {
			b.mu.Unlock()
			c.mu.Lock()
			b.refcnt--
			c.mu.Unlock()
			return nil, fat32fs.CastToDriverError(err)
		}
		b.valid = true
	}
	return b, nil
}

// Write writes b's contents through to the block device. The caller must be
// holding b's lock (i.e. must have obtained it from Bread and not yet
// Released it).
func (c *Cache) Write(b *Buf) error {
	if err := c.dev.WriteSector(b.sector, b.Data[:]); err != nil {
		return fat32fs.CastToDriverError(err)
	}
	return nil
}

// Release unlocks b and, if its reference count drops to zero, moves it to
// the front of the LRU list.
func (c *Cache) Release(b *Buf) {
	b.mu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	b.refcnt--
	if b.refcnt == 0 && !b.pinned {
		b.next.prev = b.prev
		b.prev.next = b.next
		b.next = c.head.next
		b.prev = &c.head
		c.head.next.prev = b
		c.head.next = b
	}
}

// Pin marks b as exempt from LRU recycling even when its reference count
// reaches zero, used for buffers the caller keeps a long-lived pointer to
// (e.g. a directory entry's current cluster).
func (c *Cache) Pin(b *Buf) {
	c.mu.Lock()
	b.refcnt++
	b.pinned = true
	c.mu.Unlock()
}

// Unpin reverses Pin. If the reference count drops to zero as a result, the
// buffer can be recycled by the next cache miss, without a further Release.
func (c *Cache) Unpin(b *Buf) {
	c.mu.Lock()
	b.refcnt--
	b.pinned = false
	c.mu.Unlock()
}
