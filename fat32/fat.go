package fat32

import (
	"encoding/binary"
	"syscall"

	"github.com/gokernel/fat32fs"
)

// EOC is the minimum FAT32 entry value that marks end-of-chain. Any value
// at or above this is an end-of-chain marker; this package always writes
// eocNewCluster when allocating, the value common FAT tooling expects.
const EOC = 0x0ffffff8

const eocNewCluster = 0x0fffffff

const emptyClusterEntry = 0

// readFAT implements read_fat: the FAT entry for cluster, or cluster
// itself if it's already an EOC value, or 0 if cluster is out of range.
func (fs *Filesystem) readFAT(cluster uint32) (uint32, error) {
	g := fs.geometry
	if cluster >= EOC {
		return cluster, nil
	}
	if cluster > g.DataClusterCount+1 {
		return 0, nil
	}

	sector := g.fatSectorOfCluster(cluster, 1)
	buf, err := fs.cache.Bread(fs.dev, uint64(sector))
	if err != nil {
		return 0, err
	}
	off := g.fatOffsetOfCluster(cluster)
	next := binary.LittleEndian.Uint32(buf.Data[off : off+4])
	fs.cache.Release(buf)
	return next, nil
}

// FATEntry returns the FAT entry for cluster: its successor in the chain,
// an EOC value at the end of one, or 0 if the cluster is free or out of
// range. Read-only consumers (consistency checkers, disk statistics) use
// this to walk chains without touching the entry layer.
func (fs *Filesystem) FATEntry(cluster uint32) (uint32, error) {
	return fs.readFAT(cluster)
}

// writeFAT implements write_fat.
func (fs *Filesystem) writeFAT(cluster, content uint32) error {
	g := fs.geometry
	if cluster > g.DataClusterCount+1 {
		return fat32fs.NewDriverError(syscall.EINVAL)
	}

	sector := g.fatSectorOfCluster(cluster, 1)
	buf, err := fs.cache.Bread(fs.dev, uint64(sector))
	if err != nil {
		return err
	}
	off := g.fatOffsetOfCluster(cluster)
	binary.LittleEndian.PutUint32(buf.Data[off:off+4], content)
	if err := fs.cache.Write(buf); err != nil {
		fs.cache.Release(buf)
		return err
	}
	fs.cache.Release(buf)
	return nil
}

// zeroCluster zeroes every sector belonging to cluster.
func (fs *Filesystem) zeroCluster(cluster uint32) error {
	g := fs.geometry
	sector := g.firstSectorOfCluster(cluster)
	for i := uint32(0); i < g.SectorsPerCluster; i++ {
		buf, err := fs.cache.Bread(fs.dev, uint64(sector+i))
		if err != nil {
			return err
		}
		for j := range buf.Data {
			buf.Data[j] = 0
		}
		if err := fs.cache.Write(buf); err != nil {
			fs.cache.Release(buf)
			return err
		}
		fs.cache.Release(buf)
	}
	return nil
}

// allocCluster implements alloc_clus: scan FAT copy 1 for the first free
// (zero) entry, claim it by writing eocNewCluster, zero its data, and
// return its cluster number.
//
// fatMu serializes the whole scan-and-claim sequence; without it two
// concurrent allocators scanning the same FAT sector could both claim the
// same entry.
func (fs *Filesystem) allocCluster() (uint32, error) {
	fs.fatMu.Lock()
	defer fs.fatMu.Unlock()

	g := fs.geometry
	entriesPerSector := g.BytesPerSector / 4

	sector := g.ReservedSectors
	for i := uint32(0); i < g.FATSize; i++ {
		buf, err := fs.cache.Bread(fs.dev, uint64(sector+i))
		if err != nil {
			return 0, err
		}
		for j := uint32(0); j < entriesPerSector; j++ {
			off := j * 4
			cluster := i*entriesPerSector + j
			if cluster < 2 || cluster > g.DataClusterCount+1 {
				// FAT entries 0 and 1 are reserved, and a FAT sized in whole
				// sectors usually maps more entries than there are clusters.
				continue
			}
			if binary.LittleEndian.Uint32(buf.Data[off:off+4]) == emptyClusterEntry {
				binary.LittleEndian.PutUint32(buf.Data[off:off+4], eocNewCluster)
				writeErr := fs.cache.Write(buf)
				fs.cache.Release(buf)
				if writeErr != nil {
					return 0, writeErr
				}
				fs.invalidateFreeHint()
				if err := fs.zeroCluster(cluster); err != nil {
					return 0, err
				}
				return cluster, nil
			}
		}
		fs.cache.Release(buf)
	}
	return 0, fat32fs.CastToDriverError(fat32fs.ErrNoSpace)
}

// freeCluster implements free_clus.
func (fs *Filesystem) freeCluster(cluster uint32) error {
	fs.invalidateFreeHint()
	return fs.writeFAT(cluster, emptyClusterEntry)
}

func (fs *Filesystem) invalidateFreeHint() {
	fs.freeMu.Lock()
	fs.freeBitmapDone = false
	fs.freeMu.Unlock()
}

// FreeClusters reports the number of unallocated data clusters, scanning
// the whole FAT copy 1 on first call (or after any allocation/free since
// the last scan) and caching the result until the next mutation.
func (fs *Filesystem) FreeClusters() (uint32, error) {
	fs.freeMu.Lock()
	defer fs.freeMu.Unlock()
	if fs.freeBitmapDone {
		return fs.freeHint, nil
	}

	g := fs.geometry
	entriesPerSector := g.BytesPerSector / 4
	var free uint32
	bm := g.newFreeClusterBitmap()

	sector := g.ReservedSectors
	for i := uint32(0); i < g.FATSize; i++ {
		buf, err := fs.cache.Bread(fs.dev, uint64(sector+i))
		if err != nil {
			return 0, err
		}
		for j := uint32(0); j < entriesPerSector; j++ {
			off := j * 4
			cluster := i*entriesPerSector + j
			if cluster < 2 || cluster > g.DataClusterCount+1 {
				continue
			}
			if binary.LittleEndian.Uint32(buf.Data[off:off+4]) == emptyClusterEntry {
				free++
				if int(cluster-2) < bm.Len() {
					bm.Set(int(cluster-2), true)
				}
			}
		}
		fs.cache.Release(buf)
	}

	fs.freeBitmap = bm
	fs.freeHint = free
	fs.freeBitmapDone = true
	return free, nil
}
