package fat32

import (
	"github.com/gokernel/fat32fs"
)

// relocCluster implements reloc_clus: walk (or extend) entry's cluster
// chain so that entry.curClus is the cluster containing byte offset off,
// updating entry.clusCnt to match. If alloc is true and the chain runs out
// before reaching off, a new cluster is appended; otherwise entry is reset
// to its first cluster and an error is returned.
//
// Returns the byte offset within the resulting cluster.
func (fs *Filesystem) relocCluster(entry *Dirent, off uint32, alloc bool) (uint32, error) {
	g := fs.geometry
	clusNum := off / g.BytesPerCluster

	for clusNum > entry.clusCnt {
		next, err := fs.readFAT(entry.curClus)
		if err != nil {
			return 0, err
		}
		if next >= EOC {
			if !alloc {
				entry.curClus = entry.firstClus
				entry.clusCnt = 0
				return 0, fat32fs.CastToDriverError(fat32fs.ErrNoSpace)
			}
			var err error
			next, err = fs.allocCluster()
			if err != nil {
				return 0, err
			}
			if err := fs.writeFAT(entry.curClus, next); err != nil {
				return 0, err
			}
		}
		entry.curClus = next
		entry.clusCnt++
	}

	if clusNum < entry.clusCnt {
		entry.curClus = entry.firstClus
		entry.clusCnt = 0
		for entry.clusCnt < clusNum {
			next, err := fs.readFAT(entry.curClus)
			if err != nil {
				return 0, err
			}
			if next >= EOC {
				panic("fat32: relocCluster ran off the end of a chain")
			}
			entry.curClus = next
			entry.clusCnt++
		}
	}

	return off % g.BytesPerCluster, nil
}

// rwCluster implements rw_clus: read or write n bytes at byte offset off
// within cluster, spanning as many sectors as needed.
func (fs *Filesystem) rwCluster(cluster uint32, buf []byte, off uint32, write bool) (uint32, error) {
	g := fs.geometry
	n := uint32(len(buf))
	if off+n > g.BytesPerCluster {
		return 0, invalidArgument(
			"transfer of %d bytes at offset %d runs past the %d-byte cluster",
			n, off, g.BytesPerCluster)
	}

	sector := g.firstSectorOfCluster(cluster) + off/g.BytesPerSector
	off = off % g.BytesPerSector

	var tot uint32
	for tot < n {
		b, err := fs.cache.Bread(fs.dev, uint64(sector))
		if err != nil {
			return tot, err
		}
		m := g.BytesPerSector - off
		if n-tot < m {
			m = n - tot
		}
		if write {
			copy(b.Data[off:off+m], buf[tot:tot+m])
			if err := fs.cache.Write(b); err != nil {
				fs.cache.Release(b)
				return tot, err
			}
		} else {
			copy(buf[tot:tot+m], b.Data[off:off+m])
		}
		fs.cache.Release(b)
		tot += m
		off = 0
		sector++
	}
	return tot, nil
}

// ReadAt implements eread: read up to len(p) bytes starting at byte offset
// off into the entry's data, stopping early at end of file. Directories
// never return data. The caller must hold the entry's lock.
func (e *Dirent) ReadAt(p []byte, off uint32) (int, error) {
	if e.IsDir() {
		return 0, nil
	}
	if off > e.fileSize {
		return 0, nil
	}
	n := uint32(len(p))
	if off+n > e.fileSize {
		n = e.fileSize - off
	}

	fs := e.fs
	var tot uint32
	for tot < n && e.curClus < EOC {
		if _, err := fs.relocCluster(e, off, false); err != nil {
			return int(tot), err
		}
		clusOff := off % fs.geometry.BytesPerCluster
		m := fs.geometry.BytesPerCluster - clusOff
		if n-tot < m {
			m = n - tot
		}
		got, err := fs.rwCluster(e.curClus, p[tot:tot+m], clusOff, false)
		tot += got
		off += got
		if err != nil || got != m {
			break
		}
	}
	return int(tot), nil
}

// WriteAt implements ewrite: write len(p) bytes starting at byte offset off
// into the entry's data, allocating clusters as needed and extending
// fileSize when the write runs past the current end. The caller must hold
// the entry's lock.
func (e *Dirent) WriteAt(p []byte, off uint32) (int, error) {
	if err := permissionError(e.attribute&AttrReadOnly != 0); err != nil {
		return 0, err
	}
	n := uint32(len(p))
	if off > e.fileSize || uint64(off)+uint64(n) > 0xffffffff {
		return 0, invalidArgument("write of %d bytes at offset %d is out of range", n, off)
	}

	fs := e.fs
	if e.firstClus == 0 {
		clus, err := fs.allocCluster()
		if err != nil {
			return 0, err
		}
		e.firstClus = clus
		e.curClus = clus
		e.clusCnt = 0
		e.dirty = true
	}

	var tot uint32
	for tot < n {
		clusOff, err := fs.relocCluster(e, off, true)
		if err != nil {
			return int(tot), err
		}
		m := fs.geometry.BytesPerCluster - clusOff
		if n-tot < m {
			m = n - tot
		}
		wrote, err := fs.rwCluster(e.curClus, p[tot:tot+m], clusOff, true)
		tot += wrote
		off += wrote
		if err != nil || wrote != m {
			break
		}
	}

	if tot > 0 && off > e.fileSize {
		e.fileSize = off
		e.dirty = true
	}
	return int(tot), nil
}
