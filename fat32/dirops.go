package fat32

import (
	"encoding/binary"
	"io"

	"github.com/gokernel/fat32fs"
)

// maxLongSlots bounds how many long-name fragments one file's name can
// spread across: 255 bytes of filename at 13 UCS-2 units per slot.
const maxLongSlots = (MaxFilenameLength + CharLongName - 1) / CharLongName

// readDirSlot reads the 32-byte directory slot at byte offset off within
// dp's data, relocating dp's cluster cursor as needed. A non-nil error
// means the slot lies past the end of dp's allocated chain (the directory
// equivalent of a short read).
func (fs *Filesystem) readDirSlot(dp *Dirent, off uint32) ([DirentSize]byte, error) {
	var slot [DirentSize]byte
	clusOff, err := fs.relocCluster(dp, off, false)
	if err != nil {
		return slot, err
	}
	n, err := fs.rwCluster(dp.curClus, slot[:], clusOff, false)
	if err != nil {
		return slot, err
	}
	if n != DirentSize {
		return slot, io.ErrUnexpectedEOF
	}
	return slot, nil
}

// writeDirSlot writes a 32-byte directory slot at byte offset off within
// dp's data, extending dp's cluster chain if off runs past its current end.
func (fs *Filesystem) writeDirSlot(dp *Dirent, off uint32, slot []byte) error {
	clusOff, err := fs.relocCluster(dp, off, true)
	if err != nil {
		return err
	}
	n, err := fs.rwCluster(dp.curClus, slot, clusOff, true)
	if err != nil {
		return err
	}
	if n != uint32(len(slot)) {
		return io.ErrShortWrite
	}
	return nil
}

// dirNext implements enext: it scans dp starting at the 32-byte-aligned
// offset off for the next live file, composing any long-filename fragments
// that precede its short entry. ep must have valid == entryFree; reusing an
// already-populated entry without resetting it first is a caller bug, so
// this panics rather than silently clobbering state.
//
// Returns result -1 at end-of-directory, 0 if a run of empty slots was
// found (count holds its length), or 1 once ep has been filled in with one
// file's filename, attribute, first cluster, and size. newOff is the offset
// to resume scanning from on the next call.
func (fs *Filesystem) dirNext(dp *Dirent, ep *Dirent, off uint32) (result int, newOff uint32, count uint32, err error) {
	if ep.valid != entryFree {
		panic("fat32: dirNext requires ep.valid == entryFree; reset it before reuse")
	}
	if off%DirentSize != 0 {
		panic("fat32: dirNext requires a 32-byte-aligned offset")
	}
	if !dp.IsDir() {
		return -1, off, 0, nil
	}

	var longFrags [maxLongSlots]string
	longCount := 0
	entryStart := off
	cur := off
	var emptyRun uint32

	for {
		slot, rerr := fs.readDirSlot(dp, cur)
		if rerr != nil {
			if emptyRun > 0 {
				return 0, cur, emptyRun, nil
			}
			return -1, cur, 0, nil
		}

		order := slot[0]
		attr := slot[offAttr]

		if order == endOfEntryOrder {
			if emptyRun > 0 {
				return 0, cur, emptyRun, nil
			}
			return -1, cur, 0, nil
		}

		if order == emptyEntryOrder {
			emptyRun++
			cur += DirentSize
			longCount = 0
			continue
		}

		if emptyRun > 0 {
			// A live entry ends the empty run; report the run now and let
			// the caller resume scanning at cur on its next call.
			return 0, cur, emptyRun, nil
		}

		if longCount == 0 {
			entryStart = cur
		}

		if attr == AttrLongName {
			idx := int(order&^lastLongEntry) - 1
			if idx >= 0 && idx < maxLongSlots {
				longFrags[idx] = readEntryName(slot[:])
				if order&lastLongEntry != 0 {
					longCount = idx + 1
				}
			}
			cur += DirentSize
			continue
		}

		name := ""
		for i := 0; i < longCount; i++ {
			name += longFrags[i]
		}
		if name == "" {
			name = readEntryName(slot[:])
		}

		ep.filename = name
		ep.attribute = attr
		hi := binary.LittleEndian.Uint16(slot[offFstClusHi : offFstClusHi+2])
		lo := binary.LittleEndian.Uint16(slot[offFstClusLo : offFstClusLo+2])
		ep.firstClus = uint32(hi)<<16 | uint32(lo)
		ep.fileSize = binary.LittleEndian.Uint32(slot[offFileSize : offFileSize+4])
		ep.curClus = ep.firstClus
		ep.clusCnt = 0
		ep.off = entryStart

		return 1, cur + DirentSize, 0, nil
	}
}

// releaseFreeEntry returns an ecache slot obtained via entryGet(dp, "") that
// was never populated into a live entry, without running eput's flush or
// truncate logic.
func (fs *Filesystem) releaseFreeEntry(e *Dirent) {
	fs.ecacheMu.Lock()
	e.ref = 0
	e.valid = entryFree
	fs.ecacheMu.Unlock()
}

// entryCacheHit tries the ecache fast path for (dp, name), returning the
// resolved entry (ref held) on a hit or nil on a miss. A miss still consumes
// and releases one ecache recycle cycle.
func (fs *Filesystem) entryCacheHit(dp *Dirent, name string) *Dirent {
	ep := fs.entryGet(dp, name)
	if ep.valid == entryValid {
		return ep
	}
	fs.releaseFreeEntry(ep)
	return nil
}

// scanDir performs a full linear scan of dp for name, the fallback dirlookup
// takes on an ecache miss. It also locates a destination offset for a
// subsequent entryAlloc call: the first run of at least minSlots
// consecutive empty slots, or the offset of the end-of-directory marker if
// no run is long enough.
func (fs *Filesystem) scanDir(dp *Dirent, name string, minSlots uint32) (match *Dirent, allocOff uint32, err error) {
	var haveRun bool
	var runOff uint32
	off := uint32(0)

	for {
		ep := fs.entryGet(dp, "")
		result, next, count, derr := fs.dirNext(dp, ep, off)
		if derr != nil {
			fs.releaseFreeEntry(ep)
			return nil, pickAllocOff(haveRun, runOff, off), derr
		}

		switch result {
		case -1:
			fs.releaseFreeEntry(ep)
			return nil, pickAllocOff(haveRun, runOff, off), fat32fs.CastToDriverError(fat32fs.ErrNotFound)
		case 0:
			if !haveRun && count >= minSlots {
				haveRun, runOff = true, off
			}
			fs.releaseFreeEntry(ep)
			off = next
		case 1:
			if ep.filename == name {
				fs.ecacheMu.Lock()
				ep.parent = dp
				dp.ref++
				ep.valid = entryValid
				fs.ecacheMu.Unlock()
				return ep, 0, nil
			}
			fs.releaseFreeEntry(ep)
			off = next
		}
	}
}

func pickAllocOff(haveRun bool, runOff, endOff uint32) uint32 {
	if haveRun {
		return runOff
	}
	return endOff
}
