package fat32

import (
	"encoding/binary"

	"github.com/gokernel/fat32fs"
)

// entryMake implements emake: write name's long-name run (if its exact case
// and punctuation can't be recovered from its generated short name) followed
// by the short-name slot, starting at byte offset off within dp.
func (fs *Filesystem) entryMake(dp *Dirent, off uint32, name string, attr uint8, firstClus uint32, fileSize uint32) error {
	short := generateShortName(name)
	checksum := calChecksum(short)

	runes := []rune(name)
	longSlots := 0
	if shortNameDisplay(short) != name {
		longSlots = (len(runes) + CharLongName - 1) / CharLongName
	}

	cur := off
	for i := longSlots; i >= 1; i-- {
		start := (i - 1) * CharLongName
		end := start + CharLongName
		if end > len(runes) {
			end = len(runes)
		}
		var chunk string
		if start < len(runes) {
			chunk = string(runes[start:end])
		}
		units := stringToUCS2(chunk, CharLongName)

		var slot [DirentSize]byte
		order := uint8(i)
		if i == longSlots {
			order |= lastLongEntry
		}
		slot[0] = order
		for j := 0; j < 5; j++ {
			binary.LittleEndian.PutUint16(slot[1+2*j:], units[j])
		}
		slot[offAttr] = AttrLongName
		slot[13] = checksum
		for j := 0; j < 6; j++ {
			binary.LittleEndian.PutUint16(slot[14+2*j:], units[5+j])
		}
		for j := 0; j < 2; j++ {
			binary.LittleEndian.PutUint16(slot[28+2*j:], units[11+j])
		}

		if err := fs.writeDirSlot(dp, cur, slot[:]); err != nil {
			return err
		}
		cur += DirentSize
	}

	var slot [DirentSize]byte
	copy(slot[:CharShortName], short[:])
	slot[offAttr] = attr
	binary.LittleEndian.PutUint16(slot[offFstClusHi:offFstClusHi+2], uint16(firstClus>>16))
	binary.LittleEndian.PutUint16(slot[offFstClusLo:offFstClusLo+2], uint16(firstClus))
	binary.LittleEndian.PutUint32(slot[offFileSize:offFileSize+4], fileSize)
	return fs.writeDirSlot(dp, cur, slot[:])
}

// EntryAlloc implements ealloc: create name inside parent with the given
// attribute bits, writing its directory slots and, for a new directory,
// its "." and ".." entries. A name collision returns the existing entry
// instead of failing. The caller must hold parent's lock.
func (fs *Filesystem) EntryAlloc(parent *Dirent, name string, attr uint8) (*Dirent, error) {
	clean := formatName(name)
	if clean == "" || len(clean) > MaxFilenameLength {
		return nil, fat32fs.CastToDriverError(fat32fs.ErrInvalidName)
	}

	var allocOff uint32
	existing, err := fs.dirLookup(parent, clean, &allocOff)
	if err == nil {
		return existing, nil
	}
	if err != fat32fs.ErrNotFound {
		return nil, err
	}

	ep := fs.entryGet(parent, "")
	ep.Lock()
	ep.filename = clean
	ep.attribute = attr
	ep.firstClus = 0
	ep.fileSize = 0
	ep.curClus = 0
	ep.clusCnt = 0
	ep.off = allocOff
	ep.dirty = false

	if attr&AttrDirectory != 0 {
		clus, cerr := fs.allocCluster()
		if cerr != nil {
			ep.Unlock()
			fs.releaseFreeEntry(ep)
			return nil, cerr
		}
		ep.firstClus = clus
		ep.curClus = clus
		if merr := fs.entryMake(ep, 0, ".", AttrDirectory|AttrSystem, clus, 0); merr != nil {
			ep.Unlock()
			fs.releaseFreeEntry(ep)
			return nil, merr
		}
		if merr := fs.entryMake(ep, DirentSize, "..", AttrDirectory|AttrSystem, parent.firstClus, 0); merr != nil {
			ep.Unlock()
			fs.releaseFreeEntry(ep)
			return nil, merr
		}
	}

	if merr := fs.entryMake(parent, allocOff, clean, attr, ep.firstClus, ep.fileSize); merr != nil {
		ep.Unlock()
		fs.releaseFreeEntry(ep)
		return nil, merr
	}

	fs.ecacheMu.Lock()
	ep.parent = parent
	parent.ref++
	ep.valid = entryValid
	fs.ecacheMu.Unlock()
	ep.Unlock()

	return ep, nil
}

// remove implements eremove: mark every on-disk slot belonging to e
// (its long-name run plus short entry) as EMPTY_ENTRY and doom e so its
// cluster chain is reclaimed once the last reference is dropped. The
// caller must hold both e's lock and e.parent's lock.
func (e *Dirent) remove() error {
	fs := e.fs
	first, err := fs.readDirSlot(e.parent, e.off)
	if err != nil {
		return err
	}

	count := uint32(0)
	if first[offAttr] == AttrLongName {
		count = uint32(first[0] &^ lastLongEntry)
	}

	for i := uint32(0); i <= count; i++ {
		off := e.off + i*DirentSize
		slot, err := fs.readDirSlot(e.parent, off)
		if err != nil {
			return err
		}
		slot[0] = emptyEntryOrder
		if err := fs.writeDirSlot(e.parent, off, slot[:]); err != nil {
			return err
		}
	}

	fs.ecacheMu.Lock()
	e.valid = entryDoomed
	fs.ecacheMu.Unlock()
	return nil
}

// truncate implements etrunc: free every cluster in e's chain and reset its
// size and first cluster to zero. Called on a doomed entry (valid ==
// entryDoomed) once its last reference is dropped.
func (e *Dirent) truncate() error {
	fs := e.fs
	clus := e.firstClus
	for clus != 0 && clus < EOC {
		next, err := fs.readFAT(clus)
		if err != nil {
			return err
		}
		if err := fs.freeCluster(clus); err != nil {
			return err
		}
		clus = next
	}
	e.firstClus = 0
	e.fileSize = 0
	return nil
}

// updateOnDisk implements eupdate: write e's current firstClus/fileSize back
// into its on-disk short-name slot, first reading the slot at e.off to
// recover how many long-name slots (if any) precede it. The caller must
// hold e.parent's lock.
func (e *Dirent) updateOnDisk() error {
	if !e.dirty {
		return nil
	}
	fs := e.fs

	first, err := fs.readDirSlot(e.parent, e.off)
	if err != nil {
		return err
	}

	shortOff := e.off
	if first[offAttr] == AttrLongName {
		count := uint32(first[0] &^ lastLongEntry)
		shortOff = e.off + count*DirentSize
	}

	slot, err := fs.readDirSlot(e.parent, shortOff)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint16(slot[offFstClusHi:offFstClusHi+2], uint16(e.firstClus>>16))
	binary.LittleEndian.PutUint16(slot[offFstClusLo:offFstClusLo+2], uint16(e.firstClus))
	binary.LittleEndian.PutUint32(slot[offFileSize:offFileSize+4], e.fileSize)

	if err := fs.writeDirSlot(e.parent, shortOff, slot[:]); err != nil {
		return err
	}
	e.dirty = false
	return nil
}
