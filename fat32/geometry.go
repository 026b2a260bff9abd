// Package fat32 implements the FAT32 metadata engine: BPB parsing, FAT
// table management, cluster allocation, cluster-addressed I/O, the on-disk
// directory format including long filenames, and path resolution. All I/O
// goes through the buffer cache in bcache.
package fat32

import (
	"encoding/binary"
	"fmt"
	"io"
	"syscall"

	"github.com/boljen/go-bitmap"
	"github.com/gokernel/fat32fs"
)

// SectorSize is the sector size this driver supports. Unlike the generic
// FAT12/16/32 driver it's adapted from, this package only ever deals with
// 512-byte sectors, matching the virtio-blk transport below it.
const SectorSize = 512

// DirentSize is the size in bytes of one 32-byte raw directory slot, short
// or long.
const DirentSize = 32

// rawBPB mirrors the FAT32 BIOS Parameter Block, offsets 0-89 of the boot
// sector, exactly as encoding/binary.Read expects for a packed little-endian
// struct.
type rawBPB struct {
	JmpBoot           [3]byte
	OEMName           [8]byte
	BytesPerSector    uint16
	SectorsPerCluster uint8
	ReservedSectors   uint16
	NumFATs           uint8
	RootEntryCount    uint16
	TotalSectors16    uint16
	Media             uint8
	FATSize16         uint16
	SectorsPerTrack   uint16
	NumHeads          uint16
	HiddenSectors     uint32
	TotalSectors32    uint32
	FATSize32         uint32
	ExtFlags          uint16
	FSVersion         uint16
	RootCluster       uint32
	FSInfoSector      uint16
	BackupBootSector  uint16
	Reserved          [12]byte
	DriveNumber       uint8
	Reserved1         uint8
	BootSignature     uint8
	VolumeID          uint32
	VolumeLabel       [11]byte
	FileSystemType    [8]byte
}

// Geometry holds the derived layout of a mounted FAT32 volume: everything
// computed once from the boot sector that every other operation in this
// package needs.
type Geometry struct {
	BytesPerSector    uint32
	SectorsPerCluster uint32
	ReservedSectors   uint32
	NumFATs           uint32
	FATSize           uint32 // sectors per FAT
	RootCluster       uint32
	TotalSectors      uint32

	FirstDataSector  uint32
	DataSectorCount  uint32
	DataClusterCount uint32
	BytesPerCluster  uint32
}

// ParseBootSector reads sector 0 of reader and derives a Geometry from it.
// It returns a fatal error (not a *fat32fs.DriverError) for anything that
// indicates the image is not a valid FAT32 volume, since a corrupt boot
// sector cannot be worked around by a caller.
func ParseBootSector(reader io.Reader) (*Geometry, error) {
	var raw rawBPB
	if err := binary.Read(reader, binary.LittleEndian, &raw); err != nil {
		return nil, fmt.Errorf("fat32: failed to read boot sector: %w", err)
	}

	if string(raw.FileSystemType[:5]) != "FAT32" {
		return nil, fmt.Errorf("fat32: boot sector is not tagged FAT32")
	}
	if raw.BytesPerSector != SectorSize {
		return nil, fmt.Errorf("fat32: bytes per sector %d unsupported, only %d is", raw.BytesPerSector, SectorSize)
	}
	if raw.RootEntryCount != 0 {
		return nil, fmt.Errorf("fat32: root entry count must be 0 on FAT32, got %d", raw.RootEntryCount)
	}

	g := &Geometry{
		BytesPerSector:    uint32(raw.BytesPerSector),
		SectorsPerCluster: uint32(raw.SectorsPerCluster),
		ReservedSectors:   uint32(raw.ReservedSectors),
		NumFATs:           uint32(raw.NumFATs),
		FATSize:           raw.FATSize32,
		RootCluster:       raw.RootCluster,
		TotalSectors:      raw.TotalSectors32,
	}
	if g.TotalSectors == 0 {
		g.TotalSectors = uint32(raw.TotalSectors16)
	}

	g.FirstDataSector = g.ReservedSectors + g.NumFATs*g.FATSize
	if g.FirstDataSector > g.TotalSectors {
		return nil, fmt.Errorf("fat32: reserved+FAT sectors exceed total sectors")
	}
	g.DataSectorCount = g.TotalSectors - g.FirstDataSector
	if g.SectorsPerCluster == 0 {
		return nil, fmt.Errorf("fat32: sectors per cluster must be nonzero")
	}
	g.DataClusterCount = g.DataSectorCount / g.SectorsPerCluster
	g.BytesPerCluster = g.SectorsPerCluster * g.BytesPerSector

	return g, nil
}

// firstSectorOfCluster returns the first sector number belonging to
// cluster. Clusters are numbered from 2.
func (g *Geometry) firstSectorOfCluster(cluster uint32) uint32 {
	return (cluster-2)*g.SectorsPerCluster + g.FirstDataSector
}

// fatSectorOfCluster returns the sector within FAT copy fatNum (1-based)
// holding cluster's 32-bit entry.
func (g *Geometry) fatSectorOfCluster(cluster uint32, fatNum uint32) uint32 {
	return g.ReservedSectors + (cluster*4)/g.BytesPerSector + g.FATSize*(fatNum-1)
}

// fatOffsetOfCluster returns the byte offset within that sector.
func (g *Geometry) fatOffsetOfCluster(cluster uint32) uint32 {
	return (cluster * 4) % g.BytesPerSector
}

// newFreeClusterBitmap builds a bitmap.Bitmap sized for this geometry's
// cluster count, used by Filesystem as a free-cluster scan hint cache. Bit
// i tracks whether cluster i+2 is known-free; the bitmap is rebuilt lazily
// from a full FAT scan and invalidated on every allocation or free.
func (g *Geometry) newFreeClusterBitmap() bitmap.Bitmap {
	return bitmap.New(int(g.DataClusterCount))
}

// invalidArgument is a convenience wrapper shared by this package's
// exported operations.
func invalidArgument(format string, args ...interface{}) error {
	return fat32fs.NewDriverErrorWithMessage(syscall.EINVAL, fmt.Sprintf(format, args...))
}
