package fat32

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/noxer/bytewriter"
)

// FormatSpec describes the volume layout Format should create. Zero values
// for ReservedSectors and NumFATs select the conventional defaults (32 and
// 2); TotalSectors and SectorsPerCluster must be given.
type FormatSpec struct {
	TotalSectors      uint32
	SectorsPerCluster uint32
	ReservedSectors   uint32
	NumFATs           uint32
	VolumeLabel       string
	VolumeID          uint32
}

const (
	fsinfoSector     = 1
	backupBootSector = 6

	fsinfoLeadSignature   = 0x41615252
	fsinfoStructSignature = 0x61417272
	fsinfoTrailSignature  = 0xaa550000
)

// fatSizeSectors computes the smallest per-copy FAT size, in sectors, that
// can map every data cluster the resulting layout leaves room for. The FAT
// size and the data area compete for the same sectors, so this iterates to
// a fixed point instead of solving in closed form.
func fatSizeSectors(spec FormatSpec) uint32 {
	entriesPerSector := uint32(SectorSize / 4)

	size := uint32(1)
	for {
		dataSectors := spec.TotalSectors - spec.ReservedSectors - spec.NumFATs*size
		clusters := dataSectors / spec.SectorsPerCluster
		needed := (clusters + 2 + entriesPerSector - 1) / entriesPerSector
		if needed <= size {
			return size
		}
		size = needed
	}
}

// Format writes a blank FAT32 volume to img: boot sector, FSInfo sector, a
// backup boot sector, NumFATs FAT copies with the root directory's chain
// started, and a zeroed root directory cluster. Everything else on the
// image is left untouched, so formatting over an old volume relies on the
// FAT being reset rather than on data sectors being wiped.
func Format(img io.WriterAt, spec FormatSpec) error {
	if spec.ReservedSectors == 0 {
		spec.ReservedSectors = 32
	}
	if spec.NumFATs == 0 {
		spec.NumFATs = 2
	}

	switch {
	case spec.SectorsPerCluster == 0 || spec.SectorsPerCluster > 128 ||
		spec.SectorsPerCluster&(spec.SectorsPerCluster-1) != 0:
		return fmt.Errorf(
			"fat32: sectors per cluster must be a power of two in [1, 128], got %d",
			spec.SectorsPerCluster)
	case spec.ReservedSectors <= backupBootSector:
		return fmt.Errorf(
			"fat32: need more than %d reserved sectors, got %d",
			backupBootSector, spec.ReservedSectors)
	case spec.TotalSectors < spec.ReservedSectors+spec.NumFATs+spec.SectorsPerCluster:
		return fmt.Errorf("fat32: %d total sectors is too small to format", spec.TotalSectors)
	}

	fatSize := fatSizeSectors(spec)
	rootCluster := uint32(2)

	bootSector, err := buildBootSector(spec, fatSize, rootCluster)
	if err != nil {
		return err
	}
	if _, err := img.WriteAt(bootSector, 0); err != nil {
		return err
	}
	if _, err := img.WriteAt(bootSector, backupBootSector*SectorSize); err != nil {
		return err
	}

	if _, err := img.WriteAt(buildFSInfoSector(), fsinfoSector*SectorSize); err != nil {
		return err
	}

	// First FAT sector of each copy: entry 0 holds the media descriptor,
	// entry 1 is a permanent EOC, and the root directory's single-cluster
	// chain terminates immediately.
	firstFATSector := make([]byte, SectorSize)
	binary.LittleEndian.PutUint32(firstFATSector[0:], 0x0ffffff8)
	binary.LittleEndian.PutUint32(firstFATSector[4:], 0x0fffffff)
	binary.LittleEndian.PutUint32(firstFATSector[rootCluster*4:], eocNewCluster)

	zeroSector := make([]byte, SectorSize)
	for n := uint32(0); n < spec.NumFATs; n++ {
		base := int64(spec.ReservedSectors+n*fatSize) * SectorSize
		if _, err := img.WriteAt(firstFATSector, base); err != nil {
			return err
		}
		for s := uint32(1); s < fatSize; s++ {
			if _, err := img.WriteAt(zeroSector, base+int64(s)*SectorSize); err != nil {
				return err
			}
		}
	}

	rootBase := int64(spec.ReservedSectors+spec.NumFATs*fatSize) * SectorSize
	for s := uint32(0); s < spec.SectorsPerCluster; s++ {
		if _, err := img.WriteAt(zeroSector, rootBase+int64(s)*SectorSize); err != nil {
			return err
		}
	}
	return nil
}

func buildBootSector(spec FormatSpec, fatSize, rootCluster uint32) ([]byte, error) {
	var label [11]byte
	copy(label[:], "NO NAME    ")
	if spec.VolumeLabel != "" {
		copy(label[:], spec.VolumeLabel)
		for i := len(spec.VolumeLabel); i < len(label); i++ {
			label[i] = ' '
		}
	}

	raw := rawBPB{
		JmpBoot:           [3]byte{0xeb, 0x58, 0x90},
		BytesPerSector:    SectorSize,
		SectorsPerCluster: uint8(spec.SectorsPerCluster),
		ReservedSectors:   uint16(spec.ReservedSectors),
		NumFATs:           uint8(spec.NumFATs),
		Media:             0xf8,
		SectorsPerTrack:   63,
		NumHeads:          255,
		TotalSectors32:    spec.TotalSectors,
		FATSize32:         fatSize,
		RootCluster:       rootCluster,
		FSInfoSector:      fsinfoSector,
		BackupBootSector:  backupBootSector,
		DriveNumber:       0x80,
		BootSignature:     0x29,
		VolumeID:          spec.VolumeID,
		VolumeLabel:       label,
	}
	copy(raw.OEMName[:], "fat32fs ")
	copy(raw.FileSystemType[:], "FAT32   ")

	sector := make([]byte, SectorSize)
	writer := bytewriter.New(sector)
	if err := binary.Write(writer, binary.LittleEndian, &raw); err != nil {
		return nil, err
	}
	sector[510] = 0x55
	sector[511] = 0xaa
	return sector, nil
}

func buildFSInfoSector() []byte {
	sector := make([]byte, SectorSize)
	binary.LittleEndian.PutUint32(sector[0:], fsinfoLeadSignature)
	binary.LittleEndian.PutUint32(sector[484:], fsinfoStructSignature)
	// Free cluster count and next-free hint both "unknown"; readers are
	// required to fall back to scanning the FAT.
	binary.LittleEndian.PutUint32(sector[488:], 0xffffffff)
	binary.LittleEndian.PutUint32(sector[492:], 0xffffffff)
	binary.LittleEndian.PutUint32(sector[508:], fsinfoTrailSignature)
	return sector
}
