package fat32_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gokernel/fat32fs/fat32"
)

// buildBootSector assembles a minimal FAT32 boot sector with the given
// geometry fields at their on-disk offsets.
func buildBootSector(
	bytesPerSector uint16,
	sectorsPerCluster uint8,
	reservedSectors uint16,
	numFATs uint8,
	fatSize uint32,
	totalSectors uint32,
	rootCluster uint32,
) []byte {
	sector := make([]byte, 512)
	binary.LittleEndian.PutUint16(sector[11:], bytesPerSector)
	sector[13] = sectorsPerCluster
	binary.LittleEndian.PutUint16(sector[14:], reservedSectors)
	sector[16] = numFATs
	binary.LittleEndian.PutUint32(sector[32:], totalSectors)
	binary.LittleEndian.PutUint32(sector[36:], fatSize)
	binary.LittleEndian.PutUint32(sector[44:], rootCluster)
	copy(sector[82:], "FAT32   ")
	return sector
}

func TestParseBootSectorDerivedGeometry(t *testing.T) {
	sector := buildBootSector(512, 8, 32, 2, 0x1000, 0x100000, 2)

	g, err := fat32.ParseBootSector(bytes.NewReader(sector))
	require.NoError(t, err)

	assert.Equal(t, uint32(4096), g.BytesPerCluster)
	assert.Equal(t, uint32(32+2*0x1000), g.FirstDataSector)
	assert.Equal(t, uint32(2), g.RootCluster)
	assert.Equal(t, uint32(0x100000-8224), g.DataSectorCount)
	assert.Equal(t, uint32((0x100000-8224)/8), g.DataClusterCount)
}

func TestParseBootSectorRejectsBadTag(t *testing.T) {
	sector := buildBootSector(512, 8, 32, 2, 0x1000, 0x100000, 2)
	copy(sector[82:], "FAT16   ")

	_, err := fat32.ParseBootSector(bytes.NewReader(sector))
	assert.Error(t, err)
}

func TestParseBootSectorRejectsUnsupportedSectorSize(t *testing.T) {
	sector := buildBootSector(4096, 8, 32, 2, 0x1000, 0x100000, 2)

	_, err := fat32.ParseBootSector(bytes.NewReader(sector))
	assert.Error(t, err)
}

func TestParseBootSectorRejectsImpossibleLayout(t *testing.T) {
	// Reserved + FAT sectors exceed the volume.
	sector := buildBootSector(512, 8, 32, 2, 0x1000, 0x100, 2)

	_, err := fat32.ParseBootSector(bytes.NewReader(sector))
	assert.Error(t, err)
}

func TestFormatProducesMountableGeometry(t *testing.T) {
	spec := fat32.FormatSpec{TotalSectors: 131072, SectorsPerCluster: 8}
	data := make([]byte, int64(spec.TotalSectors)*fat32.SectorSize)
	require.NoError(t, fat32.Format(&writerAt{data}, spec))

	g, err := fat32.ParseBootSector(bytes.NewReader(data[:512]))
	require.NoError(t, err)

	assert.Equal(t, uint32(4096), g.BytesPerCluster)
	assert.Equal(t, uint32(2), g.RootCluster)
	assert.Equal(t, spec.TotalSectors, g.TotalSectors)
	// The FAT must be able to map every data cluster.
	assert.GreaterOrEqual(t, g.FATSize*128, g.DataClusterCount+2)

	// The backup boot sector is a byte-for-byte copy of sector 0.
	assert.Equal(t, data[:512], data[6*512:7*512])
}

type writerAt struct {
	data []byte
}

func (w *writerAt) WriteAt(p []byte, off int64) (int, error) {
	return copy(w.data[off:], p), nil
}
