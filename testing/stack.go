package testing

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gokernel/fat32fs/bcache"
	"github.com/gokernel/fat32fs/fat32"
	"github.com/gokernel/fat32fs/virtio"
)

// NBuf is the buffer-cache pool size the test stack mounts with.
const NBuf = 30

// NewFormattedMedia formats a blank FAT32 volume of the given layout and
// returns it as in-memory media.
func NewFormattedMedia(t *testing.T, spec fat32.FormatSpec) *Media {
	t.Helper()

	media := NewMedia(make([]byte, int64(spec.TotalSectors)*fat32.SectorSize))
	require.NoError(t, fat32.Format(media, spec))
	return media
}

// SmallFormatSpec is a deliberately tiny volume layout used by most tests:
// 8 sectors per cluster (4096-byte clusters, matching the layout the
// end-to-end scenarios assume) but few enough total sectors that full-FAT
// scans stay fast.
func SmallFormatSpec() fat32.FormatSpec {
	return fat32.FormatSpec{
		TotalSectors:      8192,
		SectorsPerCluster: 8,
	}
}

// NewStack wires the full storage stack over media: a simulated virtio-mmio
// block device, the buffer cache on top of it, and a mounted filesystem on
// top of that. Completion interrupts are delivered synchronously by the
// simulated device.
func NewStack(t *testing.T, media *Media) (*fat32.Filesystem, *bcache.Cache, *virtio.Disk) {
	t.Helper()

	regs := virtio.NewSimRegisters(media)
	disk, err := virtio.New(regs, nil)
	require.NoError(t, err)
	regs.Attach(disk)

	cache := bcache.New(disk, NBuf)

	fs, err := fat32.Mount(cache, 0)
	require.NoError(t, err)
	return fs, cache, disk
}

// NewFormattedStack is NewFormattedMedia followed by NewStack.
func NewFormattedStack(t *testing.T, spec fat32.FormatSpec) (*fat32.Filesystem, *Media) {
	t.Helper()

	media := NewFormattedMedia(t, spec)
	fs, _, _ := NewStack(t, media)
	return fs, media
}
