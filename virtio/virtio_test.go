package virtio_test

import (
	"bytes"
	"sync"
	"testing"

	"github.com/gokernel/fat32fs/virtio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memMedia is a minimal io.ReaderAt/io.WriterAt over a fixed byte slice,
// standing in for the disk media behind a simulated virtio device.
type memMedia struct {
	mu   sync.Mutex
	data []byte
}

func newMemMedia(size int) *memMedia {
	return &memMedia{data: make([]byte, size)}
}

func (m *memMedia) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := copy(p, m.data[off:])
	return n, nil
}

func (m *memMedia) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := copy(m.data[off:], p)
	return n, nil
}

func newSimDisk(t *testing.T, sectors int) (*virtio.Disk, *memMedia) {
	t.Helper()

	media := newMemMedia(sectors * virtio.SectorSize)

	regs := virtio.NewSimRegisters(media)
	disk, err := virtio.New(regs, nil)
	require.NoError(t, err)
	regs.Attach(disk)

	return disk, media
}

func TestReadSectorReturnsBackingData(t *testing.T) {
	disk, media := newSimDisk(t, 4)

	want := bytes.Repeat([]byte{0xAB}, virtio.SectorSize)
	_, err := media.WriteAt(want, virtio.SectorSize*2)
	require.NoError(t, err)

	got := make([]byte, virtio.SectorSize)
	require.NoError(t, disk.ReadSector(2, got))
	assert.Equal(t, want, got)
}

func TestWriteSectorPersistsToBackingMedia(t *testing.T) {
	disk, media := newSimDisk(t, 4)

	data := bytes.Repeat([]byte{0xCD}, virtio.SectorSize)
	require.NoError(t, disk.WriteSector(1, data))

	readBack := make([]byte, virtio.SectorSize)
	_, err := media.ReadAt(readBack, virtio.SectorSize*1)
	require.NoError(t, err)
	assert.Equal(t, data, readBack)
}

func TestConcurrentRequestsAllComplete(t *testing.T) {
	disk, _ := newSimDisk(t, 16)

	done := make(chan error, 16)
	for i := 0; i < 16; i++ {
		i := i
		go func() {
			buf := make([]byte, virtio.SectorSize)
			done <- disk.ReadSector(uint64(i%16), buf)
		}()
	}

	for i := 0; i < 16; i++ {
		require.NoError(t, <-done)
	}
}

func TestReadSectorRejectsWrongSizedBuffer(t *testing.T) {
	disk, _ := newSimDisk(t, 1)
	err := disk.ReadSector(0, make([]byte, 10))
	assert.Error(t, err)
}
