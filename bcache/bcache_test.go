package bcache_test

import (
	"sync"
	"testing"

	"github.com/gokernel/fat32fs/bcache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memDevice struct {
	mu      sync.Mutex
	sectors map[uint64][bcache.SectorSize]byte
	reads   int
}

func newMemDevice() *memDevice {
	return &memDevice{sectors: make(map[uint64][bcache.SectorSize]byte)}
}

func (m *memDevice) ReadSector(sector uint64, buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads++
	data := m.sectors[sector]
	copy(buf, data[:])
	return nil
}

func (m *memDevice) WriteSector(sector uint64, buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var data [bcache.SectorSize]byte
	copy(data[:], buf)
	m.sectors[sector] = data
	return nil
}

func TestBreadCachesOnSecondCall(t *testing.T) {
	dev := newMemDevice()
	dev.sectors[5] = func() (d [bcache.SectorSize]byte) { d[0] = 0x42; return }()

	cache := bcache.New(dev, 4)

	b1, err := cache.Bread(0, 5)
	require.NoError(t, err)
	assert.Equal(t, byte(0x42), b1.Data[0])
	cache.Release(b1)

	b2, err := cache.Bread(0, 5)
	require.NoError(t, err)
	cache.Release(b2)

	assert.Equal(t, 1, dev.reads, "second Bread should hit the cache, not the device")
}

func TestWriteGoesThroughToDevice(t *testing.T) {
	dev := newMemDevice()
	cache := bcache.New(dev, 4)

	b, err := cache.Bread(0, 1)
	require.NoError(t, err)
	b.Data[0] = 0x99
	require.NoError(t, cache.Write(b))
	cache.Release(b)

	dev.mu.Lock()
	got := dev.sectors[1][0]
	dev.mu.Unlock()
	assert.Equal(t, byte(0x99), got)
}

func TestLRURecyclesLeastRecentlyUsedUnreferencedBuffer(t *testing.T) {
	dev := newMemDevice()
	cache := bcache.New(dev, 2)

	b0, err := cache.Bread(0, 0)
	require.NoError(t, err)
	cache.Release(b0)

	b1, err := cache.Bread(0, 1)
	require.NoError(t, err)
	cache.Release(b1)

	// Both slots now hold sectors 0 and 1, neither referenced. A bread for
	// a third sector must recycle one of them rather than panic.
	b2, err := cache.Bread(0, 2)
	require.NoError(t, err)
	cache.Release(b2)
}

func TestPinPreventsRecyclingAcrossRelease(t *testing.T) {
	dev := newMemDevice()
	cache := bcache.New(dev, 2)

	b0, err := cache.Bread(0, 0)
	require.NoError(t, err)
	cache.Pin(b0)
	cache.Release(b0)

	b1, _ := cache.Bread(0, 1)
	cache.Release(b1)

	// With only 2 buffers and one pinned, reading a third distinct sector
	// must recycle the unpinned one, not the pinned sector-0 buffer.
	b2, err := cache.Bread(0, 2)
	require.NoError(t, err)
	assert.NotEqual(t, b0, b2)
	cache.Release(b2)
	cache.Unpin(b0)
}
