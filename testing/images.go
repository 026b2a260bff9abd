// Package testing provides fixture helpers shared by this module's tests:
// in-memory disk media, formatted FAT32 images, and the fully wired
// virtio + buffer-cache + filesystem stack the tests drive end to end.
package testing

import (
	"bytes"
	"crypto/rand"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/bytesextra"

	"github.com/gokernel/fat32fs/utilities/compression"
)

// CreateRandomImage creates an image with the given number of sectors and
// bytes per sector, filled with random bytes. It either returns a valid
// slice or fails the test.
func CreateRandomImage(bytesPerSector, totalSectors uint, t *testing.T) []byte {
	backingData := make([]byte, bytesPerSector*totalSectors)

	_, err := rand.Read(backingData)
	require.NoErrorf(
		t,
		err,
		"failed to initialize %d sectors of size %d with random bytes",
		totalSectors,
		bytesPerSector,
	)
	return backingData
}

// LoadDiskImage takes a compressed disk image and returns a stream accessing
// the uncompressed data.
//
//   - Writes to the stream do not affect `compressedImageBytes`.
//   - While the stream can be written to, its size is fixed to
//     `sectorSize * totalSectors`. Writing past the end triggers an error.
func LoadDiskImage(
	t *testing.T, compressedImageBytes []byte, sectorSize, totalSectors uint,
) io.ReadWriteSeeker {
	compressedBuf := bytes.NewBuffer(compressedImageBytes)
	require.Greater(t, len(compressedImageBytes), 0, "compressed image is empty")

	imageBytes, err := compression.DecompressImageToBytes(compressedBuf)
	require.NoError(t, err)

	require.Equal(
		t,
		totalSectors*sectorSize,
		uint(len(imageBytes)),
		"uncompressed image is wrong size",
	)
	return bytesextra.NewReadWriteSeeker(imageBytes)
}

// Media is an in-memory disk: an io.ReaderAt/io.WriterAt over a fixed byte
// slice, safe for concurrent use, standing in for the backing store behind
// a simulated block device.
type Media struct {
	mu   sync.Mutex
	data []byte
}

// NewMedia wraps data in a Media without copying it.
func NewMedia(data []byte) *Media {
	return &Media{data: data}
}

// Bytes returns the backing slice. The caller must not use it while device
// I/O is in flight.
func (m *Media) Bytes() []byte {
	return m.data
}

// ReadAt implements [io.ReaderAt].
func (m *Media) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if off >= int64(len(m.data)) {
		return 0, io.EOF
	}
	return copy(p, m.data[off:]), nil
}

// WriteAt implements [io.WriterAt].
func (m *Media) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if off >= int64(len(m.data)) {
		return 0, io.ErrShortWrite
	}
	n := copy(m.data[off:], p)
	if n < len(p) {
		return n, io.ErrShortWrite
	}
	return n, nil
}
