package fat32_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gokernel/fat32fs"
	"github.com/gokernel/fat32fs/fat32"
	ktest "github.com/gokernel/fat32fs/testing"
)

// createFile makes an empty file in the directory at parent and returns its
// entry with one reference held.
func createFile(t *testing.T, fs *fat32.Filesystem, parent *fat32.Dirent, name string, attr uint8) *fat32.Dirent {
	t.Helper()

	parent.Lock()
	entry, err := fs.EntryAlloc(parent, name, attr)
	parent.Unlock()
	require.NoError(t, err)
	return entry
}

func patternBytes(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i)
	}
	return data
}

func TestCreateEmptyFile(t *testing.T) {
	fs, _ := ktest.NewFormattedStack(t, ktest.SmallFormatSpec())
	root := fs.Root()

	created := createFile(t, fs, root, "a.txt", fat32.AttrArchive)
	defer created.Close()

	assert.Equal(t, "a.txt", created.Name())
	assert.Equal(t, uint32(0), created.Size())
	assert.Equal(t, uint32(0), created.FirstCluster())
	assert.False(t, created.IsDir())

	// Looking the file up again yields the same cached entry.
	found, err := fs.Lookup("/a.txt", nil)
	require.NoError(t, err)
	defer found.Close()
	assert.Same(t, created, found)

	// Enumerating the root finds exactly one file with the right attribute.
	root.Lock()
	entries, err := fs.ListDir(root)
	root.Unlock()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "a.txt", entries[0].Name)
	assert.Equal(t, uint8(fat32.AttrArchive), entries[0].Attribute)
}

func TestWriteAcrossClusterBoundary(t *testing.T) {
	fs, _ := ktest.NewFormattedStack(t, ktest.SmallFormatSpec())
	bpc := fs.Geometry().BytesPerCluster
	require.Equal(t, uint32(4096), bpc)

	entry := createFile(t, fs, fs.Root(), "a.txt", fat32.AttrArchive)
	defer entry.Close()

	src := patternBytes(5000)
	entry.Lock()
	n, err := entry.WriteAt(src, 0)
	entry.Unlock()
	require.NoError(t, err)
	require.Equal(t, 5000, n)
	assert.Equal(t, uint32(5000), entry.Size())

	readBack := make([]byte, 5000)
	entry.Lock()
	n, err = entry.ReadAt(readBack, 0)
	entry.Unlock()
	require.NoError(t, err)
	require.Equal(t, 5000, n)
	assert.Equal(t, src, readBack)

	// Exactly ceil(5000/4096) == 2 clusters, linked through the FAT.
	first := entry.FirstCluster()
	require.NotZero(t, first)
	second, err := fs.FATEntry(first)
	require.NoError(t, err)
	require.Less(t, second, uint32(fat32.EOC), "first cluster must link to a second")
	tail, err := fs.FATEntry(second)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, tail, uint32(fat32.EOC), "second cluster must terminate the chain")
}

func TestReadBeyondEOFAndOnDirectories(t *testing.T) {
	fs, _ := ktest.NewFormattedStack(t, ktest.SmallFormatSpec())

	entry := createFile(t, fs, fs.Root(), "short.txt", fat32.AttrArchive)
	defer entry.Close()

	entry.Lock()
	defer entry.Unlock()

	_, err := entry.WriteAt([]byte("hello"), 0)
	require.NoError(t, err)

	buf := make([]byte, 10)
	n, err := entry.ReadAt(buf, 100)
	require.NoError(t, err)
	assert.Zero(t, n, "read past EOF returns no data")

	// Reads are clipped to the file size.
	n, err = entry.ReadAt(buf, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []byte("llo"), buf[:n])

	root := fs.Root()
	root.Lock()
	n, err = root.ReadAt(buf, 0)
	root.Unlock()
	require.NoError(t, err)
	assert.Zero(t, n, "directories never return data through ReadAt")
}

func TestWriteRejectsBadRanges(t *testing.T) {
	fs, _ := ktest.NewFormattedStack(t, ktest.SmallFormatSpec())

	entry := createFile(t, fs, fs.Root(), "a.bin", fat32.AttrArchive)
	defer entry.Close()

	entry.Lock()
	defer entry.Unlock()

	// A write starting past the current end of file is a hole, which FAT32
	// can't represent.
	_, err := entry.WriteAt([]byte("x"), 1)
	assert.Error(t, err)
}

func TestTruncateFreesWholeChain(t *testing.T) {
	fs, _ := ktest.NewFormattedStack(t, ktest.SmallFormatSpec())

	entry := createFile(t, fs, fs.Root(), "a.txt", fat32.AttrArchive)
	defer entry.Close()

	entry.Lock()
	_, err := entry.WriteAt(patternBytes(5000), 0)
	require.NoError(t, err)

	first := entry.FirstCluster()
	second, err := fs.FATEntry(first)
	require.NoError(t, err)

	require.NoError(t, entry.Truncate())
	entry.Unlock()

	assert.Equal(t, uint32(0), entry.Size())
	assert.Equal(t, uint32(0), entry.FirstCluster())

	for _, cluster := range []uint32{first, second} {
		fatEntry, err := fs.FATEntry(cluster)
		require.NoError(t, err)
		assert.Equal(t, uint32(0), fatEntry, "cluster %d must be free after truncate", cluster)
	}

	// The file is still usable afterwards.
	entry.Lock()
	n, err := entry.WriteAt([]byte("fresh"), 0)
	entry.Unlock()
	require.NoError(t, err)
	assert.Equal(t, 5, n)
}

func TestLongFilenameSurvivesRemount(t *testing.T) {
	media := ktest.NewFormattedMedia(t, ktest.SmallFormatSpec())
	fs, _, _ := ktest.NewStack(t, media)

	const name = "supercalifragilisticexpialidocious.txt"
	require.Len(t, name, 38)

	entry := createFile(t, fs, fs.Root(), name, fat32.AttrArchive)
	entry.Lock()
	_, err := entry.WriteAt([]byte("payload"), 0)
	entry.Unlock()
	require.NoError(t, err)
	entry.Close()

	// A second stack over the same media sees only what's on disk, so the
	// name must have round-tripped through its long-name slots.
	fs2, _, _ := ktest.NewStack(t, media)
	found, err := fs2.Lookup("/"+name, nil)
	require.NoError(t, err)
	defer found.Close()
	assert.Equal(t, name, found.Name())
	assert.Equal(t, uint32(7), found.Size())

	root := fs2.Root()
	root.Lock()
	entries, err := fs2.ListDir(root)
	root.Unlock()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, name, entries[0].Name)
}

func TestNameRoundTripVariety(t *testing.T) {
	media := ktest.NewFormattedMedia(t, ktest.SmallFormatSpec())
	fs, _, _ := ktest.NewStack(t, media)

	names := []string{
		"UPPER.TXT",
		"lower.txt",
		"Mixed Case With Spaces.TxT",
		"no-extension",
		"many.dots.in.name.gz",
		"thirteen-char",
		"héllo wörld.txt",
	}
	root := fs.Root()
	for _, name := range names {
		createFile(t, fs, root, name, fat32.AttrArchive).Close()
	}

	fs2, _, _ := ktest.NewStack(t, media)
	for _, name := range names {
		found, err := fs2.Lookup("/"+name, nil)
		require.NoError(t, err, "name %q did not survive the round trip", name)
		assert.Equal(t, name, found.Name())
		found.Close()
	}
}

func TestRemoveThenRecreate(t *testing.T) {
	fs, _ := ktest.NewFormattedStack(t, ktest.SmallFormatSpec())

	entry := createFile(t, fs, fs.Root(), "a.txt", fat32.AttrArchive)
	entry.Lock()
	_, err := entry.WriteAt(patternBytes(5000), 0)
	entry.Unlock()
	require.NoError(t, err)
	first := entry.FirstCluster()
	entry.Close()

	require.NoError(t, fs.Remove("/a.txt", nil))

	_, err = fs.Lookup("/a.txt", nil)
	assert.Equal(t, fat32fs.ErrNotFound, err)

	// The doomed entry's chain was reclaimed when its last reference went
	// away.
	fatEntry, err := fs.FATEntry(first)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), fatEntry)

	// The freed slots are reusable.
	recreated := createFile(t, fs, fs.Root(), "a.txt", fat32.AttrArchive)
	defer recreated.Close()
	assert.Equal(t, uint32(0), recreated.Size())
}

func TestMkdirAndDotDotResolution(t *testing.T) {
	fs, _ := ktest.NewFormattedStack(t, ktest.SmallFormatSpec())

	dir := createFile(t, fs, fs.Root(), "sub", fat32.AttrDirectory)
	defer dir.Close()
	require.True(t, dir.IsDir())

	nested := createFile(t, fs, dir, "inner.txt", fat32.AttrArchive)
	nested.Close()

	// Absolute resolution through the subdirectory.
	found, err := fs.Lookup("/sub/inner.txt", nil)
	require.NoError(t, err)
	found.Close()

	// Relative resolution from a working directory, including "." and "..".
	found, err = fs.Lookup("inner.txt", dir)
	require.NoError(t, err)
	found.Close()

	found, err = fs.Lookup("./inner.txt", dir)
	require.NoError(t, err)
	found.Close()

	found, err = fs.Lookup("../sub/inner.txt", dir)
	require.NoError(t, err)
	found.Close()

	// ".." at the root resolves to the root itself.
	found, err = fs.Lookup("/../../sub", nil)
	require.NoError(t, err)
	assert.True(t, found.IsDir())
	found.Close()

	// A new directory carries "." and ".." entries on disk.
	dir.Lock()
	entries, err := fs.ListDir(dir)
	dir.Unlock()
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, ".", entries[0].Name)
	assert.Equal(t, "..", entries[1].Name)
	assert.Equal(t, "inner.txt", entries[2].Name)
}

func TestLookupParent(t *testing.T) {
	fs, _ := ktest.NewFormattedStack(t, ktest.SmallFormatSpec())

	dir := createFile(t, fs, fs.Root(), "sub", fat32.AttrDirectory)
	defer dir.Close()

	parent, name, err := fs.LookupParent("/sub/newfile.txt", nil)
	require.NoError(t, err)
	defer parent.Close()
	assert.Same(t, dir, parent)
	assert.Equal(t, "newfile.txt", name)

	_, _, err = fs.LookupParent("/", nil)
	assert.Error(t, err, "the root has no parent to resolve")
}

func TestLookupErrors(t *testing.T) {
	fs, _ := ktest.NewFormattedStack(t, ktest.SmallFormatSpec())

	_, err := fs.Lookup("/missing.txt", nil)
	assert.Equal(t, fat32fs.ErrNotFound, err)

	entry := createFile(t, fs, fs.Root(), "plain.txt", fat32.AttrArchive)
	defer entry.Close()

	// A file can't be traversed as a directory.
	_, err = fs.Lookup("/plain.txt/child", nil)
	assert.Equal(t, fat32fs.ErrNotADirectory, err)
}

func TestEntryAllocRejectsBadNames(t *testing.T) {
	fs, _ := ktest.NewFormattedStack(t, ktest.SmallFormatSpec())
	root := fs.Root()

	for _, name := range []string{"", "   ", "...", "bad/name", "bad|name"} {
		root.Lock()
		_, err := fs.EntryAlloc(root, name, fat32.AttrArchive)
		root.Unlock()
		assert.Equal(t, fat32fs.ErrInvalidName, err, "name %q", name)
	}
}

func TestEntryAllocCollisionReturnsExisting(t *testing.T) {
	fs, _ := ktest.NewFormattedStack(t, ktest.SmallFormatSpec())
	root := fs.Root()

	first := createFile(t, fs, root, "a.txt", fat32.AttrArchive)
	defer first.Close()
	second := createFile(t, fs, root, "a.txt", fat32.AttrArchive)
	defer second.Close()

	assert.Same(t, first, second)
}

func TestRemoveRejectsNonEmptyDirectory(t *testing.T) {
	fs, _ := ktest.NewFormattedStack(t, ktest.SmallFormatSpec())

	dir := createFile(t, fs, fs.Root(), "sub", fat32.AttrDirectory)
	defer dir.Close()
	createFile(t, fs, dir, "inner.txt", fat32.AttrArchive).Close()

	err := fs.Remove("/sub", nil)
	assert.Equal(t, fat32fs.ErrNotEmpty, err)

	require.NoError(t, fs.Remove("/sub/inner.txt", nil))
	assert.NoError(t, fs.Remove("/sub", nil))
}

func TestFreeClustersAccounting(t *testing.T) {
	fs, _ := ktest.NewFormattedStack(t, ktest.SmallFormatSpec())

	before, err := fs.FreeClusters()
	require.NoError(t, err)
	require.NotZero(t, before)

	entry := createFile(t, fs, fs.Root(), "a.txt", fat32.AttrArchive)
	defer entry.Close()
	entry.Lock()
	_, err = entry.WriteAt(patternBytes(5000), 0)
	entry.Unlock()
	require.NoError(t, err)

	after, err := fs.FreeClusters()
	require.NoError(t, err)
	assert.Equal(t, before-2, after, "a 5000-byte file costs two 4096-byte clusters")

	entry.Lock()
	require.NoError(t, entry.Truncate())
	entry.Unlock()

	restored, err := fs.FreeClusters()
	require.NoError(t, err)
	assert.Equal(t, before, restored)
}

func TestMetadataFlushedOnLastRelease(t *testing.T) {
	media := ktest.NewFormattedMedia(t, ktest.SmallFormatSpec())
	fs, _, _ := ktest.NewStack(t, media)

	entry := createFile(t, fs, fs.Root(), "a.txt", fat32.AttrArchive)
	entry.Lock()
	_, err := entry.WriteAt(patternBytes(300), 0)
	entry.Unlock()
	require.NoError(t, err)
	entry.Close()

	// A fresh mount reads the size and first cluster straight off the disk.
	fs2, _, _ := ktest.NewStack(t, media)
	found, err := fs2.Lookup("/a.txt", nil)
	require.NoError(t, err)
	defer found.Close()
	assert.Equal(t, uint32(300), found.Size())
	assert.NotZero(t, found.FirstCluster())

	readBack := make([]byte, 300)
	found.Lock()
	n, err := found.ReadAt(readBack, 0)
	found.Unlock()
	require.NoError(t, err)
	assert.Equal(t, 300, n)
	assert.Equal(t, patternBytes(300), readBack)
}

func TestConcurrentWritersToDistinctFiles(t *testing.T) {
	fs, _ := ktest.NewFormattedStack(t, ktest.SmallFormatSpec())
	root := fs.Root()

	const workers = 4
	done := make(chan error, workers)
	entries := make([]*fat32.Dirent, workers)
	names := []string{"w0.bin", "w1.bin", "w2.bin", "w3.bin"}
	for i := range entries {
		entries[i] = createFile(t, fs, root, names[i], fat32.AttrArchive)
	}

	for i := 0; i < workers; i++ {
		i := i
		go func() {
			data := make([]byte, 3000)
			for j := range data {
				data[j] = byte(i)
			}
			entries[i].Lock()
			_, err := entries[i].WriteAt(data, 0)
			entries[i].Unlock()
			done <- err
		}()
	}
	for i := 0; i < workers; i++ {
		require.NoError(t, <-done)
	}

	for i, entry := range entries {
		readBack := make([]byte, 3000)
		entry.Lock()
		n, err := entry.ReadAt(readBack, 0)
		entry.Unlock()
		require.NoError(t, err)
		require.Equal(t, 3000, n)
		for _, b := range readBack {
			require.Equal(t, byte(i), b, "file %s has another writer's data", names[i])
		}
		entry.Close()
	}
}

func TestLongNameSlotsCarryShortNameChecksum(t *testing.T) {
	media := ktest.NewFormattedMedia(t, ktest.SmallFormatSpec())
	fs, _, _ := ktest.NewStack(t, media)

	const name = "Mixed Case Long Filename.txt"
	createFile(t, fs, fs.Root(), name, fat32.AttrArchive).Close()

	// Walk the root directory's raw slots on the media: every long-name
	// slot must carry the checksum derived from the short entry that
	// closes the run.
	g := fs.Geometry()
	rootBase := int64(g.FirstDataSector) * fat32.SectorSize
	raw := media.Bytes()[rootBase : rootBase+int64(g.BytesPerCluster)]

	var longSlots [][]byte
	checked := false
	for off := 0; off+32 <= len(raw); off += 32 {
		slot := raw[off : off+32]
		if slot[0] == 0x00 {
			break
		}
		if slot[11] == 0x0f {
			longSlots = append(longSlots, slot)
			continue
		}

		// Short entry: checksum its 11-byte name with the rotating sum
		// and compare against every fragment collected for it.
		var sum uint8
		for _, c := range slot[:11] {
			sum = (sum&1)<<7 + sum>>1 + c
		}
		require.NotEmpty(t, longSlots, "long filename must produce long-name slots")
		for _, ls := range longSlots {
			assert.Equal(t, sum, ls[13])
		}
		longSlots = nil
		checked = true
	}
	assert.True(t, checked, "no short entry found in the root directory")
}
