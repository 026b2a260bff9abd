// Package fsck implements a read-only consistency checker for a mounted
// FAT32 volume. It walks the directory tree, follows every file's cluster
// chain through the FAT, and cross-checks the result against the FAT's own
// allocation view, reporting cross-linked chains, out-of-range links, size
// mismatches, and allocated-but-unreachable clusters. Nothing is repaired;
// the volume is not written to.
package fsck

import (
	"fmt"
	posixpath "path"

	bitmap "github.com/boljen/go-bitmap"
	"github.com/hashicorp/go-multierror"

	"github.com/gokernel/fat32fs/fat32"
)

// Report summarizes one consistency check. Problems is nil for a clean
// volume, otherwise a [multierror.Error] with one entry per defect found.
type Report struct {
	FilesChecked       int
	DirectoriesChecked int
	ClustersInUse      uint32
	LostClusters       uint32
	Problems           error
}

// Ok reports whether the check found no problems.
func (r *Report) Ok() bool {
	return r.Problems == nil
}

type checker struct {
	fs       *fat32.Filesystem
	geometry *fat32.Geometry

	// seen marks clusters already claimed by some chain; bit i covers
	// cluster i+2. A set bit encountered again is a cross-link.
	seen     bitmap.Bitmap
	report   *Report
	problems *multierror.Error
}

// Check walks the whole volume rooted at fs's root directory. The returned
// error is only non-nil for I/O failures that prevented the check from
// completing; consistency defects land in the report's Problems instead.
func Check(fs *fat32.Filesystem) (*Report, error) {
	geometry := fs.Geometry()
	c := &checker{
		fs:       fs,
		geometry: geometry,
		seen:     bitmap.New(int(geometry.DataClusterCount)),
		report:   &Report{},
	}

	if err := c.checkChain("/", geometry.RootCluster, 0, true); err != nil {
		return nil, err
	}
	if err := c.checkDir("/"); err != nil {
		return nil, err
	}
	if err := c.findLostClusters(); err != nil {
		return nil, err
	}

	c.report.Problems = c.problems.ErrorOrNil()
	return c.report, nil
}

func (c *checker) addProblem(format string, args ...interface{}) {
	c.problems = multierror.Append(c.problems, fmt.Errorf(format, args...))
}

// checkDir verifies every entry in the directory at path, recursing into
// subdirectories. path is only used for reporting.
func (c *checker) checkDir(path string) error {
	dir, err := c.fs.Lookup(path, nil)
	if err != nil {
		return err
	}
	defer dir.Close()

	dir.Lock()
	entries, err := c.fs.ListDir(dir)
	dir.Unlock()
	if err != nil {
		return err
	}

	c.report.DirectoriesChecked++

	for _, entry := range entries {
		if entry.Name == "." || entry.Name == ".." {
			continue
		}

		entryPath := posixpath.Join(path, entry.Name)
		if err := c.checkChain(entryPath, entry.FirstCluster, entry.Size, entry.IsDir()); err != nil {
			return err
		}

		if entry.IsDir() {
			if err := c.checkDir(entryPath); err != nil {
				return err
			}
		} else {
			c.report.FilesChecked++
		}
	}
	return nil
}

// checkChain follows one cluster chain through the FAT, claiming each
// cluster and verifying the chain is long enough (and not absurdly longer)
// for the file size the directory entry declares.
func (c *checker) checkChain(path string, firstCluster, fileSize uint32, isDir bool) error {
	if firstCluster == 0 {
		if fileSize != 0 {
			c.addProblem("%s: declares %d bytes but has no clusters", path, fileSize)
		}
		if isDir && path != "/" {
			c.addProblem("%s: directory has no clusters", path)
		}
		return nil
	}

	var length uint32
	cluster := firstCluster
	for cluster < fat32.EOC {
		if cluster < 2 || cluster > c.geometry.DataClusterCount+1 {
			c.addProblem("%s: chain links to out-of-range cluster %d", path, cluster)
			return nil
		}
		if c.seen.Get(int(cluster - 2)) {
			c.addProblem("%s: cluster %d is cross-linked with another chain", path, cluster)
			return nil
		}
		c.seen.Set(int(cluster-2), true)
		c.report.ClustersInUse++
		length++

		next, err := c.fs.FATEntry(cluster)
		if err != nil {
			return err
		}
		if next == 0 {
			c.addProblem("%s: chain ends in a free FAT entry at cluster %d", path, cluster)
			return nil
		}
		cluster = next
	}

	if !isDir {
		capacity := length * c.geometry.BytesPerCluster
		if fileSize > capacity {
			c.addProblem(
				"%s: declares %d bytes but its chain only holds %d",
				path, fileSize, capacity)
		} else if length > 1 && fileSize <= capacity-c.geometry.BytesPerCluster {
			c.addProblem(
				"%s: declares %d bytes but its chain holds a surplus cluster",
				path, fileSize)
		}
	}
	return nil
}

// findLostClusters scans the FAT for entries that are allocated but were
// never reached from any directory entry.
func (c *checker) findLostClusters() error {
	for cluster := uint32(2); cluster <= c.geometry.DataClusterCount+1; cluster++ {
		entry, err := c.fs.FATEntry(cluster)
		if err != nil {
			return err
		}
		if entry != 0 && !c.seen.Get(int(cluster-2)) {
			c.report.LostClusters++
			c.addProblem("cluster %d is allocated but unreachable", cluster)
		}
	}
	return nil
}
