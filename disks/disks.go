// Package disks catalogs predefined virtual disk profiles: named media
// sizes with sensible FAT32 cluster layouts, so callers formatting an
// image can ask for "sd-256m" instead of picking sector counts by hand.
package disks

import (
	_ "embed"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/gocarina/gocsv"

	"github.com/gokernel/fat32fs/fat32"
)

// DiskProfile describes one formattable media profile. The sector size is
// fixed at 512 for every profile since that is the only sector size the
// driver stack supports.
type DiskProfile struct {
	Name string `csv:"name"`
	Slug string `csv:"slug"`

	// MediaType is a loose classification ("sd", "usb", "hdd") used only
	// for display.
	MediaType string `csv:"media_type"`

	TotalSectors      uint32 `csv:"total_sectors"`
	SectorsPerCluster uint32 `csv:"sectors_per_cluster"`

	Notes string `csv:"notes"`
}

// TotalSizeBytes gives the size of the image file this profile formats.
func (p *DiskProfile) TotalSizeBytes() int64 {
	return int64(p.TotalSectors) * fat32.SectorSize
}

// FormatSpec converts the profile into the layout the formatter consumes.
func (p *DiskProfile) FormatSpec() fat32.FormatSpec {
	return fat32.FormatSpec{
		TotalSectors:      p.TotalSectors,
		SectorsPerCluster: p.SectorsPerCluster,
		VolumeLabel:       strings.ToUpper(p.Slug),
	}
}

//go:embed disk-profiles.csv
var diskProfilesRawCSV string

var diskProfiles = make(map[string]DiskProfile)

// GetPredefinedProfile returns the profile registered under slug.
func GetPredefinedProfile(slug string) (DiskProfile, error) {
	profile, ok := diskProfiles[slug]
	if ok {
		return profile, nil
	}
	return DiskProfile{}, fmt.Errorf("no predefined disk profile exists with slug %q", slug)
}

// ListProfiles returns every registered profile, ordered smallest first.
func ListProfiles() []DiskProfile {
	out := make([]DiskProfile, 0, len(diskProfiles))
	for _, profile := range diskProfiles {
		out = append(out, profile)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].TotalSectors < out[j].TotalSectors
	})
	return out
}

func init() {
	reader := strings.NewReader(diskProfilesRawCSV)
	err := gocsv.UnmarshalToCallback(
		reader,
		func(row DiskProfile) error {
			if _, exists := diskProfiles[row.Slug]; exists {
				return fmt.Errorf(
					"duplicate definition for disk profile %q found on row %d",
					row.Slug,
					len(diskProfiles)+1,
				)
			}
			diskProfiles[row.Slug] = row
			return nil
		},
	)
	if err != nil && err != io.EOF {
		panic(err)
	}
}
