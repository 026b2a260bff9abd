package fat32

import "strings"

// CharShortName is the fixed width, in bytes, of the packed 8.3 name field
// inside a short-name directory entry.
const CharShortName = 11

// CharLongName is the number of UTF-16 code units packed into one
// long-name directory slot.
const CharLongName = 13

const (
	emptyEntryOrder = 0xE5
	endOfEntryOrder = 0x00
	lastLongEntry   = 0x40
)

// Byte offsets within a 32-byte directory slot, short or long. Directory
// slots mix fixed scalar fields with UCS-2 character arrays at irregular
// strides, so this package decodes them with explicit offsets (as fat.go
// does for FAT entries) rather than a single encoding/binary.Read against a
// packed struct.
const (
	offAttr      = 11
	offFstClusHi = 20
	offFstClusLo = 26
	offFileSize  = 28
)

// formatName trims leading spaces and dots and trailing spaces the way
// FAT32 requires, and rejects characters that are illegal in a filename.
// It returns "" if name contains any illegal character.
func formatName(name string) string {
	const illegal = "\"*/:<>?\\|"
	name = strings.TrimLeft(name, " .")
	for _, c := range name {
		if c < 0x20 || strings.ContainsRune(illegal, c) {
			return ""
		}
	}
	return strings.TrimRight(name, " ")
}

// generateShortName derives an 8.3 short name from a long filename,
// truncating the base to 8 characters and the extension to 3, upper-casing
// letters and substituting '_' for characters legal in a long name but not
// in a short one.
func generateShortName(name string) [CharShortName]byte {
	const illegal = "+,;=[]"
	var out [CharShortName]byte
	for i := range out {
		out[i] = ' '
	}

	// "." and ".." are stored literally, not split around the dot.
	if name == "." || name == ".." {
		copy(out[:], name)
		return out
	}

	dot := strings.LastIndexByte(name, '.')
	base := name
	ext := ""
	if dot >= 0 {
		base = name[:dot]
		ext = name[dot+1:]
	}

	fill := func(dst []byte, src string) {
		i := 0
		for _, r := range src {
			if i >= len(dst) {
				break
			}
			c := byte(r)
			switch {
			case c >= 'a' && c <= 'z':
				c -= 'a' - 'A'
			case c == ' ' || c == '.':
				continue
			case strings.IndexByte(illegal, c) >= 0:
				c = '_'
			}
			dst[i] = c
			i++
		}
	}

	fill(out[:8], base)
	fill(out[8:11], ext)
	return out
}

// calChecksum computes the DOS rotating checksum of an 8.3 short name,
// stored in every long-name slot that belongs to it so a reader can detect
// a short name that was changed without updating its long-name entries.
func calChecksum(shortName [CharShortName]byte) uint8 {
	var sum uint8
	for _, c := range shortName {
		var rot uint8
		if sum&1 != 0 {
			rot = 0x80
		}
		sum = rot + (sum >> 1) + c
	}
	return sum
}

// readEntryName decodes the filename carried by one raw 32-byte directory
// slot: the UCS-2 fragments of a long-name slot, or otherwise the 8.3 short
// name with its space padding dropped and a dot before a non-empty extension.
func readEntryName(d []byte) string {
	attr := d[11]
	if attr == AttrLongName {
		var units [CharLongName]uint16
		for i := 0; i < 5; i++ {
			units[i] = leUint16(d[1+2*i:])
		}
		for i := 0; i < 6; i++ {
			units[5+i] = leUint16(d[14+2*i:])
		}
		for i := 0; i < 2; i++ {
			units[11+i] = leUint16(d[28+2*i:])
		}
		return ucs2ToString(units[:])
	}

	name := d[:8]
	ext := d[8:11]
	var b strings.Builder
	for i := 0; i < 8 && name[i] != ' '; i++ {
		b.WriteByte(name[i])
	}
	if ext[0] != ' ' {
		b.WriteByte('.')
		for i := 0; i < 3 && ext[i] != ' '; i++ {
			b.WriteByte(ext[i])
		}
	}
	return b.String()
}

// shortNameDisplay renders a packed 8.3 short name the way readEntryName
// would decode it back off disk, used to decide whether a name needs
// long-name slots to round-trip exactly.
func shortNameDisplay(short [CharShortName]byte) string {
	var b strings.Builder
	name := short[:8]
	ext := short[8:11]
	for i := 0; i < 8 && name[i] != ' '; i++ {
		b.WriteByte(name[i])
	}
	if ext[0] != ' ' {
		b.WriteByte('.')
		for i := 0; i < 3 && ext[i] != ' '; i++ {
			b.WriteByte(ext[i])
		}
	}
	return b.String()
}

func leUint16(b []byte) uint16 {
	return uint16(b[0]) | uint16(b[1])<<8
}

// ucs2ToString converts a run of UCS-2 code units to a string, stopping at
// the first NUL or 0xFFFF padding unit.
func ucs2ToString(units []uint16) string {
	var b strings.Builder
	for _, u := range units {
		if u == 0 || u == 0xffff {
			break
		}
		b.WriteRune(rune(u))
	}
	return b.String()
}

// stringToUCS2 encodes s into exactly n UCS-2 code units, NUL-terminating
// and padding the remainder with 0xFFFF as the on-disk format requires.
func stringToUCS2(s string, n int) []uint16 {
	out := make([]uint16, n)
	runes := []rune(s)
	i := 0
	for ; i < len(runes) && i < n; i++ {
		out[i] = uint16(runes[i])
	}
	if i < n {
		out[i] = 0
		i++
	}
	for ; i < n; i++ {
		out[i] = 0xffff
	}
	return out
}
