// Package datasizes provides byte-size units, parsing of human-readable
// size strings, and the size arithmetic used when laying out a disk image.
package datasizes

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	KiB int64 = 1024
	MiB       = 1024 * KiB
	GiB       = 1024 * MiB
)

// ErrInsufficientSpace is returned when the estimated root filesystem does
// not fit into the space left on the disk image.
var ErrInsufficientSpace = errors.New("no room for root filesystem data")

// ParseSize parses a size string such as "4G", "3072M" or a plain byte
// count into a number of bytes.
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}
	mult := int64(1)
	switch s[len(s)-1] {
	case 'G', 'g':
		mult = GiB
		s = s[:len(s)-1]
	case 'M', 'm':
		mult = MiB
		s = s[:len(s)-1]
	case 'K', 'k':
		mult = KiB
		s = s[:len(s)-1]
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %v", s, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("negative size %q", s)
	}
	return n * mult, nil
}

// Fudge applies the 1.5× overhead factor to a raw byte count, truncating to
// whole bytes. The factor accounts for filesystem metadata and incidentals;
// the exact on-disk size after formatting cannot be predicted without
// actually formatting.
func Fudge(raw int64) int64 {
	return raw + raw/2
}

// EstimateDirectorySize walks the tree rooted at root, sums the sizes of all
// regular files, and applies the fudge factor exactly once to the total.
// Symlinks are counted by their own size and not followed.
func EstimateDirectorySize(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	if err != nil {
		return 0, err
	}
	return Fudge(total), nil
}

// AvailableRootSpace returns the number of whole mebibytes left for the root
// filesystem on a disk of totalImageSize bytes whose last declared partition
// ends at lastPartitionEnd, keeping reservedTail bytes free for the backup
// partition table structures at the end of the disk.
func AvailableRootSpace(lastPartitionEnd, totalImageSize, reservedTail int64) int64 {
	return (totalImageSize - lastPartitionEnd - reservedTail) / MiB
}

// CheckRootFits fails with ErrInsufficientSpace when the estimated root
// filesystem size does not fit into availMiB whole mebibytes. It must be
// called before any root filesystem image is created.
func CheckRootFits(estimated, availMiB int64) error {
	if estimated/MiB >= availMiB {
		return fmt.Errorf("%w: estimated %d bytes, %d MiB available",
			ErrInsufficientSpace, estimated, availMiB)
	}
	return nil
}
