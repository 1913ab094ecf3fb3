// Package diskimage assembles the final disk image: a GUID partition table
// plus the bytes of every partition image copied in at its offset. sgdisk
// does the table writes; blob copies are plain seek-and-copy, replacing the
// dd invocations of older tooling.
package diskimage

import (
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/gokrazy/ubuntu-image/internal/datasizes"
	"github.com/gokrazy/ubuntu-image/internal/gadget"
	"github.com/gokrazy/ubuntu-image/internal/runner"
)

// WritableTypeGUID identifies a generic Linux writable data partition; the
// synthetic partition holding the root filesystem uses it.
const WritableTypeGUID = "0FC63DAF-8483-4772-8E79-3D69D8477DE4"

// Image is a fixed-size disk image under construction.
type Image struct {
	Path string
	Size int64

	run runner.Runner
}

// New allocates a sparse disk image of size bytes at path.
func New(path string, size int64, run runner.Runner) (*Image, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, err
	}
	if err := f.Close(); err != nil {
		return nil, err
	}
	return &Image{Path: path, Size: size, run: run}, nil
}

// Partition runs sgdisk with the given arguments against the image.
func (img *Image) Partition(args ...string) error {
	return img.run.Run("sgdisk", append(args, img.Path)...)
}

// CopyBlob copies up to countMiB mebibytes from src into the image at
// seekMiB mebibytes, without truncating the image.
func (img *Image) CopyBlob(src string, seekMiB, countMiB int64) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(img.Path, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	if _, err := out.Seek(seekMiB*datasizes.MiB, io.SeekStart); err != nil {
		out.Close()
		return err
	}
	if _, err := io.Copy(out, io.LimitReader(in, countMiB*datasizes.MiB)); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// Assemble writes the partition table and copies every partition's bytes
// into the image.
//
// Structures are processed in ascending offset order, not declaration
// order; partition numbers are assigned 1-based in that same order,
// skipping the legacy "mbr" placeholder. After the declared structures, a
// synthetic "writable" partition of rootSizeMiB mebibytes holding the root
// filesystem image is appended at the next free whole-MiB offset.
func (img *Image) Assemble(vol *gadget.Volume, partImages []string, rootImg string, rootSizeMiB int64) error {
	if err := img.Partition("--disk-guid", uuid.NewString()); err != nil {
		return err
	}

	order := make([]int, len(vol.Structures))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool {
		return vol.Structures[order[a]].Offset < vol.Structures[order[b]].Offset
	})

	partID := 1
	var nextOffsetMiB int64
	for _, i := range order {
		part := &vol.Structures[i]
		if part.Size == 0 {
			// Remainder structure: its space is taken by the
			// synthetic writable partition below.
			continue
		}
		offsetMiB := part.Offset / datasizes.MiB
		sizeMiB := part.Size / datasizes.MiB
		if partImages[i] != "" {
			if err := img.CopyBlob(partImages[i], offsetMiB, sizeMiB); err != nil {
				return err
			}
		}
		if end := offsetMiB + sizeMiB; end > nextOffsetMiB {
			nextOffsetMiB = end
		}
		if part.Type == "mbr" {
			continue
		}
		if err := img.Partition("--new",
			fmt.Sprintf("%d:%dM:+%dM", partID, offsetMiB, sizeMiB)); err != nil {
			return err
		}
		if err := img.Partition("--typecode",
			fmt.Sprintf("%d:%s", partID, part.TypeGUID())); err != nil {
			return err
		}
		if part.Name != "" {
			if err := img.Partition("--change-name",
				fmt.Sprintf("%d:%s", partID, part.Name)); err != nil {
				return err
			}
		}
		partID++
	}

	logrus.WithFields(logrus.Fields{
		"partition": partID,
		"offsetMiB": nextOffsetMiB,
		"sizeMiB":   rootSizeMiB,
	}).Debug("adding writable partition")
	if err := img.Partition("--new",
		fmt.Sprintf("%d:%dM:+%dM", partID, nextOffsetMiB, rootSizeMiB)); err != nil {
		return err
	}
	if err := img.Partition("--typecode",
		fmt.Sprintf("%d:%s", partID, WritableTypeGUID)); err != nil {
		return err
	}
	if err := img.Partition("--change-name",
		fmt.Sprintf("%d:writable", partID)); err != nil {
		return err
	}
	return img.CopyBlob(rootImg, nextOffsetMiB, rootSizeMiB)
}
