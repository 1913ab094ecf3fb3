package pipeline

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/gokrazy/internal/humanize"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/gokrazy/ubuntu-image/internal/datasizes"
	"github.com/gokrazy/ubuntu-image/internal/diskimage"
	"github.com/gokrazy/ubuntu-image/internal/fsimage"
	"github.com/gokrazy/ubuntu-image/internal/gadget"
	"github.com/gokrazy/ubuntu-image/internal/staging"
)

func (b *Builder) assembler() *staging.Assembler {
	return &staging.Assembler{Workdir: b.ctx.Workdir, Unpackdir: b.ctx.Unpackdir}
}

func (b *Builder) makeTempDirs() error {
	b.ctx.Rootfs = filepath.Join(b.ctx.Workdir, "root")
	b.ctx.Unpackdir = filepath.Join(b.ctx.Workdir, "unpack")
	if err := os.MkdirAll(b.ctx.Rootfs, 0755); err != nil {
		return err
	}
	// `snap prepare-image` does not create the gadget/ directory itself.
	return os.MkdirAll(filepath.Join(b.ctx.Unpackdir, "gadget"), 0755)
}

// prepareImage hands the model assertion to `snap prepare-image`, which
// populates unpack/image (rootfs content, boot/grub) and unpack/gadget
// (gadget.yaml plus gadget content files).
func (b *Builder) prepareImage() error {
	args := []string{"prepare-image"}
	if b.ctx.Channel != "" {
		args = append(args, "--channel", b.ctx.Channel)
	}
	args = append(args, b.ctx.ModelAssertion, b.ctx.Unpackdir)
	return b.run.Run("snap", args...)
}

func (b *Builder) loadGadgetYAML() error {
	b.ctx.GadgetYAML = filepath.Join(b.ctx.Unpackdir, "gadget", "meta", "gadget.yaml")
	return b.loadVolume()
}

func (b *Builder) populateRootfsContents() error {
	return b.assembler().PopulateRootfs(b.ctx.Rootfs)
}

func (b *Builder) calculateRootfsSize() error {
	size, err := datasizes.EstimateDirectorySize(b.ctx.Rootfs)
	if err != nil {
		return err
	}
	b.ctx.RootfsSize = size
	logrus.Infof("estimated root filesystem size: %s", humanize.Bytes(uint64(size)))
	return nil
}

func (b *Builder) preStageBootfs() error {
	return b.assembler().MakeStagingDirs(b.volume)
}

func (b *Builder) stageBootfsContents() error {
	bootfs, err := b.assembler().PopulateBootfs(b.volume)
	if err != nil {
		return err
	}
	b.ctx.Bootfs = bootfs
	return nil
}

// calculateBootfsSize estimates every populated staging directory. The
// directories are independent, so the walks run concurrently; the result
// map is keyed by partition directory name and deterministic either way.
func (b *Builder) calculateBootfsSize() error {
	sizes := make([]int64, len(b.volume.Structures))
	var g errgroup.Group
	for i, part := range b.volume.Structures {
		if part.Filesystem == gadget.FSNone {
			continue
		}
		i := i
		g.Go(func() error {
			size, err := datasizes.EstimateDirectorySize(b.assembler().PartitionDir(i))
			if err != nil {
				return err
			}
			sizes[i] = size
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	b.ctx.BootfsSizes = make(map[string]int64)
	for i, part := range b.volume.Structures {
		if part.Filesystem == gadget.FSNone {
			continue
		}
		b.ctx.BootfsSizes[fmt.Sprintf("part%d", i)] = sizes[i]
		if part.Size > 0 && sizes[i] > part.Size {
			return fmt.Errorf("structure #%d content (%s estimated) exceeds its declared size %s",
				i, humanize.Bytes(uint64(sizes[i])), humanize.Bytes(uint64(part.Size)))
		}
	}
	return nil
}

// prepareFilesystems checks that the root filesystem fits before a single
// image file is allocated, then allocates the per-partition images and the
// root image.
func (b *Builder) prepareFilesystems() error {
	var lastEnd int64
	for _, part := range b.volume.Structures {
		if end := part.Offset + part.Size; end > lastEnd {
			lastEnd = end
		}
	}
	availMiB := datasizes.AvailableRootSpace(lastEnd, b.ctx.ImageSize, b.ctx.ReservedTail)
	if err := datasizes.CheckRootFits(b.ctx.RootfsSize, availMiB); err != nil {
		return err
	}

	b.ctx.ImagesDir = filepath.Join(b.ctx.Workdir, ".images")
	if err := os.MkdirAll(b.ctx.ImagesDir, 0755); err != nil {
		return err
	}
	b.ctx.PartImages = make([]string, len(b.volume.Structures))
	for i, part := range b.volume.Structures {
		if part.Size == 0 {
			// Remainder structure: its region becomes the writable
			// partition, no separate image.
			continue
		}
		img := filepath.Join(b.ctx.ImagesDir, fmt.Sprintf("part%d.img", i))
		if err := fsimage.Allocate(img, part.Size); err != nil {
			return err
		}
		b.ctx.PartImages[i] = img
	}

	b.ctx.RootSizeMiB = availMiB
	b.ctx.RootImg = filepath.Join(b.ctx.ImagesDir, "root.img")
	// The root image is only allocated here; formatting is deferred to
	// populate_filesystems because mkfs.ext4 -d populates at format time.
	return fsimage.Allocate(b.ctx.RootImg, availMiB*datasizes.MiB)
}

func (b *Builder) populateFilesystems() error {
	im := &fsimage.Imager{Run: b.run}
	for i, part := range b.volume.Structures {
		if b.ctx.PartImages[i] == "" {
			continue
		}
		stagingDir := b.assembler().PartitionDir(i)
		switch part.Filesystem {
		case gadget.FSVfat:
			if err := im.MakeVfat(b.ctx.PartImages[i], part.Size, stagingDir); err != nil {
				return err
			}
		case gadget.FSExt4:
			if err := im.MakeExt4(b.ctx.PartImages[i], part.Size, part.FilesystemLabel, stagingDir); err != nil {
				return err
			}
		case gadget.FSNone:
			// Raw region: the zero-filled image reserves its space.
		}
	}
	return im.MakeExt4(b.ctx.RootImg, b.ctx.RootSizeMiB*datasizes.MiB, "writable", b.ctx.Rootfs)
}

func (b *Builder) assembleDisk() error {
	b.ctx.DiskImg = filepath.Join(b.ctx.ImagesDir, "disk.img")
	img, err := diskimage.New(b.ctx.DiskImg, b.ctx.ImageSize, b.run)
	if err != nil {
		return err
	}
	return img.Assemble(b.volume, b.ctx.PartImages, b.ctx.RootImg, b.ctx.RootSizeMiB)
}

// finish moves the assembled image to its destination; a temporary workdir
// is about to disappear. Block devices get the bytes written directly.
func (b *Builder) finish() error {
	if diskimage.IsBlockDevice(b.ctx.Output) {
		return diskimage.CopyToDevice(b.ctx.DiskImg, b.ctx.Output)
	}
	return moveFile(b.ctx.DiskImg, b.ctx.Output)
}

// moveFile renames src to dst, falling back to copy+remove when dst lives
// on a different filesystem.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}
