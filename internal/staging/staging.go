// Package staging lays out the per-partition staging directories that later
// become filesystem images. Every structure gets a directory named after its
// index in the volume; content declared in the layout specification is
// copied from the unpacked gadget tree, and bootloader files produced by
// image preparation are relocated into the boot structure.
package staging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/gokrazy/ubuntu-image/internal/gadget"
)

// bootTarget is where the signed bootloader expects its files; the path is
// baked into the SecureBoot-signed binary, so the grub tree produced under
// image/boot/grub has to move there.
const bootTarget = "EFI/ubuntu"

type Assembler struct {
	Workdir   string
	Unpackdir string
}

// PartitionDir returns the staging directory for the structure at index i.
func (a *Assembler) PartitionDir(i int) string {
	return filepath.Join(a.Workdir, fmt.Sprintf("part%d", i))
}

// MakeStagingDirs creates one staging directory per structure. Directories
// are created for every structure so that indexes stay stable; only those
// with a filesystem are populated later.
func (a *Assembler) MakeStagingDirs(vol *gadget.Volume) error {
	for i := range vol.Structures {
		if err := os.MkdirAll(a.PartitionDir(i), 0755); err != nil {
			return err
		}
	}
	return nil
}

// PopulateRootfs moves the prepared image content into the root staging
// tree: unpack/image/var becomes root/system-data/var, and an empty boot/
// mount point is created alongside it.
func (a *Assembler) PopulateRootfs(rootfs string) error {
	src := filepath.Join(a.Unpackdir, "image")
	dst := filepath.Join(rootfs, "system-data")
	if err := os.MkdirAll(dst, 0755); err != nil {
		return err
	}
	if err := os.Rename(filepath.Join(src, "var"), filepath.Join(dst, "var")); err != nil {
		return err
	}
	return os.MkdirAll(filepath.Join(dst, "boot"), 0755)
}

// PopulateBootfs fills the staging directories of all structures that carry
// a filesystem. The boot structure additionally receives the bootloader
// files from unpack/image/boot/grub, moved (not copied) into EFI/ubuntu.
// Re-running this after it completed is not supported; resume protection is
// the pipeline's job, not the filesystem's.
func (a *Assembler) PopulateBootfs(vol *gadget.Volume) (bootfs string, err error) {
	grub := filepath.Join(a.Unpackdir, "image", "boot", "grub")
	for i, part := range vol.Structures {
		target := a.PartitionDir(i)
		if part.IsBoot() {
			bootfs = target
			if err := relocate(grub, filepath.Join(target, bootTarget)); err != nil {
				return "", err
			}
		}
		if part.Filesystem == gadget.FSNone {
			continue
		}
		for _, content := range part.Content {
			src := filepath.Join(a.Unpackdir, "gadget", content.Source)
			dst := filepath.Join(target, content.Target)
			if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
				return "", err
			}
			if err := copyFile(src, dst); err != nil {
				return "", err
			}
		}
	}
	return bootfs, nil
}

// relocate moves every entry of srcdir into dstdir.
func relocate(srcdir, dstdir string) error {
	if err := os.MkdirAll(dstdir, 0755); err != nil {
		return err
	}
	entries, err := os.ReadDir(srcdir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		src := filepath.Join(srcdir, entry.Name())
		dst := filepath.Join(dstdir, entry.Name())
		if err := os.Rename(src, dst); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	st, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, st.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
