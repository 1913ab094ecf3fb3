// Package fsimage turns a staging directory into a partition-sized
// filesystem image. vfat images are populated without mounting via mtools;
// ext4 images are populated at format time when mkfs.ext4 is new enough to
// support -d, with a loop-mount-and-copy fallback for older e2fsprogs.
package fsimage

import (
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/gokrazy/ubuntu-image/internal/runner"
)

type Imager struct {
	Run runner.Runner
}

// Allocate creates a zero-filled sparse file of size bytes at path,
// truncating anything already there.
func Allocate(path string, size int64) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// MakeVfat formats img as FAT and copies the staging directory's contents
// into it. mcopy writes into the image file directly, no mount needed.
func (im *Imager) MakeVfat(img string, size int64, stagingDir string) error {
	if err := Allocate(img, size); err != nil {
		return err
	}
	if err := im.Run.Run("mkfs.vfat", img); err != nil {
		return err
	}
	entries, err := stagingEntries(stagingDir)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	args := append([]string{"-s", "-i", img}, entries...)
	args = append(args, "::")
	return im.Run.RunEnv([]string{"MTOOLS_SKIP_CHECK=1"}, "mcopy", args...)
}

// MakeExt4 formats img as ext4 and populates it from the staging directory.
//
// As of e2fsprogs 1.43.1, mkfs.ext4 accepts -d to populate the filesystem
// at creation time. Older e2fsprogs (Ubuntu 16.04 ships 1.42.x) exit
// non-zero on -d; that exit status selects the fallback: format empty, loop
// mount, copy preserving mode and timestamps, unmount.
func (im *Imager) MakeExt4(img string, size int64, label, stagingDir string) error {
	if err := Allocate(img, size); err != nil {
		return err
	}
	if err := im.Run.Run("mkfs.ext4",
		"-L", label, "-O", "-metadata_csum", "-d", stagingDir, img); err == nil {
		return nil
	}
	logrus.Debugf("mkfs.ext4 does not support -d, falling back to loop mount for %s", img)
	if err := im.Run.Run("mkfs.ext4", "-L", label, img); err != nil {
		return err
	}
	return im.populateMounted(img, stagingDir)
}

func (im *Imager) populateMounted(img, stagingDir string) (err error) {
	m, err := im.loopMount(img)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := m.Close(); err == nil {
			err = cerr
		}
	}()

	entries, err := stagingEntries(stagingDir)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	args := append([]string{"cp", "-dR", "--preserve=mode,timestamps"}, entries...)
	args = append(args, m.mountpoint)
	return im.Run.Run("sudo", args...)
}

// mount is a scoped loop mount. Close always unmounts and cleans up the
// private mountpoint, so every exit path of the caller releases the mount
// before its error propagates.
type mount struct {
	run        runner.Runner
	tmpdir     string
	mountpoint string
}

func (im *Imager) loopMount(img string) (*mount, error) {
	tmpdir, err := os.MkdirTemp("", "ubuntu-image-mount")
	if err != nil {
		return nil, err
	}
	mountpoint := filepath.Join(tmpdir, "root-mount")
	if err := os.MkdirAll(mountpoint, 0755); err != nil {
		os.RemoveAll(tmpdir)
		return nil, err
	}
	if err := im.Run.Run("sudo", "mount", "-o", "loop", img, mountpoint); err != nil {
		os.RemoveAll(tmpdir)
		return nil, err
	}
	return &mount{run: im.Run, tmpdir: tmpdir, mountpoint: mountpoint}, nil
}

func (m *mount) Close() error {
	err := m.run.Run("sudo", "umount", m.mountpoint)
	if rerr := os.RemoveAll(m.tmpdir); err == nil {
		err = rerr
	}
	return err
}

// stagingEntries lists the top-level entries of a staging directory as
// paths suitable for mcopy/cp arguments. os.ReadDir sorts by name, so the
// argument order is stable across runs.
func stagingEntries(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(entries))
	for _, entry := range entries {
		paths = append(paths, filepath.Join(dir, entry.Name()))
	}
	return paths, nil
}
