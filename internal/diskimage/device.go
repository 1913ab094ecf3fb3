package diskimage

import (
	"fmt"
	"io"
	"os"

	"github.com/gokrazy/internal/humanize"
	"github.com/sirupsen/logrus"
)

// IsBlockDevice reports whether path names a block device.
func IsBlockDevice(path string) bool {
	st, err := os.Stat(path)
	if err != nil {
		return false
	}
	return st.Mode()&os.ModeDevice != 0 && st.Mode()&os.ModeCharDevice == 0
}

// CopyToDevice writes the assembled image directly onto a block device,
// refusing devices smaller than the image.
func CopyToDevice(img, dev string) error {
	out, err := os.OpenFile(dev, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer out.Close()

	devsize, err := deviceSize(out.Fd())
	if err != nil {
		return fmt.Errorf("determining size of %s: %v", dev, err)
	}
	in, err := os.Open(img)
	if err != nil {
		return err
	}
	defer in.Close()
	st, err := in.Stat()
	if err != nil {
		return err
	}
	if devsize < uint64(st.Size()) {
		return fmt.Errorf("device %s holds %s, but the image needs %s",
			dev, humanize.Bytes(devsize), humanize.Bytes(uint64(st.Size())))
	}

	logrus.Infof("writing %s to %s", humanize.Bytes(uint64(st.Size())), dev)
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
