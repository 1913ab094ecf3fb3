//go:build !linux

package diskimage

import (
	"fmt"
	"runtime"
)

func deviceSize(fd uintptr) (uint64, error) {
	return 0, fmt.Errorf("writing to block devices is not supported on %s", runtime.GOOS)
}
