//go:build linux || darwin

package probe

import (
	"os"
	"runtime"

	"golang.org/x/sys/unix"
)

func openFDs() int {
	dir := "/proc/self/fd"
	if runtime.GOOS != "linux" {
		dir = "/dev/fd"
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return -1
	}
	return len(entries)
}

func maxFDs() int {
	var lim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &lim); err != nil {
		return -1
	}
	if lim.Cur > uint64(^uint(0)>>1) {
		return -1
	}
	return int(lim.Cur)
}
