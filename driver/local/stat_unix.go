//go:build linux || darwin

package local

import (
	"os"
	"syscall"
	"time"
)

// createdTime returns the birth time of a file when the platform reports
// one, or the zero time.
func createdTime(info os.FileInfo) time.Time {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return time.Time{}
	}
	return extractBirthTime(stat)
}
