//go:build windows

package local

import (
	"os"
	"syscall"
	"time"
)

// createdTime reads the creation time Windows keeps for every file.
func createdTime(info os.FileInfo) time.Time {
	data, ok := info.Sys().(*syscall.Win32FileAttributeData)
	if !ok {
		return time.Time{}
	}
	return time.Unix(0, data.CreationTime.Nanoseconds())
}
