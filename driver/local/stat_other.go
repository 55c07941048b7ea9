//go:build !linux && !darwin && !windows

package local

import (
	"os"
	"time"
)

func createdTime(os.FileInfo) time.Time {
	return time.Time{}
}
