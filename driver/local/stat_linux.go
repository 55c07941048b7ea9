//go:build linux

package local

import (
	"syscall"
	"time"
)

// extractBirthTime returns the zero time on Linux: Stat_t has no birth
// time, only statx(2) does.
func extractBirthTime(_ *syscall.Stat_t) time.Time {
	return time.Time{}
}
