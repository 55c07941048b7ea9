//go:build darwin

package local

import (
	"syscall"
	"time"
)

// extractBirthTime extracts the birth time (creation time) on macOS.
func extractBirthTime(stat *syscall.Stat_t) time.Time {
	if stat.Birthtimespec.Sec == 0 && stat.Birthtimespec.Nsec == 0 {
		return time.Time{}
	}
	return time.Unix(stat.Birthtimespec.Sec, stat.Birthtimespec.Nsec)
}
