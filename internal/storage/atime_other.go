//go:build !linux

package storage

import (
	"os"
	"time"
)

// accessTime is not reported off Linux; retention then relies on the
// modification time alone.
func accessTime(os.FileInfo) (time.Time, bool) {
	return time.Time{}, false
}
