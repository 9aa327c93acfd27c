package fs

import (
	"os"
	"time"
)

// FileExists checks to see if a path exists and is a file
func FileExists(path string) bool {
	info, err := os.Stat(path)

	return err == nil && info != nil && !info.IsDir()
}

// ModTime returns the modification time of a file and whether it could be
// read at all
func ModTime(path string) (time.Time, bool) {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return time.Time{}, false
	}

	return info.ModTime(), true
}
