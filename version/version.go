package version

import (
	"fmt"
	"io"
	"runtime"
)

// Version number set by the build
var Version = ""

// Commit id set by the build
var Commit = ""

// Print writes the build information to w
func Print(w io.Writer) {
	if len(Version) == 0 {
		fmt.Fprintln(w, "Version information not available")
		return
	}

	fmt.Fprintf(w, "Version: %v\n", Version)
	if len(Commit) > 0 {
		fmt.Fprintf(w, "Commit: %v\n", Commit)
	}
}

// Short returns the version and commit as one token
func Short() string {
	if len(Version) > 0 {
		if len(Commit) > 0 {
			return Version + "@" + Commit
		}
		return Version
	}
	return "unknown"
}

// String describes the running build for logs
func String() string {
	return fmt.Sprintf("rattlesnake-gateway/%s (%s %s)", Short(), runtime.GOOS, runtime.GOARCH)
}
