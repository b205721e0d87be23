package infra

import (
	"fmt"
	"runtime"
)

const programName = "ledgerbridge"

// Version and CommitSHA are set at build time through -ldflags
var (
	Version   = "latest"
	CommitSHA = "development build"
)

// GetVersionInfo returns version information for the bridge
func GetVersionInfo() string {
	return fmt.Sprintf("%s:\n Version: %s\n Go version: %s\n Git commit: %s\n OS/Arch: %s\n",
		programName, Version, runtime.Version(), CommitSHA,
		fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH))
}
