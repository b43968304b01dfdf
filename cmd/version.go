package cmd

import (
	"fmt"
	"runtime"
)

// RunVersion prints the application version and build environment.
func RunVersion(appName, appVersion string) error {
	fmt.Printf("%s version %s (%s, %s/%s)\n", appName, appVersion, runtime.Version(), runtime.GOOS, runtime.GOARCH)
	return nil
}
