//go:build windows

package device

import "fmt"

// Unmount is not supported on Windows; ejecting a volume needs the shell
// or mountvol, and doing it behind the user's back is not worth the API
// surface. Callers log the error and move on.
func Unmount(path string) error {
	return fmt.Errorf("unmounting %s is not supported on windows", path)
}
