//go:build !unix

package locator

import "os"

// ReadImage returns the contents of path in memory owned by the caller.
func ReadImage(path string) ([]byte, error) {
	return os.ReadFile(path)
}
