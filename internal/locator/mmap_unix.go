//go:build unix

package locator

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// ReadImage returns the contents of path in memory owned by the caller.
// The file is mapped only for the copy, so later rewrites or truncation
// of the file do not reach graphs decoded from the result.
func ReadImage(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := st.Size()
	if size == 0 {
		return []byte{}, nil
	}
	if int64(int(size)) != size {
		return nil, fmt.Errorf("%s: file too large to map (%d bytes)", path, size)
	}

	mapped, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap %s: %w", path, err)
	}
	data := make([]byte, len(mapped))
	copy(data, mapped)
	if err := unix.Munmap(mapped); err != nil {
		return nil, fmt.Errorf("munmap %s: %w", path, err)
	}
	return data, nil
}
