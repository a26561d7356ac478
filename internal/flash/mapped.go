// internal/flash/mapped.go
package flash

import (
	"fmt"
	"os"

	"github.com/edsrzf/mmap-go"
)

const fileModePerm = 0o644

// MappedDevice is a NOR flash backed by a memory-mapped file. Its content
// survives simulated reboots and process restarts, like real flash.
type MappedDevice struct {
	nor
	fd   *os.File
	data mmap.MMap
}

// OpenMapped maps path as a flash of pages*pageSize bytes. A new file, or
// the part of an existing file beyond its previous size, starts erased.
func OpenMapped(path string, pages, pageSize int) (*MappedDevice, error) {
	size := int64(pages) * int64(pageSize)
	if size <= 0 {
		return nil, fmt.Errorf("flash: invalid geometry %d x %d", pages, pageSize)
	}

	fd, data, prev, err := prepareFlashFile(path, size)
	if err != nil {
		return nil, err
	}
	if prev < size {
		fill(data[prev:])
	}

	return &MappedDevice{
		nor:  nor{mem: data, pageSize: pageSize},
		fd:   fd,
		data: data,
	}, nil
}

func prepareFlashFile(path string, size int64) (*os.File, mmap.MMap, int64, error) {
	fd, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, fileModePerm)
	if err != nil {
		return nil, nil, 0, err
	}
	st, err := fd.Stat()
	if err != nil {
		fd.Close()
		return nil, nil, 0, fmt.Errorf("stat error: %w", err)
	}
	prev := st.Size()
	if prev > size {
		fd.Close()
		return nil, nil, 0, fmt.Errorf("flash file %s is %d bytes, geometry needs %d", path, prev, size)
	}
	if err := fd.Truncate(size); err != nil {
		fd.Close()
		return nil, nil, 0, fmt.Errorf("truncate error: %w", err)
	}
	data, err := mmap.Map(fd, mmap.RDWR, 0)
	if err != nil {
		fd.Close()
		return nil, nil, 0, fmt.Errorf("mmap error: %w", err)
	}
	return fd, data, prev, nil
}

// Flush writes dirty pages back to the file.
func (d *MappedDevice) Flush() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	return d.data.Flush()
}

func (d *MappedDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true

	var firstErr error
	if err := d.data.Flush(); err != nil {
		firstErr = err
	}
	if err := d.data.Unmap(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := d.fd.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	d.mem = nil
	return firstErr
}
