// internal/flash/device.go
package flash

import (
	"fmt"
	"io"
	"sync"
)

// ErasedByte is the value of every byte of an erased page.
const ErasedByte = 0xFF

// Device is a page-erasable NOR flash.
type Device interface {
	io.ReaderAt

	PageSize() int
	Size() int

	// ErasePage sets every byte of the page to ErasedByte.
	ErasePage(page int) error

	// Program writes data at off. Bits can only go from 1 to 0.
	Program(off int, data []byte) error

	Flush() error
	Close() error
}

// nor implements NOR semantics over a byte slice. Both the in-memory and the
// memory-mapped devices embed it.
type nor struct {
	mu       sync.RWMutex
	mem      []byte
	pageSize int
	closed   bool
}

func (n *nor) PageSize() int { return n.pageSize }

func (n *nor) Size() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.mem)
}

func (n *nor) ErasePage(page int) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return ErrClosed
	}
	start := page * n.pageSize
	if page < 0 || start+n.pageSize > len(n.mem) {
		return fmt.Errorf("%w: page %d", ErrOutOfRange, page)
	}
	fill(n.mem[start : start+n.pageSize])
	return nil
}

func (n *nor) Program(off int, data []byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return ErrClosed
	}
	if off < 0 || off+len(data) > len(n.mem) {
		return fmt.Errorf("%w: 0x%X+%d", ErrOutOfRange, off, len(data))
	}

	dst := n.mem[off : off+len(data)]
	for i, b := range data {
		if dst[i]&b != b {
			return fmt.Errorf("%w: offset 0x%X", ErrNotErased, off+i)
		}
	}
	for i, b := range data {
		dst[i] &= b
	}
	return nil
}

func (n *nor) ReadAt(p []byte, off int64) (int, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	if n.closed {
		return 0, ErrClosed
	}
	if off < 0 || off >= int64(len(n.mem)) {
		return 0, io.EOF
	}
	c := copy(p, n.mem[off:])
	if c < len(p) {
		return c, io.EOF
	}
	return c, nil
}

func fill(b []byte) {
	for i := range b {
		b[i] = ErasedByte
	}
}

// MemDevice is a volatile NOR flash held in memory.
type MemDevice struct {
	nor
}

// NewMemDevice returns a fully erased device of pages*pageSize bytes.
func NewMemDevice(pages, pageSize int) *MemDevice {
	mem := make([]byte, pages*pageSize)
	fill(mem)
	return &MemDevice{nor: nor{mem: mem, pageSize: pageSize}}
}

func (d *MemDevice) Flush() error { return nil }

func (d *MemDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}
