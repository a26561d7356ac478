// internal/flash/programmer.go
package flash

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
)

// Config describes where the user image lives on the device.
type Config struct {
	// ReservedPages is the number of pages at the start of flash owned by
	// the resident supervisor. The user image starts right after them.
	ReservedPages int

	// ChunkSize is the OTA chunk payload size.
	ChunkSize int

	// Logger is used for erase/write diagnostics (optional)
	Logger *slog.Logger
}

// Programmer erases and writes the user-image region. It holds no OTA
// state: whether an erase is due is decided by the caller.
type Programmer struct {
	dev    Device
	cfg    Config
	logger *slog.Logger
}

// NewProgrammer validates the geometry against the device.
func NewProgrammer(dev Device, cfg Config) (*Programmer, error) {
	if dev == nil {
		return nil, errors.New("flash: device required")
	}
	if cfg.ReservedPages < 1 {
		return nil, errors.New("flash: at least one reserved page required")
	}
	if cfg.ChunkSize <= 0 {
		return nil, errors.New("flash: chunk size must be > 0")
	}
	if cfg.ReservedPages*dev.PageSize() >= dev.Size() {
		return nil, fmt.Errorf("flash: %d reserved pages leave no room for an image", cfg.ReservedPages)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Programmer{dev: dev, cfg: cfg, logger: cfg.Logger}, nil
}

// BaseAddress is the address of the first byte of the user image.
func (p *Programmer) BaseAddress() uint32 {
	return uint32(p.cfg.ReservedPages * p.dev.PageSize())
}

// ImageCapacity is the size of the user-image region.
func (p *Programmer) ImageCapacity() int {
	return p.dev.Size() - int(p.BaseAddress())
}

// ErasePages erases ceil(imageSize/PageSize) pages starting at the first
// user-image page.
func (p *Programmer) ErasePages(imageSize uint32) error {
	pageSize := p.dev.PageSize()
	pages := int((uint64(imageSize) + uint64(pageSize) - 1) / uint64(pageSize))
	if int(imageSize) > p.ImageCapacity() {
		return &FlashError{Op: "erase", Addr: p.BaseAddress(), Err: fmt.Errorf("%w: image of %d bytes", ErrOutOfRange, imageSize)}
	}

	p.logger.Info("erasing image region", "pages", pages, "base", fmt.Sprintf("0x%08X", p.BaseAddress()))
	for i := 0; i < pages; i++ {
		page := p.cfg.ReservedPages + i
		addr := uint32(page * pageSize)
		p.logger.Debug("erasing page", "page", page, "addr", fmt.Sprintf("0x%08X", addr))
		if err := p.dev.ErasePage(page); err != nil {
			return &FlashError{Op: "erase", Addr: addr, Err: err}
		}
	}
	return p.flush(p.BaseAddress())
}

// WriteChunk programs data at BaseAddress + index*ChunkSize. The pages
// must have been erased since they were last written.
func (p *Programmer) WriteChunk(index uint32, data []byte) error {
	off := uint64(p.BaseAddress()) + uint64(index)*uint64(p.cfg.ChunkSize)
	if off+uint64(len(data)) > uint64(p.dev.Size()) {
		return &FlashError{Op: "write", Addr: uint32(off), Err: ErrOutOfRange}
	}
	p.logger.Debug("writing chunk", "index", index, "size", len(data), "addr", fmt.Sprintf("0x%08X", off))
	if err := p.dev.Program(int(off), data); err != nil {
		return &FlashError{Op: "write", Addr: uint32(off), Err: err}
	}
	return p.flush(uint32(off))
}

// ReadImage returns the first n bytes of the user image.
func (p *Programmer) ReadImage(n int) ([]byte, error) {
	if n < 0 || n > p.ImageCapacity() {
		return nil, fmt.Errorf("%w: read of %d bytes", ErrOutOfRange, n)
	}
	out := make([]byte, n)
	if _, err := p.dev.ReadAt(out, int64(p.BaseAddress())); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return out, nil
}

// Image exposes the user-image region for reading (vector table lookup).
func (p *Programmer) Image() io.ReaderAt {
	return io.NewSectionReader(p.dev, int64(p.BaseAddress()), int64(p.ImageCapacity()))
}

// ---- network config blob ----

// netConfigPage is the last supervisor page; the blob sits at its start.
func (p *Programmer) netConfigPage() int { return p.cfg.ReservedPages - 1 }

// NetConfig returns the raw network config blob.
func (p *Programmer) NetConfig() ([]byte, error) {
	blob := make([]byte, 8)
	addr := int64(p.netConfigPage() * p.dev.PageSize())
	if _, err := p.dev.ReadAt(blob, addr); err != nil {
		return nil, fmt.Errorf("read net config: %w", err)
	}
	return blob, nil
}

// WriteNetConfig replaces the network config blob.
func (p *Programmer) WriteNetConfig(blob []byte) error {
	page := p.netConfigPage()
	addr := uint32(page * p.dev.PageSize())
	if len(blob) > p.dev.PageSize() {
		return &FlashError{Op: "write", Addr: addr, Err: ErrOutOfRange}
	}
	if err := p.dev.ErasePage(page); err != nil {
		return &FlashError{Op: "erase", Addr: addr, Err: err}
	}
	if err := p.dev.Program(int(addr), blob); err != nil {
		return &FlashError{Op: "write", Addr: addr, Err: err}
	}
	return p.flush(addr)
}

func (p *Programmer) flush(addr uint32) error {
	if err := p.dev.Flush(); err != nil {
		return &FlashError{Op: "flush", Addr: addr, Err: err}
	}
	return nil
}
