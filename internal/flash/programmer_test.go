// internal/flash/programmer_test.go
package flash

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testPageSize = 4096
	testPages    = 32
	testReserved = 16
	testChunk    = 128
)

func newTestProgrammer(t *testing.T, dev Device) *Programmer {
	t.Helper()
	p, err := NewProgrammer(dev, Config{ReservedPages: testReserved, ChunkSize: testChunk})
	require.NoError(t, err)
	return p
}

func TestNORProgramOnlyClearsBits(t *testing.T) {
	dev := NewMemDevice(2, 16)

	require.NoError(t, dev.Program(0, []byte{0xF0}))
	// clearing more bits is fine
	require.NoError(t, dev.Program(0, []byte{0x30}))

	// setting a cleared bit is not
	err := dev.Program(0, []byte{0x31})
	require.ErrorIs(t, err, ErrNotErased)

	got := make([]byte, 1)
	_, err = dev.ReadAt(got, 0)
	require.NoError(t, err)
	assert.Equal(t, byte(0x30), got[0])

	require.NoError(t, dev.ErasePage(0))
	require.NoError(t, dev.Program(0, []byte{0x31}))
}

func TestNOROutOfRange(t *testing.T) {
	dev := NewMemDevice(1, 16)
	assert.ErrorIs(t, dev.Program(15, []byte{0, 0}), ErrOutOfRange)
	assert.ErrorIs(t, dev.ErasePage(1), ErrOutOfRange)
	assert.ErrorIs(t, dev.ErasePage(-1), ErrOutOfRange)
}

func TestProgrammerGeometry(t *testing.T) {
	p := newTestProgrammer(t, NewMemDevice(testPages, testPageSize))
	assert.Equal(t, uint32(0x10000), p.BaseAddress())
	assert.Equal(t, (testPages-testReserved)*testPageSize, p.ImageCapacity())

	_, err := NewProgrammer(NewMemDevice(4, testPageSize), Config{ReservedPages: 4, ChunkSize: testChunk})
	assert.Error(t, err)
}

func TestProgrammerWriteRequiresErase(t *testing.T) {
	dev := NewMemDevice(testPages, testPageSize)
	p := newTestProgrammer(t, dev)

	first := bytes.Repeat([]byte{0x0F}, testChunk)
	second := bytes.Repeat([]byte{0xF0}, testChunk)

	require.NoError(t, p.WriteChunk(0, first))

	err := p.WriteChunk(0, second)
	require.Error(t, err)
	assert.True(t, IsFlashError(err))
	assert.True(t, errors.Is(err, ErrNotErased))

	require.NoError(t, p.ErasePages(testChunk))
	require.NoError(t, p.WriteChunk(0, second))

	img, err := p.ReadImage(testChunk)
	require.NoError(t, err)
	assert.Equal(t, second, img)
}

func TestErasePagesCountsPartialPages(t *testing.T) {
	dev := NewMemDevice(testPages, testPageSize)
	p := newTestProgrammer(t, dev)

	// dirty the first two image pages and the supervisor page before them
	require.NoError(t, dev.Program(int(p.BaseAddress())-1, []byte{0}))
	require.NoError(t, dev.Program(int(p.BaseAddress()), []byte{0}))
	require.NoError(t, dev.Program(int(p.BaseAddress())+testPageSize, []byte{0}))

	require.NoError(t, p.ErasePages(testPageSize+1))

	b := make([]byte, 1)
	_, _ = dev.ReadAt(b, int64(p.BaseAddress())-1)
	assert.Equal(t, byte(0), b[0], "supervisor region must not be touched")
	_, _ = dev.ReadAt(b, int64(p.BaseAddress()))
	assert.Equal(t, byte(ErasedByte), b[0])
	_, _ = dev.ReadAt(b, int64(p.BaseAddress())+testPageSize)
	assert.Equal(t, byte(ErasedByte), b[0])
}

func TestErasePagesRejectsOversizedImage(t *testing.T) {
	p := newTestProgrammer(t, NewMemDevice(testPages, testPageSize))
	err := p.ErasePages(uint32(p.ImageCapacity() + 1))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestWriteChunkPastEnd(t *testing.T) {
	p := newTestProgrammer(t, NewMemDevice(testPages, testPageSize))
	last := uint32(p.ImageCapacity() / testChunk)
	err := p.WriteChunk(last, make([]byte, testChunk))
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestNetConfigBlob(t *testing.T) {
	p := newTestProgrammer(t, NewMemDevice(testPages, testPageSize))

	blob, err := p.NetConfig()
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{ErasedByte}, 8), blob)

	want := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	require.NoError(t, p.WriteNetConfig(want))
	require.NoError(t, p.WriteNetConfig(want))

	blob, err = p.NetConfig()
	require.NoError(t, err)
	assert.Equal(t, want, blob)
}

func TestMappedDevicePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flash.bin")

	dev, err := OpenMapped(path, testPages, testPageSize)
	require.NoError(t, err)

	b := make([]byte, 4)
	_, err = dev.ReadAt(b, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xFF, 0xFF, 0xFF, 0xFF}, b, "new flash starts erased")

	p := newTestProgrammer(t, dev)
	require.NoError(t, p.WriteChunk(1, []byte("firmware")))
	require.NoError(t, dev.Close())

	dev, err = OpenMapped(path, testPages, testPageSize)
	require.NoError(t, err)
	defer dev.Close()

	p = newTestProgrammer(t, dev)
	img, err := p.ReadImage(testChunk + 8)
	require.NoError(t, err)
	assert.Equal(t, "firmware", string(img[testChunk:]))
}

func TestMappedDeviceRejectsShrink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flash.bin")

	dev, err := OpenMapped(path, testPages, testPageSize)
	require.NoError(t, err)
	require.NoError(t, dev.Close())

	_, err = OpenMapped(path, testPages/2, testPageSize)
	assert.Error(t, err)
}

func TestClosedDevice(t *testing.T) {
	dev := NewMemDevice(1, 16)
	require.NoError(t, dev.Close())
	assert.ErrorIs(t, dev.Program(0, []byte{0}), ErrClosed)
}
