// internal/mirror/modbus/client_test.go
package modbus

import (
	"bytes"
	"testing"
)

func TestPackRegistersBigEndian(t *testing.T) {
	got := packRegisters([]uint16{0x1234, 0x00FF})
	want := []byte{0x12, 0x34, 0x00, 0xFF}
	if !bytes.Equal(got, want) {
		t.Fatalf("packRegisters = % X, want % X", got, want)
	}
}

func TestSplitWritesRespectsRequestLimit(t *testing.T) {
	regs := make([]uint16, 2*MaxWriteRegisters+4)
	parts := splitWrites(100, regs)

	if len(parts) != 3 {
		t.Fatalf("expected 3 writes, got %d", len(parts))
	}
	if parts[1].addr != 100+MaxWriteRegisters || len(parts[1].regs) != MaxWriteRegisters {
		t.Fatalf("second write at %d with %d regs", parts[1].addr, len(parts[1].regs))
	}
	if parts[2].addr != 100+2*MaxWriteRegisters || len(parts[2].regs) != 4 {
		t.Fatalf("last write at %d with %d regs", parts[2].addr, len(parts[2].regs))
	}
}

func TestSplitWritesEmpty(t *testing.T) {
	if parts := splitWrites(0, nil); len(parts) != 0 {
		t.Fatalf("expected no writes, got %d", len(parts))
	}
}

func TestDialRequiresEndpoint(t *testing.T) {
	if _, err := Dial(Config{}); err == nil {
		t.Fatalf("expected error for empty endpoint")
	}
}
