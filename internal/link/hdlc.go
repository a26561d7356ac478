// internal/link/hdlc.go
package link

import (
	"errors"
)

// HDLC-like framing used on the UART between the host and the mesh radio.
//
//	0x7E | escaped(body || fcs LE16) | 0x7E
const (
	hdlcFlag   = 0x7E
	hdlcEscape = 0x7D
	hdlcXor    = 0x20
)

var (
	ErrBadFCS     = errors.New("hdlc: bad frame check sequence")
	ErrShortFrame = errors.New("hdlc: frame too short")
)

var fcsTable = func() [256]uint16 {
	var t [256]uint16
	for i := range t {
		crc := uint16(i)
		for b := 0; b < 8; b++ {
			if crc&1 != 0 {
				crc = crc>>1 ^ 0x8408
			} else {
				crc >>= 1
			}
		}
		t[i] = crc
	}
	return t
}()

// fcs16 is CRC-16/X.25.
func fcs16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc = crc>>8 ^ fcsTable[byte(crc)^b]
	}
	return ^crc
}

// EncodeHDLC frames body for the wire.
func EncodeHDLC(body []byte) []byte {
	fcs := fcs16(body)
	out := make([]byte, 0, len(body)+8)
	out = append(out, hdlcFlag)
	out = appendEscaped(out, body...)
	out = appendEscaped(out, byte(fcs), byte(fcs>>8))
	return append(out, hdlcFlag)
}

func appendEscaped(out []byte, data ...byte) []byte {
	for _, b := range data {
		if b == hdlcFlag || b == hdlcEscape {
			out = append(out, hdlcEscape, b^hdlcXor)
			continue
		}
		out = append(out, b)
	}
	return out
}

// HDLCDecoder reassembles frames from a byte stream. It is not safe for
// concurrent use.
type HDLCDecoder struct {
	buf     []byte
	inFrame bool
	escaped bool
}

// Feed consumes one byte. When it completes a frame, Feed returns the body
// (FCS stripped) or an error if the frame was corrupt. Both are nil while
// a frame is still in progress.
func (d *HDLCDecoder) Feed(b byte) ([]byte, error) {
	if b == hdlcFlag {
		if !d.inFrame || len(d.buf) == 0 {
			// opening flag, or back-to-back flags between frames
			d.inFrame = true
			d.buf = d.buf[:0]
			d.escaped = false
			return nil, nil
		}
		frame := d.buf
		d.buf = nil
		d.escaped = false
		// the closing flag also opens the next frame
		d.inFrame = true
		return checkFCS(frame)
	}

	if !d.inFrame {
		return nil, nil
	}
	if b == hdlcEscape {
		d.escaped = true
		return nil, nil
	}
	if d.escaped {
		b ^= hdlcXor
		d.escaped = false
	}
	d.buf = append(d.buf, b)
	return nil, nil
}

func checkFCS(frame []byte) ([]byte, error) {
	if len(frame) < 2 {
		return nil, ErrShortFrame
	}
	n := len(frame) - 2
	want := uint16(frame[n]) | uint16(frame[n+1])<<8
	if fcs16(frame[:n]) != want {
		return nil, ErrBadFCS
	}
	return frame[:n], nil
}
