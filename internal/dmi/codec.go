// Package dmi implements the DMI bitfield codec (C1) and the single-request
// DMI transport (C2) described in spec.md §4.1-§4.2.
package dmi

import (
	"fmt"

	"github.com/santhoshEsp32/openocd/internal/dmconst"
)

// Codec packs and unpacks a DMI scan payload: a bit string of width
// abits+34, laid out LSB-first as [op:2][data:32][address:abits]. The
// JTAG layer consumes/produces a byte buffer shifted LSB-first, so the
// codec is endianness-agnostic at the wire level — it only knows about
// bit positions within that shift register, never host byte order.
type Codec struct {
	abits int
}

// ErrAbitsNotSet is returned by any Codec operation before abits has been
// configured via NewCodec with a positive width.
var ErrAbitsNotSet = fmt.Errorf("dmi: codec precondition violated: abits not set")

// NewCodec builds a codec for the given DMI address width (7-32 bits per
// the DM-Descriptor invariant in spec.md §3).
func NewCodec(abits int) (*Codec, error) {
	if abits < 7 || abits > 32 {
		return nil, fmt.Errorf("dmi: abits %d out of range [7,32]: %w", abits, ErrAbitsNotSet)
	}
	return &Codec{abits: abits}, nil
}

// NumBits returns the total scan width: op(2) + data(32) + address(abits).
func (c *Codec) NumBits() int {
	return c.abits + 34
}

func (c *Codec) numBytes() int {
	return (c.NumBits() + 7) / 8
}

// setBits writes the low numBits of value into buf starting at bit offset
// (LSB-first across the byte buffer, matching a shift register that is
// clocked out starting from bit 0).
func setBits(buf []byte, offset, numBits int, value uint64) {
	for i := 0; i < numBits; i++ {
		bit := (value >> uint(i)) & 1
		pos := offset + i
		byteIdx := pos / 8
		bitIdx := uint(pos % 8)
		if bit != 0 {
			buf[byteIdx] |= 1 << bitIdx
		} else {
			buf[byteIdx] &^= 1 << bitIdx
		}
	}
}

func getBits(buf []byte, offset, numBits int) uint64 {
	var value uint64
	for i := 0; i < numBits; i++ {
		pos := offset + i
		byteIdx := pos / 8
		bitIdx := uint(pos % 8)
		if byteIdx >= len(buf) {
			continue
		}
		bit := (buf[byteIdx] >> bitIdx) & 1
		value |= uint64(bit) << uint(i)
	}
	return value
}

func (c *Codec) encode(op uint8, address, data uint32) []byte {
	buf := make([]byte, c.numBytes())
	setBits(buf, 0, 2, uint64(op))
	setBits(buf, 2, 32, uint64(data))
	setBits(buf, 34, c.abits, uint64(address))
	return buf
}

// EncodeWrite builds the scan payload for a DMI write request.
func (c *Codec) EncodeWrite(address uint32, data uint32) ([]byte, error) {
	if c.abits == 0 {
		return nil, ErrAbitsNotSet
	}
	return c.encode(dmconst.OpWrite, address, data), nil
}

// EncodeRead builds the scan payload for a DMI read request. Per §4.2, the
// result of a read arrives on the *next* scan, not this one.
func (c *Codec) EncodeRead(address uint32) ([]byte, error) {
	if c.abits == 0 {
		return nil, ErrAbitsNotSet
	}
	return c.encode(dmconst.OpRead, address, 0), nil
}

// EncodeNop builds a scan payload that performs no DMI operation; used to
// pull the previous op's status/data on the following scan.
func (c *Codec) EncodeNop() ([]byte, error) {
	if c.abits == 0 {
		return nil, ErrAbitsNotSet
	}
	return c.encode(dmconst.OpNop, 0, 0), nil
}

// Decoded is the result of unpacking an inbound DMI scan response.
type Decoded struct {
	Op      uint8
	Data    uint32
	Address uint32
}

// Decode unpacks an inbound scan buffer.
func (c *Codec) Decode(buf []byte) (Decoded, error) {
	if c.abits == 0 {
		return Decoded{}, ErrAbitsNotSet
	}
	return Decoded{
		Op:      uint8(getBits(buf, 0, 2)),
		Data:    uint32(getBits(buf, 2, 32)),
		Address: uint32(getBits(buf, 34, c.abits)),
	}, nil
}
