// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/plgd-dev/go-coap/v3/message"
)

// ErrInvalidBlock indicates a Block1/Block2 value that cannot be decoded.
var ErrInvalidBlock = errors.New("invalid block option")

// SZX is the block size exponent of RFC 7959: size = 2^(SZX+4).
type SZX uint8

// Block sizes.
const (
	SZX16 SZX = iota
	SZX32
	SZX64
	SZX128
	SZX256
	SZX512
	SZX1024
)

// Size returns the block size in bytes.
func (s SZX) Size() int {
	return 1 << (uint(s) + 4)
}

// Valid reports whether s is a defined block size (7 is reserved).
func (s SZX) Valid() bool {
	return s <= SZX1024
}

// SZXFromSize returns the exponent of a block size in bytes.
func SZXFromSize(size int) (SZX, error) {
	for s := SZX16; s <= SZX1024; s++ {
		if s.Size() == size {
			return s, nil
		}
	}
	return 0, fmt.Errorf("%w: unsupported block size %d", ErrInvalidBlock, size)
}

// Block is a decoded Block1 or Block2 option value.
type Block struct {
	Num  uint32
	More bool
	SZX  SZX
}

// Value returns the option value NUM<<4 | M<<3 | SZX.
func (b Block) Value() uint32 {
	v := b.Num<<4 | uint32(b.SZX&0x7)
	if b.More {
		v |= 0x8
	}
	return v
}

// Offset returns the byte offset of the first byte of the block.
func (b Block) Offset() int {
	return int(b.Num) * b.SZX.Size()
}

// Option returns b encoded as the option id.
func (b Block) Option(id message.OptionID) message.Option {
	return message.Option{ID: id, Value: EncodeUint(b.Value())}
}

// ParseBlock decodes a block option value.
func ParseBlock(v uint32) (Block, error) {
	b := Block{
		Num:  v >> 4,
		More: v&0x8 != 0,
		SZX:  SZX(v & 0x7),
	}
	if !b.SZX.Valid() {
		return Block{}, fmt.Errorf("%w: reserved SZX", ErrInvalidBlock)
	}
	if b.Num > 0xFFFFF {
		return Block{}, fmt.Errorf("%w: NUM out of range", ErrInvalidBlock)
	}
	return b, nil
}

// InitialBlock2 returns the Block2 option that asks the server to start a
// download at block 0 with the given size.
func InitialBlock2(szx SZX) message.Option {
	return Block{SZX: szx}.Option(message.Block2)
}

// BlockContext tracks the progress of one block-wise transfer.
//
// For an upload Current is the offset of the first unacknowledged byte and
// TotalSize the payload length. For a download Current is the offset of the
// next expected block and TotalSize the Size2 hint, or 0 when the server did
// not announce one.
type BlockContext struct {
	SZX       SZX
	Current   int
	TotalSize int
}

// Init starts a new transfer.
func (c *BlockContext) Init(szx SZX, total int) {
	c.SZX = szx
	c.Current = 0
	c.TotalSize = total
}

// Reset clears the context; no transfer is in progress afterwards.
func (c *BlockContext) Reset() {
	*c = BlockContext{}
}

// BlockSize returns the negotiated block size in bytes.
func (c BlockContext) BlockSize() int {
	return c.SZX.Size()
}

// Block returns the block descriptor for the current offset.
func (c BlockContext) Block(more bool) Block {
	return Block{
		Num:  uint32(c.Current / c.SZX.Size()),
		More: more,
		SZX:  c.SZX,
	}
}

// Remaining returns the number of bytes left to transfer.
func (c BlockContext) Remaining() int {
	if c.Current >= c.TotalSize {
		return 0
	}
	return c.TotalSize - c.Current
}

// Chunk returns the length of the block starting at the current offset.
func (c BlockContext) Chunk() int {
	return min(c.Remaining(), c.BlockSize())
}

// Update adopts a block received from the peer. A smaller SZX proposed by
// the peer replaces the local one; the offset follows the block number.
func (c *BlockContext) Update(b Block) {
	if b.SZX < c.SZX {
		c.SZX = b.SZX
	}
	c.Current = b.Offset()
}

// Advance moves the offset forward by n bytes.
func (c *BlockContext) Advance(n int) {
	c.Current += n
}

// EncodeUint encodes v as a minimal-length CoAP uint option value.
func EncodeUint(v uint32) []byte {
	switch {
	case v == 0:
		return nil
	case v < 1<<8:
		return []byte{byte(v)}
	case v < 1<<16:
		rv := make([]byte, 2)
		binary.BigEndian.PutUint16(rv, uint16(v))
		return rv
	case v < 1<<24:
		rv := make([]byte, 4)
		binary.BigEndian.PutUint32(rv, v)
		return rv[1:]
	default:
		rv := make([]byte, 4)
		binary.BigEndian.PutUint32(rv, v)
		return rv
	}
}

// DecodeUint decodes a CoAP uint option value.
func DecodeUint(b []byte) (uint32, error) {
	if len(b) > 4 {
		return 0, fmt.Errorf("uint option too long: %d bytes", len(b))
	}
	var tmp [4]byte
	copy(tmp[4-len(b):], b)
	return binary.BigEndian.Uint32(tmp[:]), nil
}
