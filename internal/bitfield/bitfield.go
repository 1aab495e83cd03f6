// Package bitfield implements a fixed-length boolean vector packed
// MSB-first, used both for local piece ownership and for peers' advertised
// Bitfield messages.
package bitfield

import (
	"fmt"
	"io"
)

// Bitfield is a fixed-size vector of size bits backed by ceil(size/8) bytes.
type Bitfield struct {
	b    []byte
	size uint32
	ones uint32
}

// New returns a zeroed Bitfield of the given bit size.
func New(size uint32) *Bitfield {
	return &Bitfield{
		b:    make([]byte, numBytes(size)),
		size: size,
	}
}

// NewBytes wraps an existing byte slice as a Bitfield of size bits. b must
// have exactly ceil(size/8) bytes.
func NewBytes(b []byte, size uint32) (*Bitfield, error) {
	if uint32(len(b)) != numBytes(size) {
		return nil, fmt.Errorf("bitfield: invalid byte length %d for size %d", len(b), size)
	}
	bf := &Bitfield{b: b, size: size}
	bf.ones = popcount(b, size)
	return bf, nil
}

func numBytes(size uint32) uint32 {
	return (size + 7) / 8
}

func popcount(b []byte, size uint32) uint32 {
	var n uint32
	for i := uint32(0); i < size; i++ {
		byteIdx := i / 8
		mask := byte(1) << (7 - (i % 8))
		if b[byteIdx]&mask != 0 {
			n++
		}
	}
	return n
}

// Len returns the logical bit size.
func (bf *Bitfield) Len() uint32 { return bf.size }

// Get returns the bit at index i. For i >= Len it is defined as false, to
// accommodate comparing against an unknown peer bitfield at session start.
func (bf *Bitfield) Get(i uint32) bool {
	if i >= bf.size {
		return false
	}
	byteIdx := i / 8
	mask := byte(1) << (7 - (i % 8))
	return bf.b[byteIdx]&mask != 0
}

// Set sets bit i to v, maintaining the cached popcount.
func (bf *Bitfield) Set(i uint32, v bool) {
	if i >= bf.size {
		panic("bitfield: index out of range")
	}
	byteIdx := i / 8
	mask := byte(1) << (7 - (i % 8))
	had := bf.b[byteIdx]&mask != 0
	if v == had {
		return
	}
	if v {
		bf.b[byteIdx] |= mask
		bf.ones++
	} else {
		bf.b[byteIdx] &^= mask
		bf.ones--
	}
}

// Ones returns the number of set bits.
func (bf *Bitfield) Ones() uint32 { return bf.ones }

// Zeroes returns the number of unset bits.
func (bf *Bitfield) Zeroes() uint32 { return bf.size - bf.ones }

// All reports whether every bit is set (torrent 100% complete).
func (bf *Bitfield) All() bool { return bf.size > 0 && bf.ones == bf.size }

// Progress returns the percentage of set bits, 0-100.
func (bf *Bitfield) Progress() float64 {
	if bf.size == 0 {
		return 0
	}
	return 100 * float64(bf.ones) / float64(bf.size)
}

// Bytes returns the raw packed representation.
func (bf *Bitfield) Bytes() []byte { return bf.b }

// WriteTo serializes the raw bytes to w, as used when sending the wire
// Bitfield message.
func (bf *Bitfield) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(bf.b)
	return int64(n), err
}

// ReadFrom reads exactly the remainder of r into the Bitfield's backing
// bytes: the wire Bitfield message occupies the rest of its framed payload,
// so the caller must have already constrained r to that length.
func (bf *Bitfield) ReadFrom(r io.Reader) (int64, error) {
	n, err := io.ReadFull(r, bf.b)
	if err != nil {
		return int64(n), err
	}
	bf.ones = popcount(bf.b, bf.size)
	return int64(n), nil
}
