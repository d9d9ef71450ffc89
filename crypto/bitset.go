// Package crypto provides primitives shared by the qcchain crypto implementations.
package crypto

import (
	"math/bits"
	"strings"
)

const blockBits = 32

// Bitset is a fixed-length set of bits stored as little-endian 32-bit blocks.
// Bit i marks position i of the canonical finalizer ordering.
// The block layout matches the wire encoding of quorum certificates.
type Bitset struct {
	blocks []uint32
	nbits  int
}

// NewBitset returns a bitset of the given length with all bits cleared.
func NewBitset(nbits int) *Bitset {
	return &Bitset{
		blocks: make([]uint32, (nbits+blockBits-1)/blockBits),
		nbits:  nbits,
	}
}

// BitsetFromBlocks restores a bitset from its block representation.
// Returns nil if the block count does not match the given length.
func BitsetFromBlocks(nbits int, blocks []uint32) *Bitset {
	if len(blocks) != (nbits+blockBits-1)/blockBits {
		return nil
	}
	b := &Bitset{
		blocks: make([]uint32, len(blocks)),
		nbits:  nbits,
	}
	copy(b.blocks, blocks)
	return b
}

// Len returns the number of bit positions in the set.
func (b *Bitset) Len() int {
	return b.nbits
}

// Set sets bit i. Panics if i is out of range.
func (b *Bitset) Set(i int) {
	if i < 0 || i >= b.nbits {
		panic("bitset: index out of range")
	}
	b.blocks[i/blockBits] |= 1 << (i % blockBits)
}

// Test returns true if bit i is set.
func (b *Bitset) Test(i int) bool {
	if i < 0 || i >= b.nbits {
		return false
	}
	return b.blocks[i/blockBits]&(1<<(i%blockBits)) != 0
}

// Count returns the number of set bits.
func (b *Bitset) Count() (n int) {
	for _, block := range b.blocks {
		n += bits.OnesCount32(block)
	}
	return n
}

// Blocks returns a copy of the 32-bit block representation.
func (b *Bitset) Blocks() []uint32 {
	blocks := make([]uint32, len(b.blocks))
	copy(blocks, b.blocks)
	return blocks
}

// ForEach calls f with the index of each set bit, in ascending order.
func (b *Bitset) ForEach(f func(i int)) {
	for i := 0; i < b.nbits; i++ {
		if b.Test(i) {
			f(i)
		}
	}
}

// Clone returns a deep copy of the bitset.
func (b *Bitset) Clone() *Bitset {
	return BitsetFromBlocks(b.nbits, b.blocks)
}

// Equal returns true if both bitsets have the same length and the same bits set.
func (b *Bitset) Equal(other *Bitset) bool {
	if b.nbits != other.nbits {
		return false
	}
	for i, block := range b.blocks {
		if other.blocks[i] != block {
			return false
		}
	}
	return true
}

// String renders the bitset with the highest position first, boost style.
func (b *Bitset) String() string {
	var sb strings.Builder
	for i := b.nbits - 1; i >= 0; i-- {
		if b.Test(i) {
			sb.WriteByte('1')
		} else {
			sb.WriteByte('0')
		}
	}
	return sb.String()
}
