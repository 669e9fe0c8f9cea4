package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/rtps-core/ddsi/internal/rtps"
)

// MaxBitmapBits is the largest bitmap the wire format allows in either number
// set (256 bits, 8 uint32 words).
const MaxBitmapBits = 256

// SequenceNumberSet encodes {bitmapBase, numbits, bits[]}:
// bit i set means sequence (base+i) is requested/missing.
type SequenceNumberSet struct {
	Base    rtps.SequenceNumber
	NumBits uint32
	Bits    []uint32 // ceil(NumBits/32) words, MSB-first within each word
}

// NewSequenceNumberSet builds a set over [base, base+numBits) with every
// bit in seqs set.
func NewSequenceNumberSet(base rtps.SequenceNumber, numBits uint32, seqs []rtps.SequenceNumber) SequenceNumberSet {
	if numBits > MaxBitmapBits {
		numBits = MaxBitmapBits
	}
	s := SequenceNumberSet{Base: base, NumBits: numBits, Bits: make([]uint32, (numBits+31)/32)}
	for _, sn := range seqs {
		s.Set(sn)
	}
	return s
}

func (s *SequenceNumberSet) bitIndex(sn rtps.SequenceNumber) (int, bool) {
	off := int64(sn - s.Base)
	if off < 0 || off >= int64(s.NumBits) {
		return 0, false
	}
	return int(off), true
}

// Set marks sn as present in the set (a no-op if sn falls outside range).
func (s *SequenceNumberSet) Set(sn rtps.SequenceNumber) {
	i, ok := s.bitIndex(sn)
	if !ok {
		return
	}
	s.Bits[i/32] |= 1 << uint(31-i%32)
}

// Test reports whether sn's bit is set.
func (s SequenceNumberSet) Test(sn rtps.SequenceNumber) bool {
	i, ok := s.bitIndex(sn)
	if !ok {
		return false
	}
	return s.Bits[i/32]&(1<<uint(31-i%32)) != 0
}

// Empty reports whether no bits are set — an ACKNACK with an empty set
// and base = writer.seq+1 is a pure ACK.
func (s SequenceNumberSet) Empty() bool {
	for _, w := range s.Bits {
		if w != 0 {
			return false
		}
	}
	return true
}

// Seqs enumerates every set sequence number in ascending order.
func (s SequenceNumberSet) Seqs() []rtps.SequenceNumber {
	var out []rtps.SequenceNumber
	for i := uint32(0); i < s.NumBits; i++ {
		if s.Bits[i/32]&(1<<uint(31-i%32)) != 0 {
			out = append(out, s.Base+rtps.SequenceNumber(i))
		}
	}
	return out
}

// Equal reports whether two sets describe the same base and bitmap —
// used by the reader side to suppress resending an identical ACKNACK
// across runs.
func (s SequenceNumberSet) Equal(o SequenceNumberSet) bool {
	if s.Base != o.Base || s.NumBits != o.NumBits || len(s.Bits) != len(o.Bits) {
		return false
	}
	for i := range s.Bits {
		if s.Bits[i] != o.Bits[i] {
			return false
		}
	}
	return true
}

func (s SequenceNumberSet) encodedLen() int {
	return 12 + len(s.Bits)*4
}

func (s SequenceNumberSet) encode(order binary.ByteOrder, buf []byte) {
	order.PutUint32(buf[0:4], uint32(s.Base>>32))
	order.PutUint32(buf[4:8], uint32(s.Base))
	order.PutUint32(buf[8:12], s.NumBits)
	for i, w := range s.Bits {
		order.PutUint32(buf[12+i*4:16+i*4], w)
	}
}

func decodeSequenceNumberSet(order binary.ByteOrder, buf []byte) (SequenceNumberSet, int, error) {
	if len(buf) < 12 {
		return SequenceNumberSet{}, 0, fmt.Errorf("%w: short seqnumset", ErrMalformed)
	}
	hi := order.Uint32(buf[0:4])
	lo := order.Uint32(buf[4:8])
	numBits := order.Uint32(buf[8:12])
	if numBits > MaxBitmapBits {
		return SequenceNumberSet{}, 0, fmt.Errorf("%w: seqnumset numbits too large", ErrMalformed)
	}
	nwords := int((numBits + 31) / 32)
	need := 12 + nwords*4
	if len(buf) < need {
		return SequenceNumberSet{}, 0, fmt.Errorf("%w: short seqnumset bitmap", ErrMalformed)
	}
	bits := make([]uint32, nwords)
	for i := range bits {
		bits[i] = order.Uint32(buf[12+i*4 : 16+i*4])
	}
	base := rtps.SequenceNumber(int64(hi)<<32 | int64(lo))
	return SequenceNumberSet{Base: base, NumBits: numBits, Bits: bits}, need, nil
}

// FragmentNumberSet is the fragment-granularity analogue of
// SequenceNumberSet, with a 32-bit (not 64-bit) base.
type FragmentNumberSet struct {
	Base    rtps.FragmentNumber
	NumBits uint32
	Bits    []uint32
}

func NewFragmentNumberSet(base rtps.FragmentNumber, numBits uint32, frags []rtps.FragmentNumber) FragmentNumberSet {
	if numBits > MaxBitmapBits {
		numBits = MaxBitmapBits
	}
	s := FragmentNumberSet{Base: base, NumBits: numBits, Bits: make([]uint32, (numBits+31)/32)}
	for _, f := range frags {
		s.Set(f)
	}
	return s
}

func (s *FragmentNumberSet) bitIndex(f rtps.FragmentNumber) (int, bool) {
	if f < s.Base {
		return 0, false
	}
	off := int64(f - s.Base)
	if off >= int64(s.NumBits) {
		return 0, false
	}
	return int(off), true
}

func (s *FragmentNumberSet) Set(f rtps.FragmentNumber) {
	i, ok := s.bitIndex(f)
	if !ok {
		return
	}
	s.Bits[i/32] |= 1 << uint(31-i%32)
}

func (s FragmentNumberSet) Test(f rtps.FragmentNumber) bool {
	i, ok := s.bitIndex(f)
	if !ok {
		return false
	}
	return s.Bits[i/32]&(1<<uint(31-i%32)) != 0
}

func (s FragmentNumberSet) Frags() []rtps.FragmentNumber {
	var out []rtps.FragmentNumber
	for i := uint32(0); i < s.NumBits; i++ {
		if s.Bits[i/32]&(1<<uint(31-i%32)) != 0 {
			out = append(out, s.Base+rtps.FragmentNumber(i))
		}
	}
	return out
}

func (s FragmentNumberSet) encodedLen() int {
	return 8 + len(s.Bits)*4
}

func (s FragmentNumberSet) encode(order binary.ByteOrder, buf []byte) {
	order.PutUint32(buf[0:4], uint32(s.Base))
	order.PutUint32(buf[4:8], s.NumBits)
	for i, w := range s.Bits {
		order.PutUint32(buf[8+i*4:12+i*4], w)
	}
}

func decodeFragmentNumberSet(order binary.ByteOrder, buf []byte) (FragmentNumberSet, int, error) {
	if len(buf) < 8 {
		return FragmentNumberSet{}, 0, fmt.Errorf("%w: short fragnumset", ErrMalformed)
	}
	base := order.Uint32(buf[0:4])
	numBits := order.Uint32(buf[4:8])
	if numBits > MaxBitmapBits {
		return FragmentNumberSet{}, 0, fmt.Errorf("%w: fragnumset numbits too large", ErrMalformed)
	}
	nwords := int((numBits + 31) / 32)
	need := 8 + nwords*4
	if len(buf) < need {
		return FragmentNumberSet{}, 0, fmt.Errorf("%w: short fragnumset bitmap", ErrMalformed)
	}
	bits := make([]uint32, nwords)
	for i := range bits {
		bits[i] = order.Uint32(buf[8+i*4 : 12+i*4])
	}
	return FragmentNumberSet{Base: rtps.FragmentNumber(base), NumBits: numBits, Bits: bits}, need, nil
}
