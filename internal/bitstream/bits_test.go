// Copyright 2024 the bz2zstd authors. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.
package bitstream

import (
	"bytes"
	"encoding/binary"
	"math/rand"
	"testing"
)

func b(v ...byte) []byte {
	return v
}

// bitAt returns bit i of data, MSB-first, with bits past the end reading
// as zero.
func bitAt(data []byte, i uint64) byte {
	if i/8 >= uint64(len(data)) {
		return 0
	}
	return (data[i/8] >> (7 - i%8)) & 1
}

// extractRef is the bit-at-a-time reference implementation that ExtractBits
// must agree with.
func extractRef(data []byte, start, end uint64) []byte {
	if start >= end {
		return nil
	}
	out := make([]byte, (end-start+7)/8)
	for i := uint64(0); i < end-start; i++ {
		out[i/8] |= bitAt(data, start+i) << (7 - i%8)
	}
	return out
}

// putBits writes the low nbits of v into buf starting at bitOffset,
// MSB-first.
func putBits(buf []byte, bitOffset uint64, v uint64, nbits uint) {
	for i := uint(0); i < nbits; i++ {
		pos := bitOffset + uint64(i)
		if (v>>(nbits-1-i))&1 == 1 {
			buf[pos/8] |= 1 << (7 - pos%8)
		} else {
			buf[pos/8] &^= 1 << (7 - pos%8)
		}
	}
}

func TestExtractBits(t *testing.T) {
	for i, tc := range []struct {
		data       []byte
		start, end uint64
		want       []byte
	}{
		{b(0xAA, 0xBB), 4, 12, b(0xAB)},
		{b(0xFF), 0, 4, b(0xF0)},
		{bytes.Repeat(b(0xFF), 10), 4, 68, bytes.Repeat(b(0xFF), 8)},
		{b(0xAA, 0xBB, 0xCC), 8, 16, b(0xBB)},
		{b(0xAA, 0xBB, 0xCC), 0, 24, b(0xAA, 0xBB, 0xCC)},
		{b(0xFF, 0xFF), 0, 12, b(0xFF, 0xF0)},
		{b(0xAA), 3, 3, nil},
		// The final byte is partially past the end of the input and the
		// missing bits read as zero.
		{b(0x01, 0xFF), 12, 16, b(0xF0)},
		{b(0x01, 0xFF), 12, 20, b(0xF0)},
	} {
		got := ExtractBits(nil, tc.data, tc.start, tc.end)
		if !bytes.Equal(got, tc.want) {
			t.Errorf("%v: got %02x, want %02x", i, got, tc.want)
		}
	}
}

func TestExtractBitsAppends(t *testing.T) {
	dst := []byte{'B', 'Z', 'h', '9'}
	dst = ExtractBits(dst, b(0xAA, 0xBB), 4, 12)
	if got, want := dst, b('B', 'Z', 'h', '9', 0xAB); !bytes.Equal(got, want) {
		t.Errorf("got %02x, want %02x", got, want)
	}
}

// TestExtractBitsReference exercises every start alignment and a spread of
// lengths, in particular lengths that engage the 64-bit wide path, and
// requires bit-identical output to the reference implementation.
func TestExtractBitsReference(t *testing.T) {
	gen := rand.New(rand.NewSource(0x1234))
	data := make([]byte, 256)
	gen.Read(data)
	lengths := []uint64{1, 3, 7, 8, 9, 15, 16, 17, 63, 64, 65, 127, 128, 129, 500, 1000}
	for start := uint64(0); start < 24; start++ {
		for _, l := range lengths {
			end := start + l
			if end > uint64(len(data))*8 {
				continue
			}
			got := ExtractBits(nil, data, start, end)
			want := extractRef(data, start, end)
			if !bytes.Equal(got, want) {
				t.Errorf("start %v, len %v: got %02x, want %02x", start, l, got, want)
			}
		}
	}
	// Ranges running up to the very end of the input, where the wide path
	// must hand over to the tail path.
	total := uint64(len(data)) * 8
	for start := total - 130; start < total; start++ {
		got := ExtractBits(nil, data, start, total)
		want := extractRef(data, start, total)
		if !bytes.Equal(got, want) {
			t.Errorf("start %v: got %02x, want %02x", start, got, want)
		}
	}
}

const (
	blockMagic uint64 = 0x314159265359
	eosMagic   uint64 = 0x177245385090
)

func TestVerifyMagic(t *testing.T) {
	for _, magic := range []uint64{blockMagic, eosMagic} {
		for shift := uint64(0); shift < 8; shift++ {
			var buf [8]byte
			binary.BigEndian.PutUint64(buf[:], (magic<<16)>>shift)
			if !VerifyMagic(buf[:], shift, magic) {
				t.Errorf("magic %012x at bit %v not verified", magic, shift)
			}
			for wrong := uint64(0); wrong < 8; wrong++ {
				if wrong == shift {
					continue
				}
				if VerifyMagic(buf[:], wrong, magic) {
					t.Errorf("magic %012x verified at bit %v, planted at %v", magic, wrong, shift)
				}
			}
			corrupt := buf
			corrupt[3] ^= 0x10
			if VerifyMagic(corrupt[:], shift, magic) {
				t.Errorf("magic %012x at bit %v verified after corruption", magic, shift)
			}
		}
	}
}

func TestVerifyMagicEmbedded(t *testing.T) {
	buf := make([]byte, 32)
	putBits(buf, 101, blockMagic, 48)
	if !VerifyMagic(buf, 101, blockMagic) {
		t.Errorf("embedded magic not verified")
	}
	if VerifyMagic(buf, 100, blockMagic) || VerifyMagic(buf, 102, blockMagic) {
		t.Errorf("magic verified at wrong offset")
	}
	if VerifyMagic(buf, 101, eosMagic) {
		t.Errorf("wrong magic verified")
	}
}

func TestVerifyMagicShortInput(t *testing.T) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], blockMagic<<16)
	// Fewer than 48 bits available.
	if VerifyMagic(buf[:5], 0, blockMagic) {
		t.Errorf("verified with only 40 bits available")
	}
	if VerifyMagic(nil, 0, blockMagic) {
		t.Errorf("verified on empty input")
	}
	if got, want := VerifyMagic(buf[:6], 0, blockMagic), true; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestSearchKey(t *testing.T) {
	for _, magic := range []uint64{blockMagic, eosMagic} {
		for shift := uint(0); shift < 8; shift++ {
			buf := make([]byte, 8)
			putBits(buf, uint64(shift), magic, 48)
			key := SearchKey(magic, shift)
			if got, want := key[:], buf[1:5]; !bytes.Equal(got, want) {
				t.Errorf("magic %012x shift %v: got %02x, want %02x", magic, shift, got, want)
			}
		}
	}
}

func BenchmarkExtractBits(b *testing.B) {
	gen := rand.New(rand.NewSource(0x1234))
	data := make([]byte, 1<<20)
	gen.Read(data)
	dst := make([]byte, 0, len(data))
	b.SetBytes(int64(len(data)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		dst = ExtractBits(dst[:0], data, 3, uint64(len(data))*8-5)
	}
}
