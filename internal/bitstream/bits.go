// Copyright 2024 the bz2zstd authors. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package bitstream provides the bit-level primitives used to locate and
// extract bzip2 blocks at arbitrary bit offsets.
package bitstream

import "encoding/binary"

// NOTE: bzip2 bitstreams are created by packing 8 bits into a byte with
//       the most significant bit being the first bit, that is, the bitstream
//       can be visualized as flowing from left to right.

// ExtractBits appends the bits [startBit, endBit) of data to dst, MSB-first,
// starting at a byte boundary. ceil((endBit-startBit)/8) bytes are appended;
// when the bit count is not a multiple of 8 the trailing bits of the last
// byte are zero. data must hold the ceil((endBit-startBit)/8) bytes starting
// at byte startBit/8. When startBit is not byte aligned the last output byte
// also takes bits from the byte after those; if that byte lies past the end
// of data its bits read as zero.
func ExtractBits(dst, data []byte, startBit, endBit uint64) []byte {
	if startBit >= endBit {
		return dst
	}
	bitLen := endBit - startBit
	byteLen := int((bitLen + 7) / 8)
	startByte := int(startBit / 8)
	shift := uint(startBit % 8)

	if shift == 0 {
		dst = append(dst, data[startByte:startByte+byteLen]...)
		if rem := bitLen % 8; rem != 0 {
			dst[len(dst)-1] &= byte(0xff) << (8 - rem)
		}
		return dst
	}

	idx := startByte
	bitsLeft := bitLen
	// Assemble eight output bytes at a time from a big-endian 64-bit load
	// plus one carry byte. Must produce bit-identical output to the
	// byte-at-a-time loop below.
	for bitsLeft >= 64 && idx+9 <= len(data) {
		v := binary.BigEndian.Uint64(data[idx : idx+8])
		carry := uint64(data[idx+8])
		var word [8]byte
		binary.BigEndian.PutUint64(word[:], v<<shift|carry>>(8-shift))
		dst = append(dst, word[:]...)
		idx += 8
		bitsLeft -= 64
	}
	for bitsLeft >= 8 {
		b1 := data[idx]
		var b2 byte
		if idx+1 < len(data) {
			b2 = data[idx+1]
		}
		dst = append(dst, b1<<shift|b2>>(8-shift))
		idx++
		bitsLeft -= 8
	}
	if bitsLeft > 0 {
		b1 := data[idx]
		var b2 byte
		if idx+1 < len(data) {
			b2 = data[idx+1]
		}
		v := b1<<shift | b2>>(8-shift)
		dst = append(dst, v&(byte(0xff)<<(8-bitsLeft)))
	}
	return dst
}

// VerifyMagic reports whether the 48 bits of data starting at bitOffset,
// MSB-first, equal the low 48 bits of magic. It returns false when fewer
// than 48 bits are available from bitOffset to the end of data.
func VerifyMagic(data []byte, bitOffset uint64, magic uint64) bool {
	byteIdx := int(bitOffset / 8)
	shift := bitOffset % 8
	if bitOffset+48 > uint64(len(data))*8 {
		return false
	}
	var buf [8]byte
	copy(buf[:], data[byteIdx:])
	v := binary.BigEndian.Uint64(buf[:])
	expected := (magic << 16) >> shift
	mask := uint64(0xFFFFFFFFFFFF0000) >> shift
	return v&mask == expected
}

// SearchKey returns the 4-byte search key for the given 48-bit magic at the
// given bit alignment: bytes 1..5 of the big-endian representation of
// (magic<<16)>>shift. Those bytes contain only magic bits for every shift in
// [0,8), so the key is independent of the payload bits surrounding the
// magic. The byte holding the magic's first bits is deliberately omitted; a
// match at byte p therefore locates a candidate starting in byte p-1.
func SearchKey(magic uint64, shift uint) [4]byte {
	var word [8]byte
	binary.BigEndian.PutUint64(word[:], (magic<<16)>>shift)
	var key [4]byte
	copy(key[:], word[1:5])
	return key
}
