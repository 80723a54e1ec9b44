// Copyright 2024 the bz2zstd authors. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.
package bz2zstd

import (
	"context"
	"testing"
)

// stitch feeds the supplied chunk results, in the order given, through
// stitchRanges and returns the emitted ranges.
func stitch(totalBits uint64, results ...ChunkResult) []BlockRange {
	chunks := make(chan ChunkResult, len(results))
	for _, result := range results {
		chunks <- result
	}
	close(chunks)
	out := make(chan BlockRange, len(results)*4+1)
	stitchRanges(context.Background(), totalBits, chunks, out)
	var ranges []BlockRange
	for r := range out {
		ranges = append(ranges, r)
	}
	return ranges
}

func mk(chunk int, markers ...Marker) ChunkResult {
	return ChunkResult{Chunk: chunk, Markers: markers}
}

func bm(bit uint64) Marker  { return Marker{Bit: bit, Kind: BlockMarker} }
func eos(bit uint64) Marker { return Marker{Bit: bit, Kind: EOSMarker} }

func checkRanges(t *testing.T, got []BlockRange, want ...BlockRange) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %v ranges (%v), want %v", len(got), got, len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("range %v: got %v, want %v", i, got[i], want[i])
		}
	}
	for i := 1; i < len(got); i++ {
		if got[i-1].EndBit > got[i].StartBit || got[i-1].StartBit >= got[i].StartBit {
			t.Errorf("ranges %v and %v overlap or regress", got[i-1], got[i])
		}
	}
}

func TestStitchOrdering(t *testing.T) {
	// Chunk results arrive out of order; ranges must come out in stream
	// order with contiguous indices.
	ranges := stitch(1<<20,
		mk(2, eos(2000)),
		mk(0, bm(32)),
		mk(1, bm(1000)),
	)
	checkRanges(t, ranges,
		BlockRange{Index: 0, StartBit: 32, EndBit: 1000},
		BlockRange{Index: 1, StartBit: 1000, EndBit: 2000},
	)
}

func TestStitchEmptyChunks(t *testing.T) {
	ranges := stitch(1<<20,
		mk(1),
		mk(3, eos(9000)),
		mk(0, bm(32), bm(4000)),
		mk(2),
	)
	checkRanges(t, ranges,
		BlockRange{Index: 0, StartBit: 32, EndBit: 4000},
		BlockRange{Index: 1, StartBit: 4000, EndBit: 9000},
	)
}

func TestStitchTruncated(t *testing.T) {
	// A trailing block with no following marker runs to the end of the
	// input.
	ranges := stitch(8192,
		mk(0, bm(32), bm(5000)),
	)
	checkRanges(t, ranges,
		BlockRange{Index: 0, StartBit: 32, EndBit: 5000},
		BlockRange{Index: 1, StartBit: 5000, EndBit: 8192},
	)
}

func TestStitchMultiStream(t *testing.T) {
	// Two concatenated streams: ranges never span an end-of-stream marker
	// and the header bits of the second stream belong to no range.
	ranges := stitch(1<<20,
		mk(0, bm(32), eos(4000), bm(4512), eos(8000)),
	)
	checkRanges(t, ranges,
		BlockRange{Index: 0, StartBit: 32, EndBit: 4000},
		BlockRange{Index: 1, StartBit: 4512, EndBit: 8000},
	)
}

func TestStitchNoBlocks(t *testing.T) {
	if ranges := stitch(112, mk(0, eos(32))); len(ranges) != 0 {
		t.Errorf("got %v, want no ranges", ranges)
	}
	if ranges := stitch(0); len(ranges) != 0 {
		t.Errorf("got %v, want no ranges", ranges)
	}
}
