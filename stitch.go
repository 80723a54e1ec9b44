// Copyright 2024 the bz2zstd authors. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package bz2zstd

import (
	"context"
	"fmt"
)

// BlockRange identifies one compressed block: the bits [StartBit, EndBit)
// of the input, where StartBit is the bit position of the block's magic
// number and EndBit is the bit position of the next marker of any kind (or
// the total bit length of a truncated input). Prefixed with a stream
// header, those bits form an independently decodable bzip2 sub-stream.
// Index is the block's 0-based ordinal in stream order.
type BlockRange struct {
	Index    int
	StartBit uint64
	EndBit   uint64
}

func (r BlockRange) String() string {
	return fmt.Sprintf("block %v @%v..%v bits", r.Index, r.StartBit, r.EndBit)
}

// stitchRanges consumes out-of-order chunk results, restores chunk order,
// and converts the marker stream into block ranges on out. A block magic
// terminates the open range and opens a new one; an end-of-stream magic
// terminates the open range, so ranges never span stream boundaries in a
// multi-stream input. When the chunk channel closes with a range still
// open the input is truncated and the final range runs to totalBits.
// out is closed on return.
func stitchRanges(ctx context.Context, totalBits uint64, chunks <-chan ChunkResult, out chan<- BlockRange) {
	defer close(out)
	var (
		pending = map[int][]Marker{}
		next    int
		index   int
		start   uint64
		open    bool
	)
	emit := func(end uint64) bool {
		select {
		case out <- BlockRange{Index: index, StartBit: start, EndBit: end}:
			index++
			return true
		case <-ctx.Done():
			return false
		}
	}
	for {
		select {
		case result, ok := <-chunks:
			if !ok {
				if open {
					emit(totalBits)
				}
				return
			}
			pending[result.Chunk] = result.Markers
			for {
				markers, ok := pending[next]
				if !ok {
					break
				}
				delete(pending, next)
				next++
				for _, m := range markers {
					switch m.Kind {
					case BlockMarker:
						if open && !emit(m.Bit) {
							return
						}
						start, open = m.Bit, true
					case EOSMarker:
						if open {
							if !emit(m.Bit) {
								return
							}
							open = false
						}
					}
				}
			}
		case <-ctx.Done():
			return
		}
	}
}
