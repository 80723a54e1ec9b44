// Copyright 2024 the bz2zstd authors. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package bz2zstd transcodes bzip2 streams to zstd by locating the bzip2
// block boundaries at their arbitrary bit offsets and decompressing and
// recompressing the blocks in parallel. See
// https://en.wikipedia.org/wiki/Bzip2 for an explanation of the file format.
package bz2zstd

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"unsafe"

	ahocorasick "github.com/petar-dambovaliev/aho-corasick"

	"github.com/kassoulet/bz2zstd/internal/bitstream"
)

const (
	// BlockMagic is the 48-bit magic number that precedes each bzip2
	// compressed block.
	BlockMagic uint64 = 0x314159265359

	// EOSMagic is the 48-bit magic number that terminates a bzip2 stream.
	EOSMagic uint64 = 0x177245385090
)

// MarkerKind distinguishes the two magic numbers a marker can refer to.
type MarkerKind int

const (
	BlockMarker MarkerKind = iota
	EOSMarker
)

func (k MarkerKind) String() string {
	switch k {
	case BlockMarker:
		return "block"
	case EOSMarker:
		return "eos"
	}
	return fmt.Sprintf("invalid(%d)", int(k))
}

// Marker is a verified occurrence of one of the two magic numbers. Bit is
// the offset of the magic's first bit: bit i is the (7 - i%8)-th bit,
// MSB-first, of byte i/8.
type Marker struct {
	Bit  uint64
	Kind MarkerKind
}

func (m Marker) String() string {
	return fmt.Sprintf("%v@%v", m.Kind, m.Bit)
}

// ChunkResult carries the markers found in one chunk of the input. Markers
// are in ascending bit order within a chunk; ordering across chunks is
// restored by the consumer using the chunk index.
type ChunkResult struct {
	Chunk   int
	Markers []Marker
}

// The input is matched against 16 four-byte search keys: each magic number
// at each of the 8 possible bit alignments. The keys and the automaton are
// built once per process.
type patternInfo struct {
	magic uint64
	kind  MarkerKind
	shift uint
}

var (
	magicMatcher  ahocorasick.AhoCorasick
	magicPatterns []patternInfo
)

func init() {
	keys := make([]string, 0, 16)
	for _, m := range []struct {
		magic uint64
		kind  MarkerKind
	}{
		{BlockMagic, BlockMarker},
		{EOSMagic, EOSMarker},
	} {
		for shift := uint(0); shift < 8; shift++ {
			key := bitstream.SearchKey(m.magic, shift)
			keys = append(keys, string(key[:]))
			magicPatterns = append(magicPatterns, patternInfo{m.magic, m.kind, shift})
		}
	}
	builder := ahocorasick.NewAhoCorasickBuilder(ahocorasick.Opts{
		MatchKind: ahocorasick.StandardMatch,
		DFA:       true,
	})
	magicMatcher = builder.Build(keys)
}

type scannerOpts struct {
	chunkSize   int
	concurrency int
}

// ScannerOption represents an option to NewScanner.
type ScannerOption func(*scannerOpts)

// ScanChunkSize sets the size, in bytes, of the tiles the input is split
// into for parallel scanning. The default of 1 MiB keeps each tile within
// cache while amortizing per-tile overhead.
func ScanChunkSize(n int) ScannerOption {
	return func(o *scannerOpts) {
		o.chunkSize = n
	}
}

// ScanConcurrency sets the number of goroutines used to scan chunks.
func ScanConcurrency(n int) ScannerOption {
	return func(o *scannerOpts) {
		o.concurrency = n
	}
}

// scanOverlap is the number of bytes a chunk's scan region extends past its
// end so that a search key straddling a chunk boundary is seen by one of
// the two adjacent chunks.
const scanOverlap = 8

// Scanner locates block and end-of-stream magic numbers at arbitrary bit
// offsets in a bzip2 byte stream. The input is tiled into chunks that are
// scanned concurrently; every candidate reported by the multi-pattern
// search is confirmed by re-reading 48 bits from the input before it is
// emitted.
type Scanner struct {
	chunkSize   int
	concurrency int
}

// NewScanner returns a new instance of Scanner.
func NewScanner(opts ...ScannerOption) *Scanner {
	o := scannerOpts{
		chunkSize:   1 << 20,
		concurrency: runtime.GOMAXPROCS(-1),
	}
	for _, fn := range opts {
		fn(&o)
	}
	if o.chunkSize <= 0 {
		o.chunkSize = 1 << 20
	}
	if o.concurrency <= 0 {
		o.concurrency = runtime.GOMAXPROCS(-1)
	}
	return &Scanner{
		chunkSize:   o.chunkSize,
		concurrency: o.concurrency,
	}
}

// Scan posts a ChunkResult to sink for every chunk of data, covering every
// marker in data, and closes sink when scanning completes. Marker bit
// positions have baseBit added to them. No ordering is promised across
// chunk results; within a chunk result markers are ascending.
//
// Scan runs the per-chunk matches on its own pool of goroutines, sized by
// ScanConcurrency. It must never share a pool with the downstream block
// workers: the workers block sending completed blocks while the scanner's
// chunks would be queued behind them, and with a shared pool every thread
// ends up executing a worker task waiting on a channel only the scanner can
// fill.
func (sc *Scanner) Scan(ctx context.Context, data []byte, baseBit uint64, sink chan<- ChunkResult) error {
	defer close(sink)
	numChunks := (len(data) + sc.chunkSize - 1) / sc.chunkSize
	if numChunks == 0 {
		return nil
	}
	idxCh := make(chan int, sc.concurrency)
	var wg sync.WaitGroup
	wg.Add(sc.concurrency)
	for i := 0; i < sc.concurrency; i++ {
		go func() {
			defer wg.Done()
			for chunk := range idxCh {
				result := sc.scanChunk(data, baseBit, chunk)
				select {
				case sink <- result:
				case <-ctx.Done():
					return
				}
			}
		}()
	}
	for i := 0; i < numChunks; i++ {
		select {
		case idxCh <- i:
		case <-ctx.Done():
			close(idxCh)
			wg.Wait()
			return ctx.Err()
		}
	}
	close(idxCh)
	wg.Wait()
	return ctx.Err()
}

func (sc *Scanner) scanChunk(data []byte, baseBit uint64, chunk int) ChunkResult {
	start := chunk * sc.chunkSize
	end := start + sc.chunkSize
	if end > len(data) {
		end = len(data)
	}
	scanEnd := end + scanOverlap
	if scanEnd > len(data) {
		scanEnd = len(data)
	}
	var markers []Marker
	iter := magicMatcher.IterOverlapping(byteString(data[start:scanEnd]))
	for m := iter.Next(); m != nil; m = iter.Next() {
		p := m.Start()
		if p == 0 {
			// The candidate starts in the byte before the match, which
			// belongs to the preceding chunk.
			continue
		}
		rel := p - 1
		if rel >= end-start {
			// The candidate lies in the overlap region and will be
			// emitted by the next chunk.
			continue
		}
		info := magicPatterns[m.Pattern()]
		bit := uint64(start+rel)*8 + uint64(info.shift)
		if bitstream.VerifyMagic(data, bit, info.magic) {
			markers = append(markers, Marker{Bit: baseBit + bit, Kind: info.kind})
		}
	}
	return ChunkResult{Chunk: chunk, Markers: markers}
}

// byteString reinterprets b as a string without copying; the matcher only
// takes strings and copying every chunk would dominate the scan cost.
func byteString(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return unsafe.String(&b[0], len(b))
}
