// Copyright 2024 the bz2zstd authors. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package bz2zstd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"runtime"
	"sync"
	"time"

	dbzip2 "github.com/dsnet/compress/bzip2"
	"github.com/klauspost/compress/zstd"

	"github.com/kassoulet/bz2zstd/internal/bitstream"
)

// DefaultZstdLevel is the zstd compression level used when none is
// configured.
const DefaultZstdLevel = 3

// Queue bounds enforce backpressure and memory ceilings: the scanner must
// not race ahead of the stitcher, while the block-range queue is deep
// enough to keep the worker pool saturated without unbounded buffering.
// Completed blocks are buffered at twice the worker count to absorb
// out-of-order completions without stalling workers.
const (
	chunkResultBound = 4
	blockRangeBound  = 100
)

// streamHeader is the minimal bzip2 stream header prepended to each
// extracted block: 'BZ', 'h' for Huffman coding, and the largest allowed
// block size. Conforming decoders derive their buffer sizes from the
// declared size, so declaring the maximum is valid for blocks written at
// any level.
var streamHeader = []byte{'B', 'Z', 'h', '9'}

type transcoderOpts struct {
	zstdLevel   int
	concurrency int
	verbose     bool
	progressCh  chan<- Progress
	scanOpts    []ScannerOption
}

// TranscoderOption represents an option to Transcode.
type TranscoderOption func(*transcoderOpts)

// ZstdLevel sets the zstd compression level applied to each block.
func ZstdLevel(n int) TranscoderOption {
	return func(o *transcoderOpts) {
		o.zstdLevel = n
	}
}

// Concurrency sets the number of block workers, that is, the number of
// goroutines used for decompression and recompression.
func Concurrency(n int) TranscoderOption {
	return func(o *transcoderOpts) {
		o.concurrency = n
	}
}

// Verbose controls verbose logging for the transcoding pipeline.
func Verbose(v bool) TranscoderOption {
	return func(o *transcoderOpts) {
		o.verbose = v
	}
}

// SendUpdates sets the channel for sending progress updates over. The
// caller must drain the channel until Transcode returns.
func SendUpdates(ch chan<- Progress) TranscoderOption {
	return func(o *transcoderOpts) {
		o.progressCh = ch
	}
}

// ScannerOptions passes ScannerOptions to the underlying scanner.
func ScannerOptions(opts ...ScannerOption) TranscoderOption {
	return func(o *transcoderOpts) {
		o.scanOpts = append(o.scanOpts, opts...)
	}
}

// Progress is used to report the progress of transcoding. Each report
// pertains to a correctly ordered output event: Block numbers are strictly
// ascending, starting at 1.
type Progress struct {
	Duration   time.Duration
	Block      uint64
	Compressed int // compressed input bytes consumed by this block
	Frame      int // bytes written for this block
	Size       int // decompressed payload size
}

// Transcode reads the bzip2 stream in data and writes the concatenation,
// in input-block order, of one independent zstd frame per bzip2 block to
// w, which is a valid zstd stream. An input with no block magics produces
// no output and no error.
func Transcode(ctx context.Context, data []byte, w io.Writer, opts ...TranscoderOption) error {
	return run(ctx, data, w, true, opts)
}

type transcoder struct {
	opts   transcoderOpts
	cancel context.CancelFunc

	mu  sync.Mutex
	err error
}

// fail records the first error and tears the pipeline down; later errors
// are dropped.
func (t *transcoder) fail(err error) {
	t.mu.Lock()
	if t.err == nil && err != nil {
		t.err = err
	}
	t.mu.Unlock()
	t.cancel()
}

func (t *transcoder) firstErr() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *transcoder) trace(format string, args ...interface{}) {
	if t.opts.verbose {
		log.Printf(format, args...)
	}
}

func run(ctx context.Context, data []byte, w io.Writer, compress bool, opts []TranscoderOption) error {
	o := transcoderOpts{
		zstdLevel:   DefaultZstdLevel,
		concurrency: runtime.GOMAXPROCS(-1),
	}
	for _, fn := range opts {
		fn(&o)
	}
	if o.concurrency <= 0 {
		o.concurrency = runtime.GOMAXPROCS(-1)
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	t := &transcoder{opts: o, cancel: cancel}

	chunkCh := make(chan ChunkResult, chunkResultBound)
	rangeCh := make(chan BlockRange, blockRangeBound)
	doneCh := make(chan *blockTask, 2*o.concurrency)

	var pipeWg sync.WaitGroup
	pipeWg.Add(2)
	go func() {
		defer pipeWg.Done()
		// The scanner runs on its own pool of goroutines; see Scanner.Scan
		// for why it must never share a pool with the block workers.
		sc := NewScanner(o.scanOpts...)
		if err := sc.Scan(ctx, data, 0, chunkCh); err != nil {
			t.fail(err)
		}
	}()
	go func() {
		defer pipeWg.Done()
		stitchRanges(ctx, uint64(len(data))*8, chunkCh, rangeCh)
	}()

	var workWg sync.WaitGroup
	workWg.Add(o.concurrency)
	for i := 0; i < o.concurrency; i++ {
		go func() {
			defer workWg.Done()
			t.worker(ctx, data, compress, rangeCh, doneCh)
		}()
	}
	go func() {
		workWg.Wait()
		close(doneCh)
	}()

	// The reordering writer runs on the calling goroutine.
	if err := t.writeOrdered(doneCh, w); err != nil {
		t.fail(err)
	}
	pipeWg.Wait()
	workWg.Wait()
	return t.firstErr()
}

// blockTask carries one block through the worker pool.
type blockTask struct {
	index    int
	startBit uint64
	endBit   uint64

	err        error
	data       []byte
	size       int
	compressed int
	duration   time.Duration
}

func (task *blockTask) String() string {
	if task == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%v: @%v..%v bits, %v bytes", task.index, task.startBit, task.endBit, len(task.data))
}

func (t *transcoder) worker(ctx context.Context, data []byte, compress bool, in <-chan BlockRange, out chan<- *blockTask) {
	state, err := newWorkerState(t.opts.zstdLevel, compress)
	if err != nil {
		t.fail(err)
		return
	}
	defer state.close()
	for {
		select {
		case r, ok := <-in:
			if !ok {
				return
			}
			task := &blockTask{index: r.Index, startBit: r.StartBit, endBit: r.EndBit}
			t.trace("transcoding: %s", task)
			state.run(data, task)
			if task.err != nil {
				t.fail(task.err)
				return
			}
			t.trace("transcoded: %s, ch %v/%v", task, len(out), cap(out))
			select {
			case out <- task:
			case <-ctx.Done():
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// workerState holds the per-worker scratch buffers and codecs that are
// reused across blocks to avoid allocation churn: the synthesized
// sub-stream, the decompressed payload, a bzip2 decoder and a
// single-threaded zstd encoder. Letting zstd run its own goroutines would
// oversubscribe CPUs and defeat backpressure, so each encoder is pinned to
// a concurrency of one.
type workerState struct {
	substream []byte
	decomp    bytes.Buffer
	bzr       *dbzip2.Reader
	enc       *zstd.Encoder
}

func newWorkerState(zstdLevel int, compress bool) (*workerState, error) {
	bzr, err := dbzip2.NewReader(bytes.NewReader(nil), nil)
	if err != nil {
		return nil, fmt.Errorf("bzip2 decoder: %w", err)
	}
	state := &workerState{bzr: bzr}
	if compress {
		enc, err := zstd.NewWriter(nil,
			zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(zstdLevel)),
			zstd.WithEncoderConcurrency(1))
		if err != nil {
			return nil, fmt.Errorf("zstd encoder: %w", err)
		}
		state.enc = enc
	}
	return state, nil
}

func (ws *workerState) close() {
	if ws.enc != nil {
		ws.enc.Close()
	}
}

// run synthesizes an independently decodable bzip2 sub-stream for the
// block, decompresses it, and compresses the payload to a zstd frame (or,
// when the encoder is absent, hands the payload over as-is).
//
// Every sub-stream ends at the next marker, so the decoder runs out of
// bits where the following magic number would be; an unexpected EOF after
// a fully decoded block is the expected outcome, not an error. Any other
// decoder error is fatal: a block either decodes completely, with its CRC
// verified by the decoder, or the run aborts.
func (ws *workerState) run(data []byte, task *blockTask) {
	start := time.Now()
	ws.substream = append(ws.substream[:0], streamHeader...)
	ws.substream = bitstream.ExtractBits(ws.substream, data, task.startBit, task.endBit)
	ws.decomp.Reset()
	ws.bzr.Reset(bytes.NewReader(ws.substream))
	if _, err := ws.decomp.ReadFrom(ws.bzr); err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		task.err = fmt.Errorf("malformed block %v at bit %v: %w", task.index, task.startBit, err)
		return
	}
	task.size = ws.decomp.Len()
	if ws.enc != nil {
		task.data = ws.enc.EncodeAll(ws.decomp.Bytes(), nil)
	} else {
		task.data = append([]byte(nil), ws.decomp.Bytes()...)
	}
	task.compressed = len(ws.substream) - len(streamHeader)
	task.duration = time.Since(start)
}
