// Copyright 2024 the bz2zstd authors. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package bz2zstd

import (
	"container/heap"
	"fmt"
	"io"
)

// writeOrdered consumes completed blocks and writes them to w strictly in
// ascending block-index order, buffering out-of-order completions in a
// heap. It returns when the channel closes, flushing w if it supports it.
// Progress updates are emitted here so that they are seen in output order.
func (t *transcoder) writeOrdered(doneCh <-chan *blockTask, w io.Writer) error {
	h := &taskHeap{}
	heap.Init(h)
	next := 0
	for task := range doneCh {
		t.trace("assemble: %s", task)
		heap.Push(h, task)
		for h.Len() > 0 && (*h)[0].index == next {
			min := heap.Pop(h).(*blockTask)
			if _, err := w.Write(min.data); err != nil {
				return fmt.Errorf("write block %v: %w", min.index, err)
			}
			next++
			if t.opts.progressCh != nil {
				t.opts.progressCh <- Progress{
					Duration:   min.duration,
					Block:      uint64(min.index) + 1,
					Compressed: min.compressed,
					Frame:      len(min.data),
					Size:       min.size,
				}
			}
		}
	}
	if flusher, ok := w.(interface{ Flush() error }); ok {
		return flusher.Flush()
	}
	return nil
}

type taskHeap []*blockTask

func (h taskHeap) Len() int           { return len(h) }
func (h taskHeap) Less(i, j int) bool { return h[i].index < h[j].index }
func (h taskHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x interface{}) {
	// Push and Pop use pointer receivers because they modify the slice's
	// length, not just its contents.
	*h = append(*h, x.(*blockTask))
}

func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[0 : n-1]
	return x
}
