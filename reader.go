// Copyright 2024 the bz2zstd authors. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package bz2zstd

import (
	"context"
	"io"
)

type readerOpts struct {
	trOpts []TranscoderOption
}

// ReaderOption represents an option to NewReader.
type ReaderOption func(*readerOpts)

// TranscoderOptions passes TranscoderOptions to the pipeline underlying
// NewReader. The zstd level is ignored there since the reader never
// recompresses.
func TranscoderOptions(opts ...TranscoderOption) ReaderOption {
	return func(o *readerOpts) {
		o.trOpts = append(o.trOpts, opts...)
	}
}

// NewReader returns an io.Reader that yields the decompressed bytes of the
// bzip2 stream in data, in stream order. It runs the same concurrent
// pipeline as Transcode with the recompression stage omitted; data must
// remain valid until the reader is exhausted. The pipeline's first error
// is returned by Read after the preceding blocks have been consumed.
func NewReader(ctx context.Context, data []byte, opts ...ReaderOption) io.Reader {
	o := &readerOpts{}
	for _, fn := range opts {
		fn(o)
	}
	prd, pwr := io.Pipe()
	go func() {
		// CloseWithError(nil) closes the pipe with a plain EOF.
		pwr.CloseWithError(run(ctx, data, pwr, false, o.trOpts))
	}()
	return prd
}
