// Copyright 2024 the bz2zstd authors. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Command bz2zstd transcodes bzip2 files to zstd, decompressing and
// recompressing the bzip2 blocks in parallel. Output may be written to a
// local file or to s3.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"cloudeng.io/cmdutil"
	"cloudeng.io/errors"
	"github.com/aws/aws-sdk-go/aws/session"
	mmap "github.com/edsrzf/mmap-go"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/file/s3file"
	"github.com/schollz/progressbar/v2"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/ssh/terminal"

	"github.com/kassoulet/bz2zstd"
)

var flags struct {
	output        string
	zstdLevel     int
	jobs          int
	benchmarkScan bool
	verbose       bool
	progress      bool
}

var rootCmd = &cobra.Command{
	Use:   "bz2zstd [flags] <input>",
	Short: "transcode a bzip2 file to zstd, recompressing blocks in parallel",
	Long: `bz2zstd decompresses the blocks of a bzip2 file concurrently and writes
one zstd frame per block, in input order; the concatenation is a valid
zstd stream. The output path may be a local file or an s3 path.`,
	Args:          cobra.ExactArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return transcode(cmd.Context(), args[0])
	},
}

var catCmd = &cobra.Command{
	Use:   "cat <input>...",
	Short: "decompress bzip2 files to stdout",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return cat(cmd.Context(), args)
	},
}

func init() {
	rootCmd.Flags().StringVarP(&flags.output, "output", "o", "", "output path; defaults to the input path with .bz2 replaced by .zst")
	rootCmd.Flags().IntVarP(&flags.zstdLevel, "zstd-level", "z", bz2zstd.DefaultZstdLevel, "zstd compression level")
	rootCmd.Flags().BoolVar(&flags.benchmarkScan, "benchmark-scan", false, "run only the scanner, report the marker count and throughput")
	rootCmd.Flags().BoolVar(&flags.progress, "progress", true, "display a progress bar")
	rootCmd.PersistentFlags().IntVarP(&flags.jobs, "jobs", "j", runtime.GOMAXPROCS(-1), "number of block workers")
	rootCmd.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "verbose debug/trace information")
	rootCmd.AddCommand(catCmd)

	file.RegisterImplementation("s3", func() file.Implementation {
		return s3file.NewImplementation(
			s3file.NewDefaultProvider(session.Options{}), s3file.Options{})
	})
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cmdutil.HandleSignals(cancel, os.Interrupt)
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "bz2zstd: %v\n", err)
		os.Exit(1)
	}
}

// mapInput memory maps the input file read-only. A zero-length file cannot
// be mapped and is exposed as an empty slice.
func mapInput(path string) ([]byte, func() error, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open %v: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("stat %v: %w", path, err)
	}
	if info.Size() == 0 {
		return nil, f.Close, nil
	}
	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("mmap %v: %w", path, err)
	}
	closer := func() error {
		errs := &errors.M{}
		errs.Append(m.Unmap())
		errs.Append(f.Close())
		return errs.Err()
	}
	return m, closer, nil
}

func outputPath(input string) string {
	if len(flags.output) > 0 {
		return flags.output
	}
	if strings.HasSuffix(input, ".bz2") {
		return strings.TrimSuffix(input, ".bz2") + ".zst"
	}
	return input + ".zst"
}

func transcode(ctx context.Context, input string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	data, cleanup, err := mapInput(input)
	if err != nil {
		return err
	}
	defer cleanup()

	if flags.benchmarkScan {
		return benchmarkScan(ctx, data)
	}

	output := outputPath(input)
	out, err := file.Create(ctx, output)
	if err != nil {
		return fmt.Errorf("create %v: %w", output, err)
	}

	opts := []bz2zstd.TranscoderOption{
		bz2zstd.ZstdLevel(flags.zstdLevel),
		bz2zstd.Concurrency(flags.jobs),
		bz2zstd.Verbose(flags.verbose),
	}

	var (
		progressCh chan bz2zstd.Progress
		progressWg sync.WaitGroup
	)
	if flags.progress {
		progressCh = make(chan bz2zstd.Progress, flags.jobs)
		opts = append(opts, bz2zstd.SendUpdates(progressCh))
		progressWg.Add(1)
		go func() {
			defer progressWg.Done()
			progressBar(ctx, progressCh, int64(len(data)))
		}()
	}

	errs := &errors.M{}
	errs.Append(bz2zstd.Transcode(ctx, data, out.Writer(ctx), opts...))
	errs.Append(out.Close(ctx))
	if progressCh != nil {
		close(progressCh)
		progressWg.Wait()
	}
	return errs.Err()
}

func progressBar(ctx context.Context, ch <-chan bz2zstd.Progress, size int64) {
	wr := os.Stdout
	if !terminal.IsTerminal(int(os.Stdout.Fd())) {
		wr = os.Stderr
	}
	bar := progressbar.NewOptions64(size,
		progressbar.OptionSetBytes64(size),
		progressbar.OptionSetWriter(wr),
		progressbar.OptionSetPredictTime(true))
	bar.RenderBlank()
	for {
		select {
		case p, ok := <-ch:
			if !ok {
				fmt.Fprintln(wr)
				return
			}
			bar.Add(p.Compressed)
		case <-ctx.Done():
			return
		}
	}
}

func benchmarkScan(ctx context.Context, data []byte) error {
	start := time.Now()
	sc := bz2zstd.NewScanner(bz2zstd.ScanConcurrency(flags.jobs))
	ch := make(chan bz2zstd.ChunkResult, 4)
	var (
		wg      sync.WaitGroup
		scanErr error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		scanErr = sc.Scan(ctx, data, 0, ch)
	}()
	markers := 0
	for result := range ch {
		markers += len(result.Markers)
	}
	wg.Wait()
	if scanErr != nil {
		return scanErr
	}
	elapsed := time.Since(start)
	mb := float64(len(data)) / (1 << 20)
	fmt.Printf("scanned %v markers in %v\n", markers, elapsed)
	fmt.Printf("throughput: %.2f MB/s\n", mb/elapsed.Seconds())
	return nil
}

func cat(ctx context.Context, inputs []string) error {
	for _, input := range inputs {
		data, cleanup, err := mapInput(input)
		if err != nil {
			return err
		}
		rd := bz2zstd.NewReader(ctx, data,
			bz2zstd.TranscoderOptions(
				bz2zstd.Concurrency(flags.jobs),
				bz2zstd.Verbose(flags.verbose)))
		errs := &errors.M{}
		_, err = io.Copy(os.Stdout, rd)
		errs.Append(err)
		errs.Append(cleanup())
		if err := errs.Err(); err != nil {
			return err
		}
	}
	return nil
}
