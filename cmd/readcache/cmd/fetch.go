package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/dustin/go-humanize"
	"github.com/go-kit/log/level"
	"github.com/spf13/cobra"

	"github.com/pithecene-io/readcache/internal/codec"
	"github.com/pithecene-io/readcache/internal/compress"
	"github.com/pithecene-io/readcache/readcache"
)

func (a *app) newFetchCmd() *cobra.Command {
	var (
		rangeArgs []string
		output     string
		compressor string
		indexPath  string
		printStats bool
	)

	cmd := &cobra.Command{
		Use:   "fetch SOURCE",
		Short: "Read byte ranges of a file or S3 object",
		Long: `Read byte ranges of a local file or s3://bucket/key object.

The ranges are coalesced and fetched concurrently, then written to the output
back to back in the order given. An optional JSONL index records where each
range landed in the (uncompressed) output, with an xxHash64 of its bytes.`,
		Example: `  readcache fetch data.orc -r 0:4KiB -r 1MiB:64KiB -o out.bin
  readcache fetch s3://bucket/data.orc -r 100:200 --compress zstd -o out.zst --index out.jsonl`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			source := args[0]

			ranges, err := parseRanges(rangeArgs)
			if err != nil {
				return err
			}
			comp, err := compress.ByName(compressor)
			if err != nil {
				return err
			}

			stream, size, err := a.openSource(ctx, source)
			if err != nil {
				return err
			}
			cache, err := a.newCache(ctx, stream)
			if err != nil {
				return err
			}
			if err := cache.Cache(ranges); err != nil {
				return err
			}
			if err := cache.WaitFor(ctx, ranges); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if output != "-" {
				f, err := os.Create(output)
				if err != nil {
					return err
				}
				defer func() { _ = f.Close() }()
				out = f
			}

			var index *codec.JSONLWriter
			if indexPath != "" {
				f, err := os.Create(indexPath)
				if err != nil {
					return err
				}
				defer func() { _ = f.Close() }()
				index = codec.NewJSONLWriter(f)
			}

			if err := writeRanges(ctx, cache, ranges, comp, out, index); err != nil {
				return err
			}

			stats := cache.Stats()
			_ = level.Info(a.logger).Log(
				"msg", "fetch complete",
				"source", source,
				"ranges", len(ranges),
				"merged", stats.MergedRanges,
				"fetched", humanize.IBytes(uint64(stats.BytesFetched)),
			)

			if printStats {
				return codec.WriteJSON(cmd.ErrOrStderr(), newReport(source, size, cache))
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringArrayVarP(&rangeArgs, "range", "r", nil, "range to read as OFFSET:LENGTH, sizes may use units (repeatable)")
	flags.StringVarP(&output, "output", "o", "-", "output file (- for stdout)")
	flags.StringVar(&compressor, "compress", "noop", "output compression: "+strings.Join(compress.Names, ", "))
	flags.StringVar(&indexPath, "index", "", "write a JSONL index of ranges to this file")
	flags.BoolVar(&printStats, "report", false, "print a JSON cache report to stderr")
	_ = cmd.MarkFlagRequired("range")

	return cmd
}

// writeRanges reads every range from cache, in order, into comp(out).
func writeRanges(ctx context.Context, cache *readcache.RangeCache, ranges []readcache.ReadRange, comp compress.Compressor, out io.Writer, index *codec.JSONLWriter) error {
	w, err := comp.Compress(out)
	if err != nil {
		return err
	}

	var written int64
	for _, r := range ranges {
		data, err := cache.Read(ctx, r)
		if err != nil {
			_ = w.Close()
			return err
		}
		if _, err := w.Write(data); err != nil {
			_ = w.Close()
			return err
		}
		if index != nil {
			rec := codec.IndexRecord{
				Offset:       r.Offset,
				Length:       r.Length,
				OutputOffset: written,
				XXHash:       xxhash.Sum64(data),
			}
			if err := index.Write(rec); err != nil {
				_ = w.Close()
				return err
			}
		}
		written += int64(len(data))
	}
	return w.Close()
}

// parseRanges parses OFFSET:LENGTH arguments.
func parseRanges(values []string) ([]readcache.ReadRange, error) {
	if len(values) == 0 {
		return nil, errors.New("at least one --range is required")
	}
	ranges := make([]readcache.ReadRange, 0, len(values))
	for _, value := range values {
		r, err := parseRange(value)
		if err != nil {
			return nil, err
		}
		ranges = append(ranges, r)
	}
	return ranges, nil
}

func parseRange(value string) (readcache.ReadRange, error) {
	off, length, ok := strings.Cut(value, ":")
	if !ok {
		return readcache.ReadRange{}, fmt.Errorf("range %q: want OFFSET:LENGTH", value)
	}
	o, err := humanize.ParseBytes(strings.TrimSpace(off))
	if err != nil {
		return readcache.ReadRange{}, fmt.Errorf("range %q: offset: %w", value, err)
	}
	l, err := humanize.ParseBytes(strings.TrimSpace(length))
	if err != nil {
		return readcache.ReadRange{}, fmt.Errorf("range %q: length: %w", value, err)
	}
	if o > math.MaxInt64 || l > math.MaxInt64-o {
		return readcache.ReadRange{}, fmt.Errorf("range %q: %w", value, readcache.ErrInvalidRange)
	}
	return readcache.ReadRange{Offset: int64(o), Length: int64(l)}, nil
}
