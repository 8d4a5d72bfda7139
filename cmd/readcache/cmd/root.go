// Package cmd implements the readcache command line.
package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pithecene-io/readcache/readcache"
)

// app carries state shared by every subcommand of one invocation.
type app struct {
	v        *viper.Viper
	logger   log.Logger
	registry *prometheus.Registry
	metrics  *readcache.Metrics
}

// NewRootCmd builds the readcache command tree.
//
// Persistent flags may also be set through READCACHE_* environment
// variables, e.g. READCACHE_HOLE_SIZE_LIMIT=16KiB.
func NewRootCmd() *cobra.Command {
	registry := prometheus.NewRegistry()
	a := &app{
		v:        viper.New(),
		logger:   log.NewNopLogger(),
		registry: registry,
		metrics:  readcache.NewMetrics(registry),
	}

	root := &cobra.Command{
		Use:          "readcache",
		Short:        "Read byte ranges through a coalescing read-ahead cache",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			a.logger = newLogger(cmd.ErrOrStderr(), a.v.GetBool("verbose"))
			return nil
		},
		PersistentPostRunE: func(_ *cobra.Command, _ []string) error {
			path := a.v.GetString("metrics-textfile")
			if path == "" {
				return nil
			}
			if err := prometheus.WriteToTextfile(path, a.registry); err != nil {
				return fmt.Errorf("writing metrics: %w", err)
			}
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.String("hole-size-limit", humanize.IBytes(uint64(readcache.DefaultHoleSizeLimit)), "largest gap bridged when merging ranges")
	flags.String("range-size-limit", humanize.IBytes(uint64(readcache.DefaultRangeSizeLimit)), "largest merged range")
	flags.Bool("lazy", false, "defer fetching until a range is first read")
	flags.Int64("max-concurrency", 0, "maximum concurrent fetches (0 for unlimited)")
	flags.BoolP("verbose", "V", false, "verbose output")
	flags.String("metrics-textfile", "", "write Prometheus metrics to this file on exit")
	flags.String("s3-region", "", "S3 region (default from the AWS config chain)")
	flags.String("s3-endpoint", "", "custom S3 endpoint for MinIO, LocalStack or R2")
	flags.Bool("s3-path-style", false, "use path-style S3 addressing")

	_ = a.v.BindPFlags(flags)
	a.v.SetEnvPrefix("readcache")
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()

	root.AddCommand(a.newFetchCmd(), a.newParquetCmd())
	root.CompletionOptions.HiddenDefaultCmd = true
	return root
}

func newLogger(w io.Writer, verbose bool) log.Logger {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(w))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)
	if verbose {
		return level.NewFilter(logger, level.AllowDebug())
	}
	return level.NewFilter(logger, level.AllowInfo())
}

// newCache builds a cache over stream from the persistent flags.
func (a *app) newCache(ctx context.Context, stream readcache.Stream) (*readcache.RangeCache, error) {
	hole, err := parseSize(a.v.GetString("hole-size-limit"))
	if err != nil {
		return nil, fmt.Errorf("--hole-size-limit: %w", err)
	}
	limit, err := parseSize(a.v.GetString("range-size-limit"))
	if err != nil {
		return nil, fmt.Errorf("--range-size-limit: %w", err)
	}

	opts := readcache.CacheOptions{
		HoleSizeLimit:  hole,
		RangeSizeLimit: limit,
		Lazy:           a.v.GetBool("lazy"),
	}
	options := []readcache.Option{
		readcache.WithContext(ctx),
		readcache.WithLogger(a.logger),
		readcache.WithMetrics(a.metrics),
	}
	if n := a.v.GetInt64("max-concurrency"); n > 0 {
		options = append(options, readcache.WithExecutor(readcache.NewBoundedExecutor(n)))
	}

	return readcache.New(stream, opts, options...)
}

// parseSize parses a byte size such as "8192", "8KiB" or "32 MB".
func parseSize(s string) (int64, error) {
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, err
	}
	if n > 1<<62 {
		return 0, fmt.Errorf("size %q too large", s)
	}
	return int64(n), nil
}

// report is the JSON summary printed with --report.
type report struct {
	Source       string                `json:"source"`
	Size         int64                 `json:"size"`
	Stats        readcache.Stats       `json:"stats"`
	MergedRanges []readcache.ReadRange `json:"physical_ranges"`
	BytesFetched string                `json:"bytes_fetched_human"`
	Rows         int64                 `json:"rows,omitempty"`
}

func newReport(source string, size int64, cache *readcache.RangeCache) report {
	stats := cache.Stats()
	return report{
		Source:       source,
		Size:         size,
		Stats:        stats,
		MergedRanges: cache.MergedRanges(),
		BytesFetched: humanize.IBytes(uint64(stats.BytesFetched)),
	}
}
