package cmd

import (
	"errors"
	"fmt"
	"io"

	"github.com/go-kit/log/level"
	"github.com/parquet-go/parquet-go"
	"github.com/spf13/cobra"

	"github.com/pithecene-io/readcache/internal/codec"
	rcparquet "github.com/pithecene-io/readcache/readcache/parquet"
)

// rowBatchSize is the number of rows decoded per ReadRows call.
const rowBatchSize = 256

func (a *app) newParquetCmd() *cobra.Command {
	var (
		columns    []string
		printStats bool
	)

	cmd := &cobra.Command{
		Use:   "parquet SOURCE",
		Short: "Scan a Parquet file with its column chunks prefetched",
		Long: `Open a local or s3://bucket/key Parquet file through the cache, prefetch
the column chunks of the selected columns (all columns by default) and read
every row. Column chunks not selected are read directly from the source.`,
		Example: `  readcache parquet s3://bucket/events.parquet -c user.id -c ts --report`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			source := args[0]

			stream, size, err := a.openSource(ctx, source)
			if err != nil {
				return err
			}
			cache, err := a.newCache(ctx, stream)
			if err != nil {
				return err
			}

			file, err := rcparquet.OpenFile(ctx, cache, size)
			if err != nil {
				return err
			}
			if err := rcparquet.Prefetch(cache, file, columns...); err != nil {
				return err
			}

			rows, err := countRows(file)
			if err != nil {
				return err
			}

			stats := cache.Stats()
			_ = level.Info(a.logger).Log(
				"msg", "scan complete",
				"source", source,
				"rows", rows,
				"row_groups", len(file.RowGroups()),
				"merged", stats.MergedRanges,
				"pass_through", stats.PassThroughReads,
			)
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "rows: %d\n", rows)

			if printStats {
				r := newReport(source, size, cache)
				r.Rows = rows
				return codec.WriteJSON(cmd.ErrOrStderr(), r)
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringSliceVarP(&columns, "column", "c", nil, "dotted column path to prefetch (repeatable)")
	flags.BoolVar(&printStats, "report", false, "print a JSON cache report to stderr")

	return cmd
}

// countRows decodes every row of file.
func countRows(file *parquet.File) (int64, error) {
	reader := parquet.NewReader(file)
	defer func() { _ = reader.Close() }()

	rows := make([]parquet.Row, rowBatchSize)
	var total int64
	for {
		n, err := reader.ReadRows(rows)
		total += int64(n)
		if errors.Is(err, io.EOF) {
			return total, nil
		}
		if err != nil {
			return total, fmt.Errorf("reading rows: %w", err)
		}
	}
}
