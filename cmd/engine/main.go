package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"streamtable/internal/engine"
	"streamtable/internal/logging"
	"streamtable/internal/transport"
)

func main() {
	logging.InitFromEnv()
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cfg := engine.Config{}
	cmd := &cobra.Command{
		Use:          "streamtable",
		Short:        "Stream Kafka topics through views into sinks.",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&cfg.PipelineYml, "pipeline", "pipeline.yml", "pipeline definition file")

	cmd.AddCommand(
		runCmd(&cfg),
		readCmd(&cfg),
		writeCmd(&cfg),
		healthCmd(),
	)
	return cmd
}

// Stream until SIGINT or SIGTERM.
func runCmd(cfg *engine.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the table and stream into its views.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			e, err := engine.Bootstrap(ctx, *cfg)
			if err != nil {
				return fmt.Errorf("bootstrap: %w", err)
			}
			return e.Run(ctx)
		},
	}
	cmd.Flags().IntVar(&cfg.GRPCPort, "grpc-port", 7070, "health service port")
	cmd.Flags().IntVar(&cfg.MetricsPort, "metrics-port", 9100, "prometheus metrics port")
	cmd.Flags().IntVar(&cfg.SchedulePoolSize, "schedule-pool-size", 0, "background workers (0 uses the pipeline file)")
	cmd.Flags().DurationVar(&cfg.HealthInterval, "health-interval", engine.DefaultHealthInterval, "health status refresh period")
	return cmd
}

// Read a few records directly, committing them, and print them as JSON lines.
func readCmd(cfg *engine.Config) *cobra.Command {
	var (
		max     int
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "read",
		Short: "Read records from the table without its views.",
		RunE: func(cmd *cobra.Command, args []string) error {
			recs, err := engine.ReadOnce(cmd.Context(), *cfg, max, timeout)
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, r := range recs {
				row := map[string]any{
					"topic":     r.Topic,
					"partition": r.Partition,
					"offset":    r.Offset,
					"key":       string(r.Key),
					"value":     string(r.Value),
				}
				if eerr := enc.Encode(row); eerr != nil {
					return eerr
				}
			}
			return err
		},
	}
	cmd.Flags().IntVar(&max, "max", 10, "maximum number of records")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "how long to wait for a free reader")
	return cmd
}

// Produce JSON objects read from stdin, one per line, to the table's topic.
// The first object fixes the columns.
func writeCmd(cfg *engine.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "write",
		Short: "Write JSON lines from stdin to the table's topic.",
		RunE: func(cmd *cobra.Command, args []string) error {
			columns, rows, err := readRows(cmd.InOrStdin())
			if err != nil {
				return err
			}
			if len(rows) == 0 {
				return nil
			}
			return engine.WriteOnce(cmd.Context(), *cfg, columns, rows)
		},
	}
}

func readRows(in io.Reader) ([]string, [][]any, error) {
	var (
		columns []string
		rows    [][]any
	)
	dec := json.NewDecoder(in)
	for {
		var obj map[string]any
		if err := dec.Decode(&obj); err != nil {
			if errors.Is(err, io.EOF) {
				return columns, rows, nil
			}
			return nil, nil, fmt.Errorf("row %d: %w", len(rows)+1, err)
		}
		if columns == nil {
			for c := range obj {
				columns = append(columns, c)
			}
			sort.Strings(columns)
		}
		row := make([]any, len(columns))
		for i, c := range columns {
			row[i] = obj[c]
		}
		rows = append(rows, row)
	}
}

func healthCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "health [table]",
		Short: "Query the health service of a running engine.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			service := ""
			if len(args) == 1 {
				service = args[0]
			}
			c, err := transport.Dial(addr)
			if err != nil {
				return err
			}
			defer c.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()
			st, err := c.Check(ctx, service)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), st.String())
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "localhost:7070", "engine health service address")
	return cmd
}
