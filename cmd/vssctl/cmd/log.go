package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/vehiclesignals/vss-go/cmd/vssctl/logview"
)

func newLogCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Inspect protocol capture files written with --protocol-log",
	}

	var opts logview.FilterOptions
	addFilterFlags := func(c *cobra.Command) {
		f := c.Flags()
		f.StringVar(&opts.ConnID, "conn-id", "", "only this connection id")
		f.Uint64Var(&opts.Generation, "generation", 0, "only this connection generation")
		f.StringVar(&opts.Layer, "layer", "", "transport, wire or session")
		f.StringVar(&opts.Direction, "direction", "", "in or out")
		f.StringVar(&opts.Category, "category", "", "message, control, state or error")
		f.StringVar(&opts.TimeStart, "time-start", "", "events at or after this RFC3339 time")
		f.StringVar(&opts.TimeEnd, "time-end", "", "events before this RFC3339 time")
	}

	view := &cobra.Command{
		Use:   "view <file>",
		Short: "Print events in human-readable form",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := opts.Filter()
			if err != nil {
				return err
			}
			return logview.View(args[0], filter, cmd.OutOrStdout())
		},
	}
	addFilterFlags(view)

	var output string
	filter := &cobra.Command{
		Use:   "filter -o <out> <file>",
		Short: "Write matching events to a new capture file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := opts.Filter()
			if err != nil {
				return err
			}
			n, err := logview.Copy(args[0], output, f)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "filtered %d events to %s\n", n, output)
			return nil
		},
	}
	addFilterFlags(filter)
	filter.Flags().StringVarP(&output, "output", "o", "", "output capture file")
	_ = filter.MarkFlagRequired("output")

	var format, exportOut string
	export := &cobra.Command{
		Use:   "export <file>",
		Short: "Export events as JSON lines or CSV",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := opts.Filter()
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if exportOut != "" {
				file, err := os.Create(exportOut)
				if err != nil {
					return fmt.Errorf("create output file: %w", err)
				}
				defer file.Close()
				w = file
			}
			return logview.Export(args[0], format, f, w)
		},
	}
	addFilterFlags(export)
	export.Flags().StringVar(&format, "format", logview.FormatJSONL, "jsonl or csv")
	export.Flags().StringVarP(&exportOut, "output", "o", "", "output file (default stdout)")

	stats := &cobra.Command{
		Use:   "stats <file>",
		Short: "Summarize a capture file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return logview.RunStats(args[0], cmd.OutOrStdout())
		},
	}

	cmd.AddCommand(view, filter, export, stats)
	return cmd
}
