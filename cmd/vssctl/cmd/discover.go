package cmd

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vehiclesignals/vss-go/pkg/discovery"
)

// newBrowser is replaced in tests.
var newBrowser = func(cfg discovery.BrowserConfig) brokerFinder {
	return discovery.NewMDNSBrowser(cfg)
}

func newDiscoverCommand() *cobra.Command {
	var cfg discovery.BrowserConfig
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "List brokers advertised on the local network",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			services, err := newBrowser(cfg).FindAll(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(services) == 0 {
				fmt.Fprintln(out, "no brokers found")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "INSTANCE\tURL\tVERSION\tADDRESSES")
			for _, svc := range services {
				url := "-"
				if ep, err := svc.Endpoint(); err == nil {
					url = ep.String()
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", svc.Instance, url, svc.Version, strings.Join(svc.Addresses, ","))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().DurationVar(&cfg.Timeout, "wait", 3*time.Second, "how long to listen for answers")
	cmd.Flags().StringVar(&cfg.Interface, "interface", "", "network interface to browse on")
	cmd.Flags().BoolVar(&cfg.AnyVersion, "any-version", false, "include brokers with an incompatible protocol version")
	return cmd
}

type brokerFinder interface {
	FindAll(ctx context.Context) ([]*discovery.BrokerService, error)
}
