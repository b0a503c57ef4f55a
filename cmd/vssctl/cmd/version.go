package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/vehiclesignals/vss-go/pkg/discovery"
	"github.com/vehiclesignals/vss-go/pkg/version"
)

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print protocol version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "protocol: %s\n", version.Current)
			fmt.Fprintf(out, "alpn:     %s\n", strings.Join(version.SupportedALPNProtocols(), ", "))
			fmt.Fprintf(out, "mdns:     %s.%s\n", discovery.ServiceType, discovery.Domain)
		},
	}
}
