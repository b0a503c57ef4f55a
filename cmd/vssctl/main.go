// Command vssctl reads, writes and watches vehicle signals on a broker.
//
// Usage:
//
//	vssctl [--url grpc://host:55555] [--config client.yaml] <command>
//
// Commands:
//
//	get        read current (or --target) values
//	set        write values, e.g. vssctl set Vehicle.Speed 42.5
//	subscribe  print updates matching path patterns
//	shell      interactive session with history
//	discover   list brokers advertised via mDNS
//	log        view, filter, export and summarize protocol capture files
//	version    print protocol version information
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/vehiclesignals/vss-go/cmd/vssctl/cmd"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := cmd.NewRootCommand().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
