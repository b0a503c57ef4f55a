package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/vehiclesignals/vss-go/pkg/client"
	"github.com/vehiclesignals/vss-go/pkg/subscription"
	"github.com/vehiclesignals/vss-go/pkg/wire"
)

func formatDatapoint(dp wire.Datapoint) string {
	if dp.Timestamp.IsZero() {
		return fmt.Sprintf("%s = %s", dp.Path, dp.Value)
	}
	return fmt.Sprintf("%s = %s  (%s)", dp.Path, dp.Value, dp.Timestamp.Format(time.RFC3339Nano))
}

func newGetCommand(o *options) *cobra.Command {
	var target bool
	cmd := &cobra.Command{
		Use:   "get <path>...",
		Short: "Read signal values",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withSession(cmd, func(ctx context.Context, s *session, out io.Writer) error {
				return runGet(ctx, s.client, out, args, target)
			})
		},
	}
	cmd.Flags().BoolVar(&target, "target", false, "read actuator target values")
	return cmd
}

func runGet(ctx context.Context, c *client.Client, out io.Writer, paths []string, target bool) error {
	get := c.GetValues
	if target {
		get = c.GetTargetValues
	}
	values, err := get(ctx, paths...)
	if err != nil {
		return err
	}
	for _, p := range paths {
		fmt.Fprintln(out, formatDatapoint(values[p]))
	}
	return nil
}

func newSetCommand(o *options) *cobra.Command {
	var (
		target   bool
		typeName string
	)
	cmd := &cobra.Command{
		Use:   "set <path> <value> [<path> <value>]...",
		Short: "Write signal values",
		Long: `Write one or more signal values in a single all-or-nothing request.

Without --type the data type is taken from the current value of each
signal. Arrays are written as comma-separated lists.`,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 || len(args)%2 != 0 {
				return errors.New("expected path and value pairs")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withSession(cmd, func(ctx context.Context, s *session, out io.Writer) error {
				values, err := parseAssignments(ctx, s.client, args, typeName, target)
				if err != nil {
					return err
				}
				if target {
					err = s.client.SetTargetValues(ctx, values)
				} else {
					err = s.client.SetValues(ctx, values)
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "set %d value(s)\n", len(values))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&target, "target", false, "write actuator target values")
	cmd.Flags().StringVarP(&typeName, "type", "t", "", "data type of all values (bool, int32, double, string[], ...)")
	return cmd
}

// parseAssignments turns path/value pairs into typed values. Unknown
// types are looked up from the broker.
func parseAssignments(ctx context.Context, c *client.Client, args []string, typeName string, target bool) (map[string]wire.Value, error) {
	types := make(map[string]wire.DataType)
	if typeName != "" {
		t, err := wire.ParseDataType(typeName)
		if err != nil {
			return nil, err
		}
		for i := 0; i < len(args); i += 2 {
			types[args[i]] = t
		}
	} else {
		var paths []string
		for i := 0; i < len(args); i += 2 {
			paths = append(paths, args[i])
		}
		get := c.GetValues
		if target {
			get = c.GetTargetValues
		}
		current, err := get(ctx, paths...)
		if err != nil {
			return nil, fmt.Errorf("look up types: %w", err)
		}
		for _, p := range paths {
			t := current[p].Value.Type()
			if t == wire.TypeUnspecified {
				return nil, fmt.Errorf("%s has no value yet, use --type", p)
			}
			types[p] = t
		}
	}

	values := make(map[string]wire.Value, len(args)/2)
	for i := 0; i < len(args); i += 2 {
		v, err := wire.ParseValue(types[args[i]], args[i+1])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", args[i], err)
		}
		values[args[i]] = v
	}
	return values, nil
}

func newSubscribeCommand(o *options) *cobra.Command {
	var (
		target bool
		count  int
	)
	cmd := &cobra.Command{
		Use:     "subscribe <pattern>...",
		Aliases: []string{"sub", "watch"},
		Short:   "Print updates for signals matching patterns",
		Long: `Subscribe to path patterns and print every update until interrupted.

A pattern is a dotted path where '*' matches one segment and '**' matches
any number of trailing segments, e.g. Vehicle.Cabin.Door.*.IsOpen or
Vehicle.**. Subscriptions are restored after reconnects.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withSession(cmd, func(ctx context.Context, s *session, out io.Writer) error {
				return runSubscribe(ctx, s, out, args, target, count)
			})
		},
	}
	cmd.Flags().BoolVar(&target, "target", false, "watch actuator target values")
	cmd.Flags().IntVarP(&count, "count", "n", 0, "exit after this many updates")
	return cmd
}

func runSubscribe(ctx context.Context, s *session, out io.Writer, patterns []string, target bool, count int) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu      sync.Mutex
		printed int
	)
	sink := subscription.Funcs{
		OnValue: func(dp wire.Datapoint) {
			mu.Lock()
			defer mu.Unlock()
			if count > 0 && printed >= count {
				return
			}
			fmt.Fprintln(out, formatDatapoint(dp))
			printed++
			if count > 0 && printed == count {
				cancel()
			}
		},
		OnStale: func(err error) {
			s.logger.Warn("subscription rejected", "error", err)
		},
		OnDisconnect: func(err error) {
			s.logger.Warn("subscription interrupted", "error", err)
		},
	}

	subscribe := s.client.Subscribe
	if target {
		subscribe = s.client.SubscribeTarget
	}
	for _, p := range patterns {
		if _, err := subscribe(p, sink); err != nil {
			return err
		}
	}
	if err := s.client.Connect(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	<-ctx.Done()
	return nil
}
