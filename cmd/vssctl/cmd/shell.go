package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/vehiclesignals/vss-go/pkg/connection"
	"github.com/vehiclesignals/vss-go/pkg/subscription"
	"github.com/vehiclesignals/vss-go/pkg/wire"
)

func newShellCommand(o *options) *cobra.Command {
	var history string
	cmd := &cobra.Command{
		Use:   "shell",
		Short: "Interactive broker session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withSession(cmd, func(ctx context.Context, s *session, out io.Writer) error {
				rl, err := readline.NewEx(&readline.Config{
					Prompt:          "vss> ",
					HistoryFile:     history,
					InterruptPrompt: "^C",
					EOFPrompt:       "exit",
					AutoComplete:    shellCompleter,
				})
				if err != nil {
					return fmt.Errorf("create readline: %w", err)
				}
				defer rl.Close()

				sh := newShell(s, rl.Stdout())
				s.client.OnStateChange(func(old, new connection.State) {
					fmt.Fprintf(rl.Stdout(), "[session %s -> %s]\n", old, new)
				})
				return sh.run(ctx, rl)
			})
		},
	}
	cmd.Flags().StringVar(&history, "history", "", "history file")
	return cmd
}

var shellCompleter = readline.NewPrefixCompleter(
	readline.PcItem("get"),
	readline.PcItem("target"),
	readline.PcItem("set"),
	readline.PcItem("actuate"),
	readline.PcItem("sub"),
	readline.PcItem("unsub"),
	readline.PcItem("subs"),
	readline.PcItem("retry"),
	readline.PcItem("stats"),
	readline.PcItem("help"),
	readline.PcItem("exit"),
)

// shell executes interactive commands against one session.
type shell struct {
	s   *session
	out io.Writer

	subs map[int]*subscription.Subscription
	next int
}

func newShell(s *session, out io.Writer) *shell {
	return &shell{s: s, out: out, subs: make(map[int]*subscription.Subscription)}
}

func (sh *shell) run(ctx context.Context, rl *readline.Instance) error {
	sh.printHelp()
	for {
		if ctx.Err() != nil {
			return nil
		}
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			continue
		}
		if err != nil {
			return nil
		}
		if quit := sh.exec(ctx, line); quit {
			return nil
		}
	}
}

// exec runs one line and reports whether the shell should exit.
func (sh *shell) exec(ctx context.Context, line string) bool {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return false
	}
	cmd, args := strings.ToLower(parts[0]), parts[1:]

	var err error
	switch cmd {
	case "help", "?":
		sh.printHelp()
	case "exit", "quit", "q":
		return true
	case "get", "g":
		err = sh.get(ctx, args, false)
	case "target":
		err = sh.get(ctx, args, true)
	case "set", "s":
		err = sh.set(ctx, args, false)
	case "actuate":
		err = sh.set(ctx, args, true)
	case "sub":
		err = sh.subscribe(args)
	case "unsub":
		err = sh.unsubscribe(args)
	case "subs":
		sh.list()
	case "retry":
		err = sh.s.client.Retry(ctx)
	case "stats":
		sh.stats()
	default:
		err = fmt.Errorf("unknown command %q, try help", cmd)
	}
	if err != nil {
		fmt.Fprintf(sh.out, "error: %v\n", err)
	}
	return false
}

func (sh *shell) printHelp() {
	fmt.Fprint(sh.out, `Commands:
  get <path>...                 read current values
  target <path>...              read actuator targets
  set <path> <value> [type]     write a current value
  actuate <path> <value> [type] write an actuator target
  sub <pattern>                 subscribe; updates are printed as they arrive
  unsub <n>                     cancel subscription n
  subs                          list subscriptions
  retry                         re-register rejected subscriptions
  stats                         session counters
  exit                          leave the shell
`)
}

func (sh *shell) get(ctx context.Context, args []string, target bool) error {
	if len(args) == 0 {
		return errors.New("usage: get <path>...")
	}
	return runGet(ctx, sh.s.client, sh.out, args, target)
}

func (sh *shell) set(ctx context.Context, args []string, target bool) error {
	if len(args) < 2 || len(args) > 3 {
		return errors.New("usage: set <path> <value> [type]")
	}
	typeName := ""
	if len(args) == 3 {
		typeName = args[2]
	}
	values, err := parseAssignments(ctx, sh.s.client, args[:2], typeName, target)
	if err != nil {
		return err
	}
	if target {
		return sh.s.client.SetTargetValues(ctx, values)
	}
	return sh.s.client.SetValues(ctx, values)
}

func (sh *shell) subscribe(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: sub <pattern>")
	}
	sh.next++
	n := sh.next
	sub, err := sh.s.client.Subscribe(args[0], subscription.Funcs{
		OnValue: func(dp wire.Datapoint) {
			fmt.Fprintf(sh.out, "[%d] %s\n", n, formatDatapoint(dp))
		},
		OnStale: func(err error) {
			fmt.Fprintf(sh.out, "[%d] rejected: %v\n", n, err)
		},
		OnDisconnect: func(err error) {
			fmt.Fprintf(sh.out, "[%d] disconnected: %v\n", n, err)
		},
	})
	if err != nil {
		return err
	}
	sh.subs[n] = sub
	fmt.Fprintf(sh.out, "subscription %d: %s\n", n, args[0])
	return nil
}

func (sh *shell) unsubscribe(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: unsub <n>")
	}
	n, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid subscription number %q", args[0])
	}
	sub, ok := sh.subs[n]
	if !ok {
		return fmt.Errorf("no subscription %d", n)
	}
	if err := sh.s.client.Unsubscribe(sub); err != nil {
		return err
	}
	delete(sh.subs, n)
	return nil
}

func (sh *shell) list() {
	ns := make([]int, 0, len(sh.subs))
	for n := range sh.subs {
		ns = append(ns, n)
	}
	sort.Ints(ns)
	for _, n := range ns {
		sub := sh.subs[n]
		fmt.Fprintf(sh.out, "  %d  %-40s %-8s delivered=%d suppressed=%d\n",
			n, sub.Pattern(), sub.Status(), sub.Delivered(), sub.Suppressed())
	}
}

func (sh *shell) stats() {
	st := sh.s.client.Stats()
	fmt.Fprintf(sh.out, "state=%s generation=%d reconnects=%d pending=%d\n",
		st.State, st.Generation, st.Reconnects, st.PendingRequests)
	for status, n := range st.Subscriptions {
		fmt.Fprintf(sh.out, "  %s: %d\n", status, n)
	}
}
