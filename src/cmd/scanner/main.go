// scanner is the door device agent. Scans taken while the venue network is
// down are kept in a local store and replayed to the API in order once it
// is reachable again.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"maguey/src/lib"
	"maguey/src/offline"
	"maguey/src/types"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"
)

type options struct {
	server   string
	token    string
	device   string
	operator string
	store    string
	interval time.Duration
	timeout  time.Duration
	keep     time.Duration
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var opts options
	flagSet := pflag.NewFlagSet("scanner", pflag.ContinueOnError)
	flagSet.StringVar(&opts.server, "server", envOr("SCANNER_SERVER", "http://localhost:8080"), "API base url")
	flagSet.StringVar(&opts.token, "token", os.Getenv("SCANNER_TOKEN"), "bearer token of the device")
	flagSet.StringVar(&opts.device, "device", os.Getenv("SCANNER_DEVICE"), "device id")
	flagSet.StringVar(&opts.operator, "operator", os.Getenv("SCANNER_OPERATOR"), "operator recorded on offline scans")
	flagSet.StringVar(&opts.store, "store", "scanner.db", "path of the local queue")
	flagSet.DurationVar(&opts.interval, "interval", 10*time.Second, "drain interval in watch mode")
	flagSet.DurationVar(&opts.timeout, "timeout", 5*time.Second, "per request timeout")
	flagSet.DurationVar(&opts.keep, "keep", 7*24*time.Hour, "how long synced entries are kept")
	flagSet.Usage = func() { usage(flagSet) }

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	rest := flagSet.Args()
	if len(rest) == 0 {
		usage(flagSet)
		return errors.New("missing command")
	}
	if opts.device == "" {
		return errors.New("--device is required")
	}

	q, err := offline.Open(opts.store, opts.device)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch rest[0] {
	case "record":
		if len(rest) < 2 {
			return errors.New("usage: scanner record <token>")
		}
		seq, err := q.Record(ctx, rest[1], opts.operator, time.Now())
		if err != nil {
			return err
		}
		fmt.Printf("queued %s as #%d\n", rest[1], seq)
		return nil
	case "scan":
		// queued first so a live scan never overtakes older offline ones
		if len(rest) < 2 {
			return errors.New("usage: scanner scan <token>")
		}
		seq, err := q.Record(ctx, rest[1], opts.operator, time.Now())
		if err != nil {
			return err
		}
		if err := drain(ctx, q, opts); err != nil {
			return err
		}
		e, err := q.Get(ctx, seq)
		if err != nil {
			return err
		}
		if e.SyncStatus != types.SYNC_SYNCED {
			fmt.Printf("offline: #%d queued for replay\n", seq)
			return nil
		}
		fmt.Printf("%s %s\n", e.Outcome, e.Reason)
		return nil
	case "show":
		if len(rest) < 2 {
			return errors.New("usage: scanner show <seq>")
		}
		seq, err := strconv.ParseInt(rest[1], 10, 64)
		if err != nil {
			return err
		}
		e, err := q.Get(ctx, seq)
		if err != nil {
			return err
		}
		fmt.Printf("#%d %s %s status=%s outcome=%s reason=%s attempts=%d\n", e.LocalSeq, e.Token, e.LocalTimestamp.Format(time.RFC3339), e.SyncStatus, e.Outcome, e.Reason, e.Attempts)
		return nil
	case "pending":
		return printPending(ctx, q)
	case "drain":
		return drain(ctx, q, opts)
	case "watch":
		return watch(ctx, q, opts)
	default:
		usage(flagSet)
		return fmt.Errorf("unknown command %q", rest[0])
	}
}

func drain(ctx context.Context, q *offline.Queue, opts options) error {
	r := offline.NewHTTPReplayer(opts.server, opts.token, opts.timeout)
	report, err := q.Drain(ctx, r)
	if err != nil {
		return err
	}
	msg := fmt.Sprintf("synced=%d failed=%d remaining=%d", report.Synced, report.Failed, report.Remaining)
	if report.RetryAt != nil {
		msg += " retry_at=" + report.RetryAt.Format(time.RFC3339)
	}
	log.Printf("[scanner] %s\n", msg)
	return nil
}

// watch drains on a fixed interval until interrupted and prunes synced
// entries older than --keep.
func watch(ctx context.Context, q *offline.Queue, opts options) error {
	sched, err := lib.GetScheduler()
	if err != nil {
		return err
	}
	if _, err := lib.CreateCronJob("drain", opts.interval, func(jobCtx context.Context) {
		if err := drain(jobCtx, q, opts); err != nil {
			log.Printf("[scanner] drain: %s\n", err.Error())
		}
		if n, err := q.Prune(jobCtx, time.Now().Add(-opts.keep)); err != nil {
			log.Printf("[scanner] prune: %s\n", err.Error())
		} else if n > 0 {
			log.Printf("[scanner] pruned %d entries\n", n)
		}
	}); err != nil {
		return err
	}
	sched.Start()
	<-ctx.Done()
	return sched.Shutdown()
}

func printPending(ctx context.Context, q *offline.Queue) error {
	entries, err := q.Pending(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SEQ\tTOKEN\tSCANNED\tATTEMPTS\tLAST ERROR")
	for _, e := range entries {
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\n", e.LocalSeq, e.Token, e.LocalTimestamp.Format(time.RFC3339), e.Attempts, e.LastError)
	}
	return w.Flush()
}

func usage(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, "Usage: scanner [flags] <scan TOKEN|record TOKEN|show SEQ|pending|drain|watch>\n\n")
	flagSet.PrintDefaults()
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
