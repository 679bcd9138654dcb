// Command watch prints a live dismissal queue in the terminal, re-fetching
// whenever the server signals a change.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"dismissal/internal/dismissal"
	"dismissal/internal/reconcile"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		baseURL  string
		token    string
		homeroom string
		poll     time.Duration
		timeout  time.Duration
		verbose  bool
	)
	flagSet := pflag.NewFlagSet("watch", pflag.ContinueOnError)
	flagSet.StringVar(&baseURL, "url", "http://localhost:8081", "dismissal API base URL")
	flagSet.StringVar(&token, "token", os.Getenv("DISMISSAL_TOKEN"), "bearer token (default $DISMISSAL_TOKEN)")
	flagSet.StringVar(&homeroom, "homeroom", "", "only show one homeroom")
	flagSet.DurationVar(&poll, "poll", 30*time.Second, "re-fetch interval when no events arrive")
	flagSet.DurationVar(&timeout, "timeout", 10*time.Second, "timeout for each REST call")
	flagSet.BoolVarP(&verbose, "verbose", "v", false, "log stream reconnects")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if args := flagSet.Args(); len(args) > 0 {
		return fmt.Errorf("unexpected argument: %s", args[0])
	}
	if token == "" {
		return fmt.Errorf("--token or DISMISSAL_TOKEN is required")
	}

	level := slog.LevelError
	if verbose {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	r := reconcile.New(
		reconcile.NewClient(baseURL, token, timeout),
		reconcile.Config{HomeroomID: homeroom, Poll: poll},
		func(v reconcile.View) { render(os.Stdout, v) },
		logger,
	)
	if err := r.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

var statusOrder = []dismissal.Status{
	dismissal.StatusWaiting,
	dismissal.StatusCalled,
	dismissal.StatusReleased,
	dismissal.StatusHeld,
	dismissal.StatusDismissed,
}

func render(w io.Writer, v reconcile.View) {
	fmt.Fprintf(w, "\n%s  session %s (%s)  [%s]\n", v.FetchedAt.Format("15:04:05"), v.Session.Day, v.Session.Status, v.Cause)
	for _, s := range statusOrder {
		fmt.Fprintf(w, "%s=%d ", s, v.Stats.ByStatus[s])
	}
	fmt.Fprintf(w, "avg_wait=%.0fs longest=%.0fs\n", v.Stats.AverageWaitSec, v.Stats.LongestWaitSec)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, e := range v.Entries {
		zone := "-"
		if e.Zone != nil {
			zone = *e.Zone
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			e.Status, e.StudentName, e.HomeroomID, e.DisplayName, e.Method, zone)
	}
	tw.Flush()
}
