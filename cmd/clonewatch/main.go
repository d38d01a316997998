// Command clonewatch submits a clone job and follows its status channel until
// the job completes or fails.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"cloner/internal/channel"
	"cloner/internal/domain"
	"cloner/internal/infra"
	"cloner/internal/submitter"
	"cloner/internal/tracker"
)

func main() {
	_ = godotenv.Load()
	os.Exit(run())
}

func run() int {
	var (
		apiFlag   string
		keepFlag  bool
		quietFlag bool
	)
	flag.StringVar(&apiFlag, "api", "", "clone API base URL (overrides CLONE_API_URL)")
	flag.BoolVar(&keepFlag, "keep-channel", false, "keep the status channel open after the job finishes")
	flag.BoolVar(&quietFlag, "quiet", false, "only print the result URL")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] <url>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		return 2
	}
	target := strings.TrimSpace(flag.Arg(0))

	cfg, err := infra.LoadConfig()
	if err != nil {
		return exitWithError(err)
	}
	if apiFlag != "" {
		if err := cfg.OverrideCloneAPI(apiFlag); err != nil {
			return exitWithError(fmt.Errorf("-api: %w", err))
		}
	}
	logger := infra.NewCLILogger(cfg.AppEnv)

	locator := tracker.EventLocator
	if cfg.ResultURLMode == infra.ResultURLDerived {
		locator = tracker.DerivedLocator(cfg.CloneAPIURL)
	}

	session := tracker.NewSession(tracker.Options{
		Submitter: submitter.NewClient(submitter.Options{
			BaseURL: cfg.CloneAPIURL,
			Timeout: cfg.SubmitTimeout,
			Logger:  &logger,
		}),
		Dialer:                   channel.NewWebSocketDialer(cfg.CloneWSURL, cfg.ChannelPingInterval),
		Locator:                  locator,
		Policy:                   tracker.ChannelErrorPolicy{Grace: cfg.ChannelErrorGrace},
		KeepChannelAfterTerminal: keepFlag,
		Logger:                   &logger,
	})
	defer session.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := session.Submit(ctx, target); err != nil {
		var subErr *domain.SubmissionError
		if errors.As(err, &subErr) {
			return exitWithError(subErr)
		}
		return exitWithError(fmt.Errorf("watch status: %w", err))
	}

	return follow(ctx, session, quietFlag)
}

// follow prints every change of the session until the job settles.
func follow(ctx context.Context, session *tracker.Session, quiet bool) int {
	title := cases.Title(language.English)
	var last tracker.Snapshot
	for {
		snap, changed := session.Watch()
		if !quiet && snap != last {
			printSnapshot(title, last, snap)
		}
		last = snap

		switch snap.Job.Phase {
		case domain.PhaseCompleted:
			fmt.Println(snap.Job.ResultURL)
			return 0
		case domain.PhaseFailed:
			fmt.Fprintf(os.Stderr, "clone failed: %s\n", snap.Error)
			return 1
		}

		select {
		case <-ctx.Done():
			fmt.Fprintln(os.Stderr, "interrupted")
			return 130
		case <-changed:
		}
	}
}

func printSnapshot(title cases.Caser, prev, snap tracker.Snapshot) {
	if snap.Connection != prev.Connection {
		fmt.Fprintf(os.Stderr, "channel: %s\n", snap.Connection)
	}
	job := snap.Job
	if job.Phase == prev.Job.Phase && job.Message == prev.Job.Message {
		return
	}
	line := title.String(string(job.Phase))
	if job.Message != "" {
		line += ": " + job.Message
	}
	fmt.Fprintln(os.Stderr, line)
}

func exitWithError(err error) int {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	return 1
}
