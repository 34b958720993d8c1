// Load runner for the browser call app.
//
// Launches virtual users through the configured arrival phases. Each user
// joins the call, checks the success alert and local video, holds, then
// leaves. Exits non-zero when any pass criterion fails.
//
// Usage:
//
//	go run ./cmd/loadcall
//	go run ./cmd/loadcall --base_url http://localhost:8080 --load.concurrency 4
//
// Credentials come from AGORA_APP_ID, AGORA_TOKEN and AGORA_CHANNEL (or a
// local .env file). Phases can be overridden in config.yaml under load.phases.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/thesyncim/callharness/internal/config"
	"github.com/thesyncim/callharness/internal/logging"
	"github.com/thesyncim/callharness/pkg/callharness/browser"
	"github.com/thesyncim/callharness/pkg/callharness/health"
	"github.com/thesyncim/callharness/pkg/callharness/load"
	"github.com/thesyncim/callharness/pkg/callharness/session"
	"github.com/thesyncim/callharness/pkg/callharness/snapshot"
	"github.com/thesyncim/callharness/pkg/callharness/ui"
)

func main() {
	fs := pflag.NewFlagSet("loadcall", pflag.ExitOnError)
	dir := fs.String("dir", ".", "project root holding .env, config.yaml, videos and reports")
	fs.String("base_url", "", "call app base URL")
	fs.String("log_level", "info", "log level")
	fs.String("ui.markup", "basic", "page markup preset (basic, grid)")
	fs.Bool("browser.headless", true, "run Chrome headless")
	fs.Int("load.concurrency", 10, "max simultaneous virtual users")
	fs.Duration("load.hold", 2*time.Second, "time each user stays in the call")
	_ = fs.Parse(os.Args[1:])

	cfg, err := config.Load(config.Options{Dir: *dir, Flags: fs})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(2)
	}
	log.Logger = logging.New(cfg.LogLevel, os.Stderr)
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Warn().Str("signal", sig.String()).Msg("Stopping arrivals, waiting for running users")
		cancel()
	}()

	os.Exit(run(ctx, cfg, log.Logger))
}

func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) int {
	logging.Header(os.Stdout, "Call load test: env=%s url=%s channel=%s", cfg.Env, cfg.BaseURL, cfg.Auth.Channel)

	markup, err := ui.MarkupByName(cfg.UI.Markup)
	if err != nil {
		logger.Error().Err(err).Msg("Unknown markup")
		return 2
	}
	store := snapshot.NewStore(cfg.Paths.Snapshots)
	store.Update = cfg.UI.UpdateSnapshots

	uiOpts := []ui.Option{
		ui.WithBaseURL(cfg.BaseURL),
		ui.WithMarkup(markup),
		ui.WithSnapshots(store),
		ui.WithLogger(logger),
	}
	if cfg.UI.MinReadyState > 0 {
		uiOpts = append(uiOpts, ui.WithMinReadyState(cfg.UI.MinReadyState))
	}
	factory, err := ui.NewFactory(uiOpts...)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to build page factory")
		return 2
	}

	media, err := session.LoadMediaPool(cfg.Paths.Videos)
	if err != nil {
		logger.Warn().Err(err).Str("dir", cfg.Paths.Videos).Msg("No media pool, using Chrome's fake camera")
	}

	driver := browser.NewRodDriver(browser.RodConfig{
		Headless:  cfg.Browser.Headless,
		Timeout:   cfg.Browser.Timeout,
		NoSandbox: cfg.Browser.NoSandbox,
		Bin:       cfg.Browser.Bin,
	}, &logger)
	defer func() {
		if err := driver.Close(); err != nil {
			logger.Warn().Err(err).Msg("Failed to close browsers")
		}
	}()

	mgr, err := session.NewManager(driver, session.CallConfig{
		AppID:   cfg.Auth.AppID,
		Token:   cfg.Auth.Token,
		Channel: cfg.Auth.Channel,
	},
		session.WithMediaPool(media),
		session.WithParticipantFactory(factory),
		session.WithHealthChecks(health.Default()),
		session.WithUniqueUserIDs(),
		session.WithLogger(logger),
	)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create session manager")
		return 2
	}
	defer func() {
		for _, rerr := range mgr.Cleanup(context.WithoutCancel(ctx)) {
			logger.Warn().Err(rerr).Msg("Cleanup failed")
		}
	}()

	if cfg.Paths.Reports != "" {
		if err := os.MkdirAll(cfg.Paths.Reports, 0o755); err != nil {
			logger.Warn().Err(err).Msg("Failed to create reports dir, screenshots disabled")
			cfg.Paths.Reports = ""
		}
	}

	counters := load.NewCounters()
	flow := load.NewJoinLeave(mgr, mgr.NewCall(), counters)
	flow.Hold = cfg.Load.Hold
	flow.ReportsDir = cfg.Paths.Reports
	flow.Logger = logger.With().Str("module", "load").Logger()

	runner := load.NewRunner(flow.Run)
	runner.Logger = flow.Logger
	if cfg.Load.Concurrency > 0 {
		runner.Concurrency = cfg.Load.Concurrency
	}
	if phases := phasesFrom(cfg.Load.Phases); len(phases) > 0 {
		runner.Phases = phases
	}
	runner.OnPhase = func(p load.Phase) {
		logging.Header(os.Stdout, "Phase %q: %d users/s for %v", p.Name, p.ArrivalRate, p.Duration)
	}

	report, err := runner.Run(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("Run interrupted")
	}

	th := load.Thresholds{
		MinJoinedRatio:     cfg.Load.Thresholds.MinJoinedRatio,
		MinLocalVideoRatio: cfg.Load.Thresholds.MinLocalVideoRatio,
		MaxErrorRatio:      cfg.Load.Thresholds.MaxErrorRatio,
	}
	results := th.Evaluate(counters.Snapshot(), report.VUs)
	pass := printSummary(report, counters.Snapshot(), results)
	if pass && err == nil {
		return 0
	}
	return 1
}

func phasesFrom(in []config.Phase) []load.Phase {
	out := make([]load.Phase, 0, len(in))
	for _, p := range in {
		out = append(out, load.Phase{Name: p.Name, Duration: p.Duration, ArrivalRate: p.ArrivalRate})
	}
	return out
}

func printSummary(report *load.Report, counters map[string]int, results []load.ThresholdResult) bool {
	fmt.Printf("\n")
	fmt.Printf("Load Test Complete\n")
	fmt.Printf("==================\n")
	fmt.Printf("Duration:          %v\n", report.Duration.Round(time.Second))
	fmt.Printf("Virtual users:     %d\n", report.VUs)
	fmt.Printf("Failed users:      %d\n", report.Failed)
	for _, p := range report.Phases {
		fmt.Printf("  %-16s %4d launched in %v\n", p.Name, p.Launched, p.Elapsed.Round(time.Millisecond))
	}
	fmt.Printf("\n")
	fmt.Printf("Counters:\n")
	for _, name := range []string{load.MetricJoined, load.MetricLocalVideo, load.MetricError} {
		fmt.Printf("  %-26s %d\n", name, counters[name])
	}
	fmt.Printf("\n")

	pass := true
	fmt.Printf("Pass Criteria:\n")
	for _, r := range results {
		fmt.Printf("  - %-40s %s\n", r.String(), checkMark(r.Pass))
		pass = pass && r.Pass
	}
	fmt.Printf("Status:            %s\n", checkMark(pass))
	return pass
}

func checkMark(pass bool) string {
	if pass {
		return "PASS"
	}
	return "FAIL"
}
