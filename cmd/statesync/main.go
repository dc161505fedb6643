package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	v1 "github.com/gxo-labs/statesync/pkg/statesync/v1"
	sserrors "github.com/gxo-labs/statesync/pkg/statesync/v1/errors"
	sslog "github.com/gxo-labs/statesync/pkg/statesync/v1/log"

	"github.com/gxo-labs/statesync/internal/config"
	"github.com/gxo-labs/statesync/internal/events"
	"github.com/gxo-labs/statesync/internal/logger"
	"github.com/gxo-labs/statesync/internal/metrics"
	"github.com/gxo-labs/statesync/internal/session"
	"github.com/gxo-labs/statesync/internal/tracing"
)

const (
	ExitSuccess          = 0
	ExitFailure          = 1
	ExitUsageError       = 2
	ExitTimeout          = 124
	ExitSigIntBase       = 128
	ExitSigInt           = ExitSigIntBase + int(syscall.SIGINT)
	ExitSigTerm          = ExitSigIntBase + int(syscall.SIGTERM)
	DefaultLogLevel      = "info"
	DefaultLogFmt        = "text"
	DefaultEventBusSize  = 256
	listenerDrainTimeout = 2 * time.Second
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "validate" {
		os.Exit(runValidateCommand(os.Args[2:]))
	}
	if len(os.Args) == 2 && (os.Args[1] == "--version" || os.Args[1] == "-version") {
		printVersion()
		os.Exit(ExitSuccess)
	}
	os.Exit(runScriptCommand(os.Args[1:]))
}

func printVersion() {
	fmt.Printf("statesync version %s\n", version)
	fmt.Printf("commit: %s\n", commit)
	fmt.Printf("built: %s\n", buildDate)
	fmt.Printf("go version: %s\n", runtime.Version())
	fmt.Printf("os/arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
}

func runValidateCommand(args []string) int {
	validateFlags := flag.NewFlagSet("validate", flag.ContinueOnError)
	scriptPath := validateFlags.String("script", "", "Path to the session script YAML file to validate (required)")
	logLevel := validateFlags.String("log-level", DefaultLogLevel, "Log level for validation output (debug, info, warn, error)")

	validateFlags.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s validate -script <path> [flags...]\n\n", os.Args[0])
		fmt.Fprintln(os.Stderr, "Validates the structure and schema version of a session script.")
		fmt.Fprintln(os.Stderr, "\nFlags:")
		validateFlags.PrintDefaults()
	}
	if err := validateFlags.Parse(args); err != nil {
		return ExitUsageError
	}
	if *scriptPath == "" {
		fmt.Fprintln(os.Stderr, "Error: -script flag is required for validation")
		validateFlags.Usage()
		return ExitUsageError
	}

	log := logger.NewLogger(*logLevel, DefaultLogFmt, os.Stderr)
	log.Infof("Validating script: %s", *scriptPath)
	script, err := config.LoadScriptFromFile(*scriptPath)
	if err != nil {
		logLoadError(log, err)
		return ExitFailure
	}
	log.Infof("Script validation successful: %s (%d steps)", *scriptPath, len(script.Steps))
	return ExitSuccess
}

func runScriptCommand(args []string) int {
	runFlags := flag.NewFlagSet("statesync", flag.ContinueOnError)
	scriptPath := runFlags.String("script", "", "Path to the session script YAML file (required)")
	logLevel := runFlags.String("log-level", DefaultLogLevel, "Log level (debug, info, warn, error)")
	logFormat := runFlags.String("log-format", DefaultLogFmt, "Log format (text, json)")
	timeout := runFlags.Duration("timeout", 0, "Abort the session after this long (0 disables)")
	versionFlag := runFlags.Bool("version", false, "Print version information and exit")

	runFlags.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags...] -script <path>\n\n", os.Args[0])
		fmt.Fprintln(os.Stderr, "Replays a session script against the URL state controller and save coordinator.")
		fmt.Fprintln(os.Stderr, "\nFlags:")
		runFlags.PrintDefaults()
	}
	if err := runFlags.Parse(args); err != nil {
		return ExitUsageError
	}
	if *versionFlag {
		printVersion()
		return ExitSuccess
	}
	if *scriptPath == "" {
		fmt.Fprintln(os.Stderr, "Error: -script flag is required")
		runFlags.Usage()
		return ExitUsageError
	}
	if *logFormat != "text" && *logFormat != "json" {
		fmt.Fprintln(os.Stderr, "Error: -log-format must be 'text' or 'json'")
		return ExitUsageError
	}
	if *timeout < 0 {
		fmt.Fprintln(os.Stderr, "Error: -timeout cannot be negative")
		return ExitUsageError
	}

	log := logger.NewLogger(*logLevel, *logFormat, os.Stderr).With("statesync_version", version)
	log.Infof("statesync v%s starting...", version)

	script, err := config.LoadScriptFromFile(*scriptPath)
	if err != nil {
		logLoadError(log, err)
		return ExitFailure
	}

	ctx := context.Background()
	tracerProvider := tracing.NewProviderFromEnv(ctx, log)
	metricsProvider := metrics.NewPrometheusRegistryProvider()
	collectors, err := metrics.NewCollectors(metricsProvider.Registry())
	if err != nil {
		log.Errorf("Failed to register metrics: %v", err)
		return ExitFailure
	}
	eventBus := events.NewChannelEventBus(DefaultEventBusSize, log)
	listener := events.NewMetricsEventListener(eventBus, collectors, log)
	listenerDone := make(chan struct{})
	go func() {
		defer close(listenerDone)
		listener.Start(ctx)
	}()

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	if *timeout > 0 {
		var cancelTimeout context.CancelFunc
		runCtx, cancelTimeout = context.WithTimeout(runCtx, *timeout)
		defer cancelTimeout()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	var receivedSignal os.Signal
	var sigMu sync.Mutex
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		select {
		case sig := <-sigChan:
			log.Warnf("Received signal: %v. Stopping after the current step...", sig)
			sigMu.Lock()
			receivedSignal = sig
			sigMu.Unlock()
			cancelRun()
		case <-runCtx.Done():
		}
	}()

	runner := session.NewRunner(log, session.WithComponentOptions(
		v1.WithEventBus(eventBus),
		v1.WithTracerProvider(tracerProvider),
	))
	report, runErr := runner.Run(runCtx, script)
	cancelRun()
	wg.Wait()

	eventBus.Close()
	select {
	case <-listenerDone:
	case <-time.After(listenerDrainTimeout):
		log.Warnf("Metrics listener did not drain within %v", listenerDrainTimeout)
	}
	if dropped := eventBus.Dropped(); dropped > 0 {
		log.Warnf("%d lifecycle events were dropped; metrics are incomplete", dropped)
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
		log.Warnf("Error shutting down tracer provider: %v", err)
	}

	printReportSummary(log, report, runErr)
	logMetricsSummary(log, metricsProvider.Registry())

	sigMu.Lock()
	finalSignal := receivedSignal
	sigMu.Unlock()
	return determineExitCode(report, runErr, finalSignal, log)
}

func logLoadError(log sslog.Logger, err error) {
	var validationErr *sserrors.ValidationError
	var configErr *sserrors.ConfigError
	switch {
	case errors.As(err, &validationErr):
		log.Errorf("Script validation failed:\n%s", validationErr.Error())
	case errors.As(err, &configErr):
		log.Errorf("Script configuration error:\n%s", configErr.Error())
	default:
		log.Errorf("Failed to load script: %v", err)
	}
}

func printReportSummary(log sslog.Logger, report *session.Report, runErr error) {
	if report == nil {
		log.Warnf("Session finished without a report (failed before the first step).")
		if runErr != nil {
			log.Errorf("Session Error: %v", runErr)
		}
		return
	}
	summary := fmt.Sprintf("Session '%s' ran %d step(s): %d state change(s), %d save outcome(s), %d failed. Final URL: %s",
		report.Name, report.StepsRun, len(report.Diffs), len(report.Outcomes), report.Failed(), report.FinalURL)
	if runErr != nil {
		log.Errorf("%s", summary)
		log.Errorf("Session Error: %v", runErr)
	} else {
		log.Infof("%s", summary)
	}
	if report.Record.Persisted() {
		log.Infof("Record '%s' owned by '%s' at revision %d", report.Record.ID, report.Record.Owner, report.Record.Revision)
	}
	for i, out := range report.Outcomes {
		if out.Err != nil {
			log.Warnf("  - Outcome %d (%s): %v", i, out.Request.Op(), out.Err)
		}
	}
}

// logMetricsSummary logs every non-zero counter in the registry.
func logMetricsSummary(log sslog.Logger, registry *prometheus.Registry) {
	families, err := registry.Gather()
	if err != nil {
		log.Warnf("Failed to gather metrics: %v", err)
		return
	}
	var lines []string
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			value := m.GetCounter().GetValue()
			if value == 0 {
				continue
			}
			lines = append(lines, fmt.Sprintf("%s%s=%g", mf.GetName(), formatLabels(m.GetLabel()), value))
		}
	}
	if len(lines) == 0 {
		return
	}
	sort.Strings(lines)
	log.Infof("Metrics:\n  %s", strings.Join(lines, "\n  "))
}

func formatLabels(pairs []*dto.LabelPair) string {
	if len(pairs) == 0 {
		return ""
	}
	parts := make([]string, 0, len(pairs))
	for _, p := range pairs {
		parts = append(parts, fmt.Sprintf("%s=%q", p.GetName(), p.GetValue()))
	}
	return "{" + strings.Join(parts, ",") + "}"
}

func determineExitCode(report *session.Report, runErr error, sig os.Signal, log sslog.Logger) int {
	switch {
	case runErr != nil && errors.Is(runErr, context.Canceled) && sig != nil:
		switch sig {
		case syscall.SIGINT:
			log.Warnf("Session interrupted by signal: SIGINT")
			return ExitSigInt
		case syscall.SIGTERM:
			log.Warnf("Session terminated by signal: SIGTERM")
			return ExitSigTerm
		default:
			log.Warnf("Session terminated by signal: %v", sig)
			return ExitFailure
		}
	case runErr != nil && errors.Is(runErr, context.DeadlineExceeded):
		log.Errorf("Session timed out.")
		return ExitTimeout
	case runErr != nil:
		return ExitFailure
	case report != nil && report.Failed() > 0:
		log.Errorf("Session completed with failed saves.")
		return ExitFailure
	default:
		log.Infof("Session completed successfully.")
		return ExitSuccess
	}
}
