package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/okian/creditscore/internal/domain/scoring"
	"github.com/okian/creditscore/internal/loadgen"
)

// Default configuration constants.
const (
	defaultUsers         = 50
	defaultEventsPerUser = 40
	defaultLateRatio     = 0.3
	defaultWorkers       = 4 // multiplier for runtime.NumCPU()
	defaultBatchSize     = 100
	defaultTimeout       = 10 * time.Second
	defaultSettle        = 30 * time.Second
	defaultRetries       = 20
	defaultRunTimeout    = 10 * time.Minute
)

func main() {
	var (
		baseURL      = flag.String("url", "http://localhost:9080", "Base URL of the service")
		apiKey       = flag.String("api-key", os.Getenv("INTERNAL_API_KEY"), "X-API-Key value")
		users        = flag.Int("users", defaultUsers, "Distinct users")
		events       = flag.Int("events", defaultEventsPerUser, "Repayments per user")
		late         = flag.Float64("late", defaultLateRatio, "Share of late repayments")
		workers      = flag.Int("workers", runtime.NumCPU()*defaultWorkers, "Concurrent submitters")
		mode         = flag.String("mode", loadgen.ModeSync, "sync or batch")
		batch        = flag.Int("batch", defaultBatchSize, "Events per batch request")
		timeout      = flag.Duration("timeout", defaultTimeout, "HTTP request timeout")
		settle       = flag.Duration("settle", defaultSettle, "Wait for queued events to apply")
		retries      = flag.Int("retries", defaultRetries, "Retries for 429 and 503 answers")
		seed         = flag.Uint64("seed", 1, "Seed for on-time/late selection")
		defaultScore = flag.Int("default-score", scoring.DefaultStartingScore, "Starting score the server uses")
		onTimeDelta  = flag.Int("on-time", scoring.DefaultOnTimeDelta, "On-time delta the server uses")
		lateDelta    = flag.Int("late-delta", scoring.DefaultLateDelta, "Late delta the server uses")
		outputFile   = flag.String("output", "", "Write generated events as JSON")
		logFile      = flag.String("log", "", "Also append log lines to this file")
		verbose      = flag.Bool("verbose", false, "Log every mismatch")
		help         = flag.Bool("help", false, "Show help")
	)
	flag.Parse()

	if *help {
		loadgen.ShowHelp(os.Stdout)
		return
	}
	if *mode != loadgen.ModeSync && *mode != loadgen.ModeBatch {
		os.Stderr.WriteString("unknown -mode " + *mode + "\n")
		os.Exit(2)
	}

	if err := loadgen.SetupLogging(*logFile, *verbose); err != nil {
		os.Stderr.WriteString("Failed to setup logging: " + err.Error() + "\n")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, defaultRunTimeout)
	defer cancel()

	cfg := &loadgen.Config{
		BaseURL:       *baseURL,
		APIKey:        *apiKey,
		Users:         *users,
		EventsPerUser: *events,
		LateRatio:     *late,
		Workers:       max(*workers, 1),
		Mode:          *mode,
		BatchSize:     *batch,
		Timeout:       *timeout,
		SettleTimeout: *settle,
		MaxRetries:    *retries,
		Seed:          *seed,
		OutputFile:    *outputFile,
		Verbose:       *verbose,
		DefaultScore:  *defaultScore,
		OnTimeDelta:   *onTimeDelta,
		LateDelta:     *lateDelta,
	}

	if _, err := loadgen.Run(ctx, cfg); err != nil {
		os.Stderr.WriteString("Load run failed: " + err.Error() + "\n")
		if errors.Is(err, loadgen.ErrVerification) {
			os.Exit(3)
		}
		os.Exit(1)
	}
}
