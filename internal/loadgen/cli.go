package loadgen

import (
	"fmt"
	"io"
	"os"

	"github.com/okian/creditscore/pkg/logger"
)

const logFilePermission = 0o600

// SetupLogging sends log lines to stdout and, when logFile is set, to that
// file as well.
func SetupLogging(logFile string, verbose bool) error {
	var out io.Writer = os.Stdout
	if logFile != "" {
		file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, logFilePermission)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		out = io.MultiWriter(os.Stdout, file)
	}
	if err := logger.Init(logger.WithOutput(out)); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	if verbose {
		return logger.SetLevelString("debug")
	}
	return nil
}

// ShowHelp prints usage information for the load generator.
func ShowHelp(w io.Writer) {
	_, _ = io.WriteString(w, `Credit score load generator
===========================

Fires concurrent repayments for a set of users against a running service and
checks that every user's final record matches the events that were sent.

Usage:
  go run ./cmd/loadgen [options]

Options:
  -url string         Base URL of the service (default "http://localhost:9080")
  -api-key string     X-API-Key value (default $INTERNAL_API_KEY)
  -users int          Distinct users (default 50)
  -events int         Repayments per user (default 40)
  -late float         Share of late repayments (default 0.3)
  -workers int        Concurrent submitters (default CPU cores * 4)
  -mode string        sync (POST /score/update) or batch (POST /score/events)
  -batch int          Events per batch request (default 100)
  -timeout duration   HTTP request timeout (default 10s)
  -settle duration    Wait for queued events to apply (default 30s)
  -retries int        Retries for 429 and 503 answers (default 20)
  -seed uint          Seed for on-time/late selection (default 1)
  -default-score int  Starting score the server uses (default 650)
  -on-time int        On-time delta the server uses (default 15)
  -late-delta int     Late delta the server uses (default -30)
  -output string      Write generated events as JSON
  -log string         Also append log lines to this file
  -verbose            Log every mismatch
  -help               Show this help message

Examples:
  go run ./cmd/loadgen -users 10 -events 100 -late 0
  go run ./cmd/loadgen -mode batch -users 200 -events 25 -workers 16
`)
}
