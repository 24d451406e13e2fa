// Package loadgen drives concurrent repayments against a running service
// and checks that no update was lost.
package loadgen

import (
	"errors"
	"time"
)

// Submission modes.
const (
	ModeSync  = "sync"
	ModeBatch = "batch"
)

// ErrVerification is returned when final scores disagree with the events sent.
var ErrVerification = errors.New("loadgen: verification failed")

// Config holds configuration for a load run.
type Config struct {
	BaseURL       string        // Base URL of the service
	APIKey        string        // Value for X-API-Key
	Users         int           // Distinct users to generate
	EventsPerUser int           // Repayments per user
	LateRatio     float64       // Share of late repayments, 0..1
	Workers       int           // Concurrent submitters
	Mode          string        // sync or batch
	BatchSize     int           // Events per batch request in batch mode
	Timeout       time.Duration // HTTP request timeout
	SettleTimeout time.Duration // How long to wait for async application
	MaxRetries    int           // Retries for 429 and 503 answers
	Seed          uint64        // Seed for on-time/late selection
	OutputFile    string        // Optional JSON dump of the generated events
	Verbose       bool          // Enable verbose logging

	// Scoring policy the server runs with.
	DefaultScore int
	OnTimeDelta  int
	LateDelta    int
}

// Event is one generated repayment.
type Event struct {
	UserID          string  `json:"userId"`
	RepaymentAmount float64 `json:"repaymentAmount"`
	OnTime          bool    `json:"onTime"`
	IdempotencyKey  string  `json:"idempotencyKey,omitempty"`
}

// Stats holds run statistics.
type Stats struct {
	EventsGenerated int
	EventsAccepted  int
	EventsDuplicate int
	EventsFailed    int
	Retries         int
	UsersVerified   int
	UsersExact      int
	Mismatches      []Mismatch
	StartTime       time.Time
	EndTime         time.Time
	Duration        time.Duration
}

// Mismatch describes one user whose final state is wrong.
type Mismatch struct {
	UserID string
	Field  string
	Want   float64
	Got    float64
}
