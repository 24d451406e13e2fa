// Package model contains domain models passed between layers.
package model

import (
	"time"

	"github.com/okian/creditscore/internal/domain/types"
)

// Factor names kept in ScoreRecord.Factors.
const (
	FactorRepaymentCount      = "repaymentCount"
	FactorOnTimeCount         = "onTimeCount"
	FactorLateCount           = "lateCount"
	FactorOnTimeRatio         = "onTimeRatio"
	FactorTotalRepaid         = "totalRepaid"
	FactorLastRepaymentAmount = "lastRepaymentAmount"
)

// ScoreRecord is the stored state for one user. Version 0 means the record
// does not exist yet; stores assign 1 on create and bump it on every commit.
type ScoreRecord struct {
	UserID    string
	Score     int
	Band      types.Band
	Factors   map[string]float64
	Version   uint64
	UpdatedAt time.Time
}

// Exists reports whether the record was read from storage.
func (r ScoreRecord) Exists() bool { return r.Version > 0 }

// Clone returns a copy that shares no memory with r.
func (r ScoreRecord) Clone() ScoreRecord {
	out := r
	out.Factors = CloneFactors(r.Factors)
	return out
}

// CloneFactors copies a factor map; nil stays nil.
func CloneFactors(f map[string]float64) map[string]float64 {
	if f == nil {
		return nil
	}
	out := make(map[string]float64, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// RepaymentEvent is one repayment to apply. It is never stored.
type RepaymentEvent struct {
	UserID          string
	RepaymentAmount float64
	OnTime          bool
}

// ScoreView is the read shape returned to callers.
type ScoreView struct {
	UserID  string             `json:"userId"`
	Score   int                `json:"score"`
	Band    types.Band         `json:"band"`
	Factors map[string]float64 `json:"factors"`
}

// UpdateResult describes one applied repayment. Delta is the requested
// adjustment; NewScore-OldScore differs from it only when the score was
// clamped at a bound.
type UpdateResult struct {
	UserID          string     `json:"userId"`
	RepaymentAmount float64    `json:"repaymentAmount"`
	OnTime          bool       `json:"onTime"`
	OldScore        int        `json:"oldScore"`
	Delta           int        `json:"delta"`
	NewScore        int        `json:"newScore"`
	Band            types.Band `json:"band"`
}
