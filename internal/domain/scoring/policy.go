package scoring

import (
	"fmt"
	"math"
	"regexp"

	"github.com/okian/creditscore/internal/domain/model"
	"github.com/okian/creditscore/internal/domain/types"
)

// Base policy values.
const (
	DefaultStartingScore = 650
	DefaultOnTimeDelta   = 15
	DefaultLateDelta     = -30
)

// MaxRepaymentAmount is the largest amount a single repayment may carry.
const MaxRepaymentAmount = 1e12

// Clamp bound labels.
const (
	BoundMin = "min"
	BoundMax = "max"
)

var userIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:@-]{0,127}$`)

// ValidUserID reports whether id is a well-formed user identifier.
func ValidUserID(id string) bool {
	return userIDPattern.MatchString(id)
}

// Policy holds the tunable scoring rules. Bounds and bands are fixed.
type Policy struct {
	DefaultScore int `json:"defaultScore"`
	OnTimeDelta  int `json:"onTimeDelta"`
	LateDelta    int `json:"lateDelta"`
}

// DefaultPolicy returns 650 / +15 / -30.
func DefaultPolicy() Policy {
	return Policy{
		DefaultScore: DefaultStartingScore,
		OnTimeDelta:  DefaultOnTimeDelta,
		LateDelta:    DefaultLateDelta,
	}
}

// Valid reports whether the starting score is a legal score.
func (p Policy) Valid() bool {
	return p.DefaultScore >= types.MinScore && p.DefaultScore <= types.MaxScore
}

// Delta returns the adjustment for one repayment. The amount never scales it.
func (p Policy) Delta(onTime bool) int {
	if onTime {
		return p.OnTimeDelta
	}
	return p.LateDelta
}

// Clamp saturates score into [MinScore, MaxScore] and names the bound it hit.
func Clamp(score int) (int, string) {
	switch {
	case score < types.MinScore:
		return types.MinScore, BoundMin
	case score > types.MaxScore:
		return types.MaxScore, BoundMax
	default:
		return score, ""
	}
}

// DefaultFactors returns the factors of a user with no repayments.
func DefaultFactors() map[string]float64 {
	return map[string]float64{
		model.FactorRepaymentCount:      0,
		model.FactorOnTimeCount:         0,
		model.FactorLateCount:           0,
		model.FactorOnTimeRatio:         0,
		model.FactorTotalRepaid:         0,
		model.FactorLastRepaymentAmount: 0,
	}
}

// DefaultRecord is the unsaved record of a user never seen before.
func (p Policy) DefaultRecord(userID string) model.ScoreRecord {
	return model.ScoreRecord{
		UserID:  userID,
		Score:   p.DefaultScore,
		Band:    types.BandFor(p.DefaultScore),
		Factors: DefaultFactors(),
	}
}

// Apply returns base with one repayment folded in. base is not modified.
// The second result is the clamp bound hit, or "". An update that would leave
// any factor non-finite is refused with ErrInvalidRequest.
func (p Policy) Apply(base model.ScoreRecord, ev model.RepaymentEvent, delta int) (model.ScoreRecord, string, error) {
	next := base.Clone()
	next.UserID = ev.UserID
	if next.Factors == nil {
		next.Factors = DefaultFactors()
	}

	var bound string
	next.Score, bound = Clamp(base.Score + delta)
	next.Band = types.BandFor(next.Score)

	f := next.Factors
	f[model.FactorRepaymentCount]++
	if ev.OnTime {
		f[model.FactorOnTimeCount]++
	} else {
		f[model.FactorLateCount]++
	}
	f[model.FactorOnTimeRatio] = f[model.FactorOnTimeCount] / f[model.FactorRepaymentCount]
	f[model.FactorTotalRepaid] += ev.RepaymentAmount
	f[model.FactorLastRepaymentAmount] = ev.RepaymentAmount

	for k, v := range f {
		if !finite(v) {
			return model.ScoreRecord{}, "", fmt.Errorf("%w: repayment would overflow factor %s", ErrInvalidRequest, k)
		}
	}
	return next, bound, nil
}

func validAmount(a float64) bool {
	return a > 0 && a <= MaxRepaymentAmount && finite(a)
}

func finite(v float64) bool {
	return !math.IsInf(v, 0) && !math.IsNaN(v)
}
