// Package types contains value types shared across the application.
package types

// Score bounds. Every committed score lies in [MinScore, MaxScore].
const (
	MinScore = 300
	MaxScore = 850
)

// Band is the risk category derived from a score.
type Band string

// Bands in ascending order of creditworthiness.
const (
	BandPoor      Band = "Poor"
	BandFair      Band = "Fair"
	BandGood      Band = "Good"
	BandVeryGood  Band = "Very Good"
	BandExcellent Band = "Excellent"
)

// bandFloors lists the lowest score of each band, highest band first.
var bandFloors = []struct {
	floor int
	band  Band
}{
	{800, BandExcellent},
	{740, BandVeryGood},
	{670, BandGood},
	{580, BandFair},
}

// BandFor maps a score to its band. It is total: scores below MinScore are
// Poor and scores above MaxScore are Excellent.
func BandFor(score int) Band {
	for _, b := range bandFloors {
		if score >= b.floor {
			return b.band
		}
	}
	return BandPoor
}

// String implements fmt.Stringer.
func (b Band) String() string { return string(b) }

// InRange reports whether score lies within [MinScore, MaxScore].
func InRange(score int) bool { return score >= MinScore && score <= MaxScore }
