package scheduler

import (
	"github.com/adrg/strutil"
	"github.com/adrg/strutil/metrics"
)

// similarity scores two task descriptions with the Sorensen-Dice
// bigram coefficient, case-insensitive, in [0, 1].
func similarity(a, b string) float64 {
	return strutil.Similarity(a, b, metrics.NewSorensenDice())
}
