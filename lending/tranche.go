package lending

import (
	"fmt"

	"circlefund/models"
)

// allowedTransitions is the tranche release pipeline. Every transition
// requires the exact predecessor state; there is no self-transition and no
// skipping, so release can occur exactly once.
var allowedTransitions = map[models.TrancheStatus]models.TrancheStatus{
	models.TranchePending:        models.TrancheLocked,
	models.TrancheLocked:         models.TrancheProofSubmitted,
	models.TrancheProofSubmitted: models.TrancheReleased,
	models.TrancheReleased:       models.TrancheClaimed,
}

// ValidateTransition ensures a tranche status change follows the pipeline.
func ValidateTransition(current, next models.TrancheStatus) error {
	allowed, ok := allowedTransitions[current]
	if !ok || allowed != next {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTrancheState, current, next)
	}
	return nil
}

// SplitPrincipal divides a principal into n tranche amounts: floor(p/n) each
// with the remainder assigned to the final tranche so the sum is exact.
func SplitPrincipal(principal int64, n int) []int64 {
	amounts := make([]int64, n)
	base := principal / int64(n)
	for i := range amounts {
		amounts[i] = base
	}
	amounts[n-1] += principal - base*int64(n)
	return amounts
}
