// Package stages derives payment schedules from an exchange strategy and
// validates delivery/payment progression. It is pure: no storage, no clock.
package stages

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/amanlux/taskifii-core/pkg/models"
)

// Percent splits are fixed by strategy identity, not user-configurable, so a
// schedule is always reproducible from the strategy alone.
var splits = map[models.ExchangeStrategy][]int{
	models.StrategyFull:     {100},
	models.StrategyEven:     {50, 50},
	models.StrategyThreeWay: {30, 40, 30},
}

var oneHundred = decimal.NewFromInt(100)

// BuildSchedule returns the ordered stage schedule for the strategy.
func BuildSchedule(strategy models.ExchangeStrategy) ([]*models.Stage, error) {
	percents, ok := splits[strategy]
	if !ok {
		return nil, fmt.Errorf("%w: unknown exchange strategy %q", models.ErrValidation, strategy)
	}

	schedule := make([]*models.Stage, 0, len(percents))
	for i, p := range percents {
		schedule = append(schedule, &models.Stage{
			StageNum: i + 1,
			Percent:  p,
		})
	}
	return schedule, nil
}

// Validate checks the schedule invariants: 1-based contiguous stage numbers
// and percentages summing to exactly 100.
func Validate(schedule []*models.Stage) error {
	if len(schedule) == 0 {
		return fmt.Errorf("%w: empty stage schedule", models.ErrValidation)
	}

	sum := 0
	for i, s := range schedule {
		if s.StageNum != i+1 {
			return fmt.Errorf("%w: stage numbers not contiguous at position %d (got %d)",
				models.ErrValidation, i, s.StageNum)
		}
		if s.Percent <= 0 {
			return fmt.Errorf("%w: stage %d has non-positive percent %d",
				models.ErrValidation, s.StageNum, s.Percent)
		}
		sum += s.Percent
	}
	if sum != 100 {
		return fmt.Errorf("%w: stage percents sum to %d, want 100", models.ErrValidation, sum)
	}
	return nil
}

// CanMarkDelivered reports whether stageNum is the next deliverable stage.
// Delivery is a strict pipeline: stage N needs stage N-1 paid first, and only
// the lowest-numbered undelivered stage may be delivered.
func CanMarkDelivered(schedule []*models.Stage, stageNum int) bool {
	target := findStage(schedule, stageNum)
	if target == nil || target.Delivered {
		return false
	}

	for _, s := range schedule {
		if !s.Delivered && s.StageNum < stageNum {
			return false
		}
	}

	if stageNum == 1 {
		return true
	}
	prev := findStage(schedule, stageNum-1)
	return prev != nil && prev.Paid
}

// CanMarkPaid reports whether stageNum is releasable: delivered and not yet
// paid. Payment of an undelivered stage is never legal.
func CanMarkPaid(schedule []*models.Stage, stageNum int) bool {
	s := findStage(schedule, stageNum)
	return s != nil && s.Delivered && !s.Paid
}

// StageAmount is the money value of one stage. Intermediate stages take
// their percentage of the fee rounded to cents; the final stage takes the
// remainder, so the stage amounts always sum to exactly the fee.
func StageAmount(fee decimal.Decimal, schedule []*models.Stage, stageNum int) decimal.Decimal {
	if len(schedule) == 0 {
		return decimal.Zero
	}

	last := schedule[len(schedule)-1].StageNum
	if stageNum != last {
		s := findStage(schedule, stageNum)
		if s == nil {
			return decimal.Zero
		}
		return share(fee, s.Percent)
	}

	rest := decimal.Zero
	for _, s := range schedule {
		if s.StageNum != last {
			rest = rest.Add(share(fee, s.Percent))
		}
	}
	return fee.Sub(rest)
}

func share(fee decimal.Decimal, percent int) decimal.Decimal {
	return fee.Mul(decimal.NewFromInt(int64(percent))).Div(oneHundred).Round(2)
}

func findStage(schedule []*models.Stage, num int) *models.Stage {
	for _, s := range schedule {
		if s.StageNum == num {
			return s
		}
	}
	return nil
}
