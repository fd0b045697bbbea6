package services

import (
	"math"

	"github.com/timeplus-io/tp-alarm-monitor/pkg/models"
)

// Epsilon is the absolute tolerance used by == and !=
const Epsilon = 1e-6

// withinEpsilon compares the difference on a 1e-9 grid so that a sample
// exactly Epsilon away from the threshold is never treated as equal,
// whatever rounding the subtraction picked up.
func withinEpsilon(sample, threshold float64) bool {
	return math.Round(math.Abs(sample-threshold)*1e9) < math.Round(Epsilon*1e9)
}

// Evaluate reports whether sample trips the rule. Disabled rules and
// non-finite samples never trigger.
func Evaluate(rule *models.AlertRule, sample float64) bool {
	if rule == nil || !rule.Enabled {
		return false
	}
	if math.IsNaN(sample) || math.IsNaN(rule.Value) {
		return false
	}

	threshold := rule.Value
	switch rule.Operator {
	case models.OperatorGreaterThan:
		return sample > threshold
	case models.OperatorLessThan:
		return sample < threshold
	case models.OperatorGreaterEqual:
		return sample >= threshold
	case models.OperatorLessEqual:
		return sample <= threshold
	case models.OperatorEqual:
		return withinEpsilon(sample, threshold)
	case models.OperatorNotEqual:
		return !withinEpsilon(sample, threshold)
	}
	return false
}
