package service

import (
	"strconv"
	"strings"

	"github.com/OmarBoshnak/wellfitgo-doctor-sub001/internal"
)

// Evaluate applies a condition step to a fact snapshot. It is pure and
// deterministic: no I/O, no clock, same inputs always yield the same result.
//
// eq/neq compare numerically when both sides parse as numbers, lexically
// otherwise, after trimming. gt/lt require both sides to parse as numbers and
// fail closed to false when they do not; the returned error exists so the
// caller can log the malformed condition, it never changes the result.
// exists is true iff the snapshot holds a non-empty value for the field.
func Evaluate(step internal.Step, facts map[string]string) (bool, error) {
	raw, present := facts[step.ConditionField]
	left := strings.TrimSpace(raw)
	right := strings.TrimSpace(step.ConditionValue)

	switch step.ConditionOperator {
	case internal.OpExists:
		return present && left != "", nil
	case internal.OpEq:
		return compareEqual(left, right), nil
	case internal.OpNeq:
		return !compareEqual(left, right), nil
	case internal.OpGt:
		ln, rn, err := parseBothNumeric(step, left, right)
		if err != nil {
			return false, err
		}
		return ln > rn, nil
	case internal.OpLt:
		ln, rn, err := parseBothNumeric(step, left, right)
		if err != nil {
			return false, err
		}
		return ln < rn, nil
	default:
		return false, &internal.ConditionEvaluationError{
			Field:  step.ConditionField,
			Reason: "unknown operator " + string(step.ConditionOperator),
		}
	}
}

func compareEqual(left, right string) bool {
	ln, lerr := strconv.ParseFloat(left, 64)
	rn, rerr := strconv.ParseFloat(right, 64)
	if lerr == nil && rerr == nil {
		return ln == rn
	}
	return left == right
}

func parseBothNumeric(step internal.Step, left, right string) (float64, float64, error) {
	ln, lerr := strconv.ParseFloat(left, 64)
	rn, rerr := strconv.ParseFloat(right, 64)
	if lerr != nil || rerr != nil {
		return 0, 0, &internal.ConditionEvaluationError{
			Field:  step.ConditionField,
			Reason: "non-numeric operand for " + string(step.ConditionOperator),
		}
	}
	return ln, rn, nil
}
