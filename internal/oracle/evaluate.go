package oracle

import "fmt"

// Comparators accepted by Evaluate.
var Comparators = []string{">", ">=", "<", "<="}

// ValidComparator reports whether Evaluate understands the comparator.
func ValidComparator(comparator string) bool {
	switch comparator {
	case ">", ">=", "<", "<=":
		return true
	}
	return false
}

// Evaluate applies the comparator to value and target.
func Evaluate(value float64, comparator string, target float64) (bool, error) {
	switch comparator {
	case ">":
		return value > target, nil
	case ">=":
		return value >= target, nil
	case "<":
		return value < target, nil
	case "<=":
		return value <= target, nil
	default:
		return false, fmt.Errorf("%w: %q", ErrInvalidComparator, comparator)
	}
}
