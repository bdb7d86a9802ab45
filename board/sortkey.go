package board

// Sort keys order tasks within a stage. Keys are sparse so that a single
// move only ever writes one task: appends jump by a wide gap and insertions
// take the midpoint of their neighbors. Repeated midpoint insertions between
// the same two neighbors converge the gap toward zero and can eventually
// exhaust float64 precision; no rebalancing pass exists yet.
const (
	appendGap = 10000
	edgeGap   = 1000
)

// AppendToEnd returns the sort key for a task dropped onto empty stage
// space, placing it after every existing task. An empty stage yields 0.
func AppendToEnd(existing []float64) float64 {
	if len(existing) == 0 {
		return 0
	}
	max := existing[0]
	for _, k := range existing[1:] {
		if k > max {
			max = k
		}
	}
	return max + appendGap
}

// InsertBetween returns the sort key for a task dropped between two
// neighbors. A nil prev means head-of-stage, a nil next means tail. Both nil
// means the stage is empty and the key is 0.
func InsertBetween(prev, next *float64) float64 {
	switch {
	case prev == nil && next == nil:
		return 0
	case prev == nil:
		return *next - edgeGap
	case next == nil:
		return *prev + edgeGap
	default:
		return (*prev + *next) / 2
	}
}
