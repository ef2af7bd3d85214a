package scheduler

import "sort"

// Score weights. Priority steps (100) always outweigh the full complexity
// spread (30) and complexity steps (10) always outweigh the full size spread (4).
const (
	priorityWeight   = 100
	complexityWeight = 10
)

// ComplexityWeight maps a complexity to its scoring weight.
// Unknown values weigh as much as complex.
func ComplexityWeight(c Complexity) int {
	switch c {
	case ComplexityTrivial:
		return 0
	case ComplexitySimple:
		return 1
	case ComplexityModerate:
		return 2
	default:
		return 3
	}
}

// SizeWeight maps a size to its scoring weight.
// Unknown values weigh as much as xl.
func SizeWeight(s Size) int {
	switch s {
	case SizeXS:
		return 0
	case SizeS:
		return 1
	case SizeM:
		return 2
	case SizeL:
		return 3
	default:
		return 4
	}
}

// Score returns the selection score of a task. Lower scores are picked first.
func Score(t *Task) int {
	return t.Priority*priorityWeight + ComplexityWeight(t.Complexity)*complexityWeight + SizeWeight(t.Size)
}

// SortByScore returns a new slice of tasks in selection order: score ascending,
// then priority ascending, then oldest first. The input is not modified.
func SortByScore(tasks []*Task) []*Task {
	sorted := make([]*Task, len(tasks))
	copy(sorted, tasks)

	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if sa, sb := Score(a), Score(b); sa != sb {
			return sa < sb
		}
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})

	return sorted
}
