package domain

import "sort"

// Stage is a named column on the board representing a workflow state.
type Stage struct {
	ID          ID     `json:"id"`
	Name        string `json:"name"`
	Color       string `json:"color,omitempty"`
	Description string `json:"description,omitempty"`
	SortOrder   int    `json:"sortOrder"`
	IsDefault   bool   `json:"isDefault,omitempty"`
}

// DedupeStages removes stages that share an id, keeping the first occurrence.
// Concurrent fetches can deliver the same stage twice.
func DedupeStages(stages []Stage) []Stage {
	seen := make(map[ID]struct{}, len(stages))
	out := stages[:0:0]
	for _, s := range stages {
		if _, ok := seen[s.ID]; ok {
			continue
		}
		seen[s.ID] = struct{}{}
		out = append(out, s)
	}
	return out
}

// SortStages orders stages by sort order ascending, preserving the incoming
// order of equal keys.
func SortStages(stages []Stage) {
	sort.SliceStable(stages, func(i, j int) bool { return stages[i].SortOrder < stages[j].SortOrder })
}

// DefaultStages is the stage set seeded into an empty scope.
func DefaultStages() []Stage {
	return []Stage{
		{Name: "To Do", Color: "#94a3b8", SortOrder: 1, IsDefault: true},
		{Name: "In Progress", Color: "#60a5fa", SortOrder: 2},
		{Name: "Request To Close", Color: "#fbbf24", SortOrder: 3},
		{Name: "Done", Color: "#4ade80", SortOrder: 4},
	}
}
