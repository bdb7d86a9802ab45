package domain

// StageRef is the denormalized stage snapshot some task payloads carry
// instead of a bare stageId.
type StageRef struct {
	ID   ID     `json:"id"`
	Name string `json:"name,omitempty"`
}

// Task represents a single board item.
type Task struct {
	ID         ID        `json:"id"`
	Title      string    `json:"title"`
	Notes      string    `json:"notes,omitempty"`
	Priority   string    `json:"priority,omitempty"`
	DueDate    string    `json:"dueDate,omitempty"`
	StageID    ID        `json:"stageId,omitempty"`
	Stage      *StageRef `json:"stage,omitempty"`
	SortOrder  float64   `json:"sortOrder"`
	AssignedTo ID        `json:"assignedTo,omitempty"`
}

// ResolvedStageID returns the stage the task belongs to, falling back to the
// denormalized stage snapshot when stageId is absent. A zero id means the
// task has no resolvable stage.
func (t Task) ResolvedStageID() ID {
	if !t.StageID.IsZero() {
		return t.StageID
	}
	if t.Stage != nil {
		return t.Stage.ID
	}
	return ""
}
