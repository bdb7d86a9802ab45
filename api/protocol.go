package api

import (
	"board-api/board"
	"board-api/domain"
)

const requestBodyMaxSize = 64 * 1024 // 64 KiB

// POST /api/board/move request body.
type moveRequest struct {
	TaskID          domain.ID        `json:"taskId"`
	ToStageID       domain.ID        `json:"toStageId"`
	Mode            board.InsertMode `json:"mode,omitempty"`
	ReferenceTaskID domain.ID        `json:"referenceTaskId,omitempty"`
	IdempotencyKey  string           `json:"idempotencyKey,omitempty"`
}

// POST /api/board/move response body.
type moveResponse struct {
	Task      domain.Task `json:"task"`
	State     string      `json:"state"`
	SortOrder float64     `json:"sortOrder"`
	Duplicate bool        `json:"duplicate,omitempty"`
	Error     string      `json:"error,omitempty"`
}

// GET /api/board response body: stages in display order, each carrying its
// tasks ordered by sort key.
type boardResponse struct {
	Stages []stageColumn `json:"stages"`
}

type stageColumn struct {
	Stage domain.Stage  `json:"stage"`
	Tasks []domain.Task `json:"tasks"`
}

func moveStateLabel(state board.MoveState) string {
	switch state {
	case board.MoveCommitted:
		return "committed"
	case board.MoveReloaded:
		return "reloaded"
	case board.MovePending:
		return "pending"
	default:
		return "idle"
	}
}
