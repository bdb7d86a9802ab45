package board

import (
	"fmt"
	"strings"

	"board-api/domain"
)

// requestToCloseStage is matched case-insensitively against the target stage
// name. The stage name is user-editable, so renaming the stage disables the
// rule.
const requestToCloseStage = "request to close"

// Decision is the outcome of a move authorization check.
type Decision struct {
	Allowed bool
	Reason  string
}

// DeniedError carries the user-facing reason for a refused move.
type DeniedError struct {
	Reason string
}

func (e DeniedError) Error() string { return fmt.Sprintf("move denied: %s", e.Reason) }

// Authorize decides whether actingUserID may move task into target. Moving a
// task into the request-to-close stage is reserved for its assignee so that
// collaborators cannot short-circuit the closure workflow. Every other move
// is allowed, including dropping a task back into its current stage.
func Authorize(task domain.Task, target domain.Stage, actingUserID domain.ID) Decision {
	if strings.EqualFold(strings.TrimSpace(target.Name), requestToCloseStage) {
		if actingUserID != task.AssignedTo {
			return Decision{Reason: "only the assigned user can request to close"}
		}
	}
	return Decision{Allowed: true}
}
