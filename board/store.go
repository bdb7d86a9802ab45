package board

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"

	"board-api/domain"
)

// StageService is the external collaborator owning stage persistence.
type StageService interface {
	ListStages(ctx context.Context, scopeID domain.ID) ([]domain.Stage, error)
	CreateStage(ctx context.Context, scopeID domain.ID, form StageForm) (domain.Stage, error)
	UpdateStage(ctx context.Context, scopeID, stageID domain.ID, form StageForm) (domain.Stage, error)
	DeleteStage(ctx context.Context, scopeID, stageID domain.ID) error
}

// TaskService is the external collaborator owning task persistence. The
// store only ever patches stage assignment and sort order.
type TaskService interface {
	ListTasks(ctx context.Context, scopeID domain.ID) ([]domain.Task, error)
	UpdateTask(ctx context.Context, scopeID, taskID domain.ID, patch TaskPatch) (domain.Task, error)
}

// StageForm carries the editable stage fields for create/update calls.
type StageForm struct {
	Name        string `json:"name"`
	Color       string `json:"color,omitempty"`
	Description string `json:"description,omitempty"`
	SortOrder   int    `json:"sortOrder"`
}

// TaskPatch is the combined stage/sort update confirming a move.
type TaskPatch struct {
	StageID   domain.ID `json:"stageId"`
	SortOrder float64   `json:"sortOrder"`
}

// InsertMode selects where in the destination stage a moved task lands.
type InsertMode string

const (
	// InsertEnd appends after every task in the stage (empty-space drop).
	InsertEnd InsertMode = "end"
	// InsertBefore places the task directly before a reference task.
	InsertBefore InsertMode = "before"
)

// Insertion describes the drop position within the destination stage.
type Insertion struct {
	Mode            InsertMode `json:"mode"`
	ReferenceTaskID domain.ID  `json:"referenceTaskId,omitempty"`
}

// MoveState tracks the optimistic-update lifecycle of a task move.
type MoveState int

const (
	MoveIdle MoveState = iota
	// MovePending marks a task whose confirming write is in flight. Further
	// user-initiated moves on the task are refused until it resolves; a
	// wholesale refresh may still replace the task.
	MovePending
	// MoveCommitted means the server confirmed the optimistic update.
	MoveCommitted
	// MoveReloaded means the write failed and the board was reloaded from
	// the task service instead of rolling the edit back by hand.
	MoveReloaded
)

// MoveOutcome reports how a move resolved.
type MoveOutcome struct {
	Task      domain.Task
	State     MoveState
	SortOrder float64
}

// DragSession is the ephemeral record of an in-progress drag gesture. It
// exists for the host's auto-scroll and is never persisted.
type DragSession struct {
	Task     domain.Task
	Dragging bool
	PointerX int
}

var (
	ErrTaskNotFound  = errors.New("task not found on board")
	ErrStageNotFound = errors.New("stage not found on board")
	ErrMoveInFlight  = errors.New("task already has a move in flight")
	ErrDefaultStage  = errors.New("the default stage cannot be deleted")
)

// Store is the client-authoritative view of one scope's stages and tasks.
// Mutations apply optimistically, then confirm against the stage and task
// services; a failed confirmation triggers a full reload rather than a
// hand-rolled rollback.
type Store struct {
	scopeID  domain.ID
	stageSvc StageService
	taskSvc  TaskService
	logger   *log.Logger
	notify   func(scopeID domain.ID)

	mu     sync.Mutex
	stages []domain.Stage
	tasks  []domain.Task
	moves  map[domain.ID]MoveState
	drag   *DragSession
}

// NewStore creates an empty store for one scope. Call Load before use.
func NewStore(scopeID domain.ID, stageSvc StageService, taskSvc TaskService, logger *log.Logger, notify func(domain.ID)) *Store {
	if stageSvc == nil || taskSvc == nil {
		panic("board.NewStore: stage and task services are required")
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Store{
		scopeID:  scopeID,
		stageSvc: stageSvc,
		taskSvc:  taskSvc,
		logger:   logger,
		notify:   notify,
		moves:    make(map[domain.ID]MoveState),
	}
}

// Load fetches stages and tasks from the collaborating services.
func (s *Store) Load(ctx context.Context) error {
	stages, err := s.stageSvc.ListStages(ctx, s.scopeID)
	if err != nil {
		return fmt.Errorf("load stages: %w", err)
	}
	tasks, err := s.taskSvc.ListTasks(ctx, s.scopeID)
	if err != nil {
		return fmt.Errorf("load tasks: %w", err)
	}

	s.mu.Lock()
	s.setStagesLocked(stages)
	s.tasks = tasks
	s.mu.Unlock()
	return nil
}

func (s *Store) setStagesLocked(stages []domain.Stage) {
	stages = domain.DedupeStages(stages)
	domain.SortStages(stages)
	s.stages = stages
}

// Stages returns the de-duplicated stages in display order.
func (s *Store) Stages() []domain.Stage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Stage, len(s.stages))
	copy(out, s.stages)
	return out
}

// TasksForStage returns the stage's tasks ordered by sort key ascending,
// ties broken by current position. Tasks without a resolvable stage never
// appear in any column.
func (s *Store) TasksForStage(stageID domain.ID) []domain.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tasksForStageLocked(stageID)
}

func (s *Store) tasksForStageLocked(stageID domain.ID) []domain.Task {
	out := make([]domain.Task, 0, 8)
	for _, t := range s.tasks {
		if t.ResolvedStageID() == stageID {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].SortOrder < out[j].SortOrder })
	return out
}

// MoveTaskToStage authorizes, optimistically applies and then confirms a
// task move. The optimistic edit is visible to readers before the confirming
// write resolves. On a failed write the whole task collection is reloaded
// from the task service and the error is returned for user display.
func (s *Store) MoveTaskToStage(ctx context.Context, taskID, targetStageID domain.ID, ins Insertion, actingUserID domain.ID) (MoveOutcome, error) {
	s.mu.Lock()
	idx := s.taskIndexLocked(taskID)
	if idx < 0 {
		s.mu.Unlock()
		return MoveOutcome{}, ErrTaskNotFound
	}
	target, ok := s.stageLocked(targetStageID)
	if !ok {
		s.mu.Unlock()
		return MoveOutcome{}, ErrStageNotFound
	}
	if s.moves[taskID] == MovePending {
		s.mu.Unlock()
		return MoveOutcome{}, ErrMoveInFlight
	}

	task := s.tasks[idx]
	if d := Authorize(task, target, actingUserID); !d.Allowed {
		s.mu.Unlock()
		return MoveOutcome{}, DeniedError{Reason: d.Reason}
	}

	key, err := s.allocateKeyLocked(taskID, targetStageID, ins)
	if err != nil {
		s.mu.Unlock()
		return MoveOutcome{}, err
	}

	// Optimistic apply. No prior-state snapshot is kept: failure recovery is
	// a full reload, not a rollback.
	s.tasks[idx].StageID = targetStageID
	s.tasks[idx].SortOrder = key
	if s.tasks[idx].Stage != nil {
		s.tasks[idx].Stage = &domain.StageRef{ID: targetStageID, Name: target.Name}
	}
	s.moves[taskID] = MovePending
	patch := TaskPatch{StageID: targetStageID, SortOrder: key}
	s.mu.Unlock()

	confirmed, err := s.taskSvc.UpdateTask(ctx, s.scopeID, taskID, patch)
	if err != nil {
		s.logger.WithError(err).WithFields(log.Fields{
			"scope": s.scopeID,
			"task":  taskID,
			"stage": targetStageID,
		}).Error("move confirmation failed, reloading tasks")
		reloadErr := s.reloadTasks(ctx)
		s.clearMove(taskID)
		if reloadErr != nil {
			s.logger.WithError(reloadErr).Warn("task reload after failed move also failed")
		}
		s.fireNotify()
		return MoveOutcome{State: MoveReloaded, SortOrder: key}, fmt.Errorf("confirm move: %w", err)
	}

	s.mu.Lock()
	merged := mergeConfirmed(confirmed, patch)
	if i := s.taskIndexLocked(taskID); i >= 0 {
		s.tasks[i] = merged
	}
	delete(s.moves, taskID)
	s.mu.Unlock()

	s.fireNotify()
	return MoveOutcome{Task: merged, State: MoveCommitted, SortOrder: key}, nil
}

// allocateKeyLocked computes the new sort key from the destination stage's
// current keys, excluding the task being moved.
func (s *Store) allocateKeyLocked(taskID, targetStageID domain.ID, ins Insertion) (float64, error) {
	dest := s.tasksForStageLocked(targetStageID)
	keys := make([]float64, 0, len(dest))
	for _, t := range dest {
		if t.ID == taskID {
			continue
		}
		keys = append(keys, t.SortOrder)
	}

	if ins.Mode == InsertBefore && !ins.ReferenceTaskID.IsZero() {
		refPos := -1
		pos := 0
		for _, t := range dest {
			if t.ID == taskID {
				continue
			}
			if t.ID == ins.ReferenceTaskID {
				refPos = pos
			}
			pos++
		}
		if refPos >= 0 {
			var prev, next *float64
			next = &keys[refPos]
			if refPos > 0 {
				prev = &keys[refPos-1]
			}
			return InsertBetween(prev, next), nil
		}
		// The reference card vanished between drag-over and drop; fall
		// through to an end-of-stage append.
	}
	return AppendToEnd(keys), nil
}

func mergeConfirmed(confirmed domain.Task, patch TaskPatch) domain.Task {
	// The server is authoritative for every field it returns, but some
	// deployments echo the record without the patched fields. Restore the
	// optimistic values only where the response left them unset.
	if confirmed.StageID.IsZero() {
		confirmed.StageID = patch.StageID
	}
	if confirmed.SortOrder == 0 && patch.SortOrder != 0 {
		confirmed.SortOrder = patch.SortOrder
	}
	return confirmed
}

func (s *Store) reloadTasks(ctx context.Context) error {
	tasks, err := s.taskSvc.ListTasks(ctx, s.scopeID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.tasks = tasks
	s.mu.Unlock()
	return nil
}

// CreateStage optimistically inserts the stage, writes it to the stage
// service and refetches the collection either way so the board converges on
// server truth.
func (s *Store) CreateStage(ctx context.Context, form StageForm) (domain.Stage, error) {
	s.mu.Lock()
	placeholder := domain.Stage{
		ID:          domain.ID("pending:" + form.Name),
		Name:        form.Name,
		Color:       form.Color,
		Description: form.Description,
		SortOrder:   form.SortOrder,
	}
	s.setStagesLocked(append(s.stages, placeholder))
	s.mu.Unlock()

	created, err := s.stageSvc.CreateStage(ctx, s.scopeID, form)
	s.refetchStages(ctx)
	s.fireNotify()
	if err != nil {
		return domain.Stage{}, fmt.Errorf("create stage: %w", err)
	}
	return created, nil
}

// UpdateStage edits a stage in place, confirms and refetches.
func (s *Store) UpdateStage(ctx context.Context, stageID domain.ID, form StageForm) (domain.Stage, error) {
	s.mu.Lock()
	if _, ok := s.stageLocked(stageID); !ok {
		s.mu.Unlock()
		return domain.Stage{}, ErrStageNotFound
	}
	for i := range s.stages {
		if s.stages[i].ID == stageID {
			s.stages[i].Name = form.Name
			s.stages[i].Color = form.Color
			s.stages[i].Description = form.Description
			s.stages[i].SortOrder = form.SortOrder
		}
	}
	domain.SortStages(s.stages)
	s.mu.Unlock()

	updated, err := s.stageSvc.UpdateStage(ctx, s.scopeID, stageID, form)
	s.refetchStages(ctx)
	s.fireNotify()
	if err != nil {
		return domain.Stage{}, fmt.Errorf("update stage: %w", err)
	}
	return updated, nil
}

// DeleteStage removes a non-default stage. The default stage is refused
// before any mutation happens.
func (s *Store) DeleteStage(ctx context.Context, stageID domain.ID) error {
	s.mu.Lock()
	stage, ok := s.stageLocked(stageID)
	if !ok {
		s.mu.Unlock()
		return ErrStageNotFound
	}
	if stage.IsDefault {
		s.mu.Unlock()
		return ErrDefaultStage
	}
	kept := s.stages[:0:0]
	for _, st := range s.stages {
		if st.ID != stageID {
			kept = append(kept, st)
		}
	}
	s.stages = kept
	s.mu.Unlock()

	err := s.stageSvc.DeleteStage(ctx, s.scopeID, stageID)
	s.refetchStages(ctx)
	s.fireNotify()
	if err != nil {
		return fmt.Errorf("delete stage: %w", err)
	}
	return nil
}

func (s *Store) refetchStages(ctx context.Context) {
	stages, err := s.stageSvc.ListStages(ctx, s.scopeID)
	if err != nil {
		s.logger.WithError(err).WithField("scope", s.scopeID).Warn("stage refetch failed, keeping optimistic copy")
		return
	}
	s.mu.Lock()
	s.setStagesLocked(stages)
	s.mu.Unlock()
}

// StartDrag opens a drag session for the task unless it has a move in
// flight. The session drives the host's auto-scroll only.
func (s *Store) StartDrag(taskID domain.ID, pointerX int) (DragSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.taskIndexLocked(taskID)
	if idx < 0 {
		return DragSession{}, ErrTaskNotFound
	}
	if s.moves[taskID] == MovePending {
		return DragSession{}, ErrMoveInFlight
	}
	s.drag = &DragSession{Task: s.tasks[idx], Dragging: true, PointerX: pointerX}
	return *s.drag, nil
}

// UpdateDrag records the latest pointer position of the open session.
func (s *Store) UpdateDrag(pointerX int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.drag != nil {
		s.drag.PointerX = pointerX
	}
}

// EndDrag destroys the drag session. Called on drop and on drag cancel.
func (s *Store) EndDrag() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drag = nil
}

// Drag returns the open drag session, if any.
func (s *Store) Drag() (DragSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.drag == nil {
		return DragSession{}, false
	}
	return *s.drag, true
}

// MoveState reports the recorded lifecycle state for a task.
func (s *Store) MoveState(taskID domain.ID) MoveState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.moves[taskID]
}

// Task returns a copy of the task, if present.
func (s *Store) Task(taskID domain.ID) (domain.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.taskIndexLocked(taskID); i >= 0 {
		return s.tasks[i], true
	}
	return domain.Task{}, false
}

func (s *Store) taskIndexLocked(taskID domain.ID) int {
	for i := range s.tasks {
		if s.tasks[i].ID == taskID {
			return i
		}
	}
	return -1
}

func (s *Store) stageLocked(stageID domain.ID) (domain.Stage, bool) {
	for _, st := range s.stages {
		if st.ID == stageID {
			return st, true
		}
	}
	return domain.Stage{}, false
}

func (s *Store) clearMove(taskID domain.ID) {
	s.mu.Lock()
	delete(s.moves, taskID)
	s.mu.Unlock()
}

func (s *Store) fireNotify() {
	if s.notify != nil {
		s.notify(s.scopeID)
	}
}
