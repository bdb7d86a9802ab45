package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/google/uuid"

	"board-api/board"
	"board-api/domain"
)

// table is the slice of aztables.Client the storage layer depends on.
type table interface {
	NewListEntitiesPager(options *aztables.ListEntitiesOptions) *runtime.Pager[aztables.ListEntitiesResponse]
	AddEntity(ctx context.Context, entity []byte, options *aztables.AddEntityOptions) (aztables.AddEntityResponse, error)
	UpdateEntity(ctx context.Context, entity []byte, options *aztables.UpdateEntityOptions) (aztables.UpdateEntityResponse, error)
	DeleteEntity(ctx context.Context, partitionKey, rowKey string, options *aztables.DeleteEntityOptions) (aztables.DeleteEntityResponse, error)
	GetEntity(ctx context.Context, partitionKey, rowKey string, options *aztables.GetEntityOptions) (aztables.GetEntityResponse, error)
}

// Storage implements the board's stage and task services on Azure Table
// Storage. Entities are partitioned by scope (the authenticated user).
type Storage struct {
	stageTable table
	taskTable  table
}

// New creates a Storage instance from the given connection string.
func New(connStr, stagesTable, tasksTable string) (*Storage, error) {
	clientOptions := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &clientOptions)
	if err != nil {
		return nil, err
	}
	return &Storage{
		stageTable: svc.NewClient(stagesTable),
		taskTable:  svc.NewClient(tasksTable),
	}, nil
}

type stageEntity struct {
	aztables.Entity
	Name        string `json:"Name"`
	Color       string `json:"Color"`
	Description string `json:"Description"`
	SortOrder   int    `json:"SortOrder"`
	IsDefault   bool   `json:"IsDefault"`
}

type taskEntity struct {
	aztables.Entity
	Title      string  `json:"Title"`
	Notes      string  `json:"Notes"`
	Priority   string  `json:"Priority"`
	DueDate    string  `json:"DueDate"`
	StageID    string  `json:"StageId"`
	SortOrder  float64 `json:"SortOrder"`
	AssignedTo string  `json:"AssignedTo"`
}

type taskPatchEntity struct {
	aztables.Entity
	StageID   string  `json:"StageId"`
	SortOrder float64 `json:"SortOrder"`
}

// stagePatchEntity omits IsDefault so a merge update cannot strip the
// default marker from a seeded stage.
type stagePatchEntity struct {
	aztables.Entity
	Name        string `json:"Name"`
	Color       string `json:"Color"`
	Description string `json:"Description"`
	SortOrder   int    `json:"SortOrder"`
}

func scopeFilter(scopeID domain.ID) string {
	return "PartitionKey eq '" + string(scopeID) + "'"
}

// ListStages retrieves all stages for the scope. An empty scope is seeded
// with the default stage set so a fresh board is immediately usable.
func (s *Storage) ListStages(ctx context.Context, scopeID domain.ID) ([]domain.Stage, error) {
	filter := scopeFilter(scopeID)
	pager := s.stageTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	stages := []domain.Stage{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			var ent stageEntity
			if err := json.Unmarshal(e, &ent); err != nil {
				return nil, err
			}
			stages = append(stages, stageFromEntity(ent))
		}
	}
	if len(stages) == 0 {
		return s.seedDefaultStages(ctx, scopeID)
	}
	return stages, nil
}

func (s *Storage) seedDefaultStages(ctx context.Context, scopeID domain.ID) ([]domain.Stage, error) {
	seeded := domain.DefaultStages()
	for i := range seeded {
		seeded[i].ID = domain.ID(uuid.NewString())
		if err := s.addStage(ctx, scopeID, seeded[i]); err != nil {
			return nil, fmt.Errorf("seed stage %q: %w", seeded[i].Name, err)
		}
	}
	return seeded, nil
}

func (s *Storage) addStage(ctx context.Context, scopeID domain.ID, stage domain.Stage) error {
	payload, err := json.Marshal(stageEntity{
		Entity:      aztables.Entity{PartitionKey: string(scopeID), RowKey: string(stage.ID)},
		Name:        stage.Name,
		Color:       stage.Color,
		Description: stage.Description,
		SortOrder:   stage.SortOrder,
		IsDefault:   stage.IsDefault,
	})
	if err != nil {
		return err
	}
	_, err = s.stageTable.AddEntity(ctx, payload, nil)
	return err
}

// CreateStage persists a new stage and returns it with its generated id.
func (s *Storage) CreateStage(ctx context.Context, scopeID domain.ID, form board.StageForm) (domain.Stage, error) {
	stage := domain.Stage{
		ID:          domain.ID(uuid.NewString()),
		Name:        form.Name,
		Color:       form.Color,
		Description: form.Description,
		SortOrder:   form.SortOrder,
	}
	if err := s.addStage(ctx, scopeID, stage); err != nil {
		return domain.Stage{}, err
	}
	return stage, nil
}

// UpdateStage merges the form into the stored stage and returns the result.
func (s *Storage) UpdateStage(ctx context.Context, scopeID, stageID domain.ID, form board.StageForm) (domain.Stage, error) {
	payload, err := json.Marshal(stagePatchEntity{
		Entity:      aztables.Entity{PartitionKey: string(scopeID), RowKey: string(stageID)},
		Name:        form.Name,
		Color:       form.Color,
		Description: form.Description,
		SortOrder:   form.SortOrder,
	})
	if err != nil {
		return domain.Stage{}, err
	}
	et := azcore.ETagAny
	if _, err := s.stageTable.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &et, UpdateMode: aztables.UpdateModeMerge}); err != nil {
		return domain.Stage{}, err
	}
	return s.getStage(ctx, scopeID, stageID)
}

func (s *Storage) getStage(ctx context.Context, scopeID, stageID domain.ID) (domain.Stage, error) {
	resp, err := s.stageTable.GetEntity(ctx, string(scopeID), string(stageID), nil)
	if err != nil {
		return domain.Stage{}, err
	}
	var ent stageEntity
	if err := json.Unmarshal(resp.Value, &ent); err != nil {
		return domain.Stage{}, err
	}
	return stageFromEntity(ent), nil
}

// DeleteStage removes the stage entity. Deleting an already-removed stage
// is treated as success so retried deletes converge.
func (s *Storage) DeleteStage(ctx context.Context, scopeID, stageID domain.ID) error {
	_, err := s.stageTable.DeleteEntity(ctx, string(scopeID), string(stageID), nil)
	if isNotFound(err) {
		return nil
	}
	return err
}

// ListTasks retrieves all tasks for the scope.
func (s *Storage) ListTasks(ctx context.Context, scopeID domain.ID) ([]domain.Task, error) {
	filter := scopeFilter(scopeID)
	pager := s.taskTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	tasks := []domain.Task{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			var ent taskEntity
			if err := json.Unmarshal(e, &ent); err != nil {
				return nil, err
			}
			tasks = append(tasks, taskFromEntity(ent))
		}
	}
	return tasks, nil
}

// UpdateTask merges the stage/sort patch into the task entity and returns
// the stored record, which is authoritative for any recomputed fields.
func (s *Storage) UpdateTask(ctx context.Context, scopeID, taskID domain.ID, patch board.TaskPatch) (domain.Task, error) {
	payload, err := json.Marshal(taskPatchEntity{
		Entity:    aztables.Entity{PartitionKey: string(scopeID), RowKey: string(taskID)},
		StageID:   string(patch.StageID),
		SortOrder: patch.SortOrder,
	})
	if err != nil {
		return domain.Task{}, err
	}
	et := azcore.ETagAny
	if _, err := s.taskTable.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &et, UpdateMode: aztables.UpdateModeMerge}); err != nil {
		return domain.Task{}, err
	}

	resp, err := s.taskTable.GetEntity(ctx, string(scopeID), string(taskID), nil)
	if err != nil {
		return domain.Task{}, err
	}
	var ent taskEntity
	if err := json.Unmarshal(resp.Value, &ent); err != nil {
		return domain.Task{}, err
	}
	return taskFromEntity(ent), nil
}

func stageFromEntity(ent stageEntity) domain.Stage {
	return domain.Stage{
		ID:          domain.ID(ent.RowKey),
		Name:        ent.Name,
		Color:       ent.Color,
		Description: ent.Description,
		SortOrder:   ent.SortOrder,
		IsDefault:   ent.IsDefault,
	}
}

func taskFromEntity(ent taskEntity) domain.Task {
	return domain.Task{
		ID:         domain.ID(ent.RowKey),
		Title:      ent.Title,
		Notes:      ent.Notes,
		Priority:   ent.Priority,
		DueDate:    ent.DueDate,
		StageID:    domain.ID(ent.StageID),
		SortOrder:  ent.SortOrder,
		AssignedTo: domain.ID(ent.AssignedTo),
	}
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == 404
}
