package api

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"board-api/board"
	"board-api/domain"
)

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, boards BoardSource, auth Authenticator, deduper Deduper, pub Publisher, logger *log.Logger) {
	e.GET("/api/board", getBoard(boards, auth, logger))
	e.POST("/api/board/move", postMove(boards, auth, deduper, pub, logger), GzipRequestMiddleware())
	e.POST("/api/stages", postStage(boards, auth, pub), GzipRequestMiddleware())
	e.PUT("/api/stages/:id", putStage(boards, auth, pub), GzipRequestMiddleware())
	e.DELETE("/api/stages/:id", deleteStage(boards, auth, pub))
	e.GET("/healthz", healthz())

	if pub != nil {
		initEventPublisher(pub, logger)
	}
}

func healthz() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}
}

func getBoard(boards BoardSource, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		ctx := c.Request().Context()
		metrics, spanCtx := newBoardRequestMetrics(ctx, logger)
		if spanCtx != nil {
			c.SetRequest(c.Request().WithContext(spanCtx))
			ctx = spanCtx
		}
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		authStart := time.Now()
		userID, authErr := auth.UserIDFromAuthHeader(c.Request().Header.Get("Authorization"))
		metrics.ObserveAuth(time.Since(authStart))
		if authErr != nil {
			metrics.SetErrorStage("auth")
			err = c.String(http.StatusUnauthorized, authErr.Error())
			return err
		}

		loadStart := time.Now()
		store, loadErr := boards.For(ctx, domain.ID(userID))
		metrics.ObserveLoad(time.Since(loadStart))
		if loadErr != nil {
			metrics.SetErrorStage("load")
			c.Logger().Error(loadErr)
			err = c.String(http.StatusInternalServerError, "board unavailable")
			return err
		}

		stages := store.Stages()
		resp := boardResponse{Stages: make([]stageColumn, 0, len(stages))}
		taskCount := 0
		for _, st := range stages {
			tasks := store.TasksForStage(st.ID)
			taskCount += len(tasks)
			resp.Stages = append(resp.Stages, stageColumn{Stage: st, Tasks: tasks})
		}
		metrics.SetStagesReturned(len(stages))
		metrics.SetTasksReturned(taskCount)

		encodeStart := time.Now()
		err = c.JSON(http.StatusOK, resp)
		metrics.ObserveEncode(time.Since(encodeStart))
		if err != nil {
			metrics.SetErrorStage("encode_response")
		}
		return err
	}
}

func postMove(boards BoardSource, auth Authenticator, deduper Deduper, pub Publisher, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get("Authorization"))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}

		var req moveRequest
		if err := decodeBody(c, &req); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		if req.TaskID.IsZero() || req.ToStageID.IsZero() {
			return c.String(http.StatusBadRequest, "taskId and toStageId are required")
		}

		scope := domain.ID(userID)
		store, err := boards.For(ctx, scope)
		if err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, "board unavailable")
		}

		var dedupeKey string
		if deduper != nil && req.IdempotencyKey != "" {
			added, dedupeErr := deduper.Add(ctx, userID, req.IdempotencyKey)
			if dedupeErr != nil {
				logger.WithError(dedupeErr).Warn("dedupe check failed, processing move anyway")
			} else if !added {
				// Replay of an already-confirmed drop: report the current
				// state of the task instead of moving it twice.
				task, _ := store.Task(req.TaskID)
				return c.JSON(http.StatusOK, moveResponse{
					Task:      task,
					State:     moveStateLabel(store.MoveState(req.TaskID)),
					SortOrder: task.SortOrder,
					Duplicate: true,
				})
			} else {
				dedupeKey = req.IdempotencyKey
			}
		}

		ins := board.Insertion{Mode: req.Mode, ReferenceTaskID: req.ReferenceTaskID}
		if ins.Mode == "" {
			ins.Mode = board.InsertEnd
		}

		outcome, moveErr := store.MoveTaskToStage(ctx, req.TaskID, req.ToStageID, ins, scope)
		if moveErr != nil {
			if dedupeKey != "" {
				if rerr := deduper.Remove(bg, userID, dedupeKey); rerr != nil {
					logger.Errorf("dedupe rollback failed, err: %v, key: %s, user: %s", rerr, dedupeKey, userID)
				}
			}

			var denied board.DeniedError
			switch {
			case errors.As(moveErr, &denied):
				return c.JSON(http.StatusForbidden, moveResponse{State: moveStateLabel(board.MoveIdle), Error: denied.Reason})
			case errors.Is(moveErr, board.ErrMoveInFlight):
				return c.String(http.StatusConflict, moveErr.Error())
			case errors.Is(moveErr, board.ErrTaskNotFound), errors.Is(moveErr, board.ErrStageNotFound):
				return c.String(http.StatusNotFound, moveErr.Error())
			default:
				// The confirming write failed and the board was reloaded
				// from the task service. The client should re-render.
				c.Logger().Error(moveErr)
				return c.JSON(http.StatusBadGateway, moveResponse{
					State:     moveStateLabel(outcome.State),
					SortOrder: outcome.SortOrder,
					Error:     "move could not be confirmed; board reloaded",
				})
			}
		}

		publishEvent(pub, scope, domain.BoardEvent{
			EntityType: "task",
			EntityID:   req.TaskID,
			Type:       domain.EventTaskMoved,
			Data: eventData(board.TaskPatch{
				StageID:   outcome.Task.StageID,
				SortOrder: outcome.SortOrder,
			}),
		})

		return c.JSON(http.StatusOK, moveResponse{
			Task:      outcome.Task,
			State:     moveStateLabel(outcome.State),
			SortOrder: outcome.SortOrder,
		})
	}
}

func postStage(boards BoardSource, auth Authenticator, pub Publisher) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get("Authorization"))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}

		var form board.StageForm
		if err := decodeBody(c, &form); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		if form.Name == "" {
			return c.String(http.StatusBadRequest, "name is required")
		}

		scope := domain.ID(userID)
		store, err := boards.For(ctx, scope)
		if err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, "board unavailable")
		}

		created, err := store.CreateStage(ctx, form)
		if err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, "failed to create stage")
		}

		publishEvent(pub, scope, domain.BoardEvent{
			EntityType: "stage",
			EntityID:   created.ID,
			Type:       domain.EventStageCreated,
			Data:       eventData(created),
		})
		return c.JSON(http.StatusCreated, created)
	}
}

func putStage(boards BoardSource, auth Authenticator, pub Publisher) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get("Authorization"))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		stageID := domain.ID(c.Param("id"))
		if stageID.IsZero() {
			return c.String(http.StatusBadRequest, "stage id is required")
		}

		var form board.StageForm
		if err := decodeBody(c, &form); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}

		scope := domain.ID(userID)
		store, err := boards.For(ctx, scope)
		if err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, "board unavailable")
		}

		updated, err := store.UpdateStage(ctx, stageID, form)
		if err != nil {
			if errors.Is(err, board.ErrStageNotFound) {
				return c.String(http.StatusNotFound, err.Error())
			}
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, "failed to update stage")
		}

		publishEvent(pub, scope, domain.BoardEvent{
			EntityType: "stage",
			EntityID:   stageID,
			Type:       domain.EventStageUpdated,
			Data:       eventData(updated),
		})
		return c.JSON(http.StatusOK, updated)
	}
}

func deleteStage(boards BoardSource, auth Authenticator, pub Publisher) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get("Authorization"))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		stageID := domain.ID(c.Param("id"))
		if stageID.IsZero() {
			return c.String(http.StatusBadRequest, "stage id is required")
		}

		scope := domain.ID(userID)
		store, err := boards.For(ctx, scope)
		if err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, "board unavailable")
		}

		if err := store.DeleteStage(ctx, stageID); err != nil {
			switch {
			case errors.Is(err, board.ErrStageNotFound):
				return c.String(http.StatusNotFound, err.Error())
			case errors.Is(err, board.ErrDefaultStage):
				return c.String(http.StatusConflict, err.Error())
			default:
				c.Logger().Error(err)
				return c.String(http.StatusInternalServerError, "failed to delete stage")
			}
		}

		publishEvent(pub, scope, domain.BoardEvent{
			EntityType: "stage",
			EntityID:   stageID,
			Type:       domain.EventStageDeleted,
		})
		return c.NoContent(http.StatusNoContent)
	}
}

func decodeBody(c echo.Context, v any) error {
	lr := io.LimitReader(c.Request().Body, requestBodyMaxSize)
	dec := sonic.ConfigStd.NewDecoder(lr)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func eventData(v any) sonic.NoCopyRawMessage {
	data, err := sonic.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}
