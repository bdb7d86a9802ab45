package api

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"board-api/board"
	"board-api/domain"
)

type stubStageSvc struct {
	stages []domain.Stage
}

func (s *stubStageSvc) ListStages(ctx context.Context, scopeID domain.ID) ([]domain.Stage, error) {
	return append([]domain.Stage(nil), s.stages...), nil
}

func (s *stubStageSvc) CreateStage(ctx context.Context, scopeID domain.ID, form board.StageForm) (domain.Stage, error) {
	created := domain.Stage{ID: domain.ID("s-" + form.Name), Name: form.Name, Color: form.Color, SortOrder: form.SortOrder}
	s.stages = append(s.stages, created)
	return created, nil
}

func (s *stubStageSvc) UpdateStage(ctx context.Context, scopeID, stageID domain.ID, form board.StageForm) (domain.Stage, error) {
	for i := range s.stages {
		if s.stages[i].ID == stageID {
			s.stages[i].Name = form.Name
			s.stages[i].SortOrder = form.SortOrder
			return s.stages[i], nil
		}
	}
	return domain.Stage{}, errors.New("stage missing")
}

func (s *stubStageSvc) DeleteStage(ctx context.Context, scopeID, stageID domain.ID) error {
	kept := s.stages[:0:0]
	for _, st := range s.stages {
		if st.ID != stageID {
			kept = append(kept, st)
		}
	}
	s.stages = kept
	return nil
}

type stubTaskSvc struct {
	mu        sync.Mutex
	tasks     []domain.Task
	updateErr error
	patches   []board.TaskPatch
}

func (s *stubTaskSvc) ListTasks(ctx context.Context, scopeID domain.ID) ([]domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Task(nil), s.tasks...), nil
}

func (s *stubTaskSvc) UpdateTask(ctx context.Context, scopeID, taskID domain.ID, patch board.TaskPatch) (domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateErr != nil {
		return domain.Task{}, s.updateErr
	}
	s.patches = append(s.patches, patch)
	for i := range s.tasks {
		if s.tasks[i].ID == taskID {
			s.tasks[i].StageID = patch.StageID
			s.tasks[i].SortOrder = patch.SortOrder
			return s.tasks[i], nil
		}
	}
	return domain.Task{}, errors.New("task missing")
}

func (s *stubTaskSvc) Patches() []board.TaskPatch {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]board.TaskPatch, len(s.patches))
	copy(out, s.patches)
	return out
}

type mockAuth struct{}

func (mockAuth) UserIDFromAuthHeader(string) (string, error) { return "user", nil }

type failingAuth struct{}

func (failingAuth) UserIDFromAuthHeader(string) (string, error) {
	return "", errMissingAuthorization
}

type capturePublisher struct {
	mu     sync.Mutex
	events []domain.BoardEvent
	scopes []domain.ID
}

func (p *capturePublisher) Publish(ctx context.Context, scopeID domain.ID, ev domain.BoardEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	p.scopes = append(p.scopes, scopeID)
	return nil
}

func (p *capturePublisher) Events() []domain.BoardEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.BoardEvent, len(p.events))
	copy(out, p.events)
	return out
}

type stubDeduper struct {
	mu      sync.Mutex
	addRes  bool
	addErr  error
	added   []string
	removed []string
}

func (d *stubDeduper) Add(ctx context.Context, userID, key string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.added = append(d.added, key)
	return d.addRes, d.addErr
}

func (d *stubDeduper) Remove(ctx context.Context, userID, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.removed = append(d.removed, key)
	return nil
}

func boardFixture(t *testing.T) (*board.Boards, *stubStageSvc, *stubTaskSvc) {
	t.Helper()
	stageSvc := &stubStageSvc{stages: []domain.Stage{
		{ID: "s1", Name: "To Do", SortOrder: 1, IsDefault: true},
		{ID: "s2", Name: "In Progress", SortOrder: 2},
		{ID: "s3", Name: "Request To Close", SortOrder: 3},
	}}
	taskSvc := &stubTaskSvc{tasks: []domain.Task{
		{ID: "t1", Title: "First", StageID: "s1", SortOrder: 10000, AssignedTo: "user"},
		{ID: "t2", Title: "Second", StageID: "s1", SortOrder: 20000, AssignedTo: "other"},
		{ID: "t3", Title: "Started", StageID: "s2", SortOrder: 10000, AssignedTo: "user"},
		{ID: "orphan", Title: "No stage"},
	}}
	return board.NewBoards(stageSvc, taskSvc, log.New(), nil), stageSvc, taskSvc
}

func jsonRequest(method, target, body string) *http.Request {
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	req.Header.Set(echo.HeaderAuthorization, "Bearer token")
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	return req
}

func TestGetBoardGroupsTasksByStage(t *testing.T) {
	e := echo.New()
	boards, _, _ := boardFixture(t)
	req := jsonRequest(http.MethodGet, "/api/board", "")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := getBoard(boards, mockAuth{}, log.New())(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", rec.Code)
	}

	var resp boardResponse
	if err := sonic.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if len(resp.Stages) != 3 {
		t.Fatalf("expected 3 stage columns, got %d", len(resp.Stages))
	}
	if resp.Stages[0].Stage.ID != "s1" || len(resp.Stages[0].Tasks) != 2 {
		t.Fatalf("unexpected first column: %+v", resp.Stages[0])
	}
	if resp.Stages[0].Tasks[0].ID != "t1" || resp.Stages[0].Tasks[1].ID != "t2" {
		t.Fatalf("tasks out of order: %+v", resp.Stages[0].Tasks)
	}
	for _, col := range resp.Stages {
		for _, task := range col.Tasks {
			if task.ID == "orphan" {
				t.Fatal("task without a stage must not appear in any column")
			}
		}
	}
}

func TestGetBoardUnauthorized(t *testing.T) {
	e := echo.New()
	boards, _, _ := boardFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/api/board", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := getBoard(boards, failingAuth{}, log.New())(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401 got %d", rec.Code)
	}
}

func TestPostMoveEndDropConfirms(t *testing.T) {
	e := echo.New()
	boards, _, taskSvc := boardFixture(t)
	pub := &capturePublisher{}

	body := `{"taskId":"t1","toStageId":"s2","mode":"end"}`
	rec := httptest.NewRecorder()
	c := e.NewContext(jsonRequest(http.MethodPost, "/api/board/move", body), rec)

	if err := postMove(boards, mockAuth{}, nil, pub, log.New())(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d: %s", rec.Code, rec.Body.String())
	}

	var resp moveResponse
	if err := sonic.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if resp.State != "committed" {
		t.Fatalf("expected committed state, got %q", resp.State)
	}
	if resp.SortOrder != 20000 {
		t.Fatalf("expected end-of-stage key 20000, got %v", resp.SortOrder)
	}
	if resp.Task.StageID != "s2" {
		t.Fatalf("task not moved: %+v", resp.Task)
	}

	patches := taskSvc.Patches()
	if len(patches) != 1 || patches[0].StageID != "s2" || patches[0].SortOrder != 20000 {
		t.Fatalf("unexpected confirming patch: %#v", patches)
	}

	events := pub.Events()
	if len(events) != 1 || events[0].Type != domain.EventTaskMoved || events[0].EntityID != "t1" {
		t.Fatalf("unexpected events: %#v", events)
	}
}

func TestPostMoveBeforeReferenceUsesMidpoint(t *testing.T) {
	e := echo.New()
	boards, _, taskSvc := boardFixture(t)

	body := `{"taskId":"t3","toStageId":"s1","mode":"before","referenceTaskId":"t2"}`
	rec := httptest.NewRecorder()
	c := e.NewContext(jsonRequest(http.MethodPost, "/api/board/move", body), rec)

	if err := postMove(boards, mockAuth{}, nil, nil, log.New())(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d: %s", rec.Code, rec.Body.String())
	}

	patches := taskSvc.Patches()
	if len(patches) != 1 || patches[0].SortOrder != 15000 {
		t.Fatalf("expected midpoint key 15000, got %#v", patches)
	}
}

func TestPostMoveDeniedForNonAssignee(t *testing.T) {
	e := echo.New()
	boards, _, taskSvc := boardFixture(t)

	// t2 is assigned to another user; moving it to Request To Close is refused.
	body := `{"taskId":"t2","toStageId":"s3"}`
	rec := httptest.NewRecorder()
	c := e.NewContext(jsonRequest(http.MethodPost, "/api/board/move", body), rec)

	if err := postMove(boards, mockAuth{}, nil, nil, log.New())(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected status 403 got %d", rec.Code)
	}

	var resp moveResponse
	if err := sonic.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if !strings.Contains(resp.Error, "assigned user") {
		t.Fatalf("expected denial reason in body, got %q", resp.Error)
	}
	if len(taskSvc.Patches()) != 0 {
		t.Fatal("denied move must not reach the task service")
	}
}

func TestPostMoveConfirmFailureReloads(t *testing.T) {
	e := echo.New()
	boards, _, taskSvc := boardFixture(t)
	taskSvc.updateErr = errors.New("write refused")
	ded := &stubDeduper{addRes: true}

	body := `{"taskId":"t1","toStageId":"s2","idempotencyKey":"k1"}`
	rec := httptest.NewRecorder()
	c := e.NewContext(jsonRequest(http.MethodPost, "/api/board/move", body), rec)

	if err := postMove(boards, mockAuth{}, ded, nil, log.New())(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected status 502 got %d", rec.Code)
	}

	var resp moveResponse
	if err := sonic.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if resp.State != "reloaded" {
		t.Fatalf("expected reloaded state, got %q", resp.State)
	}
	if len(ded.removed) != 1 || ded.removed[0] != "k1" {
		t.Fatalf("expected dedupe rollback, got %#v", ded.removed)
	}
}

func TestPostMoveDuplicateKeySkipsMove(t *testing.T) {
	e := echo.New()
	boards, _, taskSvc := boardFixture(t)
	ded := &stubDeduper{addRes: false}

	body := `{"taskId":"t1","toStageId":"s2","idempotencyKey":"seen"}`
	rec := httptest.NewRecorder()
	c := e.NewContext(jsonRequest(http.MethodPost, "/api/board/move", body), rec)

	if err := postMove(boards, mockAuth{}, ded, nil, log.New())(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", rec.Code)
	}

	var resp moveResponse
	if err := sonic.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if !resp.Duplicate {
		t.Fatal("expected duplicate response")
	}
	if len(taskSvc.Patches()) != 0 {
		t.Fatal("duplicate submission must not move the task again")
	}
}

func TestPostMoveRejectsUnknownFields(t *testing.T) {
	e := echo.New()
	boards, _, _ := boardFixture(t)

	body := `{"taskId":"t1","toStageId":"s2","surprise":true}`
	rec := httptest.NewRecorder()
	c := e.NewContext(jsonRequest(http.MethodPost, "/api/board/move", body), rec)

	if err := postMove(boards, mockAuth{}, nil, nil, log.New())(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400 got %d", rec.Code)
	}
}

func TestStageHandlers(t *testing.T) {
	e := echo.New()
	boards, _, _ := boardFixture(t)
	pub := &capturePublisher{}

	rec := httptest.NewRecorder()
	c := e.NewContext(jsonRequest(http.MethodPost, "/api/stages", `{"name":"Review","sortOrder":4}`), rec)
	if err := postStage(boards, mockAuth{}, pub)(c); err != nil {
		t.Fatalf("create: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 got %d: %s", rec.Code, rec.Body.String())
	}
	var created domain.Stage
	if err := sonic.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if created.Name != "Review" || created.ID.IsZero() {
		t.Fatalf("unexpected created stage: %+v", created)
	}

	rec = httptest.NewRecorder()
	c = e.NewContext(jsonRequest(http.MethodPut, "/api/stages/s2", `{"name":"Doing","sortOrder":2}`), rec)
	c.SetParamNames("id")
	c.SetParamValues("s2")
	if err := putStage(boards, mockAuth{}, pub)(c); err != nil {
		t.Fatalf("update: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	c = e.NewContext(jsonRequest(http.MethodDelete, "/api/stages/s1", ""), rec)
	c.SetParamNames("id")
	c.SetParamValues("s1")
	if err := deleteStage(boards, mockAuth{}, pub)(c); err != nil {
		t.Fatalf("delete default: %v", err)
	}
	if rec.Code != http.StatusConflict {
		t.Fatalf("deleting the default stage should 409, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	c = e.NewContext(jsonRequest(http.MethodDelete, "/api/stages/s2", ""), rec)
	c.SetParamNames("id")
	c.SetParamValues("s2")
	if err := deleteStage(boards, mockAuth{}, pub)(c); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 got %d", rec.Code)
	}

	events := pub.Events()
	if len(events) != 3 {
		t.Fatalf("expected 3 stage events, got %d", len(events))
	}
	if events[0].Type != domain.EventStageCreated || events[1].Type != domain.EventStageUpdated || events[2].Type != domain.EventStageDeleted {
		t.Fatalf("unexpected event sequence: %#v", events)
	}
}

func TestRegisterAcceptsGzipMove(t *testing.T) {
	resetEventPublisherForTests()
	t.Cleanup(resetEventPublisherForTests)

	e := echo.New()
	boards, _, taskSvc := boardFixture(t)
	Register(e, boards, mockAuth{}, nil, nil, log.New())

	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write([]byte(`{"taskId":"t1","toStageId":"s2"}`)); err != nil {
		t.Fatalf("gzip write: %v", err)
	}
	if err := gw.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/board/move", &buf)
	req.Header.Set(echo.HeaderAuthorization, "Bearer token")
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set(echo.HeaderContentEncoding, "gzip")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rec.Code, rec.Body.String())
	}
	if len(taskSvc.Patches()) != 1 {
		t.Fatalf("expected one confirming patch, got %d", len(taskSvc.Patches()))
	}
}

func TestHealthz(t *testing.T) {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/healthz", nil), rec)
	if err := healthz()(c); err != nil {
		t.Fatalf("healthz: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
}
