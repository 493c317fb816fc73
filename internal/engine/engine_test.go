package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"sepflow/internal/domain"
	"sepflow/internal/engine"
	"sepflow/internal/engine/auth"
	"sepflow/internal/engine/lifecycle"
	"sepflow/internal/store"
	"sepflow/internal/store/memory"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	reg, err := auth.NewRegistry([]auth.Identity{
		{ID: "cs", Role: domain.RoleCS},
		{ID: "scs", Role: domain.RoleSCS},
		{ID: "am", Role: domain.RoleAM},
		{ID: "fm", Role: domain.RoleFM},
		{ID: "hr", Role: domain.RoleHR},
		{ID: "pm", Role: domain.RolePM},
		{ID: "sm", Role: domain.RoleSM},
		{ID: "sub1", Role: domain.RoleSub, EmployeeID: "emp-1"},
		{ID: "sub2", Role: domain.RoleSub, EmployeeID: "emp-2"},
	})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	eng := engine.New(memory.NewStore(), reg, lifecycle.Default())
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	var seq atomic.Int64
	eng.NewID = func() string { return fmt.Sprintf("id-%d", seq.Add(1)) }
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func (env testEnv) recruit(t *testing.T, id, name, dept string) {
	t.Helper()
	if _, err := env.Engine.RecruitEmployee(env.Ctx, engine.EmployeeCreateOptions{ID: id, Name: name, Department: dept, ActorID: "hr"}); err != nil {
		t.Fatalf("recruit %s: %v", id, err)
	}
}

func (env testEnv) newApp(t *testing.T, actor string) *domain.Application {
	t.Helper()
	res, err := env.Engine.CreateApplication(env.Ctx, engine.ApplicationCreateOptions{Name: "Spring gala", ActorID: actor})
	if err != nil {
		t.Fatalf("create application: %v", err)
	}
	return res.Application()
}

// openApp returns an application in status open, created by SCS.
func (env testEnv) openApp(t *testing.T) *domain.Application {
	t.Helper()
	app := env.newApp(t, "scs")
	if app.Status != domain.AppOpen {
		t.Fatalf("expected open, got %s", app.Status)
	}
	return app
}

func (env testEnv) version(t *testing.T, et domain.EntityType, id string) int64 {
	t.Helper()
	ent, err := env.Engine.Get(env.Ctx, "am", et, id)
	if err != nil {
		t.Fatalf("get %s %s: %v", et, id, err)
	}
	return ent.CurrentVersion()
}

func expectKind(t *testing.T, err error, kind error) {
	t.Helper()
	if !errors.Is(err, kind) {
		t.Fatalf("expected %v, got %v", kind, err)
	}
}

func TestCreateApplicationInitialStatusByRole(t *testing.T) {
	env := newTestEnv(t)
	app := env.newApp(t, "cs")
	if app.Status != domain.AppReviewing || !app.NeedsReview || app.Version != 1 {
		t.Fatalf("unexpected CS application %+v", app)
	}
	app = env.newApp(t, "scs")
	if app.Status != domain.AppOpen || app.NeedsReview {
		t.Fatalf("unexpected SCS application %+v", app)
	}
	_, err := env.Engine.CreateApplication(env.Ctx, engine.ApplicationCreateOptions{Name: "x", ActorID: "pm"})
	expectKind(t, err, domain.ErrForbidden)
	_, err = env.Engine.CreateApplication(env.Ctx, engine.ApplicationCreateOptions{Name: " ", ActorID: "cs"})
	expectKind(t, err, domain.ErrValidation)
}

func TestUnknownIdentity(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateApplication(env.Ctx, engine.ApplicationCreateOptions{Name: "x", ActorID: "ghost"})
	expectKind(t, err, domain.ErrUnknownIdentity)
	_, err = env.Engine.Dispatch(env.Ctx, engine.Command{EntityType: domain.EntityApplication, Action: domain.ActionCreate})
	expectKind(t, err, domain.ErrUnknownIdentity)
	// identity is checked before the entity is loaded
	_, err = env.Engine.ReviewApplication(env.Ctx, engine.ReviewOptions{ID: "missing", Action: "approve", ActorID: "ghost", ExpectedVersion: 1})
	expectKind(t, err, domain.ErrUnknownIdentity)
}

func TestMissingEntityIsNotFound(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.ReviewApplication(env.Ctx, engine.ReviewOptions{ID: "missing", Action: "approve", ActorID: "am", ExpectedVersion: 1})
	expectKind(t, err, domain.ErrNotFound)
	_, err = env.Engine.CommentTask(env.Ctx, "missing", "hi", "sub1", 1)
	expectKind(t, err, domain.ErrNotFound)
}

func TestForbiddenLeavesVersionUnchanged(t *testing.T) {
	env := newTestEnv(t)
	app := env.newApp(t, "cs")

	// no capability at all
	_, err := env.Engine.ReviewApplication(env.Ctx, engine.ReviewOptions{ID: app.ID, Action: "approve", ActorID: "pm", ExpectedVersion: 1})
	expectKind(t, err, domain.ErrForbidden)
	// FM may approve and comment but not reject
	_, err = env.Engine.ReviewApplication(env.Ctx, engine.ReviewOptions{ID: app.ID, Action: "reject", Reason: "no", ActorID: "fm", ExpectedVersion: 1})
	expectKind(t, err, domain.ErrForbidden)
	var werr *domain.Error
	if !errors.As(err, &werr) || werr.Details["permission"] != "application.reject" {
		t.Fatalf("expected permission detail, got %#v", err)
	}
	if v := env.version(t, domain.EntityApplication, app.ID); v != 1 {
		t.Fatalf("version moved to %d", v)
	}
	evts, err := env.Engine.Events(env.Ctx, "am", store.EventQuery{EntityID: app.ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(evts) != 1 {
		t.Fatalf("expected only the create event, got %d", len(evts))
	}
}

// seed stores an entity directly in status at version 1. Tasks outside unassigned
// belong to emp-1, the employee record of sub1.
func (env testEnv) seed(t *testing.T, et domain.EntityType, id, status, kind string) {
	t.Helper()
	const ts = "2024-01-01T00:00:00Z"
	rec := store.Record{Type: et, ID: id, Status: status, Version: 1, CreatedAt: ts, UpdatedAt: ts}
	var ent domain.Entity
	switch et {
	case domain.EntityApplication:
		rec.Owner = "cs"
		ent = &domain.Application{ID: id, Name: "Seeded", Status: status, NeedsReview: status == domain.AppReviewing,
			CreatedBy: "cs", Version: 1, CreatedAt: ts, UpdatedAt: ts}
	case domain.EntityTask:
		rec.ParentID = "app-seed"
		task := &domain.Task{ID: id, ApplicationID: "app-seed", Name: "Seeded", Status: status, CreatedBy: "pm", Version: 1, CreatedAt: ts, UpdatedAt: ts}
		if status != domain.TaskUnassigned {
			assignee := "emp-1"
			task.AssigneeID = &assignee
			rec.Owner = assignee
		}
		ent = task
	case domain.EntityRequest:
		rec.ParentID = "app-seed"
		rec.Kind = kind
		ent = &domain.Request{ID: id, Kind: kind, ApplicationID: "app-seed", Name: "Seeded", Status: status,
			CreatedBy: "pm", Version: 1, CreatedAt: ts, UpdatedAt: ts}
	default:
		t.Fatalf("cannot seed %s", et)
	}
	data, err := json.Marshal(ent)
	if err != nil {
		t.Fatal(err)
	}
	rec.Data = data
	if _, err := env.Engine.Store.Commit(env.Ctx, store.Batch{Writes: []store.Write{{Record: rec}}}); err != nil {
		t.Fatalf("seed %s %s: %v", et, id, err)
	}
}

// TestUnauthorizedTuplesAreForbidden walks every (role, action, entity, status, kind).
// Tuples whose capability the table never grants the role must be Forbidden,
// tuples it grants elsewhere must be InvalidTransition, and neither may move the version.
func TestUnauthorizedTuplesAreForbidden(t *testing.T) {
	env := newTestEnv(t)
	table := env.Engine.Table
	actors := map[domain.Role]string{
		domain.RoleCS: "cs", domain.RoleSCS: "scs", domain.RoleAM: "am", domain.RoleFM: "fm",
		domain.RoleHR: "hr", domain.RolePM: "pm", domain.RoleSM: "sm", domain.RoleSub: "sub1",
	}
	var actions []domain.Action
	seen := map[domain.Action]bool{}
	for _, row := range table.Transitions() {
		if !row.IsCreate() && !seen[row.Action] {
			seen[row.Action] = true
			actions = append(actions, row.Action)
		}
	}

	checked := 0
	for _, et := range []domain.EntityType{domain.EntityApplication, domain.EntityTask, domain.EntityRequest} {
		m, ok := table.Machine(et)
		if !ok {
			t.Fatalf("no machine for %s", et)
		}
		kinds := table.Kinds(et)
		if len(kinds) == 0 {
			kinds = []string{""}
		}
		for _, status := range m.States {
			for _, kind := range kinds {
				id := fmt.Sprintf("%s-%s-%s", et, status, kind)
				env.seed(t, et, id, status, kind)
				for _, role := range domain.Roles {
					legal := map[domain.Action]bool{}
					for _, a := range table.AvailableActions(et, status, role, kind) {
						legal[a] = true
					}
					notOwner := et == domain.EntityTask && role == domain.RoleSub && status == domain.TaskUnassigned
					for _, action := range actions {
						want := domain.ErrInvalidTransition
						switch {
						case !table.Grants(et, action, role, kind), notOwner:
							want = domain.ErrForbidden
						case legal[action]:
							continue
						}
						_, err := env.Engine.Dispatch(env.Ctx, engine.Command{
							Actor: actors[role], EntityType: et, EntityID: id, Action: action, ExpectedVersion: 1,
						})
						if !errors.Is(err, want) {
							t.Errorf("%s %s on %s %s (%s): expected %v, got %v", role, action, et, status, kind, want, err)
						}
						checked++
					}
				}
				if v := env.version(t, et, id); v != 1 {
					t.Fatalf("%s moved to version %d", id, v)
				}
				evts, err := env.Engine.Events(env.Ctx, "am", store.EventQuery{EntityID: id})
				if err != nil {
					t.Fatal(err)
				}
				if len(evts) != 0 {
					t.Fatalf("%s gained events %+v", id, evts)
				}
			}
		}
	}
	if checked == 0 {
		t.Fatalf("sweep checked nothing")
	}
}

func TestApproveAndRejectOnlyFromReviewing(t *testing.T) {
	env := newTestEnv(t)
	open := env.openApp(t)
	for _, action := range []string{"approve", "reject"} {
		_, err := env.Engine.ReviewApplication(env.Ctx, engine.ReviewOptions{ID: open.ID, Action: action, Reason: "r", ActorID: "am", ExpectedVersion: 1})
		expectKind(t, err, domain.ErrInvalidTransition)
	}

	app := env.newApp(t, "cs")
	res, err := env.Engine.ReviewApplication(env.Ctx, engine.ReviewOptions{ID: app.ID, Action: "approve", ActorID: "am", ExpectedVersion: 1})
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	approved := res.Application()
	if approved.Status != domain.AppApproved || approved.NeedsReview || approved.Version != 2 {
		t.Fatalf("unexpected approved application %+v", approved)
	}
	_, err = env.Engine.ReviewApplication(env.Ctx, engine.ReviewOptions{ID: app.ID, Action: "approve", ActorID: "am", ExpectedVersion: 2})
	expectKind(t, err, domain.ErrInvalidTransition)
	_, err = env.Engine.ReviewApplication(env.Ctx, engine.ReviewOptions{ID: app.ID, Action: "escalate", ActorID: "am", ExpectedVersion: 2})
	expectKind(t, err, domain.ErrValidation)
}

func TestRejectScenario(t *testing.T) {
	env := newTestEnv(t)
	app := env.newApp(t, "cs")

	_, err := env.Engine.ReviewApplication(env.Ctx, engine.ReviewOptions{ID: app.ID, Action: "reject", ActorID: "am", ExpectedVersion: 1})
	expectKind(t, err, domain.ErrValidation)

	res, err := env.Engine.ReviewApplication(env.Ctx, engine.ReviewOptions{ID: app.ID, Action: "reject", Comment: "over budget", ActorID: "am", ExpectedVersion: 1})
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	rejected := res.Application()
	if rejected.Status != domain.AppRejected || rejected.NeedsReview || rejected.RejectionReason != "over budget" {
		t.Fatalf("unexpected rejected application %+v", rejected)
	}
	if !env.Engine.Table.IsTerminal(domain.EntityApplication, rejected.Status) {
		t.Fatalf("rejected should be terminal")
	}
	_, err = env.Engine.ChangeStatus(env.Ctx, app.ID, "pm", rejected.Version)
	expectKind(t, err, domain.ErrInvalidTransition)
	_, err = env.Engine.ChangeStatus(env.Ctx, app.ID, "cs", rejected.Version)
	expectKind(t, err, domain.ErrForbidden)
	_, err = env.Engine.TaskAssign(env.Ctx, engine.TaskAssignOptions{ApplicationID: app.ID, Name: "setup", ActorID: "pm", ExpectedVersion: rejected.Version})
	expectKind(t, err, domain.ErrInvalidTransition)
}

func TestFinancialCommentsAppendAndKeepReviewing(t *testing.T) {
	env := newTestEnv(t)
	app := env.newApp(t, "cs")
	version := app.Version
	for _, text := range []string{"needs quote", "needs quote"} {
		res, err := env.Engine.ReviewApplication(env.Ctx, engine.ReviewOptions{ID: app.ID, Action: "comment", Comment: text, ActorID: "fm", ExpectedVersion: version})
		if err != nil {
			t.Fatalf("comment: %v", err)
		}
		app = res.Application()
		version = app.Version
	}
	if app.Status != domain.AppReviewing || !app.NeedsReview {
		t.Fatalf("comment must not leave review: %+v", app)
	}
	if len(app.FinancialComments) != 2 || app.FinancialComment != "needs quote" || app.Version != 3 {
		t.Fatalf("unexpected comment log %+v", app)
	}
	_, err := env.Engine.ReviewApplication(env.Ctx, engine.ReviewOptions{ID: app.ID, Action: "comment", ActorID: "fm", ExpectedVersion: version})
	expectKind(t, err, domain.ErrValidation)
}

func TestStaffingPathReachesClosed(t *testing.T) {
	env := newTestEnv(t)
	app := env.newApp(t, "cs")
	res, err := env.Engine.ReviewApplication(env.Ctx, engine.ReviewOptions{ID: app.ID, Action: "approve", ActorID: "scs", ExpectedVersion: 1})
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	version := res.Application().Version
	for _, want := range []string{domain.AppOpen, domain.AppInProgress, domain.AppClosed} {
		res, err = env.Engine.ChangeStatus(env.Ctx, app.ID, "sm", version)
		if err != nil {
			t.Fatalf("advance to %s: %v", want, err)
		}
		if got := res.Application().Status; got != want {
			t.Fatalf("expected %s, got %s", want, got)
		}
		version = res.Application().Version
	}
	if !env.Engine.Table.IsTerminal(domain.EntityApplication, domain.AppClosed) {
		t.Fatalf("closed should be terminal")
	}
	_, err = env.Engine.ChangeStatus(env.Ctx, app.ID, "sm", version)
	expectKind(t, err, domain.ErrInvalidTransition)
}

func TestChangeStatusWithStaleVersionConflicts(t *testing.T) {
	env := newTestEnv(t)
	app := env.openApp(t)
	version := app.Version
	for i := 0; i < 2; i++ {
		res, err := env.Engine.ChangeStatus(env.Ctx, app.ID, "pm", version)
		if err != nil {
			t.Fatalf("advance: %v", err)
		}
		version = res.Application().Version
	}
	// the caller last saw in_progress; the closed status must not decide the answer
	_, err := env.Engine.ChangeStatus(env.Ctx, app.ID, "pm", version-1)
	expectKind(t, err, domain.ErrConflict)
	var werr *domain.Error
	if !errors.As(err, &werr) || werr.Details["current_version"] != version {
		t.Fatalf("expected current_version %d, got %#v", version, err)
	}
	_, err = env.Engine.ChangeStatus(env.Ctx, app.ID, "cs", version-1)
	expectKind(t, err, domain.ErrForbidden)
}

func TestSetInProgressThenCloseFromOpen(t *testing.T) {
	env := newTestEnv(t)
	app := env.openApp(t)
	res, err := env.Engine.Dispatch(env.Ctx, engine.Command{Actor: "pm", EntityType: domain.EntityApplication, EntityID: app.ID, Action: domain.ActionSetInProgress, ExpectedVersion: 1})
	if err != nil {
		t.Fatalf("setInProgress: %v", err)
	}
	res, err = env.Engine.Dispatch(env.Ctx, engine.Command{Actor: "pm", EntityType: domain.EntityApplication, EntityID: app.ID, Action: domain.ActionClose, ExpectedVersion: res.Entity.CurrentVersion()})
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if res.Entity.CurrentStatus() != domain.AppClosed || res.Entity.CurrentVersion() != 3 {
		t.Fatalf("unexpected result %+v", res.Entity)
	}
	_, err = env.Engine.Dispatch(env.Ctx, engine.Command{Actor: "pm", EntityType: domain.EntityApplication, EntityID: app.ID, Action: domain.ActionOpen, ExpectedVersion: 3})
	expectKind(t, err, domain.ErrInvalidTransition)
}

func TestAssignTaskCreatesChild(t *testing.T) {
	env := newTestEnv(t)
	env.recruit(t, "emp-1", "Ada", "logistics")
	app := env.openApp(t)

	res, err := env.Engine.TaskAssign(env.Ctx, engine.TaskAssignOptions{ApplicationID: app.ID, TaskID: "t-1", Name: "Book venue", EmployeeID: "emp-1", ActorID: "pm", ExpectedVersion: 1})
	if err != nil {
		t.Fatalf("assign task: %v", err)
	}
	if res.Application().Version != 2 || res.Application().Status != domain.AppOpen {
		t.Fatalf("unexpected parent %+v", res.Application())
	}
	task := res.CreatedTask()
	if task == nil || task.ID != "t-1" || task.Status != domain.TaskAssigned || task.AssigneeID == nil || *task.AssigneeID != "emp-1" {
		t.Fatalf("unexpected task %+v", task)
	}
	if len(res.Events) != 2 || res.Events[0].Type != "application.assignTask" || res.Events[1].Type != "task.create" {
		t.Fatalf("unexpected events %+v", res.Events)
	}

	res, err = env.Engine.TaskAssign(env.Ctx, engine.TaskAssignOptions{ApplicationID: app.ID, Name: "Print flyers", ActorID: "sm", ExpectedVersion: 2})
	if err != nil {
		t.Fatalf("assign unassigned task: %v", err)
	}
	if res.CreatedTask().Status != domain.TaskUnassigned || res.CreatedTask().AssigneeID != nil {
		t.Fatalf("expected unassigned task, got %+v", res.CreatedTask())
	}

	_, err = env.Engine.TaskAssign(env.Ctx, engine.TaskAssignOptions{ApplicationID: app.ID, Name: "x", EmployeeID: "emp-404", ActorID: "pm", ExpectedVersion: 3})
	expectKind(t, err, domain.ErrUnknownEmployee)
	_, err = env.Engine.TaskAssign(env.Ctx, engine.TaskAssignOptions{ApplicationID: app.ID, ActorID: "pm", ExpectedVersion: 3})
	expectKind(t, err, domain.ErrValidation)
	_, err = env.Engine.TaskAssign(env.Ctx, engine.TaskAssignOptions{ApplicationID: app.ID, Name: "x", ActorID: "fm", ExpectedVersion: 3})
	expectKind(t, err, domain.ErrForbidden)

	tasks, err := env.Engine.ListTasks(env.Ctx, "pm", app.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(tasks))
	}
}

func TestAssignTaskRequiresStaffedParent(t *testing.T) {
	env := newTestEnv(t)
	app := env.newApp(t, "cs")
	_, err := env.Engine.TaskAssign(env.Ctx, engine.TaskAssignOptions{ApplicationID: app.ID, Name: "early", ActorID: "pm", ExpectedVersion: 1})
	expectKind(t, err, domain.ErrInvalidTransition)
}

func TestReassignLastWins(t *testing.T) {
	env := newTestEnv(t)
	env.recruit(t, "emp-1", "Ada", "logistics")
	env.recruit(t, "emp-2", "Bo", "logistics")
	app := env.openApp(t)
	res, err := env.Engine.TaskAssign(env.Ctx, engine.TaskAssignOptions{ApplicationID: app.ID, Name: "Catering", ActorID: "pm", ExpectedVersion: 1})
	if err != nil {
		t.Fatal(err)
	}
	task := res.CreatedTask()

	res, err = env.Engine.ReassignTask(env.Ctx, task.ID, "emp-1", "pm", 1)
	if err != nil {
		t.Fatalf("first assign: %v", err)
	}
	res, err = env.Engine.ReassignTask(env.Ctx, task.ID, "emp-2", "sm", 2)
	if err != nil {
		t.Fatalf("second assign: %v", err)
	}
	task = res.Task()
	if task.Status != domain.TaskAssigned || *task.AssigneeID != "emp-2" || task.Version != 3 {
		t.Fatalf("unexpected task %+v", task)
	}

	_, err = env.Engine.ReassignTask(env.Ctx, task.ID, "emp-404", "pm", 3)
	expectKind(t, err, domain.ErrUnknownEmployee)
	_, err = env.Engine.ReassignTask(env.Ctx, task.ID, "", "pm", 3)
	expectKind(t, err, domain.ErrValidation)
	_, err = env.Engine.ReassignTask(env.Ctx, task.ID, "emp-1", "hr", 3)
	expectKind(t, err, domain.ErrForbidden)
}

func TestReassignAfterParentClosed(t *testing.T) {
	env := newTestEnv(t)
	env.recruit(t, "emp-1", "Ada", "logistics")
	app := env.openApp(t)
	res, err := env.Engine.TaskAssign(env.Ctx, engine.TaskAssignOptions{ApplicationID: app.ID, Name: "Teardown", ActorID: "pm", ExpectedVersion: 1})
	if err != nil {
		t.Fatal(err)
	}
	task := res.CreatedTask()
	version := res.Application().Version
	for i := 0; i < 2; i++ {
		res, err = env.Engine.ChangeStatus(env.Ctx, app.ID, "pm", version)
		if err != nil {
			t.Fatalf("advance: %v", err)
		}
		version = res.Application().Version
	}
	_, err = env.Engine.ReassignTask(env.Ctx, task.ID, "emp-1", "pm", 1)
	expectKind(t, err, domain.ErrInvalidTransition)
	var werr *domain.Error
	if !errors.As(err, &werr) || werr.Details["application_status"] != domain.AppClosed {
		t.Fatalf("expected application_status detail, got %#v", err)
	}
}

func TestSubCommentsOnOwnTask(t *testing.T) {
	env := newTestEnv(t)
	env.recruit(t, "emp-1", "Ada", "logistics")
	env.recruit(t, "emp-2", "Bo", "logistics")
	app := env.openApp(t)
	res, err := env.Engine.TaskAssign(env.Ctx, engine.TaskAssignOptions{ApplicationID: app.ID, Name: "Signage", EmployeeID: "emp-1", ActorID: "pm", ExpectedVersion: 1})
	if err != nil {
		t.Fatal(err)
	}
	task := res.CreatedTask()

	_, err = env.Engine.CommentTask(env.Ctx, task.ID, "on it", "sub2", 1)
	expectKind(t, err, domain.ErrForbidden)
	_, err = env.Engine.CommentTask(env.Ctx, task.ID, "  ", "sub1", 1)
	expectKind(t, err, domain.ErrValidation)
	_, err = env.Engine.CommentTask(env.Ctx, task.ID, "hi", "pm", 1)
	expectKind(t, err, domain.ErrForbidden)

	version := int64(1)
	for i := 0; i < 2; i++ {
		res, err = env.Engine.CommentTask(env.Ctx, task.ID, "done", "sub1", version)
		if err != nil {
			t.Fatalf("comment %d: %v", i, err)
		}
		version = res.Task().Version
	}
	task = res.Task()
	if task.Status != domain.TaskCommented || len(task.Comments) != 2 || task.Version != 3 {
		t.Fatalf("unexpected task %+v", task)
	}
	if task.Comments[0].Author != "sub1" || task.Comments[1].Text != "done" {
		t.Fatalf("unexpected comments %+v", task.Comments)
	}

	// reassigning away hands the task to the new owner
	if _, err := env.Engine.ReassignTask(env.Ctx, task.ID, "emp-2", "pm", version); err != nil {
		t.Fatalf("reassign: %v", err)
	}
	_, err = env.Engine.CommentTask(env.Ctx, task.ID, "more", "sub1", version+1)
	expectKind(t, err, domain.ErrForbidden)
}

func TestSubCannotCommentOnUnassignedTask(t *testing.T) {
	env := newTestEnv(t)
	app := env.openApp(t)
	res, err := env.Engine.TaskAssign(env.Ctx, engine.TaskAssignOptions{ApplicationID: app.ID, Name: "Spare", ActorID: "pm", ExpectedVersion: 1})
	if err != nil {
		t.Fatal(err)
	}
	// ownership is checked before status, so the Sub does not learn the task is unassigned
	_, err = env.Engine.CommentTask(env.Ctx, res.CreatedTask().ID, "hello", "sub1", 1)
	expectKind(t, err, domain.ErrForbidden)
}

// racingStore runs onRead once, right after the first read of application appID
// has returned its record.
type racingStore struct {
	store.Store
	appID  string
	fired  bool
	onRead func()
}

func (s *racingStore) Get(ctx context.Context, t domain.EntityType, id string) (store.Record, error) {
	rec, err := s.Store.Get(ctx, t, id)
	if t == domain.EntityApplication && id == s.appID && s.onRead != nil && !s.fired {
		s.fired = true
		s.onRead()
	}
	return rec, err
}

func TestReassignConflictsWithConcurrentClose(t *testing.T) {
	env := newTestEnv(t)
	rs := &racingStore{Store: env.Engine.Store}
	env.Engine.Store = rs
	env.recruit(t, "emp-1", "Ada", "logistics")
	env.recruit(t, "emp-2", "Grace", "logistics")
	app := env.openApp(t)
	if _, err := env.Engine.ChangeStatus(env.Ctx, app.ID, "pm", 1); err != nil {
		t.Fatalf("start: %v", err)
	}
	res, err := env.Engine.TaskAssign(env.Ctx, engine.TaskAssignOptions{ApplicationID: app.ID, Name: "Teardown", EmployeeID: "emp-1", ActorID: "pm", ExpectedVersion: 2})
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	task := res.CreatedTask()

	rs.appID = app.ID
	rs.onRead = func() {
		if _, err := env.Engine.ChangeStatus(env.Ctx, app.ID, "pm", 3); err != nil {
			t.Errorf("close: %v", err)
		}
	}
	_, err = env.Engine.ReassignTask(env.Ctx, task.ID, "emp-2", "pm", 1)
	if !rs.fired {
		t.Fatalf("parent application was never read")
	}
	expectKind(t, err, domain.ErrConflict)
	var werr *domain.Error
	if !errors.As(err, &werr) || werr.Details["id"] != app.ID {
		t.Fatalf("expected the conflict to name the application, got %#v", err)
	}

	parent, err := env.Engine.GetApplication(env.Ctx, "pm", app.ID)
	if err != nil {
		t.Fatal(err)
	}
	if parent.Status != domain.AppClosed {
		t.Fatalf("expected closed parent, got %s", parent.Status)
	}
	ent, err := env.Engine.Get(env.Ctx, "pm", domain.EntityTask, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	got := ent.(*domain.Task)
	if got.Version != 1 || got.AssigneeID == nil || *got.AssigneeID != "emp-1" {
		t.Fatalf("task changed under a closed application: %+v", got)
	}
}

func TestConcurrentSameVersionDispatch(t *testing.T) {
	env := newTestEnv(t)
	app := env.newApp(t, "cs")

	const workers = 8
	var ok, conflicts atomic.Int32
	var g errgroup.Group
	for i := 0; i < workers; i++ {
		i := i
		g.Go(func() error {
			_, err := env.Engine.ReviewApplication(env.Ctx, engine.ReviewOptions{
				ID: app.ID, Action: "comment", Comment: fmt.Sprintf("note %d", i), ActorID: "fm", ExpectedVersion: 1,
			})
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, domain.ErrConflict):
				conflicts.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok.Load() != 1 || conflicts.Load() != workers-1 {
		t.Fatalf("expected 1 success and %d conflicts, got %d/%d", workers-1, ok.Load(), conflicts.Load())
	}
	got, err := env.Engine.GetApplication(env.Ctx, "fm", app.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Version != 2 || len(got.FinancialComments) != 1 {
		t.Fatalf("unexpected application after race %+v", got)
	}
}

func TestStaleExpectedVersion(t *testing.T) {
	env := newTestEnv(t)
	app := env.newApp(t, "cs")
	if _, err := env.Engine.ReviewApplication(env.Ctx, engine.ReviewOptions{ID: app.ID, Action: "comment", Comment: "a", ActorID: "fm", ExpectedVersion: 1}); err != nil {
		t.Fatal(err)
	}
	_, err := env.Engine.ReviewApplication(env.Ctx, engine.ReviewOptions{ID: app.ID, Action: "approve", ActorID: "am", ExpectedVersion: 1})
	expectKind(t, err, domain.ErrConflict)
	var werr *domain.Error
	if !errors.As(err, &werr) || werr.Details["current_version"] != int64(2) {
		t.Fatalf("expected current_version detail, got %#v", err)
	}
	_, err = env.Engine.ReviewApplication(env.Ctx, engine.ReviewOptions{ID: app.ID, Action: "approve", ActorID: "am"})
	expectKind(t, err, domain.ErrValidation)
	_, err = env.Engine.Dispatch(env.Ctx, engine.Command{Actor: "cs", EntityType: domain.EntityApplication, Action: domain.ActionCreate, Payload: engine.Payload{Name: "x"}, ExpectedVersion: 4})
	expectKind(t, err, domain.ErrValidation)
}

func TestCreateWithTakenIDConflicts(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.CreateApplication(env.Ctx, engine.ApplicationCreateOptions{ID: "app-1", Name: "a", ActorID: "cs"}); err != nil {
		t.Fatal(err)
	}
	_, err := env.Engine.CreateApplication(env.Ctx, engine.ApplicationCreateOptions{ID: "app-1", Name: "b", ActorID: "cs"})
	expectKind(t, err, domain.ErrConflict)
}

func TestResourceRequestScenario(t *testing.T) {
	env := newTestEnv(t)
	app := env.openApp(t)

	res, err := env.Engine.CreateRequest(env.Ctx, engine.RequestCreateOptions{Kind: domain.KindResource, ApplicationID: app.ID, Name: "Two stagehands", ActorID: "pm"})
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
	req := res.Request()
	if req.Status != domain.ReqReviewing || req.Version != 1 || req.Kind != domain.KindResource {
		t.Fatalf("unexpected request %+v", req)
	}
	if len(res.Events) != 2 || res.Events[0].Type != "request.submitted" || res.Events[1].Type != "request.reviewing" {
		t.Fatalf("expected submitted then reviewing events, got %+v", res.Events)
	}

	// FM decides budget requests only
	_, err = env.Engine.ChangeRequestStatus(env.Ctx, req.ID, "approved", "fm", 1)
	expectKind(t, err, domain.ErrForbidden)
	res, err = env.Engine.ChangeRequestStatus(env.Ctx, req.ID, "approved", "hr", 1)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	req = res.Request()
	if req.Status != domain.ReqApproved || req.DecidedBy != "hr" || req.Version != 2 {
		t.Fatalf("unexpected decided request %+v", req)
	}
	_, err = env.Engine.ChangeRequestStatus(env.Ctx, req.ID, "reject", "hr", 2)
	expectKind(t, err, domain.ErrInvalidTransition)
	_, err = env.Engine.ChangeRequestStatus(env.Ctx, req.ID, "maybe", "hr", 2)
	expectKind(t, err, domain.ErrValidation)
}

func TestRequestDecisionsAreScopedByKind(t *testing.T) {
	env := newTestEnv(t)
	app := env.openApp(t)
	res, err := env.Engine.CreateRequest(env.Ctx, engine.RequestCreateOptions{Kind: domain.KindBudget, ApplicationID: app.ID, Name: "Deposit", ActorID: "pm"})
	if err != nil {
		t.Fatal(err)
	}
	id := res.Request().ID
	if _, err := env.Engine.ChangeRequestStatus(env.Ctx, id, "approve", "fm", 1); err != nil {
		t.Fatalf("approve: %v", err)
	}

	// HR holds request.reject for resource requests only; the terminal status must not show through
	_, err = env.Engine.ChangeRequestStatus(env.Ctx, id, "reject", "hr", 2)
	expectKind(t, err, domain.ErrForbidden)
	var werr *domain.Error
	if !errors.As(err, &werr) || werr.Details["kind"] != domain.KindBudget || werr.Details["permission"] != "request.reject" {
		t.Fatalf("expected kind-scoped forbidden, got %#v", err)
	}
	// FM decided it, but the status still gates FM
	_, err = env.Engine.ChangeRequestStatus(env.Ctx, id, "reject", "fm", 2)
	expectKind(t, err, domain.ErrInvalidTransition)
	if v := env.version(t, domain.EntityRequest, id); v != 2 {
		t.Fatalf("version moved to %d", v)
	}
}

func TestBudgetRequestRules(t *testing.T) {
	env := newTestEnv(t)
	app := env.openApp(t)

	_, err := env.Engine.CreateRequest(env.Ctx, engine.RequestCreateOptions{Kind: domain.KindBudget, ApplicationID: app.ID, Name: "x", ActorID: "cs"})
	expectKind(t, err, domain.ErrForbidden)
	_, err = env.Engine.CreateRequest(env.Ctx, engine.RequestCreateOptions{Kind: domain.KindResource, ApplicationID: app.ID, Name: "x", ActorID: "hr"})
	expectKind(t, err, domain.ErrForbidden)
	_, err = env.Engine.CreateRequest(env.Ctx, engine.RequestCreateOptions{Kind: "snacks", ApplicationID: app.ID, Name: "x", ActorID: "pm"})
	expectKind(t, err, domain.ErrValidation)
	_, err = env.Engine.CreateRequest(env.Ctx, engine.RequestCreateOptions{Kind: domain.KindBudget, ApplicationID: "missing", Name: "x", ActorID: "pm"})
	expectKind(t, err, domain.ErrNotFound)

	res, err := env.Engine.CreateRequest(env.Ctx, engine.RequestCreateOptions{Kind: domain.KindBudget, ApplicationID: app.ID, Name: "Deposit", ActorID: "hr"})
	if err != nil {
		t.Fatalf("create budget request: %v", err)
	}
	_, err = env.Engine.ChangeRequestStatus(env.Ctx, res.Request().ID, "reject", "hr", 1)
	expectKind(t, err, domain.ErrForbidden)
	res, err = env.Engine.ChangeRequestStatus(env.Ctx, res.Request().ID, "reject", "fm", 1)
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if res.Request().Status != domain.ReqRejected {
		t.Fatalf("expected rejected, got %s", res.Request().Status)
	}
}

func TestRecruitEmployee(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.RecruitEmployee(env.Ctx, engine.EmployeeCreateOptions{Name: "Ada", Department: "ops", ActorID: "pm"})
	expectKind(t, err, domain.ErrForbidden)
	_, err = env.Engine.RecruitEmployee(env.Ctx, engine.EmployeeCreateOptions{Name: "Ada", ActorID: "hr"})
	expectKind(t, err, domain.ErrValidation)
	env.recruit(t, "emp-1", "Ada", "ops")
	env.recruit(t, "emp-2", "Bo", "finance")

	emps, err := env.Engine.ListEmployees(env.Ctx, "pm", "ops")
	if err != nil {
		t.Fatal(err)
	}
	if len(emps) != 1 || emps[0].ID != "emp-1" {
		t.Fatalf("unexpected department listing %+v", emps)
	}
	all, err := env.Engine.ListEmployees(env.Ctx, "pm", "")
	if err != nil || len(all) != 2 {
		t.Fatalf("expected 2 employees, got %d (%v)", len(all), err)
	}
}

func TestInboxPerRole(t *testing.T) {
	env := newTestEnv(t)
	env.recruit(t, "emp-1", "Ada", "ops")
	pending := env.newApp(t, "cs")
	open := env.openApp(t)
	res, err := env.Engine.TaskAssign(env.Ctx, engine.TaskAssignOptions{ApplicationID: open.ID, Name: "Lights", EmployeeID: "emp-1", ActorID: "pm", ExpectedVersion: 1})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.CreateRequest(env.Ctx, engine.RequestCreateOptions{Kind: domain.KindBudget, ApplicationID: open.ID, Name: "Deposit", ActorID: "pm"}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.CreateRequest(env.Ctx, engine.RequestCreateOptions{Kind: domain.KindResource, ApplicationID: open.ID, Name: "Crew", ActorID: "pm"}); err != nil {
		t.Fatal(err)
	}

	box, err := env.Engine.Inbox(env.Ctx, "am")
	if err != nil {
		t.Fatal(err)
	}
	if len(box.Applications) != 1 || box.Applications[0].ID != pending.ID || len(box.Requests) != 0 {
		t.Fatalf("unexpected AM inbox %+v", box)
	}

	box, err = env.Engine.Inbox(env.Ctx, "fm")
	if err != nil {
		t.Fatal(err)
	}
	if len(box.Applications) != 1 || len(box.Requests) != 1 || box.Requests[0].Kind != domain.KindBudget {
		t.Fatalf("unexpected FM inbox %+v", box)
	}

	box, err = env.Engine.Inbox(env.Ctx, "hr")
	if err != nil {
		t.Fatal(err)
	}
	if len(box.Applications) != 0 || len(box.Requests) != 1 || box.Requests[0].Kind != domain.KindResource {
		t.Fatalf("unexpected HR inbox %+v", box)
	}

	box, err = env.Engine.Inbox(env.Ctx, "pm")
	if err != nil {
		t.Fatal(err)
	}
	if len(box.Applications) != 1 || box.Applications[0].ID != open.ID || len(box.Tasks) != 1 {
		t.Fatalf("unexpected PM inbox %+v", box)
	}

	box, err = env.Engine.Inbox(env.Ctx, "sub1")
	if err != nil {
		t.Fatal(err)
	}
	if len(box.Tasks) != 1 || box.Tasks[0].ID != res.CreatedTask().ID {
		t.Fatalf("unexpected Sub inbox %+v", box)
	}
	box, err = env.Engine.Inbox(env.Ctx, "sub2")
	if err != nil {
		t.Fatal(err)
	}
	if len(box.Tasks) != 0 {
		t.Fatalf("sub2 should have no tasks, got %+v", box.Tasks)
	}
}

func TestQueries(t *testing.T) {
	env := newTestEnv(t)
	env.recruit(t, "emp-1", "Ada", "ops")
	pending := env.newApp(t, "cs")
	open := env.openApp(t)
	res, err := env.Engine.TaskAssign(env.Ctx, engine.TaskAssignOptions{ApplicationID: open.ID, Name: "Lights", EmployeeID: "emp-1", ActorID: "pm", ExpectedVersion: 1})
	if err != nil {
		t.Fatal(err)
	}

	flagged := true
	apps, err := env.Engine.ListApplications(env.Ctx, "am", engine.ApplicationFilter{NeedsReview: &flagged})
	if err != nil || len(apps) != 1 || apps[0].ID != pending.ID {
		t.Fatalf("needs review filter: %v %+v", err, apps)
	}
	apps, err = env.Engine.ListApplications(env.Ctx, "am", engine.ApplicationFilter{Statuses: []string{domain.AppOpen}})
	if err != nil || len(apps) != 1 || apps[0].ID != open.ID {
		t.Fatalf("status filter: %v %+v", err, apps)
	}
	apps, err = env.Engine.ListApplications(env.Ctx, "am", engine.ApplicationFilter{Limit: 1})
	if err != nil || len(apps) != 1 {
		t.Fatalf("limit: %v %+v", err, apps)
	}
	_, err = env.Engine.ListApplications(env.Ctx, "ghost", engine.ApplicationFilter{})
	expectKind(t, err, domain.ErrUnknownIdentity)

	mine, err := env.Engine.MyTasks(env.Ctx, "sub1")
	if err != nil || len(mine) != 1 || mine[0].ID != res.CreatedTask().ID {
		t.Fatalf("my tasks: %v %+v", err, mine)
	}
	_, err = env.Engine.MyTasks(env.Ctx, "pm")
	expectKind(t, err, domain.ErrValidation)
	_, err = env.Engine.ListTasks(env.Ctx, "pm", "missing")
	expectKind(t, err, domain.ErrNotFound)

	actions, err := env.Engine.AvailableActions(env.Ctx, "fm", domain.EntityApplication, pending.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(actions) != 2 || actions[0] != domain.ActionApprove || actions[1] != domain.ActionComment {
		t.Fatalf("unexpected FM actions %v", actions)
	}
	actions, err = env.Engine.AvailableActions(env.Ctx, "sub1", domain.EntityTask, res.CreatedTask().ID)
	if err != nil || len(actions) != 1 || actions[0] != domain.ActionComment {
		t.Fatalf("unexpected sub actions %v %v", actions, err)
	}
	actions, err = env.Engine.AvailableActions(env.Ctx, "sub2", domain.EntityTask, res.CreatedTask().ID)
	if err != nil || len(actions) != 0 {
		t.Fatalf("sub2 should have no actions, got %v %v", actions, err)
	}

	me, err := env.Engine.Me("fm")
	if err != nil {
		t.Fatal(err)
	}
	if me.Identity.Role != domain.RoleFM || len(me.Capabilities) == 0 {
		t.Fatalf("unexpected profile %+v", me)
	}
	_, err = env.Engine.Get(env.Ctx, "fm", "budget", "x")
	expectKind(t, err, domain.ErrValidation)
}

func TestEventsRecordEachCommit(t *testing.T) {
	env := newTestEnv(t)
	app := env.newApp(t, "cs")
	if _, err := env.Engine.ReviewApplication(env.Ctx, engine.ReviewOptions{ID: app.ID, Action: "approve", ActorID: "am", ExpectedVersion: 1}); err != nil {
		t.Fatal(err)
	}
	evts, err := env.Engine.Events(env.Ctx, "am", store.EventQuery{EntityKind: string(domain.EntityApplication), EntityID: app.ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(evts) != 2 || evts[0].Type != "application.create" || evts[1].Type != "application.approve" {
		t.Fatalf("unexpected events %+v", evts)
	}
	if evts[1].ActorID != "am" || evts[0].ID >= evts[1].ID {
		t.Fatalf("unexpected event metadata %+v", evts)
	}
	desc, err := env.Engine.Events(env.Ctx, "am", store.EventQuery{Desc: true, Limit: 1})
	if err != nil || len(desc) != 1 || desc[0].Type != "application.approve" {
		t.Fatalf("unexpected tail %v %+v", err, desc)
	}
}
