package engine

import (
	"context"
	"strings"

	"sepflow/internal/domain"
)

// ApplicationCreateOptions are parameters for creating an application.
type ApplicationCreateOptions struct {
	ID          string
	Name        string
	Description string
	ActorID     string
}

func (e Engine) CreateApplication(ctx context.Context, opts ApplicationCreateOptions) (Result, error) {
	return e.Dispatch(ctx, Command{
		Actor:      opts.ActorID,
		EntityType: domain.EntityApplication,
		EntityID:   opts.ID,
		Action:     domain.ActionCreate,
		Payload:    Payload{Name: opts.Name, Description: opts.Description},
	})
}

// ReviewOptions carries a reviewer decision. Action is approve, reject or comment.
// A reject without Reason falls back to Comment.
type ReviewOptions struct {
	ID              string
	Action          string
	Comment         string
	Reason          string
	ActorID         string
	ExpectedVersion int64
}

func (e Engine) ReviewApplication(ctx context.Context, opts ReviewOptions) (Result, error) {
	action := domain.Action(strings.TrimSpace(opts.Action))
	switch action {
	case domain.ActionApprove, domain.ActionReject, domain.ActionComment:
	default:
		if _, err := e.Registry.Resolve(opts.ActorID); err != nil {
			return Result{}, err
		}
		return Result{}, domain.Errorf(domain.KindValidation, "review action must be approve, reject or comment, got %q", opts.Action).
			With("field", "action")
	}
	reason := opts.Reason
	if reason == "" && action == domain.ActionReject {
		reason = opts.Comment
	}
	return e.Dispatch(ctx, Command{
		Actor:           opts.ActorID,
		EntityType:      domain.EntityApplication,
		EntityID:        opts.ID,
		Action:          action,
		Payload:         Payload{Text: opts.Comment, Reason: reason},
		ExpectedVersion: opts.ExpectedVersion,
	})
}

// staffingSteps is the forward path ChangeStatus walks one step at a time.
var staffingSteps = map[string]domain.Action{
	domain.AppApproved:   domain.ActionOpen,
	domain.AppOpen:       domain.ActionSetInProgress,
	domain.AppInProgress: domain.ActionClose,
}

// ChangeStatus advances an application one step: approved, open, in_progress, closed.
func (e Engine) ChangeStatus(ctx context.Context, id, actorID string, expectedVersion int64) (Result, error) {
	ident, err := e.Registry.Resolve(actorID)
	if err != nil {
		return Result{}, err
	}
	rec, err := e.Store.Get(ctx, domain.EntityApplication, id)
	if err != nil {
		return Result{}, translate(err, domain.EntityApplication, id)
	}
	staffs := false
	for _, a := range staffingSteps {
		staffs = staffs || e.Policy.Allowed(ident.Role, domain.EntityApplication, a)
	}
	if !staffs {
		return Result{}, e.Policy.Authorize(ident, domain.EntityApplication, domain.ActionSetInProgress)
	}
	// the step is chosen from this read, so a stale caller must not reach Dispatch
	if expectedVersion > 0 && expectedVersion != rec.Version {
		return Result{}, versionConflict(domain.EntityApplication, id, expectedVersion, rec.Version)
	}
	action, ok := staffingSteps[rec.Status]
	if !ok {
		return Result{}, domain.Errorf(domain.KindInvalidTransition, "application %s in status %s has no next step", id, rec.Status).
			With("status", rec.Status)
	}
	return e.Dispatch(ctx, Command{
		Actor:           actorID,
		EntityType:      domain.EntityApplication,
		EntityID:        id,
		Action:          action,
		ExpectedVersion: expectedVersion,
	})
}

// TaskAssignOptions create a task under an application, optionally assigned.
type TaskAssignOptions struct {
	ApplicationID   string
	TaskID          string
	Name            string
	Description     string
	EmployeeID      string
	ActorID         string
	ExpectedVersion int64
}

func (e Engine) TaskAssign(ctx context.Context, opts TaskAssignOptions) (Result, error) {
	return e.Dispatch(ctx, Command{
		Actor:      opts.ActorID,
		EntityType: domain.EntityApplication,
		EntityID:   opts.ApplicationID,
		Action:     domain.ActionAssignTask,
		Payload: Payload{
			Name:        opts.Name,
			Description: opts.Description,
			EmployeeID:  opts.EmployeeID,
			TaskID:      opts.TaskID,
		},
		ExpectedVersion: opts.ExpectedVersion,
	})
}

// ReassignTask points a task at an employee; the last assignment wins.
func (e Engine) ReassignTask(ctx context.Context, taskID, employeeID, actorID string, expectedVersion int64) (Result, error) {
	return e.Dispatch(ctx, Command{
		Actor:           actorID,
		EntityType:      domain.EntityTask,
		EntityID:        taskID,
		Action:          domain.ActionAssign,
		Payload:         Payload{EmployeeID: employeeID},
		ExpectedVersion: expectedVersion,
	})
}

func (e Engine) CommentTask(ctx context.Context, taskID, text, actorID string, expectedVersion int64) (Result, error) {
	return e.Dispatch(ctx, Command{
		Actor:           actorID,
		EntityType:      domain.EntityTask,
		EntityID:        taskID,
		Action:          domain.ActionComment,
		Payload:         Payload{Text: text},
		ExpectedVersion: expectedVersion,
	})
}

// RequestCreateOptions are parameters for a budget or resource request.
type RequestCreateOptions struct {
	ID            string
	Kind          string
	ApplicationID string
	Name          string
	Description   string
	ActorID       string
}

func (e Engine) CreateRequest(ctx context.Context, opts RequestCreateOptions) (Result, error) {
	return e.Dispatch(ctx, Command{
		Actor:      opts.ActorID,
		EntityType: domain.EntityRequest,
		EntityID:   opts.ID,
		Action:     domain.ActionCreate,
		Payload: Payload{
			Kind:          opts.Kind,
			ApplicationID: opts.ApplicationID,
			Name:          opts.Name,
			Description:   opts.Description,
		},
	})
}

// ChangeRequestStatus decides a request. decision accepts approve/approved and reject/rejected.
func (e Engine) ChangeRequestStatus(ctx context.Context, id, decision, actorID string, expectedVersion int64) (Result, error) {
	var action domain.Action
	switch strings.ToLower(strings.TrimSpace(decision)) {
	case "approve", "approved":
		action = domain.ActionApprove
	case "reject", "rejected":
		action = domain.ActionReject
	default:
		if _, err := e.Registry.Resolve(actorID); err != nil {
			return Result{}, err
		}
		return Result{}, domain.Errorf(domain.KindValidation, "decision must be approve or reject, got %q", decision).
			With("field", "decision")
	}
	return e.Dispatch(ctx, Command{
		Actor:           actorID,
		EntityType:      domain.EntityRequest,
		EntityID:        id,
		Action:          action,
		ExpectedVersion: expectedVersion,
	})
}

// EmployeeCreateOptions are parameters for recruiting an employee.
type EmployeeCreateOptions struct {
	ID         string
	Name       string
	Department string
	ActorID    string
}

func (e Engine) RecruitEmployee(ctx context.Context, opts EmployeeCreateOptions) (Result, error) {
	return e.Dispatch(ctx, Command{
		Actor:      opts.ActorID,
		EntityType: domain.EntityEmployee,
		EntityID:   opts.ID,
		Action:     domain.ActionCreate,
		Payload:    Payload{Name: opts.Name, Department: opts.Department},
	})
}

// Application returns the result entity when it is an application.
func (r Result) Application() *domain.Application {
	a, _ := r.Entity.(*domain.Application)
	return a
}

func (r Result) Task() *domain.Task {
	t, _ := r.Entity.(*domain.Task)
	return t
}

func (r Result) Request() *domain.Request {
	q, _ := r.Entity.(*domain.Request)
	return q
}

func (r Result) Employee() *domain.Employee {
	emp, _ := r.Entity.(*domain.Employee)
	return emp
}

// CreatedTask returns the task created by assignTask, if any.
func (r Result) CreatedTask() *domain.Task {
	for _, ent := range r.Created {
		if t, ok := ent.(*domain.Task); ok {
			return t
		}
	}
	return nil
}
