package engine

import (
	"context"

	"sepflow/internal/domain"
	"sepflow/internal/engine/auth"
	"sepflow/internal/store"
)

// Reads require a registered identity but no capability.

func (e Engine) Get(ctx context.Context, actorID string, t domain.EntityType, id string) (domain.Entity, error) {
	if _, err := e.Registry.Resolve(actorID); err != nil {
		return nil, err
	}
	if !domain.KnownEntity(t) {
		return nil, domain.Errorf(domain.KindValidation, "unknown entity type %q", t)
	}
	rec, err := e.Store.Get(ctx, t, id)
	if err != nil {
		return nil, translate(err, t, id)
	}
	return decode(rec)
}

func (e Engine) GetApplication(ctx context.Context, actorID, id string) (*domain.Application, error) {
	ent, err := e.Get(ctx, actorID, domain.EntityApplication, id)
	if err != nil {
		return nil, err
	}
	return ent.(*domain.Application), nil
}

// ApplicationFilter narrows ListApplications. NeedsReview nil means either.
type ApplicationFilter struct {
	Statuses    []string
	NeedsReview *bool
	CreatedBy   string
	Limit       int
}

func (e Engine) ListApplications(ctx context.Context, actorID string, f ApplicationFilter) ([]*domain.Application, error) {
	if _, err := e.Registry.Resolve(actorID); err != nil {
		return nil, err
	}
	recs, err := e.Store.List(ctx, store.Query{Type: domain.EntityApplication, Owner: f.CreatedBy, Statuses: f.Statuses})
	if err != nil {
		return nil, err
	}
	apps, err := decodeAll[*domain.Application](recs)
	if err != nil {
		return nil, err
	}
	out := apps[:0]
	for _, a := range apps {
		if f.NeedsReview != nil && a.NeedsReview != *f.NeedsReview {
			continue
		}
		out = append(out, a)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

// ListTasks returns the tasks of an application; the application must exist.
func (e Engine) ListTasks(ctx context.Context, actorID, applicationID string) ([]*domain.Task, error) {
	if _, err := e.Registry.Resolve(actorID); err != nil {
		return nil, err
	}
	if _, err := e.Store.Get(ctx, domain.EntityApplication, applicationID); err != nil {
		return nil, translate(err, domain.EntityApplication, applicationID)
	}
	recs, err := e.Store.List(ctx, store.Query{Type: domain.EntityTask, ParentID: applicationID})
	if err != nil {
		return nil, err
	}
	return decodeAll[*domain.Task](recs)
}

// MyTasks lists tasks assigned to the actor's employee record.
func (e Engine) MyTasks(ctx context.Context, actorID string) ([]*domain.Task, error) {
	ident, err := e.Registry.Resolve(actorID)
	if err != nil {
		return nil, err
	}
	if ident.EmployeeID == "" {
		return nil, domain.Errorf(domain.KindValidation, "identity %s is not linked to an employee", ident.ID).
			With("field", "employee_id")
	}
	recs, err := e.Store.List(ctx, store.Query{Type: domain.EntityTask, Owner: ident.EmployeeID})
	if err != nil {
		return nil, err
	}
	return decodeAll[*domain.Task](recs)
}

// RequestFilter narrows ListRequests. Empty fields do not filter.
type RequestFilter struct {
	ApplicationID string
	Kind          string
	Statuses      []string
	Limit         int
}

func (e Engine) ListRequests(ctx context.Context, actorID string, f RequestFilter) ([]*domain.Request, error) {
	if _, err := e.Registry.Resolve(actorID); err != nil {
		return nil, err
	}
	q := store.Query{Type: domain.EntityRequest, ParentID: f.ApplicationID, Statuses: f.Statuses, Limit: f.Limit}
	if f.Kind != "" {
		q.Kinds = []string{f.Kind}
	}
	recs, err := e.Store.List(ctx, q)
	if err != nil {
		return nil, err
	}
	return decodeAll[*domain.Request](recs)
}

func (e Engine) ListEmployees(ctx context.Context, actorID, department string) ([]*domain.Employee, error) {
	if _, err := e.Registry.Resolve(actorID); err != nil {
		return nil, err
	}
	q := store.Query{Type: domain.EntityEmployee}
	if department != "" {
		q.Kinds = []string{department}
	}
	recs, err := e.Store.List(ctx, q)
	if err != nil {
		return nil, err
	}
	return decodeAll[*domain.Employee](recs)
}

func (e Engine) Events(ctx context.Context, actorID string, q store.EventQuery) ([]domain.Event, error) {
	if _, err := e.Registry.Resolve(actorID); err != nil {
		return nil, err
	}
	return e.Store.Events(ctx, q)
}

// AvailableActions lists what the actor could do to the entity right now.
func (e Engine) AvailableActions(ctx context.Context, actorID string, t domain.EntityType, id string) ([]domain.Action, error) {
	ident, err := e.Registry.Resolve(actorID)
	if err != nil {
		return nil, err
	}
	rec, err := e.Store.Get(ctx, t, id)
	if err != nil {
		return nil, translate(err, t, id)
	}
	actions := e.Table.AvailableActions(t, rec.Status, ident.Role, rec.Kind)
	if t == domain.EntityTask && ident.Role == domain.RoleSub && rec.Owner != ident.EmployeeID {
		return nil, nil
	}
	return actions, nil
}

// Inbox is the work waiting on one identity.
type Inbox struct {
	Applications []*domain.Application `json:"applications"`
	Tasks        []*domain.Task        `json:"tasks"`
	Requests     []*domain.Request     `json:"requests"`
}

// Inbox derives each role's queue from the states it can act in. Reviewers only
// see applications still flagged for review; Sub sees only its own tasks.
func (e Engine) Inbox(ctx context.Context, actorID string) (Inbox, error) {
	ident, err := e.Registry.Resolve(actorID)
	if err != nil {
		return Inbox{}, err
	}
	box := Inbox{
		Applications: []*domain.Application{},
		Tasks:        []*domain.Task{},
		Requests:     []*domain.Request{},
	}

	if states := e.Table.ActionableStates(domain.EntityApplication, ident.Role); len(states) > 0 {
		recs, err := e.Store.List(ctx, store.Query{Type: domain.EntityApplication, Statuses: states})
		if err != nil {
			return Inbox{}, err
		}
		apps, err := decodeAll[*domain.Application](recs)
		if err != nil {
			return Inbox{}, err
		}
		for _, a := range apps {
			if a.Status == domain.AppReviewing && !a.NeedsReview {
				continue
			}
			box.Applications = append(box.Applications, a)
		}
	}

	if states := e.Table.ActionableStates(domain.EntityTask, ident.Role); len(states) > 0 {
		q := store.Query{Type: domain.EntityTask, Statuses: states}
		if ident.Role == domain.RoleSub {
			q.Owner = ident.EmployeeID
		}
		if ident.Role != domain.RoleSub || ident.EmployeeID != "" {
			recs, err := e.Store.List(ctx, q)
			if err != nil {
				return Inbox{}, err
			}
			if box.Tasks, err = decodeAll[*domain.Task](recs); err != nil {
				return Inbox{}, err
			}
		}
	}

	if states := e.Table.ActionableStates(domain.EntityRequest, ident.Role); len(states) > 0 {
		recs, err := e.Store.List(ctx, store.Query{
			Type:     domain.EntityRequest,
			Statuses: states,
			Kinds:    e.Table.ActionableKinds(domain.EntityRequest, ident.Role),
		})
		if err != nil {
			return Inbox{}, err
		}
		if box.Requests, err = decodeAll[*domain.Request](recs); err != nil {
			return Inbox{}, err
		}
	}
	return box, nil
}

// Profile describes an identity and what its role may do.
type Profile struct {
	Identity     auth.Identity     `json:"identity"`
	Capabilities []auth.Capability `json:"capabilities"`
}

func (e Engine) Me(actorID string) (Profile, error) {
	ident, err := e.Registry.Resolve(actorID)
	if err != nil {
		return Profile{}, err
	}
	return Profile{Identity: ident, Capabilities: e.Policy.CapabilitiesOf(ident.Role)}, nil
}
