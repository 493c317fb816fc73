package engine

import (
	"context"
	"errors"
	"strings"

	"sepflow/internal/domain"
	"sepflow/internal/engine/lifecycle"
	"sepflow/internal/events"
	"sepflow/internal/store"
)

func (e Engine) newApplication(m *mutation, id string) (*domain.Application, error) {
	p := m.cmd.Payload
	if err := required("name", p.Name); err != nil {
		return nil, err
	}
	app := &domain.Application{
		ID:          id,
		Name:        strings.TrimSpace(p.Name),
		Description: p.Description,
		Status:      m.row.To,
		CreatedBy:   m.ident.ID,
		Version:     1,
		CreatedAt:   m.ts,
		UpdatedAt:   m.ts,
	}
	if m.row.HasEffect(lifecycle.EffectMarkNeedsReview) {
		app.NeedsReview = true
	}
	payload := transitionPayload("", app.Status)
	payload["name"] = app.Name
	payload["needs_review"] = app.NeedsReview
	if err := m.event(eventType(domain.EntityApplication, domain.ActionCreate), app, payload); err != nil {
		return nil, err
	}
	return app, nil
}

func (e Engine) newRequest(ctx context.Context, m *mutation, id, kind string) (*domain.Request, error) {
	p := m.cmd.Payload
	if err := required("name", p.Name); err != nil {
		return nil, err
	}
	if err := required("application_id", p.ApplicationID); err != nil {
		return nil, err
	}
	if _, err := e.Store.Get(ctx, domain.EntityApplication, p.ApplicationID); err != nil {
		return nil, translate(err, domain.EntityApplication, p.ApplicationID)
	}
	req := &domain.Request{
		ID:            id,
		Kind:          kind,
		ApplicationID: p.ApplicationID,
		Name:          strings.TrimSpace(p.Name),
		Description:   p.Description,
		Status:        m.row.To,
		CreatedBy:     m.ident.ID,
		Version:       1,
		CreatedAt:     m.ts,
		UpdatedAt:     m.ts,
	}
	if !m.row.HasEffect(lifecycle.EffectSubmitForReview) {
		if err := m.event(eventType(domain.EntityRequest, domain.ActionCreate), req, transitionPayload("", req.Status)); err != nil {
			return nil, err
		}
		return req, nil
	}
	// submission and hand-off to the reviewer land in the same commit
	submitted := transitionPayload("", domain.ReqSubmitted)
	submitted["kind"] = kind
	submitted["application_id"] = req.ApplicationID
	if err := m.event("request.submitted", req, submitted); err != nil {
		return nil, err
	}
	if err := m.event("request.reviewing", req, transitionPayload(domain.ReqSubmitted, req.Status)); err != nil {
		return nil, err
	}
	return req, nil
}

func (e Engine) newEmployee(m *mutation, id string) (*domain.Employee, error) {
	p := m.cmd.Payload
	if err := required("name", p.Name); err != nil {
		return nil, err
	}
	if err := required("department", p.Department); err != nil {
		return nil, err
	}
	emp := &domain.Employee{
		ID:         id,
		Name:       strings.TrimSpace(p.Name),
		Department: strings.TrimSpace(p.Department),
		CreatedBy:  m.ident.ID,
		Version:    1,
		CreatedAt:  m.ts,
		UpdatedAt:  m.ts,
	}
	payload := events.Payload{"name": emp.Name, "department": emp.Department}
	if err := m.event(eventType(domain.EntityEmployee, domain.ActionCreate), emp, payload); err != nil {
		return nil, err
	}
	return emp, nil
}

func (e Engine) applyApplication(ctx context.Context, m *mutation, app *domain.Application) error {
	p := m.cmd.Payload
	row := m.row

	if row.HasEffect(lifecycle.EffectRecordRejection) {
		if err := required("reason", p.Reason); err != nil {
			return err
		}
	}
	if row.HasEffect(lifecycle.EffectAppendFinancialComment) {
		if err := required("text", p.Text); err != nil {
			return err
		}
	}
	var task *domain.Task
	if row.HasEffect(lifecycle.EffectCreateTask) {
		if err := required("name", p.Name); err != nil {
			return err
		}
		if p.EmployeeID != "" {
			if err := e.ensureEmployee(ctx, p.EmployeeID); err != nil {
				return err
			}
		}
		taskID := strings.TrimSpace(p.TaskID)
		if taskID == "" {
			taskID = e.newID()
		}
		task = &domain.Task{
			ID:            taskID,
			ApplicationID: app.ID,
			Name:          strings.TrimSpace(p.Name),
			Description:   p.Description,
			Status:        domain.TaskUnassigned,
			CreatedBy:     m.ident.ID,
			Version:       1,
			CreatedAt:     m.ts,
			UpdatedAt:     m.ts,
		}
		if p.EmployeeID != "" {
			assignee := p.EmployeeID
			task.AssigneeID = &assignee
			task.Status = domain.TaskAssigned
		}
	}

	from := app.Status
	payload := events.Payload{}
	for _, eff := range row.Effects {
		switch eff {
		case lifecycle.EffectMarkNeedsReview:
			app.NeedsReview = true
		case lifecycle.EffectClearNeedsReview:
			app.NeedsReview = false
		case lifecycle.EffectRecordRejection:
			app.RejectionReason = strings.TrimSpace(p.Reason)
			payload["reason"] = app.RejectionReason
		case lifecycle.EffectAppendFinancialComment:
			text := strings.TrimSpace(p.Text)
			app.FinancialComments = append(app.FinancialComments, domain.Comment{Author: m.ident.ID, Text: text, At: m.ts})
			app.FinancialComment = text
			payload["comment"] = text
		case lifecycle.EffectCreateTask:
			m.created = append(m.created, task)
			if err := m.put(task, 0); err != nil {
				return err
			}
			payload["task_id"] = task.ID
		}
	}
	app.Status = row.Target(from)
	app.Version++
	app.UpdatedAt = m.ts
	payload["from"] = from
	payload["to"] = app.Status
	if err := m.event(eventType(domain.EntityApplication, m.cmd.Action), app, payload); err != nil {
		return err
	}
	if task != nil {
		tp := transitionPayload("", task.Status)
		tp["application_id"] = app.ID
		tp["name"] = task.Name
		if task.AssigneeID != nil {
			tp["employee_id"] = *task.AssigneeID
		}
		if err := m.event(eventType(domain.EntityTask, domain.ActionCreate), task, tp); err != nil {
			return err
		}
	}
	return nil
}

func (e Engine) applyTask(ctx context.Context, m *mutation, task *domain.Task) error {
	p := m.cmd.Payload
	row := m.row

	if row.HasEffect(lifecycle.EffectSetAssignee) {
		if err := e.ensureParentAcceptsTasks(ctx, m, task.ApplicationID); err != nil {
			return err
		}
	}
	if row.HasEffect(lifecycle.EffectSetAssignee) {
		if err := required("employee_id", p.EmployeeID); err != nil {
			return err
		}
		if err := e.ensureEmployee(ctx, p.EmployeeID); err != nil {
			return err
		}
	}
	if row.HasEffect(lifecycle.EffectAppendComment) {
		if err := required("text", p.Text); err != nil {
			return err
		}
	}

	from := task.Status
	payload := events.Payload{}
	for _, eff := range row.Effects {
		switch eff {
		case lifecycle.EffectSetAssignee:
			assignee := p.EmployeeID
			if task.AssigneeID != nil {
				payload["previous_employee_id"] = *task.AssigneeID
			}
			task.AssigneeID = &assignee
			payload["employee_id"] = assignee
		case lifecycle.EffectAppendComment:
			text := strings.TrimSpace(p.Text)
			task.Comments = append(task.Comments, domain.Comment{Author: m.ident.ID, Text: text, At: m.ts})
			payload["comment"] = text
		}
	}
	task.Status = row.Target(from)
	task.Version++
	task.UpdatedAt = m.ts
	payload["from"] = from
	payload["to"] = task.Status
	return m.event(eventType(domain.EntityTask, m.cmd.Action), task, payload)
}

func (e Engine) applyRequest(m *mutation, req *domain.Request) error {
	from := req.Status
	payload := events.Payload{"kind": req.Kind}
	for _, eff := range m.row.Effects {
		if eff == lifecycle.EffectRecordDecision {
			req.DecidedBy = m.ident.ID
			payload["decided_by"] = m.ident.ID
		}
	}
	req.Status = m.row.Target(from)
	req.Version++
	req.UpdatedAt = m.ts
	payload["from"] = from
	payload["to"] = req.Status
	return m.event(eventType(domain.EntityRequest, m.cmd.Action), req, payload)
}

// ensureParentAcceptsTasks asks the application machine whether the parent is in
// a status that takes task work; the answer comes from the assignTask rows.
// The parent's version guards the commit, so a concurrent close is a Conflict.
func (e Engine) ensureParentAcceptsTasks(ctx context.Context, m *mutation, appID string) error {
	rec, err := e.Store.Get(ctx, domain.EntityApplication, appID)
	if err != nil {
		return translate(err, domain.EntityApplication, appID)
	}
	m.guard(rec)
	_, err = e.Table.Resolve(domain.EntityApplication, rec.Status, domain.ActionAssignTask, m.ident.Role, "")
	if errors.Is(err, domain.ErrInvalidTransition) {
		return domain.Errorf(domain.KindInvalidTransition, "application %s is %s and does not accept task assignments", appID, rec.Status).
			With("application_status", rec.Status)
	}
	return err
}

func (e Engine) ensureEmployee(ctx context.Context, id string) error {
	_, err := e.Store.Get(ctx, domain.EntityEmployee, id)
	if errors.Is(err, store.ErrNotFound) {
		return domain.Errorf(domain.KindUnknownEmployee, "employee %s does not exist", id).With("employee_id", id)
	}
	return err
}
