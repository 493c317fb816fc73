package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"sepflow/internal/domain"
	"sepflow/internal/engine/auth"
	"sepflow/internal/engine/lifecycle"
	"sepflow/internal/events"
	"sepflow/internal/logging"
	"sepflow/internal/store"
	"sepflow/internal/telemetry"
)

// Engine is the single entry point for workflow commands. It holds no mutable
// state of its own; the store's conditional commit is the only synchronization.
type Engine struct {
	Store    store.Store
	Registry *auth.Registry
	Policy   *auth.Policy
	Table    *lifecycle.Table
	Logger   *slog.Logger
	Metrics  *telemetry.Metrics
	Now      func() time.Time
	NewID    func() string
}

func New(s store.Store, reg *auth.Registry, table *lifecycle.Table) Engine {
	return Engine{
		Store:    s,
		Registry: reg,
		Policy:   auth.NewPolicy(table),
		Table:    table,
		Logger:   logging.NewNop(),
		Now:      time.Now,
		NewID:    uuid.NewString,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) newID() string {
	if e.NewID != nil {
		return e.NewID()
	}
	return uuid.NewString()
}

func (e Engine) log() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return logging.NewNop()
}

// Payload carries the action-specific inputs. Unused fields are ignored.
type Payload struct {
	Name          string `json:"name,omitempty"`
	Description   string `json:"description,omitempty"`
	Text          string `json:"text,omitempty"`
	Reason        string `json:"reason,omitempty"`
	EmployeeID    string `json:"employee_id,omitempty"`
	ApplicationID string `json:"application_id,omitempty"`
	Kind          string `json:"kind,omitempty"`
	Department    string `json:"department,omitempty"`
	// TaskID names the task created by assignTask; generated when empty.
	TaskID string `json:"task_id,omitempty"`
}

// Command is one requested transition. ExpectedVersion is the version the caller
// last read; 0 for create.
type Command struct {
	Actor           string            `json:"actor"`
	EntityType      domain.EntityType `json:"entity_type"`
	EntityID        string            `json:"entity_id,omitempty"`
	Action          domain.Action     `json:"action"`
	Payload         Payload           `json:"payload"`
	ExpectedVersion int64             `json:"expected_version"`
}

// Result is the authoritative outcome of a committed command.
type Result struct {
	Entity  domain.Entity      `json:"entity"`
	Created []domain.Entity    `json:"created,omitempty"`
	Effects []lifecycle.Effect `json:"effects,omitempty"`
	Events  []domain.Event     `json:"events,omitempty"`
}

// Dispatch runs the gates in order and stops at the first failure:
// identity, load, capability, state and guards, payload, conditional commit.
func (e Engine) Dispatch(ctx context.Context, cmd Command) (res Result, err error) {
	start := e.now()
	ctx, span := telemetry.Tracer().Start(ctx, "engine.Dispatch", trace.WithAttributes(
		attribute.String("sepflow.actor", cmd.Actor),
		attribute.String("sepflow.entity", string(cmd.EntityType)),
		attribute.String("sepflow.entity_id", cmd.EntityID),
		attribute.String("sepflow.action", string(cmd.Action)),
	))
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = string(domain.KindOf(err))
			if outcome == "" {
				outcome = "error"
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, outcome)
			e.log().Debug("dispatch rejected", "actor", cmd.Actor, "entity", cmd.EntityType, "id", cmd.EntityID,
				"action", cmd.Action, "outcome", outcome, "error", err)
		} else {
			e.log().Info("dispatch", "actor", cmd.Actor, "entity", cmd.EntityType, "id", res.Entity.EntityID(),
				"action", cmd.Action, "status", res.Entity.CurrentStatus(), "version", res.Entity.CurrentVersion())
		}
		span.End()
		e.Metrics.ObserveDispatch(string(cmd.EntityType), string(cmd.Action), outcome, e.now().Sub(start))
	}()

	ident, err := e.Registry.Resolve(cmd.Actor)
	if err != nil {
		return Result{}, err
	}
	if !domain.KnownEntity(cmd.EntityType) {
		return Result{}, domain.Errorf(domain.KindValidation, "unknown entity type %q", cmd.EntityType)
	}
	if cmd.Action == domain.ActionCreate {
		return e.create(ctx, ident, cmd)
	}
	return e.transition(ctx, ident, cmd)
}

// mutation accumulates the writes and events of one command.
type mutation struct {
	ident   auth.Identity
	cmd     Command
	row     lifecycle.Transition
	ts      string
	writes  []store.Write
	checks  []store.Check
	events  []domain.Event
	created []domain.Entity
}

// put queues a write for an entity other than the command's target.
func (m *mutation) put(ent domain.Entity, expected int64) error {
	rec, err := encode(ent)
	if err != nil {
		return err
	}
	m.writes = append(m.writes, store.Write{Record: rec, ExpectedVersion: expected})
	return nil
}

// guard makes the commit depend on a record the command read but does not write.
func (m *mutation) guard(rec store.Record) {
	m.checks = append(m.checks, store.Check{Type: rec.Type, ID: rec.ID, Version: rec.Version})
}

func (m *mutation) event(typ string, ent domain.Entity, payload events.Payload) error {
	body, err := events.Encode(payload)
	if err != nil {
		return err
	}
	m.events = append(m.events, domain.Event{
		TS:         m.ts,
		Type:       typ,
		EntityKind: string(ent.EntityType()),
		EntityID:   ent.EntityID(),
		ActorID:    m.ident.ID,
		Payload:    body,
	})
	return nil
}

func (e Engine) create(ctx context.Context, ident auth.Identity, cmd Command) (Result, error) {
	if err := e.Policy.Authorize(ident, cmd.EntityType, cmd.Action); err != nil {
		return Result{}, err
	}
	kind := ""
	if cmd.EntityType == domain.EntityRequest {
		kind = strings.TrimSpace(cmd.Payload.Kind)
		if !contains(e.Table.Kinds(domain.EntityRequest), kind) {
			return Result{}, domain.Errorf(domain.KindValidation, "request kind must be one of %s", strings.Join(e.Table.Kinds(domain.EntityRequest), ", ")).
				With("field", "kind")
		}
		if err := e.Policy.AuthorizeKind(ident, cmd.EntityType, cmd.Action, kind); err != nil {
			return Result{}, err
		}
	}
	row, err := e.Table.Resolve(cmd.EntityType, "", cmd.Action, ident.Role, kind)
	if err != nil {
		return Result{}, err
	}
	if cmd.ExpectedVersion != 0 {
		return Result{}, domain.Errorf(domain.KindValidation, "expected_version must be 0 when creating").
			With("field", "expected_version")
	}
	id := strings.TrimSpace(cmd.EntityID)
	if id == "" {
		id = e.newID()
	}
	m := &mutation{ident: ident, cmd: cmd, row: row, ts: e.now().UTC().Format(time.RFC3339)}

	var ent domain.Entity
	switch cmd.EntityType {
	case domain.EntityApplication:
		ent, err = e.newApplication(m, id)
	case domain.EntityRequest:
		ent, err = e.newRequest(ctx, m, id, kind)
	case domain.EntityEmployee:
		ent, err = e.newEmployee(m, id)
	default:
		err = domain.Errorf(domain.KindInvalidTransition, "%s cannot be created directly", cmd.EntityType)
	}
	if err != nil {
		return Result{}, err
	}
	return e.commit(ctx, m, ent)
}

func (e Engine) transition(ctx context.Context, ident auth.Identity, cmd Command) (Result, error) {
	if strings.TrimSpace(cmd.EntityID) == "" {
		return Result{}, domain.Errorf(domain.KindValidation, "entity_id is required for %s", cmd.Action).
			With("field", "entity_id")
	}
	rec, err := e.Store.Get(ctx, cmd.EntityType, cmd.EntityID)
	if err != nil {
		return Result{}, translate(err, cmd.EntityType, cmd.EntityID)
	}
	ent, err := decode(rec)
	if err != nil {
		return Result{}, err
	}
	kind := e.kindOf(rec)
	if err := e.Policy.AuthorizeKind(ident, cmd.EntityType, cmd.Action, kind); err != nil {
		return Result{}, err
	}
	if err := authorizeOwner(ident, ent, cmd.Action); err != nil {
		return Result{}, err
	}
	row, err := e.Table.Resolve(cmd.EntityType, ent.CurrentStatus(), cmd.Action, ident.Role, kind)
	if err != nil {
		return Result{}, err
	}
	m := &mutation{ident: ident, cmd: cmd, row: row, ts: e.now().UTC().Format(time.RFC3339)}

	switch v := ent.(type) {
	case *domain.Application:
		err = e.applyApplication(ctx, m, v)
	case *domain.Task:
		err = e.applyTask(ctx, m, v)
	case *domain.Request:
		err = e.applyRequest(m, v)
	default:
		err = domain.Errorf(domain.KindInvalidTransition, "%s has no lifecycle", cmd.EntityType)
	}
	if err != nil {
		return Result{}, err
	}
	if cmd.ExpectedVersion <= 0 {
		return Result{}, domain.Errorf(domain.KindValidation, "expected_version is required").
			With("field", "expected_version")
	}
	if cmd.ExpectedVersion != rec.Version {
		return Result{}, versionConflict(cmd.EntityType, cmd.EntityID, cmd.ExpectedVersion, rec.Version)
	}
	return e.commit(ctx, m, ent)
}

// kindOf returns the record's kind for entity types whose rows are kind-scoped.
func (e Engine) kindOf(rec store.Record) string {
	if len(e.Table.Kinds(rec.Type)) == 0 {
		return ""
	}
	return rec.Kind
}

// authorizeOwner keeps Sub identities to tasks assigned to their own employee record.
func authorizeOwner(ident auth.Identity, ent domain.Entity, action domain.Action) error {
	task, ok := ent.(*domain.Task)
	if !ok || ident.Role != domain.RoleSub {
		return nil
	}
	if task.AssigneeID != nil && ident.EmployeeID != "" && *task.AssigneeID == ident.EmployeeID {
		return nil
	}
	return domain.Errorf(domain.KindForbidden, "task %s is not assigned to %s", task.ID, ident.ID).
		With("permission", eventType(domain.EntityTask, action))
}

func versionConflict(t domain.EntityType, id string, expected, current int64) error {
	return domain.Errorf(domain.KindConflict, "%s %s is at version %d, not %d", t, id, current, expected).
		With("expected_version", expected).
		With("current_version", current)
}

// commit writes the primary entity first, then anything created by effects.
func (e Engine) commit(ctx context.Context, m *mutation, ent domain.Entity) (Result, error) {
	primary, err := encode(ent)
	if err != nil {
		return Result{}, err
	}
	writes := append([]store.Write{{Record: primary, ExpectedVersion: primary.Version - 1}}, m.writes...)
	evts, err := e.Store.Commit(ctx, store.Batch{Writes: writes, Checks: m.checks, Events: m.events})
	if err != nil {
		return Result{}, translate(err, ent.EntityType(), ent.EntityID())
	}
	return Result{Entity: ent, Created: m.created, Effects: m.row.Effects, Events: evts}, nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func required(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return domain.Errorf(domain.KindValidation, "%s is required", field).With("field", field)
	}
	return nil
}

func transitionPayload(from, to string) events.Payload {
	return events.Payload{"from": from, "to": to}
}

func eventType(t domain.EntityType, a domain.Action) string {
	return fmt.Sprintf("%s.%s", t, a)
}
