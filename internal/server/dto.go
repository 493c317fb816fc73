package server

import (
	"encoding/json"

	"sepflow/internal/domain"
	"sepflow/internal/engine"
	"sepflow/internal/engine/auth"
)

// Request payloads

type CreateApplicationRequest struct {
	ID          string `json:"id,omitempty"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
}

type ReviewApplicationRequest struct {
	Action          string `json:"action,omitempty" doc:"approve, reject or comment"`
	Comment         string `json:"comment,omitempty"`
	Reason          string `json:"reason,omitempty"`
	ExpectedVersion int64  `json:"expected_version,omitempty"`
}

type ChangeStatusRequest struct {
	ExpectedVersion int64 `json:"expected_version,omitempty"`
}

type AssignTaskRequest struct {
	ID              string `json:"id,omitempty"`
	Name            string `json:"name,omitempty"`
	Description     string `json:"description,omitempty"`
	EmployeeID      string `json:"employee_id,omitempty"`
	ExpectedVersion int64  `json:"expected_version,omitempty"`
}

type ReassignTaskRequest struct {
	EmployeeID      string `json:"employee_id,omitempty"`
	ExpectedVersion int64  `json:"expected_version,omitempty"`
}

type CommentTaskRequest struct {
	Text            string `json:"text,omitempty"`
	ExpectedVersion int64  `json:"expected_version,omitempty"`
}

type CreateRequestRequest struct {
	ID            string `json:"id,omitempty"`
	Kind          string `json:"kind,omitempty" doc:"budget or resource"`
	ApplicationID string `json:"application_id,omitempty"`
	Name          string `json:"name,omitempty"`
	Description   string `json:"description,omitempty"`
}

type DecideRequestRequest struct {
	Decision        string `json:"decision,omitempty" doc:"approve or reject"`
	ExpectedVersion int64  `json:"expected_version,omitempty"`
}

type RecruitEmployeeRequest struct {
	ID         string `json:"id,omitempty"`
	Name       string `json:"name,omitempty"`
	Department string `json:"department,omitempty"`
}

// DispatchRequest is a raw command; the actor always comes from authentication.
type DispatchRequest struct {
	EntityType      string         `json:"entity_type,omitempty"`
	EntityID        string         `json:"entity_id,omitempty"`
	Action          string         `json:"action,omitempty"`
	Payload         engine.Payload `json:"payload,omitempty"`
	ExpectedVersion int64          `json:"expected_version,omitempty"`
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id,omitempty"`
}

// Responses

type AssignTaskResponse struct {
	Application *domain.Application `json:"application"`
	Task        *domain.Task        `json:"task"`
}

type DispatchResponse struct {
	Entity  any             `json:"entity"`
	Created []any           `json:"created"`
	Effects []string        `json:"effects"`
	Events  []EventResponse `json:"events"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type MeResponse struct {
	ActorID      string   `json:"actor_id"`
	Role         string   `json:"role"`
	EmployeeID   string   `json:"employee_id,omitempty"`
	Source       string   `json:"source"`
	Capabilities []string `json:"capabilities"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

// Conversion helpers

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func eventResponses(items []domain.Event) []EventResponse {
	out := make([]EventResponse, 0, len(items))
	for _, evt := range items {
		out = append(out, eventResponse(evt))
	}
	return out
}

func dispatchResponse(res engine.Result) DispatchResponse {
	out := DispatchResponse{
		Entity:  res.Entity,
		Created: []any{},
		Effects: []string{},
		Events:  eventResponses(res.Events),
	}
	for _, c := range res.Created {
		out.Created = append(out.Created, c)
	}
	for _, eff := range res.Effects {
		out.Effects = append(out.Effects, string(eff))
	}
	return out
}

func meResponse(p engine.Profile, source string) MeResponse {
	return MeResponse{
		ActorID:      p.Identity.ID,
		Role:         string(p.Identity.Role),
		EmployeeID:   p.Identity.EmployeeID,
		Source:       source,
		Capabilities: capabilityStrings(p.Capabilities),
	}
}

func capabilityStrings(caps []auth.Capability) []string {
	out := make([]string, 0, len(caps))
	for _, c := range caps {
		out = append(out, c.String())
	}
	return out
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil || obj == nil {
		return map[string]any{}
	}
	return obj
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
