package engine

import (
	"encoding/json"
	"errors"
	"fmt"

	"sepflow/internal/domain"
	"sepflow/internal/store"
)

// encode wraps an entity snapshot in a store record. The indexed columns carry
// what the queries filter on: parent application, owner and kind.
func encode(ent domain.Entity) (store.Record, error) {
	data, err := json.Marshal(ent)
	if err != nil {
		return store.Record{}, fmt.Errorf("marshal %s: %w", ent.EntityType(), err)
	}
	rec := store.Record{
		Type:    ent.EntityType(),
		ID:      ent.EntityID(),
		Status:  ent.CurrentStatus(),
		Version: ent.CurrentVersion(),
		Data:    data,
	}
	switch v := ent.(type) {
	case *domain.Application:
		rec.Owner = v.CreatedBy
		rec.CreatedAt, rec.UpdatedAt = v.CreatedAt, v.UpdatedAt
	case *domain.Task:
		rec.ParentID = v.ApplicationID
		if v.AssigneeID != nil {
			rec.Owner = *v.AssigneeID
		}
		rec.CreatedAt, rec.UpdatedAt = v.CreatedAt, v.UpdatedAt
	case *domain.Request:
		rec.ParentID = v.ApplicationID
		rec.Owner = v.CreatedBy
		rec.Kind = v.Kind
		rec.CreatedAt, rec.UpdatedAt = v.CreatedAt, v.UpdatedAt
	case *domain.Employee:
		rec.Kind = v.Department
		rec.CreatedAt, rec.UpdatedAt = v.CreatedAt, v.UpdatedAt
	default:
		return store.Record{}, fmt.Errorf("unsupported entity %T", ent)
	}
	return rec, nil
}

func decode(rec store.Record) (domain.Entity, error) {
	var ent domain.Entity
	switch rec.Type {
	case domain.EntityApplication:
		ent = &domain.Application{}
	case domain.EntityTask:
		ent = &domain.Task{}
	case domain.EntityRequest:
		ent = &domain.Request{}
	case domain.EntityEmployee:
		ent = &domain.Employee{}
	default:
		return nil, fmt.Errorf("unknown record type %q", rec.Type)
	}
	if err := json.Unmarshal(rec.Data, ent); err != nil {
		return nil, fmt.Errorf("decode %s %s: %w", rec.Type, rec.ID, err)
	}
	return ent, nil
}

func decodeAll[T domain.Entity](recs []store.Record) ([]T, error) {
	out := make([]T, 0, len(recs))
	for _, rec := range recs {
		ent, err := decode(rec)
		if err != nil {
			return nil, err
		}
		typed, ok := ent.(T)
		if !ok {
			return nil, fmt.Errorf("record %s %s has unexpected type %T", rec.Type, rec.ID, ent)
		}
		out = append(out, typed)
	}
	return out, nil
}

// translate maps store sentinels onto workflow errors.
func translate(err error, t domain.EntityType, id string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, store.ErrNotFound) {
		return domain.Errorf(domain.KindNotFound, "%s %s not found", t, id).
			With("entity", string(t)).
			With("id", id)
	}
	var conflict *store.ConflictError
	if errors.As(err, &conflict) {
		return domain.Errorf(domain.KindConflict, "%s %s was modified concurrently", conflict.Type, conflict.ID).
			With("entity", string(conflict.Type)).
			With("id", conflict.ID).
			With("expected_version", conflict.Expected).
			With("current_version", conflict.Actual)
	}
	return err
}
