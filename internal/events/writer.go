package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"sepflow/internal/domain"
)

// Writer appends audit events inside the caller's transaction.
type Writer struct{}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evt domain.Event) (int64, error) {
	payload := evt.Payload
	if payload == "" {
		payload = "{}"
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		evt.TS, evt.Type, evt.EntityKind, nullable(evt.EntityID), evt.ActorID, payload)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

// Payload is the structured body of an event before encoding.
type Payload map[string]any

// Encode renders a payload as the stored JSON string.
func Encode(p Payload) (string, error) {
	if p == nil {
		p = Payload{}
	}
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal event payload: %w", err)
	}
	return string(data), nil
}
