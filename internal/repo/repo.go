package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"sepflow/internal/db"
	"sepflow/internal/domain"
	"sepflow/internal/events"
	"sepflow/internal/migrate"
	"sepflow/internal/store"
)

// Repo is the SQLite implementation of store.Store.
type Repo struct {
	DB          *sql.DB
	EventWriter events.Writer
}

var ErrNotFound = store.ErrNotFound

// Open opens and migrates the workspace database.
func Open(ctx context.Context, cfg db.Config) (*Repo, error) {
	conn, err := db.Open(cfg)
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Repo{DB: conn}, nil
}

const entityColumns = `type,id,COALESCE(parent_id,''),COALESCE(owner,''),COALESCE(kind,''),COALESCE(status,''),version,data_json,created_at,updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (store.Record, error) {
	var r store.Record
	var data string
	err := row.Scan(&r.Type, &r.ID, &r.ParentID, &r.Owner, &r.Kind, &r.Status, &r.Version, &data, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return r, ErrNotFound
	}
	if err != nil {
		return r, err
	}
	r.Data = []byte(data)
	return r, nil
}

func (r *Repo) Get(ctx context.Context, t domain.EntityType, id string) (store.Record, error) {
	return scanRecord(r.DB.QueryRowContext(ctx, `SELECT `+entityColumns+` FROM entities WHERE type=? AND id=?`, t, id))
}

func (r *Repo) List(ctx context.Context, q store.Query) ([]store.Record, error) {
	clauses := []string{"type=?"}
	args := []any{q.Type}
	if q.ParentID != "" {
		clauses = append(clauses, "parent_id=?")
		args = append(args, q.ParentID)
	}
	if q.Owner != "" {
		clauses = append(clauses, "owner=?")
		args = append(args, q.Owner)
	}
	if len(q.Kinds) > 0 {
		clauses = append(clauses, "kind IN ("+placeholders(len(q.Kinds))+")")
		for _, k := range q.Kinds {
			args = append(args, k)
		}
	}
	if len(q.Statuses) > 0 {
		clauses = append(clauses, "status IN ("+placeholders(len(q.Statuses))+")")
		for _, s := range q.Statuses {
			args = append(args, s)
		}
	}
	query := fmt.Sprintf(`SELECT %s FROM entities WHERE %s ORDER BY created_at ASC, id ASC`, entityColumns, strings.Join(clauses, " AND "))
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []store.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// Commit writes the batch in one transaction. Inserts rely on the primary key and
// updates on a version predicate, so a lost race surfaces as a conflict instead of a merge.
func (r *Repo) Commit(ctx context.Context, b store.Batch) ([]domain.Event, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	for _, w := range b.Writes {
		if err := r.write(ctx, tx, w); err != nil {
			return nil, err
		}
	}
	// guards run after the first write so the tx already holds the write lock
	for _, c := range b.Checks {
		actual, err := currentVersion(ctx, tx, c.Type, c.ID)
		if err != nil {
			return nil, err
		}
		if actual != c.Version {
			return nil, &store.ConflictError{Type: c.Type, ID: c.ID, Expected: c.Version, Actual: actual}
		}
	}
	out := make([]domain.Event, 0, len(b.Events))
	for _, evt := range b.Events {
		id, err := r.EventWriter.Append(ctx, tx, evt)
		if err != nil {
			return nil, fmt.Errorf("append event %s: %w", evt.Type, err)
		}
		evt.ID = id
		out = append(out, evt)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Repo) write(ctx context.Context, tx *sql.Tx, w store.Write) error {
	rec := w.Record
	var res sql.Result
	var err error
	if w.ExpectedVersion == 0 {
		res, err = tx.ExecContext(ctx, `INSERT INTO entities(type,id,parent_id,owner,kind,status,version,data_json,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?) ON CONFLICT(type,id) DO NOTHING`,
			rec.Type, rec.ID, nullable(rec.ParentID), nullable(rec.Owner), nullable(rec.Kind), nullable(rec.Status),
			rec.Version, string(rec.Data), rec.CreatedAt, rec.UpdatedAt)
	} else {
		res, err = tx.ExecContext(ctx, `UPDATE entities SET parent_id=?,owner=?,kind=?,status=?,version=?,data_json=?,updated_at=?
WHERE type=? AND id=? AND version=?`,
			nullable(rec.ParentID), nullable(rec.Owner), nullable(rec.Kind), nullable(rec.Status),
			rec.Version, string(rec.Data), rec.UpdatedAt, rec.Type, rec.ID, w.ExpectedVersion)
	}
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	actual, err := currentVersion(ctx, tx, rec.Type, rec.ID)
	if err != nil {
		return err
	}
	return &store.ConflictError{Type: rec.Type, ID: rec.ID, Expected: w.ExpectedVersion, Actual: actual}
}

func currentVersion(ctx context.Context, tx *sql.Tx, t domain.EntityType, id string) (int64, error) {
	var v int64
	err := tx.QueryRowContext(ctx, `SELECT version FROM entities WHERE type=? AND id=?`, t, id).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return v, err
}

func (r *Repo) Events(ctx context.Context, q store.EventQuery) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if q.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, q.Type)
	}
	if q.EntityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, q.EntityKind)
	}
	if q.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, q.EntityID)
	}
	if q.After > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, q.After)
	}
	if q.Before > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, q.Before)
	}
	order := "ASC"
	if q.Desc {
		order = "DESC"
	}
	query := fmt.Sprintf(`SELECT id,ts,type,entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE %s ORDER BY id %s`,
		strings.Join(clauses, " AND "), order)
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &e.EntityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the most recent event ID.
func (r *Repo) LatestEventID(ctx context.Context) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (r *Repo) Close() error {
	return r.DB.Close()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
