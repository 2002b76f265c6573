package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/SEc-123/BolaSecurityTestGate-sub001/internal/logger"
)

var ErrNotFound = errors.New("record not found")

// Filter narrows FindAll, Count and DeleteWhere. Zero values match everything.
type Filter struct {
	ParentID string
	IDs      []string
	Limit    int
}

// meta is how a repository reads and writes the indexed attributes of T.
type meta[T any] struct {
	id      func(*T) string
	setID   func(*T, string)
	parent  func(*T) string
	sortKey func(*T) int64
	created func(*T) time.Time
	stamp   func(t *T, created, updated time.Time)
}

type row struct {
	ID        string         `db:"id"`
	ParentID  sql.NullString `db:"parent_id"`
	SortKey   int64          `db:"sort_key"`
	Data      string         `db:"data"`
	CreatedAt int64          `db:"created_at"`
	UpdatedAt int64          `db:"updated_at"`
}

// Repository stores T as a JSON document in one table.
type Repository[T any] struct {
	db     *sqlx.DB
	table  Table
	meta   meta[T]
	logger *logger.Logger
}

func newRepository[T any](db *sqlx.DB, table Table, m meta[T], log *logger.Logger) *Repository[T] {
	return &Repository[T]{db: db, table: table, meta: m, logger: log}
}

func (r *Repository[T]) Table() Table { return r.table }

func (r *Repository[T]) where(f Filter) (string, []any, error) {
	var clauses []string
	var args []any
	if f.ParentID != "" {
		clauses = append(clauses, "parent_id = ?")
		args = append(args, f.ParentID)
	}
	if len(f.IDs) > 0 {
		clause, inArgs, err := sqlx.In("id IN (?)", f.IDs)
		if err != nil {
			return "", nil, err
		}
		clauses = append(clauses, clause)
		args = append(args, inArgs...)
	}
	if len(clauses) == 0 {
		return "", nil, nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args, nil
}

func (r *Repository[T]) FindAll(ctx context.Context, f Filter) ([]T, error) {
	start := time.Now()
	where, args, err := r.where(f)
	if err != nil {
		return nil, fmt.Errorf("failed to build filter for %s: %w", r.table, err)
	}
	query := "SELECT id, parent_id, sort_key, data, created_at, updated_at FROM " + string(r.table) + where +
		" ORDER BY sort_key, created_at, id"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	var rows []row
	if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", r.table, err)
	}

	out := make([]T, 0, len(rows))
	for _, rw := range rows {
		var v T
		if err := json.Unmarshal([]byte(rw.Data), &v); err != nil {
			return nil, fmt.Errorf("failed to decode %s %s: %w", r.table, rw.ID, err)
		}
		out = append(out, v)
	}
	r.logger.LogDatabaseOperation(ctx, "select", string(r.table), int64(len(out)), time.Since(start))
	return out, nil
}

func (r *Repository[T]) FindByID(ctx context.Context, id string) (*T, error) {
	var rw row
	query := r.db.Rebind("SELECT id, parent_id, sort_key, data, created_at, updated_at FROM " + string(r.table) + " WHERE id = ?")
	if err := r.db.GetContext(ctx, &rw, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s %s: %w", r.table, id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get %s %s: %w", r.table, id, err)
	}
	var v T
	if err := json.Unmarshal([]byte(rw.Data), &v); err != nil {
		return nil, fmt.Errorf("failed to decode %s %s: %w", r.table, id, err)
	}
	return &v, nil
}

// Create inserts v, assigning an ID when it has none. A preset CreatedAt is
// kept so imported rows retain their history.
func (r *Repository[T]) Create(ctx context.Context, v *T) error {
	start := time.Now()
	if r.meta.id(v) == "" {
		r.meta.setID(v, uuid.NewString())
	}
	now := time.Now().UTC()
	created := r.meta.created(v)
	if created.IsZero() {
		created = now
	}
	r.meta.stamp(v, created, now)

	rw, err := r.toRow(v, created, now)
	if err != nil {
		return err
	}
	query := "INSERT INTO " + string(r.table) + ` (id, parent_id, sort_key, data, created_at, updated_at)
		VALUES (:id, :parent_id, :sort_key, :data, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, rw); err != nil {
		return fmt.Errorf("failed to insert %s %s: %w", r.table, rw.ID, err)
	}
	r.logger.LogDatabaseOperation(ctx, "insert", string(r.table), 1, time.Since(start), "id", rw.ID)
	return nil
}

// Update replaces the stored document, keeping the CreatedAt carried by v.
func (r *Repository[T]) Update(ctx context.Context, v *T) error {
	start := time.Now()
	now := time.Now().UTC()
	created := r.meta.created(v)
	if created.IsZero() {
		created = now
	}
	r.meta.stamp(v, created, now)

	rw, err := r.toRow(v, created, now)
	if err != nil {
		return err
	}
	query := "UPDATE " + string(r.table) + ` SET parent_id = :parent_id, sort_key = :sort_key, data = :data, updated_at = :updated_at
		WHERE id = :id`
	res, err := r.db.NamedExecContext(ctx, query, rw)
	if err != nil {
		return fmt.Errorf("failed to update %s %s: %w", r.table, rw.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update %s %s: %w", r.table, rw.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", r.table, rw.ID, ErrNotFound)
	}
	r.logger.LogDatabaseOperation(ctx, "update", string(r.table), n, time.Since(start), "id", rw.ID)
	return nil
}

// Save updates v when it exists and creates it otherwise.
func (r *Repository[T]) Save(ctx context.Context, v *T) error {
	if r.meta.id(v) != "" {
		err := r.Update(ctx, v)
		if !errors.Is(err, ErrNotFound) {
			return err
		}
	}
	return r.Create(ctx, v)
}

func (r *Repository[T]) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, r.db.Rebind("DELETE FROM "+string(r.table)+" WHERE id = ?"), id)
	if err != nil {
		return fmt.Errorf("failed to delete %s %s: %w", r.table, id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s %s: %w", r.table, id, ErrNotFound)
	}
	return nil
}

// DeleteWhere removes every row matching f and reports how many went.
func (r *Repository[T]) DeleteWhere(ctx context.Context, f Filter) (int64, error) {
	where, args, err := r.where(f)
	if err != nil {
		return 0, err
	}
	res, err := r.db.ExecContext(ctx, r.db.Rebind("DELETE FROM "+string(r.table)+where), args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete from %s: %w", r.table, err)
	}
	return res.RowsAffected()
}

func (r *Repository[T]) Count(ctx context.Context, f Filter) (int, error) {
	where, args, err := r.where(f)
	if err != nil {
		return 0, err
	}
	var n int
	if err := r.db.GetContext(ctx, &n, r.db.Rebind("SELECT COUNT(*) FROM "+string(r.table)+where), args...); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", r.table, err)
	}
	return n, nil
}

func (r *Repository[T]) toRow(v *T, created, updated time.Time) (row, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return row{}, fmt.Errorf("failed to encode %s: %w", r.table, err)
	}
	rw := row{
		ID:        r.meta.id(v),
		Data:      string(data),
		CreatedAt: created.UnixMilli(),
		UpdatedAt: updated.UnixMilli(),
	}
	if p := r.meta.parent(v); p != "" {
		rw.ParentID = sql.NullString{String: p, Valid: true}
	}
	if r.meta.sortKey != nil {
		rw.SortKey = r.meta.sortKey(v)
	}
	return rw, nil
}
