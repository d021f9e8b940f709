package db

import (
	"context"
	"database/sql"
)

type DBTX interface {
	ExecContext(context.Context, string, ...interface{}) (sql.Result, error)
	QueryContext(context.Context, string, ...interface{}) (*sql.Rows, error)
	QueryRowContext(context.Context, string, ...interface{}) *sql.Row
}

func New(db DBTX) *Queries {
	return &Queries{db: db}
}

type Queries struct {
	db DBTX
}

func (q *Queries) WithTx(tx *sql.Tx) *Queries {
	return &Queries{db: tx}
}

const deleteBaselineForEpoch = `
DELETE FROM baseline_entity WHERE epoch = ?
`

const deleteBaselineCategoriesForEpoch = `
DELETE FROM baseline_category WHERE epoch = ?
`

func (q *Queries) DeleteBaselineForEpoch(ctx context.Context, epoch string) error {
	_, err := q.db.ExecContext(ctx, deleteBaselineForEpoch, epoch)
	if err != nil {
		return err
	}
	_, err = q.db.ExecContext(ctx, deleteBaselineCategoriesForEpoch, epoch)
	return err
}

const createBaselineEntity = `
INSERT INTO baseline_entity (epoch, entity, record_count, created_at)
VALUES (?, ?, ?, ?)
`

type CreateBaselineEntityParams struct {
	Epoch       string
	Entity      string
	RecordCount int64
	CreatedAt   int64
}

func (q *Queries) CreateBaselineEntity(ctx context.Context, arg CreateBaselineEntityParams) error {
	_, err := q.db.ExecContext(ctx, createBaselineEntity,
		arg.Epoch, arg.Entity, arg.RecordCount, arg.CreatedAt)
	return err
}

const createBaselineCategory = `
INSERT INTO baseline_category (epoch, entity, category, record_count)
VALUES (?, ?, ?, ?)
`

type CreateBaselineCategoryParams struct {
	Epoch       string
	Entity      string
	Category    string
	RecordCount int64
}

func (q *Queries) CreateBaselineCategory(ctx context.Context, arg CreateBaselineCategoryParams) error {
	_, err := q.db.ExecContext(ctx, createBaselineCategory,
		arg.Epoch, arg.Entity, arg.Category, arg.RecordCount)
	return err
}

const getBaselineEntities = `
SELECT entity, record_count, created_at FROM baseline_entity
WHERE epoch = ?
ORDER BY entity
`

type GetBaselineEntitiesRow struct {
	Entity      string
	RecordCount int64
	CreatedAt   int64
}

func (q *Queries) GetBaselineEntities(ctx context.Context, epoch string) ([]GetBaselineEntitiesRow, error) {
	rows, err := q.db.QueryContext(ctx, getBaselineEntities, epoch)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []GetBaselineEntitiesRow
	for rows.Next() {
		var i GetBaselineEntitiesRow
		err := rows.Scan(&i.Entity, &i.RecordCount, &i.CreatedAt)
		if err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	return items, rows.Err()
}

const getBaselineCategories = `
SELECT entity, category, record_count FROM baseline_category
WHERE epoch = ?
ORDER BY entity, category
`

type GetBaselineCategoriesRow struct {
	Entity      string
	Category    string
	RecordCount int64
}

func (q *Queries) GetBaselineCategories(ctx context.Context, epoch string) ([]GetBaselineCategoriesRow, error) {
	rows, err := q.db.QueryContext(ctx, getBaselineCategories, epoch)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []GetBaselineCategoriesRow
	for rows.Next() {
		var i GetBaselineCategoriesRow
		err := rows.Scan(&i.Entity, &i.Category, &i.RecordCount)
		if err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	return items, rows.Err()
}
