package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/hupe1980/agentcrew/core"
	"github.com/hupe1980/agentcrew/internal/util"
	"github.com/hupe1980/agentcrew/storage"
)

// Facade implements storage.Facade on pgx. Rows are returned as
// column-name keyed maps; Create writes into the documents table keyed by
// (collection, id).
type Facade struct {
	db DBTX
}

var _ storage.Facade = (*Facade)(nil)

// NewFacade wraps db.
func NewFacade(db DBTX) *Facade {
	return &Facade{db: db}
}

// Query runs a parameterised query.
func (f *Facade) Query(ctx context.Context, sql string, args ...any) ([]map[string]any, error) {
	rows, err := f.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, core.Wrap(core.KindStorage, err, "query failed")
	}
	out, err := pgx.CollectRows(rows, pgx.RowToMap)
	if err != nil {
		return nil, core.Wrap(core.KindStorage, err, "collect rows failed")
	}
	return out, nil
}

// Exec runs a parameterised DML statement and returns the affected row count.
func (f *Facade) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	tag, err := f.db.Exec(ctx, sql, args...)
	if err != nil {
		return 0, core.Wrap(core.KindExecutionFailed, err, "exec failed")
	}
	return tag.RowsAffected(), nil
}

// Create stores payload under (table, id).
func (f *Facade) Create(ctx context.Context, table, id string, payload map[string]any) error {
	if err := util.ValidateIdentifier("table", table); err != nil {
		return core.Wrap(core.KindInvalidInput, err, "invalid table name")
	}
	if id == "" {
		return core.Errorf(core.KindInvalidInput, "id must not be empty")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return core.Wrap(core.KindInvalidInput, err, "payload is not JSON encodable")
	}
	_, err = f.db.Exec(ctx,
		`INSERT INTO documents (collection, id, data) VALUES ($1, $2, $3)`,
		table, id, data,
	)
	if err != nil {
		return core.Wrap(core.KindStorage, err, fmt.Sprintf("create %s/%s failed", table, id))
	}
	return nil
}
