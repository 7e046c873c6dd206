package postgres

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentcrew/core"
	"github.com/hupe1980/agentcrew/storage"
)

// fakeRow implements pgx.Row with a custom scan function.
type fakeRow struct {
	scanFunc func(dest ...any) error
}

func (r *fakeRow) Scan(dest ...any) error { return r.scanFunc(dest...) }

// fakeRows implements pgx.Rows over in-memory values. Scan assigns by
// reflection, so the test values must match the destination types.
type fakeRows struct {
	columns []string
	data    [][]any
	idx     int
}

func (r *fakeRows) Close()                        {}
func (r *fakeRows) Err() error                    { return nil }
func (r *fakeRows) CommandTag() pgconn.CommandTag { return pgconn.NewCommandTag("SELECT") }
func (r *fakeRows) RawValues() [][]byte           { return nil }
func (r *fakeRows) Conn() *pgx.Conn               { return nil }

func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription {
	out := make([]pgconn.FieldDescription, len(r.columns))
	for i, c := range r.columns {
		out[i] = pgconn.FieldDescription{Name: c}
	}
	return out
}

func (r *fakeRows) Next() bool {
	if r.idx >= len(r.data) {
		return false
	}
	r.idx++
	return true
}

func (r *fakeRows) Values() ([]any, error) { return r.data[r.idx-1], nil }

func (r *fakeRows) Scan(dest ...any) error {
	row := r.data[r.idx-1]
	if len(dest) != len(row) {
		return fmt.Errorf("scan: %d dest for %d columns", len(dest), len(row))
	}
	for i, d := range dest {
		if row[i] == nil {
			continue
		}
		reflect.ValueOf(d).Elem().Set(reflect.ValueOf(row[i]))
	}
	return nil
}

// fakeDBTX implements DBTX for unit testing.
type fakeDBTX struct {
	execSQL  []string
	execArgs [][]any
	execTag  string
	execErr  error
	rows     *fakeRows
	rowFunc  func(sql string, args ...any) pgx.Row
}

func (d *fakeDBTX) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	d.execSQL = append(d.execSQL, sql)
	d.execArgs = append(d.execArgs, args)
	return pgconn.NewCommandTag(d.execTag), d.execErr
}

func (d *fakeDBTX) Query(context.Context, string, ...any) (pgx.Rows, error) {
	if d.rows == nil {
		return &fakeRows{}, nil
	}
	return d.rows, nil
}

func (d *fakeDBTX) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	if d.rowFunc != nil {
		return d.rowFunc(sql, args...)
	}
	return &fakeRow{scanFunc: func(...any) error { return pgx.ErrNoRows }}
}

func TestFacadeQueryReturnsMaps(t *testing.T) {
	db := &fakeDBTX{rows: &fakeRows{
		columns: []string{"id", "status"},
		data:    [][]any{{"e1", "running"}, {"e2", "completed"}},
	}}
	rows, err := NewFacade(db).Query(context.Background(), "SELECT id, status FROM subagent_executions WHERE workflow_id = $1", "wf")
	require.NoError(t, err)
	assert.Equal(t, []map[string]any{
		{"id": "e1", "status": "running"},
		{"id": "e2", "status": "completed"},
	}, rows)
}

func TestFacadeExecAndCreate(t *testing.T) {
	db := &fakeDBTX{execTag: "DELETE 2"}
	f := NewFacade(db)

	n, err := f.Exec(context.Background(), "DELETE FROM memories WHERE workflow_id = $1", "wf")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	err = f.Create(context.Background(), "notes; DROP TABLE x", "1", nil)
	assert.True(t, core.IsKind(err, core.KindInvalidInput))

	require.NoError(t, f.Create(context.Background(), "notes", "n1", map[string]any{"a": 1}))
	last := db.execArgs[len(db.execArgs)-1]
	assert.Equal(t, "notes", last[0])
	assert.Equal(t, "n1", last[1])
	assert.JSONEq(t, `{"a":1}`, string(last[2].([]byte)))

	db.execErr = errors.New("conn reset")
	_, err = f.Exec(context.Background(), "UPDATE tasks SET status = $1", "x")
	assert.True(t, core.IsKind(err, core.KindExecutionFailed))
}

func TestCompleteRecordSingleShot(t *testing.T) {
	ctx := context.Background()

	db := &fakeDBTX{execTag: "UPDATE 1"}
	require.NoError(t, NewStore(db).CompleteRecord(ctx, "e1", core.RecordCompletion{Status: core.RecordCompleted}))
	assert.Contains(t, db.execSQL[0], "status NOT IN ('completed', 'failed', 'cancelled')")

	db = &fakeDBTX{execTag: "UPDATE 0", rowFunc: func(string, ...any) pgx.Row {
		return &fakeRow{scanFunc: func(dest ...any) error {
			*dest[0].(*string) = "completed"
			return nil
		}}
	}}
	err := NewStore(db).CompleteRecord(ctx, "e1", core.RecordCompletion{Status: core.RecordFailed})
	assert.True(t, core.IsKind(err, core.KindValidationFailed))

	db = &fakeDBTX{execTag: "UPDATE 0"}
	err = NewStore(db).CompleteRecord(ctx, "ghost", core.RecordCompletion{Status: core.RecordFailed})
	assert.True(t, core.IsKind(err, core.KindNotFound))
}

func TestGetRecordNotFound(t *testing.T) {
	_, err := NewStore(&fakeDBTX{}).GetRecord(context.Background(), "missing")
	assert.True(t, core.IsKind(err, core.KindNotFound))
}

func TestListTasksDecodesDependencies(t *testing.T) {
	now := time.Unix(10, 0).UTC()
	db := &fakeDBTX{rows: &fakeRows{
		columns: strings.Split(strings.ReplaceAll(taskColumns, " ", ""), ","),
		data: [][]any{
			{"t1", "wf", "write", "", "pending", "high", []byte(`["t0"]`), now, now},
		},
	}}
	tasks, err := NewStore(db).ListTasks(context.Background(), "wf")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, storage.TaskPending, tasks[0].Status)
	assert.Equal(t, []string{"t0"}, tasks[0].DependsOn)
}

func TestAddMemoryDefaultsJSON(t *testing.T) {
	db := &fakeDBTX{execTag: "INSERT 0 1"}
	require.NoError(t, NewStore(db).AddMemory(context.Background(), storage.MemoryEntry{ID: "m1", Type: "fact", Content: "x"}))
	args := db.execArgs[0]
	assert.Equal(t, []byte("[]"), args[4])
	assert.Equal(t, []byte("{}"), args[5])
}

func TestMigrateURL(t *testing.T) {
	assert.Equal(t, "pgx5://u:p@localhost:5432/db", migrateURL("postgres://u:p@localhost:5432/db"))
	assert.Equal(t, "pgx5://h/db", migrateURL("postgresql://h/db"))
	assert.Equal(t, "pgx5://h/db", migrateURL("pgx5://h/db"))
}

func TestMigrationsEmbedded(t *testing.T) {
	entries, err := migrationFS.ReadDir("migrations")
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}
