package sqlengine

import (
	"context"
	"errors"
	"time"

	"github.com/appknit/eventsourcing/eventstore"
	"github.com/appknit/eventsourcing/eventstore/internal/observe"
	"github.com/appknit/eventsourcing/eventstore/sqlengine/internal/adapters"
)

const (
	logMsgBuildQueryFailed = "failed to build sql statement"
	logMsgDBQueryFailed    = "database query execution failed"
	logMsgDBExecFailed     = "database statement execution failed"
	logMsgCloseRowsFailed  = "failed to close database rows"
	logMsgScanRowFailed    = "failed to scan database row"
	logMsgTableCreated     = "table created"
	logAttrTable           = "table"
	logAttrStatement       = "statement"
)

type sqlBuilder interface {
	ToSQL() (string, []any, error)
}

// tableDefinition is a table, the statement creating it and the statements creating its indexes.
// Index statements must be idempotent, they run on every bootstrap.
type tableDefinition struct {
	name    string
	create  string
	indexes []string
}

// runner executes goqu-built statements through a DBAdapter and logs them.
type runner struct {
	db       adapters.DBAdapter
	dialect  Dialect
	observer *observe.Observer
}

func (r runner) toSQL(ctx context.Context, builder sqlBuilder) (string, []any, error) {
	statement, args, err := builder.ToSQL()
	if err != nil {
		r.observer.LogError(ctx, logMsgBuildQueryFailed, err)
		return "", nil, errors.Join(eventstore.ErrBuildingQueryFailed, err)
	}

	return statement, args, nil
}

func (r runner) query(ctx context.Context, action string, builder sqlBuilder) (adapters.DBRows, error) {
	statement, args, err := r.toSQL(ctx, builder)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	rows, queryErr := r.db.Query(ctx, statement, args...)
	r.observer.LogStatement(ctx, statement, action, time.Since(start))

	if queryErr != nil {
		r.observer.LogError(ctx, logMsgDBQueryFailed, queryErr, logAttrStatement, statement)
		return nil, errors.Join(eventstore.ErrQueryingEventsFailed, queryErr)
	}

	return rows, nil
}

func (r runner) exec(ctx context.Context, action string, builder sqlBuilder) (int64, error) {
	statement, args, err := r.toSQL(ctx, builder)
	if err != nil {
		return 0, err
	}

	return r.execRaw(ctx, action, statement, args...)
}

func (r runner) execRaw(ctx context.Context, action string, statement string, args ...any) (int64, error) {
	start := time.Now()
	result, execErr := r.db.Exec(ctx, statement, args...)
	r.observer.LogStatement(ctx, statement, action, time.Since(start))

	if execErr != nil {
		r.observer.LogError(ctx, logMsgDBExecFailed, execErr, logAttrStatement, statement)
		return 0, execErr
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Join(eventstore.ErrGettingRowsAffectedFailed, err)
	}

	return rowsAffected, nil
}

func (r runner) closeRows(ctx context.Context, rows adapters.DBRows) {
	if closeErr := rows.Close(); closeErr != nil {
		r.observer.LogWarn(ctx, logMsgCloseRowsFailed, closeErr)
	}
}

// scanAll calls scan for each row and surfaces iteration errors.
func (r runner) scanAll(ctx context.Context, rows adapters.DBRows, scan func(adapters.DBRows) error) error {
	defer r.closeRows(ctx, rows)

	for rows.Next() {
		if err := scan(rows); err != nil {
			r.observer.LogError(ctx, logMsgScanRowFailed, err)
			return errors.Join(eventstore.ErrScanningDBRowFailed, err)
		}
	}

	if err := rows.Err(); err != nil {
		return errors.Join(eventstore.ErrQueryingEventsFailed, err)
	}

	return nil
}

func (r runner) tableExists(ctx context.Context, table string) (bool, error) {
	rows, err := r.query(ctx, "table exists", r.dialect.tableExistsQuery(table).Prepared(true))
	if err != nil {
		return false, err
	}

	var count int64
	scanErr := r.scanAll(ctx, rows, func(row adapters.DBRows) error {
		return row.Scan(&count)
	})

	return count > 0, scanErr
}

// createTablesIfNotExist creates the missing tables from their DDL and then ensures every index,
// also on tables that already existed. A bootstrap that failed between the table and its indexes is
// completed by the next one.
func (r runner) createTablesIfNotExist(ctx context.Context, definitions ...tableDefinition) (eventstore.BootstrapReport, error) {
	var report eventstore.BootstrapReport

	for _, definition := range definitions {
		exists, err := r.tableExists(ctx, definition.name)
		if err != nil {
			return report, errors.Join(eventstore.ErrSchemaBootstrapFailed, err)
		}

		if !exists {
			if _, err = r.execRaw(ctx, "create table", definition.create); err != nil {
				return report, errors.Join(eventstore.ErrSchemaBootstrapFailed, err)
			}
		}

		for _, statement := range definition.indexes {
			if _, err = r.execRaw(ctx, "create index", statement); err != nil {
				return report, errors.Join(eventstore.ErrSchemaBootstrapFailed, err)
			}
		}

		if exists {
			report.AlreadyExisted = append(report.AlreadyExisted, definition.name)
			continue
		}

		r.observer.LogOperation(ctx, logMsgTableCreated, logAttrTable, definition.name)
		report.Created = append(report.Created, definition.name)
	}

	return report, nil
}
