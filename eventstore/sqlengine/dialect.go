package sqlengine

import (
	"fmt"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres" // dialect registration
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"  // dialect registration
	"github.com/doug-martin/goqu/v9/exp"

	"github.com/appknit/eventsourcing/eventstore"
)

// Dialect selects the SQL flavor the engine speaks.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// ParseDialect maps a configured dialect name onto a Dialect.
func ParseDialect(name string) (Dialect, error) {
	switch name {
	case "postgres", "postgresql", "pg":
		return DialectPostgres, nil
	case "sqlite", "sqlite3":
		return DialectSQLite, nil
	default:
		return "", fmt.Errorf("%w: %q", eventstore.ErrUnsupportedDialect, name)
	}
}

func (d Dialect) builder() goqu.DialectWrapper {
	if d == DialectSQLite {
		return goqu.Dialect("sqlite3")
	}

	return goqu.Dialect("postgres")
}

// param renders a bind parameter; PostgreSQL needs explicit casts inside INSERT ... SELECT.
func (d Dialect) param(value any, pgType string) exp.Expression {
	if d == DialectPostgres {
		return goqu.L("?::"+pgType, value)
	}

	return goqu.L("?", value)
}

// jsonText extracts a top-level string field of a JSON document column.
func (d Dialect) jsonText(column, field string) exp.LiteralExpression {
	return goqu.L(d.jsonTextSQL(column, field))
}

// jsonNumber extracts a top-level numeric field of a JSON document column.
func (d Dialect) jsonNumber(column, field string) exp.LiteralExpression {
	return goqu.L(d.jsonNumberSQL(column, field))
}

func (d Dialect) jsonTextSQL(column, field string) string {
	if d == DialectPostgres {
		return fmt.Sprintf(`("%s"->>'%s')`, column, field)
	}

	return fmt.Sprintf(`json_extract("%s", '$.%s')`, column, field)
}

func (d Dialect) jsonNumberSQL(column, field string) string {
	if d == DialectPostgres {
		return fmt.Sprintf(`(("%s"->>'%s')::bigint)`, column, field)
	}

	return fmt.Sprintf(`json_extract("%s", '$.%s')`, column, field)
}

// tableExistsQuery counts the tables with the given name visible to the current connection.
func (d Dialect) tableExistsQuery(table string) *goqu.SelectDataset {
	if d == DialectSQLite {
		return d.builder().
			From("sqlite_master").
			Select(goqu.COUNT(goqu.Star())).
			Where(goqu.C("type").Eq("table"), goqu.C("name").Eq(table))
	}

	return d.builder().
		From(goqu.S("information_schema").Table("tables")).
		Select(goqu.COUNT(goqu.Star())).
		Where(goqu.C("table_schema").Eq(goqu.L("current_schema()")), goqu.C("table_name").Eq(table))
}

func (d Dialect) jsonType() string {
	if d == DialectPostgres {
		return "JSONB"
	}

	return "TEXT"
}

func (d Dialect) timestampType() string {
	if d == DialectPostgres {
		return "TIMESTAMPTZ"
	}

	return "TIMESTAMP"
}

func (d Dialect) bigintType() string {
	if d == DialectPostgres {
		return "BIGINT"
	}

	return "INTEGER"
}

func (d Dialect) smallintType() string {
	if d == DialectPostgres {
		return "SMALLINT"
	}

	return "INTEGER"
}

func (d Dialect) textType(size int) string {
	if d == DialectPostgres {
		return fmt.Sprintf("VARCHAR(%d)", size)
	}

	return "TEXT"
}
