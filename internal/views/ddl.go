package views

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/secondlayer/streams/internal/store"
)

// EnsureSchema creates the view's schema and tables if missing and applies
// declared indexes. Everything is IF NOT EXISTS; re-running is a no-op.
func EnsureSchema(ctx context.Context, q store.Querier, schemaName string, def *Definition) error {
	if !identifierRe.MatchString(schemaName) {
		return fmt.Errorf("invalid schema name %q", schemaName)
	}

	if _, err := q.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+quote(schemaName)); err != nil {
		return fmt.Errorf("create schema %s: %w", schemaName, err)
	}

	// Sorted for deterministic DDL order.
	tables := make([]string, 0, len(def.Tables))
	for name := range def.Tables {
		tables = append(tables, name)
	}
	sort.Strings(tables)

	for _, table := range tables {
		td := def.Tables[table]
		for _, stmt := range tableDDL(schemaName, table, &td) {
			if _, err := q.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("apply ddl for %s.%s: %w", schemaName, table, err)
			}
		}
	}
	return nil
}

// tableDDL renders the CREATE TABLE plus index statements for one table.
func tableDDL(schema, table string, td *TableDef) []string {
	qualified := quote(schema) + "." + quote(table)

	cols := make([]string, 0, len(td.Columns))
	for name := range td.Columns {
		cols = append(cols, name)
	}
	sort.Strings(cols)

	var b strings.Builder
	b.WriteString("CREATE TABLE IF NOT EXISTS " + qualified + " (\n")
	b.WriteString("\t_id BIGSERIAL PRIMARY KEY,\n")
	b.WriteString("\t_block_height BIGINT NOT NULL,\n")
	b.WriteString("\t_tx_id TEXT,\n")
	b.WriteString("\t_created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()")
	for _, col := range cols {
		b.WriteString(",\n\t" + quote(col) + " " + td.Columns[col])
	}
	b.WriteString("\n)")

	stmts := []string{b.String()}
	addIndex := func(unique bool, cols ...string) {
		kind := "INDEX"
		if unique {
			kind = "UNIQUE INDEX"
		}
		name := table + "_" + strings.Join(cols, "_")
		if unique {
			name += "_key"
		} else {
			name += "_idx"
		}
		quoted := make([]string, len(cols))
		for i, c := range cols {
			quoted[i] = quote(c)
		}
		stmts = append(stmts, fmt.Sprintf("CREATE %s IF NOT EXISTS %s ON %s (%s)",
			kind, quote(name), qualified, strings.Join(quoted, ", ")))
	}

	addIndex(false, "_block_height")
	addIndex(false, "_tx_id")
	for _, col := range td.Indexes {
		addIndex(false, col)
	}
	for _, group := range td.Composite {
		addIndex(false, group...)
	}
	for _, group := range td.Unique {
		addIndex(true, group...)
	}
	return stmts
}

// DeleteFromHeight removes all rows at or above a reorged height from
// every table of the view's schema.
func DeleteFromHeight(ctx context.Context, q store.Querier, schemaName string, def *Definition, height int64) (int64, error) {
	var deleted int64
	for table := range def.Tables {
		tag, err := q.Exec(ctx,
			fmt.Sprintf("DELETE FROM %s.%s WHERE _block_height >= $1", quote(schemaName), quote(table)),
			height,
		)
		if err != nil {
			return deleted, fmt.Errorf("delete from %s.%s: %w", schemaName, table, err)
		}
		deleted += tag.RowsAffected()
	}
	return deleted, nil
}

func quote(identifier string) string {
	return pgx.Identifier{identifier}.Sanitize()
}
