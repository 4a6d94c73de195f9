// Package views derives materialized domain tables from the contiguous
// block stream. Each view owns a dedicated Postgres schema written by a
// registered handler inside the per-block transaction, so view state and
// the view watermark commit atomically.
package views

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
)

// Definition describes a view's physical tables.
type Definition struct {
	Tables map[string]TableDef `json:"tables"`
}

// TableDef is one table: user columns plus declared indexes. Auto columns
// (_id, _block_height, _tx_id, _created_at) are implicit.
type TableDef struct {
	Columns   map[string]string `json:"columns"`
	Indexes   []string          `json:"indexes,omitempty"`
	Composite [][]string        `json:"composite_indexes,omitempty"`
	Unique    [][]string        `json:"unique,omitempty"`
}

var identifierRe = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

// columnTypes is the closed set of SQL types a definition may use.
var columnTypes = map[string]bool{
	"text":             true,
	"bigint":           true,
	"int":              true,
	"boolean":          true,
	"numeric":          true,
	"jsonb":            true,
	"timestamptz":      true,
	"double precision": true,
}

// ParseDefinition decodes and validates a view definition. Identifiers
// and column types are whitelisted because they are interpolated into
// DDL.
func ParseDefinition(raw json.RawMessage) (*Definition, error) {
	var def Definition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, fmt.Errorf("invalid definition: %w", err)
	}
	if len(def.Tables) == 0 {
		return nil, fmt.Errorf("definition has no tables")
	}

	for table, td := range def.Tables {
		if !identifierRe.MatchString(table) {
			return nil, fmt.Errorf("invalid table name %q", table)
		}
		if len(td.Columns) == 0 {
			return nil, fmt.Errorf("table %s has no columns", table)
		}
		for col, typ := range td.Columns {
			if !identifierRe.MatchString(col) {
				return nil, fmt.Errorf("table %s: invalid column name %q", table, col)
			}
			if !columnTypes[typ] {
				return nil, fmt.Errorf("table %s: unsupported column type %q", table, typ)
			}
		}
		for _, col := range td.Indexes {
			if _, ok := td.Columns[col]; !ok {
				return nil, fmt.Errorf("table %s: index on unknown column %q", table, col)
			}
		}
		for _, cols := range append(append([][]string{}, td.Composite...), td.Unique...) {
			for _, col := range cols {
				if _, ok := td.Columns[col]; !ok {
					return nil, fmt.Errorf("table %s: constraint on unknown column %q", table, col)
				}
			}
		}
	}
	return &def, nil
}

// Hash returns the definition's content hash. Map keys marshal sorted, so
// the hash is stable across field order in the stored JSON.
func (d *Definition) Hash() string {
	canonical, _ := json.Marshal(d)
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}
