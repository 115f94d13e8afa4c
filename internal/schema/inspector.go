// Package schema validates a target ClickHouse database against the
// framework's column contract and returns the set of item tables the
// writer is allowed to touch.
package schema

import (
	"context"
	"fmt"
	"strings"

	"github.com/chainload/columnar-sync/internal/chstore"
	"github.com/chainload/columnar-sync/internal/model"
)

// SchemaError names the offending table/column/type so an operator can fix
// their DDL without re-running the inspector under a debugger.
type SchemaError struct {
	Table  string
	Column string
	Found  string
	Reason string
}

func (e *SchemaError) Error() string {
	if e.Column == "" {
		return fmt.Sprintf("schema: table %q: %s", e.Table, e.Reason)
	}
	return fmt.Sprintf("schema: table %q column %q (type %s): %s", e.Table, e.Column, e.Found, e.Reason)
}

type columnRow struct {
	Table string `json:"table"`
	Name  string `json:"name"`
	Type  string `json:"type"`
}

// Inspect enumerates every table in database, validates the blocks table
// and every item table against the framework's column contract, and
// returns the item table names (order unspecified).
func Inspect(ctx context.Context, c *chstore.Client, database string) ([]string, error) {
	var rows []columnRow
	q := fmt.Sprintf(
		"SELECT table, name, type FROM system.columns WHERE database = '%s'",
		escapeLiteral(database),
	)
	if err := c.Query(ctx, q, &rows); err != nil {
		return nil, fmt.Errorf("schema: inspect %s: %w", database, err)
	}

	byTable := map[string]map[string]string{}
	for _, r := range rows {
		cols := byTable[r.Table]
		if cols == nil {
			cols = map[string]string{}
			byTable[r.Table] = cols
		}
		cols[r.Name] = r.Type
	}

	blocksCols, ok := byTable[model.BlocksTable]
	if !ok {
		return nil, &SchemaError{Table: model.BlocksTable, Reason: "'blocks' table is not defined"}
	}
	if err := requireColumn(model.BlocksTable, blocksCols, "number", isBlockNumber, true); err != nil {
		return nil, err
	}
	if err := requireColumn(model.BlocksTable, blocksCols, "hash", isHash, true); err != nil {
		return nil, err
	}
	if err := requireColumn(model.BlocksTable, blocksCols, "parent_hash", isHash, true); err != nil {
		return nil, err
	}
	if err := requireColumn(model.BlocksTable, blocksCols, "parent_number", isBlockNumber, false); err != nil {
		return nil, err
	}
	if err := requireColumn(model.BlocksTable, blocksCols, "timestamp", isDateTime, false); err != nil {
		return nil, err
	}

	itemTables := make([]string, 0, len(byTable))
	for table, cols := range byTable {
		if table == model.BlocksTable {
			continue
		}
		if err := requireColumn(table, cols, "block_number", isBlockNumber, true); err != nil {
			return nil, err
		}
		if err := requireColumn(table, cols, "block_hash", isHash, false); err != nil {
			return nil, err
		}
		if err := requireColumn(table, cols, "block_timestamp", isDateTime, false); err != nil {
			return nil, err
		}
		itemTables = append(itemTables, table)
	}

	return itemTables, nil
}

func requireColumn(table string, cols map[string]string, name string, pred func(string) bool, required bool) error {
	found, ok := cols[name]
	if !ok {
		if required {
			return &SchemaError{Table: table, Column: name, Reason: "required column is missing"}
		}
		return nil
	}
	if !pred(found) {
		return &SchemaError{Table: table, Column: name, Found: found, Reason: "unexpected column type"}
	}
	return nil
}

func isBlockNumber(t string) bool {
	return t == "UInt32" || t == "UInt64"
}

func isHash(t string) bool {
	if t == "String" {
		return true
	}
	return strings.HasPrefix(t, "FixedString(") && strings.HasSuffix(t, ")")
}

func isDateTime(t string) bool {
	return t == "DateTime"
}

func escapeLiteral(s string) string {
	return strings.ReplaceAll(s, "'", "\\'")
}
