// Package reconcile restores the at-least-once invariant after a crash or
// a detected reorg by deleting item-table rows above a given head.
package reconcile

import (
	"context"
	"fmt"

	"github.com/chainload/columnar-sync/internal/chstore"
	"github.com/chainload/columnar-sync/internal/model"
)

// Reconcile deletes, from every item table, every row whose block_number
// is strictly above head.Number. A nil head means the blocks table is
// empty; every item table is truncated by predicate instead.
//
// It is idempotent and safe to call repeatedly: a table already clean of
// rows above head simply deletes zero rows.
func Reconcile(ctx context.Context, c *chstore.Client, database string, itemTables []string, head *model.BlockRef) error {
	for _, table := range itemTables {
		var where string
		if head != nil {
			where = fmt.Sprintf("block_number > %d", head.Number)
		} else {
			where = "block_number >= 0"
		}
		stmt := fmt.Sprintf("DELETE FROM %s.%s WHERE %s", database, table, where)
		if err := c.Command(ctx, stmt); err != nil {
			return fmt.Errorf("reconcile: delete above head from %s: %w", table, err)
		}
	}
	return nil
}
