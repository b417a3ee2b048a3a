package postgres

import (
	"fmt"
	"strings"

	"github.com/alanyoungcy/ledgermarket/internal/domain"
)

// window appends the time filter, ordering and pagination of opts to a
// query whose WHERE clause is already open. args continues numbering from
// len(args)+1.
func window(query, col, order string, args []any, opts domain.ListOpts) (string, []any) {
	var b strings.Builder
	b.WriteString(query)
	if opts.Since != nil {
		args = append(args, *opts.Since)
		fmt.Fprintf(&b, " AND %s >= $%d", col, len(args))
	}
	if opts.Until != nil {
		args = append(args, *opts.Until)
		fmt.Fprintf(&b, " AND %s <= $%d", col, len(args))
	}
	b.WriteString(" ORDER BY ")
	b.WriteString(order)
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		fmt.Fprintf(&b, " LIMIT $%d", len(args))
	}
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		fmt.Fprintf(&b, " OFFSET $%d", len(args))
	}
	return b.String(), args
}
