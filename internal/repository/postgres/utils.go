package postgres

import (
	"fmt"
	"strconv"
	"strings"
)

// wrapDBErr maps common DB errors to repository-level errors and wraps them with
// the provided operation name.
func wrapDBErr(op string, err error) error {
	if err == nil {
		return nil
	}

	return fmt.Errorf("%s:%w", op, translateDBErr(err))
}

// where accumulates AND-ed predicates with positional arguments.
type where struct {
	preds []string
	args  []any
}

func (w *where) add(pred string, arg any) {
	w.args = append(w.args, arg)
	w.preds = append(w.preds, strings.ReplaceAll(pred, "?", "$"+strconv.Itoa(len(w.args))))
}

func (w *where) sql() string {
	if len(w.preds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.preds, " AND ")
}

// page appends LIMIT/OFFSET, defaulting to 50 rows and capping at 500.
func (w *where) page(limit, offset int) string {
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	if offset < 0 {
		offset = 0
	}

	w.args = append(w.args, limit, offset)
	n := len(w.args)
	return fmt.Sprintf(" LIMIT $%d OFFSET $%d", n-1, n)
}
