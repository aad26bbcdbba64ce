package corpus

import (
	"context"
	"fmt"
	"sort"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// readSQLite reads the first table (by name) that has question and advice
// columns, in rowid order. The database is opened read-only.
func (l *Loader) readSQLite(ctx context.Context, path string) ([]row, error) {
	db, err := sqlx.ConnectContext(ctx, "sqlite3", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	defer db.Close()

	var tables []string
	if err := db.SelectContext(ctx, &tables,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%'`); err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	sort.Strings(tables)

	for _, table := range tables {
		cols, err := tableColumns(ctx, db, table)
		if err != nil {
			return nil, err
		}
		qi, ai := columnIndex(cols)
		if qi < 0 || ai < 0 {
			continue
		}
		l.logger.Debug("reading sqlite table", zap.String("file", path), zap.String("table", table))
		return l.readTable(ctx, db, path, table, cols[qi], cols[ai])
	}
	return nil, errNoColumns
}

func tableColumns(ctx context.Context, db *sqlx.DB, table string) ([]string, error) {
	rows, err := db.QueryxContext(ctx, fmt.Sprintf(`SELECT * FROM %s LIMIT 0`, quoteIdent(table)))
	if err != nil {
		return nil, fmt.Errorf("inspect table %s: %w", table, err)
	}
	defer rows.Close()
	return rows.Columns()
}

func (l *Loader) readTable(ctx context.Context, db *sqlx.DB, path, table, qcol, acol string) ([]row, error) {
	query := fmt.Sprintf(`SELECT %s, %s FROM %s ORDER BY rowid`, quoteIdent(qcol), quoteIdent(acol), quoteIdent(table))
	rows, err := db.QueryxContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query table %s: %w", table, err)
	}
	defer rows.Close()

	var out []row
	n := 0
	for rows.Next() {
		n++
		vals, err := rows.SliceScan()
		if err != nil {
			return nil, fmt.Errorf("scan row %d: %w", n, err)
		}
		if rw, ok := l.makeRow(path, n, asString(vals[0]), asString(vals[1])); ok {
			out = append(out, rw)
		}
	}
	return out, rows.Err()
}

func asString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	default:
		return fmt.Sprint(t)
	}
}

func quoteIdent(name string) string {
	out := []byte{'"'}
	for i := 0; i < len(name); i++ {
		if name[i] == '"' {
			out = append(out, '"')
		}
		out = append(out, name[i])
	}
	return string(append(out, '"'))
}
