// Package sqlsink turns replayed change sets and rows into bulk inserts for a
// relational target, either as SQL text, executed statements or a native
// bulk load.
package sqlsink

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// DefaultStatementSize is the number of rows per insert statement when none
// is configured.
const DefaultStatementSize = 10000

// Dialect selects quoting, placeholders and literal syntax.
type Dialect int

const (
	SQLite Dialect = iota
	Postgres
)

// ParseDialect returns the dialect with the given name.
func ParseDialect(s string) (Dialect, error) {
	switch strings.ToLower(s) {
	case "sqlite", "sqlite3":
		return SQLite, nil
	case "postgres", "postgresql", "pg":
		return Postgres, nil
	default:
		return SQLite, fmt.Errorf("unknown SQL dialect %q", s)
	}
}

func (d Dialect) String() string {
	if d == Postgres {
		return "postgres"
	}
	return "sqlite"
}

// Quote quotes an identifier.
func (d Dialect) Quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

// Placeholder returns the bind parameter for the 1-based position i.
func (d Dialect) Placeholder(i int) string {
	if d == Postgres {
		return "$" + strconv.Itoa(i)
	}
	return "?"
}

// Literal renders v as an SQL literal.
func (d Dialect) Literal(v any) (string, error) {
	switch x := v.(type) {
	case nil:
		return "NULL", nil
	case bool:
		if d == Postgres {
			if x {
				return "TRUE", nil
			}
			return "FALSE", nil
		}
		if x {
			return "1", nil
		}
		return "0", nil
	case int8:
		return strconv.FormatInt(int64(x), 10), nil
	case int16:
		return strconv.FormatInt(int64(x), 10), nil
	case int32:
		return strconv.FormatInt(int64(x), 10), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case int:
		return strconv.Itoa(x), nil
	case float32:
		return formatFloat(float64(x), 32)
	case float64:
		return formatFloat(x, 64)
	case string:
		return "'" + strings.ReplaceAll(x, "'", "''") + "'", nil
	case time.Time:
		return "'" + x.UTC().Format("2006-01-02 15:04:05.000") + "'", nil
	default:
		return "", fmt.Errorf("no SQL literal for %T", v)
	}
}

func formatFloat(f float64, bits int) (string, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "", fmt.Errorf("no SQL literal for %v", f)
	}
	return strconv.FormatFloat(f, 'g', -1, bits), nil
}
