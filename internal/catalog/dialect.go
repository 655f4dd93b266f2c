package catalog

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

// Dialect captures the differences between the supported SQL databases.
type Dialect struct {
	// Driver is the database/sql driver name.
	Driver string
	// idColumn is the DDL for an auto-increment surrogate key.
	idColumn string
	// numbered placeholders ($1, $2, ...) instead of ?.
	numbered bool
}

var (
	// SQLite is the embedded single-node dialect.
	SQLite = Dialect{Driver: "sqlite3", idColumn: "INTEGER PRIMARY KEY AUTOINCREMENT"}
	// Postgres is the shared-database dialect.
	Postgres = Dialect{Driver: "postgres", idColumn: "BIGSERIAL PRIMARY KEY", numbered: true}
)

// DialectFor returns the dialect for a driver name.
func DialectFor(driver string) (Dialect, error) {
	switch strings.ToLower(driver) {
	case "sqlite3", "sqlite", "":
		return SQLite, nil
	case "postgres", "postgresql", "pq":
		return Postgres, nil
	default:
		return Dialect{}, fmt.Errorf("catalog: unsupported driver %q", driver)
	}
}

// Schema returns the DDL statements for this dialect.
func (d Dialect) Schema() []string {
	return AllSchemaSQL(d.idColumn)
}

// Rebind rewrites ? placeholders into the dialect's placeholder syntax.
func (d Dialect) Rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// isUniqueViolation reports whether err is a unique constraint violation.
func (d Dialect) isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
