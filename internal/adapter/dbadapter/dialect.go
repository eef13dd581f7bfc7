package dbadapter

import (
	"strings"

	"github.com/dpark2025/personal-pipeline/internal/pperrors"
)

// dialect captures the engine differences the query builder needs:
// identifier quoting and the case-insensitive LIKE operator.
type dialect struct {
	driver    string
	quoteRune string
	likeOp    string
	lowerWrap bool // wrap both sides in lower() when no ILIKE
}

var dialects = map[string]dialect{
	"postgres": {driver: "postgres", quoteRune: `"`, likeOp: "ILIKE"},
	"mysql":    {driver: "mysql", quoteRune: "`", likeOp: "LIKE", lowerWrap: true},
	"sqlite":   {driver: "sqlite3", quoteRune: `"`, likeOp: "LIKE", lowerWrap: true},
}

func dialectFor(engine string) (dialect, error) {
	d, ok := dialects[engine]
	if !ok {
		return dialect{}, pperrors.Newf(pperrors.KindConfig, "unsupported database engine %q", engine)
	}
	return d, nil
}

// quoteIdent quotes a table or column name. Identifiers come from
// configuration, not user input, but are still validated so a bad
// config cannot smuggle SQL.
func (d dialect) quoteIdent(ident string) (string, error) {
	if ident == "" || strings.ContainsAny(ident, "`\"';\x00") {
		return "", pperrors.Newf(pperrors.KindConfig, "invalid identifier %q", ident)
	}
	parts := strings.Split(ident, ".")
	for i, p := range parts {
		parts[i] = d.quoteRune + p + d.quoteRune
	}
	return strings.Join(parts, "."), nil
}

// likeClause renders one case-insensitive pattern match on a column.
func (d dialect) likeClause(col string) string {
	if d.lowerWrap {
		return "lower(" + col + ") " + d.likeOp + " ?"
	}
	return col + " " + d.likeOp + " ?"
}
