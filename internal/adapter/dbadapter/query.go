package dbadapter

import (
	"strings"

	"github.com/dpark2025/personal-pipeline/internal/config"
)

// selectColumns lists the mapped columns in a stable order. The
// primary key, when mapped, is projected first so row identity does
// not fall back to the title. Unmapped optional fields are omitted
// from the projection.
func selectColumns(d dialect, m config.TableMapping) ([]string, []string, error) {
	type col struct {
		field string
		alias string
	}
	cols := []col{
		{m.IDField, "id"},
		{m.TitleField, "title"},
		{m.ContentField, "content"},
		{m.CategoryField, "category"},
		{m.AuthorField, "author"},
		{m.UpdatedField, "updated"},
		{m.TagsField, "tags"},
	}

	var exprs, aliases []string
	for _, c := range cols {
		if c.field == "" {
			continue
		}
		quoted, err := d.quoteIdent(c.field)
		if err != nil {
			return nil, nil, err
		}
		exprs = append(exprs, quoted+" AS "+c.alias)
		aliases = append(aliases, c.alias)
	}
	return exprs, aliases, nil
}

// buildSearchQuery renders a LIKE-disjunction search over the mapped
// title and content columns, one pattern per query token, with
// LIMIT/OFFSET pagination. Placeholders use "?" and are rebound by
// sqlx for the target engine.
func buildSearchQuery(d dialect, m config.TableMapping, tokens []string, limit, offset int) (string, []any, error) {
	table, err := d.quoteIdent(m.Table)
	if err != nil {
		return "", nil, err
	}
	exprs, _, err := selectColumns(d, m)
	if err != nil {
		return "", nil, err
	}

	var matchCols []string
	for _, f := range []string{m.TitleField, m.ContentField} {
		if f == "" {
			continue
		}
		quoted, err := d.quoteIdent(f)
		if err != nil {
			return "", nil, err
		}
		matchCols = append(matchCols, quoted)
	}

	var clauses []string
	var args []any
	for _, tok := range tokens {
		pattern := "%" + strings.ToLower(tok) + "%"
		for _, col := range matchCols {
			clauses = append(clauses, d.likeClause(col))
			args = append(args, pattern)
		}
	}

	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(strings.Join(exprs, ", "))
	b.WriteString(" FROM ")
	b.WriteString(table)
	b.WriteString(" WHERE ")
	if len(clauses) > 0 {
		b.WriteString("(")
		b.WriteString(strings.Join(clauses, " OR "))
		b.WriteString(")")
	} else {
		b.WriteString("1=1")
	}
	if m.Filter != "" {
		b.WriteString(" AND (")
		b.WriteString(m.Filter)
		b.WriteString(")")
	}
	b.WriteString(" LIMIT ? OFFSET ?")
	args = append(args, limit, offset)

	return b.String(), args, nil
}

// buildListQuery renders the capped full-table projection used for
// index warm loads.
func buildListQuery(d dialect, m config.TableMapping, limit int) (string, []any, error) {
	table, err := d.quoteIdent(m.Table)
	if err != nil {
		return "", nil, err
	}
	exprs, _, err := selectColumns(d, m)
	if err != nil {
		return "", nil, err
	}

	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(strings.Join(exprs, ", "))
	b.WriteString(" FROM ")
	b.WriteString(table)
	if m.Filter != "" {
		b.WriteString(" WHERE (")
		b.WriteString(m.Filter)
		b.WriteString(")")
	}
	b.WriteString(" LIMIT ?")
	return b.String(), []any{limit}, nil
}

// buildValidateQuery probes a table's existence cheaply. All three
// engines accept this form.
func buildValidateQuery(d dialect, m config.TableMapping) (string, error) {
	table, err := d.quoteIdent(m.Table)
	if err != nil {
		return "", err
	}
	return "SELECT 1 FROM " + table + " LIMIT 1", nil
}
