package dbadapter

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	// Engine drivers. Which one is exercised depends on configuration.
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/dpark2025/personal-pipeline/internal/config"
	"github.com/dpark2025/personal-pipeline/internal/pperrors"
)

const (
	defaultMaxConns       = 10
	defaultMinConns       = 2
	defaultConnectTimeout = 5 * time.Second
)

// store abstracts the SQL and document-store backends behind the
// operations the adapter needs.
type store interface {
	Validate(ctx context.Context, mappings []config.TableMapping) error
	Search(ctx context.Context, m config.TableMapping, tokens []string, limit, offset int) ([]map[string]any, error)
	List(ctx context.Context, m config.TableMapping, limit int) ([]map[string]any, error)
	Ping(ctx context.Context) error
	Close() error
}

// openSQL is a hook replaced in tests with a sqlmock-backed pool.
var openSQL = func(driver, dsn string) (*sqlx.DB, error) {
	return sqlx.Open(driver, dsn)
}

// sqlStore runs the query builder against a sqlx pool.
type sqlStore struct {
	db *sqlx.DB
	d  dialect
}

// newSQLStore opens and sizes the pool, then verifies connectivity
// under the configured connect timeout.
func newSQLStore(ctx context.Context, cfg config.DatabaseAdapterConfig, dsn string) (*sqlStore, error) {
	d, err := dialectFor(cfg.Engine)
	if err != nil {
		return nil, err
	}

	db, err := openSQL(d.driver, dsn)
	if err != nil {
		return nil, pperrors.Wrap(pperrors.KindSourceAdapter, "open database", err)
	}

	maxConns := cfg.MaxConnections
	if maxConns <= 0 {
		maxConns = defaultMaxConns
	}
	minConns := cfg.MinConnections
	if minConns <= 0 {
		minConns = defaultMinConns
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(minConns)
	if cfg.IdleTimeoutMS > 0 {
		db.SetConnMaxIdleTime(time.Duration(cfg.IdleTimeoutMS) * time.Millisecond)
	}
	if cfg.MaxLifetimeMS > 0 {
		db.SetConnMaxLifetime(time.Duration(cfg.MaxLifetimeMS) * time.Millisecond)
	}

	timeout := defaultConnectTimeout
	if cfg.ConnectTimeoutMS > 0 {
		timeout = time.Duration(cfg.ConnectTimeoutMS) * time.Millisecond
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, pperrors.Wrap(pperrors.KindSourceAdapter, "database connect", err).
				WithDetail("reason", "CONNECT_TIMEOUT")
		}
		return nil, pperrors.Wrap(pperrors.KindSourceAdapter, "database connect", err)
	}

	return &sqlStore{db: db, d: d}, nil
}

// Validate probes every mapped table; an unknown table is a
// configuration error, not a runtime one.
func (s *sqlStore) Validate(ctx context.Context, mappings []config.TableMapping) error {
	for _, m := range mappings {
		q, err := buildValidateQuery(s.d, m)
		if err != nil {
			return err
		}
		var one int
		err = s.db.QueryRowxContext(ctx, s.db.Rebind(q)).Scan(&one)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return pperrors.Wrap(pperrors.KindConfig, "table "+m.Table+" not queryable", err)
		}
	}
	return nil
}

func (s *sqlStore) Search(ctx context.Context, m config.TableMapping, tokens []string, limit, offset int) ([]map[string]any, error) {
	q, args, err := buildSearchQuery(s.d, m, tokens, limit, offset)
	if err != nil {
		return nil, err
	}
	return s.query(ctx, q, args)
}

func (s *sqlStore) List(ctx context.Context, m config.TableMapping, limit int) ([]map[string]any, error) {
	q, args, err := buildListQuery(s.d, m, limit)
	if err != nil {
		return nil, err
	}
	return s.query(ctx, q, args)
}

func (s *sqlStore) query(ctx context.Context, q string, args []any) ([]map[string]any, error) {
	rows, err := s.db.QueryxContext(ctx, s.db.Rebind(q), args...)
	if err != nil {
		return nil, pperrors.Wrap(pperrors.KindSourceAdapter, "database query", err)
	}
	defer func() { _ = rows.Close() }()

	var out []map[string]any
	for rows.Next() {
		row := make(map[string]any)
		if err := rows.MapScan(row); err != nil {
			return nil, pperrors.Wrap(pperrors.KindSourceAdapter, "scan row", err)
		}
		normalizeRow(row)
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, pperrors.Wrap(pperrors.KindSourceAdapter, "iterate rows", err)
	}
	return out, nil
}

func (s *sqlStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *sqlStore) Close() error { return s.db.Close() }

// normalizeRow converts driver byte slices to strings so downstream
// processing sees uniform values.
func normalizeRow(row map[string]any) {
	for k, v := range row {
		if b, ok := v.([]byte); ok {
			row[k] = string(b)
		}
	}
}

// asString renders a row value for document fields.
func asString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}
