package dbclient

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"salesetl/internal/apperrors"
	"salesetl/internal/domain"
)

// sqlConnector is the shared implementation for MySQL, Postgres, and SQLite.
type sqlConnector struct {
	driver domain.DatabaseDriver
	db     *sql.DB

	mu          sync.Mutex
	activeRows  *sql.Rows
	cancel      context.CancelFunc
	lastAccess  time.Time
	columns     []string
	columnTypes []string
	fetched     int
}

// sqlDriverName maps a domain driver onto its database/sql registration.
func sqlDriverName(d domain.DatabaseDriver) string {
	switch d {
	case domain.DatabaseDriverMySQL:
		return "mysql"
	case domain.DatabaseDriverPostgres:
		return "postgres"
	default:
		return "sqlite"
	}
}

// newSQLConnector creates a generic SQL connector.
func newSQLConnector(driver domain.DatabaseDriver, dsn string) (*sqlConnector, error) {
	db, err := sql.Open(sqlDriverName(driver), dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	// A batch job needs few connections: one cursor plus metadata lookups.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(10 * time.Minute)

	return &sqlConnector{driver: driver, db: db}, nil
}

func (c *sqlConnector) Driver() domain.DatabaseDriver { return c.driver }

func (c *sqlConnector) TestConnection(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return c.db.PingContext(ctx)
}

// isReadQuery detects if a query is a read (SELECT, WITH, SHOW, DESCRIBE, EXPLAIN, PRAGMA).
func isReadQuery(query string) bool {
	q := strings.TrimSpace(query)
	q = strings.ToUpper(q)
	for _, prefix := range []string{"SELECT", "WITH", "SHOW", "DESCRIBE", "EXPLAIN", "PRAGMA"} {
		if strings.HasPrefix(q, prefix) {
			return true
		}
	}
	return false
}

func (c *sqlConnector) Execute(ctx context.Context, query string, fetchSize int) (*QueryPage, error) {
	if !isReadQuery(query) {
		return nil, fmt.Errorf("%w: refusing to run %q", apperrors.ErrReadOnly, firstWord(query))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Close any previously open cursor
	c.closeCursorLocked()

	if fetchSize <= 0 {
		fetchSize = 50
	}
	return c.execRead(ctx, query, fetchSize)
}

func firstWord(q string) string {
	fields := strings.Fields(q)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

func (c *sqlConnector) execRead(ctx context.Context, query string, fetchSize int) (*QueryPage, error) {
	// The cursor outlives this call, so it gets its own cancel func that
	// closeCursorLocked releases. Cancelling ctx still aborts the query.
	qctx, cancel := context.WithCancel(ctx)

	rows, err := c.db.QueryContext(qctx, query)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("query: %w", err)
	}

	cols, err := rows.Columns()
	if err != nil {
		rows.Close()
		cancel()
		return nil, fmt.Errorf("columns: %w", err)
	}
	types := make([]string, len(cols))
	if cts, err := rows.ColumnTypes(); err == nil {
		for i, ct := range cts {
			if i < len(types) {
				types[i] = strings.ToUpper(ct.DatabaseTypeName())
			}
		}
	}

	c.activeRows = rows
	c.cancel = cancel
	c.columns = cols
	c.columnTypes = types
	c.fetched = 0
	c.lastAccess = time.Now()

	return c.fetchBatchLocked(fetchSize)
}

func (c *sqlConnector) FetchMore(ctx context.Context, fetchSize int) (*QueryPage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.activeRows == nil {
		return nil, fmt.Errorf("no active cursor: execute a query first")
	}
	if err := ctx.Err(); err != nil {
		c.closeCursorLocked()
		return nil, err
	}
	if fetchSize <= 0 {
		fetchSize = 50
	}
	c.lastAccess = time.Now()
	return c.fetchBatchLocked(fetchSize)
}

// fetchBatchLocked reads up to fetchSize rows from the active cursor.
// Must be called while holding c.mu.
func (c *sqlConnector) fetchBatchLocked(fetchSize int) (*QueryPage, error) {
	var resultRows [][]any
	numCols := len(c.columns)

	for i := 0; i < fetchSize; i++ {
		if !c.activeRows.Next() {
			break
		}
		// Create scan targets
		values := make([]any, numCols)
		ptrs := make([]any, numCols)
		for j := range values {
			ptrs[j] = &values[j]
		}
		if err := c.activeRows.Scan(ptrs...); err != nil {
			c.closeCursorLocked()
			return nil, fmt.Errorf("scan row: %w", err)
		}

		row := make([]any, numCols)
		for j, v := range values {
			row[j] = normalizeValue(v, c.columnTypes[j])
		}
		resultRows = append(resultRows, row)
	}

	c.fetched += len(resultRows)

	// Check for iteration errors before the cursor is released.
	if err := c.activeRows.Err(); err != nil {
		c.closeCursorLocked()
		return nil, fmt.Errorf("iterate: %w", err)
	}

	page := &QueryPage{
		Columns:      c.columns,
		ColumnTypes:  c.columnTypes,
		Rows:         resultRows,
		TotalFetched: c.fetched,
		HasMore:      true,
	}
	if len(resultRows) < fetchSize {
		page.HasMore = false
		c.closeCursorLocked()
	}
	return page, nil
}

// normalizeValue converts a scanned value into a plain Go value.
// DECIMAL/NUMERIC columns arrive as byte slices and become float64;
// integer and float columns sent as text are parsed; other byte slices
// become strings. Times stay time.Time.
func normalizeValue(v any, dbType string) any {
	if v == nil {
		return nil
	}
	b, ok := v.([]byte)
	if !ok {
		return v
	}
	s := string(b)
	switch baseType(dbType) {
	case "DECIMAL", "NUMERIC", "FLOAT", "DOUBLE", "REAL", "FLOAT4", "FLOAT8":
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	case "TINYINT", "SMALLINT", "MEDIUMINT", "INT", "INTEGER", "BIGINT", "INT2", "INT4", "INT8":
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n
		}
	}
	return s
}

// baseType strips modifiers: "UNSIGNED BIGINT" → "BIGINT", "DECIMAL(10,2)" → "DECIMAL".
func baseType(dbType string) string {
	t := strings.ToUpper(strings.TrimSpace(dbType))
	t = strings.TrimPrefix(t, "UNSIGNED ")
	if i := strings.IndexByte(t, '('); i >= 0 {
		t = t[:i]
	}
	return strings.TrimSpace(t)
}

// TablesExist reports which of the given tables are missing.
func (c *sqlConnector) TablesExist(ctx context.Context, schema string, tables []string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	var missing []string
	for _, table := range tables {
		var n int
		var err error
		switch c.driver {
		case domain.DatabaseDriverSQLite:
			err = c.db.QueryRowContext(ctx,
				`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name = ?`, table).Scan(&n)
		case domain.DatabaseDriverPostgres:
			if schema == "" {
				err = c.db.QueryRowContext(ctx,
					`SELECT COUNT(*) FROM information_schema.tables
					 WHERE table_schema = current_schema() AND table_name = $1`, table).Scan(&n)
			} else {
				err = c.db.QueryRowContext(ctx,
					`SELECT COUNT(*) FROM information_schema.tables
					 WHERE table_schema = $1 AND table_name = $2`, schema, table).Scan(&n)
			}
		default:
			if schema == "" {
				err = c.db.QueryRowContext(ctx,
					`SELECT COUNT(*) FROM INFORMATION_SCHEMA.TABLES
					 WHERE TABLE_SCHEMA = DATABASE() AND TABLE_NAME = ?`, table).Scan(&n)
			} else {
				err = c.db.QueryRowContext(ctx,
					`SELECT COUNT(*) FROM INFORMATION_SCHEMA.TABLES
					 WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ?`, schema, table).Scan(&n)
			}
		}
		if err != nil {
			return nil, fmt.Errorf("check table %s: %w", table, err)
		}
		if n == 0 {
			missing = append(missing, table)
		}
	}
	return missing, nil
}

// QuoteIdent quotes an identifier for the given driver.
func QuoteIdent(driver domain.DatabaseDriver, name string) string {
	if driver == domain.DatabaseDriverMySQL {
		return "`" + strings.ReplaceAll(name, "`", "``") + "`"
	}
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// QualifiedName returns schema.table quoted for the driver.
// SQLite has no schemas in this sense, so the schema is ignored there.
func QualifiedName(driver domain.DatabaseDriver, schema, table string) string {
	if schema == "" || driver == domain.DatabaseDriverSQLite {
		return QuoteIdent(driver, table)
	}
	return QuoteIdent(driver, schema) + "." + QuoteIdent(driver, table)
}

func (c *sqlConnector) closeCursorLocked() {
	if c.activeRows != nil {
		c.activeRows.Close()
		c.activeRows = nil
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.columns = nil
	c.columnTypes = nil
	c.fetched = 0
}

func (c *sqlConnector) Close() error {
	c.mu.Lock()
	c.closeCursorLocked()
	c.mu.Unlock()
	return c.db.Close()
}
