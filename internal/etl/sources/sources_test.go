package sources_test

import (
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"salesetl/internal/apperrors"
	"salesetl/internal/dbclient"
	"salesetl/internal/domain"
	"salesetl/internal/etl"
	"salesetl/internal/etl/sources"
)

const ratesJSON = `[
	{"id": 1, "date": "2024-01-01", "gbp_thb": 35.5},
	{"id": 2, "date": "2024-01-02", "gbp_thb": 36}
]`

// memCache is an in-memory sources.Cache.
type memCache struct{ m map[string][]byte }

func (c *memCache) Get(ctx context.Context, key string) ([]byte, bool) {
	b, ok := c.m[key]
	return b, ok
}

func (c *memCache) Set(ctx context.Context, key string, body []byte) { c.m[key] = body }

// ── HTTP ───────────────────────────────────────────────────

func TestHTTP_Snapshot(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(ratesJSON))
	}))
	defer srv.Close()

	src := sources.NewHTTP(5*time.Second, nil)
	tbl, err := etl.Collect(context.Background(), src, etl.SourceConfig{"url": srv.URL})
	require.NoError(t, err)

	assert.Equal(t, []string{"id", "date", "gbp_thb"}, tbl.Schema.FieldNames())
	f, _ := tbl.Schema.Field("gbp_thb")
	assert.Equal(t, etl.TypeNumber, f.Type, "mixed int/float widens to number")
	f, _ = tbl.Schema.Field("id")
	assert.Equal(t, etl.TypeInteger, f.Type)

	require.Equal(t, 2, tbl.Len())
	assert.Equal(t, 35.5, tbl.Records[0].Data["gbp_thb"])
	assert.Equal(t, "2024-01-01", tbl.Records[0].Data["date"])
}

func TestHTTP_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := etl.Collect(context.Background(), sources.NewHTTP(time.Second, nil), etl.SourceConfig{"url": srv.URL})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "http 502")
}

func TestHTTP_MalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"id": 1,`))
	}))
	defer srv.Close()

	_, err := etl.Collect(context.Background(), sources.NewHTTP(time.Second, nil), etl.SourceConfig{"url": srv.URL})
	assert.Error(t, err)
}

func TestHTTP_UsesCache(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		_, _ = w.Write([]byte(ratesJSON))
	}))
	defer srv.Close()

	cache := &memCache{m: map[string][]byte{}}
	src := sources.NewHTTP(time.Second, cache)
	cfg := etl.SourceConfig{"url": srv.URL}

	for i := 0; i < 3; i++ {
		tbl, err := etl.Collect(context.Background(), src, cfg)
		require.NoError(t, err)
		assert.Equal(t, 2, tbl.Len())
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestHTTP_MalformedBodyNotCached(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			_, _ = w.Write([]byte(`[{"date": "2024-01-01", `))
			return
		}
		_, _ = w.Write([]byte(ratesJSON))
	}))
	defer srv.Close()

	cache := &memCache{m: map[string][]byte{}}
	src := sources.NewHTTP(time.Second, cache)
	cfg := etl.SourceConfig{"url": srv.URL}

	_, err := etl.Collect(context.Background(), src, cfg)
	require.Error(t, err)
	assert.Empty(t, cache.m)

	tbl, err := etl.Collect(context.Background(), src, cfg)
	require.NoError(t, err)
	assert.Equal(t, 2, tbl.Len())
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))
	assert.Contains(t, cache.m, srv.URL)
}

func TestHTTP_Headers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer k" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"data": {"items": [{"a": 1}]}}`))
	}))
	defer srv.Close()

	tbl, err := etl.Collect(context.Background(), sources.NewHTTP(time.Second, nil), etl.SourceConfig{
		"url":      srv.URL,
		"headers":  `{"Authorization": "Bearer k"}`,
		"dataPath": "data.items",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), tbl.Records[0].Data["a"])
}

// ── JSON parsing ───────────────────────────────────────────

func TestParseJSONRecords(t *testing.T) {
	tbl, err := sources.ParseJSONRecords([]byte(`[
		{"k": null, "nested": {"x": 1}},
		{"k": "a", "flag": true},
		42
	]`), "")
	require.NoError(t, err)

	assert.Equal(t, []string{"k", "nested", "flag"}, tbl.Schema.FieldNames())
	assert.Equal(t, 2, tbl.Len(), "non-object items skipped")
	assert.Equal(t, `{"x":1}`, tbl.Records[0].Data["nested"])

	k, _ := tbl.Schema.Field("k")
	assert.Equal(t, etl.TypeText, k.Type, "type decided by the first non-null value")
	flag, _ := tbl.Schema.Field("flag")
	assert.Equal(t, etl.TypeBoolean, flag.Type)

	_, err = sources.ParseJSONRecords([]byte(`{"data": []}`), "rows")
	assert.ErrorIs(t, err, apperrors.ErrSchemaMismatch)
}

func TestJSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rates.json")
	require.NoError(t, os.WriteFile(path, []byte(ratesJSON), 0o644))

	tbl, err := etl.Collect(context.Background(), &sources.JSONFile{}, etl.SourceConfig{"filePath": path})
	require.NoError(t, err)
	assert.Equal(t, 2, tbl.Len())

	_, err = etl.Collect(context.Background(), &sources.JSONFile{}, etl.SourceConfig{"filePath": path + ".missing"})
	assert.Error(t, err)
}

// ── Database ───────────────────────────────────────────────

func TestDatabase_Snapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "src.db")
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE product (ProductNo TEXT, ProductName TEXT, Price DECIMAL(10,2), Qty INTEGER)`)
	require.NoError(t, err)
	for _, row := range [][]any{{"P1", "Mug", 10.0, 2}, {"P2", "Pen", 1.25, 8}, {"P3", "Ink", 3.0, 1}} {
		_, err = db.Exec(`INSERT INTO product VALUES (?, ?, ?, ?)`, row...)
		require.NoError(t, err)
	}
	require.NoError(t, db.Close())

	conn, err := dbclient.Open(domain.DatabaseDriverSQLite, path)
	require.NoError(t, err)
	defer conn.Close()

	src := sources.NewDatabase(conn)
	src.PageSize = 2

	tbl, err := etl.Collect(context.Background(), src, etl.SourceConfig{"query": "SELECT * FROM product"})
	require.NoError(t, err)
	assert.Equal(t, []string{"ProductNo", "ProductName", "Price", "Qty"}, tbl.Schema.FieldNames())
	assert.Equal(t, 3, tbl.Len())

	price, _ := tbl.Schema.Field("Price")
	assert.Equal(t, etl.TypeNumber, price.Type)
	assert.Equal(t, 1.25, tbl.Records[1].Data["Price"])
	assert.Equal(t, int64(8), tbl.Records[1].Data["Qty"])
}

func TestDatabase_EmptyResultKeepsSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "src.db")
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE customer (CustomerNo TEXT, Country TEXT, Name TEXT)`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	conn, err := dbclient.Open(domain.DatabaseDriverSQLite, path)
	require.NoError(t, err)
	defer conn.Close()

	tbl, err := etl.Collect(context.Background(), sources.NewDatabase(conn), etl.SourceConfig{"query": "SELECT * FROM customer"})
	require.NoError(t, err)
	assert.Equal(t, 0, tbl.Len())
	assert.Equal(t, []string{"CustomerNo", "Country", "Name"}, tbl.Schema.FieldNames())
}

func TestFieldTypeFor(t *testing.T) {
	assert.Equal(t, etl.TypeInteger, sources.FieldTypeFor("UNSIGNED BIGINT"))
	assert.Equal(t, etl.TypeNumber, sources.FieldTypeFor("decimal(10,2)"))
	assert.Equal(t, etl.TypeDate, sources.FieldTypeFor("DATE"))
	assert.Equal(t, etl.TypeDatetime, sources.FieldTypeFor("TIMESTAMP"))
	assert.Equal(t, etl.TypeText, sources.FieldTypeFor("VARCHAR"))
	assert.Equal(t, etl.TypeText, sources.FieldTypeFor(""))
}
