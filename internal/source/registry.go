// Package source manages connection pools to the registered source
// databases and runs loader queries against them behind per-source circuit
// breakers.
package source

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql" // MySQL driver
	_ "github.com/lib/pq"              // Postgres driver

	"github.com/etlmon/backend/internal/circuitbreaker"
	"github.com/etlmon/backend/internal/config"
	"github.com/etlmon/backend/internal/core"
	"github.com/etlmon/backend/internal/crypto"
)

// Catalog is the slice of the persistence layer the registry needs.
type Catalog interface {
	GetSourceDatabase(ctx context.Context, dbCode string) (*core.SourceDatabase, error)
	GetSourceDatabaseByID(ctx context.Context, id int64) (*core.SourceDatabase, error)
	ListSourceDatabases(ctx context.Context) ([]*core.SourceDatabase, error)
}

// ResultSet is the raw output of a source query: column names in SELECT
// order plus one map per row.
type ResultSet struct {
	Columns []string
	Rows    []map[string]interface{}
}

// Registry caches one *sql.DB per source code. Pools are created lazily
// and dropped on Invalidate, so a credential update takes effect on the
// next query.
type Registry struct {
	catalog  Catalog
	codec    *crypto.FieldCodec
	breakers *circuitbreaker.Registry
	cfg      config.SourcesConfig
	logger   *log.Logger

	mu    sync.RWMutex
	pools map[string]*sql.DB
}

// NewRegistry wires the registry to the catalog, codec and breakers.
func NewRegistry(catalog Catalog, codec *crypto.FieldCodec, breakers *circuitbreaker.Registry, cfg config.SourcesConfig) *Registry {
	return &Registry{
		catalog:  catalog,
		codec:    codec,
		breakers: breakers,
		cfg:      cfg,
		logger:   log.New(log.Writer(), "[SOURCES] ", log.LstdFlags),
		pools:    make(map[string]*sql.DB),
	}
}

// RunQuery executes sqlText against the source identified by id, under the
// source's circuit breaker and the configured query timeout.
func (r *Registry) RunQuery(ctx context.Context, sourceID int64, sqlText string, args ...interface{}) (*ResultSet, error) {
	src, err := r.catalog.GetSourceDatabaseByID(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	return r.runOn(ctx, src, sqlText, args...)
}

// RunQueryByCode is RunQuery addressed by source code.
func (r *Registry) RunQueryByCode(ctx context.Context, dbCode, sqlText string, args ...interface{}) (*ResultSet, error) {
	src, err := r.catalog.GetSourceDatabase(ctx, dbCode)
	if err != nil {
		return nil, err
	}
	return r.runOn(ctx, src, sqlText, args...)
}

func (r *Registry) runOn(ctx context.Context, src *core.SourceDatabase, sqlText string, args ...interface{}) (*ResultSet, error) {
	breaker := r.breakers.Get(src.DBCode)

	var rs *ResultSet
	err := breaker.Do(ctx, func(ctx context.Context) error {
		db, err := r.pool(src)
		if err != nil {
			return err
		}
		queryCtx, cancel := context.WithTimeout(ctx, r.cfg.QueryTimeout())
		defer cancel()

		rows, err := db.QueryContext(queryCtx, sqlText, args...)
		if err != nil {
			return core.WrapErr(core.CodeSourceUnavailable, err,
				"query against %s failed", src.DBCode)
		}
		defer rows.Close()

		rs, err = collect(rows)
		if err != nil {
			return core.WrapErr(core.CodeSourceUnavailable, err,
				"read rows from %s", src.DBCode)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rs, nil
}

// Ping verifies connectivity without going through a loader query. Used by
// the source registration API to validate credentials.
func (r *Registry) Ping(ctx context.Context, dbCode string) error {
	src, err := r.catalog.GetSourceDatabase(ctx, dbCode)
	if err != nil {
		return err
	}
	db, err := r.pool(src)
	if err != nil {
		return err
	}
	pingCtx, cancel := context.WithTimeout(ctx, r.cfg.ConnectionTimeout())
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return core.WrapErr(core.CodeSourceUnavailable, err, "ping %s", dbCode)
	}
	return nil
}

// Invalidate drops the cached pool for a source. Next query reconnects
// with fresh settings.
func (r *Registry) Invalidate(dbCode string) {
	r.mu.Lock()
	db, ok := r.pools[dbCode]
	if ok {
		delete(r.pools, dbCode)
	}
	r.mu.Unlock()
	if ok {
		db.Close()
		r.logger.Printf("dropped pool for %s", dbCode)
	}
}

// Close releases every cached pool.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for code, db := range r.pools {
		db.Close()
		delete(r.pools, code)
	}
}

func (r *Registry) pool(src *core.SourceDatabase) (*sql.DB, error) {
	r.mu.RLock()
	db, ok := r.pools[src.DBCode]
	r.mu.RUnlock()
	if ok {
		return db, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if db, ok = r.pools[src.DBCode]; ok {
		return db, nil
	}

	password, err := r.codec.Decrypt(src.Password)
	if err != nil {
		return nil, core.WrapErr(core.CodeEncryption, err,
			"decrypt credentials for %s", src.DBCode)
	}

	driver, dsn, err := buildDSN(src, password, r.cfg)
	if err != nil {
		return nil, err
	}
	db, err = sql.Open(driver, dsn)
	if err != nil {
		return nil, core.WrapErr(core.CodeSourceUnavailable, err,
			"open pool for %s", src.DBCode)
	}
	db.SetMaxOpenConns(r.cfg.PoolMaxSize)
	db.SetMaxIdleConns(r.cfg.PoolMinIdle)
	db.SetConnMaxIdleTime(time.Duration(r.cfg.PoolIdleTimeoutMin) * time.Minute)

	r.pools[src.DBCode] = db
	r.logger.Printf("opened %s pool for %s (%s:%d/%s)",
		src.DBType, src.DBCode, src.Host, src.Port, src.DBName)
	return db, nil
}

func buildDSN(src *core.SourceDatabase, password string, cfg config.SourcesConfig) (driver, dsn string, err error) {
	switch src.DBType {
	case core.PostgreSQL:
		u := url.URL{
			Scheme: "postgres",
			User:   url.UserPassword(src.UserName, password),
			Host:   fmt.Sprintf("%s:%d", src.Host, src.Port),
			Path:   "/" + src.DBName,
			RawQuery: url.Values{
				"sslmode":         {"prefer"},
				"connect_timeout": {fmt.Sprintf("%d", int(cfg.ConnectionTimeout().Seconds()))},
			}.Encode(),
		}
		return "postgres", u.String(), nil
	case core.MySQL:
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&timeout=%s",
			src.UserName, password, src.Host, src.Port, src.DBName,
			cfg.ConnectionTimeout())
		return "mysql", dsn, nil
	default:
		return "", "", core.Errf(core.CodeValidation,
			"unsupported source type %q", src.DBType)
	}
}

// collect materializes rows into maps, normalizing []byte cells to string
// so MySQL and Postgres results look the same downstream.
func collect(rows *sql.Rows) (*ResultSet, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	rs := &ResultSet{Columns: cols}
	for rows.Next() {
		cells := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range cells {
			ptrs[i] = &cells[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]interface{}, len(cols))
		for i, col := range cols {
			v := cells[i]
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			row[col] = v
		}
		rs.Rows = append(rs.Rows, row)
	}
	return rs, rows.Err()
}
