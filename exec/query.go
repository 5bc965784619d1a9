package exec

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/dshills/skillflow/dbpool"
	"github.com/dshills/skillflow/event"
)

// Query sources.
const (
	SourcePostgres = "postgres"
	SourceMySQL    = "mysql"
	SourceSQLite   = "sqlite"
	SourceMongoDB  = "mongodb"
	SourceRedis    = "redis"
)

// Vault resolves credential references to connection strings.
type Vault interface {
	Lookup(ctx context.Context, ref string) (string, error)
}

// StaticVault is a config-backed vault: reference name to connection
// string.
type StaticVault map[string]string

// Lookup implements Vault.
func (v StaticVault) Lookup(_ context.Context, ref string) (string, error) {
	dsn, ok := v[ref]
	if !ok {
		return "", fmt.Errorf("credential %q not found in vault", ref)
	}
	return dsn, nil
}

// querySpec is the subset of an action or pipeline step that names one
// data query.
type querySpec struct {
	Source        string
	Query         string
	Collection    string
	Filter        map[string]any
	CredentialRef string
	DBConfigFile  string
}

// queryRunner executes data queries, caching one connection pool per
// (source, connection string) pair for the life of the process.
type queryRunner struct {
	vault    Vault
	defaults map[string]string
	timeout  time.Duration
	bus      *event.Bus
	logger   *slog.Logger

	mu      sync.Mutex
	sqls    map[string]*dbpool.DB
	mongos  map[string]*dbpool.Mongo
	redises map[string]*redis.Client
}

func newQueryRunner(vault Vault, defaults map[string]string, timeout time.Duration, bus *event.Bus, logger *slog.Logger) *queryRunner {
	return &queryRunner{
		vault:    vault,
		defaults: defaults,
		timeout:  timeout,
		bus:      bus,
		logger:   logger,
		sqls:     map[string]*dbpool.DB{},
		mongos:   map[string]*dbpool.Mongo{},
		redises:  map[string]*redis.Client{},
	}
}

// runQuery executes a data-query skill against the gathered inputs.
func (r *Runner) runQuery(ctx context.Context, req *request) (map[string]any, error) {
	ac := req.sk.Action
	spec := querySpec{
		Source:        ac.Source,
		Query:         ac.Query,
		Collection:    ac.Collection,
		Filter:        ac.Filter,
		CredentialRef: ac.CredentialRef,
		DBConfigFile:  ac.DBConfigFile,
	}
	out, err := r.queries.run(ctx, req.st.ThreadID, spec, req.inputs)
	if err != nil {
		return nil, fmt.Errorf("skill %q: %w", req.sk.Name, err)
	}
	return out, nil
}

// run renders the query against renderCtx and executes it on the
// resolved connection.
func (q *queryRunner) run(ctx context.Context, threadID string, spec querySpec, renderCtx map[string]any) (map[string]any, error) {
	if spec.Source == "" {
		return nil, errors.New("data query without a source")
	}
	dsn, err := q.resolveDSN(ctx, threadID, spec)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()

	switch spec.Source {
	case SourcePostgres, SourceMySQL, SourceSQLite:
		return q.runSQL(ctx, spec, dsn, renderCtx)
	case SourceMongoDB:
		return q.runMongo(ctx, spec, dsn, renderCtx)
	case SourceRedis:
		return q.runRedis(ctx, spec, dsn, renderCtx)
	default:
		return nil, fmt.Errorf("unsupported query source %q", spec.Source)
	}
}

// resolveDSN walks the credential chain: vault reference, then the
// deprecated connection-string file, then the configured default for
// the source.
func (q *queryRunner) resolveDSN(ctx context.Context, threadID string, spec querySpec) (string, error) {
	if spec.CredentialRef != "" {
		if q.vault == nil {
			return "", fmt.Errorf("credential_ref %q set but no vault is configured", spec.CredentialRef)
		}
		dsn, err := q.vault.Lookup(ctx, spec.CredentialRef)
		if err != nil {
			return "", fmt.Errorf("resolve credential_ref %q: %w", spec.CredentialRef, err)
		}
		return dsn, nil
	}
	if spec.DBConfigFile != "" {
		warn := fmt.Sprintf("db_config_file is deprecated; move credential %q into the vault", spec.DBConfigFile)
		q.bus.Warning(ctx, threadID, warn)
		q.logger.Warn(warn, "thread_id", threadID)
		b, err := os.ReadFile(spec.DBConfigFile)
		if err != nil {
			return "", fmt.Errorf("read db_config_file: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	}
	if dsn, ok := q.defaults[spec.Source]; ok && dsn != "" {
		return dsn, nil
	}
	return "", fmt.Errorf("no credentials configured for source %q", spec.Source)
}

// Close releases every cached connection.
func (q *queryRunner) Close(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	var errs []error
	for key, db := range q.sqls {
		if err := db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", key, err))
		}
		delete(q.sqls, key)
	}
	for key, m := range q.mongos {
		if err := m.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", key, err))
		}
		delete(q.mongos, key)
	}
	for key, c := range q.redises {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", key, err))
		}
		delete(q.redises, key)
	}
	return errors.Join(errs...)
}

// --- relational ---

func (q *queryRunner) runSQL(ctx context.Context, spec querySpec, dsn string, renderCtx map[string]any) (map[string]any, error) {
	if spec.Query == "" {
		return nil, fmt.Errorf("%s query without query text", spec.Source)
	}
	rendered, err := renderTemplate(spec.Query, renderCtx)
	if err != nil {
		return nil, err
	}
	db, err := q.sqlFor(ctx, spec.Source, dsn)
	if err != nil {
		return nil, err
	}
	if isReadStatement(rendered) {
		rows, err := db.QueryContext(ctx, rendered)
		if err != nil {
			return nil, fmt.Errorf("%s query: %w", spec.Source, err)
		}
		defer rows.Close()
		result, err := scanRows(rows)
		if err != nil {
			return nil, err
		}
		return map[string]any{"query_result": result, "row_count": len(result)}, nil
	}
	res, err := db.ExecContext(ctx, rendered)
	if err != nil {
		return nil, fmt.Errorf("%s statement: %w", spec.Source, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		affected = 0
	}
	return map[string]any{"affected_rows": int(affected)}, nil
}

func (q *queryRunner) sqlFor(ctx context.Context, source, dsn string) (*dbpool.DB, error) {
	key := source + "|" + dsn
	q.mu.Lock()
	defer q.mu.Unlock()
	if db, ok := q.sqls[key]; ok {
		return db, nil
	}
	var dialect dbpool.Dialect
	switch source {
	case SourcePostgres:
		dialect = dbpool.DialectPostgres
	case SourceMySQL:
		dialect = dbpool.DialectMySQL
	default:
		dialect = dbpool.DialectSQLite
	}
	db, err := dbpool.Open(ctx, dbpool.RelationalConfig{Dialect: dialect, DSN: dsn})
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", source, err)
	}
	q.sqls[key] = db
	return db, nil
}

// isReadStatement classifies by the leading verb. CTEs count as reads.
func isReadStatement(query string) bool {
	s := strings.TrimSpace(query)
	for strings.HasPrefix(s, "--") {
		if i := strings.IndexByte(s, '\n'); i >= 0 {
			s = strings.TrimSpace(s[i+1:])
			continue
		}
		return true
	}
	word := s
	if i := strings.IndexAny(s, " \t\n("); i >= 0 {
		word = s[:i]
	}
	switch strings.ToUpper(word) {
	case "SELECT", "SHOW", "DESCRIBE", "EXPLAIN", "WITH", "PRAGMA":
		return true
	}
	return false
}

// scanRows reads every row into a map keyed by column name.
func scanRows(rows *sql.Rows) ([]map[string]any, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("read columns: %w", err)
	}
	result := []map[string]any{}
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			row[col] = normalizeSQLValue(vals[i])
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return result, nil
}

// normalizeSQLValue makes driver values JSON-friendly. Byte slices
// become strings; timestamps become RFC 3339.
func normalizeSQLValue(v any) any {
	switch t := v.(type) {
	case []byte:
		return string(t)
	case time.Time:
		return t.UTC().Format(time.RFC3339)
	default:
		return v
	}
}

// --- document ---

func (q *queryRunner) runMongo(ctx context.Context, spec querySpec, dsn string, renderCtx map[string]any) (map[string]any, error) {
	if spec.Collection == "" {
		return nil, errors.New("mongodb query without a collection")
	}
	collection, err := renderTemplate(spec.Collection, renderCtx)
	if err != nil {
		return nil, err
	}
	filter := map[string]any{}
	if spec.Filter != nil {
		rendered, err := renderValue(spec.Filter, renderCtx)
		if err != nil {
			return nil, err
		}
		filter = rendered.(map[string]any)
	}

	m, err := q.mongoFor(ctx, dsn)
	if err != nil {
		return nil, err
	}
	cur, err := m.Collection(collection).Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("mongodb find: %w", err)
	}
	var docs []map[string]any
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongodb decode: %w", err)
	}
	result := make([]map[string]any, len(docs))
	for i, doc := range docs {
		result[i] = normalizeMongoValue(doc).(map[string]any)
	}
	return map[string]any{"query_result": result, "row_count": len(result)}, nil
}

func (q *queryRunner) mongoFor(ctx context.Context, dsn string) (*dbpool.Mongo, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if m, ok := q.mongos[dsn]; ok {
		return m, nil
	}
	database, err := mongoDatabase(dsn)
	if err != nil {
		return nil, err
	}
	m, err := dbpool.OpenDocument(ctx, dbpool.DocumentConfig{URI: dsn, Database: database})
	if err != nil {
		return nil, fmt.Errorf("connect mongodb: %w", err)
	}
	q.mongos[dsn] = m
	return m, nil
}

// mongoDatabase extracts the database name from the connection URI
// path.
func mongoDatabase(dsn string) (string, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("parse mongodb uri: %w", err)
	}
	db := strings.Trim(u.Path, "/")
	if db == "" {
		return "", errors.New("mongodb connection string must name a database")
	}
	return db, nil
}

// normalizeMongoValue converts driver-native BSON values into plain
// JSON-friendly Go values.
func normalizeMongoValue(v any) any {
	switch t := v.(type) {
	case primitive.ObjectID:
		return t.Hex()
	case primitive.DateTime:
		return t.Time().UTC().Format(time.RFC3339)
	case primitive.Decimal128:
		return t.String()
	case primitive.M:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = normalizeMongoValue(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = normalizeMongoValue(item)
		}
		return out
	case primitive.A:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = normalizeMongoValue(item)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = normalizeMongoValue(item)
		}
		return out
	default:
		return v
	}
}

// --- redis ---

// redisReadCommands classifies commands whose result reports data
// rather than a mutation count.
var redisReadCommands = map[string]bool{
	"get": true, "mget": true, "getrange": true, "strlen": true,
	"hget": true, "hgetall": true, "hkeys": true, "hvals": true, "hlen": true, "hmget": true,
	"lrange": true, "llen": true, "lindex": true,
	"smembers": true, "sismember": true, "scard": true,
	"zrange": true, "zrangebyscore": true, "zcard": true, "zscore": true,
	"keys": true, "exists": true, "ttl": true, "pttl": true, "type": true,
	"randomkey": true, "scan": true,
}

func (q *queryRunner) runRedis(ctx context.Context, spec querySpec, dsn string, renderCtx map[string]any) (map[string]any, error) {
	if spec.Query == "" {
		return nil, errors.New("redis query without command text")
	}
	rendered, err := renderTemplate(spec.Query, renderCtx)
	if err != nil {
		return nil, err
	}
	fields := strings.Fields(rendered)
	if len(fields) == 0 {
		return nil, errors.New("redis query is empty after rendering")
	}
	client, err := q.redisFor(ctx, dsn)
	if err != nil {
		return nil, err
	}
	args := make([]any, len(fields))
	for i, f := range fields {
		args[i] = f
	}
	val, err := client.Do(ctx, args...).Result()
	isRead := redisReadCommands[strings.ToLower(fields[0])]
	if err != nil {
		if errors.Is(err, redis.Nil) {
			if isRead {
				return map[string]any{"query_result": []any{}, "row_count": 0}, nil
			}
			return map[string]any{"affected_rows": 0}, nil
		}
		return nil, fmt.Errorf("redis %s: %w", strings.ToUpper(fields[0]), err)
	}
	if isRead {
		rows := redisRows(val)
		return map[string]any{"query_result": rows, "row_count": len(rows)}, nil
	}
	return map[string]any{"affected_rows": redisAffected(val)}, nil
}

func (q *queryRunner) redisFor(ctx context.Context, dsn string) (*redis.Client, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if c, ok := q.redises[dsn]; ok {
		return c, nil
	}
	cfg := dbpool.RedisConfig{Addr: dsn}
	if strings.Contains(dsn, "://") {
		opts, err := redis.ParseURL(dsn)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		cfg = dbpool.RedisConfig{Addr: opts.Addr, Password: opts.Password, DB: opts.DB}
	}
	client, err := dbpool.OpenRedis(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	q.redises[dsn] = client
	return client, nil
}

// redisRows shapes a command result as a row list.
func redisRows(val any) []any {
	switch t := val.(type) {
	case nil:
		return []any{}
	case []any:
		return t
	default:
		return []any{val}
	}
}

// redisAffected reports a mutation count: the integer reply when the
// command returns one, otherwise 1 for a simple acknowledgement.
func redisAffected(val any) int {
	switch t := val.(type) {
	case int64:
		return int(t)
	case int:
		return t
	default:
		return 1
	}
}
