package objstore

import (
	"context"
	"database/sql"
	sqldriver "database/sql/driver"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"

	"github.com/qvarnlabs/qvarn/core/blobstore"
	"github.com/qvarnlabs/qvarn/core/csql"
	"github.com/qvarnlabs/qvarn/core/logger"
)

// PostgresStore is the durable object store. Objects live in a JSONB
// body column, one auxiliary row per flattened (name, value) pair
// serves the search path, blobs and allow rules have their own tables.
type PostgresStore struct {
	db       *csql.DB
	keys     []Key
	external blobstore.Driver
}

// PostgresOption configures a PostgresStore.
type PostgresOption func(*PostgresStore)

// WithBlobDriver routes blob payloads through the given external driver
// instead of the blob table. Existence and collision checks stay in the
// database.
func WithBlobDriver(driver blobstore.Driver) PostgresOption {
	return func(s *PostgresStore) {
		s.external = driver
	}
}

// NewPostgresStore creates a store on the given database. CreateStore
// must be called before any other operation.
func NewPostgresStore(db *csql.DB, options ...PostgresOption) *PostgresStore {
	s := &PostgresStore{db: db}
	for _, option := range options {
		option(s)
	}
	return s
}

// checkColumnName guards table and column names that end up unquoted in
// SQL text.
func checkColumnName(name string) error {
	for _, r := range name {
		ok := r == '_' || ('a' <= r && r <= 'z') || ('A' <= r && r <= 'Z') || ('0' <= r && r <= '9')
		if !ok {
			return fmt.Errorf("invalid column name %q", name)
		}
	}
	if len(name) == 0 {
		return errors.New("empty column name")
	}
	return nil
}

// CreateStore declares the key columns and creates the backing tables
// and indexes if they do not exist yet.
func (s *PostgresStore) CreateStore(keys ...Key) error {
	if len(keys) == 0 {
		return errors.New("at least one key must be declared")
	}
	for _, key := range keys {
		if key.Type != KeyTypeString {
			return WrongKeyTypeError{Key: key.Name, Type: key.Type}
		}
		if err := checkColumnName(key.Name); err != nil {
			return err
		}
	}
	s.keys = keys

	schema := s.db.Schema
	var keyColumns []string
	for _, key := range keys {
		keyColumns = append(keyColumns, key.Name+" TEXT NOT NULL")
	}
	columns := strings.Join(keyColumns, ", ")

	createQuery := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s."_objects_" (%s, body JSONB NOT NULL);`, schema, columns)
	createQuery += fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s."_aux_" (%s, field JSONB NOT NULL);`, schema, columns)
	createQuery += fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s."_blobs_" (%s, payload BYTEA NOT NULL);`, schema, columns)
	createQuery += fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s."_allow_" (
method TEXT NOT NULL,
client_id TEXT NOT NULL,
user_id TEXT NOT NULL,
subpath TEXT NOT NULL,
resource_id TEXT NOT NULL,
resource_type TEXT NOT NULL DEFAULT '',
resource_field TEXT NOT NULL DEFAULT '',
resource_value TEXT NOT NULL DEFAULT '');`, schema)

	createIndicesQuery := ""
	for _, key := range keys {
		createIndicesQuery += fmt.Sprintf(`CREATE INDEX IF NOT EXISTS objects_%s_idx ON %s."_objects_"(%s);`,
			key.Name, schema, key.Name)
		createIndicesQuery += fmt.Sprintf(`CREATE INDEX IF NOT EXISTS aux_%s_idx ON %s."_aux_"(%s);`,
			key.Name, schema, key.Name)
		createIndicesQuery += fmt.Sprintf(`CREATE INDEX IF NOT EXISTS blobs_%s_idx ON %s."_blobs_"(%s);`,
			key.Name, schema, key.Name)
	}
	createIndicesQuery += fmt.Sprintf(`CREATE INDEX IF NOT EXISTS aux_field_name_idx ON %s."_aux_"(lower(field->>'name'));`, schema)
	createIndicesQuery += fmt.Sprintf(`CREATE INDEX IF NOT EXISTS aux_field_value_idx ON %s."_aux_"(lower(field->>'value'));`, schema)
	createIndicesQuery += fmt.Sprintf(`CREATE INDEX IF NOT EXISTS allow_method_idx ON %s."_allow_"(method, client_id, user_id);`, schema)

	_, err := s.db.Exec(createQuery + createIndicesQuery)
	return err
}

func (s *PostgresStore) primaryColumn() string {
	return s.keys[0].Name
}

func (s *PostgresStore) subpathColumn() string {
	for _, key := range s.keys {
		if key.Name == "subpath" {
			return key.Name
		}
	}
	return s.keys[len(s.keys)-1].Name
}

// QueryRecord is one executed query with its wall-clock duration.
type QueryRecord struct {
	Query    string
	Duration time.Duration
}

type postgresTransaction struct {
	ctx     context.Context
	conn    *sql.Conn
	tx      *sql.Tx
	rlog    *logrus.Entry
	queries []QueryRecord
	done    bool
}

var errTransactionFinished = errors.New("transaction already finished")

// Begin starts a transaction on a connection borrowed from the pool.
func (s *PostgresStore) Begin(ctx context.Context) (Transaction, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &postgresTransaction{ctx: ctx, conn: conn, tx: tx, rlog: logger.FromContext(ctx)}, nil
}

// Commit commits and returns the connection to the pool.
func (t *postgresTransaction) Commit() error {
	if t.done {
		return errTransactionFinished
	}
	t.done = true
	err := t.tx.Commit()
	t.conn.Close()
	return err
}

// Rollback rolls back and discards the connection. A connection that
// saw a failed transaction is never handed to another caller.
func (t *postgresTransaction) Rollback() error {
	if t.done {
		return errTransactionFinished
	}
	t.done = true
	err := t.tx.Rollback()
	t.conn.Raw(func(interface{}) error { return sqldriver.ErrBadConn })
	t.conn.Close()
	return err
}

// Queries returns all queries executed so far with their durations.
func (t *postgresTransaction) Queries() []QueryRecord {
	return t.queries
}

func (t *postgresTransaction) record(query string, start time.Time) {
	duration := time.Since(start)
	t.queries = append(t.queries, QueryRecord{Query: query, Duration: duration})
	t.rlog.WithFields(logrus.Fields{"duration": duration.String()}).Debugln("sql:", query)
}

func (t *postgresTransaction) exec(query string, args ...interface{}) error {
	start := time.Now()
	_, err := t.tx.ExecContext(t.ctx, query, args...)
	t.record(query, start)
	return err
}

func (t *postgresTransaction) query(query string, args ...interface{}) (*sql.Rows, error) {
	start := time.Now()
	rows, err := t.tx.QueryContext(t.ctx, query, args...)
	t.record(query, start)
	return rows, err
}

func (t *postgresTransaction) queryRow(query string, args ...interface{}) *sql.Row {
	start := time.Now()
	row := t.tx.QueryRowContext(t.ctx, query, args...)
	t.record(query, start)
	return row
}

func (s *PostgresStore) transaction(tx Transaction) (*postgresTransaction, error) {
	pt, ok := tx.(*postgresTransaction)
	if !ok {
		return nil, errors.New("transaction does not belong to this store")
	}
	if pt.done {
		return nil, errTransactionFinished
	}
	return pt, nil
}

func (s *PostgresStore) checkKeys(keys Keys, requireAll bool) error {
	known := map[string]bool{}
	for _, key := range s.keys {
		known[key.Name] = true
	}
	for name := range keys {
		if !known[name] {
			return UnknownKeyError{Key: name}
		}
	}
	if requireAll {
		for _, key := range s.keys {
			if _, ok := keys[key.Name]; !ok {
				return KeyValueError{Key: key.Name}
			}
		}
	}
	return nil
}

// keyFilter appends one comparison per given key, in declaration order.
func (s *PostgresStore) keyFilter(c *compiler, alias string, keys Keys) []string {
	var conditions []string
	for _, key := range s.keys {
		value, ok := keys[key.Name]
		if !ok {
			continue
		}
		conditions = append(conditions, alias+"."+key.Name+" = "+c.bind(value))
	}
	return conditions
}

func (s *PostgresStore) blobKey(keys Keys) string {
	var parts []string
	for _, key := range s.keys {
		parts = append(parts, keys[key.Name])
	}
	return strings.Join(parts, "/")
}

// CreateObject inserts body under the given keys, plus one aux row per
// flattened pair when aux is set.
func (s *PostgresStore) CreateObject(tx Transaction, body Object, aux bool, keys Keys) error {
	t, err := s.transaction(tx)
	if err != nil {
		return err
	}
	if err := s.checkKeys(keys, true); err != nil {
		return err
	}
	c := &compiler{}
	where := strings.Join(s.keyFilter(c, "o", keys), " AND ")
	var exists int
	err = t.queryRow(fmt.Sprintf(`SELECT 1 FROM %s."_objects_" o WHERE %s`, s.db.Schema, where), c.args...).Scan(&exists)
	if err == nil {
		return KeyCollisionError{Keys: keys}
	}
	if err != csql.ErrNoRows {
		return err
	}

	bodyJSON, err := json.Marshal(body)
	if err != nil {
		return err
	}
	columns, placeholders, values := s.insertColumns(keys)
	insertQuery := fmt.Sprintf(`INSERT INTO %s."_objects_" (%s, body) VALUES (%s, $%d)`,
		s.db.Schema, columns, placeholders, len(values)+1)
	if err := t.exec(insertQuery, append(values, bodyJSON)...); err != nil {
		return err
	}
	if !aux {
		return nil
	}
	auxQuery := fmt.Sprintf(`INSERT INTO %s."_aux_" (%s, field) VALUES (%s, $%d)`,
		s.db.Schema, columns, placeholders, len(values)+1)
	for _, pair := range Flatten(body) {
		fieldJSON, err := json.Marshal(map[string]interface{}{"name": pair.Name, "value": pair.Value})
		if err != nil {
			return err
		}
		if err := t.exec(auxQuery, append(values, fieldJSON)...); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) insertColumns(keys Keys) (columns, placeholders string, values []interface{}) {
	var names, markers []string
	for i, key := range s.keys {
		names = append(names, key.Name)
		markers = append(markers, fmt.Sprintf("$%d", i+1))
		values = append(values, keys[key.Name])
	}
	return strings.Join(names, ", "), strings.Join(markers, ", "), values
}

// RemoveObjects deletes all objects, aux rows and blobs matching the
// key subset.
func (s *PostgresStore) RemoveObjects(tx Transaction, keys Keys) error {
	t, err := s.transaction(tx)
	if err != nil {
		return err
	}
	if err := s.checkKeys(keys, false); err != nil {
		return err
	}
	for _, table := range []string{"_objects_", "_aux_", "_blobs_"} {
		c := &compiler{}
		conditions := s.keyFilter(c, table, keys)
		query := fmt.Sprintf(`DELETE FROM %s."%s" %s`, s.db.Schema, table, table)
		if len(conditions) > 0 {
			query += " WHERE " + strings.Join(conditions, " AND ")
		}
		if err := t.exec(query, c.args...); err != nil {
			return err
		}
	}
	if s.external != nil {
		if primary, ok := keys[s.primaryColumn()]; ok {
			if err := s.external.DeleteAllWithPrefix(t.ctx, primary+"/"); err != nil {
				return err
			}
		}
	}
	return nil
}

// GetMatches returns all objects matching the key subset, cond and
// allow. Comparison leaves are compiled against the aux table with the
// count-threshold conjunction; callers needing precision re-filter the
// returned bodies in memory.
func (s *PostgresStore) GetMatches(tx Transaction, cond, allow Condition, keys Keys) ([]Match, error) {
	t, err := s.transaction(tx)
	if err != nil {
		return nil, err
	}
	if cond == nil && len(keys) == 0 {
		return nil, ErrNoConditionOrKeys
	}
	if err := s.checkKeys(keys, false); err != nil {
		return nil, err
	}

	leaves, satisfiable := auxLeaves(cond)
	if !satisfiable {
		return nil, nil
	}

	c := &compiler{
		schema:       s.db.Schema,
		objectsAlias: "o",
		primaryKey:   s.primaryColumn(),
		subpathKey:   s.subpathColumn(),
	}
	var selectColumns []string
	for _, key := range s.keys {
		selectColumns = append(selectColumns, "o."+key.Name)
	}
	selected := strings.Join(selectColumns, ", ") + ", o.body"

	var query string
	var where []string
	if len(leaves) > 0 {
		var disjunction []string
		for _, leaf := range leaves {
			disjunction = append(disjunction, leaf.compileAux(c))
		}
		primary := s.primaryColumn()
		subquery := fmt.Sprintf(`(SELECT %s, COUNT(%s) AS hits FROM %s."_aux_" WHERE %s GROUP BY %s) t`,
			primary, primary, s.db.Schema, strings.Join(disjunction, " OR "), primary)
		query = fmt.Sprintf(`SELECT DISTINCT %s FROM %s."_objects_" o, %s`, selected, s.db.Schema, subquery)
		where = append(where, "t.hits >= "+c.bind(len(leaves)), "t."+primary+" = o."+primary)
	} else {
		query = fmt.Sprintf(`SELECT %s FROM %s."_objects_" o`, selected, s.db.Schema)
	}
	where = append(where, s.keyFilter(c, "o", keys)...)

	// The allow filter is pushed into SQL when it has a compiled form;
	// other condition kinds are applied after the fetch.
	var postFilter Condition
	switch a := allow.(type) {
	case nil:
	case yesCondition:
	case noCondition:
		return nil, nil
	case *accessIsAllowed:
		where = append(where, a.compileAllow(c))
	default:
		postFilter = allow
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}

	rows, err := t.query(query, c.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		keyValues := make([]string, len(s.keys))
		var bodyJSON []byte
		dest := make([]interface{}, 0, len(s.keys)+1)
		for i := range keyValues {
			dest = append(dest, &keyValues[i])
		}
		dest = append(dest, &bodyJSON)
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		matchKeys := make(Keys, len(s.keys))
		for i, key := range s.keys {
			matchKeys[key.Name] = keyValues[i]
		}
		var body Object
		if err := json.Unmarshal(bodyJSON, &body); err != nil {
			return nil, err
		}
		if postFilter != nil && !postFilter.Matches(matchKeys, Flatten(body)) {
			continue
		}
		matches = append(matches, Match{Keys: matchKeys, Body: body})
	}
	return matches, rows.Err()
}

// CreateBlob stores a binary payload; the parent object must exist.
func (s *PostgresStore) CreateBlob(tx Transaction, payload []byte, keys Keys) error {
	t, err := s.transaction(tx)
	if err != nil {
		return err
	}
	if err := s.checkKeys(keys, true); err != nil {
		return err
	}
	c := &compiler{}
	where := strings.Join(s.keyFilter(c, "o", keys), " AND ")
	var exists int
	err = t.queryRow(fmt.Sprintf(`SELECT 1 FROM %s."_objects_" o WHERE %s`, s.db.Schema, where), c.args...).Scan(&exists)
	if err == csql.ErrNoRows {
		return NoSuchObjectError{Keys: keys}
	}
	if err != nil {
		return err
	}
	c = &compiler{}
	where = strings.Join(s.keyFilter(c, "b", keys), " AND ")
	err = t.queryRow(fmt.Sprintf(`SELECT 1 FROM %s."_blobs_" b WHERE %s`, s.db.Schema, where), c.args...).Scan(&exists)
	if err == nil {
		return BlobKeyCollisionError{Keys: keys}
	}
	if err != csql.ErrNoRows {
		return err
	}

	stored := payload
	if s.external != nil {
		if err := s.external.Put(t.ctx, s.blobKey(keys), payload); err != nil {
			return err
		}
		stored = []byte{}
	}
	columns, placeholders, values := s.insertColumns(keys)
	insertQuery := fmt.Sprintf(`INSERT INTO %s."_blobs_" (%s, payload) VALUES (%s, $%d)`,
		s.db.Schema, columns, placeholders, len(values)+1)
	return t.exec(insertQuery, append(values, stored)...)
}

// GetBlob returns the payload stored under the given keys.
func (s *PostgresStore) GetBlob(tx Transaction, keys Keys) ([]byte, error) {
	t, err := s.transaction(tx)
	if err != nil {
		return nil, err
	}
	if err := s.checkKeys(keys, true); err != nil {
		return nil, err
	}
	c := &compiler{}
	where := strings.Join(s.keyFilter(c, "b", keys), " AND ")
	var payload []byte
	err = t.queryRow(fmt.Sprintf(`SELECT payload FROM %s."_blobs_" b WHERE %s`, s.db.Schema, where), c.args...).Scan(&payload)
	if err == csql.ErrNoRows {
		return nil, NoSuchObjectError{Keys: keys}
	}
	if err != nil {
		return nil, err
	}
	if s.external != nil {
		return s.external.Get(t.ctx, s.blobKey(keys))
	}
	return payload, nil
}

// RemoveBlob deletes the blob with the given keys, if any.
func (s *PostgresStore) RemoveBlob(tx Transaction, keys Keys) error {
	t, err := s.transaction(tx)
	if err != nil {
		return err
	}
	if err := s.checkKeys(keys, true); err != nil {
		return err
	}
	c := &compiler{}
	where := strings.Join(s.keyFilter(c, "b", keys), " AND ")
	if err := t.exec(fmt.Sprintf(`DELETE FROM %s."_blobs_" b WHERE %s`, s.db.Schema, where), c.args...); err != nil {
		return err
	}
	if s.external != nil {
		return s.external.Delete(t.ctx, s.blobKey(keys))
	}
	return nil
}

var allowColumns = []string{
	"method", "client_id", "user_id", "subpath",
	"resource_id", "resource_type", "resource_field", "resource_value",
}

func allowValues(rule AllowRule) []interface{} {
	return []interface{}{
		rule.Method, rule.ClientID, rule.UserID, rule.Subpath,
		rule.ResourceID, rule.ResourceType, rule.ResourceField, rule.ResourceValue,
	}
}

func allowWhere() string {
	var conditions []string
	for i, column := range allowColumns {
		conditions = append(conditions, fmt.Sprintf("%s = $%d", column, i+1))
	}
	return strings.Join(conditions, " AND ")
}

// AddAllowRule records a new allow rule.
func (s *PostgresStore) AddAllowRule(tx Transaction, rule AllowRule) error {
	t, err := s.transaction(tx)
	if err != nil {
		return err
	}
	var markers []string
	for i := range allowColumns {
		markers = append(markers, fmt.Sprintf("$%d", i+1))
	}
	query := fmt.Sprintf(`INSERT INTO %s."_allow_" (%s) VALUES (%s)`,
		s.db.Schema, strings.Join(allowColumns, ", "), strings.Join(markers, ", "))
	return t.exec(query, allowValues(rule)...)
}

// RemoveAllowRule deletes all copies of the given rule.
func (s *PostgresStore) RemoveAllowRule(tx Transaction, rule AllowRule) error {
	t, err := s.transaction(tx)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`DELETE FROM %s."_allow_" WHERE %s`, s.db.Schema, allowWhere())
	return t.exec(query, allowValues(rule)...)
}

// HasAllowRule reports whether the exact rule is present.
func (s *PostgresStore) HasAllowRule(tx Transaction, rule AllowRule) (bool, error) {
	t, err := s.transaction(tx)
	if err != nil {
		return false, err
	}
	query := fmt.Sprintf(`SELECT 1 FROM %s."_allow_" WHERE %s`, s.db.Schema, allowWhere())
	var exists int
	err = t.queryRow(query, allowValues(rule)...).Scan(&exists)
	if err == csql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// GetAllowRules returns all allow rules.
func (s *PostgresStore) GetAllowRules(tx Transaction) ([]AllowRule, error) {
	t, err := s.transaction(tx)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT %s FROM %s."_allow_"`, strings.Join(allowColumns, ", "), s.db.Schema)
	rows, err := t.query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var rules []AllowRule
	for rows.Next() {
		var rule AllowRule
		err := rows.Scan(&rule.Method, &rule.ClientID, &rule.UserID, &rule.Subpath,
			&rule.ResourceID, &rule.ResourceType, &rule.ResourceField, &rule.ResourceValue)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}
