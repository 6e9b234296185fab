package relaycsv

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

const (
	sqlQueueTableName      = "relaycsv_queue"
	sqlObjectTableName     = "relaycsv_objects"
	sqlDefaultNamespace    = "default"
	sqlOperationTimeout    = 5 * time.Second
	sqlQueuePollInterval   = 50 * time.Millisecond
	sqliteDefaultDSNSuffix = "_busy_timeout=5000&_txlock=immediate"
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// sqlDialect captures the differences between the postgres and sqlite
// renderings of the queue and object tables.
type sqlDialect struct {
	driver     string
	autoID     string
	blobType   string
	lockClause string
	numbered   bool
}

var (
	postgresDialect = sqlDialect{
		driver:     "postgres",
		autoID:     "BIGSERIAL PRIMARY KEY",
		blobType:   "BYTEA",
		lockClause: " FOR UPDATE SKIP LOCKED",
	}
	sqliteDialect = sqlDialect{
		driver:   "sqlite3",
		autoID:   "INTEGER PRIMARY KEY AUTOINCREMENT",
		blobType: "BLOB",
		numbered: true,
	}
)

var dollarParam = regexp.MustCompile(`\$(\d+)`)

// rebind rewrites $N placeholders for drivers that expect ?N.
func (d sqlDialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	return dollarParam.ReplaceAllString(query, "?$1")
}

type sqlConn struct {
	dsn     string
	dialect sqlDialect
	openDB  sqlOpenFunc
	schema  []string

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func (c *sqlConn) ensureReady() error {
	if c == nil {
		return ErrInvalidInput
	}
	c.initOnce.Do(func() {
		db, err := c.openDB(c.dialect.driver, c.dsn)
		if err != nil {
			c.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
		defer cancel()
		for _, stmt := range c.schema {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				_ = db.Close()
				c.initErr = err
				return
			}
		}
		c.db = db
	})
	return c.initErr
}

func (c *sqlConn) close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

// SQLQueue keeps messages in a table. Receives claim rows inside a
// transaction, skipping rows locked by concurrent receivers on postgres.
type SQLQueue struct {
	conn         *sqlConn
	tableName    string
	queueKey     string
	maxReceives  int
	pollInterval time.Duration
	now          func() time.Time
}

func NewPostgresQueue(dsn string, maxReceives int) (*SQLQueue, error) {
	return newSQLQueue(dsn, postgresDialect, maxReceives)
}

func NewSQLiteQueue(path string, maxReceives int) (*SQLQueue, error) {
	return newSQLQueue(sqliteDSN(path), sqliteDialect, maxReceives)
}

func newSQLQueue(dsn string, dialect sqlDialect, maxReceives int) (*SQLQueue, error) {
	dsn, namespace := splitDSNParam(strings.TrimSpace(dsn), "namespace")
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	if namespace == "" {
		namespace = sqlDefaultNamespace
	}
	q := &SQLQueue{
		tableName:    sqlQueueTableName,
		queueKey:     namespace,
		maxReceives:  maxReceives,
		pollInterval: sqlQueuePollInterval,
		now:          time.Now,
	}
	q.conn = &sqlConn{dsn: dsn, dialect: dialect, openDB: sql.Open}
	q.conn.schema = q.schema()
	return q, nil
}

func (q *SQLQueue) schema() []string {
	table := sqlQuoteIdentifier(q.tableName)
	return []string{
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id %s,
				queue_key TEXT NOT NULL,
				message_id TEXT NOT NULL,
				payload TEXT NOT NULL,
				receive_count INTEGER NOT NULL DEFAULT 0,
				visible_at BIGINT NOT NULL,
				receipt_handle TEXT,
				dead_letter BOOLEAN NOT NULL DEFAULT FALSE,
				created_at BIGINT NOT NULL
			)`, table, q.conn.dialect.autoID),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (queue_key, dead_letter, visible_at)",
			sqlQuoteIdentifier(q.tableName+"_visible_idx"), table),
	}
}

func (q *SQLQueue) exec(ctx context.Context, runner interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
}, query string, args ...any) (sql.Result, error) {
	return runner.ExecContext(ctx, q.conn.dialect.rebind(query), args...)
}

func (q *SQLQueue) Send(ctx context.Context, body string) (string, error) {
	if strings.TrimSpace(body) == "" {
		return "", ErrInvalidInput
	}
	if err := q.conn.ensureReady(); err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	id := uuid.NewString()
	now := q.now().UnixMilli()
	query := fmt.Sprintf(`INSERT INTO %s (queue_key, message_id, payload, visible_at, created_at) VALUES ($1, $2, $3, $4, $4)`,
		sqlQuoteIdentifier(q.tableName))
	if _, err := q.exec(ctx, q.conn.db, query, q.queueKey, id, body, now); err != nil {
		return "", err
	}
	return id, nil
}

func (q *SQLQueue) Receive(ctx context.Context, opts ReceiveOptions) ([]Message, error) {
	opts = opts.withDefaults()
	if err := q.conn.ensureReady(); err != nil {
		return nil, err
	}
	deadline := q.now().Add(opts.WaitTime)
	for {
		batch, err := q.tryReceive(ctx, opts)
		if err != nil || len(batch) > 0 {
			return batch, err
		}
		if !q.now().Before(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *SQLQueue) tryReceive(ctx context.Context, opts ReceiveOptions) ([]Message, error) {
	tx, err := q.conn.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	table := sqlQuoteIdentifier(q.tableName)
	now := q.now()
	nowMillis := now.UnixMilli()
	if q.maxReceives > 0 {
		redrive := fmt.Sprintf(`
			UPDATE %s SET dead_letter = TRUE, receipt_handle = NULL
			WHERE queue_key = $1 AND dead_letter = FALSE AND visible_at <= $2 AND receive_count >= $3`, table)
		if _, err := q.exec(ctx, tx, redrive, q.queueKey, nowMillis, q.maxReceives); err != nil {
			return nil, err
		}
	}

	selectQuery := fmt.Sprintf(`
		SELECT id, message_id, payload, receive_count
		FROM %s
		WHERE queue_key = $1 AND dead_letter = FALSE AND visible_at <= $2
		ORDER BY id ASC
		LIMIT $3%s`, table, q.conn.dialect.lockClause)
	rows, err := tx.QueryContext(ctx, q.conn.dialect.rebind(selectQuery), q.queueKey, nowMillis, opts.MaxMessages)
	if err != nil {
		return nil, err
	}
	type claimed struct {
		rowID int64
		msg   Message
	}
	var claims []claimed
	for rows.Next() {
		var c claimed
		if err := rows.Scan(&c.rowID, &c.msg.ID, &c.msg.Body, &c.msg.ReceiveCount); err != nil {
			_ = rows.Close()
			return nil, err
		}
		claims = append(claims, c)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	update := fmt.Sprintf(`UPDATE %s SET receive_count = receive_count + 1, visible_at = $1, receipt_handle = $2 WHERE id = $3`, table)
	visibleAt := now.Add(opts.VisibilityTimeout).UnixMilli()
	batch := make([]Message, 0, len(claims))
	for _, c := range claims {
		c.msg.ReceiptHandle = uuid.NewString()
		c.msg.ReceiveCount++
		if _, err := q.exec(ctx, tx, update, visibleAt, c.msg.ReceiptHandle, c.rowID); err != nil {
			return nil, err
		}
		batch = append(batch, c.msg)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	committed = true
	return batch, nil
}

func (q *SQLQueue) Delete(ctx context.Context, receiptHandle string) error {
	if strings.TrimSpace(receiptHandle) == "" {
		return ErrReceiptHandle
	}
	if err := q.conn.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()
	query := fmt.Sprintf(`DELETE FROM %s WHERE queue_key = $1 AND receipt_handle = $2 AND dead_letter = FALSE`, sqlQuoteIdentifier(q.tableName))
	res, err := q.exec(ctx, q.conn.db, query, q.queueKey, receiptHandle)
	return requireAffected(res, err)
}

func (q *SQLQueue) ChangeVisibility(ctx context.Context, receiptHandle string, timeout time.Duration) error {
	if strings.TrimSpace(receiptHandle) == "" {
		return ErrReceiptHandle
	}
	if timeout < 0 {
		return ErrInvalidInput
	}
	if err := q.conn.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()
	query := fmt.Sprintf(`UPDATE %s SET visible_at = $1 WHERE queue_key = $2 AND receipt_handle = $3 AND dead_letter = FALSE`, sqlQuoteIdentifier(q.tableName))
	res, err := q.exec(ctx, q.conn.db, query, q.now().Add(timeout).UnixMilli(), q.queueKey, receiptHandle)
	return requireAffected(res, err)
}

func (q *SQLQueue) Stats() QueueStats {
	if err := q.conn.ensureReady(); err != nil {
		return QueueStats{}
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
	defer cancel()
	query := fmt.Sprintf(`
		SELECT
			COALESCE(SUM(CASE WHEN dead_letter = FALSE AND visible_at <= $2 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN dead_letter = FALSE AND visible_at > $2 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN dead_letter = TRUE THEN 1 ELSE 0 END), 0)
		FROM %s WHERE queue_key = $1`, sqlQuoteIdentifier(q.tableName))
	var visible, inFlight, dead int64
	row := q.conn.db.QueryRowContext(ctx, q.conn.dialect.rebind(query), q.queueKey, q.now().UnixMilli())
	if err := row.Scan(&visible, &inFlight, &dead); err != nil {
		return QueueStats{}
	}
	return QueueStats{Visible: int(visible), InFlight: int(inFlight), DeadLettered: int(dead)}
}

// DeadLetters lists dead-lettered messages in the order they were sent.
func (q *SQLQueue) DeadLetters() []Message {
	if err := q.conn.ensureReady(); err != nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
	defer cancel()
	query := fmt.Sprintf(`SELECT message_id, payload, receive_count FROM %s WHERE queue_key = $1 AND dead_letter = TRUE ORDER BY id`,
		sqlQuoteIdentifier(q.tableName))
	rows, err := q.conn.db.QueryContext(ctx, q.conn.dialect.rebind(query), q.queueKey)
	if err != nil {
		return nil
	}
	defer rows.Close()
	out := []Message{}
	for rows.Next() {
		var msg Message
		if err := rows.Scan(&msg.ID, &msg.Body, &msg.ReceiveCount); err != nil {
			return nil
		}
		out = append(out, msg)
	}
	if rows.Err() != nil {
		return nil
	}
	return out
}

func (q *SQLQueue) Close() error {
	return q.conn.close()
}

func requireAffected(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrReceiptHandle
	}
	return nil
}

// SQLObjectStore keeps objects as rows keyed by (namespace, key).
type SQLObjectStore struct {
	conn      *sqlConn
	tableName string
	storeKey  string
	now       func() time.Time
}

func NewPostgresObjectStore(dsn string) (*SQLObjectStore, error) {
	return newSQLObjectStore(dsn, postgresDialect)
}

func NewSQLiteObjectStore(path string) (*SQLObjectStore, error) {
	return newSQLObjectStore(sqliteDSN(path), sqliteDialect)
}

func newSQLObjectStore(dsn string, dialect sqlDialect) (*SQLObjectStore, error) {
	dsn, namespace := splitDSNParam(strings.TrimSpace(dsn), "namespace")
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	if namespace == "" {
		namespace = sqlDefaultNamespace
	}
	s := &SQLObjectStore{
		tableName: sqlObjectTableName,
		storeKey:  namespace,
		now:       time.Now,
	}
	table := sqlQuoteIdentifier(s.tableName)
	s.conn = &sqlConn{
		dsn:     dsn,
		dialect: dialect,
		openDB:  sql.Open,
		schema: []string{fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				store_key TEXT NOT NULL,
				object_key TEXT NOT NULL,
				body %s NOT NULL,
				updated_at BIGINT NOT NULL,
				PRIMARY KEY (store_key, object_key)
			)`, table, dialect.blobType)},
	}
	return s, nil
}

func (s *SQLObjectStore) Download(ctx context.Context, key string, dst io.Writer) error {
	if err := s.conn.ensureReady(); err != nil {
		return err
	}
	query := fmt.Sprintf(`SELECT body FROM %s WHERE store_key = $1 AND object_key = $2`, sqlQuoteIdentifier(s.tableName))
	var body []byte
	err := s.conn.db.QueryRowContext(ctx, s.conn.dialect.rebind(query), s.storeKey, key).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	_, err = io.Copy(dst, bytes.NewReader(body))
	return err
}

func (s *SQLObjectStore) Upload(ctx context.Context, key string, src io.Reader) error {
	if strings.TrimSpace(key) == "" {
		return ErrInvalidInput
	}
	if err := s.conn.ensureReady(); err != nil {
		return err
	}
	body, err := io.ReadAll(src)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (store_key, object_key, body, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (store_key, object_key)
		DO UPDATE SET body = EXCLUDED.body, updated_at = EXCLUDED.updated_at`, sqlQuoteIdentifier(s.tableName))
	_, err = s.conn.db.ExecContext(ctx, s.conn.dialect.rebind(query), s.storeKey, key, body, s.now().UnixMilli())
	return err
}

func (s *SQLObjectStore) Close() error {
	return s.conn.close()
}

func sqliteDSN(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return ""
	}
	base, namespace := splitDSNParam(path, "namespace")
	dsn := "file:" + base
	if strings.Contains(base, "?") {
		dsn += "&" + sqliteDefaultDSNSuffix
	} else {
		dsn += "?" + sqliteDefaultDSNSuffix
	}
	if namespace != "" {
		dsn += "&namespace=" + namespace
	}
	return dsn
}

func sqlQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
