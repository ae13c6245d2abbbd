// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

// Package sqlstore implements the listqueue Backend on a SQL table.
// MySQL and SQLite are supported. Notifications are delivered in-process
// through a listqueue.Hub, so producers and consumers have to share the
// Store (or its Hub) to see each other's appends.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/cenkalti/backoff"
	mysqldriver "github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"

	"github.com/olivere/listqueue"
	"github.com/olivere/listqueue/sqlstore/internal"
)

const (
	// DriverMySQL is the database/sql driver name for MySQL.
	DriverMySQL = "mysql"
	// DriverSQLite is the database/sql driver name for SQLite.
	DriverSQLite = "sqlite"

	// DefaultTable is the name of the table holding list items.
	DefaultTable = "listqueue_items"
)

var (
	mysqlSchema = []string{
		`CREATE TABLE IF NOT EXISTS %s (
id bigint NOT NULL AUTO_INCREMENT PRIMARY KEY,
namespace varchar(255) NOT NULL,
value mediumblob NOT NULL,
created bigint NOT NULL,
index ix_items_namespace_id (namespace, id));`,
	}

	sqliteSchema = []string{
		`CREATE TABLE IF NOT EXISTS %s (
id INTEGER PRIMARY KEY AUTOINCREMENT,
namespace TEXT NOT NULL,
value BLOB NOT NULL,
created INTEGER NOT NULL);`,
		`CREATE INDEX IF NOT EXISTS ix_%s_namespace_id ON %[1]s (namespace, id);`,
	}
)

// Store represents a persistent SQL storage implementation.
// It implements the listqueue.Backend and listqueue.Publisher interfaces.
type Store struct {
	db     *sql.DB
	driver string
	table  string
	hub    *listqueue.Hub
	prefix string
	debug  bool
	logger listqueue.Logger
}

// StoreOption is an options provider for Store.
type StoreOption func(*Store)

// SetHub specifies the Hub to publish keyspace events on. Use it to let
// several stores on the same database notify each other.
func SetHub(hub *listqueue.Hub) StoreOption {
	return func(s *Store) {
		s.hub = hub
	}
}

// SetKeyspacePrefix specifies the prefix of the keyspace channels.
// The default is listqueue.DefaultKeyspacePrefix.
func SetKeyspacePrefix(prefix string) StoreOption {
	return func(s *Store) {
		s.prefix = prefix
	}
}

// SetTable specifies the name of the table. The default is DefaultTable.
func SetTable(table string) StoreOption {
	return func(s *Store) {
		s.table = table
	}
}

// SetDebug indicates whether to log all SQL statements.
func SetDebug(enabled bool) StoreOption {
	return func(s *Store) {
		s.debug = enabled
	}
}

// SetLogger specifies the logger to use for debug output.
func SetLogger(logger listqueue.Logger) StoreOption {
	return func(s *Store) {
		s.logger = logger
	}
}

// NewStore initializes a new SQL-based storage. The driverName is either
// DriverMySQL or DriverSQLite. For MySQL, the database in dsn is created
// if it does not exist yet.
func NewStore(driverName, dsn string, options ...StoreOption) (*Store, error) {
	st := &Store{
		driver: driverName,
		table:  DefaultTable,
		prefix: listqueue.DefaultKeyspacePrefix,
		logger: log.New(os.Stderr, "SQL ", log.LstdFlags),
	}
	for _, opt := range options {
		opt(st)
	}
	if st.hub == nil {
		st.hub = listqueue.NewHub()
	}

	var schema []string
	switch driverName {
	case DriverMySQL:
		if err := createMySQLDatabase(dsn); err != nil {
			return nil, err
		}
		schema = mysqlSchema
	case DriverSQLite:
		schema = sqliteSchema
	default:
		return nil, fmt.Errorf("%w: unsupported SQL driver %q", listqueue.ErrConfiguration, driverName)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, err
	}
	if driverName == DriverSQLite {
		// SQLite allows a single writer; in-memory databases live per connection
		db.SetMaxOpenConns(1)
	}
	st.db = db

	// Create schema
	for _, stmt := range schema {
		if _, err := db.Exec(fmt.Sprintf(stmt, st.table)); err != nil {
			db.Close()
			return nil, err
		}
	}
	return st, nil
}

// createMySQLDatabase connects without a database name and creates the
// database named in dsn.
func createMySQLDatabase(dsn string) error {
	cfg, err := mysqldriver.ParseDSN(dsn)
	if err != nil {
		return err
	}
	dbname := cfg.DBName
	if dbname == "" {
		return errors.New("no database specified")
	}
	cfg.DBName = ""
	setupdb, err := sql.Open(DriverMySQL, cfg.FormatDSN())
	if err != nil {
		return err
	}
	defer setupdb.Close()
	_, err = setupdb.Exec(fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s`", dbname))
	return err
}

// DB returns the underlying database handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Subscriber returns a new Subscriber for the keyspace events of the store.
func (s *Store) Subscriber() listqueue.Subscriber {
	return s.hub.Subscriber()
}

// Publish publishes a message on the store's hub.
func (s *Store) Publish(ctx context.Context, channel, message string) error {
	return s.hub.Publish(ctx, channel, message)
}

// Exists reports whether the list at key holds any items.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	query, args, err := sq.Select("1").
		From(s.table).
		Where(sq.Eq{"namespace": key}).
		Limit(1).
		ToSql()
	if err != nil {
		return false, err
	}
	s.trace(query, args)
	var one int
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&one)
	if internal.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// RPush appends value to the list at key.
func (s *Store) RPush(ctx context.Context, key string, value []byte) error {
	query, args, err := sq.Insert(s.table).
		Columns("namespace", "value", "created").
		Values(key, value, time.Now().UnixNano()).
		ToSql()
	if err != nil {
		return err
	}
	s.trace(query, args)
	err = s.runWithRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, query, args...)
		return err
	})
	if err != nil {
		return err
	}
	// The item is stored; the notification is best-effort
	_ = s.hub.Publish(context.WithoutCancel(ctx), listqueue.KeyspaceChannel(s.prefix, key), listqueue.OpRPush)
	return nil
}

// LPop removes and returns the head of the list at key, or nil if the
// list is empty. Reading and deleting the head happen in one transaction.
func (s *Store) LPop(ctx context.Context, key string) ([]byte, error) {
	sel := sq.Select("id", "value").
		From(s.table).
		Where(sq.Eq{"namespace": key}).
		OrderBy("id").
		Limit(1)
	if s.driver == DriverMySQL {
		sel = sel.Suffix("FOR UPDATE")
	}
	selQuery, selArgs, err := sel.ToSql()
	if err != nil {
		return nil, err
	}

	var value []byte
	err = internal.RunInTxWithRetry(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		value = nil
		var id int64
		s.trace(selQuery, selArgs)
		err := tx.QueryRowContext(ctx, selQuery, selArgs...).Scan(&id, &value)
		if internal.IsNotFound(err) {
			value = nil
			return nil
		}
		if err != nil {
			return err
		}
		delQuery, delArgs, err := sq.Delete(s.table).Where(sq.Eq{"id": id}).ToSql()
		if err != nil {
			return err
		}
		s.trace(delQuery, delArgs)
		res, err := tx.ExecContext(ctx, delQuery, delArgs...)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err == nil && n != 1 {
			return internal.ErrConcurrentUpdate
		}
		return nil
	}, internal.IsRetryable)
	if err != nil {
		return nil, err
	}
	if value == nil {
		return nil, nil
	}
	_ = s.hub.Publish(context.WithoutCancel(ctx), listqueue.KeyspaceChannel(s.prefix, key), listqueue.OpLPop)
	return value, nil
}

// LRange returns all items of the list at key, head first.
func (s *Store) LRange(ctx context.Context, key string) ([][]byte, error) {
	query, args, err := sq.Select("value").
		From(s.table).
		Where(sq.Eq{"namespace": key}).
		OrderBy("id").
		ToSql()
	if err != nil {
		return nil, err
	}
	s.trace(query, args)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list [][]byte
	for rows.Next() {
		var value []byte
		if err := rows.Scan(&value); err != nil {
			return nil, err
		}
		list = append(list, value)
	}
	return list, rows.Err()
}

// LLen returns the length of the list at key.
func (s *Store) LLen(ctx context.Context, key string) (int64, error) {
	query, args, err := sq.Select("COUNT(*)").
		From(s.table).
		Where(sq.Eq{"namespace": key}).
		ToSql()
	if err != nil {
		return 0, err
	}
	s.trace(query, args)
	var n int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *Store) trace(query string, args []interface{}) {
	if s.debug {
		s.logger.Printf("%s %v", query, args)
	}
}

func (s *Store) runWithRetry(ctx context.Context, f func() error) error {
	b := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	return backoff.Retry(func() error {
		err := f()
		if err != nil && !internal.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
}
