package internal

import (
	"database/sql"
	"errors"

	"github.com/go-sql-driver/mysql"
	"modernc.org/sqlite"
)

const (
	sqliteBusy   = 5 // SQLITE_BUSY
	sqliteLocked = 6 // SQLITE_LOCKED
)

// ErrConcurrentUpdate is returned when a row vanished between reading
// and modifying it inside a transaction. It is retryable.
var ErrConcurrentUpdate = errors.New("concurrent update")

// IsNotFound returns true if the given error indicates that a record
// could not be found.
func IsNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// IsDeadlock returns true if the given error indicates that we
// found a deadlock.
func IsDeadlock(err error) bool {
	var me *mysql.MySQLError
	if !errors.As(err, &me) {
		return false
	}
	// Error 1213: Deadlock found when trying to get lock; try restarting transaction
	return me.Number == 1213
}

// IsLockTimeout returns true if the given error indicates that waiting
// for a lock timed out.
func IsLockTimeout(err error) bool {
	var me *mysql.MySQLError
	if !errors.As(err, &me) {
		return false
	}
	// Error 1205: Lock wait timeout exceeded; try restarting transaction
	return me.Number == 1205
}

// IsBusy returns true if SQLite reported the database as busy or locked.
func IsBusy(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	code := se.Code() & 0xff // strip extended result code
	return code == sqliteBusy || code == sqliteLocked
}

// IsRetryable returns true if a transaction that failed with err can
// safely be restarted.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentUpdate) || IsDeadlock(err) || IsLockTimeout(err) || IsBusy(err)
}
