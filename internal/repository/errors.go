// Package repository defines error types that are reused across multiple
// repositories.  These sentinel values allow the service layer to tell
// apart "nothing there", "someone else got there first" and "try again"
// without inspecting driver errors itself.
package repository

import (
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"
)

// ErrNotFound is returned when a lookup by key matches no row.
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when an insert violates a unique key.  For seat
// locks this means the seat is already held; for bookings, webhook logs and
// refunds it means the same request was already recorded.
var ErrDuplicate = errors.New("duplicate")

// ErrTransient wraps deadlocks and lock wait timeouts.  The statement can be
// retried from the start of its transaction.
var ErrTransient = errors.New("transient database error")

// MySQL server error numbers the repositories classify.
const (
	mysqlDuplicateEntry  = 1062
	mysqlLockWaitTimeout = 1205
	mysqlDeadlock        = 1213
)

// classify maps driver errors onto the sentinels above and leaves every
// other error untouched.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var myErr *mysql.MySQLError
	if !errors.As(err, &myErr) {
		return err
	}
	switch myErr.Number {
	case mysqlDuplicateEntry:
		return fmt.Errorf("%w: %s", ErrDuplicate, myErr.Message)
	case mysqlDeadlock, mysqlLockWaitTimeout:
		return fmt.Errorf("%w: %s", ErrTransient, myErr.Message)
	}
	return err
}
