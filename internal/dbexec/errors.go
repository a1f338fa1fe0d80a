package dbexec

import (
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"
)

// undefinedTableCode is the PostgreSQL SQLSTATE for undefined_table.
const undefinedTableCode = "42P01"

// FatalError is any datastore failure other than a missing relation.
// It is never retried. Unwrap exposes the driver error.
type FatalError struct {
	QueryID string
	Err     error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("query %s failed: %v", e.QueryID, e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// IsUndefinedRelation reports whether err says the queried table or view
// does not exist.
func IsUndefinedRelation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == undefinedTableCode
	}
	var coded interface{ SQLState() string }
	if errors.As(err, &coded) {
		return coded.SQLState() == undefinedTableCode
	}
	return false
}

// SafeErrorMessage describes err for logs and spans. PostgreSQL messages can
// echo bound parameter values, so driver errors are reduced to their
// SQLSTATE code and condition name.
func SafeErrorMessage(err error) string {
	if err == nil {
		return ""
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return strings.TrimSpace(fmt.Sprintf("sqlstate %s %s", pqErr.Code, pqErr.Code.Name()))
	}
	var coded interface{ SQLState() string }
	if errors.As(err, &coded) {
		return "sqlstate " + coded.SQLState()
	}
	return err.Error()
}
