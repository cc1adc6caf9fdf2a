package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"net"

	"giftcard-service/internal/apperr"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

const pgUniqueViolation = "23505"

// classify maps driver errors onto the apperr taxonomy. Connectivity and
// resource errors are StorageUnavailable so callers retry instead of
// failing an intent.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return err
	}
	if unavailable(err) {
		return apperr.Wrap(apperr.KindStorageUnavailable, op, err)
	}
	return apperr.Wrap(apperr.KindInternal, op, err)
}

func unavailable(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		// connection exception, insufficient resources, operator intervention
		case "08", "53", "57":
			return true
		}
		return false
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}

// uniqueViolation reports whether err is a unique violation, optionally on
// a specific constraint.
func uniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || pqErr.Code != pgUniqueViolation {
		return false
	}
	return constraint == "" || pqErr.Constraint == constraint
}

// validID reports whether id can name a row. Ids are UUID columns, so
// anything else cannot exist.
func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

func notFound(op, what, id string) error {
	return apperr.NotFound(op, "%s %s not found", what, id)
}
