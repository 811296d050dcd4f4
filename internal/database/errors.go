package database

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"net"

	"github.com/lib/pq"
	"github.com/trogers1052/market-data-ingestor/internal/errs"
)

// isConstraintViolation reports an integrity constraint failure (SQLSTATE class 23)
func isConstraintViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code.Class() == "23"
}

// isDataException reports a value the column cannot hold (SQLSTATE class 22),
// such as numeric overflow
func isDataException(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code.Class() == "22"
}

// isRowRejection reports an insert error that condemns only the row, not the batch
func isRowRejection(err error) bool {
	return isConstraintViolation(err) || isDataException(err)
}

// storeError classifies a database failure. Connection-level failures become
// StoreUnavailable so the orchestrator can retry the batch.
func storeError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return errs.E(errs.Cancelled, op, err)
	}
	if isConstraintViolation(err) {
		return errs.E(errs.ConstraintViolation, op, err)
	}
	if isDataException(err) {
		return errs.E(errs.DataQuality, op, err)
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08", "53", "57":
			// connection exception, insufficient resources, operator intervention
			return errs.E(errs.StoreUnavailable, op, err)
		}
		return errs.E(errs.Unknown, op, err)
	}

	var netErr net.Error
	if errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.As(err, &netErr) {
		return errs.E(errs.StoreUnavailable, op, err)
	}
	return errs.E(errs.Unknown, op, err)
}
