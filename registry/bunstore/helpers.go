package bunstore

import (
	"database/sql"
	"errors"
)

// isNoRows returns true when err indicates no rows were found.
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// affected is RowsAffected ignoring the driver-not-supported error;
// both supported dialects report it.
func affected(res sql.Result) int64 {
	n, err := res.RowsAffected()
	if err != nil {
		return 0
	}
	return n
}
