// Package sqlite provides common SQLite utility functions.
package sqlite

import (
	"database/sql"
	"fmt"
	"time"
)

// BoolToInt converts a boolean to an integer (for SQLite).
func BoolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

// OptionalBoolToInt converts a tri-state boolean to NULL/0/1.
func OptionalBoolToInt(value *bool) interface{} {
	if value == nil {
		return nil
	}
	return BoolToInt(*value)
}

// IntToOptionalBool converts a NULL/0/1 column back to a tri-state boolean.
func IntToOptionalBool(value sql.NullInt64) *bool {
	if !value.Valid {
		return nil
	}
	b := value.Int64 != 0
	return &b
}

// TimeToMillis converts a time to unix milliseconds for storage.
func TimeToMillis(t time.Time) int64 {
	return t.UnixMilli()
}

// OptionalTimeToMillis converts an optional time to NULL/millis.
func OptionalTimeToMillis(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

// MillisToTime converts stored unix milliseconds back to a time.
func MillisToTime(ms int64) time.Time {
	return time.UnixMilli(ms)
}

// MillisToOptionalTime converts a nullable millis column to an optional time.
func MillisToOptionalTime(ms sql.NullInt64) *time.Time {
	if !ms.Valid {
		return nil
	}
	t := time.UnixMilli(ms.Int64)
	return &t
}

// EnsureColumn adds a column to a table if it doesn't exist.
func EnsureColumn(db *sql.DB, table, column, definition string) error {
	exists, err := ColumnExists(db, table, column)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	query := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition)
	_, err = db.Exec(query)
	return err
}

// ColumnExists checks if a column exists in a table.
func ColumnExists(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, err
	}
	defer func() {
		_ = rows.Close()
	}()

	for rows.Next() {
		var cid int
		var name, colType string
		var notNull int
		var defaultValue sql.NullString
		var pk int
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultValue, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
