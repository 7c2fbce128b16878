package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
)

// jsonString marshals v for storage in a TEXT column. nil-ish values
// become SQL NULL.
func jsonString(v interface{}) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("marshal column: %w", err)
	}
	s := string(data)
	if s == "null" {
		return sql.NullString{}, nil
	}
	return sql.NullString{String: s, Valid: true}, nil
}

// mustJSON marshals values that cannot fail (plain maps and slices of
// basic types). Panics otherwise, which indicates a programming error.
func mustJSON(v interface{}) string {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("storage: marshal: %v", err))
	}
	return string(data)
}

// fromJSON unmarshals a nullable TEXT column into out. A NULL column
// leaves out untouched.
func fromJSON(s sql.NullString, out interface{}) error {
	if !s.Valid || s.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(s.String), out)
}
