package repository

import (
	"database/sql"
	"encoding/json"
	"log/slog"
)

// marshalJSON renders v as a nullable TEXT column value. Maps and slices that
// are empty store as NULL so the column stays readable in ad-hoc queries.
func marshalJSON(v any) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	b, err := json.Marshal(v)
	if err != nil {
		slog.Error("Failed to marshal json column", "error", err)
		return sql.NullString{}
	}
	s := string(b)
	if s == "null" || s == "{}" || s == "[]" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func unmarshalMap(col sql.NullString) map[string]any {
	if !col.Valid || col.String == "" {
		return map[string]any{}
	}
	out := map[string]any{}
	if err := json.Unmarshal([]byte(col.String), &out); err != nil {
		slog.Error("Failed to parse json column", "error", err)
	}
	return out
}

func unmarshalInto(col sql.NullString, v any) {
	if !col.Valid || col.String == "" {
		return
	}
	if err := json.Unmarshal([]byte(col.String), v); err != nil {
		slog.Error("Failed to parse json column", "error", err)
	}
}
