package store

import (
	"context"
	"fmt"

	"entgo.io/ent/dialect/sql"

	"formpulse/pkg/model"
)

const tableFieldLogs = "field_logs"

// ListFieldLogs returns the entries of one session in logged order. Duplicate
// rows from client retries are kept; they are independent observations.
func (s *Store) ListFieldLogs(ctx context.Context, sessionID string, limit, offset int) ([]model.FieldLogEntry, error) {
	sel := s.b().Select("id", "session_id", "field_name", "field_value", "logged_at").
		From(sql.Table(tableFieldLogs)).
		Where(sql.EQ("session_id", sessionID)).
		OrderBy("logged_at", "id")
	if limit > 0 {
		sel.Limit(limit).Offset(offset)
	}
	rows, err := query(ctx, s.db, sel)
	if err != nil {
		return nil, fmt.Errorf("store: query field logs: %w", err)
	}
	defer rows.Close()
	var out []model.FieldLogEntry
	for rows.Next() {
		var e model.FieldLogEntry
		if err := rows.Scan(&e.ID, &e.SessionID, &e.FieldName, &e.FieldValue, &e.LoggedAt); err != nil {
			return nil, err
		}
		e.LoggedAt = e.LoggedAt.UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// CountFieldLogs counts the entries of one session.
func (s *Store) CountFieldLogs(ctx context.Context, sessionID string) (int, error) {
	var n int
	sel := s.b().Select(sql.Count("*")).From(sql.Table(tableFieldLogs)).Where(sql.EQ("session_id", sessionID))
	if err := queryRow(ctx, s.db, sel).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count field logs: %w", err)
	}
	return n, nil
}
