package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// timeLayout is fixed-width so created_at sorts lexically. Reads accept any
// RFC 3339 fraction.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SaveQueryLog appends an audit row. ID and CreatedAt are filled in when empty.
func (s *Store) SaveQueryLog(ctx context.Context, q QueryLog) error {
	if q.ID == "" {
		q.ID = uuid.New().String()
	}
	if q.CreatedAt.IsZero() {
		q.CreatedAt = time.Now()
	}
	docs := q.Documents
	if docs == nil {
		docs = []string{}
	}
	docsJSON, err := json.Marshal(docs)
	if err != nil {
		return fmt.Errorf("encoding documents: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO query_log (id, created_at, user_id, query, stage, outcome, error, result_count, documents, context_used, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		q.ID, q.CreatedAt.UTC().Format(timeLayout), q.UserID, q.Query, q.Stage, q.Outcome,
		q.Error, q.ResultCount, string(docsJSON), q.ContextUsed, q.Duration.Milliseconds(),
	)
	return err
}

// GetQueryLog returns a single audit row by id.
func (s *Store) GetQueryLog(ctx context.Context, id string) (QueryLog, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, created_at, user_id, query, stage, outcome, error, result_count, documents, context_used, duration_ms
		FROM query_log WHERE id = ?`, id)
	q, err := scanQueryLog(row)
	if errors.Is(err, sql.ErrNoRows) {
		return QueryLog{}, ErrNotFound
	}
	return q, err
}

// ListQueryLogs returns audit rows newest first.
func (s *Store) ListQueryLogs(ctx context.Context, f QueryLogFilter) ([]QueryLog, error) {
	var where []string
	var args []any
	if f.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}
	if !f.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, f.Since.UTC().Format(timeLayout))
	}
	query := `SELECT id, created_at, user_id, query, stage, outcome, error, result_count, documents, context_used, duration_ms
		FROM query_log`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []QueryLog
	for rows.Next() {
		q, err := scanQueryLog(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, q)
	}
	return results, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanQueryLog(r rowScanner) (QueryLog, error) {
	var q QueryLog
	var createdAt, docsJSON string
	var durationMS int64
	if err := r.Scan(&q.ID, &createdAt, &q.UserID, &q.Query, &q.Stage, &q.Outcome, &q.Error,
		&q.ResultCount, &docsJSON, &q.ContextUsed, &durationMS); err != nil {
		return QueryLog{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return QueryLog{}, fmt.Errorf("parsing created_at: %w", err)
	}
	q.CreatedAt = t
	q.Duration = time.Duration(durationMS) * time.Millisecond
	if err := json.Unmarshal([]byte(docsJSON), &q.Documents); err != nil {
		return QueryLog{}, fmt.Errorf("decoding documents: %w", err)
	}
	return q, nil
}
