package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/bdobrica/Kanri/common/redact"
	"github.com/bdobrica/Kanri/internal/kanri/errs"
)

// Operation is one recorded lifecycle call.
type Operation struct {
	ID         int64
	Timestamp  time.Time
	TraceID    string
	Profile    string
	TargetType string
	Op         string
	Result     string // "success" or "failure"
	Kind       sql.NullString
	Message    sql.NullString
	Duration   time.Duration
}

// Operation results.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// WriteOperation appends op. KEY=VALUE tokens with sensitive-looking keys
// are masked in the message before it is stored.
func (s *Store) WriteOperation(ctx context.Context, op *Operation) error {
	if op.Timestamp.IsZero() {
		op.Timestamp = time.Now().UTC()
	}
	if op.Message.Valid {
		op.Message.String = strings.Join(redact.Assignments(strings.Fields(op.Message.String)), " ")
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO operations (ts, trace_id, profile, target_type, op, result, kind, message, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, op.Timestamp, op.TraceID, op.Profile, op.TargetType, op.Op, op.Result,
		op.Kind, op.Message, op.Duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("failed to write operation: %w", err)
	}
	op.ID, _ = res.LastInsertId()
	return nil
}

// OperationOf builds the record for a call that returned err.
func OperationOf(traceID, profile, targetType, op string, err error, d time.Duration) *Operation {
	o := &Operation{
		TraceID:    traceID,
		Profile:    profile,
		TargetType: targetType,
		Op:         op,
		Result:     ResultSuccess,
		Duration:   d,
	}
	if err != nil {
		o.Result = ResultFailure
		o.Kind = nullString(string(errs.Classify(err).Kind))
		o.Message = nullString(err.Error())
	}
	return o
}

// ListOperations returns the most recently written operations for profile,
// newest first. An empty profile lists every profile.
func (s *Store) ListOperations(ctx context.Context, profile string, limit int) ([]*Operation, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, ts, trace_id, profile, target_type, op, result, kind, message, duration_ms
		FROM operations`
	args := []any{}
	if profile != "" {
		query += ` WHERE profile = ?`
		args = append(args, profile)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list operations: %w", err)
	}
	defer rows.Close()

	var out []*Operation
	for rows.Next() {
		o := &Operation{}
		var ms int64
		if err := rows.Scan(&o.ID, &o.Timestamp, &o.TraceID, &o.Profile, &o.TargetType,
			&o.Op, &o.Result, &o.Kind, &o.Message, &ms); err != nil {
			return nil, fmt.Errorf("failed to scan operation: %w", err)
		}
		o.Duration = time.Duration(ms) * time.Millisecond
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating operations: %w", err)
	}
	return out, nil
}
