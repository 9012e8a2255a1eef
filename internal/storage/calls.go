package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CallRecord is one finished call as stored in call_logs.
type CallRecord struct {
	CallID    string    `json:"call_id"`
	CallerID  string    `json:"caller_id"`
	CalleeID  string    `json:"callee_id"`
	CallType  string    `json:"call_type"`
	Status    string    `json:"status"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
	Duration  int64     `json:"duration_seconds"`
}

// ErrNotFound is returned by GetCall for unknown ids.
var ErrNotFound = errors.New("call not found")

// SaveCall stores a finished call. A record with the same id is replaced,
// so a call logged by both ends of a loopback setup stays one row.
func (d *DB) SaveCall(r CallRecord) error {
	if r.CallID == "" {
		return errors.New("save call: empty call id")
	}
	if r.EndTime.IsZero() {
		r.EndTime = time.Now()
	}
	if r.Duration == 0 && !r.StartTime.IsZero() && r.EndTime.After(r.StartTime) {
		r.Duration = int64(r.EndTime.Sub(r.StartTime) / time.Second)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`
		INSERT INTO call_logs
			(id, caller_id, callee_id, call_type, status, start_ms, end_ms, duration_seconds)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status           = excluded.status,
			end_ms           = excluded.end_ms,
			duration_seconds = excluded.duration_seconds`,
		r.CallID, r.CallerID, r.CalleeID, r.CallType, r.Status,
		r.StartTime.UnixMilli(), r.EndTime.UnixMilli(), r.Duration,
	)
	if err != nil {
		return fmt.Errorf("save call %s: %w", r.CallID, err)
	}
	return nil
}

// GetCall returns the record with the given id.
func (d *DB) GetCall(callID string) (CallRecord, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	row := d.db.QueryRow(`
		SELECT id, caller_id, callee_id, call_type, status, start_ms, end_ms, duration_seconds
		FROM call_logs WHERE id = ?`, callID)
	r, err := scanCall(row)
	if errors.Is(err, sql.ErrNoRows) {
		return CallRecord{}, ErrNotFound
	}
	return r, err
}

// CallHistory returns calls in which userID took part, newest first.
// An empty userID lists every call.
func (d *DB) CallHistory(userID string, limit, offset int) ([]CallRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.Query(`
		SELECT id, caller_id, callee_id, call_type, status, start_ms, end_ms, duration_seconds
		FROM call_logs
		WHERE ? = '' OR caller_id = ? OR callee_id = ?
		ORDER BY start_ms DESC, id
		LIMIT ? OFFSET ?`, userID, userID, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("call history: %w", err)
	}
	defer rows.Close()

	out := []CallRecord{}
	for rows.Next() {
		r, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountCalls returns the number of calls userID took part in ("" = all).
func (d *DB) CountCalls(userID string) (int, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var n int
	err := d.db.QueryRow(`
		SELECT COUNT(*) FROM call_logs
		WHERE ? = '' OR caller_id = ? OR callee_id = ?`, userID, userID, userID).Scan(&n)
	return n, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCall(s scanner) (CallRecord, error) {
	var r CallRecord
	var startMs, endMs int64
	if err := s.Scan(&r.CallID, &r.CallerID, &r.CalleeID, &r.CallType, &r.Status,
		&startMs, &endMs, &r.Duration); err != nil {
		return CallRecord{}, err
	}
	r.StartTime = time.UnixMilli(startMs)
	if endMs > 0 {
		r.EndTime = time.UnixMilli(endMs)
	}
	return r, nil
}
