package storage

import (
	"context"
	"time"

	"livecast/internal/model"
)

// LogSend appends one send attempt to the audit log.
func (s *Store) LogSend(ctx context.Context, l model.SendLog) error {
	if l.TS.IsZero() {
		l.TS = time.Now().UTC()
	}
	_, err := s.DB.ExecContext(ctx, `INSERT INTO send_logs (ts,tenant_id,job_id,product_id,group_id,status,error,message_preview,message_id)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		l.TS, l.TenantID, l.JobID, l.ProductID, l.GroupID, l.Status, l.Error, l.MessagePreview, l.MessageID)
	return err
}

const logCols = `id,ts,COALESCE(tenant_id,''),COALESCE(job_id,''),COALESCE(product_id,''),COALESCE(group_id,''),COALESCE(status,''),COALESCE(error,''),COALESCE(message_preview,''),COALESCE(message_id,'')`

// LogsAfter returns up to limit entries with id > afterID in insertion order.
func (s *Store) LogsAfter(ctx context.Context, afterID int64, limit int) ([]model.SendLog, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryLogs(ctx, `SELECT `+logCols+` FROM send_logs WHERE id > ? ORDER BY id LIMIT ?`, afterID, limit)
}

// LastLogID returns the newest log id, 0 when the log is empty.
func (s *Store) LastLogID(ctx context.Context) (int64, error) {
	var id int64
	err := s.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM send_logs`).Scan(&id)
	return id, err
}

// JobLogs returns every send attempt of a job in order.
func (s *Store) JobLogs(ctx context.Context, jobID string) ([]model.SendLog, error) {
	return s.queryLogs(ctx, `SELECT `+logCols+` FROM send_logs WHERE job_id=? ORDER BY id`, jobID)
}

func (s *Store) queryLogs(ctx context.Context, q string, args ...any) ([]model.SendLog, error) {
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []model.SendLog
	for rows.Next() {
		var l model.SendLog
		if err := rows.Scan(&l.ID, &l.TS, &l.TenantID, &l.JobID, &l.ProductID, &l.GroupID, &l.Status, &l.Error, &l.MessagePreview, &l.MessageID); err != nil {
			return nil, err
		}
		list = append(list, l)
	}
	return list, rows.Err()
}

func (s *Store) StatsToday(ctx context.Context) (total, success, failed int64, err error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT
			COUNT(*) AS total,
			COALESCE(SUM(CASE WHEN status='sent' THEN 1 ELSE 0 END), 0) AS success,
			COALESCE(SUM(CASE WHEN status='failed' THEN 1 ELSE 0 END), 0) AS failed
		FROM send_logs
		WHERE ts >= ?`, startOfDay(time.Now().UTC()))
	if err := row.Scan(&total, &success, &failed); err != nil {
		return 0, 0, 0, err
	}
	return total, success, failed, nil
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
