package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"livecast/internal/model"
)

// SaveSession upserts the durable session record of a tenant.
func (s *Store) SaveSession(ctx context.Context, sess model.Session) error {
	var extID, phone string
	if sess.Identity != nil {
		extID, phone = sess.Identity.ExternalID, sess.Identity.DisplayPhone
	}
	at := sess.LastTransitionAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	// The identity survives transitions that don't carry one (offline, error) so Restore can find it.
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO wa_sessions (tenant_id,status,qr_payload,external_id,display_phone,last_error,last_transition_at)
		VALUES (?,?,?,?,?,?,?)
		ON CONFLICT(tenant_id) DO UPDATE SET
			status=excluded.status,
			qr_payload=excluded.qr_payload,
			external_id=COALESCE(NULLIF(excluded.external_id,''), wa_sessions.external_id),
			display_phone=COALESCE(NULLIF(excluded.display_phone,''), wa_sessions.display_phone),
			last_error=excluded.last_error,
			last_transition_at=excluded.last_transition_at
	`, sess.TenantID, string(sess.Status), sess.QRPayload, extID, phone, sess.LastError, at)
	return err
}

// ForgetIdentity clears the stored identity, used once the device has been logged out or deleted.
func (s *Store) ForgetIdentity(ctx context.Context, tenantID string) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE wa_sessions SET external_id=NULL, display_phone=NULL WHERE tenant_id=?`, tenantID)
	return err
}

const sessionCols = `tenant_id,status,COALESCE(qr_payload,''),external_id,display_phone,COALESCE(last_error,''),last_transition_at`

func scanSession(row interface{ Scan(...any) error }) (model.Session, error) {
	var sess model.Session
	var status string
	var extID, phone sql.NullString
	if err := row.Scan(&sess.TenantID, &status, &sess.QRPayload, &extID, &phone, &sess.LastError, &sess.LastTransitionAt); err != nil {
		return sess, err
	}
	sess.Status = model.SessionStatus(status)
	if id := nullString(extID); id != "" {
		sess.Identity = &model.Identity{ExternalID: id, DisplayPhone: nullString(phone)}
	}
	return sess, nil
}

// LoadSession returns the persisted session of a tenant or model.ErrNotFound.
func (s *Store) LoadSession(ctx context.Context, tenantID string) (model.Session, error) {
	sess, err := scanSession(s.DB.QueryRowContext(ctx, `SELECT `+sessionCols+` FROM wa_sessions WHERE tenant_id=?`, tenantID))
	if errors.Is(err, sql.ErrNoRows) {
		return sess, fmt.Errorf("session %s: %w", tenantID, model.ErrNotFound)
	}
	return sess, err
}

// ListSessions returns every persisted session ordered by tenant.
func (s *Store) ListSessions(ctx context.Context) ([]model.Session, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+sessionCols+` FROM wa_sessions ORDER BY tenant_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []model.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, sess)
	}
	return list, rows.Err()
}
