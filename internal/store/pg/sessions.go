package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"accessdesk.org/internal/apperr"
	"accessdesk.org/internal/ids"
	"accessdesk.org/internal/model"
)

// pam_sessions carries a partial unique index on (request_id, item_id)
// where status = 'active'; the insert below relies on it.
type sessionStore struct{ db *sql.DB }

const sessionColumns = `id, request_id, item_id, user_id, status, checked_out_at, expires_at,
	checked_in_at, checked_in_by, credential_ref`

func (s sessionStore) Checkout(ctx context.Context, sess *model.PamSession, now time.Time) ([]model.PamSession, error) {
	if sess.ID == "" {
		sess.ID = ids.New()
	}
	sess.Status = model.SessionActive

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		update pam_sessions
		set status = 'checked_in', checked_in_at = $3, checked_in_by = $4
		where request_id = $1 and item_id = $2 and status = 'active' and expires_at <= $3
		returning `+sessionColumns, sess.RequestID, sess.ItemID, now.UTC(), model.SystemExpiryActor)
	if err != nil {
		return nil, err
	}
	var expired []model.PamSession
	for rows.Next() {
		closed, err := scanSession(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		expired = append(expired, closed)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var inserted string
	err = tx.QueryRowContext(ctx, `
		insert into pam_sessions (id, request_id, item_id, user_id, status, checked_out_at, expires_at, credential_ref)
		values ($1, $2, $3, $4, 'active', $5, $6, $7)
		on conflict (request_id, item_id) where status = 'active' do nothing
		returning id
	`, sess.ID, sess.RequestID, sess.ItemID, sess.UserID, sess.CheckedOutAt, sess.ExpiresAt,
		nullIfEmpty(sess.CredentialRef)).Scan(&inserted)
	switch {
	case errors.Is(err, sql.ErrNoRows), isUniqueViolation(err):
		violation := &apperr.ExclusivityViolationError{RequestID: sess.RequestID, ItemID: sess.ItemID}
		if errors.Is(err, sql.ErrNoRows) {
			_ = tx.QueryRowContext(ctx, `
				select id from pam_sessions where request_id = $1 and item_id = $2 and status = 'active'
			`, sess.RequestID, sess.ItemID).Scan(&violation.ActiveSessionID)
			// Keep the expiry closures.
			if cerr := tx.Commit(); cerr != nil {
				return nil, cerr
			}
		}
		return expired, violation
	case err != nil:
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return nil, &apperr.ExclusivityViolationError{RequestID: sess.RequestID, ItemID: sess.ItemID}
		}
		return nil, err
	}
	return expired, nil
}

func (s sessionStore) Find(ctx context.Context, id string) (model.PamSession, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx, `select `+sessionColumns+` from pam_sessions where id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.PamSession{}, apperr.NotFound("pam session", id)
	}
	return sess, err
}

func (s sessionStore) Checkin(ctx context.Context, id, by string, at time.Time) (model.PamSession, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx, `
		update pam_sessions
		set status = 'checked_in', checked_in_at = $2, checked_in_by = $3
		where id = $1 and status = 'active'
		returning `+sessionColumns, id, at.UTC(), by))
	if errors.Is(err, sql.ErrNoRows) {
		// Either missing or already closed.
		if _, ferr := s.Find(ctx, id); ferr != nil {
			return model.PamSession{}, ferr
		}
		return model.PamSession{}, apperr.ErrConflict
	}
	return sess, err
}

func (s sessionStore) ListByRequest(ctx context.Context, requestID string) ([]model.PamSession, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+sessionColumns+` from pam_sessions
		where ($1 = '' or request_id = $1)
		order by checked_out_at
	`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.PamSession{}
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func scanSession(row scanner) (model.PamSession, error) {
	var (
		sess        model.PamSession
		status      string
		checkedInAt sql.NullTime
		by, credRef sql.NullString
	)
	if err := row.Scan(&sess.ID, &sess.RequestID, &sess.ItemID, &sess.UserID, &status, &sess.CheckedOutAt,
		&sess.ExpiresAt, &checkedInAt, &by, &credRef); err != nil {
		return model.PamSession{}, err
	}
	sess.Status = model.SessionStatus(status)
	sess.CheckedInAt = timePtr(checkedInAt)
	sess.CheckedInBy = by.String
	sess.CredentialRef = credRef.String
	return sess, nil
}
