package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"accessdesk.org/internal/apperr"
	"accessdesk.org/internal/ids"
	"accessdesk.org/internal/manifest"
	"accessdesk.org/internal/model"
	"accessdesk.org/internal/store"
)

type requestStore struct{ db *sql.DB }

const requestItemColumns = `id, access_request_id, access_item_id, platform_id, platform_key, item_type, role,
	resolved_identity, client_instructions, verification_mode, agency_config, pam_config, status,
	validated_at, validated_by, validation_result, client_provided_target, pam_username, pam_secret_ref, evidence`

func (s requestStore) Create(ctx context.Context, r *model.AccessRequest) error {
	if r.ID == "" {
		r.ID = ids.New()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	err = tx.QueryRowContext(ctx, `
		insert into access_requests (id, client_id, token, created_by)
		values ($1, $2, $3, $4)
		returning created_at
	`, r.ID, r.ClientID, r.Token, nullIfEmpty(r.CreatedBy)).Scan(&r.CreatedAt)
	switch {
	case isForeignKeyViolation(err):
		return apperr.NotFound("client", r.ClientID)
	case isUniqueViolation(err):
		return apperr.ErrConflict
	case err != nil:
		return err
	}

	for i := range r.Items {
		it := &r.Items[i]
		if it.ID == "" {
			it.ID = ids.New()
		}
		it.AccessRequestID = r.ID
		args, err := itemArgs(*it)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			insert into access_request_items (position, `+requestItemColumns+`)
			values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
		`, append([]any{i}, args...)...); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s requestStore) Find(ctx context.Context, id string) (model.AccessRequest, error) {
	return s.load(ctx, s.db, `where id = $1`, id, false)
}

func (s requestStore) FindByToken(ctx context.Context, token string) (model.AccessRequest, error) {
	return s.load(ctx, s.db, `where token = $1`, token, false)
}

func (s requestStore) UpdateItem(ctx context.Context, requestID, itemID string, mutate store.ItemMutation) (model.AccessRequest, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.AccessRequest{}, err
	}
	defer func() { _ = tx.Rollback() }()

	req, err := s.load(ctx, tx, `where id = $1`, requestID, true)
	if err != nil {
		return model.AccessRequest{}, err
	}
	cur, ok := req.Item(itemID)
	if !ok {
		return model.AccessRequest{}, apperr.NotFound("access request item", itemID)
	}
	next := cur.Clone()
	if err := mutate(&next); err != nil {
		return model.AccessRequest{}, err
	}
	validation, err := jsonb(next.ValidationResult)
	if err != nil {
		return model.AccessRequest{}, err
	}
	target, err := jsonb(next.ClientProvidedTarget)
	if err != nil {
		return model.AccessRequest{}, err
	}
	evidence, err := jsonb(next.Evidence)
	if err != nil {
		return model.AccessRequest{}, err
	}
	if _, err := tx.ExecContext(ctx, `
		update access_request_items set
			status = $3, validated_at = $4, validated_by = $5, validation_result = $6,
			client_provided_target = $7, pam_username = $8, pam_secret_ref = $9, evidence = $10
		where access_request_id = $1 and id = $2
	`, requestID, itemID, string(next.Status), nullTime(next.ValidatedAt), nullIfEmpty(next.ValidatedBy), validation,
		target, nullIfEmpty(next.PAMUsername), nullIfEmpty(next.PAMSecretRef), evidence); err != nil {
		return model.AccessRequest{}, err
	}
	if err := tx.Commit(); err != nil {
		return model.AccessRequest{}, err
	}
	*cur = next
	return req, nil
}

func (s requestStore) MarkCompleted(ctx context.Context, requestID string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		update access_requests set completed_at = $2
		where id = $1 and completed_at is null
	`, requestID, at.UTC())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// load reads a request and its items; forUpdate locks the request row.
func (s requestStore) load(ctx context.Context, q queryer, where string, arg any, forUpdate bool) (model.AccessRequest, error) {
	query := `select id, client_id, token, created_by, created_at, completed_at from access_requests ` + where
	if forUpdate {
		query += ` for update`
	}
	var (
		r         model.AccessRequest
		createdBy sql.NullString
		completed sql.NullTime
	)
	err := q.QueryRowContext(ctx, query, arg).Scan(&r.ID, &r.ClientID, &r.Token, &createdBy, &r.CreatedAt, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return model.AccessRequest{}, apperr.NotFound("access request", arg.(string))
	}
	if err != nil {
		return model.AccessRequest{}, err
	}
	r.CreatedBy = createdBy.String
	r.CompletedAt = timePtr(completed)

	rows, err := q.QueryContext(ctx, `
		select `+requestItemColumns+`
		from access_request_items where access_request_id = $1 order by position
	`, r.ID)
	if err != nil {
		return model.AccessRequest{}, err
	}
	defer rows.Close()
	r.Items = []model.AccessRequestItem{}
	for rows.Next() {
		it, err := scanRequestItem(rows)
		if err != nil {
			return model.AccessRequest{}, err
		}
		r.Items = append(r.Items, it)
	}
	return r, rows.Err()
}

func itemArgs(it model.AccessRequestItem) ([]any, error) {
	raws := make([][]byte, 0, 6)
	for _, v := range []any{it.ClientInstructions, it.AgencyConfig, it.PAMConfig, it.ValidationResult, it.ClientProvidedTarget, it.Evidence} {
		raw, err := jsonb(v)
		if err != nil {
			return nil, err
		}
		raws = append(raws, raw)
	}
	return []any{
		it.ID, it.AccessRequestID, nullIfEmpty(it.AccessItemID), it.PlatformID, it.PlatformKey, string(it.ItemType), it.Role,
		it.ResolvedIdentity, raws[0], it.VerificationMode, raws[1], raws[2], string(it.Status),
		nullTime(it.ValidatedAt), nullIfEmpty(it.ValidatedBy), raws[3], raws[4], nullIfEmpty(it.PAMUsername),
		nullIfEmpty(it.PAMSecretRef), raws[5],
	}, nil
}

func scanRequestItem(row scanner) (model.AccessRequestItem, error) {
	var (
		it                                        model.AccessRequestItem
		accessItemID, validatedBy, user, secret   sql.NullString
		itemType, status                          string
		validatedAt                               sql.NullTime
		instr, cfg, pam, result, target, evidence []byte
	)
	if err := row.Scan(&it.ID, &it.AccessRequestID, &accessItemID, &it.PlatformID, &it.PlatformKey, &itemType, &it.Role,
		&it.ResolvedIdentity, &instr, &it.VerificationMode, &cfg, &pam, &status,
		&validatedAt, &validatedBy, &result, &target, &user, &secret, &evidence); err != nil {
		return model.AccessRequestItem{}, err
	}
	it.AccessItemID = accessItemID.String
	it.ItemType = manifest.ItemType(itemType)
	it.Status = model.ItemStatus(status)
	it.ValidatedAt = timePtr(validatedAt)
	it.ValidatedBy = validatedBy.String
	it.PAMUsername = user.String
	it.PAMSecretRef = secret.String
	if err := fromJSONB(instr, &it.ClientInstructions); err != nil {
		return model.AccessRequestItem{}, err
	}
	if err := fromJSONB(cfg, &it.AgencyConfig); err != nil {
		return model.AccessRequestItem{}, err
	}
	if len(pam) > 0 {
		it.PAMConfig = &model.PAMConfig{}
		if err := fromJSONB(pam, it.PAMConfig); err != nil {
			return model.AccessRequestItem{}, err
		}
	}
	if len(result) > 0 {
		it.ValidationResult = &model.ValidationResult{}
		if err := fromJSONB(result, it.ValidationResult); err != nil {
			return model.AccessRequestItem{}, err
		}
	}
	if err := fromJSONB(target, &it.ClientProvidedTarget); err != nil {
		return model.AccessRequestItem{}, err
	}
	if len(evidence) > 0 {
		it.Evidence = &model.Evidence{}
		if err := fromJSONB(evidence, it.Evidence); err != nil {
			return model.AccessRequestItem{}, err
		}
	}
	return it, nil
}
