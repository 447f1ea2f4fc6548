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

// Clients -------------------------------------------------------------------
type clientStore struct{ db *sql.DB }

func (s clientStore) Create(ctx context.Context, c *model.Client) error {
	if c.ID == "" {
		c.ID = ids.New()
	}
	return s.db.QueryRowContext(ctx, `
		insert into clients (id, name, email)
		values ($1, $2, $3)
		returning created_at
	`, c.ID, c.Name, nullIfEmpty(c.Email)).Scan(&c.CreatedAt)
}

func (s clientStore) Find(ctx context.Context, id string) (model.Client, error) {
	var (
		c     model.Client
		email sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		select id, name, email, created_at from clients where id = $1
	`, id).Scan(&c.ID, &c.Name, &email, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Client{}, apperr.NotFound("client", id)
	}
	if err != nil {
		return model.Client{}, err
	}
	c.Email = email.String
	return c, nil
}

// Platforms -----------------------------------------------------------------
type platformStore struct{ db *sql.DB }

func (s platformStore) Create(ctx context.Context, p *model.AgencyPlatform) error {
	if p.ID == "" {
		p.ID = ids.New()
	}
	err := s.db.QueryRowContext(ctx, `
		insert into agency_platforms (id, platform_key, display_name, enabled)
		values ($1, $2, $3, $4)
		returning created_at
	`, p.ID, p.PlatformKey, p.DisplayName, p.Enabled).Scan(&p.CreatedAt)
	if isUniqueViolation(err) {
		return apperr.ErrConflict
	}
	return err
}

func (s platformStore) Find(ctx context.Context, id string) (model.AgencyPlatform, error) {
	var p model.AgencyPlatform
	err := s.db.QueryRowContext(ctx, `
		select id, platform_key, display_name, enabled, created_at
		from agency_platforms where id = $1
	`, id).Scan(&p.ID, &p.PlatformKey, &p.DisplayName, &p.Enabled, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.AgencyPlatform{}, apperr.NotFound("platform", id)
	}
	return p, err
}

func (s platformStore) List(ctx context.Context) ([]model.AgencyPlatform, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, platform_key, display_name, enabled, created_at
		from agency_platforms order by platform_key
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.AgencyPlatform{}
	for rows.Next() {
		var p model.AgencyPlatform
		if err := rows.Scan(&p.ID, &p.PlatformKey, &p.DisplayName, &p.Enabled, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Items ---------------------------------------------------------------------
type itemStore struct{ db *sql.DB }

const itemColumns = `id, platform_id, item_type, access_pattern, role, label, identity_purpose,
	human_identity_strategy, agency_config, pam_config, created_at, updated_at`

func (s itemStore) Create(ctx context.Context, item *model.AccessItem) error {
	if item.ID == "" {
		item.ID = ids.New()
	}
	cfg, err := jsonb(item.AgencyConfig)
	if err != nil {
		return err
	}
	pam, err := jsonb(item.PAMConfig)
	if err != nil {
		return err
	}
	err = s.db.QueryRowContext(ctx, `
		insert into access_items (id, platform_id, item_type, access_pattern, role, label,
			identity_purpose, human_identity_strategy, agency_config, pam_config)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		returning created_at, updated_at
	`, item.ID, item.PlatformID, string(item.ItemType), item.AccessPattern, item.Role, nullIfEmpty(item.Label),
		nullIfEmpty(string(item.IdentityPurpose)), nullIfEmpty(string(item.HumanIdentityStrategy)), cfg, pam,
	).Scan(&item.CreatedAt, &item.UpdatedAt)
	if isForeignKeyViolation(err) {
		return apperr.NotFound("platform", item.PlatformID)
	}
	return err
}

func (s itemStore) Find(ctx context.Context, id string) (model.AccessItem, error) {
	row := s.db.QueryRowContext(ctx, `select `+itemColumns+` from access_items where id = $1`, id)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.AccessItem{}, apperr.NotFound("access item", id)
	}
	return item, err
}

func (s itemStore) ListByPlatform(ctx context.Context, platformID string) ([]model.AccessItem, error) {
	rows, err := s.db.QueryContext(ctx, `select `+itemColumns+` from access_items where platform_id = $1 order by id`, platformID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.AccessItem{}
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanItem(row scanner) (model.AccessItem, error) {
	var (
		item                     model.AccessItem
		itemType                 string
		label, purpose, strategy sql.NullString
		cfgRaw, pamRaw           []byte
	)
	if err := row.Scan(&item.ID, &item.PlatformID, &itemType, &item.AccessPattern, &item.Role, &label,
		&purpose, &strategy, &cfgRaw, &pamRaw, &item.CreatedAt, &item.UpdatedAt); err != nil {
		return model.AccessItem{}, err
	}
	item.ItemType = manifest.ItemType(itemType)
	item.Label = label.String
	item.IdentityPurpose = model.IdentityPurpose(purpose.String)
	item.HumanIdentityStrategy = model.HumanIdentityStrategy(strategy.String)
	if err := fromJSONB(cfgRaw, &item.AgencyConfig); err != nil {
		return model.AccessItem{}, err
	}
	if len(pamRaw) > 0 {
		item.PAMConfig = &model.PAMConfig{}
		if err := fromJSONB(pamRaw, item.PAMConfig); err != nil {
			return model.AccessItem{}, err
		}
	}
	return item, nil
}

// Identities ----------------------------------------------------------------
type identityStore struct{ db *sql.DB }

func (s identityStore) Create(ctx context.Context, ident *model.IntegrationIdentity) error {
	if ident.ID == "" {
		ident.ID = ids.New()
	}
	ident.HasSecret = ident.SecretRef != ""
	return s.db.QueryRowContext(ctx, `
		insert into integration_identities (id, name, type, identifier, platform_id, is_active, secret_ref)
		values ($1, $2, $3, $4, $5, $6, $7)
		returning created_at
	`, ident.ID, ident.Name, ident.Type, ident.Identifier, nullIfEmpty(ident.PlatformID), ident.IsActive,
		nullIfEmpty(ident.SecretRef)).Scan(&ident.CreatedAt)
}

const identityColumns = `id, name, type, identifier, platform_id, is_active, secret_ref, created_at`

func (s identityStore) Find(ctx context.Context, id string) (model.IntegrationIdentity, error) {
	ident, err := scanIdentity(s.db.QueryRowContext(ctx, `select `+identityColumns+` from integration_identities where id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.IntegrationIdentity{}, apperr.NotFound("integration identity", id)
	}
	return ident, err
}

func (s identityStore) List(ctx context.Context) ([]model.IntegrationIdentity, error) {
	rows, err := s.db.QueryContext(ctx, `select `+identityColumns+` from integration_identities order by id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.IntegrationIdentity{}
	for rows.Next() {
		ident, err := scanIdentity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ident)
	}
	return out, rows.Err()
}

func scanIdentity(row scanner) (model.IntegrationIdentity, error) {
	var (
		ident            model.IntegrationIdentity
		platform, secret sql.NullString
	)
	if err := row.Scan(&ident.ID, &ident.Name, &ident.Type, &ident.Identifier, &platform, &ident.IsActive,
		&secret, &ident.CreatedAt); err != nil {
		return model.IntegrationIdentity{}, err
	}
	ident.PlatformID = platform.String
	ident.SecretRef = secret.String
	ident.HasSecret = secret.Valid
	return ident, nil
}

// Audit ---------------------------------------------------------------------
type auditStore struct{ db *sql.DB }

func (s auditStore) Append(ctx context.Context, e *model.AuditLogEntry) error {
	if e.ID == "" {
		e.ID = ids.New()
	}
	details, err := jsonb(e.Details)
	if err != nil {
		return err
	}
	if details == nil {
		details = []byte("{}")
	}
	_, err = s.db.ExecContext(ctx, `
		insert into audit_log (id, event, actor, request_id, item_id, platform_id, details, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
	`, e.ID, e.Event, e.Actor, nullIfEmpty(e.RequestID), nullIfEmpty(e.ItemID), nullIfEmpty(e.PlatformID), details, e.Timestamp)
	return err
}

func (s auditStore) List(ctx context.Context, f store.AuditFilter) ([]model.AuditLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, event, actor, request_id, item_id, platform_id, details, created_at
		from audit_log
		where ($1 = '' or request_id = $1)
		order by id desc
		limit $2
	`, f.RequestID, store.NormalizeLimit(f.Limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.AuditLogEntry{}
	for rows.Next() {
		var (
			e                   model.AuditLogEntry
			req, item, platform sql.NullString
			raw                 []byte
		)
		if err := rows.Scan(&e.ID, &e.Event, &e.Actor, &req, &item, &platform, &raw, &e.Timestamp); err != nil {
			return nil, err
		}
		e.RequestID, e.ItemID, e.PlatformID = req.String, item.String, platform.String
		if err := fromJSONB(raw, &e.Details); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Connections ---------------------------------------------------------------
type connectionStore struct{ db *sql.DB }

func (s connectionStore) Upsert(ctx context.Context, c model.PlatformConnection) error {
	scopes, err := jsonb(c.Scopes)
	if err != nil {
		return err
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx, `
		insert into platform_connections (platform_key, access_token_ref, refresh_token_ref, token_type,
			expiry, scopes, connected_by, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
		on conflict (platform_key) do update set
			access_token_ref = excluded.access_token_ref,
			refresh_token_ref = coalesce(excluded.refresh_token_ref, platform_connections.refresh_token_ref),
			token_type = excluded.token_type,
			expiry = excluded.expiry,
			scopes = excluded.scopes,
			connected_by = excluded.connected_by,
			updated_at = excluded.updated_at
	`, c.PlatformKey, c.AccessTokenRef, nullIfEmpty(c.RefreshTokenRef), nullIfEmpty(c.TokenType),
		nullTime(nonZero(c.Expiry)), scopes, nullIfEmpty(c.ConnectedBy), c.UpdatedAt)
	return err
}

func (s connectionStore) Find(ctx context.Context, platformKey string) (model.PlatformConnection, error) {
	var (
		c                    model.PlatformConnection
		refresh, tokType, by sql.NullString
		expiry               sql.NullTime
		scopes               []byte
	)
	err := s.db.QueryRowContext(ctx, `
		select platform_key, access_token_ref, refresh_token_ref, token_type, expiry, scopes, connected_by, updated_at
		from platform_connections where platform_key = $1
	`, platformKey).Scan(&c.PlatformKey, &c.AccessTokenRef, &refresh, &tokType, &expiry, &scopes, &by, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.PlatformConnection{}, apperr.NotFound("platform connection", platformKey)
	}
	if err != nil {
		return model.PlatformConnection{}, err
	}
	c.RefreshTokenRef, c.TokenType, c.ConnectedBy = refresh.String, tokType.String, by.String
	if expiry.Valid {
		c.Expiry = expiry.Time.UTC()
	}
	if err := fromJSONB(scopes, &c.Scopes); err != nil {
		return model.PlatformConnection{}, err
	}
	return c, nil
}

func nonZero(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// Evidence ------------------------------------------------------------------
type evidenceStore struct{ db *sql.DB }

func (s evidenceStore) Put(ctx context.Context, b model.EvidenceBlob) error {
	_, err := s.db.ExecContext(ctx, `
		insert into evidence_blobs (item_id, file_name, content_type, sha256, size_bytes, data, uploaded_at)
		values ($1, $2, $3, $4, $5, $6, $7)
		on conflict (item_id) do update set
			file_name = excluded.file_name,
			content_type = excluded.content_type,
			sha256 = excluded.sha256,
			size_bytes = excluded.size_bytes,
			data = excluded.data,
			uploaded_at = excluded.uploaded_at
	`, b.ItemID, b.FileName, nullIfEmpty(b.ContentType), b.SHA256, b.SizeBytes, b.Data, b.UploadedAt)
	return err
}

func (s evidenceStore) Find(ctx context.Context, itemID string) (model.EvidenceBlob, error) {
	var (
		b  model.EvidenceBlob
		ct sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		select item_id, file_name, content_type, sha256, size_bytes, data, uploaded_at
		from evidence_blobs where item_id = $1
	`, itemID).Scan(&b.ItemID, &b.FileName, &ct, &b.SHA256, &b.SizeBytes, &b.Data, &b.UploadedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.EvidenceBlob{}, apperr.NotFound("evidence", itemID)
	}
	b.ContentType = ct.String
	return b, err
}
