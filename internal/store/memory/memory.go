// Package memory implements store.Store in process memory. Every operation
// runs under one mutex so check-then-act sequences are atomic. Contents are
// lost on restart.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"accessdesk.org/internal/apperr"
	"accessdesk.org/internal/ids"
	"accessdesk.org/internal/model"
	"accessdesk.org/internal/store"
)

var _ store.Store = (*Store)(nil)

// Store holds all entities.
type Store struct {
	mu          sync.RWMutex
	clients     map[string]model.Client
	platforms   map[string]model.AgencyPlatform
	items       map[string]model.AccessItem
	requests    map[string]*model.AccessRequest
	tokens      map[string]string // token -> request id
	identities  map[string]model.IntegrationIdentity
	sessions    map[string]model.PamSession
	audit       []model.AuditLogEntry
	connections map[string]model.PlatformConnection
	evidence    map[string]model.EvidenceBlob
}

// New creates an empty store.
func New() *Store {
	return &Store{
		clients:     make(map[string]model.Client),
		platforms:   make(map[string]model.AgencyPlatform),
		items:       make(map[string]model.AccessItem),
		requests:    make(map[string]*model.AccessRequest),
		tokens:      make(map[string]string),
		identities:  make(map[string]model.IntegrationIdentity),
		sessions:    make(map[string]model.PamSession),
		connections: make(map[string]model.PlatformConnection),
		evidence:    make(map[string]model.EvidenceBlob),
	}
}

func (s *Store) Clients() store.ClientStore         { return clientStore{s} }
func (s *Store) Platforms() store.PlatformStore     { return platformStore{s} }
func (s *Store) Items() store.ItemStore             { return itemStore{s} }
func (s *Store) Requests() store.RequestStore       { return requestStore{s} }
func (s *Store) Identities() store.IdentityStore    { return identityStore{s} }
func (s *Store) Sessions() store.SessionStore       { return sessionStore{s} }
func (s *Store) Audit() store.AuditStore            { return auditStore{s} }
func (s *Store) Connections() store.ConnectionStore { return connectionStore{s} }
func (s *Store) Evidence() store.EvidenceStore      { return evidenceStore{s} }

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// Clients -------------------------------------------------------------------
type clientStore struct{ *Store }

func (s clientStore) Create(_ context.Context, c *model.Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == "" {
		c.ID = ids.New()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	s.clients[c.ID] = *c
	return nil
}

func (s clientStore) Find(_ context.Context, id string) (model.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.clients[id]
	if !ok {
		return model.Client{}, apperr.NotFound("client", id)
	}
	return c, nil
}

// Platforms -----------------------------------------------------------------
type platformStore struct{ *Store }

func (s platformStore) Create(_ context.Context, p *model.AgencyPlatform) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.platforms {
		if existing.PlatformKey == p.PlatformKey {
			return apperr.ErrConflict
		}
	}
	if p.ID == "" {
		p.ID = ids.New()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	s.platforms[p.ID] = *p
	return nil
}

func (s platformStore) Find(_ context.Context, id string) (model.AgencyPlatform, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.platforms[id]
	if !ok {
		return model.AgencyPlatform{}, apperr.NotFound("platform", id)
	}
	return p, nil
}

func (s platformStore) List(context.Context) ([]model.AgencyPlatform, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.AgencyPlatform, 0, len(s.platforms))
	for _, p := range s.platforms {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PlatformKey < out[j].PlatformKey })
	return out, nil
}

// Items ---------------------------------------------------------------------
type itemStore struct{ *Store }

func (s itemStore) Create(_ context.Context, item *model.AccessItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.platforms[item.PlatformID]; !ok {
		return apperr.NotFound("platform", item.PlatformID)
	}
	if item.ID == "" {
		item.ID = ids.New()
	}
	now := time.Now().UTC()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	item.UpdatedAt = now
	cp := *item
	cp.AgencyConfig = model.CloneConfig(item.AgencyConfig)
	cp.PAMConfig = item.PAMConfig.Clone()
	s.items[item.ID] = cp
	return nil
}

func (s itemStore) Find(_ context.Context, id string) (model.AccessItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	it, ok := s.items[id]
	if !ok {
		return model.AccessItem{}, apperr.NotFound("access item", id)
	}
	it.AgencyConfig = model.CloneConfig(it.AgencyConfig)
	it.PAMConfig = it.PAMConfig.Clone()
	return it, nil
}

func (s itemStore) ListByPlatform(_ context.Context, platformID string) ([]model.AccessItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []model.AccessItem{}
	for _, it := range s.items {
		if it.PlatformID == platformID {
			out = append(out, it)
		}
	}
	// ULIDs sort by creation time.
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Requests ------------------------------------------------------------------
type requestStore struct{ *Store }

func (s requestStore) Create(_ context.Context, r *model.AccessRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[r.ClientID]; !ok {
		return apperr.NotFound("client", r.ClientID)
	}
	if _, dup := s.tokens[r.Token]; dup {
		return apperr.ErrConflict
	}
	if r.ID == "" {
		r.ID = ids.New()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	for i := range r.Items {
		if r.Items[i].ID == "" {
			r.Items[i].ID = ids.New()
		}
		r.Items[i].AccessRequestID = r.ID
	}
	cp := r.Clone()
	s.requests[r.ID] = &cp
	s.tokens[r.Token] = r.ID
	return nil
}

func (s requestStore) Find(_ context.Context, id string) (model.AccessRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.requests[id]
	if !ok {
		return model.AccessRequest{}, apperr.NotFound("access request", id)
	}
	return r.Clone(), nil
}

func (s requestStore) FindByToken(_ context.Context, token string) (model.AccessRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.tokens[token]
	if !ok {
		return model.AccessRequest{}, apperr.NotFound("access request", token)
	}
	return s.requests[id].Clone(), nil
}

func (s requestStore) UpdateItem(_ context.Context, requestID, itemID string, mutate store.ItemMutation) (model.AccessRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[requestID]
	if !ok {
		return model.AccessRequest{}, apperr.NotFound("access request", requestID)
	}
	cur, ok := r.Item(itemID)
	if !ok {
		return model.AccessRequest{}, apperr.NotFound("access request item", itemID)
	}
	next := cur.Clone()
	if err := mutate(&next); err != nil {
		return model.AccessRequest{}, err
	}
	*cur = next
	return r.Clone(), nil
}

func (s requestStore) MarkCompleted(_ context.Context, requestID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[requestID]
	if !ok {
		return false, apperr.NotFound("access request", requestID)
	}
	if r.CompletedAt != nil {
		return false, nil
	}
	t := at.UTC()
	r.CompletedAt = &t
	return true, nil
}

// Identities ----------------------------------------------------------------
type identityStore struct{ *Store }

func (s identityStore) Create(_ context.Context, ident *model.IntegrationIdentity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ident.ID == "" {
		ident.ID = ids.New()
	}
	if ident.CreatedAt.IsZero() {
		ident.CreatedAt = time.Now().UTC()
	}
	ident.HasSecret = ident.SecretRef != ""
	s.identities[ident.ID] = *ident
	return nil
}

func (s identityStore) Find(_ context.Context, id string) (model.IntegrationIdentity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ident, ok := s.identities[id]
	if !ok {
		return model.IntegrationIdentity{}, apperr.NotFound("integration identity", id)
	}
	return ident, nil
}

func (s identityStore) List(context.Context) ([]model.IntegrationIdentity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.IntegrationIdentity, 0, len(s.identities))
	for _, ident := range s.identities {
		out = append(out, ident)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Sessions ------------------------------------------------------------------
type sessionStore struct{ *Store }

func (s sessionStore) Checkout(_ context.Context, sess *model.PamSession, now time.Time) ([]model.PamSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []model.PamSession
	var active *model.PamSession
	for id, existing := range s.sessions {
		if existing.RequestID != sess.RequestID || existing.ItemID != sess.ItemID || existing.Status != model.SessionActive {
			continue
		}
		if !existing.ExpiresAt.After(now) {
			at := now.UTC()
			existing.Status = model.SessionCheckedIn
			existing.CheckedInAt = &at
			existing.CheckedInBy = model.SystemExpiryActor
			s.sessions[id] = existing
			expired = append(expired, existing)
			continue
		}
		e := existing
		active = &e
	}
	if active != nil {
		return expired, &apperr.ExclusivityViolationError{
			RequestID: sess.RequestID, ItemID: sess.ItemID, ActiveSessionID: active.ID,
		}
	}
	if sess.ID == "" {
		sess.ID = ids.New()
	}
	sess.Status = model.SessionActive
	s.sessions[sess.ID] = *sess
	return expired, nil
}

func (s sessionStore) Find(_ context.Context, id string) (model.PamSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return model.PamSession{}, apperr.NotFound("pam session", id)
	}
	return sess, nil
}

func (s sessionStore) Checkin(_ context.Context, id, by string, at time.Time) (model.PamSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return model.PamSession{}, apperr.NotFound("pam session", id)
	}
	if sess.Status != model.SessionActive {
		return model.PamSession{}, apperr.ErrConflict
	}
	t := at.UTC()
	sess.Status = model.SessionCheckedIn
	sess.CheckedInAt = &t
	sess.CheckedInBy = by
	s.sessions[id] = sess
	return sess, nil
}

func (s sessionStore) ListByRequest(_ context.Context, requestID string) ([]model.PamSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []model.PamSession{}
	for _, sess := range s.sessions {
		if requestID == "" || sess.RequestID == requestID {
			out = append(out, sess)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CheckedOutAt.Before(out[j].CheckedOutAt) })
	return out, nil
}

// Audit ---------------------------------------------------------------------
type auditStore struct{ *Store }

func (s auditStore) Append(_ context.Context, e *model.AuditLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ID == "" {
		e.ID = ids.New()
	}
	cp := *e
	cp.Details = model.CloneConfig(e.Details)
	s.audit = append(s.audit, cp)
	return nil
}

func (s auditStore) List(_ context.Context, f store.AuditFilter) ([]model.AuditLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	limit := store.NormalizeLimit(f.Limit)
	out := []model.AuditLogEntry{}
	// Newest first.
	for i := len(s.audit) - 1; i >= 0 && len(out) < limit; i-- {
		e := s.audit[i]
		if f.RequestID != "" && e.RequestID != f.RequestID {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Connections ---------------------------------------------------------------
type connectionStore struct{ *Store }

func (s connectionStore) Upsert(_ context.Context, c model.PlatformConnection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now().UTC()
	}
	// Providers omit the refresh token on refresh; keep the stored one.
	if prev, ok := s.connections[c.PlatformKey]; ok && c.RefreshTokenRef == "" {
		c.RefreshTokenRef = prev.RefreshTokenRef
	}
	s.connections[c.PlatformKey] = c
	return nil
}

func (s connectionStore) Find(_ context.Context, platformKey string) (model.PlatformConnection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.connections[platformKey]
	if !ok {
		return model.PlatformConnection{}, apperr.NotFound("platform connection", platformKey)
	}
	return c, nil
}

// Evidence ------------------------------------------------------------------
type evidenceStore struct{ *Store }

func (s evidenceStore) Put(_ context.Context, b model.EvidenceBlob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b.Data = append([]byte(nil), b.Data...)
	s.evidence[b.ItemID] = b
	return nil
}

func (s evidenceStore) Find(_ context.Context, itemID string) (model.EvidenceBlob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.evidence[itemID]
	if !ok {
		return model.EvidenceBlob{}, apperr.NotFound("evidence", itemID)
	}
	return b, nil
}
