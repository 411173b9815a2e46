package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tgrange/bastion/internal/models"
)

// MemoryStore is an in-memory CredentialStore for single-process deployments
// and tests. All maps are guarded by a single RWMutex; reads return copies so
// callers never alias internal state.
type MemoryStore struct {
	mu         sync.RWMutex
	principals map[string]*models.Principal // by id
	byEmail    map[string]string            // lowercase email -> id
	history    map[string][]*models.LoginHistoryEntry
	devices    map[string]map[string]*models.DeviceRecord // principal id -> fingerprint -> record
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		principals: make(map[string]*models.Principal),
		byEmail:    make(map[string]string),
		history:    make(map[string][]*models.LoginHistoryEntry),
		devices:    make(map[string]map[string]*models.DeviceRecord),
	}
}

// Create inserts a principal, assigning an id when absent.
func (s *MemoryStore) Create(ctx context.Context, p *models.Principal) (*models.Principal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	email := strings.ToLower(p.Email)
	if _, exists := s.byEmail[email]; exists {
		return nil, models.ErrConflict
	}

	cp := clonePrincipal(p)
	if cp.ID == "" {
		cp.ID = uuid.New().String()
	}
	cp.Email = email
	now := time.Now()
	cp.CreatedAt = now
	cp.UpdatedAt = now

	s.principals[cp.ID] = cp
	s.byEmail[email] = cp.ID
	return clonePrincipal(cp), nil
}

// FindByEmail looks up a principal by case-normalized email.
func (s *MemoryStore) FindByEmail(ctx context.Context, email string) (*models.Principal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byEmail[strings.ToLower(email)]
	if !ok {
		return nil, models.ErrNotFound
	}
	return clonePrincipal(s.principals[id]), nil
}

// FindByID looks up a principal by id.
func (s *MemoryStore) FindByID(ctx context.Context, id string) (*models.Principal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.principals[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return clonePrincipal(p), nil
}

// FindByRefreshTokenHash reverse-maps a refresh token hash to its owner.
func (s *MemoryStore) FindByRefreshTokenHash(ctx context.Context, hash string) (*models.Principal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.principals {
		if p.RefreshTokenHash != "" && p.RefreshTokenHash == hash {
			return clonePrincipal(p), nil
		}
	}
	return nil, models.ErrNotFound
}

// FindByAPIKeyHash reverse-maps an API key hash to its owner.
func (s *MemoryStore) FindByAPIKeyHash(ctx context.Context, hash string) (*models.Principal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.principals {
		if p.APIKeyHash != "" && p.APIKeyHash == hash {
			return clonePrincipal(p), nil
		}
	}
	return nil, models.ErrNotFound
}

// Update applies a partial update to a principal.
func (s *MemoryStore) Update(ctx context.Context, id string, patch PrincipalPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.principals[id]
	if !ok {
		return models.ErrNotFound
	}

	if patch.IsActive != nil {
		p.IsActive = *patch.IsActive
	}
	if patch.FailedLoginAttempts != nil {
		p.FailedLoginAttempts = *patch.FailedLoginAttempts
	}
	if patch.LockedUntil != nil {
		t := *patch.LockedUntil
		p.LockedUntil = &t
	}
	if patch.ClearLockedUntil {
		p.LockedUntil = nil
	}
	if patch.TwoFactorStatus != nil {
		p.TwoFactorStatus = *patch.TwoFactorStatus
	}
	if patch.TwoFactorSecret != nil {
		p.TwoFactorSecret = *patch.TwoFactorSecret
	}
	if patch.ClearTwoFactorSecret {
		p.TwoFactorSecret = ""
	}
	if patch.BackupCodes != nil {
		p.BackupCodes = cloneBackupCodes(*patch.BackupCodes)
	}
	if patch.RefreshTokenHash != nil {
		p.RefreshTokenHash = *patch.RefreshTokenHash
	}
	if patch.RefreshTokenExpiresAt != nil {
		t := *patch.RefreshTokenExpiresAt
		p.RefreshTokenExpiresAt = &t
	}
	if patch.ClearRefreshToken {
		p.RefreshTokenHash = ""
		p.RefreshTokenExpiresAt = nil
	}
	if patch.APIKeyHash != nil {
		p.APIKeyHash = *patch.APIKeyHash
	}
	if patch.APIKeyCreatedAt != nil {
		t := *patch.APIKeyCreatedAt
		p.APIKeyCreatedAt = &t
	}
	if patch.APIKeyLastUsed != nil {
		t := *patch.APIKeyLastUsed
		p.APIKeyLastUsed = &t
	}
	if patch.ClearAPIKey {
		p.APIKeyHash = ""
		p.APIKeyCreatedAt = nil
		p.APIKeyLastUsed = nil
	}

	p.UpdatedAt = time.Now()
	return nil
}

// AppendLoginHistory records a completed login attempt.
func (s *MemoryStore) AppendLoginHistory(ctx context.Context, entry *models.LoginHistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := *entry
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	s.history[e.PrincipalID] = append(s.history[e.PrincipalID], &e)
	return nil
}

// UpsertDevice creates a device record on first sighting of a fingerprint and
// bumps LastSeen on repeats.
func (s *MemoryStore) UpsertDevice(ctx context.Context, principalID, fingerprint, userAgent string, seenAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byFingerprint, ok := s.devices[principalID]
	if !ok {
		byFingerprint = make(map[string]*models.DeviceRecord)
		s.devices[principalID] = byFingerprint
	}

	if rec, ok := byFingerprint[fingerprint]; ok {
		rec.LastSeen = seenAt
		rec.UserAgent = userAgent
		return nil
	}

	byFingerprint[fingerprint] = &models.DeviceRecord{
		PrincipalID: principalID,
		Fingerprint: fingerprint,
		UserAgent:   userAgent,
		FirstSeen:   seenAt,
		LastSeen:    seenAt,
		Trusted:     false,
	}
	return nil
}

// GetRecentSuccessfulLogins returns up to limit successful entries since the
// given time, most recent first. The filter runs before the limit so failed
// attempts cannot displace successes out of the window.
func (s *MemoryStore) GetRecentSuccessfulLogins(ctx context.Context, principalID string, since time.Time, limit int) ([]*models.LoginHistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]*models.LoginHistoryEntry, 0, limit)
	for _, e := range s.history[principalID] {
		if !e.Success || e.Timestamp.Before(since) {
			continue
		}
		cp := *e
		entries = append(entries, &cp)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Timestamp.After(entries[j].Timestamp)
	})
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// History returns copies of every recorded attempt for a principal, for tests
// and tooling.
func (s *MemoryStore) History(principalID string) []*models.LoginHistoryEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.LoginHistoryEntry, 0, len(s.history[principalID]))
	for _, e := range s.history[principalID] {
		cp := *e
		out = append(out, &cp)
	}
	return out
}

// Device returns the device record for a fingerprint, for tests and tooling.
func (s *MemoryStore) Device(principalID, fingerprint string) (*models.DeviceRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.devices[principalID][fingerprint]
	if !ok {
		return nil, false
	}
	cp := *rec
	return &cp, true
}

func clonePrincipal(p *models.Principal) *models.Principal {
	cp := *p
	if p.LockedUntil != nil {
		t := *p.LockedUntil
		cp.LockedUntil = &t
	}
	if p.RefreshTokenExpiresAt != nil {
		t := *p.RefreshTokenExpiresAt
		cp.RefreshTokenExpiresAt = &t
	}
	if p.APIKeyCreatedAt != nil {
		t := *p.APIKeyCreatedAt
		cp.APIKeyCreatedAt = &t
	}
	if p.APIKeyLastUsed != nil {
		t := *p.APIKeyLastUsed
		cp.APIKeyLastUsed = &t
	}
	cp.Permissions = append([]string(nil), p.Permissions...)
	cp.BackupCodes = cloneBackupCodes(p.BackupCodes)
	return &cp
}

func cloneBackupCodes(codes []models.BackupCodeEntry) []models.BackupCodeEntry {
	if codes == nil {
		return nil
	}
	out := make([]models.BackupCodeEntry, len(codes))
	for i, c := range codes {
		out[i] = c
		if c.UsedAt != nil {
			t := *c.UsedAt
			out[i].UsedAt = &t
		}
	}
	return out
}
