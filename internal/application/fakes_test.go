package application_test

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/voicegrid/licensing-service/internal/domain"
	"github.com/voicegrid/licensing-service/internal/ports"
)

type fakeLicenses struct {
	mu   sync.Mutex
	rows map[uuid.UUID]domain.LicenseRecord
}

func newFakeLicenses() *fakeLicenses {
	return &fakeLicenses{rows: map[uuid.UUID]domain.LicenseRecord{}}
}

func (f *fakeLicenses) FindCurrent(_ context.Context, fingerprint string) (domain.LicenseRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var best domain.LicenseRecord
	found := false
	for _, rec := range f.rows {
		if rec.ServerFingerprint != fingerprint || !rec.Usable() {
			continue
		}
		if !found || rec.LastSync.After(best.LastSync) {
			best = rec
			found = true
		}
	}
	if !found {
		return domain.LicenseRecord{}, domain.ErrNotFound
	}
	return best, nil
}

func (f *fakeLicenses) FindLatestUsable(_ context.Context) (domain.LicenseRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var best domain.LicenseRecord
	found := false
	for _, rec := range f.rows {
		if !rec.Usable() {
			continue
		}
		if !found || rec.LastSync.After(best.LastSync) {
			best = rec
			found = true
		}
	}
	if !found {
		return domain.LicenseRecord{}, domain.ErrNotFound
	}
	return best, nil
}

func (f *fakeLicenses) FindLatestWithinGrace(_ context.Context, cutoff time.Time) (domain.LicenseRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var best domain.LicenseRecord
	found := false
	for _, rec := range f.rows {
		if !rec.LastSync.After(cutoff) {
			continue
		}
		if !found || rec.LastSync.After(best.LastSync) {
			best = rec
			found = true
		}
	}
	if !found {
		return domain.LicenseRecord{}, domain.ErrNotFound
	}
	return best, nil
}

func (f *fakeLicenses) UpsertByMasterID(_ context.Context, rec domain.LicenseRecord) (domain.LicenseRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, existing := range f.rows {
		if existing.MasterLicenseID == rec.MasterLicenseID {
			rec.ID = id
			f.rows[id] = rec
			return rec, nil
		}
	}
	rec.ID = uuid.New()
	f.rows[rec.ID] = rec
	return rec, nil
}

func (f *fakeLicenses) InvalidateOthers(_ context.Context, fingerprint, keepMasterID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, rec := range f.rows {
		if rec.ServerFingerprint == fingerprint && rec.MasterLicenseID != keepMasterID {
			rec.SyncStatus = domain.SyncFailed
			rec.Status = domain.LicenseInvalid
			f.rows[id] = rec
		}
	}
	return nil
}

func (f *fakeLicenses) SetSyncStatus(_ context.Context, id uuid.UUID, status domain.SyncStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.rows[id]
	if !ok {
		return domain.ErrNotFound
	}
	rec.SyncStatus = status
	f.rows[id] = rec
	return nil
}

func (f *fakeLicenses) MarkStaleAsFailed(_ context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for id, rec := range f.rows {
		if rec.SyncStatus == domain.SyncStale && rec.LastSync.Before(cutoff) {
			rec.SyncStatus = domain.SyncFailed
			f.rows[id] = rec
			n++
		}
	}
	return n, nil
}

func (f *fakeLicenses) DeleteFailedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for id, rec := range f.rows {
		if rec.SyncStatus == domain.SyncFailed && rec.LastSync.Before(cutoff) {
			delete(f.rows, id)
			n++
		}
	}
	return n, nil
}

func (f *fakeLicenses) GetByID(_ context.Context, id uuid.UUID) (domain.LicenseRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.rows[id]
	if !ok {
		return domain.LicenseRecord{}, domain.ErrNotFound
	}
	return rec, nil
}

func (f *fakeLicenses) seed(rec domain.LicenseRecord) domain.LicenseRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	f.rows[rec.ID] = rec
	return rec
}

type fakeSessions struct {
	mu   sync.Mutex
	rows map[uuid.UUID]domain.SessionRecord
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{rows: map[uuid.UUID]domain.SessionRecord{}}
}

func (f *fakeSessions) Create(_ context.Context, params ports.SessionCreateParams) (domain.SessionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.rows[params.SessionID]; ok {
		return domain.SessionRecord{}, domain.ErrConflict
	}
	hb := params.CreatedAt
	rec := domain.SessionRecord{
		SessionID:         params.SessionID,
		SessionToken:      params.SessionToken,
		UserID:            params.UserID,
		Username:          params.Username,
		Feature:           params.Feature,
		LicenseID:         params.LicenseID,
		MasterLicenseID:   params.MasterLicenseID,
		ClientFingerprint: params.ClientFingerprint,
		IPAddress:         params.IPAddress,
		UserAgent:         params.UserAgent,
		Status:            domain.SessionActive,
		LastHeartbeat:     &hb,
		ExpiresAt:         params.ExpiresAt,
		CreatedAt:         params.CreatedAt,
	}
	f.rows[params.SessionID] = rec
	return rec, nil
}

func (f *fakeSessions) GetByID(_ context.Context, sessionID uuid.UUID) (domain.SessionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.rows[sessionID]
	if !ok {
		return domain.SessionRecord{}, domain.ErrNotFound
	}
	return rec, nil
}

func (f *fakeSessions) FindActive(_ context.Context, userID string, feature domain.Feature) (domain.SessionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, rec := range f.rows {
		if rec.UserID == userID && rec.Feature == feature && rec.Status == domain.SessionActive {
			return rec, nil
		}
	}
	return domain.SessionRecord{}, domain.ErrNotFound
}

func (f *fakeSessions) ListActiveByUsername(_ context.Context, username string) ([]domain.SessionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.SessionRecord
	for _, rec := range f.rows {
		if rec.Username == username && rec.Status == domain.SessionActive {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (f *fakeSessions) CountActive(_ context.Context, licenseID uuid.UUID, feature domain.Feature) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, rec := range f.rows {
		if rec.LicenseID == licenseID && rec.Feature == feature && rec.Status == domain.SessionActive {
			n++
		}
	}
	return n, nil
}

func (f *fakeSessions) TouchHeartbeat(_ context.Context, sessionID uuid.UUID, at time.Time, expiresAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.rows[sessionID]
	if !ok || rec.Status != domain.SessionActive {
		return nil
	}
	hb := at
	rec.LastHeartbeat = &hb
	rec.ExpiresAt = expiresAt
	f.rows[sessionID] = rec
	return nil
}

func (f *fakeSessions) End(_ context.Context, sessionID uuid.UUID, status domain.SessionStatus, endedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.rows[sessionID]
	if !ok || rec.Status != domain.SessionActive {
		return nil
	}
	rec.Status = status
	ea := endedAt
	rec.EndedAt = &ea
	f.rows[sessionID] = rec
	return nil
}

func (f *fakeSessions) ExistsActive(_ context.Context, sessionID uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.rows[sessionID]
	return ok && rec.Status == domain.SessionActive, nil
}

func (f *fakeSessions) DeleteOrphaned(_ context.Context) (int64, error) {
	return 0, nil
}

func (f *fakeSessions) ExpireStale(_ context.Context, absoluteCutoff, heartbeatCutoff, startupCutoff, endedAt time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for id, rec := range f.rows {
		if rec.Status != domain.SessionActive {
			continue
		}
		stale := rec.CreatedAt.Before(absoluteCutoff) ||
			(rec.LastHeartbeat != nil && rec.LastHeartbeat.Before(heartbeatCutoff)) ||
			(rec.LastHeartbeat == nil && rec.CreatedAt.Before(startupCutoff))
		if !stale {
			continue
		}
		rec.Status = domain.SessionExpired
		ea := endedAt
		rec.EndedAt = &ea
		f.rows[id] = rec
		n++
	}
	return n, nil
}

func (f *fakeSessions) Ping(_ context.Context) error { return nil }

func (f *fakeSessions) setHeartbeat(sessionID uuid.UUID, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec := f.rows[sessionID]
	hb := at
	rec.LastHeartbeat = &hb
	f.rows[sessionID] = rec
}

type fakeFingerprintChanges struct {
	mu   sync.Mutex
	rows []domain.FingerprintChangeRecord
}

func (f *fakeFingerprintChanges) Insert(_ context.Context, rec domain.FingerprintChangeRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec.ID = uuid.New()
	f.rows = append(f.rows, rec)
	return nil
}

func (f *fakeFingerprintChanges) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows)
}

func (f *fakeFingerprintChanges) ListByLicense(_ context.Context, licenseID uuid.UUID) ([]domain.FingerprintChangeRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.FingerprintChangeRecord
	for _, rec := range f.rows {
		if rec.LicenseID == licenseID {
			out = append(out, rec)
		}
	}
	return out, nil
}

// fakeCache mirrors the semantics of the Redis adapter: an atomic counter per
// (license, feature), a per-(user, feature) index and a hash per session.
type fakeCache struct {
	mu       sync.Mutex
	down     bool
	entries  map[uuid.UUID]ports.CachedSession
	index    map[string]uuid.UUID
	counters map[string]int
}

func newFakeCache() *fakeCache {
	return &fakeCache{
		entries:  map[uuid.UUID]ports.CachedSession{},
		index:    map[string]uuid.UUID{},
		counters: map[string]int{},
	}
}

func userKey(userID string, feature domain.Feature) string {
	return userID + "|" + string(feature)
}

func counterKey(licenseID uuid.UUID, feature domain.Feature) string {
	return licenseID.String() + "|" + string(feature)
}

func (f *fakeCache) Admit(_ context.Context, entry ports.CachedSession, quota int, _ time.Duration) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return 0, domain.ErrStoreUnavailable
	}
	key := counterKey(entry.LicenseID, entry.Feature)
	f.counters[key]++
	if f.counters[key] > quota {
		f.counters[key]--
		return f.counters[key], fmt.Errorf("%w: quota %d", domain.ErrLimitExceeded, quota)
	}
	f.entries[entry.SessionID] = entry
	f.index[userKey(entry.UserID, entry.Feature)] = entry.SessionID
	return f.counters[key], nil
}

func (f *fakeCache) ActiveSession(_ context.Context, userID string, feature domain.Feature) (*ports.CachedSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return nil, domain.ErrStoreUnavailable
	}
	id, ok := f.index[userKey(userID, feature)]
	if !ok {
		return nil, nil
	}
	entry, ok := f.entries[id]
	if !ok {
		delete(f.index, userKey(userID, feature))
		return nil, nil
	}
	out := entry
	return &out, nil
}

func (f *fakeCache) Heartbeat(_ context.Context, sessionID uuid.UUID, at time.Time, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return domain.ErrStoreUnavailable
	}
	entry, ok := f.entries[sessionID]
	if !ok {
		return nil
	}
	entry.LastHeartbeat = at
	f.entries[sessionID] = entry
	return nil
}

func (f *fakeCache) Remove(_ context.Context, sessionID uuid.UUID, userID string, feature domain.Feature, licenseID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return domain.ErrStoreUnavailable
	}
	if _, ok := f.entries[sessionID]; !ok {
		return nil
	}
	delete(f.entries, sessionID)
	if f.index[userKey(userID, feature)] == sessionID {
		delete(f.index, userKey(userID, feature))
	}
	key := counterKey(licenseID, feature)
	if f.counters[key] > 0 {
		f.counters[key]--
	}
	return nil
}

func (f *fakeCache) Count(_ context.Context, licenseID uuid.UUID, feature domain.Feature) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return 0, domain.ErrStoreUnavailable
	}
	return f.counters[counterKey(licenseID, feature)], nil
}

func (f *fakeCache) ScanSessionIDs(_ context.Context) ([]uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return nil, domain.ErrStoreUnavailable
	}
	out := make([]uuid.UUID, 0, len(f.entries))
	for id := range f.entries {
		out = append(out, id)
	}
	return out, nil
}

func (f *fakeCache) Session(_ context.Context, sessionID uuid.UUID) (*ports.CachedSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return nil, domain.ErrStoreUnavailable
	}
	entry, ok := f.entries[sessionID]
	if !ok {
		return nil, nil
	}
	out := entry
	return &out, nil
}

func (f *fakeCache) ScanCounters(_ context.Context) ([]ports.CounterRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return nil, domain.ErrStoreUnavailable
	}
	refs := make([]ports.CounterRef, 0, len(f.counters))
	for key := range f.counters {
		parts := strings.SplitN(key, "|", 2)
		refs = append(refs, ports.CounterRef{
			LicenseID: uuid.MustParse(parts[0]),
			Feature:   domain.Feature(parts[1]),
		})
	}
	return refs, nil
}

func (f *fakeCache) SetCount(_ context.Context, ref ports.CounterRef, total int, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return domain.ErrStoreUnavailable
	}
	key := counterKey(ref.LicenseID, ref.Feature)
	if total <= 0 {
		delete(f.counters, key)
		return nil
	}
	f.counters[key] = total
	return nil
}

func (f *fakeCache) Ping(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return domain.ErrStoreUnavailable
	}
	return nil
}

func (f *fakeCache) setDown(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = down
}

func (f *fakeCache) inject(entry ports.CachedSession) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[entry.SessionID] = entry
	f.index[userKey(entry.UserID, entry.Feature)] = entry.SessionID
	f.counters[counterKey(entry.LicenseID, entry.Feature)]++
}

func (f *fakeCache) setCounter(licenseID uuid.UUID, feature domain.Feature, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counters[counterKey(licenseID, feature)] = n
}

func (f *fakeCache) counter(licenseID uuid.UUID, feature domain.Feature) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counters[counterKey(licenseID, feature)]
}

func (f *fakeCache) has(sessionID uuid.UUID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.entries[sessionID]
	return ok
}

type fakeMaster struct {
	mu       sync.Mutex
	license  ports.MasterLicense
	errs     []error
	fetches  int
	activity []ports.SessionActivity
}

func (f *fakeMaster) FetchLicense(_ context.Context, _ string) (ports.MasterLicense, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return ports.MasterLicense{}, err
	}
	return f.license, nil
}

func (f *fakeMaster) NotifySessionActivity(_ context.Context, activity ports.SessionActivity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activity = append(f.activity, activity)
	return nil
}

func (f *fakeMaster) failWith(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs = errs
}

func (f *fakeMaster) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

func (f *fakeMaster) activities() []ports.SessionActivity {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ports.SessionActivity, len(f.activity))
	copy(out, f.activity)
	return out
}

type fakeFingerprint struct {
	mu sync.Mutex
	fp string
}

func (f *fakeFingerprint) Current() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fp, nil
}

func (f *fakeFingerprint) set(fp string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fp = fp
}

type fakeSigner struct {
	mu     sync.Mutex
	tokens map[string]ports.SessionClaims
}

func newFakeSigner() *fakeSigner {
	return &fakeSigner{tokens: map[string]ports.SessionClaims{}}
}

func (f *fakeSigner) Sign(claims ports.SessionClaims) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	token := "token-" + claims.SessionID.String()
	f.tokens[token] = claims
	return token, nil
}

func (f *fakeSigner) ParseAndValidate(token string) (ports.SessionClaims, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	claims, ok := f.tokens[token]
	if !ok {
		return ports.SessionClaims{}, domain.ErrUnauthorized
	}
	return claims, nil
}
