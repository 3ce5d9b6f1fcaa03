package application_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/voicegrid/licensing-service/internal/application"
	"github.com/voicegrid/licensing-service/internal/domain"
	"github.com/voicegrid/licensing-service/internal/ports"
)

type fixture struct {
	service  *application.Service
	licenses *fakeLicenses
	sessions *fakeSessions
	prints   *fakeFingerprintChanges
	cache    *fakeCache
	master   *fakeMaster
	host     *fakeFingerprint
	signer   *fakeSigner
}

func defaultTestConfig() application.Config {
	return application.Config{
		LicenseTTL:             time.Hour,
		LicenseGracePeriod:     72 * time.Hour,
		FailedLicenseRetention: 24 * time.Hour,
		FetchRetries:           0,
		FetchRetryDelay:        time.Millisecond,
		OfflineMaxUsers:        3,
		SessionTTL:             2 * time.Hour,
		TokenTTL:               24 * time.Hour,
		HeartbeatWindow:        45 * time.Minute,
		SessionAbsoluteCeiling: 24 * time.Hour,
		StartupGrace:           15 * time.Minute,
	}
}

func newFixture() *fixture {
	return newFixtureWithConfig(defaultTestConfig())
}

func newFixtureWithConfig(cfg application.Config) *fixture {
	licenses := newFakeLicenses()
	sessions := newFakeSessions()
	prints := &fakeFingerprintChanges{}
	cache := newFakeCache()
	master := &fakeMaster{license: masterLicense()}
	host := &fakeFingerprint{fp: "fp-1"}
	signer := newFakeSigner()

	svc := application.NewService(application.Dependencies{
		Config:       cfg,
		Licenses:     licenses,
		Sessions:     sessions,
		Fingerprints: prints,
		Cache:        cache,
		Master:       master,
		Fingerprint:  host,
		TokenSigner:  signer,
	})

	return &fixture{
		service:  svc,
		licenses: licenses,
		sessions: sessions,
		prints:   prints,
		cache:    cache,
		master:   master,
		host:     host,
		signer:   signer,
	}
}

func masterLicense() ports.MasterLicense {
	now := time.Now().UTC()
	return ports.MasterLicense{
		MasterLicenseID:  "ml-1",
		LicenseKey:       "key-1",
		OrganizationName: "Acme Telecom",
		Status:           domain.LicenseActive,
		MaxUsers:         5,
		MaxWebphoneUsers: 2,
		IssuedAt:         now.Add(-24 * time.Hour),
		ExpiresAt:        now.Add(24 * time.Hour),
		Features: domain.FeatureSet{
			domain.FeatureWebphone:  true,
			domain.FeatureVoicemail: true,
			domain.FeatureRecording: true,
		},
		LicenseTypeName: "professional",
	}
}

func createRequest(userID, fingerprint, feature string) application.CreateRequest {
	return application.CreateRequest{
		UserID:            userID,
		Username:          userID,
		Feature:           feature,
		ClientFingerprint: fingerprint,
		IPAddress:         "10.0.0.1",
		UserAgent:         "unit-test",
	}
}

func TestCreateAdmitsAndIssuesToken(t *testing.T) {
	t.Parallel()

	f := newFixture()
	ctx := context.Background()

	resp, err := f.service.Create(ctx, createRequest("alice", "dev-1", "webphone"))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if resp.SessionToken == "" {
		t.Fatalf("expected session token")
	}
	if resp.MaxUsers != 2 || resp.CurrentUsers != 1 {
		t.Fatalf("unexpected quota report: max=%d current=%d", resp.MaxUsers, resp.CurrentUsers)
	}

	sid, err := uuid.Parse(resp.SessionID)
	if err != nil {
		t.Fatalf("invalid session id: %v", err)
	}
	rec, err := f.sessions.GetByID(ctx, sid)
	if err != nil {
		t.Fatalf("expected durable session row: %v", err)
	}
	if rec.Status != domain.SessionActive || rec.MasterLicenseID != "ml-1" {
		t.Fatalf("unexpected durable row: %+v", rec)
	}
	if !f.cache.has(sid) {
		t.Fatalf("expected cache entry for admitted session")
	}
}

func TestCreateRejectsAtQuota(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.master.license.MaxWebphoneUsers = 1
	ctx := context.Background()

	if _, err := f.service.Create(ctx, createRequest("alice", "dev-1", "webphone")); err != nil {
		t.Fatalf("first create failed: %v", err)
	}

	_, err := f.service.Create(ctx, createRequest("bob", "dev-2", "webphone"))
	if !errors.Is(err, domain.ErrLimitExceeded) {
		t.Fatalf("expected limit exceeded, got %v", err)
	}
	var limitErr *application.LimitError
	if !errors.As(err, &limitErr) {
		t.Fatalf("expected LimitError, got %T", err)
	}
	if limitErr.MaxUsers != 1 || limitErr.CurrentUsers != 1 {
		t.Fatalf("unexpected limit report: %+v", limitErr)
	}
}

func TestCreateSecondDeviceDisplacesFirst(t *testing.T) {
	t.Parallel()

	f := newFixture()
	ctx := context.Background()

	first, err := f.service.Create(ctx, createRequest("alice", "dev-1", "webphone"))
	if err != nil {
		t.Fatalf("first create failed: %v", err)
	}
	second, err := f.service.Create(ctx, createRequest("alice", "dev-2", "webphone"))
	if err != nil {
		t.Fatalf("second create failed: %v", err)
	}
	if second.SessionID == first.SessionID {
		t.Fatalf("expected a fresh session id")
	}

	oldID := uuid.MustParse(first.SessionID)
	if f.cache.has(oldID) {
		t.Fatalf("displaced session should be gone from cache")
	}
	rec, err := f.sessions.GetByID(ctx, oldID)
	if err != nil {
		t.Fatalf("displaced session row missing: %v", err)
	}
	if rec.Status != domain.SessionDisconnected {
		t.Fatalf("displaced session should be disconnected, got %s", rec.Status)
	}

	lic, _ := f.licenses.FindCurrent(ctx, "fp-1")
	if got := f.cache.counter(lic.ID, domain.FeatureWebphone); got != 1 {
		t.Fatalf("counter should stay at 1 after displacement, got %d", got)
	}
}

func TestCreateSameDeviceConflicts(t *testing.T) {
	t.Parallel()

	f := newFixture()
	ctx := context.Background()

	if _, err := f.service.Create(ctx, createRequest("alice", "dev-1", "webphone")); err != nil {
		t.Fatalf("first create failed: %v", err)
	}
	if _, err := f.service.Create(ctx, createRequest("alice", "dev-1", "webphone")); !errors.Is(err, domain.ErrSessionConflict) {
		t.Fatalf("expected session conflict, got %v", err)
	}
}

func TestValidateLifecycle(t *testing.T) {
	t.Parallel()

	f := newFixture()
	ctx := context.Background()

	resp, err := f.service.Validate(ctx, application.ValidateRequest(createRequest("alice", "dev-1", "webphone")))
	if err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	if resp.Status != application.StatusReadyToCreate {
		t.Fatalf("expected READY_TO_CREATE, got %s", resp.Status)
	}

	created, err := f.service.Create(ctx, createRequest("alice", "dev-1", "webphone"))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	resp, err = f.service.Validate(ctx, application.ValidateRequest(createRequest("alice", "dev-1", "webphone")))
	if err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	if resp.Status != application.StatusValid {
		t.Fatalf("expected VALID for same device, got %s", resp.Status)
	}
	if resp.Session == nil || resp.Session.SessionID != created.SessionID {
		t.Fatalf("expected existing session in response")
	}

	resp, err = f.service.Validate(ctx, application.ValidateRequest(createRequest("alice", "dev-2", "webphone")))
	if err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	if resp.Status != application.StatusReadyToCreate {
		t.Fatalf("expected READY_TO_CREATE after eviction, got %s", resp.Status)
	}
	if resp.ReplacedSessionID != created.SessionID {
		t.Fatalf("expected evicted session id in response")
	}
	if f.cache.has(uuid.MustParse(created.SessionID)) {
		t.Fatalf("evicted session should be gone from cache")
	}
}

func TestCreateRejectsDisabledFeatureAndInactiveLicense(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.master.license.Features[domain.FeatureConferencing] = false
	ctx := context.Background()

	if _, err := f.service.Create(ctx, createRequest("alice", "dev-1", "conferencing")); !errors.Is(err, domain.ErrFeatureDisabled) {
		t.Fatalf("expected feature disabled, got %v", err)
	}

	g := newFixture()
	g.master.license.Status = domain.LicenseSuspended
	if _, err := g.service.Create(ctx, createRequest("alice", "dev-1", "webphone")); !errors.Is(err, domain.ErrLicenseInactive) {
		t.Fatalf("expected inactive license, got %v", err)
	}
}

func TestCreateRejectsUnknownFeature(t *testing.T) {
	t.Parallel()

	f := newFixture()
	if _, err := f.service.Create(context.Background(), createRequest("alice", "dev-1", "fax")); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestOfflineFallbackWhenMasterNeverAnswered(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.master.failWith(errors.New("license not found"))
	ctx := context.Background()

	resp, err := f.service.Create(ctx, createRequest("alice", "dev-1", "voicemail"))
	if err != nil {
		t.Fatalf("create on offline license failed: %v", err)
	}
	if resp.MaxUsers != 3 {
		t.Fatalf("offline license should cap at 3 users, got %d", resp.MaxUsers)
	}

	lic, err := f.licenses.FindCurrent(ctx, "fp-1")
	if err != nil {
		t.Fatalf("offline license should be persisted: %v", err)
	}
	if !lic.IsOffline() {
		t.Fatalf("expected offline license, got master id %s", lic.MasterLicenseID)
	}

	if _, err := f.service.Create(ctx, createRequest("bob", "dev-2", "webphone")); !errors.Is(err, domain.ErrFeatureDisabled) {
		t.Fatalf("offline license must not grant webphone, got %v", err)
	}
}

func TestServeStaleWithinGrace(t *testing.T) {
	t.Parallel()

	f := newFixture()
	now := time.Now().UTC()
	seeded := f.licenses.seed(domain.LicenseRecord{
		MasterLicenseID:   "ml-1",
		ServerFingerprint: "fp-1",
		OrganizationName:  "Acme Telecom",
		Status:            domain.LicenseActive,
		MaxUsers:          5,
		MaxWebphoneUsers:  2,
		IssuedAt:          now.Add(-48 * time.Hour),
		ExpiresAt:         now.Add(24 * time.Hour),
		Features:          domain.FeatureSet{domain.FeatureWebphone: true},
		LastSync:          now.Add(-2 * time.Hour),
		SyncStatus:        domain.SyncSynced,
	})
	f.master.failWith(&ports.RetryableError{Err: errors.New("master unreachable")})

	rec, err := f.service.GetCurrentLicense(context.Background())
	if err != nil {
		t.Fatalf("expected stale license to be served: %v", err)
	}
	if rec.ID != seeded.ID {
		t.Fatalf("expected the seeded license")
	}
	if rec.SyncStatus != domain.SyncStale {
		t.Fatalf("expected stale marker, got %s", rec.SyncStatus)
	}
}

func TestGraceFallbackWhenFetchFails(t *testing.T) {
	t.Parallel()

	f := newFixture()
	now := time.Now().UTC()
	f.licenses.seed(domain.LicenseRecord{
		MasterLicenseID:   "ml-1",
		ServerFingerprint: "fp-1",
		Status:            domain.LicenseActive,
		MaxUsers:          5,
		ExpiresAt:         now.Add(24 * time.Hour),
		Features:          domain.FeatureSet{domain.FeatureVoicemail: true},
		LastSync:          now.Add(-2 * time.Hour),
		SyncStatus:        domain.SyncFailed,
	})
	f.master.failWith(&ports.RetryableError{Err: errors.New("master unreachable")})

	rec, err := f.service.GetCurrentLicense(context.Background())
	if err != nil {
		t.Fatalf("expected grace fallback: %v", err)
	}
	if rec.MasterLicenseID != "ml-1" {
		t.Fatalf("expected last known license, got %s", rec.MasterLicenseID)
	}
}

func TestSyncRetriesOnRetryableError(t *testing.T) {
	t.Parallel()

	cfg := defaultTestConfig()
	cfg.FetchRetries = 2
	f := newFixtureWithConfig(cfg)
	f.master.failWith(&ports.RetryableError{Err: errors.New("timeout")})

	rec, err := f.service.SyncFromMaster(context.Background())
	if err != nil {
		t.Fatalf("expected retry to succeed: %v", err)
	}
	if rec.MasterLicenseID != "ml-1" || rec.SyncStatus != domain.SyncSynced {
		t.Fatalf("unexpected synced record: %+v", rec)
	}
	if got := f.master.fetchCount(); got != 2 {
		t.Fatalf("expected 2 fetch attempts, got %d", got)
	}
}

func TestSyncDoesNotRetryPermanentError(t *testing.T) {
	t.Parallel()

	cfg := defaultTestConfig()
	cfg.FetchRetries = 3
	f := newFixtureWithConfig(cfg)
	f.master.failWith(errors.New("fingerprint not registered"))

	if _, err := f.service.SyncFromMaster(context.Background()); err == nil {
		t.Fatalf("expected fetch error")
	}
	if got := f.master.fetchCount(); got != 1 {
		t.Fatalf("permanent errors must not retry, got %d attempts", got)
	}
}

func TestFingerprintDriftAudited(t *testing.T) {
	t.Parallel()

	f := newFixture()
	now := time.Now().UTC()
	f.licenses.seed(domain.LicenseRecord{
		MasterLicenseID:   "ml-0",
		ServerFingerprint: "fp-old",
		Status:            domain.LicenseActive,
		MaxUsers:          5,
		ExpiresAt:         now.Add(24 * time.Hour),
		Features:          domain.FeatureSet{domain.FeatureVoicemail: true},
		LastSync:          now.Add(-10 * time.Minute),
		SyncStatus:        domain.SyncSynced,
	})

	rec, err := f.service.GetCurrentLicense(context.Background())
	if err != nil {
		t.Fatalf("expected fresh fetch after drift: %v", err)
	}
	if rec.ServerFingerprint != "fp-1" {
		t.Fatalf("expected license bound to current fingerprint, got %s", rec.ServerFingerprint)
	}
	if got := f.prints.count(); got != 1 {
		t.Fatalf("expected one fingerprint audit record, got %d", got)
	}
}

func TestEndIsIdempotent(t *testing.T) {
	t.Parallel()

	f := newFixture()
	ctx := context.Background()

	resp, err := f.service.Create(ctx, createRequest("alice", "dev-1", "webphone"))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	lic, _ := f.licenses.FindCurrent(ctx, "fp-1")

	if err := f.service.End(ctx, resp.SessionID); err != nil {
		t.Fatalf("end failed: %v", err)
	}
	if got := f.cache.counter(lic.ID, domain.FeatureWebphone); got != 0 {
		t.Fatalf("counter should be released, got %d", got)
	}
	if err := f.service.End(ctx, resp.SessionID); err != nil {
		t.Fatalf("second end should be silent: %v", err)
	}
	if got := f.cache.counter(lic.ID, domain.FeatureWebphone); got != 0 {
		t.Fatalf("counter must not go negative, got %d", got)
	}
	if err := f.service.End(ctx, uuid.NewString()); err != nil {
		t.Fatalf("ending unknown session should be silent: %v", err)
	}
}

func TestDegradedModeAdmitsAgainstDurableStore(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.master.license.MaxWebphoneUsers = 1
	f.cache.setDown(true)
	ctx := context.Background()

	resp, err := f.service.Create(ctx, createRequest("alice", "dev-1", "webphone"))
	if err != nil {
		t.Fatalf("degraded create failed: %v", err)
	}
	if resp.CurrentUsers != 1 {
		t.Fatalf("expected durable count of 1, got %d", resp.CurrentUsers)
	}

	if _, err := f.service.Create(ctx, createRequest("bob", "dev-2", "webphone")); !errors.Is(err, domain.ErrLimitExceeded) {
		t.Fatalf("degraded quota check should reject, got %v", err)
	}

	v, err := f.service.Validate(ctx, application.ValidateRequest(createRequest("alice", "dev-1", "webphone")))
	if err != nil {
		t.Fatalf("degraded validate failed: %v", err)
	}
	if v.Status != application.StatusValid {
		t.Fatalf("expected VALID from durable store, got %s", v.Status)
	}
}

func TestReconcileRemovesCacheOrphans(t *testing.T) {
	t.Parallel()

	f := newFixture()
	orphanID := uuid.New()
	licenseID := uuid.New()
	f.cache.inject(ports.CachedSession{
		SessionID: orphanID,
		UserID:    "ghost",
		Feature:   domain.FeatureWebphone,
		LicenseID: licenseID,
	})

	f.service.ReconcileOnce(context.Background())

	if f.cache.has(orphanID) {
		t.Fatalf("orphaned cache entry should be removed")
	}
	if got := f.cache.counter(licenseID, domain.FeatureWebphone); got != 0 {
		t.Fatalf("orphan counter slot should be released, got %d", got)
	}
}

func TestReconcileExpiresStaleSessions(t *testing.T) {
	t.Parallel()

	f := newFixture()
	ctx := context.Background()

	resp, err := f.service.Create(ctx, createRequest("alice", "dev-1", "webphone"))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	sid := uuid.MustParse(resp.SessionID)
	f.sessions.setHeartbeat(sid, time.Now().UTC().Add(-2*time.Hour))

	f.service.ReconcileOnce(ctx)

	rec, err := f.sessions.GetByID(ctx, sid)
	if err != nil {
		t.Fatalf("durable row missing: %v", err)
	}
	if rec.Status != domain.SessionExpired {
		t.Fatalf("expected expired row, got %s", rec.Status)
	}
	if f.cache.has(sid) {
		t.Fatalf("cache entry of expired session should be swept")
	}
}

func TestAtomicSetupReusesLiveSession(t *testing.T) {
	t.Parallel()

	f := newFixture()
	ctx := context.Background()

	first, err := f.service.AtomicSetup(ctx, createRequest("alice", "dev-1", "webphone"))
	if err != nil {
		t.Fatalf("atomic setup failed: %v", err)
	}
	if !first.Created {
		t.Fatalf("first setup should create a session")
	}

	second, err := f.service.AtomicSetup(ctx, createRequest("alice", "dev-1", "webphone"))
	if err != nil {
		t.Fatalf("second atomic setup failed: %v", err)
	}
	if second.Created {
		t.Fatalf("second setup should reuse the live session")
	}
	if second.Session.SessionID != first.Session.SessionID {
		t.Fatalf("expected the same session id")
	}
	if second.Session.SessionToken != first.Session.SessionToken {
		t.Fatalf("expected the original session token")
	}
}

func TestValidateSessionToken(t *testing.T) {
	t.Parallel()

	f := newFixture()
	ctx := context.Background()

	resp, err := f.service.Create(ctx, createRequest("alice", "dev-1", "webphone"))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	result, err := f.service.ValidateSessionToken(ctx, resp.SessionToken)
	if err != nil {
		t.Fatalf("token validation failed: %v", err)
	}
	if !result.Valid || result.MaxUsers != 5 {
		t.Fatalf("unexpected validation result: %+v", result)
	}
	if !result.Features["webphone"] {
		t.Fatalf("expected webphone feature in result")
	}

	if err := f.service.End(ctx, resp.SessionID); err != nil {
		t.Fatalf("end failed: %v", err)
	}
	result, err = f.service.ValidateSessionToken(ctx, resp.SessionToken)
	if err != nil {
		t.Fatalf("token validation failed: %v", err)
	}
	if result.Valid {
		t.Fatalf("token of ended session must not validate")
	}

	result, _ = f.service.ValidateSessionToken(ctx, "garbage")
	if result.Valid {
		t.Fatalf("garbage token must not validate")
	}
}

func TestEndAllForUsername(t *testing.T) {
	t.Parallel()

	f := newFixture()
	ctx := context.Background()

	if _, err := f.service.Create(ctx, createRequest("alice", "dev-1", "webphone")); err != nil {
		t.Fatalf("create webphone failed: %v", err)
	}
	if _, err := f.service.Create(ctx, createRequest("alice", "dev-1", "voicemail")); err != nil {
		t.Fatalf("create voicemail failed: %v", err)
	}

	ended, err := f.service.EndAllForUsername(ctx, "alice")
	if err != nil {
		t.Fatalf("end all failed: %v", err)
	}
	if ended != 2 {
		t.Fatalf("expected 2 ended sessions, got %d", ended)
	}
	views, err := f.service.SessionsForUsername(ctx, "alice")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(views) != 0 {
		t.Fatalf("expected no live sessions, got %d", len(views))
	}
}

func TestForceCleanupAlwaysSucceeds(t *testing.T) {
	t.Parallel()

	f := newFixture()
	ctx := context.Background()

	resp, err := f.service.Create(ctx, createRequest("alice", "dev-1", "webphone"))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := f.service.ForceCleanup(ctx, "alice", "webphone"); err != nil {
		t.Fatalf("cleanup failed: %v", err)
	}
	if f.cache.has(uuid.MustParse(resp.SessionID)) {
		t.Fatalf("cleanup should remove the cache entry")
	}
	// Cleaning an already-clean pair is still a success.
	if err := f.service.ForceCleanup(ctx, "alice", "webphone"); err != nil {
		t.Fatalf("repeat cleanup failed: %v", err)
	}
}

func TestReconcileResyncsLeakedCounter(t *testing.T) {
	t.Parallel()

	f := newFixture()
	ctx := context.Background()

	resp, err := f.service.Create(ctx, createRequest("alice", "dev-1", "webphone"))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	rec, err := f.sessions.GetByID(ctx, uuid.MustParse(resp.SessionID))
	if err != nil {
		t.Fatalf("durable row missing: %v", err)
	}

	// Sibling hashes expired by TTL while the shared counter key lived on.
	f.cache.setCounter(rec.LicenseID, domain.FeatureWebphone, 3)
	// A counter with no surviving hashes at all.
	ghostLicense := uuid.New()
	f.cache.setCounter(ghostLicense, domain.FeatureVoicemail, 2)

	f.service.ReconcileOnce(ctx)

	if got := f.cache.counter(rec.LicenseID, domain.FeatureWebphone); got != 1 {
		t.Fatalf("leaked counter should resync to surviving sessions, got %d", got)
	}
	if got := f.cache.counter(ghostLicense, domain.FeatureVoicemail); got != 0 {
		t.Fatalf("counter without sessions should be dropped, got %d", got)
	}
}

func TestActivityReportsConcurrentTotal(t *testing.T) {
	t.Parallel()

	f := newFixture()
	ctx := context.Background()

	if _, err := f.service.Create(ctx, createRequest("alice", "dev-1", "webphone")); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		acts := f.master.activities()
		if len(acts) > 0 {
			if acts[0].Action != "created" {
				t.Fatalf("unexpected action %q", acts[0].Action)
			}
			if acts[0].CurrentUsers != 1 {
				t.Fatalf("expected concurrent total 1, got %d", acts[0].CurrentUsers)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("no session activity reported")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
