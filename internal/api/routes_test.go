package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"member-migration-service/internal/checkpoint"
	"member-migration-service/internal/migrate"
)

type stubSource struct {
	rows []migrate.LegacyUser
}

func (s *stubSource) CountAll(ctx context.Context) (int64, error) {
	return int64(len(s.rows)), nil
}

func (s *stubSource) FetchAfterID(ctx context.Context, afterID int64, limit int) ([]migrate.LegacyUser, error) {
	var page []migrate.LegacyUser
	for _, r := range s.rows {
		if r.ID > afterID && len(page) < limit {
			page = append(page, r)
		}
	}
	return page, nil
}

func (s *stubSource) FetchModifiedSince(ctx context.Context, since time.Time, afterID int64, limit int) ([]migrate.LegacyUser, error) {
	return nil, nil
}

type stubTarget struct {
	seen map[int64]bool
}

func (s *stubTarget) InTx(ctx context.Context, fn func(tx migrate.TargetTx) error) error {
	return fn(s)
}

func (s *stubTarget) ExistsByLegacyID(ctx context.Context, legacyID int64) (bool, error) {
	return s.seen[legacyID], nil
}

func (s *stubTarget) Insert(ctx context.Context, m *migrate.Member) error {
	s.seen[m.LegacyUserID] = true
	return nil
}

func (s *stubTarget) Upsert(ctx context.Context, m *migrate.Member) error {
	s.seen[m.LegacyUserID] = true
	return nil
}

func newTestHandler(token string) (*Handler, *checkpoint.MemoryStore) {
	store := checkpoint.NewMemoryStore(0)
	controller := migrate.NewController(store, migrate.Options{ChunkSize: 10, SkipLimit: 5, RetryLimit: 0})
	controller.Register("member",
		&stubSource{rows: []migrate.LegacyUser{{ID: 1, Email: "a@b.com"}}},
		&stubTarget{seen: make(map[int64]bool)},
	)
	return NewHandler(controller, token), store
}

// seedCompleted simulates a finished bulk migration for the domain.
func seedCompleted(t *testing.T, store *checkpoint.MemoryStore, domain string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.StartRun(ctx, domain, 1))
	require.NoError(t, store.CompleteRun(ctx, domain, time.Second))
}

func doRequest(t *testing.T, h *Handler, method, path string) (*httptest.ResponseRecorder, TriggerResponse) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	var body TriggerResponse
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func TestRunMigrationEndpoint(t *testing.T) {
	h, _ := newTestHandler("")

	rec, body := doRequest(t, h, http.MethodPost, "/api/v1/migration/member/run")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.True(t, body.Success)
	assert.NotEmpty(t, body.ExecutionID)
}

func TestStatusEndpointUnknownDomain(t *testing.T) {
	h, _ := newTestHandler("")

	rec, body := doRequest(t, h, http.MethodGet, "/api/v1/migration/order/status")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.False(t, body.Success)
}

func TestSyncEndpointRejectsBulkMode(t *testing.T) {
	h, _ := newTestHandler("")

	rec, body := doRequest(t, h, http.MethodPost, "/api/v1/migration/member/sync")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.False(t, body.Success)
}

func TestSwitchIncrementalConflictAttachesSnapshot(t *testing.T) {
	h, store := newTestHandler("")
	seedCompleted(t, store, "member")

	rec, _ := doRequest(t, h, http.MethodPost, "/api/v1/migration/member/switch-incremental")
	require.Equal(t, http.StatusOK, rec.Code)

	// Second switch is rejected with the checkpoint attached for diagnosis.
	rec, body := doRequest(t, h, http.MethodPost, "/api/v1/migration/member/switch-incremental")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.False(t, body.Success)
	require.NotNil(t, body.Checkpoint)
	assert.Equal(t, "INCREMENTAL", body.Checkpoint.SyncMode)
}

func TestAuthMiddleware(t *testing.T) {
	h, _ := newTestHandler("secret")

	rec, _ := doRequest(t, h, http.MethodGet, "/api/v1/migration/member/status")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/migration/member/status", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec = httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthEndpointNeedsNoAuth(t *testing.T) {
	h, _ := newTestHandler("secret")

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
