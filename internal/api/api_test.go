package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/callsync/internal/datastore"
	"github.com/tphakala/callsync/internal/datastore/entities"
	"github.com/tphakala/callsync/internal/syncer"
	"github.com/tphakala/callsync/internal/syncstatus"
)

type fakeSyncer struct {
	triggers int
	report   *syncer.PassReport
}

func (s *fakeSyncer) Trigger() bool {
	s.triggers++
	return s.triggers == 1
}

func (s *fakeSyncer) LastReport() *syncer.PassReport { return s.report }

type apiEnv struct {
	store  *datastore.Store
	syncer *fakeSyncer
	server *Server
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()
	m := datastore.NewSQLiteManager(datastore.Config{Path: filepath.Join(t.TempDir(), "calls.db")})
	require.NoError(t, m.Open())
	t.Cleanup(func() { _ = m.Close() })
	require.NoError(t, m.Initialize(context.Background()))
	store := datastore.New(m, nil)

	orch := syncer.New(syncer.Config{WorkDir: t.TempDir()}, store, nil, nil, nil)
	fs := &fakeSyncer{report: &syncer.PassReport{ID: "last", Duration: time.Second}}
	c := NewController(store, orch, nil, WithSyncer(fs), WithMetrics(promhttp.Handler()))

	return &apiEnv{store: store, syncer: fs, server: NewServer("127.0.0.1:0", c, nil)}
}

func (e *apiEnv) seed(t *testing.T, systemID int64, number string) *entities.CallRecord {
	t.Helper()
	rec := &entities.CallRecord{
		Source:          "phone",
		SystemID:        systemID,
		PhoneNumber:     number,
		CallType:        entities.CallIncoming,
		CallDate:        1714550400000 + systemID*1000,
		DurationSeconds: 30,
	}
	_, err := e.store.UpsertCall(t.Context(), rec)
	require.NoError(t, err)
	return rec
}

func (e *apiEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, http.NoBody)
	}
	rec := httptest.NewRecorder()
	e.server.Echo().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealthCheck(t *testing.T) {
	env := newAPIEnv(t)

	rec := env.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestMetricsRoute(t *testing.T) {
	env := newAPIEnv(t)

	rec := env.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestGetCall(t *testing.T) {
	env := newAPIEnv(t)
	env.seed(t, 1, "+1 555 0100")

	rec := env.do(t, http.MethodGet, "/api/v1/calls/phone:1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	call := decode[entities.CallRecord](t, rec)
	assert.Equal(t, "phone:1", call.CompositeID)
	assert.Equal(t, syncstatus.MetadataPending, call.MetadataSyncStatus)

	rec = env.do(t, http.MethodGet, "/api/v1/calls/phone:99", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	errResp := decode[ErrorResponse](t, rec)
	assert.Equal(t, http.StatusNotFound, errResp.Code)
	assert.Len(t, errResp.CorrelationID, 8)
}

func TestListPending(t *testing.T) {
	env := newAPIEnv(t)
	env.seed(t, 1, "+1 555 0100")
	env.seed(t, 2, "+1 555 0101")

	rec := env.do(t, http.MethodGet, "/api/v1/calls/pending?kind=metadata", "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[CallList](t, rec)
	assert.Equal(t, 2, list.Count)
	// Most recent call first.
	assert.Equal(t, "phone:2", list.Calls[0].CompositeID)

	rec = env.do(t, http.MethodGet, "/api/v1/calls/pending?kind=recording", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"calls":[],"count":0}`, rec.Body.String())

	rec = env.do(t, http.MethodGet, "/api/v1/calls/pending?kind=bogus", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListFailedAndRetry(t *testing.T) {
	env := newAPIEnv(t)
	env.seed(t, 1, "+1 555 0100")
	env.seed(t, 2, "+1 555 0101")
	require.NoError(t, env.store.TransitionMetadata(t.Context(), "phone:1", datastore.MetadataTransition{
		From:   syncstatus.MetadataPending,
		To:     syncstatus.MetadataFailed,
		Kind:   syncstatus.KindNetwork,
		Reason: "connection refused",
	}))

	rec := env.do(t, http.MethodGet, "/api/v1/calls/failed", "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[CallList](t, rec)
	require.Equal(t, 1, list.Count)
	assert.Equal(t, syncstatus.KindNetwork, list.Calls[0].MetadataErrorKind)

	for _, limit := range []string{"0", "abc", "1001"} {
		rec = env.do(t, http.MethodGet, "/api/v1/calls/failed?limit="+limit, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, "limit=%s", limit)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/calls/phone:1/retry?axis=bogus", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/calls/phone:1/retry?axis=metadata", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"id":"phone:1","metadata":true,"recording":false}`, rec.Body.String())

	got, err := env.store.GetCall(t.Context(), "phone:1")
	require.NoError(t, err)
	assert.Equal(t, syncstatus.MetadataPending, got.MetadataSyncStatus)

	// Nothing left to retry.
	rec = env.do(t, http.MethodPost, "/api/v1/calls/phone:1/retry", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/calls/phone:99/retry", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUpdateNote(t *testing.T) {
	env := newAPIEnv(t)
	env.seed(t, 1, "+1 555 0100")

	rec := env.do(t, http.MethodPut, "/api/v1/calls/phone:1/note", `{"note":"  follow up  "}`)
	require.Equal(t, http.StatusOK, rec.Code)
	call := decode[entities.CallRecord](t, rec)
	require.NotNil(t, call.CallNote)
	assert.Equal(t, "follow up", *call.CallNote)
	assert.Equal(t, int64(2), call.MetadataVersion)

	rec = env.do(t, http.MethodPut, "/api/v1/calls/phone:1/note", `{"note":null}`)
	require.Equal(t, http.StatusOK, rec.Code)
	call = decode[entities.CallRecord](t, rec)
	assert.Nil(t, call.CallNote)

	rec = env.do(t, http.MethodPut, "/api/v1/calls/phone:1/note", `{"note":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPut, "/api/v1/calls/phone:42/note", `{"note":"x"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPersonExclusion(t *testing.T) {
	env := newAPIEnv(t)
	call := env.seed(t, 1, "+1 555 0100")
	env.seed(t, 2, "+1 555 0101")
	number := call.NormalizedNumber

	rec := env.do(t, http.MethodGet, "/api/v1/persons/"+number, "")
	require.Equal(t, http.StatusOK, rec.Code)
	person := decode[entities.PersonAggregate](t, rec)
	assert.False(t, person.IsExcluded)

	rec = env.do(t, http.MethodPut, "/api/v1/persons/"+number+"/exclusion", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPut, "/api/v1/persons/"+number+"/exclusion", `{"excluded":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	person = decode[entities.PersonAggregate](t, rec)
	assert.True(t, person.IsExcluded)

	rec = env.do(t, http.MethodGet, "/api/v1/calls/pending", "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[CallList](t, rec)
	require.Equal(t, 1, list.Count)
	assert.Equal(t, "phone:2", list.Calls[0].CompositeID)

	rec = env.do(t, http.MethodGet, "/api/v1/persons/999", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteCall(t *testing.T) {
	env := newAPIEnv(t)
	ctx := t.Context()
	call := env.seed(t, 1, "+1 555 0100")
	env.seed(t, 2, "+1 555 0100")

	dir := t.TempDir()
	recording := filepath.Join(dir, "1.wav")
	artifact := filepath.Join(dir, "phone_1.m4a")
	require.NoError(t, os.WriteFile(recording, []byte("pcm"), 0o600))
	require.NoError(t, os.WriteFile(artifact, []byte("aac"), 0o600))
	require.NoError(t, env.store.UpdateRecordingPath(ctx, "phone:1", recording))

	claim, err := env.store.ClaimRecording(ctx, "phone:1", time.Time{})
	require.NoError(t, err)
	rec := env.do(t, http.MethodDelete, "/api/v1/calls/phone:1", "")
	assert.Equal(t, http.StatusConflict, rec.Code, "recording in flight")

	require.NoError(t, env.store.TransitionRecording(ctx, "phone:1", datastore.RecordingTransition{
		From: syncstatus.RecordingCompressing, To: syncstatus.RecordingFailed, Claim: claim,
		Kind: syncstatus.KindNetwork, Reason: "offline", CompressedPath: &artifact,
	}))

	rec = env.do(t, http.MethodDelete, "/api/v1/calls/phone:1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	deleted := decode[entities.CallRecord](t, rec)
	assert.Equal(t, "phone:1", deleted.CompositeID)

	_, err = os.Stat(artifact)
	assert.True(t, os.IsNotExist(err), "compressed artifact removed")
	_, err = os.Stat(recording)
	require.NoError(t, err, "recording kept")

	rec = env.do(t, http.MethodGet, "/api/v1/calls/phone:1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	person, err := env.store.GetPerson(ctx, call.NormalizedNumber)
	require.NoError(t, err)
	assert.Equal(t, int64(1), person.TotalCalls)
	require.NotNil(t, person.LastCallID)
	assert.Equal(t, "phone:2", *person.LastCallID)

	rec = env.do(t, http.MethodDelete, "/api/v1/calls/phone:1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPersonNoteAndName(t *testing.T) {
	env := newAPIEnv(t)
	number := env.seed(t, 1, "+1 555 0100").NormalizedNumber
	base := "/api/v1/persons/" + number

	rec := env.do(t, http.MethodPut, base+"/note", `{"note":"  landlord  "}`)
	require.Equal(t, http.StatusOK, rec.Code)
	person := decode[entities.PersonAggregate](t, rec)
	require.NotNil(t, person.Note)
	assert.Equal(t, "landlord", *person.Note)

	rec = env.do(t, http.MethodPut, base+"/name", `{"name":"Mr. Smith"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	person = decode[entities.PersonAggregate](t, rec)
	require.NotNil(t, person.NameOverride)
	assert.Equal(t, "Mr. Smith", *person.NameOverride)
	require.NotNil(t, person.Note, "other fields are kept")

	rec = env.do(t, http.MethodPut, base+"/note", `{"note":null}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, decode[entities.PersonAggregate](t, rec).Note)

	rec = env.do(t, http.MethodPut, base+"/name", `{"name":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListPersons(t *testing.T) {
	env := newAPIEnv(t)
	env.seed(t, 1, "+1 555 0100")
	hidden := env.seed(t, 2, "+1 555 0101").NormalizedNumber
	require.NoError(t, env.store.SetExcluded(t.Context(), hidden, true))

	rec := env.do(t, http.MethodGet, "/api/v1/persons", "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[PersonList](t, rec)
	require.Equal(t, 1, list.Count)
	assert.NotEqual(t, hidden, list.Persons[0].NormalizedNumber)

	rec = env.do(t, http.MethodGet, "/api/v1/persons?excluded=true", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, decode[PersonList](t, rec).Count)

	rec = env.do(t, http.MethodGet, "/api/v1/persons?excluded=maybe", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRecomputePerson(t *testing.T) {
	env := newAPIEnv(t)
	number := env.seed(t, 1, "+1 555 0100").NormalizedNumber
	env.seed(t, 2, "+1 555 0100")

	// drift the stored totals
	require.NoError(t, env.store.DB().Model(&entities.PersonAggregate{}).
		Where("normalized_number = ?", number).Update("total_calls", 9).Error)

	rec := env.do(t, http.MethodPost, "/api/v1/persons/"+number+"/recompute", "")
	require.Equal(t, http.StatusOK, rec.Code)
	person := decode[entities.PersonAggregate](t, rec)
	assert.Equal(t, int64(2), person.TotalCalls)
	assert.Equal(t, int64(2), person.TotalIncoming)
}

func TestStatusAndTriggerSync(t *testing.T) {
	env := newAPIEnv(t)
	env.seed(t, 1, "+1 555 0100")

	rec := env.do(t, http.MethodGet, "/api/v1/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode[StatusResponse](t, rec)
	assert.Equal(t, int64(1), status.Counts.Metadata[syncstatus.MetadataPending])
	assert.Equal(t, int64(1), status.Counts.Recording[syncstatus.RecordingNotApplicable])
	require.NotNil(t, status.LastPass)
	assert.Equal(t, "last", status.LastPass.ID)

	rec = env.do(t, http.MethodPost, "/api/v1/sync", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.JSONEq(t, `{"queued":true}`, rec.Body.String())

	rec = env.do(t, http.MethodPost, "/api/v1/sync", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.JSONEq(t, `{"queued":false}`, rec.Body.String())
}

func TestTriggerSyncWithoutScheduler(t *testing.T) {
	env := newAPIEnv(t)
	c := NewController(env.store, nil, nil)
	srv := NewServer("127.0.0.1:0", c, nil)

	rec := httptest.NewRecorder()
	srv.Echo().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/sync", http.NoBody))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	srv.Echo().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServerStartShutdown(t *testing.T) {
	env := newAPIEnv(t)

	require.NoError(t, env.server.Start())
	require.NoError(t, env.server.Start())
	addr := env.server.Addr()
	assert.NotEqual(t, "127.0.0.1:0", addr)

	resp, err := http.Get("http://" + addr + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	require.NoError(t, env.server.Shutdown(ctx))
}
