package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infernokun/InfernoComics-sub002/internal/catalog"
	"github.com/infernokun/InfernoComics-sub002/internal/classify"
	"github.com/infernokun/InfernoComics-sub002/internal/engine"
	"github.com/infernokun/InfernoComics-sub002/internal/model"
	"github.com/infernokun/InfernoComics-sub002/internal/progress"
	"github.com/infernokun/InfernoComics-sub002/internal/server"
	"github.com/infernokun/InfernoComics-sub002/internal/service/recognition"
	"github.com/infernokun/InfernoComics-sub002/internal/storage"
)

const completeLine = `{"type":"complete","total":2,"processed":2,"successful":2,` +
	`"result":{"images":[` +
	`{"source_image_index":0,"matches":[{"similarity":0.9,"external_id":"hi-1"}]},` +
	`{"source_image_index":1,"matches":[{"similarity":0.6,"external_id":"mid-1"}]}]}}`

type fakeCatalog struct{}

func (fakeCatalog) Resolve(_ context.Context, externalID string) (catalog.Issue, error) {
	return catalog.Issue{ID: "cat", ExternalID: externalID}, nil
}

func (fakeCatalog) CreateIssue(_ context.Context, req catalog.CreateIssueRequest) (catalog.Issue, error) {
	return catalog.Issue{ID: "cat", ExternalID: req.ExternalID}, nil
}

type env struct {
	store storage.SessionStore
	hub   *progress.Hub
	svc   *recognition.Service
	srv   *httptest.Server
}

func newEnv(t *testing.T) *env {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	store, err := storage.NewSQLite(filepath.Join(t.TempDir(), "api_test.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close(context.Background()) })

	engineSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, completeLine+"\n")
	}))
	t.Cleanup(engineSrv.Close)

	hub := progress.NewHub(store, logger, progress.HubConfig{})
	agg := progress.NewAggregator(store, hub, logger, progress.AggregatorConfig{})
	svc := recognition.New(store, hub,
		engine.NewClient(engineSrv.URL, time.Second, logger),
		fakeCatalog{}, logger, recognition.Options{
			Thresholds: classify.Thresholds{High: 0.70, Medium: 0.55},
		})

	s := server.New(server.Config{
		Store:             store,
		Hub:               hub,
		Aggregator:        agg,
		Service:           svc,
		Logger:            logger,
		Version:           "test",
		StoreKind:         "sqlite",
		HeartbeatInterval: 50 * time.Millisecond,
	})

	api := httptest.NewServer(s.Handler())
	t.Cleanup(api.Close)
	return &env{store: store, hub: hub, svc: svc, srv: api}
}

func multipartStart(t *testing.T, targetID string, imageNames ...string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if targetID != "" {
		require.NoError(t, mw.WriteField("target_id", targetID))
	}
	require.NoError(t, mw.WriteField("started_by", "tester"))
	for _, name := range imageNames {
		part, err := mw.CreateFormFile("images", name)
		require.NoError(t, err)
		_, err = part.Write([]byte("fake image bytes"))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

// startSession drives POST /start and returns the new session id.
func startSession(t *testing.T, e *env) uuid.UUID {
	t.Helper()
	body, contentType := multipartStart(t, "series-1", "a.jpg", "b.jpg")
	resp, err := http.Post(e.srv.URL+"/v1/recognition/start", contentType, body)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var envelope struct {
		Data model.StartSessionResponse `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	require.NotEqual(t, uuid.Nil, envelope.Data.SessionID)
	return envelope.Data.SessionID
}

func waitCompleted(t *testing.T, e *env, id uuid.UUID) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		s, err := e.store.Get(context.Background(), id)
		require.NoError(t, err)
		if s.State == model.SessionStateCompleted {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("session stuck in %s", s.State)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStartAndGetSession(t *testing.T) {
	e := newEnv(t)
	id := startSession(t, e)
	waitCompleted(t, e, id)

	resp, err := http.Get(e.srv.URL + "/v1/recognition/sessions/" + id.String())
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var envelope struct {
		Data model.Session `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	assert.Equal(t, model.SessionStateCompleted, envelope.Data.State)
	assert.Equal(t, "series-1", envelope.Data.TargetID)
	assert.Equal(t, 100, envelope.Data.PercentageComplete())
}

func TestStartRejectsMissingFields(t *testing.T) {
	e := newEnv(t)

	body, contentType := multipartStart(t, "", "a.jpg")
	resp, err := http.Post(e.srv.URL+"/v1/recognition/start", contentType, body)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "missing target_id")

	body, contentType = multipartStart(t, "series-1")
	resp, err = http.Post(e.srv.URL+"/v1/recognition/start", contentType, body)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "no images")
}

func TestGetSessionErrors(t *testing.T) {
	e := newEnv(t)

	resp, err := http.Get(e.srv.URL + "/v1/recognition/sessions/" + uuid.NewString())
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(e.srv.URL + "/v1/recognition/sessions/not-a-uuid")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestListSessionsByTarget(t *testing.T) {
	e := newEnv(t)
	id := startSession(t, e)
	waitCompleted(t, e, id)

	resp, err := http.Get(e.srv.URL + "/v1/recognition/sessions?target_id=series-1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var envelope struct {
		Data model.SessionListResponse `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	assert.Equal(t, 1, envelope.Data.Total)

	resp, err = http.Get(e.srv.URL + "/v1/recognition/sessions?target_id=other")
	require.NoError(t, err)
	defer resp.Body.Close()
	envelope.Data = model.SessionListResponse{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	assert.Equal(t, 0, envelope.Data.Total)
}

func TestDismissSession(t *testing.T) {
	e := newEnv(t)
	session, err := e.store.Create(context.Background(), "series-9", "x", 2)
	require.NoError(t, err)

	req, _ := http.NewRequest(http.MethodDelete,
		e.srv.URL+"/v1/recognition/sessions/"+session.ID.String(), nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	getResp, err := http.Get(e.srv.URL + "/v1/recognition/sessions/" + session.ID.String())
	require.NoError(t, err)
	getResp.Body.Close()
	assert.Equal(t, http.StatusNotFound, getResp.StatusCode)
}

func TestCommitFlow(t *testing.T) {
	e := newEnv(t)
	id := startSession(t, e)
	waitCompleted(t, e, id)

	body, err := json.Marshal(model.CommitRequest{Decisions: []model.CommitDecision{
		{SourceImageIndex: 0, Action: model.CommitActionAccept},
		{SourceImageIndex: 1, Action: model.CommitActionReject},
	}})
	require.NoError(t, err)

	resp, err := http.Post(e.srv.URL+"/v1/recognition/sessions/"+id.String()+"/commit",
		"application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var envelope struct {
		Data model.CommitResponse `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	assert.Equal(t, 1, envelope.Data.Successful)
	assert.Equal(t, 0, envelope.Data.Failed)
	assert.Len(t, envelope.Data.Items, 2)
}

func TestCommitWithoutResultsIsConflict(t *testing.T) {
	e := newEnv(t)
	session, err := e.store.Create(context.Background(), "series-2", "x", 2)
	require.NoError(t, err)

	body := `{"decisions":[{"source_image_index":0,"action":"accept"}]}`
	resp, err := http.Post(e.srv.URL+"/v1/recognition/sessions/"+session.ID.String()+"/commit",
		"application/json", strings.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestCommitEmptyDecisions(t *testing.T) {
	e := newEnv(t)
	id := startSession(t, e)
	waitCompleted(t, e, id)

	resp, err := http.Post(e.srv.URL+"/v1/recognition/sessions/"+id.String()+"/commit",
		"application/json", strings.NewReader(`{"decisions":[]}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSessionResults(t *testing.T) {
	e := newEnv(t)
	id := startSession(t, e)
	waitCompleted(t, e, id)

	resp, err := http.Get(e.srv.URL + "/v1/recognition/sessions/" + id.String() + "/results")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var envelope struct {
		Data []model.ProcessedImageResult `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	require.Len(t, envelope.Data, 2)
	assert.Equal(t, model.StatusAutoSelected, envelope.Data[0].Status)
	assert.Equal(t, model.StatusNeedsReview, envelope.Data[1].Status)
}

func TestStatusEndpoint(t *testing.T) {
	e := newEnv(t)
	id := startSession(t, e)
	waitCompleted(t, e, id)

	resp, err := http.Get(e.srv.URL + "/v1/recognition/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var envelope struct {
		Data model.StatusResponse `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	assert.Equal(t, 0, envelope.Data.TotalActive, "completed session is not active")
	assert.Len(t, envelope.Data.Items, 1)
}

func TestSSEStreamDeliversSnapshotForTerminalSession(t *testing.T) {
	e := newEnv(t)
	id := startSession(t, e)
	waitCompleted(t, e, id)

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(e.srv.URL + "/v1/recognition/sessions/" + id.String() + "/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// Terminal session: the stream delivers the snapshot and ends.
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	body := string(raw)
	assert.Contains(t, body, "event: snapshot")
	assert.Contains(t, body, fmt.Sprintf(`"session_id":"%s"`, id))
	assert.Contains(t, body, `"state":"COMPLETED"`)
}

func TestHealth(t *testing.T) {
	e := newEnv(t)

	resp, err := http.Get(e.srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var envelope struct {
		Data model.HealthResponse `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	assert.Equal(t, "healthy", envelope.Data.Status)
	assert.Equal(t, "sqlite:connected", envelope.Data.Store)
	assert.Equal(t, "test", envelope.Data.Version)
}

func TestRequestIDPropagation(t *testing.T) {
	e := newEnv(t)

	req, _ := http.NewRequest(http.MethodGet, e.srv.URL+"/health", nil)
	req.Header.Set("X-Request-ID", "req-abc")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "req-abc", resp.Header.Get("X-Request-ID"))

	var envelope struct {
		Meta model.ResponseMeta `json:"meta"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	assert.Equal(t, "req-abc", envelope.Meta.RequestID)
}
