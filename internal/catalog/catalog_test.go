package catalog_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infernokun/InfernoComics-sub002/internal/catalog"
)

func TestResolve(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "/v1/issues/ext-42", r.URL.Path)
		_ = json.NewEncoder(w).Encode(catalog.Issue{
			ID:          "cat-1",
			ExternalID:  "ext-42",
			Name:        "Saga of the Swamp Thing",
			IssueNumber: "21",
		})
	}))
	defer srv.Close()

	client := catalog.NewClient(srv.URL, time.Second)
	issue, err := client.Resolve(t.Context(), "ext-42")
	require.NoError(t, err)
	assert.Equal(t, "cat-1", issue.ID)
	assert.Equal(t, "21", issue.IssueNumber)
}

func TestResolveNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	client := catalog.NewClient(srv.URL, time.Second)
	_, err := client.Resolve(t.Context(), "missing")
	assert.ErrorIs(t, err, catalog.ErrIssueNotFound)
}

func TestCreateIssue(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/issues", r.URL.Path)

		var req catalog.CreateIssueRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "series-7", req.TargetID)

		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(catalog.Issue{ID: "cat-9", ExternalID: req.ExternalID})
	}))
	defer srv.Close()

	client := catalog.NewClient(srv.URL, time.Second)
	issue, err := client.CreateIssue(t.Context(), catalog.CreateIssueRequest{
		TargetID:   "series-7",
		ExternalID: "ext-9",
	})
	require.NoError(t, err)
	assert.Equal(t, "cat-9", issue.ID)
}

func TestCreateIssueServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := catalog.NewClient(srv.URL, time.Second)
	_, err := client.CreateIssue(t.Context(), catalog.CreateIssueRequest{ExternalID: "x"})
	assert.Error(t, err)
}
