// Package catalog is the client for the collection catalog service, which
// owns series and issue records. The recognition pipeline only touches it
// during reconciliation commit: resolving an accepted candidate's external id
// and creating the corresponding issue in the user's collection.
package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// ErrIssueNotFound is returned when the catalog has no issue for an
// external id.
var ErrIssueNotFound = errors.New("catalog: issue not found")

// Issue is a catalog issue record.
type Issue struct {
	ID          string  `json:"id"`
	ExternalID  string  `json:"external_id"`
	SeriesID    string  `json:"series_id"`
	Name        string  `json:"name"`
	IssueNumber string  `json:"issue_number"`
	CoverURL    string  `json:"cover_url,omitempty"`
	Condition   *string `json:"condition,omitempty"`
}

// CreateIssueRequest adds one recognized issue to a collection.
type CreateIssueRequest struct {
	TargetID    string `json:"target_id"`
	ExternalID  string `json:"external_id"`
	Name        string `json:"name,omitempty"`
	IssueNumber string `json:"issue_number,omitempty"`
	CoverURL    string `json:"cover_url,omitempty"`
}

// Resolver is the catalog surface the commit path needs.
type Resolver interface {
	// Resolve looks up an issue by its external id, or ErrIssueNotFound.
	Resolve(ctx context.Context, externalID string) (Issue, error)

	// CreateIssue adds an issue to the target collection and returns the
	// created record.
	CreateIssue(ctx context.Context, req CreateIssueRequest) (Issue, error)
}

// Client is the HTTP Resolver implementation.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a catalog client with a per-call timeout.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *Client) Resolve(ctx context.Context, externalID string) (Issue, error) {
	endpoint := fmt.Sprintf("%s/v1/issues/%s", c.baseURL, url.PathEscape(externalID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Issue{}, fmt.Errorf("catalog: creating request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Issue{}, fmt.Errorf("catalog: executing request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return Issue{}, ErrIssueNotFound
	default:
		return Issue{}, fmt.Errorf("catalog: returned status %d", resp.StatusCode)
	}

	var issue Issue
	if err := json.NewDecoder(resp.Body).Decode(&issue); err != nil {
		return Issue{}, fmt.Errorf("catalog: decoding response: %w", err)
	}
	return issue, nil
}

func (c *Client) CreateIssue(ctx context.Context, createReq CreateIssueRequest) (Issue, error) {
	body, err := json.Marshal(createReq)
	if err != nil {
		return Issue{}, fmt.Errorf("catalog: encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/issues", bytes.NewReader(body))
	if err != nil {
		return Issue{}, fmt.Errorf("catalog: creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Issue{}, fmt.Errorf("catalog: executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return Issue{}, fmt.Errorf("catalog: returned status %d", resp.StatusCode)
	}

	var issue Issue
	if err := json.NewDecoder(resp.Body).Decode(&issue); err != nil {
		return Issue{}, fmt.Errorf("catalog: decoding response: %w", err)
	}
	return issue, nil
}
