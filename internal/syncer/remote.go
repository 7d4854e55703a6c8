package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/macjediwizard/daysync/internal/db"
)

// RemoteBackend syncs against the hosted account backend over its JSON
// change-feed API. Pulls page through /v1/changes with an opaque cursor;
// pushes map journal ops onto the /v1/records resource.
type RemoteBackend struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewRemoteBackend creates a remote backend target.
func NewRemoteBackend(baseURL, token string) *RemoteBackend {
	return &RemoteBackend{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Name returns the stable target identifier.
func (r *RemoteBackend) Name() string {
	return string(db.OriginRemote)
}

type changeFeed struct {
	Records []*db.SyncableRecord `json:"records"`
	Cursor  string               `json:"cursor"`
}

// Pull fetches the change feed after the cursor.
func (r *RemoteBackend) Pull(ctx context.Context, cursor string) (*PullResult, error) {
	endpoint := r.baseURL + "/v1/changes"
	if cursor != "" {
		endpoint += "?cursor=" + url.QueryEscape(cursor)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build pull request: %w", err)
	}

	body, err := r.do(req)
	if err != nil {
		return nil, err
	}

	feed := &changeFeed{}
	if err := json.Unmarshal(body, feed); err != nil {
		return nil, fmt.Errorf("decode change feed: %w", err)
	}

	// Records arriving from the backend carry its origin unless another
	// device stamped them otherwise.
	for _, rec := range feed.Records {
		if rec.Origin == "" {
			rec.Origin = db.OriginRemote
		}
	}

	return &PullResult{Records: feed.Records, Cursor: feed.Cursor}, nil
}

// Push applies one journal entry to the backend.
func (r *RemoteBackend) Push(ctx context.Context, op db.ChangeOp, rec *db.SyncableRecord) error {
	var method, endpoint string
	var payload io.Reader

	switch op {
	case db.OpCreate:
		method = http.MethodPost
		endpoint = r.baseURL + "/v1/records"
	case db.OpUpdate:
		method = http.MethodPut
		endpoint = r.baseURL + "/v1/records/" + url.PathEscape(rec.ID)
	case db.OpDelete:
		method = http.MethodDelete
		endpoint = r.baseURL + "/v1/records/" + url.PathEscape(rec.ID)
	default:
		return fmt.Errorf("unknown change op %q", op)
	}

	if op != db.OpDelete {
		body, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal record: %w", err)
		}
		payload = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, payload)
	if err != nil {
		return fmt.Errorf("build push request: %w", err)
	}

	_, err = r.do(req)
	return err
}

// do executes a request with auth and maps HTTP failures onto the target
// sentinel errors.
func (r *RemoteBackend) do(req *http.Request) ([]byte, error) {
	req.Header.Set("Authorization", "Bearer "+r.token)
	req.Header.Set("Accept", "application/json")
	if req.Body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %w", ErrUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: HTTP %d", ErrUnauthorized, resp.StatusCode)
	case resp.StatusCode == http.StatusNotFound && req.Method == http.MethodDelete:
		// Deleting something already gone is success
		return body, nil
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: HTTP %d", ErrUnavailable, resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("remote backend rejected request: HTTP %d: %s",
			resp.StatusCode, strings.TrimSpace(string(body)))
	}

	return body, nil
}
