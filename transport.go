package tether

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/golang/snappy"
)

// PushResponse is the server's acknowledgment of a durable push.
type PushResponse struct {
	Accepted        bool  `json:"accepted"`
	ServerVersion   int64 `json:"serverVersion"`
	ServerTimestamp int64 `json:"serverTimestamp"`
}

// PullResponse carries changes since the cursor.
type PullResponse struct {
	Changes         []*Record `json:"changes"`
	ServerTimestamp int64     `json:"serverTimestamp"`
	CursorLost      bool      `json:"cursor-lost,omitempty"`
}

// pushErrorBody is the structured error shape of a rejected push.
type pushErrorBody struct {
	Error          string `json:"error"`
	Classification struct {
		Retryable bool `json:"retryable"`
		Permanent bool `json:"permanent"`
		Conflict  bool `json:"conflict"`
	} `json:"classification"`
}

// Transport is the replication HTTP client. Every request carries the
// bearer token and an X-Tenant-Id header equal to the token's tenant.
type Transport struct {
	endpoint  string
	authToken string
	tenantID  string
	client    HTTPDoer
	compress  bool
	timeout   time.Duration
	breaker   *CircuitBreaker
}

// HTTPDoer is an interface for making HTTP requests.
// It is implemented by *http.Client and can be mocked in tests.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// NewTransport creates a replication client for one tenant endpoint.
func NewTransport(endpoint, authToken, tenantID string, client HTTPDoer, cfg SyncConfig) *Transport {
	if client == nil {
		client = &http.Client{Timeout: cfg.RequestTimeout}
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Transport{
		endpoint:  strings.TrimRight(endpoint, "/"),
		authToken: authToken,
		tenantID:  tenantID,
		client:    client,
		compress:  cfg.Compression,
		timeout:   timeout,
		breaker:   NewCircuitBreaker(5, 30*time.Second),
	}
}

func (t *Transport) setHeaders(req *http.Request) {
	if t.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+t.authToken)
	}
	req.Header.Set("X-Tenant-Id", t.tenantID)
}

// Push sends a single pending mutation for durable acceptance. Failures
// carry the server's {retryable, permanent, conflict} classification; the
// circuit breaker trips after repeated transport failures so a flapping
// endpoint is not hammered.
func (t *Transport) Push(ctx context.Context, m *PendingMutation) (*PushResponse, error) {
	var resp *PushResponse
	err := t.breaker.Execute(func() error {
		var err error
		resp, err = t.doPush(ctx, m)
		return err
	})
	if err == ErrCircuitOpen {
		return nil, newSyncError(SyncErrorTypeRetryable, "push circuit open", err)
	}
	return resp, err
}

func (t *Transport) doPush(ctx context.Context, m *PendingMutation) (*PushResponse, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, newSyncError(SyncErrorTypePermanent, "mutation encode failed", err)
	}

	if t.compress {
		body = snappy.Encode(nil, body)
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint+"/sync/push", bytes.NewReader(body))
	if err != nil {
		return nil, newSyncError(SyncErrorTypePermanent, "push request build failed", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if t.compress {
		req.Header.Set("Content-Encoding", "snappy")
	}
	t.setHeaders(req)

	httpResp, err := t.client.Do(req)
	if err != nil {
		return nil, newSyncError(SyncErrorTypeRetryable, "push transport failed", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode == http.StatusOK || httpResp.StatusCode == http.StatusCreated {
		var pr PushResponse
		if err := json.NewDecoder(httpResp.Body).Decode(&pr); err != nil {
			return nil, newSyncError(SyncErrorTypeRetryable, "push response decode failed", err)
		}
		return &pr, nil
	}

	return nil, t.classifyPushFailure(httpResp, m)
}

func (t *Transport) classifyPushFailure(resp *http.Response, m *PendingMutation) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	var body pushErrorBody
	if err := json.Unmarshal(raw, &body); err == nil && body.Error != "" {
		msg := body.Error
		switch {
		case body.Classification.Conflict:
			return t.tagged(SyncErrorTypeConflict, msg, m)
		case body.Classification.Permanent:
			return t.tagged(SyncErrorTypePermanent, msg, m)
		case body.Classification.Retryable:
			return t.tagged(SyncErrorTypeRetryable, msg, m)
		}
	}

	// No structured body; classify by status code alone.
	msg := fmt.Sprintf("push rejected: %d", resp.StatusCode)
	switch {
	case resp.StatusCode == http.StatusConflict:
		return t.tagged(SyncErrorTypeConflict, msg, m)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return t.tagged(SyncErrorTypeAuth, msg, m)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return t.tagged(SyncErrorTypeRetryable, msg, m)
	default:
		return t.tagged(SyncErrorTypePermanent, msg, m)
	}
}

func (t *Transport) tagged(errType SyncErrorType, msg string, m *PendingMutation) error {
	return &SyncError{
		Type:       errType,
		Message:    msg,
		TenantID:   t.tenantID,
		RecordID:   m.RecordID,
		MutationID: m.MutationID,
	}
}

// Pull requests changes since the cursor for one collection.
func (t *Transport) Pull(ctx context.Context, collection string, since int64, limit int) (*PullResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	q := url.Values{}
	q.Set("since", strconv.FormatInt(since, 10))
	q.Set("collection", collection)
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.endpoint+"/sync/pull?"+q.Encode(), nil)
	if err != nil {
		return nil, newSyncError(SyncErrorTypePermanent, "pull request build failed", err)
	}
	t.setHeaders(req)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, newSyncError(SyncErrorTypeRetryable, "pull transport failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errType := SyncErrorTypeRetryable
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			errType = SyncErrorTypeAuth
		}
		return nil, newSyncError(errType, fmt.Sprintf("pull rejected: %d", resp.StatusCode), nil)
	}

	var pr PullResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return nil, newSyncError(SyncErrorTypeRetryable, "pull response decode failed", err)
	}
	return &pr, nil
}

// FetchSnapshot requests an authoritative full state for an entity type.
func (t *Transport) FetchSnapshot(ctx context.Context, entityType, id string) (*Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	u := fmt.Sprintf("%s/sync/snapshot/%s/%s", t.endpoint, url.PathEscape(entityType), url.PathEscape(id))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, newSyncError(SyncErrorTypePermanent, "snapshot request build failed", err)
	}
	t.setHeaders(req)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, newSyncError(SyncErrorTypeRetryable, "snapshot transport failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, newSyncError(SyncErrorTypeRetryable, fmt.Sprintf("snapshot rejected: %d", resp.StatusCode), nil)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, newSyncError(SyncErrorTypeRetryable, "snapshot read failed", err)
	}
	if resp.Header.Get("Content-Encoding") == "snappy" {
		body, err = snappy.Decode(nil, body)
		if err != nil {
			return nil, newSyncError(SyncErrorTypeRetryable, "snapshot decompress failed", err)
		}
	}

	var snap Snapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		return nil, newSyncError(SyncErrorTypeRetryable, "snapshot decode failed", err)
	}
	return &snap, nil
}

// Ping probes server reachability with a HEAD request. Used by the
// connectivity monitor.
func (t *Transport) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, t.endpoint+"/ping", nil)
	if err != nil {
		return err
	}
	t.setHeaders(req)

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("ping returned %d", resp.StatusCode)
	}
	return nil
}

// BreakerState exposes the push circuit breaker state for stats.
func (t *Transport) BreakerState() string {
	return t.breaker.State()
}
