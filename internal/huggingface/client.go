package huggingface

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"opmsync/internal/types"

	logger "github.com/Bparsons0904/goLogger"
)

const (
	DefaultEndpoint = "https://huggingface.co"
	UserAgent       = "opmsync/1.0 (OPM workforce data mirror)"
	repoTypeDataset = "dataset"
	defaultRevision = "main"
)

// Backoff applied between attempts of a transient request (three attempts in total).
var DefaultRetrySchedule = []time.Duration{
	1 * time.Second,
	2 * time.Second,
}

type Client struct {
	endpoint      string
	token         string
	httpClient    *http.Client
	log           logger.Logger
	retrySchedule []time.Duration
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func WithRetrySchedule(schedule []time.Duration) Option {
	return func(c *Client) {
		c.retrySchedule = schedule
	}
}

func New(endpoint, token string, timeout time.Duration, opts ...Option) *Client {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}

	client := &Client{
		endpoint: strings.TrimRight(endpoint, "/"),
		token:    token,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 90 * time.Second,
				MaxConnsPerHost: 10,
			},
		},
		log:           logger.New("huggingface"),
		retrySchedule: DefaultRetrySchedule,
	}

	for _, opt := range opts {
		opt(client)
	}

	return client
}

type WhoAmI struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// WhoAmI validates the token and returns the account it belongs to.
func (c *Client) WhoAmI(ctx context.Context) (*WhoAmI, error) {
	log := c.log.Function("WhoAmI")

	body, err := c.doJSON(ctx, http.MethodGet, c.apiURL("whoami-v2"), nil, http.StatusOK)
	if err != nil {
		return nil, log.Err("failed to validate token", err)
	}

	var who WhoAmI
	if err := json.Unmarshal(body, &who); err != nil {
		return nil, log.Err("failed to decode whoami response", err)
	}
	if who.Name == "" {
		return nil, log.Err("whoami response missing account name", types.KindError(
			types.ErrConfiguration,
			"token does not resolve to an account",
		))
	}

	return &who, nil
}

// DatasetExists reports whether a dataset repository exists.
func (c *Client) DatasetExists(ctx context.Context, repoID string) (bool, error) {
	log := c.log.Function("DatasetExists")

	resp, _, err := c.do(ctx, request{
		method: http.MethodGet,
		url:    c.apiURL("datasets", repoID),
	})
	if err != nil {
		return false, log.Err("failed to check dataset", err, "repoID", repoID)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return true, nil
	case resp.StatusCode == http.StatusNotFound, isRepoNotFound(resp):
		return false, nil
	default:
		return false, log.Err("unexpected dataset status", statusError(resp), "repoID", repoID)
	}
}

type treeEntry struct {
	Type string `json:"type"`
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// ListFiles lists the top level paths of a dataset repository on main.
func (c *Client) ListFiles(ctx context.Context, repoID string) ([]string, error) {
	log := c.log.Function("ListFiles")

	body, err := c.doJSON(
		ctx,
		http.MethodGet,
		c.apiURL("datasets", repoID, "tree", defaultRevision),
		nil,
		http.StatusOK,
	)
	if err != nil {
		return nil, log.Err("failed to list dataset files", err, "repoID", repoID)
	}

	var entries []treeEntry
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, log.Err("failed to decode tree response", err, "repoID", repoID)
	}

	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.Type == "file" {
			files = append(files, entry.Path)
		}
	}

	return files, nil
}

type createRepoRequest struct {
	Type         string `json:"type"`
	Name         string `json:"name"`
	Organization string `json:"organization,omitempty"`
	Private      bool   `json:"private"`
}

// CreateDataset creates the dataset repository if it does not already exist.
func (c *Client) CreateDataset(ctx context.Context, repoID string) error {
	log := c.log.Function("CreateDataset")

	owner, name, err := splitRepoID(repoID)
	if err != nil {
		return log.Err("invalid repository id", err, "repoID", repoID)
	}

	payload, err := json.Marshal(createRepoRequest{
		Type:         repoTypeDataset,
		Name:         name,
		Organization: owner,
	})
	if err != nil {
		return log.Err("failed to encode create request", err)
	}

	resp, _, err := c.do(ctx, request{
		method:      http.MethodPost,
		url:         c.apiURL("repos", "create"),
		body:        payload,
		contentType: "application/json",
	})
	if err != nil {
		return log.Err("failed to create dataset", err, "repoID", repoID)
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		log.Info("Created dataset repository", "repoID", repoID)
		return nil
	case http.StatusConflict:
		log.Debug("Dataset repository already exists", "repoID", repoID)
		return nil
	default:
		return log.Err("dataset creation rejected", statusError(resp), "repoID", repoID)
	}
}

type datasetSummary struct {
	ID string `json:"id"`
}

// SearchDatasets lists dataset ids owned by author whose name contains search.
func (c *Client) SearchDatasets(ctx context.Context, author, search string) ([]string, error) {
	log := c.log.Function("SearchDatasets")

	query := url.Values{}
	query.Set("author", author)
	query.Set("search", search)
	query.Set("limit", "1000")

	body, err := c.doJSON(
		ctx,
		http.MethodGet,
		c.apiURL("datasets")+"?"+query.Encode(),
		nil,
		http.StatusOK,
	)
	if err != nil {
		return nil, log.Err("failed to search datasets", err, "author", author, "search", search)
	}

	var summaries []datasetSummary
	if err := json.Unmarshal(body, &summaries); err != nil {
		return nil, log.Err("failed to decode dataset search", err)
	}

	ids := make([]string, 0, len(summaries))
	for _, summary := range summaries {
		ids = append(ids, summary.ID)
	}
	return ids, nil
}

type request struct {
	method      string
	url         string
	body        []byte
	bodyFunc    func() (io.ReadCloser, int64, error)
	contentType string
	header      map[string]string
	noAuth      bool
}

// do sends the request, retrying transient failures on the retry schedule.
// The response body is fully read and closed before returning.
func (c *Client) do(ctx context.Context, req request) (*http.Response, []byte, error) {
	log := c.log.Function("do")

	var lastErr error
	attempts := len(c.retrySchedule) + 1

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := c.retrySchedule[attempt-1]
			log.Info("Retrying request after delay",
				"attempt", attempt+1,
				"maxAttempts", attempts,
				"delay", delay,
				"method", req.method,
				"url", req.url)

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, nil, ctx.Err()
			}
		}

		resp, body, err := c.send(ctx, req)
		if err == nil && !isTransientStatus(resp.StatusCode) {
			return resp, body, nil
		}

		if err != nil {
			if ctx.Err() != nil {
				return nil, nil, ctx.Err()
			}
			lastErr = types.KindError(types.ErrTransientNetwork, "%s %s: %v", req.method, req.url, err)
		} else {
			lastErr = types.KindError(
				types.ErrTransientNetwork,
				"%s %s: status %d: %s",
				req.method,
				req.url,
				resp.StatusCode,
				truncate(body),
			)
		}

		log.Warn("Request attempt failed",
			"attempt", attempt+1,
			"error", lastErr,
			"method", req.method,
			"url", req.url)
	}

	return nil, nil, lastErr
}

func (c *Client) send(ctx context.Context, req request) (*http.Response, []byte, error) {
	var body io.Reader
	var contentLength int64 = -1

	switch {
	case req.bodyFunc != nil:
		reader, size, err := req.bodyFunc()
		if err != nil {
			return nil, nil, err
		}
		defer func() {
			_ = reader.Close()
		}()
		body = reader
		contentLength = size
	case req.body != nil:
		body = bytes.NewReader(req.body)
		contentLength = int64(len(req.body))
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method, req.url, body)
	if err != nil {
		return nil, nil, err
	}
	if contentLength >= 0 {
		httpReq.ContentLength = contentLength
	}

	httpReq.Header.Set("User-Agent", UserAgent)
	if !req.noAuth && c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}
	if req.contentType != "" {
		httpReq.Header.Set("Content-Type", req.contentType)
	}
	for key, value := range req.header {
		httpReq.Header.Set(key, value)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, err
	}

	return resp, respBody, nil
}

// doJSON sends a request and requires one of the expected statuses.
func (c *Client) doJSON(
	ctx context.Context,
	method, target string,
	payload []byte,
	expected ...int,
) ([]byte, error) {
	req := request{method: method, url: target, body: payload}
	if payload != nil {
		req.contentType = "application/json"
	}

	resp, body, err := c.do(ctx, req)
	if err != nil {
		return nil, err
	}

	for _, status := range expected {
		if resp.StatusCode == status {
			return body, nil
		}
	}

	return nil, statusErrorWithBody(resp, body)
}

func (c *Client) apiURL(parts ...string) string {
	return c.endpoint + "/api/" + strings.Join(parts, "/")
}

func isTransientStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= http.StatusInternalServerError
}

func isRepoNotFound(resp *http.Response) bool {
	return resp.Header.Get("X-Error-Code") == "RepoNotFound"
}

func statusError(resp *http.Response) error {
	return statusErrorWithBody(resp, nil)
}

// statusErrorWithBody classifies a non-transient HTTP failure. Auth and quota
// failures are upload rejections and are never retried.
func statusErrorWithBody(resp *http.Response, body []byte) error {
	message := resp.Header.Get("X-Error-Message")
	if message == "" {
		message = truncate(body)
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusPaymentRequired,
		http.StatusRequestEntityTooLarge:
		return types.KindError(types.ErrUploadRejected, "status %d: %s", resp.StatusCode, message)
	default:
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, message)
	}
}

func splitRepoID(repoID string) (string, string, error) {
	owner, name, found := strings.Cut(repoID, "/")
	if !found || owner == "" || name == "" || strings.Contains(name, "/") {
		return "", "", errors.New("repository id must be <owner>/<name>")
	}
	return owner, name, nil
}

func truncate(body []byte) string {
	const limit = 256
	text := strings.TrimSpace(string(body))
	if len(text) > limit {
		return text[:limit] + "..."
	}
	return text
}
