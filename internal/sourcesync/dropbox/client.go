// Package dropbox is a minimal client for the Dropbox v2 files API: folder
// listing with cursor pagination, temporary links and content download.
package dropbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	DefaultAPIURL = "https://api.dropboxapi.com"

	defaultTimeout = 60 * time.Second

	// contentHeaderTimeout bounds the wait for download response headers.
	// The body itself is bounded only by the caller's context.
	contentHeaderTimeout = 60 * time.Second

	// maxErrorBody caps how much of an error response is kept.
	maxErrorBody = 4 << 10
)

// TransientError is a failure worth retrying: transport errors, 429 and 5xx.
type TransientError struct {
	StatusCode int // 0 for transport errors
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("dropbox: transient: %v", e.Err)
	}
	return fmt.Sprintf("dropbox: transient status %d: %v", e.StatusCode, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// APIError is a non-retryable error response, e.g. 409 path/not_found.
type APIError struct {
	StatusCode int
	Summary    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("dropbox: status %d: %s", e.StatusCode, e.Summary)
}

// IsTransient reports whether err is, or wraps, a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// Entry is one item of a folder listing.
type Entry struct {
	Tag            string    `json:".tag"` // "file", "folder" or "deleted"
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	PathLower      string    `json:"path_lower"`
	PathDisplay    string    `json:"path_display"`
	Size           int64     `json:"size"`
	ServerModified time.Time `json:"server_modified"`
}

func (e Entry) IsFile() bool {
	return e.Tag == "file"
}

// ListFolderResult is one page of a listing.
type ListFolderResult struct {
	Entries []Entry `json:"entries"`
	Cursor  string  `json:"cursor"`
	HasMore bool    `json:"has_more"`
}

type Client struct {
	http        *http.Client
	content     *http.Client
	apiURL      string
	accessToken string
}

func New(accessToken string) *Client {
	return &Client{
		http:        &http.Client{Timeout: defaultTimeout},
		content:     newContentClient(contentHeaderTimeout),
		apiURL:      DefaultAPIURL,
		accessToken: accessToken,
	}
}

// newContentClient has no overall timeout: large videos may take longer
// than any fixed limit to stream.
func newContentClient(headerTimeout time.Duration) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = headerTimeout
	return &http.Client{Transport: transport}
}

// WithBaseURL points the RPC endpoints at another host. Used by tests.
func (c *Client) WithBaseURL(apiURL string) *Client {
	c.apiURL = strings.TrimRight(apiURL, "/")
	return c
}

// WithHTTPClient replaces the HTTP client used for API calls.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.http = hc
	return c
}

// WithContentClient replaces the HTTP client used for Download.
func (c *Client) WithContentClient(hc *http.Client) *Client {
	c.content = hc
	return c
}

// AccessToken returns the bearer token the client was built with.
func (c *Client) AccessToken() string {
	return c.accessToken
}

// ListFolder returns the first page of path. The root folder is "".
func (c *Client) ListFolder(ctx context.Context, path string, recursive bool) (ListFolderResult, error) {
	if path == "/" {
		path = ""
	}
	var out ListFolderResult
	err := c.rpc(ctx, "/2/files/list_folder", map[string]any{
		"path":                                path,
		"recursive":                           recursive,
		"include_deleted":                     false,
		"include_non_downloadable_files":      false,
		"include_has_explicit_shared_members": false,
	}, &out)
	return out, err
}

// ListFolderContinue returns the page after cursor.
func (c *Client) ListFolderContinue(ctx context.Context, cursor string) (ListFolderResult, error) {
	var out ListFolderResult
	err := c.rpc(ctx, "/2/files/list_folder/continue", map[string]any{"cursor": cursor}, &out)
	return out, err
}

// GetTemporaryLink returns a short-lived direct download URL for path.
func (c *Client) GetTemporaryLink(ctx context.Context, path string) (string, error) {
	var out struct {
		Link string `json:"link"`
	}
	if err := c.rpc(ctx, "/2/files/get_temporary_link", map[string]any{"path": path}, &out); err != nil {
		return "", err
	}
	if out.Link == "" {
		return "", errors.New("dropbox: empty temporary link")
	}
	return out.Link, nil
}

// Download opens the content behind a temporary link. The caller closes
// the returned body; reading it is bounded by ctx only.
func (c *Client) Download(ctx context.Context, link string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := c.content.Do(req)
	if err != nil {
		return nil, &TransientError{Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, statusError(resp)
	}
	return resp.Body, nil
}

func (c *Client) rpc(ctx context.Context, endpoint string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.accessToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return &TransientError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &TransientError{StatusCode: resp.StatusCode, Err: fmt.Errorf("decode %s: %w", endpoint, err)}
	}
	return nil
}

func statusError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	summary := errorSummary(raw)

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return &TransientError{StatusCode: resp.StatusCode, Err: errors.New(summary)}
	}
	return &APIError{StatusCode: resp.StatusCode, Summary: summary}
}

// errorSummary extracts error_summary from a JSON error body, falling back
// to the raw text.
func errorSummary(raw []byte) string {
	var body struct {
		ErrorSummary string `json:"error_summary"`
	}
	if err := json.Unmarshal(raw, &body); err == nil && body.ErrorSummary != "" {
		return body.ErrorSummary
	}
	s := strings.TrimSpace(string(raw))
	if s == "" {
		return "empty response"
	}
	return s
}
