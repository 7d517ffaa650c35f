package gist

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
)

const (
	DefaultAPIURL = "https://api.github.com"
	listPageSize  = 100
	maxListPages  = 50
	maxRawBytes   = 10 << 20
)

var (
	ErrNotFound  = errors.New("gist not found")
	ErrTransient = errors.New("gist service unreachable")
	ErrMalformed = errors.New("malformed gist document")
	ErrNoToken   = errors.New("no access token")
)

// HTTPError is a non-2xx answer from the API.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("http %d", e.StatusCode)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

func (e *HTTPError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrTransient:
		return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
	}
	return false
}

type transportError struct {
	Op  string
	Err error
}

func (e *transportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *transportError) Unwrap() error {
	return e.Err
}

func (e *transportError) Is(target error) bool {
	return target == ErrTransient
}

type File struct {
	Filename  string `json:"filename,omitempty"`
	Content   string `json:"content"`
	RawURL    string `json:"raw_url,omitempty"`
	Truncated bool   `json:"truncated,omitempty"`
	Size      int    `json:"size,omitempty"`
}

type Gist struct {
	ID          string          `json:"id"`
	Description string          `json:"description"`
	Public      bool            `json:"public"`
	Files       map[string]File `json:"files"`
	UpdatedAt   string          `json:"updated_at,omitempty"`
}

// Client is the subset of the Gist REST API the engine needs.
type Client interface {
	ListGists(ctx context.Context) ([]Gist, error)
	GetGist(ctx context.Context, id string) (Gist, error)
	CreateGist(ctx context.Context, description, filename, content string) (Gist, error)
	UpdateGist(ctx context.Context, id, description, filename, content string) (Gist, error)
	FetchRaw(ctx context.Context, rawURL string) (string, error)
}

// TokenSource yields the credential for each request.
type TokenSource interface {
	Token(ctx context.Context) (string, bool)
}

type StaticToken string

func (s StaticToken) Token(context.Context) (string, bool) {
	return string(s), strings.TrimSpace(string(s)) != ""
}

// HTTPClient talks to the GitHub API. Requests are never retried.
type HTTPClient struct {
	baseURL    string
	tokens     TokenSource
	httpClient *http.Client
}

func NewHTTPClient(baseURL string, tokens TokenSource, httpClient *http.Client) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = DefaultAPIURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPClient{
		baseURL:    baseURL,
		tokens:     tokens,
		httpClient: httpClient,
	}
}

// ListGists walks every page of the authenticated user's gists.
func (c *HTTPClient) ListGists(ctx context.Context) ([]Gist, error) {
	q := url.Values{}
	q.Set("per_page", fmt.Sprintf("%d", listPageSize))
	q.Set("page", "1")
	next := c.baseURL + "/gists?" + q.Encode()

	var all []Gist
	for page := 0; next != "" && page < maxListPages; page++ {
		var batch []Gist
		header, err := c.doJSON(ctx, http.MethodGet, next, nil, &batch)
		if err != nil {
			return nil, err
		}
		all = append(all, batch...)
		next = nextPageURL(header.Get("Link"))
	}
	return all, nil
}

func (c *HTTPClient) GetGist(ctx context.Context, id string) (Gist, error) {
	var out Gist
	_, err := c.doJSON(ctx, http.MethodGet, c.baseURL+"/gists/"+url.PathEscape(id), nil, &out)
	return out, err
}

func (c *HTTPClient) CreateGist(ctx context.Context, description, filename, content string) (Gist, error) {
	body := map[string]any{
		"description": description,
		"public":      false,
		"files": map[string]File{
			filename: {Content: content},
		},
	}
	var out Gist
	_, err := c.doJSON(ctx, http.MethodPost, c.baseURL+"/gists", body, &out)
	return out, err
}

func (c *HTTPClient) UpdateGist(ctx context.Context, id, description, filename, content string) (Gist, error) {
	body := map[string]any{
		"description": description,
		"files": map[string]File{
			filename: {Content: content},
		},
	}
	var out Gist
	_, err := c.doJSON(ctx, http.MethodPatch, c.baseURL+"/gists/"+url.PathEscape(id), body, &out)
	return out, err
}

// FetchRaw downloads the full content of a truncated file.
func (c *HTTPClient) FetchRaw(ctx context.Context, rawURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", err
	}
	if err := c.authorize(ctx, req); err != nil {
		return "", err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &transportError{Op: "GET raw", Err: err}
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxRawBytes))
	if err != nil {
		return "", &transportError{Op: "read raw", Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &HTTPError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}
	}
	return string(data), nil
}

func (c *HTTPClient) authorize(ctx context.Context, req *http.Request) error {
	if c.tokens == nil {
		return ErrNoToken
	}
	token, ok := c.tokens.Token(ctx)
	if !ok {
		return ErrNoToken
	}
	req.Header.Set("Authorization", "token "+token)
	req.Header.Set("Accept", "application/vnd.github.v3+json")
	req.Header.Set("User-Agent", "catsync")
	return nil
}

func (c *HTTPClient) doJSON(ctx context.Context, method, requestURL string, body any, out any) (http.Header, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}
	req, err := http.NewRequestWithContext(ctx, method, requestURL, bodyReader)
	if err != nil {
		return nil, err
	}
	if err := c.authorize(ctx, req); err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &transportError{Op: method + " " + req.URL.Path, Err: err}
	}
	payload, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return nil, &transportError{Op: "read " + req.URL.Path, Err: readErr}
	}

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		if out == nil || len(payload) == 0 {
			return resp.Header, nil
		}
		if err := json.Unmarshal(payload, out); err != nil {
			return nil, fmt.Errorf("%w: decode %s response: %v", ErrMalformed, req.URL.Path, err)
		}
		return resp.Header, nil
	}

	var errPayload struct {
		Message string `json:"message"`
	}
	_ = json.Unmarshal(payload, &errPayload)
	return nil, &HTTPError{StatusCode: resp.StatusCode, Message: errPayload.Message}
}

var linkNextPattern = regexp.MustCompile(`<([^>]+)>\s*;\s*rel="?next"?`)

func nextPageURL(link string) string {
	for _, part := range strings.Split(link, ",") {
		if m := linkNextPattern.FindStringSubmatch(part); m != nil {
			return m[1]
		}
	}
	return ""
}
