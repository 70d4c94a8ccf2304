package invoker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/solatis/scankeeper/internal/rules"
	"github.com/solatis/scankeeper/internal/types"
)

/*
 * REST binding.
 *
 * Actions name an endpoint: "GET /buckets/{name}/versioning". Path
 * placeholders are filled from params (path-escaped); the remaining params go
 * into the query string for GET and DELETE and into a JSON body otherwise.
 *
 * A 2xx response body is decoded as JSON (an empty body is an empty object).
 * Other statuses become a CallError; the code comes from a JSON error body
 * {"code": ..., "message": ...} when present, else from the status text
 * ("TooManyRequests", "NotFound"). 429 and 5xx are retryable.
 */

var pathParam = regexp.MustCompile(`\{([^{}]+)\}`)

// HTTPInvoker invokes REST endpoints relative to a base URL.
type HTTPInvoker struct {
	baseURL *url.URL
	client  *http.Client
	header  http.Header
}

// HTTPOption configures an HTTPInvoker.
type HTTPOption func(*HTTPInvoker)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTPInvoker) { h.client = c }
}

// WithHeader adds a header to every request, e.g. Authorization.
func WithHeader(key, value string) HTTPOption {
	return func(h *HTTPInvoker) { h.header.Add(key, value) }
}

// NewHTTPInvoker creates an invoker for baseURL.
func NewHTTPInvoker(baseURL string, opts ...HTTPOption) (*HTTPInvoker, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base URL %q: %w", baseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid base URL %q: scheme must be http or https", baseURL)
	}
	h := &HTTPInvoker{
		baseURL: u,
		client:  &http.Client{Timeout: 60 * time.Second},
		header:  http.Header{},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Invoke performs the request named by action.
func (h *HTTPInvoker) Invoke(ctx context.Context, action string, params map[string]any) (any, error) {
	req, err := h.buildRequest(ctx, action, params)
	if err != nil {
		return nil, err
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", action, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to read response: %w", action, err)
	}

	logger.WithFields(log.Fields{"action": action, "status": resp.StatusCode}).Debug("http call")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, statusError(action, resp.StatusCode, body)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return map[string]any{}, nil
	}
	var out any
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, &types.CallError{Action: action, Code: "InvalidResponse", Message: err.Error(), Err: err}
	}
	return out, nil
}

// Identity partitions the cache per endpoint host.
func (h *HTTPInvoker) Identity() []string {
	return []string{"http", h.baseURL.String()}
}

func (h *HTTPInvoker) buildRequest(ctx context.Context, action string, params map[string]any) (*http.Request, error) {
	verb, path, ok := strings.Cut(strings.TrimSpace(action), " ")
	verb = strings.ToUpper(verb)
	path = strings.TrimSpace(path)
	if !ok || verb == "" || !strings.HasPrefix(path, "/") {
		return nil, &types.CallError{
			Action:  action,
			Code:    "InvalidAction",
			Message: `action must look like "GET /path/{param}"`,
			Err:     types.ErrUnknownAction,
		}
	}

	rest := make(map[string]any, len(params))
	for k, v := range params {
		rest[k] = v
	}
	var missing []string
	path = pathParam.ReplaceAllStringFunc(path, func(m string) string {
		name := m[1 : len(m)-1]
		v, ok := rest[name]
		if !ok {
			missing = append(missing, name)
			return m
		}
		delete(rest, name)
		return url.PathEscape(rules.Stringify(v))
	})
	if len(missing) > 0 {
		return nil, &types.CallError{
			Action:  action,
			Code:    "MissingParameter",
			Message: fmt.Sprintf("missing path parameters: %s", strings.Join(missing, ", ")),
		}
	}

	var err error
	u := *h.baseURL
	u.RawPath = h.baseURL.EscapedPath() + path
	if u.Path, err = url.PathUnescape(u.RawPath); err != nil {
		return nil, fmt.Errorf("%s: %w", action, err)
	}

	var body io.Reader
	switch verb {
	case http.MethodGet, http.MethodDelete, http.MethodHead:
		if len(rest) > 0 {
			q := url.Values{}
			for k, v := range rest {
				q.Set(k, rules.Stringify(v))
			}
			u.RawQuery = q.Encode()
		}
	default:
		encoded, err := json.Marshal(rest)
		if err != nil {
			return nil, fmt.Errorf("%s: failed to encode body: %w", action, err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, verb, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", action, err)
	}
	for k, vs := range h.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func statusError(action string, status int, body []byte) *types.CallError {
	ce := &types.CallError{
		Action:    action,
		Code:      strings.ReplaceAll(http.StatusText(status), " ", ""),
		Message:   strings.TrimSpace(string(body)),
		Retryable: status == http.StatusTooManyRequests || status >= 500,
	}
	if ce.Code == "" {
		ce.Code = fmt.Sprintf("HTTP%d", status)
	}
	var payload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &payload) == nil {
		if payload.Code != "" {
			ce.Code = payload.Code
		}
		if payload.Message != "" {
			ce.Message = payload.Message
		}
	}
	if ce.Message == "" {
		ce.Message = http.StatusText(status)
	}
	return ce
}
