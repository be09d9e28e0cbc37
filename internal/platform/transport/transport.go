// Package transport holds the HTTP plumbing shared by the platform clients.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/zhouzirui/lingo-exchange/client/internal/errs"
)

// DefaultTimeout bounds a single platform request.
const DefaultTimeout = 30 * time.Second

// TokenSource yields the bearer token for the current identity, or "" when
// requests should fall back to the anonymous key.
type TokenSource interface {
	AccessToken() string
}

// Caller issues authenticated JSON requests against one platform base URL.
type Caller struct {
	BaseURL string
	APIKey  string
	Tokens  TokenSource
	HTTP    *http.Client
}

// NewCaller builds a Caller with a default HTTP client.
func NewCaller(baseURL, apiKey string, tokens TokenSource) *Caller {
	return &Caller{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		Tokens:  tokens,
		HTTP:    &http.Client{Timeout: DefaultTimeout},
	}
}

// Request describes one call.
type Request struct {
	Op      string
	Method  string
	Path    string
	Body    io.Reader
	JSON    any
	Out     any
	Bearer  string
	Headers map[string]string
}

// Do executes req and decodes a JSON response into req.Out. Non-2xx responses
// become *errs.RemoteError.
func (c *Caller) Do(ctx context.Context, req Request) (*http.Response, error) {
	body := req.Body
	if req.JSON != nil {
		payload, err := json.Marshal(req.JSON)
		if err != nil {
			return nil, fmt.Errorf("%s: encode body: %w", req.Op, err)
		}
		body = bytes.NewReader(payload)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, c.BaseURL+req.Path, body)
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", req.Op, err)
	}

	httpReq.Header.Set("apikey", c.APIKey)
	bearer := req.Bearer
	if bearer == "" && c.Tokens != nil {
		bearer = c.Tokens.AccessToken()
	}
	if bearer == "" {
		bearer = c.APIKey
	}
	httpReq.Header.Set("Authorization", "Bearer "+bearer)
	if req.JSON != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return nil, &errs.RemoteError{Op: req.Op, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp, &errs.RemoteError{Op: req.Op, Status: resp.StatusCode, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp, decodeError(req.Op, resp.StatusCode, raw)
	}

	if req.Out != nil && len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, req.Out); err != nil {
			return resp, fmt.Errorf("%s: decode response: %w", req.Op, err)
		}
	}
	return resp, nil
}

// errorBody covers the error shapes of the auth, rest and storage services.
type errorBody struct {
	Code             any    `json:"code"`
	ErrorCode        string `json:"error_code"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	Message          string `json:"message"`
	Msg              string `json:"msg"`
	StatusCode       string `json:"statusCode"`
}

func decodeError(op string, status int, raw []byte) error {
	remote := &errs.RemoteError{Op: op, Status: status}

	var body errorBody
	if err := json.Unmarshal(raw, &body); err != nil {
		remote.Message = strings.TrimSpace(string(raw))
		if remote.Message == "" {
			remote.Message = http.StatusText(status)
		}
		return remote
	}

	switch code := body.Code.(type) {
	case string:
		remote.Code = code
	case float64:
		remote.Code = fmt.Sprintf("%d", int(code))
	}
	if remote.Code == "" {
		remote.Code = body.ErrorCode
	}
	if remote.Code == "" {
		remote.Code = body.Error
	}

	for _, candidate := range []string{body.Message, body.Msg, body.ErrorDescription, body.Error} {
		if candidate != "" {
			remote.Message = candidate
			break
		}
	}
	if remote.Message == "" {
		remote.Message = http.StatusText(status)
	}
	return remote
}
