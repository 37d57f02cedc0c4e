// Package api is the REST client for the chat backend: login and bulk room
// history. Every response is wrapped in the backend's result envelope.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/christopherjohns/chatsync/internal/message"
)

// TokenSource supplies the bearer token for authenticated calls.
type TokenSource interface {
	Token() (string, bool)
}

// Envelope is the wrapper every backend response uses.
type Envelope struct {
	IsSuccess bool            `json:"isSuccess"`
	Code      Code            `json:"code"`
	Message   string          `json:"message"`
	Result    json.RawMessage `json:"result,omitempty"`
}

// Code is the envelope's status code. Backends send it either as a string
// ("COMMON200") or as a number; both decode to their text.
type Code string

// UnmarshalJSON accepts a JSON string or number.
func (c *Code) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = Code(s)
		return nil
	}
	if string(data) == "null" {
		*c = ""
		return nil
	}
	if _, err := strconv.ParseFloat(string(data), 64); err != nil {
		return fmt.Errorf("api: code must be a string or number, got %s", data)
	}
	*c = Code(data)
	return nil
}

// LoginRequest is the body of POST /auth/login.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginResult is the envelope result of a successful login.
type LoginResult struct {
	AccessToken string `json:"accessToken"`
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// Client is the chat REST API client.
type Client struct {
	baseURL    string
	tokens     TokenSource
	httpClient *http.Client
}

// New creates a new API client. tokens may be nil for unauthenticated use.
func New(baseURL string, tokens TokenSource, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		tokens:  tokens,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Login exchanges credentials for an access token.
func (c *Client) Login(ctx context.Context, email, password string) (string, error) {
	var res LoginResult
	if err := c.doRequest(ctx, http.MethodPost, "/auth/login", LoginRequest{Email: email, Password: password}, &res); err != nil {
		return "", fmt.Errorf("api.Login: %w", err)
	}
	if res.AccessToken == "" {
		return "", fmt.Errorf("api.Login: response carried no access token")
	}
	return res.AccessToken, nil
}

// RoomMessages fetches a room's history. A single malformed entry fails the
// whole call so a room never opens on partial history.
func (c *Client) RoomMessages(ctx context.Context, roomID int64) ([]message.ChatMessage, error) {
	var raw []json.RawMessage
	path := "/chat-rooms/" + strconv.FormatInt(roomID, 10) + "/messages"
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &raw); err != nil {
		return nil, fmt.Errorf("api.RoomMessages: %w", err)
	}

	msgs := make([]message.ChatMessage, 0, len(raw))
	for i, r := range raw {
		m, err := message.Decode(r)
		if err != nil {
			return nil, fmt.Errorf("api.RoomMessages: entry %d: %w", i, err)
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, body any, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.tokens != nil {
		if tok, ok := c.tokens.Token(); ok {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // best-effort close

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var env Envelope
	envErr := json.Unmarshal(respBody, &env)

	if resp.StatusCode >= 400 {
		if envErr == nil && env.Message != "" {
			return &HTTPError{StatusCode: resp.StatusCode, Message: env.Message}
		}
		return &HTTPError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(respBody))}
	}
	if envErr != nil {
		return fmt.Errorf("decode response: %w", envErr)
	}
	if !env.IsSuccess {
		return &APIError{Code: string(env.Code), Message: env.Message}
	}

	// A missing or null result leaves out at its zero value.
	if out != nil && len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
