package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/google/uuid"
	"github.com/ragkit/ragchat/internal/models"
)

// ErrAuthExpired is returned by every API operation that receives a 401 from
// the backend. Callers treat it as a global authentication-expired signal
// rather than a per-operation failure: the stored credential is stale and the
// user has to log in again.
var ErrAuthExpired = errors.New("authentication expired")

// APIError carries a non-success response from the backend. StatusCode is the
// HTTP status, or the envelope status_code when the two disagree.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api error: status %d", e.StatusCode)
	}
	return fmt.Sprintf("api error: status %d: %s", e.StatusCode, e.Message)
}

// Client talks to the RAG backend's REST surface. The credential is injected
// at construction and attached as a bearer token to every authenticated call;
// there is no ambient token state. All non-streaming responses pass through a
// single decode path so 401 handling lives in exactly one place.
type Client struct {
	baseURL string
	cred    Credential

	client *http.Client

	logger *slog.Logger
}

// NewClient creates a Client for the given base URL. An empty credential is
// valid for the unauthenticated auth endpoints.
func NewClient(baseURL string, cred Credential, logger *slog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		cred:    cred,
		client:  &http.Client{},
		logger:  logger.With(slog.String("module", "api")),
	}
}

// WithCredential returns a copy of the client bound to a different
// credential. Used after login, when the fresh token replaces whatever the
// client was constructed with.
func (c *Client) WithCredential(cred Credential) *Client {
	cp := *c
	cp.cred = cred
	return &cp
}

// envelope is the response wrapper every non-streaming endpoint uses.
type envelope struct {
	StatusCode int              `json:"status_code"`
	Message    string           `json:"message"`
	Data       json.RawMessage  `json:"data"`
	PageInfo   *models.PageInfo `json:"page_info"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) (*models.PageInfo, error) {
	var reqBody io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("error marshaling request: %w", err)
		}
		reqBody = bytes.NewBuffer(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if c.cred.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cred.Token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, ErrAuthExpired
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("error reading response: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		if resp.StatusCode >= 300 {
			return nil, &APIError{StatusCode: resp.StatusCode, Message: string(respBody)}
		}
		return nil, fmt.Errorf("error unmarshaling response: %w", err)
	}

	if resp.StatusCode >= 300 {
		return nil, &APIError{StatusCode: resp.StatusCode, Message: env.Message}
	}
	// The backend mirrors the HTTP status in the envelope; trust the envelope
	// when it disagrees with a 2xx transport status.
	if env.StatusCode >= 300 {
		if env.StatusCode == http.StatusUnauthorized {
			return nil, ErrAuthExpired
		}
		return nil, &APIError{StatusCode: env.StatusCode, Message: env.Message}
	}

	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return nil, fmt.Errorf("error unmarshaling response data: %w", err)
		}
	}
	return env.PageInfo, nil
}

// Login exchanges an email and password for a bearer token. The returned
// credential carries the expiry derived from the token itself.
func (c *Client) Login(ctx context.Context, email, password string) (Credential, error) {
	body := struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}{Email: email, Password: password}

	var token string
	if _, err := c.do(ctx, http.MethodPost, "/auth/login", body, &token); err != nil {
		return Credential{}, fmt.Errorf("login failed: %w", err)
	}

	return NewCredential(token), nil
}

// Register creates a new user account.
func (c *Client) Register(ctx context.Context, email, password, name string) error {
	body := struct {
		Email    string `json:"email"`
		Password string `json:"password"`
		Name     string `json:"name"`
	}{Email: email, Password: password, Name: name}

	if _, err := c.do(ctx, http.MethodPost, "/auth/user", body, nil); err != nil {
		return fmt.Errorf("register failed: %w", err)
	}
	return nil
}

// SendVerifyCode asks the backend to email a verification code.
func (c *Client) SendVerifyCode(ctx context.Context, email string) error {
	body := struct {
		Email string `json:"email"`
	}{Email: email}

	if _, err := c.do(ctx, http.MethodPost, "/auth/verify_code", body, nil); err != nil {
		return fmt.Errorf("send verify code failed: %w", err)
	}
	return nil
}

func pageQuery(page, pageSize int) string {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("page_size", strconv.Itoa(pageSize))
	return "?" + q.Encode()
}

// Sessions fetches one page of the user's sessions in server order.
func (c *Client) Sessions(ctx context.Context, page, pageSize int) ([]models.Session, *models.PageInfo, error) {
	var sessions []models.Session
	pageInfo, err := c.do(ctx, http.MethodGet, "/rag/session"+pageQuery(page, pageSize), nil, &sessions)
	if err != nil {
		return nil, nil, fmt.Errorf("list sessions failed: %w", err)
	}
	return sessions, pageInfo, nil
}

// CreateSession allocates a new session server-side and returns it.
func (c *Client) CreateSession(ctx context.Context) (models.Session, error) {
	var session models.Session
	if _, err := c.do(ctx, http.MethodPost, "/rag/session", nil, &session); err != nil {
		return models.Session{}, fmt.Errorf("create session failed: %w", err)
	}
	return session, nil
}

// DeleteSession removes a session and its messages server-side.
func (c *Client) DeleteSession(ctx context.Context, id int64) error {
	if _, err := c.do(ctx, http.MethodDelete, fmt.Sprintf("/rag/session/%d", id), nil, nil); err != nil {
		return fmt.Errorf("delete session failed: %w", err)
	}
	return nil
}

// RenameSession sets a session's title.
func (c *Client) RenameSession(ctx context.Context, id int64, title string) error {
	body := struct {
		Title string `json:"title"`
	}{Title: title}

	if _, err := c.do(ctx, http.MethodPut, fmt.Sprintf("/rag/session/%d", id), body, nil); err != nil {
		return fmt.Errorf("rename session failed: %w", err)
	}
	return nil
}

// Messages fetches one page of a session's historical messages in server
// order. Repeated calls with the same arguments return the same page.
func (c *Client) Messages(ctx context.Context, sessionID int64, page, pageSize int) ([]models.Message, *models.PageInfo, error) {
	path := fmt.Sprintf("/rag/session/%d/message", sessionID) + pageQuery(page, pageSize)

	var messages []models.Message
	pageInfo, err := c.do(ctx, http.MethodGet, path, nil, &messages)
	if err != nil {
		return nil, nil, fmt.Errorf("list messages failed: %w", err)
	}
	return messages, pageInfo, nil
}

// DeleteMessage removes a single message server-side.
func (c *Client) DeleteMessage(ctx context.Context, sessionID, messageID int64) error {
	path := fmt.Sprintf("/rag/session/%d/message/%d", sessionID, messageID)
	if _, err := c.do(ctx, http.MethodDelete, path, nil, nil); err != nil {
		return fmt.Errorf("delete message failed: %w", err)
	}
	return nil
}

// UpdateMessage replaces a message's text server-side.
func (c *Client) UpdateMessage(ctx context.Context, sessionID, messageID int64, text string) error {
	body := struct {
		Content string `json:"content"`
	}{Content: text}

	path := fmt.Sprintf("/rag/session/%d/message/%d", sessionID, messageID)
	if _, err := c.do(ctx, http.MethodPut, path, body, nil); err != nil {
		return fmt.Errorf("update message failed: %w", err)
	}
	return nil
}

// StreamMessage posts a user message and streams back the assistant response.
// It returns an iterator yielding one accumulated-content update per decoded
// fragment, in the order the fragments appear in the byte stream, followed by
// a final update when end-of-body is reached. A non-2xx status aborts before
// any content is yielded; no partial content is trusted from an error
// response. The context can be used to cancel the in-flight stream.
func (c *Client) StreamMessage(ctx context.Context, sessionID int64, content string) iter.Seq2[models.StreamUpdate, error] {
	return func(yield func(models.StreamUpdate, error) bool) {
		sendID := uuid.NewString()
		logger := c.logger.With(
			slog.String("sendID", sendID),
			slog.Int64("sessionID", sessionID))

		body := struct {
			Content string `json:"content"`
		}{Content: content}
		jsonBody, err := json.Marshal(body)
		if err != nil {
			yield(models.StreamUpdate{}, fmt.Errorf("error marshaling request: %w", err))
			return
		}

		path := fmt.Sprintf("%s/rag/session/%d/message", c.baseURL, sessionID)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, path, bytes.NewBuffer(jsonBody))
		if err != nil {
			yield(models.StreamUpdate{}, fmt.Errorf("error creating request: %w", err))
			return
		}

		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.cred.Token)

		resp, err := c.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				yield(models.StreamUpdate{}, ctx.Err())
				return
			}
			yield(models.StreamUpdate{}, fmt.Errorf("error sending request: %w", err))
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusUnauthorized {
			yield(models.StreamUpdate{}, ErrAuthExpired)
			return
		}
		if resp.StatusCode >= 300 {
			errBody, _ := io.ReadAll(resp.Body)
			yield(models.StreamUpdate{}, &APIError{StatusCode: resp.StatusCode, Message: string(errBody)})
			return
		}

		parser := NewStreamParser(logger)
		buf := make([]byte, 4096)
		for {
			n, err := resp.Body.Read(buf)
			if n > 0 {
				for _, u := range parser.Feed(string(buf[:n])) {
					if !yield(u, nil) {
						return
					}
				}
			}
			if err != nil {
				if errors.Is(err, io.EOF) {
					break
				}
				// A cancelled send must not look like a clean end of body:
				// surface the context error so the in-flight message is
				// finalized as interrupted rather than completed.
				if ctx.Err() != nil {
					yield(models.StreamUpdate{}, ctx.Err())
					return
				}
				yield(models.StreamUpdate{}, fmt.Errorf("error reading response: %w", err))
				return
			}
		}

		if u, ok := parser.Close(); ok {
			if !yield(u, nil) {
				return
			}
		}

		final := parser.Result()
		logger.Debug("Stream complete",
			slog.Int("length", len(final.Text)),
			slog.Int64("messageID", final.MessageID))
	}
}
