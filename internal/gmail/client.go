package gmail

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"
)

const (
	defaultBaseURL = "https://gmail.googleapis.com/gmail/v1"
	defaultTimeout = 30 * time.Second

	// DefaultFetchBatchSize is how many messages are fetched concurrently.
	DefaultFetchBatchSize = 10

	// DefaultBatchDelay is the pause between fetch sub-batches.
	DefaultBatchDelay = 100 * time.Millisecond

	rateLimitBackoff  = 30 * time.Second
	quotaBackoff      = 60 * time.Second
	defaultServerWait = 2 * time.Second
)

// Client implements the Gmail API interface.
type Client struct {
	httpClient     *http.Client
	rateLimiter    *RateLimiter
	logger         *slog.Logger
	baseURL        string
	userID         string // "me" for authenticated user
	fetchBatchSize int
	batchDelay     time.Duration
	serverWait     time.Duration
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithLogger sets the logger for the client.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithFetchBatchSize sets how many messages FetchMany requests concurrently.
func WithFetchBatchSize(n int) ClientOption {
	return func(c *Client) {
		if n > 0 {
			c.fetchBatchSize = n
		}
	}
}

// WithBatchDelay sets the pause between FetchMany sub-batches.
func WithBatchDelay(d time.Duration) ClientOption {
	return func(c *Client) {
		c.batchDelay = d
	}
}

// WithServerErrorWait sets how long the client pauses after a server error
// before handing it back to the caller.
func WithServerErrorWait(d time.Duration) ClientOption {
	return func(c *Client) {
		c.serverWait = d
	}
}

// WithRateLimiter sets the limiter. Share one limiter across all clients
// of a process so the combined request rate stays bounded.
func WithRateLimiter(rl *RateLimiter) ClientOption {
	return func(c *Client) {
		c.rateLimiter = rl
	}
}

// WithHTTPClient replaces the HTTP client (tests, custom transports).
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithBaseURL overrides the API endpoint.
func WithBaseURL(u string) ClientOption {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(u, "/")
	}
}

// NewClient creates a new Gmail API client.
func NewClient(tokenSource oauth2.TokenSource, opts ...ClientOption) *Client {
	httpClient := oauth2.NewClient(context.Background(), tokenSource)
	httpClient.Timeout = defaultTimeout

	c := &Client{
		httpClient:     httpClient,
		userID:         "me",
		baseURL:        defaultBaseURL,
		fetchBatchSize: DefaultFetchBatchSize,
		batchDelay:     DefaultBatchDelay,
		serverWait:     defaultServerWait,
		logger:         slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.rateLimiter == nil {
		c.rateLimiter = NewRateLimiter(DefaultMaxRequests, DefaultWindow)
	}

	return c
}

// Close releases resources held by the client.
func (c *Client) Close() error {
	// HTTP client doesn't need explicit closing
	return nil
}

// request makes a single rate-limited GET and classifies failures.
// Retrying is left to the caller.
func (c *Client) request(ctx context.Context, path string) ([]byte, error) {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// oauth2 surfaces refresh failures through the transport.
		var re *oauth2.RetrieveError
		if errors.As(err, &re) {
			return nil, &AuthError{Status: http.StatusUnauthorized, Body: re.Error()}
		}
		c.logger.Debug("transport error", "path", path, "error", err)
		return nil, c.serverError(ctx, &ServerError{Err: err})
	}

	respBody, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, c.serverError(ctx, &ServerError{Status: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)})
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return respBody, nil
	}

	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		wait := retryAfter(resp.Header, rateLimitBackoff)
		c.logger.Debug("rate limited, throttling", "path", path, "backoff", wait)
		c.rateLimiter.Throttle(wait)
		return nil, &RateLimitError{Status: resp.StatusCode, RetryAfter: wait}

	case http.StatusForbidden:
		// Gmail returns 403 with "rateLimitExceeded" for quota exceeded instead of 429.
		if isRateLimitError(respBody) {
			c.logger.Debug("quota exceeded, throttling", "path", path, "backoff", quotaBackoff)
			c.rateLimiter.Throttle(quotaBackoff)
			return nil, &RateLimitError{Status: resp.StatusCode, RetryAfter: quotaBackoff}
		}
		// Actual permission error: the grant no longer covers this call.
		return nil, &AuthError{Status: resp.StatusCode, Body: string(respBody)}

	case http.StatusUnauthorized:
		// oauth2.Client should auto-refresh, so a 401 means the grant is gone.
		return nil, &AuthError{Status: resp.StatusCode}

	case http.StatusNotFound:
		return nil, &NotFoundError{Path: path}
	}

	if resp.StatusCode >= 500 {
		return nil, c.serverError(ctx, &ServerError{Status: resp.StatusCode})
	}
	return nil, fmt.Errorf("request failed (%d): %s", resp.StatusCode, string(respBody))
}

// serverError pauses briefly so an immediate caller retry does not hammer
// a struggling upstream, then returns se.
func (c *Client) serverError(ctx context.Context, se *ServerError) error {
	if c.serverWait <= 0 {
		return se
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(c.serverWait):
	}
	return se
}

// retryAfter reads a Retry-After header in seconds, falling back to def.
func retryAfter(h http.Header, def time.Duration) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return def
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return def
	}
	return time.Duration(secs) * time.Second
}

// isRateLimitError checks if a 403 response is actually a rate limit error.
func isRateLimitError(body []byte) bool {
	return bytes.Contains(body, []byte("rateLimitExceeded")) ||
		bytes.Contains(body, []byte("RATE_LIMIT_EXCEEDED")) ||
		bytes.Contains(body, []byte("Quota exceeded")) ||
		bytes.Contains(body, []byte("userRateLimitExceeded"))
}

// Gmail API JSON response types (unexported, used only for JSON unmarshaling).

type gmailMessageRef struct {
	ID       string `json:"id"`
	ThreadID string `json:"threadId"`
}

type listMessagesResponse struct {
	Messages           []gmailMessageRef `json:"messages"`
	NextPageToken      string            `json:"nextPageToken"`
	ResultSizeEstimate int64             `json:"resultSizeEstimate"`
}

type rawMessageResponse struct {
	ID           string   `json:"id"`
	ThreadID     string   `json:"threadId"`
	LabelIDs     []string `json:"labelIds"`
	Snippet      string   `json:"snippet"`
	InternalDate string   `json:"internalDate"`
	SizeEstimate int64    `json:"sizeEstimate"`
	Raw          string   `json:"raw"` // base64url encoded (unpadded)
}

// decodeBase64URL decodes a base64url-encoded string, tolerating optional padding.
func decodeBase64URL(s string) ([]byte, error) {
	if strings.ContainsRune(s, '=') {
		return base64.URLEncoding.DecodeString(s)
	}
	return base64.RawURLEncoding.DecodeString(s)
}

// sinceQuery builds the Gmail search query for messages received at or
// after since. Gmail accepts epoch seconds for after:, which avoids the day
// granularity of the YYYY/MM/DD form. A zero since matches everything.
func sinceQuery(since time.Time) string {
	if since.IsZero() {
		return ""
	}
	return "after:" + strconv.FormatInt(since.Unix(), 10)
}

// ListAll returns a page of message IDs across the mailbox.
func (c *Client) ListAll(ctx context.Context, pageToken string, maxResults int) (*ListResult, error) {
	return c.listMessages(ctx, "", pageToken, maxResults)
}

// ListSince returns a page of message IDs received at or after since.
func (c *Client) ListSince(ctx context.Context, since time.Time, pageToken string, maxResults int) (*ListResult, error) {
	return c.listMessages(ctx, sinceQuery(since), pageToken, maxResults)
}

func (c *Client) listMessages(ctx context.Context, query, pageToken string, maxResults int) (*ListResult, error) {
	params := url.Values{}
	if maxResults > 0 {
		params.Set("maxResults", strconv.Itoa(maxResults))
	}
	if query != "" {
		params.Set("q", query)
	}
	if pageToken != "" {
		params.Set("pageToken", pageToken)
	}

	path := fmt.Sprintf("/users/%s/messages?%s", c.userID, params.Encode())
	data, err := c.request(ctx, path)
	if err != nil {
		return nil, err
	}

	var resp listMessagesResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("parse messages: %w", err)
	}

	messages := make([]MessageID, len(resp.Messages))
	for i, m := range resp.Messages {
		messages[i] = MessageID(m)
	}

	return &ListResult{
		Messages:           messages,
		NextPageToken:      resp.NextPageToken,
		ResultSizeEstimate: resp.ResultSizeEstimate,
	}, nil
}

// GetMessageRaw fetches a single message with raw MIME data.
func (c *Client) GetMessageRaw(ctx context.Context, messageID string) (*RawMessage, error) {
	path := fmt.Sprintf("/users/%s/messages/%s?format=raw", c.userID, url.PathEscape(messageID))
	data, err := c.request(ctx, path)
	if err != nil {
		return nil, err
	}

	var resp rawMessageResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("parse message: %w", err)
	}

	rawBytes, err := decodeBase64URL(resp.Raw)
	if err != nil {
		return nil, fmt.Errorf("decode raw MIME: %w", err)
	}

	internalDate, _ := strconv.ParseInt(resp.InternalDate, 10, 64)

	return &RawMessage{
		ID:           resp.ID,
		ThreadID:     resp.ThreadID,
		LabelIDs:     resp.LabelIDs,
		Snippet:      resp.Snippet,
		InternalDate: internalDate,
		SizeEstimate: resp.SizeEstimate,
		Raw:          rawBytes,
	}, nil
}

// FetchMany fetches messages in sub-batches of fetchBatchSize. Fetches
// within a sub-batch run concurrently; a failed fetch never cancels its
// siblings. Results keep input order and omit failures.
func (c *Client) FetchMany(ctx context.Context, messageIDs []string) ([]*RawMessage, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}

	out := make([]*RawMessage, 0, len(messageIDs))
	for start := 0; start < len(messageIDs); start += c.fetchBatchSize {
		if start > 0 && c.batchDelay > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.batchDelay):
			}
		}

		end := start + c.fetchBatchSize
		if end > len(messageIDs) {
			end = len(messageIDs)
		}
		chunk := messageIDs[start:end]
		results := make([]*RawMessage, len(chunk))

		// Plain Group, not WithContext: siblings keep running on failure.
		var g errgroup.Group
		for i, id := range chunk {
			g.Go(func() error {
				msg, err := c.GetMessageRaw(ctx, id)
				if err != nil {
					if IsAuth(err) || ctx.Err() != nil {
						return err
					}
					c.logger.Warn("failed to fetch message", "id", id, "error", err)
					return nil
				}
				results[i] = msg
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}

		for _, msg := range results {
			if msg != nil {
				out = append(out, msg)
			}
		}
	}

	return out, nil
}

// Ensure Client implements API interface.
var _ API = (*Client)(nil)
