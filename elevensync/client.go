package elevensync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultBaseURL      = "https://api.elevenlabs.io"
	defaultAPIKeyHeader = "xi-api-key"
	defaultMaxRetries   = 3
	defaultRetryBase    = time.Second
	defaultPageSize     = 100
	defaultHTTPTimeout  = 30 * time.Second

	// TestCallTimeout bounds ad hoc connectivity tests (connect/re-test).
	TestCallTimeout = 10 * time.Second
)

// providerError carries the classification every caller acts on: the retry
// loop checks retryable, the orchestrator checks authFailure to decide
// whether the integration goes to ERROR.
type providerError struct {
	StatusCode  int
	Op          string
	Body        string
	retryable   bool
	authFailure bool
}

func (e *providerError) Error() string {
	return fmt.Sprintf("provider api error (%s): status=%d: %s", e.Op, e.StatusCode, e.Body)
}

func IsRetryable(err error) bool {
	var pe *providerError
	return errors.As(err, &pe) && pe.retryable
}

func IsAuthFailure(err error) bool {
	var pe *providerError
	return errors.As(err, &pe) && pe.authFailure
}

func statusCodeOf(err error) int {
	var pe *providerError
	if errors.As(err, &pe) {
		return pe.StatusCode
	}
	return 0
}

// conversationSummary is one row of the provider's list endpoint. The
// provider has shipped both "id" and "conversation_id" spellings; externalID
// canonicalizes the moment a summary enters the system so nothing downstream
// ever sees both.
type conversationSummary struct {
	ID                string `json:"id"`
	ConversationID    string `json:"conversation_id"`
	AgentID           string `json:"agent_id"`
	AgentName         string `json:"agent_name"`
	StartTimeUnixSecs int64  `json:"start_time_unix_secs"`
	CallDurationSecs  int    `json:"call_duration_secs"`
	MessageCount      int    `json:"message_count"`
	Status            string `json:"status"`
	CallSuccessful    string `json:"call_successful"`
}

func (s conversationSummary) externalID() string {
	if id := strings.TrimSpace(s.ConversationID); id != "" {
		return id
	}
	return strings.TrimSpace(s.ID)
}

type conversationPage struct {
	Conversations []conversationSummary `json:"conversations"`
	HasMore       bool                  `json:"has_more"`
	NextCursor    string                `json:"next_cursor"`
}

type conversationMetadata struct {
	StartTimeUnixSecs int64       `json:"start_time_unix_secs"`
	CallDurationSecs  int         `json:"call_duration_secs"`
	Cost              json.Number `json:"cost"`
}

type conversationDetail struct {
	ID             string               `json:"id"`
	ConversationID string               `json:"conversation_id"`
	AgentID        string               `json:"agent_id"`
	Status         string               `json:"status"`
	Transcript     json.RawMessage      `json:"transcript"`
	Metadata       conversationMetadata `json:"metadata"`
	HasAudio       bool                 `json:"has_audio"`
}

func (d conversationDetail) externalID() string {
	if id := strings.TrimSpace(d.ConversationID); id != "" {
		return id
	}
	return strings.TrimSpace(d.ID)
}

type elevenClient struct {
	baseURL    string
	apiKey     string
	apiKeyHdr  string
	http       *http.Client
	maxRetries int
	baseDelay  time.Duration
	pageSize   int
}

func newElevenClient(apiKey string) (*elevenClient, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("provider api key is empty")
	}
	baseURL := strings.TrimSpace(os.Getenv("ELEVENLABS_API_BASE_URL"))
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	apiKeyHeader := strings.TrimSpace(os.Getenv("ELEVENLABS_API_KEY_HEADER"))
	if apiKeyHeader == "" {
		apiKeyHeader = defaultAPIKeyHeader
	}

	return &elevenClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		apiKeyHdr:  apiKeyHeader,
		http:       &http.Client{Timeout: durationFromEnv("SYNC_HTTP_TIMEOUT_SECONDS", defaultHTTPTimeout, time.Second)},
		maxRetries: intFromEnv("SYNC_MAX_RETRIES", defaultMaxRetries),
		baseDelay:  durationFromEnv("SYNC_RETRY_BASE_MS", defaultRetryBase, time.Millisecond),
		pageSize:   intFromEnv("SYNC_PAGE_SIZE", defaultPageSize),
	}, nil
}

// ListConversations fetches one page of the provider's conversation listing.
func (c *elevenClient) ListConversations(ctx context.Context, cursor string) (conversationPage, error) {
	return c.listPage(ctx, cursor, c.pageSize)
}

func (c *elevenClient) listPage(ctx context.Context, cursor string, pageSize int) (conversationPage, error) {
	params := url.Values{}
	params.Set("page_size", strconv.Itoa(pageSize))
	if cursor != "" {
		params.Set("cursor", cursor)
	}

	var page conversationPage
	if err := c.doJSON(ctx, "list_conversations", "/v1/convai/conversations", params, freshDecode(&page)); err != nil {
		return conversationPage{}, err
	}
	return page, nil
}

// GetConversation fetches the full detail (transcript, cost, audio flag) for
// one external conversation id.
func (c *elevenClient) GetConversation(ctx context.Context, externalID string) (*conversationDetail, error) {
	var detail conversationDetail
	path := "/v1/convai/conversations/" + url.PathEscape(externalID)
	if err := c.doJSON(ctx, "get_conversation", path, nil, freshDecode(&detail)); err != nil {
		return nil, err
	}
	return &detail, nil
}

// GetConversationAudio downloads call audio. Single attempt: audio archival
// is best-effort and the caller falls back to the provider URL.
func (c *elevenClient) GetConversationAudio(ctx context.Context, externalID string) ([]byte, string, error) {
	endpoint := c.AudioURL(externalID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set(c.apiKeyHdr, c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", &providerError{Op: "get_audio", Body: err.Error(), retryable: true}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", &providerError{StatusCode: resp.StatusCode, Op: "get_audio", Body: truncateBody(body)}
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "audio/mpeg"
	}
	return body, contentType, nil
}

// AudioURL is the provider-side audio endpoint, stored as the audio
// reference when archival is disabled.
func (c *elevenClient) AudioURL(externalID string) string {
	return c.baseURL + "/v1/convai/conversations/" + url.PathEscape(externalID) + "/audio"
}

// Verify issues a minimal authenticated list call. Used by connect/re-test.
func (c *elevenClient) Verify(ctx context.Context) error {
	_, err := c.listPage(ctx, "", 1)
	return err
}

// freshDecode unmarshals into a zero value and assigns it to dst only when
// the whole body decodes. A failed attempt leaves dst untouched, so a retry
// never sees fields leaked from an earlier partial decode.
func freshDecode[T any](dst *T) func(body []byte) error {
	return func(body []byte) error {
		var v T
		if err := json.Unmarshal(body, &v); err != nil {
			return err
		}
		*dst = v
		return nil
	}
}

// doJSON wraps a single outbound call with classification and exponential
// backoff: maxRetries attempts total, delay before retry k is
// baseDelay * 2^(k-1). Non-retryable failures return immediately. decode
// runs once per attempt against that attempt's body; a decode failure is
// classified retryable.
func (c *elevenClient) doJSON(ctx context.Context, op string, path string, params url.Values, decode func(body []byte) error) error {
	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint = endpoint + "?" + params.Encode()
	}

	var lastErr error
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		if attempt > 1 {
			delay := c.baseDelay << (attempt - 2)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		status, body, err := c.doOnce(ctx, op, endpoint)
		if err == nil {
			if decode == nil {
				return nil
			}
			if err = decode(body); err == nil {
				return nil
			}
			err = &providerError{StatusCode: status, Op: op, Body: "undecodable response body: " + err.Error(), retryable: true}
		}
		lastErr = err
		if !IsRetryable(err) {
			return err
		}
	}
	return lastErr
}

func (c *elevenClient) doOnce(ctx context.Context, op string, endpoint string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set(c.apiKeyHdr, c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		// Timeouts and connection resets are worth retrying.
		return 0, nil, &providerError{Op: op, Body: err.Error(), retryable: true}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		pe := &providerError{StatusCode: resp.StatusCode, Op: op, Body: truncateBody(body)}
		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			pe.authFailure = true
		case resp.StatusCode >= 500:
			pe.retryable = true
		}
		return resp.StatusCode, nil, pe
	}

	// An HTML page on a success status means a gateway or a misconfigured
	// base URL answered, not the provider API. Retrying cannot fix that.
	if ct := resp.Header.Get("Content-Type"); ct != "" && !strings.Contains(ct, "json") {
		return resp.StatusCode, nil, &providerError{StatusCode: resp.StatusCode, Op: op, Body: "unexpected content type " + ct, authFailure: true}
	}

	return resp.StatusCode, body, nil
}

func truncateBody(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 512 {
		return s[:512]
	}
	return s
}

func intFromEnv(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func durationFromEnv(key string, def time.Duration, unit time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return time.Duration(n) * unit
}
