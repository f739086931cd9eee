package elevensync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func newTestClient(t *testing.T, serverURL string) *elevenClient {
	t.Helper()
	t.Setenv("ELEVENLABS_API_BASE_URL", serverURL)
	t.Setenv("SYNC_RETRY_BASE_MS", "1")
	client, err := newElevenClient("test-api-key")
	if err != nil {
		t.Fatalf("newElevenClient: %v", err)
	}
	return client
}

func writePage(w http.ResponseWriter, page conversationPage) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(page)
}

func TestClient_RetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		writePage(w, conversationPage{Conversations: []conversationSummary{{ConversationID: "conv_1"}}})
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	page, err := client.ListConversations(context.Background(), "")
	if err != nil {
		t.Fatalf("ListConversations: %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
	if len(page.Conversations) != 1 || page.Conversations[0].externalID() != "conv_1" {
		t.Fatalf("unexpected page: %+v", page)
	}
}

func TestClient_ExhaustedRetriesReturnLastError(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	_, err := client.ListConversations(context.Background(), "")
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if got := atomic.LoadInt32(&calls); got != defaultMaxRetries {
		t.Fatalf("expected %d attempts, got %d", defaultMaxRetries, got)
	}
	if !IsRetryable(err) {
		t.Fatalf("5xx exhaustion should stay classified retryable: %v", err)
	}
}

func TestClient_UnauthorizedIsNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	_, err := client.GetConversation(context.Background(), "conv_1")
	if err == nil {
		t.Fatal("expected error")
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("401 must not be retried, got %d attempts", got)
	}
	if !IsAuthFailure(err) {
		t.Fatalf("401 should classify as auth failure: %v", err)
	}
	if IsRetryable(err) {
		t.Fatalf("401 must not classify retryable: %v", err)
	}
	if statusCodeOf(err) != http.StatusUnauthorized {
		t.Fatalf("status code lost: %v", err)
	}
}

func TestClient_NonJSONBodyIsAuthFailure(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, "<html><body>login required</body></html>")
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	_, err := client.ListConversations(context.Background(), "")
	if err == nil {
		t.Fatal("expected error for html body")
	}
	if !IsAuthFailure(err) {
		t.Fatalf("html body should classify as auth failure: %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("html body must not be retried, got %d attempts", got)
	}
}

func TestClient_RetryDecodesEachAttemptFresh(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if atomic.AddInt32(&calls, 1) == 1 {
			// Valid JSON whose "conversations" field has the wrong type:
			// the decode fails after sibling fields were already readable.
			fmt.Fprint(w, `{"has_more":true,"next_cursor":"phantom","conversations":"oops"}`)
			return
		}
		fmt.Fprint(w, `{"conversations":[]}`)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	page, err := client.ListConversations(context.Background(), "")
	if err != nil {
		t.Fatalf("ListConversations: %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("expected 2 attempts, got %d", got)
	}
	if page.HasMore || page.NextCursor != "" {
		t.Fatalf("fields from the failed attempt leaked into the result: has_more=%v next_cursor=%q", page.HasMore, page.NextCursor)
	}
}

func TestClient_SendsApiKeyHeader(t *testing.T) {
	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("xi-api-key")
		writePage(w, conversationPage{})
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	if err := client.Verify(context.Background()); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if gotKey != "test-api-key" {
		t.Fatalf("api key header = %q", gotKey)
	}
}

func TestDrainListing_FollowsCursorUntilExhausted(t *testing.T) {
	const pages = 4
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		cursor := r.URL.Query().Get("cursor")
		if n == 1 && cursor != "" {
			t.Errorf("first request carried cursor %q", cursor)
		}
		if n > 1 && cursor != fmt.Sprintf("cursor_%d", n-1) {
			t.Errorf("request %d carried cursor %q", n, cursor)
		}

		page := conversationPage{
			Conversations: []conversationSummary{{ConversationID: fmt.Sprintf("conv_%d", n)}},
		}
		if n < pages {
			page.HasMore = true
			page.NextCursor = fmt.Sprintf("cursor_%d", n)
		}
		writePage(w, page)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	engine := &Engine{}
	all, err := engine.drainListing(context.Background(), client)
	if err != nil {
		t.Fatalf("drainListing: %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != pages {
		t.Fatalf("expected exactly %d list requests, got %d", pages, got)
	}
	if len(all) != pages {
		t.Fatalf("expected %d aggregated items, got %d", pages, len(all))
	}
	for i, s := range all {
		if want := fmt.Sprintf("conv_%d", i+1); s.externalID() != want {
			t.Fatalf("item %d: got %q, want %q", i, s.externalID(), want)
		}
	}
}

func TestConversationIDCanonicalization(t *testing.T) {
	cases := []struct {
		summary conversationSummary
		want    string
	}{
		{conversationSummary{ConversationID: "conv_a"}, "conv_a"},
		{conversationSummary{ID: "conv_b"}, "conv_b"},
		{conversationSummary{ID: "legacy", ConversationID: "preferred"}, "preferred"},
		{conversationSummary{ConversationID: "  padded  "}, "padded"},
		{conversationSummary{}, ""},
	}
	for _, tc := range cases {
		if got := tc.summary.externalID(); got != tc.want {
			t.Fatalf("externalID(%+v) = %q, want %q", tc.summary, got, tc.want)
		}
	}
}
