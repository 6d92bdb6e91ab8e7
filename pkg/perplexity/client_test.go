package perplexity

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/listing-pipeline/internal/resilience"
)

const okBody = `{"id":"1","choices":[{"index":0,"message":{"role":"assistant","content":"ok"}}],"usage":{}}`

// captureServer records the decoded request body and replies with reply.
func captureServer(t *testing.T, status int, reply string, got *map[string]any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, completionPath, r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		if got != nil {
			assert.NoError(t, json.NewDecoder(r.Body).Decode(got))
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(reply))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestChatCompletion(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr string
	}{
		{
			name:   "success",
			status: http.StatusOK,
			body: `{"id":"cmpl-123",
				"choices":[{"index":0,"message":{"role":"assistant","content":"EOS R50 sells for $679"}}],
				"usage":{"prompt_tokens":10,"completion_tokens":5}}`,
		},
		{name: "rate_limit", status: http.StatusTooManyRequests, body: `{"error":"rate limit exceeded"}`, wantErr: "perplexity: status 429"},
		{name: "server_error", status: http.StatusInternalServerError, body: `{"error":"boom"}`, wantErr: "perplexity: status 500"},
		{name: "forbidden_includes_body", status: http.StatusForbidden, body: `{"error":"invalid api key"}`, wantErr: "invalid api key"},
		{name: "malformed_response", status: http.StatusOK, body: `{invalid json`, wantErr: "unmarshal response"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := captureServer(t, tt.status, tt.body, nil)

			resp, err := NewClient("test-key", WithBaseURL(srv.URL)).ChatCompletion(context.Background(), ChatCompletionRequest{
				Messages: []Message{{Role: "user", Content: "price of Canon EOS R50"}},
			})
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				assert.Nil(t, resp)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "cmpl-123", resp.ID)
			assert.Equal(t, "EOS R50 sells for $679", resp.Content())
			assert.Equal(t, 5, resp.Usage.CompletionTokens)
		})
	}
}

func TestChatCompletion_RequestBody(t *testing.T) {
	temp := 0.2
	maxTokens := 500

	tests := []struct {
		name  string
		opts  []Option
		req   ChatCompletionRequest
		check func(t *testing.T, body map[string]any)
	}{
		{
			name: "default model and omitted optionals",
			check: func(t *testing.T, body map[string]any) {
				assert.Equal(t, defaultModel, body["model"])
				for _, k := range []string{"temperature", "max_tokens", "search_domain_filter", "search_recency_filter"} {
					assert.NotContains(t, body, k)
				}
			},
		},
		{
			name: "client model",
			opts: []Option{WithModel("sonar")},
			check: func(t *testing.T, body map[string]any) {
				assert.Equal(t, "sonar", body["model"])
			},
		},
		{
			name: "request model wins",
			opts: []Option{WithModel("sonar")},
			req:  ChatCompletionRequest{Model: "sonar-reasoning"},
			check: func(t *testing.T, body map[string]any) {
				assert.Equal(t, "sonar-reasoning", body["model"])
			},
		},
		{
			name: "sampling and search filters",
			req: ChatCompletionRequest{
				Temperature:   &temp,
				MaxTokens:     &maxTokens,
				SearchDomains: []string{"amazon.com", "-pinterest.com"},
				SearchRecency: RecencyMonth,
			},
			check: func(t *testing.T, body map[string]any) {
				assert.InDelta(t, 0.2, body["temperature"], 0.001)
				assert.InDelta(t, 500, body["max_tokens"], 0.001)
				assert.Equal(t, []any{"amazon.com", "-pinterest.com"}, body["search_domain_filter"])
				assert.Equal(t, "month", body["search_recency_filter"])
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body map[string]any
			srv := captureServer(t, http.StatusOK, okBody, &body)

			tt.req.Messages = []Message{{Role: "user", Content: "test"}}
			_, err := NewClient("test-key", append([]Option{WithBaseURL(srv.URL)}, tt.opts...)...).ChatCompletion(context.Background(), tt.req)
			require.NoError(t, err)
			tt.check(t, body)
		})
	}
}

func TestChatCompletion_StatusClassification(t *testing.T) {
	tests := []struct {
		status    int
		transient bool
	}{
		{http.StatusTooManyRequests, true},
		{http.StatusBadGateway, true},
		{http.StatusServiceUnavailable, true},
		{http.StatusBadRequest, false},
		{http.StatusUnauthorized, false},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := captureServer(t, tt.status, `{"error":"nope"}`, nil)

			_, err := NewClient("test-key", WithBaseURL(srv.URL)).ChatCompletion(context.Background(), ChatCompletionRequest{})
			require.Error(t, err)
			assert.Equal(t, tt.transient, resilience.IsTransient(err))
		})
	}
}

func TestChatCompletion_CancelledContextIsTransient(t *testing.T) {
	srv := captureServer(t, http.StatusOK, okBody, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewClient("test-key", WithBaseURL(srv.URL)).ChatCompletion(ctx, ChatCompletionRequest{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "send request")
	assert.True(t, resilience.IsTransient(err))
}

func TestResponse_Sources(t *testing.T) {
	srv := captureServer(t, http.StatusOK, `{"id":"c1",
		"choices":[{"index":0,"message":{"role":"assistant","content":"ok"}}],
		"citations":["https://www.amazon.com/dp/B0BS1YZ8","https://www.ebay.com/itm/1"],
		"search_results":[
			{"title":"Canon EOS R50","url":"https://www.ebay.com/itm/1"},
			{"title":"Canon USA","url":"https://www.usa.canon.com/r50","date":"2025-02-01"}
		],"usage":{}}`, nil)

	resp, err := NewClient("test-key", WithBaseURL(srv.URL)).ChatCompletion(context.Background(), ChatCompletionRequest{})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"https://www.amazon.com/dp/B0BS1YZ8",
		"https://www.ebay.com/itm/1",
		"https://www.usa.canon.com/r50",
	}, resp.Sources())
	require.Len(t, resp.SearchResults, 2)
	assert.Equal(t, "2025-02-01", resp.SearchResults[1].Date)

	var empty *ChatCompletionResponse
	assert.Empty(t, empty.Content())
	assert.Nil(t, empty.Sources())
}

func TestNewClient_Options(t *testing.T) {
	t.Parallel()
	c := NewClient("my-key").(*httpClient)
	assert.Equal(t, "my-key", c.apiKey)
	assert.Equal(t, defaultBaseURL, c.baseURL)
	assert.Equal(t, defaultModel, c.model)
	assert.Nil(t, c.limiter)

	custom := &http.Client{}
	c = NewClient("k", WithHTTPClient(custom), WithBaseURL("http://local/"), WithModel(""), WithRateLimit(2, 0)).(*httpClient)
	assert.Same(t, custom, c.http)
	assert.Equal(t, "http://local", c.baseURL)
	assert.Equal(t, defaultModel, c.model)
	require.NotNil(t, c.limiter)
	assert.Equal(t, 1, c.limiter.Burst())

	assert.Nil(t, NewClient("k", WithRateLimit(0, 5)).(*httpClient).limiter)
}

func TestWithRateLimit_CancelledWait(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(okBody))
	}))
	defer srv.Close()

	client := NewClient("k", WithBaseURL(srv.URL), WithRateLimit(0.001, 1))
	_, err := client.ChatCompletion(context.Background(), ChatCompletionRequest{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = client.ChatCompletion(ctx, ChatCompletionRequest{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limit wait")
	assert.Equal(t, int32(1), calls.Load())
}
