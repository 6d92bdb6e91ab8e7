package salesforce

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	gosf "github.com/k-capehart/go-salesforce/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestClient points a REST client at an httptest server.
func newTestClient(t *testing.T, handler http.Handler) (Client, *httptest.Server) {
	t.Helper()
	ts := httptest.NewServer(handler)

	sf, err := gosf.Init(gosf.Creds{
		AccessToken: "test-token",
		Domain:      ts.URL,
	},
		gosf.WithValidateAuthentication(false),
		gosf.WithRoundTripper(http.DefaultTransport),
	)
	require.NoError(t, err)
	require.NotNil(t, sf)

	return NewClient(sf), ts
}

func TestRESTClient_Query(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/query")
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"totalSize": 1,
			"done":      true,
			"records": []map[string]any{
				{
					"attributes":  map[string]any{"type": "Product2"},
					"Id":          "01txx",
					"Name":        "Sony WH-1000XM4",
					"ProductCode": "p-1",
				},
			},
		})
	})

	client, ts := newTestClient(t, handler)
	defer ts.Close()

	var products []Product2
	err := client.Query(context.Background(), "SELECT Id, Name FROM Product2", &products)
	require.NoError(t, err)
	require.Len(t, products, 1)
	assert.Equal(t, "01txx", products[0].ID)
	assert.Equal(t, "p-1", products[0].ProductCode)
}

func TestRESTClient_Query_Error(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode([]map[string]any{
			{"message": "invalid SOQL", "errorCode": "MALFORMED_QUERY"},
		})
	})

	client, ts := newTestClient(t, handler)
	defer ts.Close()

	var products []Product2
	err := client.Query(context.Background(), "INVALID SOQL", &products)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "salesforce: query")
}

func TestRESTClient_InsertOne_Failure(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			w.WriteHeader(http.StatusOK)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"id":      "",
				"success": false,
				"errors":  []map[string]any{{"message": "required field missing"}},
			})
			return
		}
		w.WriteHeader(http.StatusNotFound)
	})

	client, ts := newTestClient(t, handler)
	defer ts.Close()

	_, err := client.InsertOne(context.Background(), "Product2", map[string]any{})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "salesforce: insert Product2: rejected")
}

func TestRESTClient_UpdateOne_DoesNotMutateFields(t *testing.T) {
	var body map[string]any
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPatch {
			raw, _ := io.ReadAll(r.Body)
			_ = json.Unmarshal(raw, &body)
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	})

	client, ts := newTestClient(t, handler)
	defer ts.Close()

	fields := map[string]any{"Family": "Audio"}
	require.NoError(t, client.UpdateOne(context.Background(), "Product2", "01txx", fields))
	assert.NotContains(t, fields, "Id")
	assert.Equal(t, "Audio", body["Family"])
}

func TestUpsertProduct_CreatesWhenMissing(t *testing.T) {
	var inserted map[string]any
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodGet:
			assert.Contains(t, r.URL.RawQuery, "ProductCode")
			_ = json.NewEncoder(w).Encode(map[string]any{"totalSize": 0, "done": true, "records": []any{}})
		case r.Method == http.MethodPost:
			raw, _ := io.ReadAll(r.Body)
			_ = json.Unmarshal(raw, &inserted)
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(map[string]any{"id": "01tnew", "success": true, "errors": []any{}})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	client, ts := newTestClient(t, handler)
	defer ts.Close()

	id, created, err := UpsertProduct(context.Background(), client, map[string]any{
		"Name":        "Canon EOS R5",
		"ProductCode": "p-2",
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "01tnew", id)
	assert.Equal(t, "Canon EOS R5", inserted["Name"])
}

func TestUpsertProduct_UpdatesExisting(t *testing.T) {
	var patched bool
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.Method {
		case http.MethodGet:
			_ = json.NewEncoder(w).Encode(map[string]any{
				"totalSize": 1,
				"done":      true,
				"records": []map[string]any{
					{"attributes": map[string]any{"type": "Product2"}, "Id": "01told", "Name": "Old", "ProductCode": "p-3"},
				},
			})
		case http.MethodPatch:
			patched = true
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	client, ts := newTestClient(t, handler)
	defer ts.Close()

	id, created, err := UpsertProduct(context.Background(), client, map[string]any{
		"Name":        "New",
		"ProductCode": "p-3",
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "01told", id)
	assert.True(t, patched)
}

func TestUpsertProduct_Validation(t *testing.T) {
	_, _, err := UpsertProduct(context.Background(), nil, map[string]any{"ProductCode": "p"})
	assert.ErrorContains(t, err, "Name is required")

	_, err = FindProductByCode(context.Background(), nil, "")
	assert.ErrorContains(t, err, "product code is required")
}

func TestRESTClient_RateLimitCancelled(t *testing.T) {
	calls := 0
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"totalSize": 0, "done": true, "records": []any{}})
	})
	ts := httptest.NewServer(handler)
	defer ts.Close()

	sf, err := gosf.Init(gosf.Creds{AccessToken: "test-token", Domain: ts.URL},
		gosf.WithValidateAuthentication(false),
		gosf.WithRoundTripper(http.DefaultTransport),
	)
	require.NoError(t, err)
	client := NewClient(sf, WithRateLimit(0.001))

	var out []Product2
	require.NoError(t, client.Query(context.Background(), "SELECT Id FROM Product2", &out))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = client.Query(ctx, "SELECT Id FROM Product2", &out)
	assert.ErrorContains(t, err, "salesforce: query: rate limit")
	assert.Equal(t, 1, calls)
}

func TestEscapeSoql(t *testing.T) {
	assert.Equal(t, `O\'Brien`, escapeSoql("O'Brien"))
}

func TestNewJWTClient_Validation(t *testing.T) {
	_, err := NewJWTClient(JWTConfig{})
	assert.Error(t, err)

	assert.ErrorContains(t, err, "missing client id, username, private key")

	_, err = NewJWTClient(JWTConfig{ClientID: "id", Username: "u"})
	assert.ErrorContains(t, err, "salesforce: missing private key")
}
