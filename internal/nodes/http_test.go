package nodes

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/tradeflow/pkg/schema"
)

func httpRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry()
	require.NoError(t, RegisterBuiltins(r, Dependencies{HTTP: http.DefaultClient}))
	return r
}

func runHTTPNode(t *testing.T, r *Registry, node schema.Node, inputs map[string]any) (any, error) {
	t.Helper()
	_, h, err := r.Lookup(node.Category, node.Type)
	require.NoError(t, err)
	rc := RunContext{WorkflowID: "wf-1", BotID: "bot-1", CorrelationID: "c-1"}
	return h.Execute(context.Background(), &node, inputs, rc)
}

func TestHTTPProvider_FetchesJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "Bearer s3cret", r.Header.Get("Authorization"))
		assert.Equal(t, "BTC-USD", r.URL.Query().Get("symbol"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"last": 101.5, "bid": 101.4}`))
	}))
	defer srv.Close()

	out, err := runHTTPNode(t, httpRegistry(t), schema.Node{
		ID: "quote", Category: schema.CategoryProvider, Type: "http",
		Params: map[string]any{
			"url":  srv.URL + "/ticker?symbol=BTC-USD",
			"auth": map[string]any{"type": "bearer", "token": "s3cret"},
		},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"last": 101.5, "bid": 101.4}, out)
}

func TestHTTPProvider_FullResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "k-1", r.Header.Get("X-API-Key"))
		_, _ = w.Write([]byte("pong"))
	}))
	defer srv.Close()

	out, err := runHTTPNode(t, httpRegistry(t), schema.Node{
		ID: "ping", Category: schema.CategoryProvider, Type: "http",
		Params: map[string]any{
			"url":           srv.URL,
			"full_response": true,
			"auth":          map[string]any{"type": "api_key", "header_name": "X-API-Key", "header_value": "k-1"},
		},
	}, nil)
	require.NoError(t, err)
	m := out.(map[string]any)
	assert.Equal(t, http.StatusOK, m["status_code"])
	assert.Equal(t, "pong", m["body"])
}

func TestHTTPProvider_StatusClassification(t *testing.T) {
	tests := []struct {
		status    int
		transient bool
	}{
		{http.StatusInternalServerError, true},
		{http.StatusServiceUnavailable, true},
		{http.StatusTooManyRequests, true},
		{http.StatusBadRequest, false},
		{http.StatusNotFound, false},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			_, err := runHTTPNode(t, httpRegistry(t), schema.Node{
				ID: "q", Category: schema.CategoryProvider, Type: "http",
				Params: map[string]any{"url": srv.URL},
			}, nil)
			require.Error(t, err)
			assert.Equal(t, tt.transient, schema.IsTransient(err))

			var se *schema.Error
			require.ErrorAs(t, err, &se)
			assert.Equal(t, "q", se.NodeID)
			assert.Equal(t, tt.status, se.Details["status_code"])
		})
	}
}

func TestHTTPProvider_RejectsBadURL(t *testing.T) {
	for _, u := range []string{"", "ftp://example.com/x", "not a url"} {
		_, err := runHTTPNode(t, httpRegistry(t), schema.Node{
			ID: "q", Category: schema.CategoryProvider, Type: "http",
			Params: map[string]any{"url": u},
		}, nil)
		require.Error(t, err, u)
		assert.False(t, schema.IsTransient(err), u)
	}
}

func TestHTTPProvider_ConnectionErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := runHTTPNode(t, httpRegistry(t), schema.Node{
		ID: "q", Category: schema.CategoryProvider, Type: "http",
		Params: map[string]any{"url": url},
	}, nil)
	require.Error(t, err)
	assert.True(t, schema.IsTransient(err))
}

func TestWebhookAction_PostsRunAndInputs(t *testing.T) {
	var calls atomic.Int32
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "ops", r.Header.Get("X-Channel"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	out, err := runHTTPNode(t, httpRegistry(t), schema.Node{
		ID: "alert", Category: schema.CategoryAction, Type: "webhook",
		Params: map[string]any{
			"url":     srv.URL,
			"headers": map[string]any{"X-Channel": "ops"},
			"payload": map[string]any{"text": "filled"},
		},
	}, map[string]any{"buy": map[string]any{"price": 100.0}})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"status_code": http.StatusAccepted, "delivered": true}, out)
	assert.EqualValues(t, 1, calls.Load())

	assert.Equal(t, "wf-1", got["workflow_id"])
	assert.Equal(t, "alert", got["node_id"])
	assert.Equal(t, "bot-1", got["bot_id"])
	assert.Equal(t, "c-1", got["correlation_id"])
	assert.NotContains(t, got, "strategy_id")
	assert.Equal(t, map[string]any{"text": "filled"}, got["payload"])
	assert.Equal(t, map[string]any{"buy": map[string]any{"price": 100.0}}, got["inputs"])
}

func TestHTTPNodes_NotTradingAndOptional(t *testing.T) {
	r := httpRegistry(t)
	desc, _, err := r.Lookup(schema.CategoryAction, "webhook")
	require.NoError(t, err)
	assert.False(t, desc.Trading)

	_, _, err = NewRegistry().Lookup(schema.CategoryProvider, "http")
	assert.True(t, schema.HasCode(err, schema.ErrCodeHandlerNotFound))
}
