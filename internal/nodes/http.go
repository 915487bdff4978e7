package nodes

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rendis/tradeflow/pkg/schema"
)

const defaultMaxResponseBody = 1 << 20

// httpCall performs the requests of provider/http and action/webhook.
type httpCall struct {
	client  *http.Client
	maxBody int64
}

// request is the decoded shape of an HTTP node's params.
type request struct {
	method  string
	url     string
	headers map[string]string
	body    any
}

func (h *httpCall) do(ctx context.Context, node *schema.Node, req request) (map[string]any, error) {
	u, err := url.ParseRequestURI(req.url)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, schema.PermanentError("invalid url %q", req.url).WithNode(node.ID)
	}

	var body io.Reader
	if req.body != nil {
		b, err := json.Marshal(req.body)
		if err != nil {
			return nil, schema.PermanentError("marshal body: %s", err.Error()).WithNode(node.ID).WithCause(err)
		}
		body = bytes.NewReader(b)
	}

	hr, err := http.NewRequestWithContext(ctx, req.method, req.url, body)
	if err != nil {
		return nil, schema.PermanentError("build request: %s", err.Error()).WithNode(node.ID).WithCause(err)
	}
	if body != nil {
		hr.Header.Set("Content-Type", "application/json")
	}
	hr.Header.Set("Accept", "application/json")
	for k, v := range req.headers {
		hr.Header.Set(k, v)
	}
	applyAuth(hr, node.Params["auth"])

	start := time.Now()
	resp, err := h.client.Do(hr)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, schema.TransientError("%s %s: %s", req.method, u.Host, err.Error()).WithNode(node.ID).WithCause(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, h.maxBody))
	if err != nil {
		return nil, schema.TransientError("read response: %s", err.Error()).WithNode(node.ID).WithCause(err)
	}

	out := map[string]any{
		"status_code": resp.StatusCode,
		"body":        decodeBody(resp.Header.Get("Content-Type"), data),
		"duration_ms": time.Since(start).Milliseconds(),
	}

	// 5xx and 429 are worth retrying; other error statuses are not.
	switch {
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusTooManyRequests:
		return nil, schema.TransientError("%s %s: server returned %d", req.method, u.Host, resp.StatusCode).
			WithNode(node.ID).WithDetails(out)
	case resp.StatusCode >= 400:
		return nil, schema.PermanentError("%s %s: server returned %d", req.method, u.Host, resp.StatusCode).
			WithNode(node.ID).WithDetails(out)
	}
	return out, nil
}

func decodeBody(contentType string, data []byte) any {
	if len(data) == 0 {
		return nil
	}
	if strings.Contains(contentType, "json") {
		var v any
		if err := json.Unmarshal(data, &v); err == nil {
			return v
		}
	}
	return string(data)
}

// applyAuth supports {"type": "bearer", "token"} and
// {"type": "api_key", "header_name", "header_value"}.
func applyAuth(req *http.Request, raw any) {
	auth, ok := raw.(map[string]any)
	if !ok {
		return
	}
	str := func(k string) string {
		s, _ := auth[k].(string)
		return s
	}
	switch str("type") {
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+str("token"))
	case "api_key":
		if name := str("header_name"); name != "" {
			req.Header.Set(name, str("header_value"))
		}
	}
}

func headersParam(node *schema.Node) map[string]string {
	raw, ok := node.Params["headers"].(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		out[k] = fmt.Sprintf("%v", v)
	}
	return out
}

// httpFetch implements provider/http: GET params.url and emit the decoded body.
type httpFetch struct {
	httpCall
}

func (h *httpFetch) Execute(ctx context.Context, node *schema.Node, _ map[string]any, _ RunContext) (any, error) {
	out, err := h.do(ctx, node, request{
		method:  http.MethodGet,
		url:     paramString(node, "url", ""),
		headers: headersParam(node),
	})
	if err != nil {
		return nil, err
	}
	if paramBool(node, "full_response") {
		return out, nil
	}
	return out["body"], nil
}

// webhookAction implements action/webhook: POST the run identity, params.payload
// and the upstream outputs to params.url.
type webhookAction struct {
	httpCall
}

func (h *webhookAction) Execute(ctx context.Context, node *schema.Node, inputs map[string]any, rc RunContext) (any, error) {
	body := map[string]any{
		"workflow_id":    rc.WorkflowID,
		"node_id":        node.ID,
		"correlation_id": rc.CorrelationID,
	}
	if rc.BotID != "" {
		body["bot_id"] = rc.BotID
	}
	if rc.StrategyID != "" {
		body["strategy_id"] = rc.StrategyID
	}
	if p, ok := node.Params["payload"]; ok {
		body["payload"] = p
	}
	if len(inputs) > 0 {
		body["inputs"] = inputs
	}

	out, err := h.do(ctx, node, request{
		method:  strings.ToUpper(paramString(node, "method", http.MethodPost)),
		url:     paramString(node, "url", ""),
		headers: headersParam(node),
		body:    body,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"status_code": out["status_code"], "delivered": true}, nil
}
