package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gigaflow/gigaflow/common/models"
	"github.com/gigaflow/gigaflow/core/template"
)

// executeWebhook performs an outbound HTTP call with a templated URL and JSON
// body. Transport errors abort the node; a non-2xx status is recorded in
// meta.success and the run continues.
func (e *Engine) executeWebhook(ctx context.Context, rn *run, node *models.Node, inputData map[string]any) (map[string]any, error) {
	start := time.Now()
	cfg := node.Config()

	urlTemplate := models.ConfigString(cfg, "url", "")
	method := strings.ToUpper(models.ConfigString(cfg, "method", "POST"))
	headersStr := models.ConfigString(cfg, "headers", "Content-Type: application/json")
	bodyTemplate := models.ConfigString(cfg, "bodyTemplate", "{}")

	url := e.resolve(rn, urlTemplate, inputData)
	if url == "" {
		return nil, fmt.Errorf("webhook node: URL is required")
	}

	headers := parseHeaderLines(headersStr)

	var payload any
	var body io.Reader
	if method == http.MethodPost || method == http.MethodPut || method == http.MethodPatch {
		resolvedBody := e.resolve(rn, bodyTemplate, inputData)
		parsed, err := template.ParseJSONLenient(resolvedBody)
		if err != nil {
			return nil, fmt.Errorf("webhook node: invalid JSON in request body after template replacement: %w", err)
		}
		payload = parsed
		raw, err := json.Marshal(parsed)
		if err != nil {
			return nil, fmt.Errorf("webhook node: marshal payload: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	reqCtx, cancel := context.WithTimeout(ctx, e.cfg.WebhookTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("webhook node: build request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	e.log.Info("webhook request", "node_id", node.ID, "method", method, "url", url)

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("webhook node: request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("webhook node: read response: %w", err)
	}

	var respJSON any
	if err := json.Unmarshal(respBody, &respJSON); err != nil {
		respJSON = nil
	}

	respHeaders := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		respHeaders[k] = resp.Header.Get(k)
	}

	return map[string]any{
		"text": string(respBody),
		"json": respJSON,
		"meta": map[string]any{
			"node_type":         node.Type,
			"timestamp":         time.Now().Format(time.RFC3339),
			"execution_time_ms": time.Since(start).Milliseconds(),
			"success":           resp.StatusCode >= 200 && resp.StatusCode < 300,
			"status_code":       resp.StatusCode,
			"response_headers":  respHeaders,
		},
		"inputs": map[string]any{
			"url_template":  urlTemplate,
			"final_url":     url,
			"method":        method,
			"headers":       headers,
			"body_template": bodyTemplate,
			"final_payload": payload,
		},
	}, nil
}

// parseHeaderLines parses "Key: Value" lines into a header map.
func parseHeaderLines(s string) map[string]string {
	headers := make(map[string]string)
	for _, line := range strings.Split(strings.TrimSpace(s), "\n") {
		if k, v, ok := strings.Cut(line, ":"); ok {
			headers[strings.TrimSpace(k)] = strings.TrimSpace(v)
		}
	}
	return headers
}
