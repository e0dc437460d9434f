package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gigaflow/gigaflow/common/models"
	"github.com/gigaflow/gigaflow/core/template"
)

// executeRequestIterator expands a templated JSON array of sub-requests and
// dispatches them sequentially or in parallel. Per-request failures are
// recorded in the response list and never abort the node.
func (e *Engine) executeRequestIterator(ctx context.Context, rn *run, node *models.Node, inputData map[string]any) (map[string]any, error) {
	start := time.Now()
	cfg := node.Config()

	jsonInputTemplate := models.ConfigString(cfg, "jsonInput", "")
	if jsonInputTemplate == "" {
		return nil, fmt.Errorf("request_iterator node: 'jsonInput' template is not configured")
	}

	resolved := e.resolve(rn, jsonInputTemplate, inputData)
	if resolved == "" || resolved == jsonInputTemplate {
		e.log.Warn("request_iterator input did not resolve, assuming empty list",
			"node_id", node.ID, "template", jsonInputTemplate)
		resolved = "[]"
	}

	parsed, err := template.ParseJSONLenient(resolved)
	if err != nil {
		return nil, fmt.Errorf("request_iterator node: invalid JSON input after template replacement: %w", err)
	}

	var requestList []any
	switch v := parsed.(type) {
	case []any:
		requestList = v
	case map[string]any:
		requestList = []any{v}
	default:
		return nil, fmt.Errorf("request_iterator node: parsed JSON is not a list or a single request object")
	}

	if len(requestList) == 0 {
		return map[string]any{
			"text": "[]",
			"json": []any{},
			"meta": map[string]any{
				"node_type":                 node.Type,
				"timestamp":                 time.Now().Format(time.RFC3339),
				"success":                   true,
				"executed_requests_count":   0,
				"successful_requests_count": 0,
				"failed_requests_count":     0,
			},
			"inputs": map[string]any{"jsonInput_template": jsonInputTemplate},
		}, nil
	}

	baseURL := strings.TrimRight(models.ConfigString(cfg, "baseUrl", ""), "/")
	executionMode := models.ConfigString(cfg, "executionMode", "sequential")
	maxConcurrent := models.ConfigInt(cfg, "maxConcurrent", e.cfg.MaxConcurrent)

	commonHeaders := map[string]any{}
	if s := models.ConfigString(cfg, "commonHeaders", ""); s != "" {
		if parsed, err := template.ParseJSONLenient(s); err == nil {
			if m, ok := parsed.(map[string]any); ok {
				commonHeaders = m
			}
		}
	}

	responses := make([]map[string]any, len(requestList))

	dispatch := func(i int) {
		req, ok := requestList[i].(map[string]any)
		if !ok {
			responses[i] = map[string]any{
				"error":     "Invalid request item format",
				"item_data": requestList[i],
				"success":   false,
			}
			return
		}
		responses[i] = e.runSingleRequest(ctx, baseURL, req, commonHeaders)
	}

	if executionMode == "parallel" {
		sem := make(chan struct{}, maxConcurrent)
		var wg sync.WaitGroup
		for i := range requestList {
			wg.Add(1)
			sem <- struct{}{}
			go func(i int) {
				defer wg.Done()
				defer func() { <-sem }()
				dispatch(i)
			}(i)
		}
		wg.Wait()
	} else {
		for i := range requestList {
			dispatch(i)
		}
	}

	successCount := 0
	asAny := make([]any, len(responses))
	for i, r := range responses {
		asAny[i] = r
		if ok, _ := r["success"].(bool); ok {
			successCount++
		}
	}

	text, _ := json.Marshal(asAny)

	return map[string]any{
		"text": string(text),
		"json": asAny,
		"meta": map[string]any{
			"node_type":                 node.Type,
			"timestamp":                 time.Now().Format(time.RFC3339),
			"success":                   true,
			"execution_time_ms":         time.Since(start).Milliseconds(),
			"executed_requests_count":   len(responses),
			"successful_requests_count": successCount,
			"failed_requests_count":     len(responses) - successCount,
		},
		"inputs": map[string]any{
			"baseUrl":            baseURL,
			"executionMode":      executionMode,
			"jsonInput_template": jsonInputTemplate,
		},
	}, nil
}

// runSingleRequest performs one sub-request and returns a structured
// response; connection errors and timeouts become failed entries, never
// panics or aborts.
func (e *Engine) runSingleRequest(ctx context.Context, baseURL string, req map[string]any, commonHeaders map[string]any) map[string]any {
	endpoint := models.ConfigString(req, "endpoint", "")
	method := strings.ToUpper(models.ConfigString(req, "method", "GET"))

	details := map[string]any{
		"request_url":    endpoint,
		"request_method": method,
	}

	if endpoint == "" {
		return map[string]any{"error": "Missing endpoint", "item_data": req, "success": false}
	}

	var finalURL string
	lower := strings.ToLower(endpoint)
	switch {
	case strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://"):
		finalURL = endpoint
	case baseURL == "":
		return map[string]any{"error": "Relative endpoint with no baseUrl", "item_data": req, "success": false}
	default:
		finalURL = baseURL + "/" + strings.TrimLeft(endpoint, "/")
	}
	details["request_url"] = finalURL

	headers := map[string]string{}
	for k, v := range commonHeaders {
		headers[k] = fmt.Sprintf("%v", v)
	}
	if specific, ok := req["headers"].(map[string]any); ok {
		for k, v := range specific {
			headers[k] = fmt.Sprintf("%v", v)
		}
	}

	var body io.Reader
	if method == http.MethodPost || method == http.MethodPut || method == http.MethodPatch {
		if payload, ok := req["body"]; ok && payload != nil {
			raw, err := json.Marshal(payload)
			if err == nil {
				body = bytes.NewReader(raw)
				details["request_body"] = payload
			}
		}
	}

	reqCtx, cancel := context.WithTimeout(ctx, e.cfg.IteratorTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, method, finalURL, body)
	if err != nil {
		return failedRequest(details, 500, "Unexpected Error", err)
	}

	if method == http.MethodGet {
		if params, ok := req["params"].(map[string]any); ok {
			q := url.Values{}
			for k, v := range params {
				q.Set(k, fmt.Sprintf("%v", v))
			}
			httpReq.URL.RawQuery = q.Encode()
			details["request_params"] = params
		}
	}
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}
	if body != nil && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		if reqCtx.Err() == context.DeadlineExceeded {
			return failedRequest(details, 504, "Timeout Error", err)
		}
		return failedRequest(details, 503, "Connection Error", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	var responseData any
	if err := json.Unmarshal(raw, &responseData); err != nil {
		responseData = string(raw)
	}

	result := map[string]any{
		"status_code":   resp.StatusCode,
		"response_data": responseData,
		"success":       resp.StatusCode >= 200 && resp.StatusCode < 300,
	}
	for k, v := range details {
		result[k] = v
	}
	return result
}

func failedRequest(details map[string]any, status int, reason string, err error) map[string]any {
	result := map[string]any{
		"status_code":   status,
		"response_data": map[string]any{"error": reason, "details": err.Error()},
		"success":       false,
		"mock_reason":   reason,
	}
	for k, v := range details {
		result[k] = v
	}
	return result
}
