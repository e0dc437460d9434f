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

const mcpTimeout = 60 * time.Second

// executeMCPConnector calls a function on a remote MCP server: templated
// parameters are POSTed as {function, parameters} to <server>/execute and
// the server's JSON body becomes the node result as-is.
func (e *Engine) executeMCPConnector(ctx context.Context, rn *run, node *models.Node, inputData map[string]any) (map[string]any, error) {
	cfg := node.Config()

	serverURL := strings.TrimRight(models.ConfigString(cfg, "mcp_server_url", ""), "/")
	functionName := models.ConfigString(cfg, "mcp_function_name", "")
	parametersTemplate := models.ConfigString(cfg, "mcp_parameters", "{}")

	if serverURL == "" || functionName == "" {
		return nil, fmt.Errorf("mcp_connector node: server URL and function name are required")
	}

	resolvedParams := e.resolve(rn, parametersTemplate, inputData)
	parameters, err := template.ParseJSONLenient(resolvedParams)
	if err != nil {
		return nil, fmt.Errorf("mcp_connector node: invalid JSON in parameters after template replacement: %w", err)
	}

	payload, err := json.Marshal(map[string]any{
		"function":   functionName,
		"parameters": parameters,
	})
	if err != nil {
		return nil, fmt.Errorf("mcp_connector node: marshal payload: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, mcpTimeout)
	defer cancel()

	executeURL := serverURL + "/execute"
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, executeURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("mcp_connector node: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	e.log.Info("mcp call", "node_id", node.ID, "function", functionName, "url", executeURL)

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("mcp_connector node: request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("mcp_connector node: read response: %w", err)
	}

	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("mcp_connector node: non-JSON response (status %d)", resp.StatusCode)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errMsg := models.ConfigString(body, "error", "Unknown error from MCP server")
		return nil, fmt.Errorf("mcp_connector node: server error (status %d): %s", resp.StatusCode, errMsg)
	}

	return body, nil
}
