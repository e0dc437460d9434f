package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/gigaflow/gigaflow/cmd/engine/container"
	"github.com/gigaflow/gigaflow/common/models"
	"github.com/gigaflow/gigaflow/common/repository"
)

// ExecutionHandler runs workflows and single nodes on request.
type ExecutionHandler struct {
	c *container.Container
}

func NewExecutionHandler(c *container.Container) *ExecutionHandler {
	return &ExecutionHandler{c: c}
}

type executeWorkflowRequest struct {
	WorkflowID  string              `json:"workflow_id,omitempty"`
	Nodes       []models.Node       `json:"nodes"`
	Connections []models.Connection `json:"connections"`
	StartNodeID string              `json:"startNodeId,omitempty"`
	InputData   map[string]any      `json:"input_data,omitempty"`
}

// ExecuteWorkflow runs a graph synchronously: either the inline graph from
// the request or a stored workflow referenced by id.
// POST /api/v1/execute-workflow
func (h *ExecutionHandler) ExecuteWorkflow(c echo.Context) error {
	var req executeWorkflowRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}

	ctx := c.Request().Context()

	if len(req.Nodes) == 0 && req.WorkflowID != "" {
		wf, err := h.c.Store.Get(ctx, req.WorkflowID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return c.JSON(http.StatusNotFound, echo.Map{"error": "workflow not found"})
			}
			return c.JSON(http.StatusInternalServerError, echo.Map{"error": err.Error()})
		}
		req.Nodes = wf.Nodes
		req.Connections = wf.Connections
	}
	if len(req.Nodes) == 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "workflow has no nodes"})
	}

	result := h.c.Engine.Execute(ctx, &models.WorkflowExecuteRequest{
		WorkflowID:  req.WorkflowID,
		Nodes:       req.Nodes,
		Connections: req.Connections,
		StartNodeID: req.StartNodeID,
	}, req.InputData)

	return c.JSON(http.StatusOK, result)
}

// ExecuteNode runs a single node in isolation for the editor's test button.
// POST /api/v1/execute-node
func (h *ExecutionHandler) ExecuteNode(c echo.Context) error {
	var req models.ExecuteNodeRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	if req.NodeType == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "node_type is required"})
	}

	result := h.c.Engine.ExecuteNode(c.Request().Context(), req.NodeType, req.NodeData, req.InputData)
	return c.JSON(http.StatusOK, result)
}

type nodeStatusRequest struct {
	NodeIDs []string `json:"node_ids"`
}

// NodeStatus returns and clears the latest results for the requested nodes.
// The editor posts a bare array of node ids; an object with "node_ids" is
// accepted as well.
// POST /api/v1/node-status
func (h *ExecutionHandler) NodeStatus(c echo.Context) error {
	raw, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}

	var nodeIDs []string
	if err := json.Unmarshal(raw, &nodeIDs); err != nil {
		var req nodeStatusRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
		}
		nodeIDs = req.NodeIDs
	}

	return c.JSON(http.StatusOK, echo.Map{"results": h.c.Engine.Status().Take(nodeIDs)})
}
