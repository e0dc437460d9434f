package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gigaflow/gigaflow/common/models"
	"github.com/gigaflow/gigaflow/core/template"
)

// executeGigaChat calls the LLM with templated system/user messages. The
// response text has Markdown fences stripped; if the remainder parses as
// JSON, the result carries it under "json" as well.
func (e *Engine) executeGigaChat(ctx context.Context, rn *run, node *models.Node, inputData map[string]any) (map[string]any, error) {
	start := time.Now()
	cfg := node.Config()

	authToken := models.ConfigString(cfg, "authToken", "")
	clearHistory := models.ConfigBool(cfg, "clearHistory", false)
	systemTemplate := models.ConfigString(cfg, "systemMessage", "You are a helpful assistant")
	userTemplate := models.ConfigString(cfg, "userMessage", "")

	systemMessage := e.resolve(rn, systemTemplate, inputData)
	userMessage := e.resolve(rn, userTemplate, inputData)

	if userMessage == "" {
		return nil, fmt.Errorf("gigachat node: user message is empty")
	}

	client := e.chatClient(rn)
	if clearHistory {
		client.ClearHistory()
	}
	if err := client.GetToken(ctx, authToken, ""); err != nil {
		return nil, fmt.Errorf("gigachat node: %w", err)
	}

	chat, err := client.Chat(ctx, systemMessage, userMessage)
	if err != nil {
		return nil, fmt.Errorf("gigachat node: %w", err)
	}
	if !chat.Success {
		return nil, fmt.Errorf("gigachat node: %s", chat.Error)
	}

	rawResponse := chat.Response
	cleaned := template.StripCodeFences(rawResponse)

	var parsedJSON any
	if err := json.Unmarshal([]byte(cleaned), &parsedJSON); err != nil {
		parsedJSON = nil
	}

	return map[string]any{
		"text": cleaned,
		"json": parsedJSON,
		"meta": map[string]any{
			"node_type":           node.Type,
			"timestamp":           time.Now().Format(time.RFC3339),
			"success":             true,
			"execution_time_ms":   time.Since(start).Milliseconds(),
			"conversation_length": chat.ConversationLength,
			"length":              len(rawResponse),
			"words":               len(strings.Fields(rawResponse)),
			"id_node":             node.ID,
		},
		"inputs": map[string]any{
			"system_message_template": systemTemplate,
			"user_message_template":   userTemplate,
			"final_system_message":    systemMessage,
			"final_user_message":      userMessage,
			"clear_history":           clearHistory,
		},
	}, nil
}
