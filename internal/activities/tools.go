package activities

import (
	"context"
	"errors"
	"strings"

	"github.com/relayforge/agentharness/internal/mcp"
	"github.com/relayforge/agentharness/internal/models"
	"github.com/relayforge/agentharness/internal/tools"
)

// ToolActivityInput is the input for tool execution.
type ToolActivityInput struct {
	CallID    string                 `json:"call_id"`
	ToolName  string                 `json:"tool_name"`
	Arguments map[string]interface{} `json:"arguments"`
	Cwd       string                 `json:"cwd,omitempty"`

	// SessionID and McpToolLookup route mcp__* tool calls to the session's
	// MCP connection manager. Both are empty for ordinary function tools.
	SessionID     string                      `json:"session_id,omitempty"`
	McpToolLookup map[string]tools.McpToolRef `json:"mcp_tool_lookup,omitempty"`
}

// ToolActivityOutput is the output from tool execution.
// Only returned on successful activity completion. Infrastructure errors
// are returned as temporal.ApplicationError (retryable or non-retryable).
type ToolActivityOutput struct {
	CallID  string `json:"call_id"`
	Content string `json:"content,omitempty"`
	Success *bool  `json:"success,omitempty"`
}

// ToolActivities contains tool-related activities.
type ToolActivities struct {
	registry *tools.ToolRegistry
}

// NewToolActivities creates a new ToolActivities instance.
func NewToolActivities(registry *tools.ToolRegistry) *ToolActivities {
	return &ToolActivities{registry: registry}
}

// ExecuteTool executes a single tool call.
//
// Error handling:
//   - Tool not found → non-retryable ApplicationError (ToolNotFound)
//   - Handler validation error → non-retryable ApplicationError (ToolValidation)
//   - Handler timeout → non-retryable ApplicationError (ToolTimeout)
//   - Tool runs but fails (e.g., command exits non-zero) → successful return with Success=false
//   - Tool runs successfully → successful return with Success=true
func (a *ToolActivities) ExecuteTool(ctx context.Context, input ToolActivityInput) (ToolActivityOutput, error) {
	lookupName := input.ToolName
	if strings.HasPrefix(input.ToolName, mcp.McpToolNamePrefix+mcp.McpToolNameDelimiter) {
		lookupName = "mcp"
	}

	handler, err := a.registry.GetHandler(lookupName)
	if err != nil {
		return ToolActivityOutput{}, models.NewToolNotFoundError(input.ToolName)
	}

	invocation := &tools.ToolInvocation{
		CallID:    input.CallID,
		ToolName:  input.ToolName,
		Arguments: input.Arguments,
		Cwd:       input.Cwd,
		SessionID: input.SessionID,
	}
	if ref, ok := input.McpToolLookup[input.ToolName]; ok {
		invocation.McpToolRef = &ref
	}

	output, err := handler.Handle(invocation)
	if err != nil {
		return ToolActivityOutput{}, classifyHandlerError(input.ToolName, err)
	}

	return ToolActivityOutput{
		CallID:  input.CallID,
		Content: output.Content,
		Success: output.Success,
	}, nil
}

// classifyHandlerError converts a handler error into the appropriate
// temporal.ApplicationError based on the error context.
//
// Most handler errors are non-retryable: they represent validation
// failures (missing args, bad types) or execution issues (timeouts) that
// won't resolve on retry. A handler that wraps its error with
// tools.NewTransientError (e.g. a dropped connection to an external
// process) gets a retryable ApplicationError instead, so ExecuteTool's
// RetryPolicy actually gets to act on it.
func classifyHandlerError(toolName string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return models.NewToolTimeoutError(toolName, err)
	}
	if tools.IsTransientError(err) {
		return models.NewToolTransientError(toolName, err)
	}

	// Default: treat handler errors as validation/execution errors (non-retryable).
	// The same invalid input will produce the same error on retry.
	return models.NewToolValidationError(toolName, err)
}
