// Package workflow contains Temporal workflow definitions.
//
// tool_execution.go fans a batch of function calls out to the ExecuteTool
// activity concurrently, waits for all of them, and turns any activity-level
// failure into a normal (failed) tool result the model can react to.
package workflow

import (
	"encoding/json"
	"errors"
	"time"

	"go.temporal.io/sdk/log"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/relayforge/agentharness/internal/activities"
	"github.com/relayforge/agentharness/internal/models"
	"github.com/relayforge/agentharness/internal/tools"
)

// ToolExecutor fans function calls out to the ExecuteTool activity and
// collects their results. One executor is built fresh per turn from the
// turn's tool specs and routing table.
type ToolExecutor struct {
	specByName       map[string]tools.ToolSpec
	cwd              string
	sessionTaskQueue string
	conversationID   string
	mcpToolLookup    map[string]tools.McpToolRef
}

// NewToolExecutor builds a ToolExecutor from the session's current tool
// specs. conversationID and mcpToolLookup may be zero-valued for sessions
// with no MCP servers configured.
func NewToolExecutor(specs []tools.ToolSpec, cwd, taskQueue, conversationID string, mcpToolLookup map[string]tools.McpToolRef) *ToolExecutor {
	specByName := make(map[string]tools.ToolSpec, len(specs))
	for _, spec := range specs {
		specByName[spec.Name] = spec
	}
	return &ToolExecutor{
		specByName:       specByName,
		cwd:              cwd,
		sessionTaskQueue: taskQueue,
		conversationID:   conversationID,
		mcpToolLookup:    mcpToolLookup,
	}
}

// ExecuteParallel starts one ExecuteTool activity per call concurrently and
// blocks until every call has settled. Activity-level failures (timeout,
// cancellation, application error) are converted into failed tool results
// rather than propagated, so one bad tool call never aborts the batch.
func (e *ToolExecutor) ExecuteParallel(ctx workflow.Context, calls []models.ConversationItem) ([]activities.ToolActivityOutput, error) {
	logger := workflow.GetLogger(ctx)

	futures := make([]workflow.Future, len(calls))
	for i, fc := range calls {
		logger.Info("dispatching tool call", "tool", fc.Name, "call_id", fc.CallID)
		futures[i] = e.startToolActivity(ctx, fc)
	}

	results := make([]activities.ToolActivityOutput, len(calls))
	for i, future := range futures {
		var result activities.ToolActivityOutput
		if err := future.Get(ctx, &result); err != nil {
			results[i] = toolActivityErrorToOutput(logger, calls[i].CallID, calls[i].Name, err)
			continue
		}
		results[i] = result
		logger.Info("tool call completed", "tool", calls[i].Name)
	}
	return results, nil
}

// startToolActivity parses the call's JSON arguments, resolves its
// per-activity timeout, and kicks off the ExecuteTool activity without
// waiting for it.
func (e *ToolExecutor) startToolActivity(ctx workflow.Context, fc models.ConversationItem) workflow.Future {
	args := parseToolArguments(fc.Arguments)
	timeout := e.resolveTimeout(fc.Name, args)

	opts := workflow.ActivityOptions{
		StartToCloseTimeout: timeout,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    time.Minute,
			MaximumAttempts:    5,
		},
	}
	if e.sessionTaskQueue != "" {
		opts.TaskQueue = e.sessionTaskQueue
	}
	activityCtx := workflow.WithActivityOptions(ctx, opts)

	input := activities.ToolActivityInput{
		CallID:        fc.CallID,
		ToolName:      fc.Name,
		Arguments:     args,
		Cwd:           e.cwd,
		SessionID:     e.conversationID,
		McpToolLookup: e.mcpToolLookup,
	}
	return workflow.ExecuteActivity(activityCtx, "ExecuteTool", input)
}

// resolveTimeout picks the StartToCloseTimeout for a tool activity: an
// explicit timeout_ms argument from the model wins, then the tool spec's
// own default, then the package-wide fallback.
func (e *ToolExecutor) resolveTimeout(toolName string, args map[string]interface{}) time.Duration {
	if args != nil {
		if v, ok := args["timeout_ms"]; ok {
			if ms, ok := toInt64(v); ok && ms > 0 {
				return time.Duration(ms) * time.Millisecond
			}
		}
	}
	if spec, ok := e.specByName[toolName]; ok && spec.DefaultTimeoutMs > 0 {
		return time.Duration(spec.DefaultTimeoutMs) * time.Millisecond
	}
	return time.Duration(tools.DefaultToolTimeoutMs) * time.Millisecond
}

func parseToolArguments(raw string) map[string]interface{} {
	if raw == "" {
		return nil
	}
	var args map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return map[string]interface{}{"_raw": raw}
	}
	return args
}

// buildToolSpecs assembles the tool set for a session by resolving its
// tools config into a list of registered internal tool names, expanding
// group names (e.g. "collab") via the spec registry, then removes
// anything the resolved model profile disables.
func buildToolSpecs(config models.ToolsConfig, profile models.ResolvedProfile) []tools.ToolSpec {
	var names []string

	switch config.ResolvedShellType() {
	case models.ShellToolDefault:
		names = append(names, "shell")
	case models.ShellToolShellCommand:
		names = append(names, "shell_command")
	case models.ShellToolDisabled:
		// no shell tool configured
	}

	if config.EnableReadFile {
		names = append(names, "read_file")
	}
	if config.EnableWriteFile {
		names = append(names, "write_file")
	}
	if config.EnableListDir {
		names = append(names, "list_dir")
	}
	if config.EnableGrepFiles {
		names = append(names, "grep_files")
	}
	if config.EnableApplyPatch {
		names = append(names, "apply_patch")
	}

	// request_user_input is on by default — it's intercepted by the
	// workflow directly rather than dispatched as an activity — but child
	// agent roles opt out via DisableRequestUserInput since only the root
	// session should pause a turn to ask the operator something.
	if !config.DisableRequestUserInput {
		names = append(names, "request_user_input")
	}

	if config.EnableUpdatePlan {
		names = append(names, "update_plan")
	}

	if config.EnableCollab {
		names = append(names, "collab")
	}

	return removeProfileDisabledTools(tools.BuildSpecs(names), profile)
}

func removeProfileDisabledTools(specs []tools.ToolSpec, profile models.ResolvedProfile) []tools.ToolSpec {
	if profile.Tools == nil || len(profile.Tools.Disable) == 0 {
		return specs
	}
	disabled := make(map[string]bool, len(profile.Tools.Disable))
	for _, name := range profile.Tools.Disable {
		disabled[name] = true
	}
	kept := specs[:0]
	for _, spec := range specs {
		if !disabled[spec.Name] {
			kept = append(kept, spec)
		}
	}
	return kept
}

// toolActivityErrorToOutput converts an ExecuteTool activity failure into a
// failed ToolActivityOutput so the model sees what went wrong instead of
// the turn aborting. Classification relies entirely on the SDK's typed
// errors (ApplicationError.Type/Details, TimeoutError, CanceledError) —
// never on parsing the error string.
func toolActivityErrorToOutput(logger log.Logger, callID, toolName string, err error) activities.ToolActivityOutput {
	reason := "unknown error"

	var appErr *temporal.ApplicationError
	var timeoutErr *temporal.TimeoutError
	var canceledErr *temporal.CanceledError

	switch {
	case errors.As(err, &appErr):
		logger.Warn("tool activity failed",
			"tool", toolName, "error_type", appErr.Type(), "non_retryable", appErr.NonRetryable())
		var details models.ToolErrorDetails
		if appErr.HasDetails() {
			_ = appErr.Details(&details)
			reason = details.Reason
		}

	case errors.As(err, &timeoutErr):
		logger.Warn("tool activity timed out", "tool", toolName, "timeout_type", timeoutErr.TimeoutType())
		reason = "tool execution timed out"

	case errors.As(err, &canceledErr):
		logger.Warn("tool activity canceled", "tool", toolName)
		reason = "tool execution was canceled"

	default:
		logger.Error("tool activity failed with an unexpected error", "tool", toolName, "error", err)
		reason = "activity execution failed"
	}

	failed := false
	return activities.ToolActivityOutput{
		CallID:  callID,
		Content: reason,
		Success: &failed,
	}
}
