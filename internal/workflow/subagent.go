// Subagent orchestration — manages child workflows within a parent workflow:
// spawn config, role overrides, lifecycle tracking, and status aggregation.
package workflow

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.temporal.io/sdk/workflow"

	"github.com/relayforge/agentharness/internal/instructions"
	"github.com/relayforge/agentharness/internal/models"
)

// ExplorerModel is the cheaper model used for explorer agents on OpenAI.
const ExplorerModel = "gpt-5.1-codex-mini"

// MaxThreadSpawnDepth is the maximum nesting depth for subagents. A
// top-level session (depth 0) can spawn children (depth 1); children cannot
// spawn grandchildren.
const MaxThreadSpawnDepth = 1

// Bounds on the wait tool's requested timeout_ms.
const (
	MinWaitTimeoutMs     = 10_000
	DefaultWaitTimeoutMs = 30_000
	MaxWaitTimeoutMs     = 300_000
)

// closeAgentGracePeriod is how long close_agent waits for the child to finish
// after sending the shutdown signal.
const closeAgentGracePeriod = 5 * time.Second

// AgentRole determines the child's configuration overrides.
type AgentRole string

const (
	AgentRoleDefault      AgentRole = "default"
	AgentRoleOrchestrator AgentRole = "orchestrator"
	AgentRoleWorker       AgentRole = "worker"
	AgentRoleExplorer     AgentRole = "explorer"
	AgentRolePlanner      AgentRole = "planner"
)

// parseAgentRole converts a string to AgentRole, defaulting to AgentRoleDefault.
func parseAgentRole(s string) AgentRole {
	switch s {
	case "orchestrator":
		return AgentRoleOrchestrator
	case "worker":
		return AgentRoleWorker
	case "explorer":
		return AgentRoleExplorer
	case "planner":
		return AgentRolePlanner
	default:
		return AgentRoleDefault
	}
}

// AgentStatus tracks a child workflow's lifecycle.
type AgentStatus string

const (
	AgentStatusPendingInit AgentStatus = "pending_init"
	AgentStatusRunning     AgentStatus = "running"
	AgentStatusCompleted   AgentStatus = "completed"
	AgentStatusErrored     AgentStatus = "errored"
	AgentStatusShutdown    AgentStatus = "shutdown"
	AgentStatusNotFound    AgentStatus = "not_found"
)

// isTerminal returns true if the status represents a final state.
func (s AgentStatus) isTerminal() bool {
	switch s {
	case AgentStatusCompleted, AgentStatusErrored, AgentStatusShutdown:
		return true
	}
	return false
}

// AgentInfo tracks a single child workflow's state.
type AgentInfo struct {
	AgentID     string      `json:"agent_id"`
	WorkflowID  string      `json:"workflow_id"`
	RunID       string      `json:"run_id"`
	Role        AgentRole   `json:"role"`
	Status      AgentStatus `json:"status"`
	FinalOutput string      `json:"final_output,omitempty"` // Last assistant message from child
	TaskMessage string      `json:"task_message"`           // Original spawn message
}

// AgentControl manages child workflow lifecycles within a parent workflow.
type AgentControl struct {
	// Agents persists across ContinueAsNew (JSON-serialized).
	Agents      map[string]*AgentInfo `json:"agents"`
	ParentDepth int                   `json:"parent_depth"` // 0 = top-level, 1 = child

	// childFutures is transient — lost on ContinueAsNew.
	// Maps agent ID to the child workflow future for awaiting completion.
	childFutures map[string]workflow.ChildWorkflowFuture `json:"-"`
}

// NewAgentControl creates a new AgentControl for the given depth.
func NewAgentControl(depth int) *AgentControl {
	return &AgentControl{
		Agents:       make(map[string]*AgentInfo),
		ParentDepth:  depth,
		childFutures: make(map[string]workflow.ChildWorkflowFuture),
	}
}

// HasActiveChildren returns true if any child is not in a terminal state.
func (ac *AgentControl) HasActiveChildren() bool {
	for _, info := range ac.Agents {
		if !info.Status.isTerminal() {
			return true
		}
	}
	return false
}

// nextAgentID generates a deterministic agent ID using SideEffect.
func nextAgentID(ctx workflow.Context) string {
	var nanos int64
	encoded := workflow.SideEffect(ctx, func(ctx workflow.Context) interface{} {
		return workflow.Now(ctx).UnixNano()
	})
	_ = encoded.Get(&nanos)
	return fmt.Sprintf("agent-%d", nanos)
}

// collabToolNames is the set of all collaboration tool names.
var collabToolNames = map[string]bool{
	"spawn_agent":  true,
	"send_input":   true,
	"wait":         true,
	"close_agent":  true,
	"resume_agent": true,
}

// isCollabToolCall returns true if the tool name is a collaboration tool.
func isCollabToolCall(name string) bool {
	return collabToolNames[name]
}

// collabInputItem is a structured content item for spawn_agent / send_input.
type collabInputItem struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
	Path     string `json:"path,omitempty"`
	Name     string `json:"name,omitempty"`
}

// parseCollabInput validates that exactly one of message or items is provided
// and returns the resolved plain-text message. For items, only text items are
// extracted (images and paths are not yet supported as message content).
func parseCollabInput(message *string, items []collabInputItem) (string, error) {
	hasMessage := message != nil && *message != ""
	hasItems := len(items) > 0

	if hasMessage && hasItems {
		return "", fmt.Errorf("provide either message or items, not both")
	}
	if !hasMessage && !hasItems {
		return "", fmt.Errorf("either message or items is required")
	}
	if hasMessage {
		return *message, nil
	}

	var texts []string
	for _, item := range items {
		if item.Type == "text" && item.Text != "" {
			texts = append(texts, item.Text)
		}
	}
	if len(texts) == 0 {
		return "", fmt.Errorf("items must contain at least one text item")
	}
	return strings.Join(texts, "\n"), nil
}

// handleCollabToolCall dispatches a collab function call to its handler.
func (s *SessionState) handleCollabToolCall(ctx workflow.Context, fc models.ConversationItem) (models.ConversationItem, error) {
	switch fc.Name {
	case "spawn_agent":
		return s.handleSpawnAgent(ctx, fc)
	case "send_input":
		return s.handleSendInput(ctx, fc)
	case "wait":
		return s.handleWait(ctx, fc)
	case "close_agent":
		return s.handleCloseAgent(ctx, fc)
	case "resume_agent":
		return s.handleResumeAgent(ctx, fc)
	default:
		return collabErrorOutput(fc.CallID, fmt.Sprintf("unknown collab tool: %s", fc.Name)), nil
	}
}

// launchChildAgent builds the child's config, registers its AgentInfo,
// starts the child workflow, and arms the completion watcher. Both
// handleSpawnAgent and spawnPlannerAgent go through this one path so the
// registration/launch/watch sequence can't drift between the two callers.
func (s *SessionState) launchChildAgent(ctx workflow.Context, role AgentRole, message string) (*AgentInfo, error) {
	childDepth := s.AgentCtl.ParentDepth + 1
	if role != AgentRolePlanner && childDepth > MaxThreadSpawnDepth {
		return nil, fmt.Errorf("cannot spawn agent: maximum nesting depth (%d) exceeded", MaxThreadSpawnDepth)
	}

	agentID := nextAgentID(ctx)
	childInput := buildAgentSpawnConfig(s.Config, role, message, childDepth)

	info := &AgentInfo{
		AgentID:     agentID,
		Role:        role,
		Status:      AgentStatusPendingInit,
		TaskMessage: message,
	}
	s.AgentCtl.Agents[agentID] = info

	childCtx := workflow.WithChildOptions(ctx, workflow.ChildWorkflowOptions{
		WorkflowID: s.ConversationID + "/" + agentID,
	})
	future := workflow.ExecuteChildWorkflow(childCtx, "AgenticWorkflow", childInput)

	var childExec workflow.Execution
	if err := future.GetChildWorkflowExecution().Get(ctx, &childExec); err != nil {
		info.Status = AgentStatusErrored
		return info, fmt.Errorf("failed to start child workflow: %w", err)
	}

	info.WorkflowID = childExec.ID
	info.RunID = childExec.RunID
	info.Status = AgentStatusRunning
	s.AgentCtl.childFutures[agentID] = future
	s.startChildCompletionWatcher(ctx, agentID, future)

	return info, nil
}

// handleSpawnAgent implements the spawn_agent tool: parse the call's
// message/items payload, apply the depth limit, and launch a child.
func (s *SessionState) handleSpawnAgent(ctx workflow.Context, fc models.ConversationItem) (models.ConversationItem, error) {
	logger := workflow.GetLogger(ctx)

	var args struct {
		Message   *string           `json:"message"`
		Items     []collabInputItem `json:"items"`
		AgentType string            `json:"agent_type"`
	}
	if err := json.Unmarshal([]byte(fc.Arguments), &args); err != nil {
		return collabErrorOutput(fc.CallID, fmt.Sprintf("invalid arguments: %v", err)), nil
	}

	msg, err := parseCollabInput(args.Message, args.Items)
	if err != nil {
		return collabErrorOutput(fc.CallID, err.Error()), nil
	}

	role := parseAgentRole(args.AgentType)
	info, err := s.launchChildAgent(ctx, role, msg)
	if err != nil {
		return collabErrorOutput(fc.CallID, err.Error()), nil
	}

	logger.Info("spawned child agent",
		"agent_id", info.AgentID, "role", role, "child_workflow_id", info.WorkflowID)

	return collabSuccessOutput(fc.CallID, map[string]interface{}{"agent_id": info.AgentID}), nil
}

// spawnPlannerAgent launches a planner child workflow from the plan_request
// Update — outside the spawn_agent tool-call path, so it always succeeds at
// the depth check (a planner is spawned by the top-level session).
func (s *SessionState) spawnPlannerAgent(ctx workflow.Context, message string) (PlanRequestAccepted, error) {
	logger := workflow.GetLogger(ctx)

	info, err := s.launchChildAgent(ctx, AgentRolePlanner, message)
	if err != nil {
		return PlanRequestAccepted{}, fmt.Errorf("failed to start planner workflow: %w", err)
	}

	logger.Info("spawned planner agent", "agent_id", info.AgentID, "child_workflow_id", info.WorkflowID)
	return PlanRequestAccepted{AgentID: info.AgentID, WorkflowID: info.WorkflowID}, nil
}

// handleSendInput implements the send_input tool: forward a message (or an
// interrupt) to a running child via signal.
func (s *SessionState) handleSendInput(ctx workflow.Context, fc models.ConversationItem) (models.ConversationItem, error) {
	logger := workflow.GetLogger(ctx)

	var args struct {
		ID        string            `json:"id"`
		Message   *string           `json:"message"`
		Items     []collabInputItem `json:"items"`
		Interrupt bool              `json:"interrupt"`
	}
	if err := json.Unmarshal([]byte(fc.Arguments), &args); err != nil {
		return collabErrorOutput(fc.CallID, fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	if args.ID == "" {
		return collabErrorOutput(fc.CallID, "id is required"), nil
	}

	msg, err := parseCollabInput(args.Message, args.Items)
	if err != nil {
		return collabErrorOutput(fc.CallID, err.Error()), nil
	}

	info, ok := s.AgentCtl.Agents[args.ID]
	if !ok {
		return collabErrorOutput(fc.CallID, fmt.Sprintf("agent %q not found", args.ID)), nil
	}
	if info.Status.isTerminal() {
		return collabErrorOutput(fc.CallID, fmt.Sprintf("agent %q is %s, cannot send input", args.ID, info.Status)), nil
	}

	signal := AgentInputSignal{Content: msg, Interrupt: args.Interrupt}
	if err := workflow.SignalExternalWorkflow(ctx, info.WorkflowID, info.RunID, SignalAgentInput, signal).Get(ctx, nil); err != nil {
		logger.Warn("failed to signal child agent", "agent_id", args.ID, "error", err)
		return collabErrorOutput(fc.CallID, fmt.Sprintf("failed to send input to agent %q: %v", args.ID, err)), nil
	}

	logger.Info("sent input to child agent", "agent_id", args.ID, "interrupt", args.Interrupt)
	return collabSuccessOutput(fc.CallID, map[string]interface{}{
		"submission_id": fmt.Sprintf("input-%s-%d", args.ID, workflow.Now(ctx).UnixNano()),
	}), nil
}

// resolveWaitTimeout clamps a requested wait timeout into
// [MinWaitTimeoutMs, MaxWaitTimeoutMs], defaulting to DefaultWaitTimeoutMs
// when the caller doesn't specify one.
func resolveWaitTimeout(requestedMs *float64) time.Duration {
	if requestedMs == nil {
		return DefaultWaitTimeoutMs * time.Millisecond
	}
	ms := int64(*requestedMs)
	switch {
	case ms < MinWaitTimeoutMs:
		ms = MinWaitTimeoutMs
	case ms > MaxWaitTimeoutMs:
		ms = MaxWaitTimeoutMs
	}
	return time.Duration(ms) * time.Millisecond
}

// handleWait implements the wait tool: block until any of the named agents
// reaches a terminal state, or until the timeout elapses.
func (s *SessionState) handleWait(ctx workflow.Context, fc models.ConversationItem) (models.ConversationItem, error) {
	logger := workflow.GetLogger(ctx)

	var args struct {
		IDs       []string `json:"ids"`
		TimeoutMs *float64 `json:"timeout_ms"`
	}
	if err := json.Unmarshal([]byte(fc.Arguments), &args); err != nil {
		return collabErrorOutput(fc.CallID, fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	if len(args.IDs) == 0 {
		return collabErrorOutput(fc.CallID, "ids is required and must be non-empty"), nil
	}

	timeout := resolveWaitTimeout(args.TimeoutMs)
	s.Phase = PhaseWaitingForAgents

	anyTerminal := func() bool {
		for _, id := range args.IDs {
			if info, ok := s.AgentCtl.Agents[id]; ok && info.Status.isTerminal() {
				return true
			}
		}
		return false
	}

	timedOut := false
	if !anyTerminal() {
		ok, err := workflow.AwaitWithTimeout(ctx, timeout, func() bool {
			return anyTerminal() || s.Interrupted || s.ShutdownRequested
		})
		if err != nil {
			return models.ConversationItem{}, fmt.Errorf("wait await failed: %w", err)
		}
		timedOut = !ok
	}

	logger.Info("wait completed", "ids", args.IDs, "timed_out", timedOut)

	statusMap := make(map[string]interface{}, len(args.IDs))
	for _, id := range args.IDs {
		statusMap[id] = waitStatusEntry(s.AgentCtl.Agents[id])
	}

	return collabSuccessOutput(fc.CallID, map[string]interface{}{
		"status":    statusMap,
		"timed_out": timedOut,
	}), nil
}

// waitStatusEntry renders one agent's status for the wait tool's response,
// or AgentStatusNotFound if info is nil.
func waitStatusEntry(info *AgentInfo) map[string]interface{} {
	if info == nil {
		return map[string]interface{}{"status": string(AgentStatusNotFound)}
	}
	entry := map[string]interface{}{"status": string(info.Status)}
	if info.FinalOutput != "" {
		entry["final_output"] = info.FinalOutput
	}
	return entry
}

// handleCloseAgent implements the close_agent tool: signal the child to
// shut down, wait briefly for it to settle, and force-mark it shut down if
// it doesn't.
func (s *SessionState) handleCloseAgent(ctx workflow.Context, fc models.ConversationItem) (models.ConversationItem, error) {
	logger := workflow.GetLogger(ctx)

	var args struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal([]byte(fc.Arguments), &args); err != nil {
		return collabErrorOutput(fc.CallID, fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	if args.ID == "" {
		return collabErrorOutput(fc.CallID, "id is required"), nil
	}

	info, ok := s.AgentCtl.Agents[args.ID]
	if !ok {
		return collabErrorOutput(fc.CallID, fmt.Sprintf("agent %q not found", args.ID)), nil
	}

	if info.Status.isTerminal() {
		return collabSuccessOutput(fc.CallID, map[string]interface{}{
			"agent_id": args.ID,
			"status":   string(info.Status),
		}), nil
	}

	if err := workflow.SignalExternalWorkflow(ctx, info.WorkflowID, info.RunID, SignalAgentShutdown, nil).Get(ctx, nil); err != nil {
		logger.Warn("failed to signal shutdown to child agent", "agent_id", args.ID, "error", err)
	}

	_, _ = workflow.AwaitWithTimeout(ctx, closeAgentGracePeriod, func() bool {
		return info.Status.isTerminal()
	})
	if !info.Status.isTerminal() {
		info.Status = AgentStatusShutdown
	}

	logger.Info("closed child agent", "agent_id", args.ID, "status", info.Status)

	result := map[string]interface{}{"agent_id": args.ID, "status": string(info.Status)}
	if info.FinalOutput != "" {
		result["final_output"] = info.FinalOutput
	}
	return collabSuccessOutput(fc.CallID, result), nil
}

// handleResumeAgent implements the resume_agent tool. Reviving a shut-down
// or completed child from its persisted rollout isn't wired up yet — there
// is no activity that reconstructs a SessionState from a closed rollout.
func (s *SessionState) handleResumeAgent(_ workflow.Context, fc models.ConversationItem) (models.ConversationItem, error) {
	return collabErrorOutput(fc.CallID, "resume_agent is not yet implemented"), nil
}

// startChildCompletionWatcher spawns a coroutine that records the child's
// final status and last assistant message once its workflow settles.
func (s *SessionState) startChildCompletionWatcher(ctx workflow.Context, agentID string, future workflow.ChildWorkflowFuture) {
	workflow.Go(ctx, func(gCtx workflow.Context) {
		var result WorkflowResult
		err := future.Get(gCtx, &result)

		info, ok := s.AgentCtl.Agents[agentID]
		if !ok {
			return
		}
		if err != nil {
			info.Status = AgentStatusErrored
			info.FinalOutput = fmt.Sprintf("child workflow error: %v", err)
			return
		}
		info.Status = AgentStatusCompleted
		info.FinalOutput = result.FinalMessage
	})
}

// buildAgentSpawnConfig builds the WorkflowInput for a child workflow,
// applying depth propagation and role-specific overrides on top of the
// parent's configuration.
func buildAgentSpawnConfig(parentConfig models.SessionConfiguration, role AgentRole, message string, depth int) WorkflowInput {
	childConfig := buildAgentSharedConfig(parentConfig, depth)
	applyRoleOverrides(&childConfig, role)

	return WorkflowInput{
		ConversationID: "", // set by the caller — the workflow ID already embeds the agent ID
		UserMessage:    message,
		Config:         childConfig,
		Depth:          depth,
	}
}

// buildAgentSharedConfig clones the parent config and applies settings
// shared by every child regardless of role.
func buildAgentSharedConfig(parentConfig models.SessionConfiguration, depth int) models.SessionConfiguration {
	cfg := parentConfig

	if depth >= MaxThreadSpawnDepth {
		cfg.Tools.EnableCollab = false
	}

	return cfg
}

// applyRoleOverrides narrows the tool set and, for some roles, the model and
// base instructions, to match what that role is meant to do.
func applyRoleOverrides(cfg *models.SessionConfiguration, role AgentRole) {
	switch role {
	case AgentRoleExplorer:
		cfg.Model.ReasoningEffort = "medium"
		cfg.Tools.EnableWriteFile = false
		cfg.Tools.EnableApplyPatch = false
		cfg.Tools.DisableRequestUserInput = true
		if cfg.Model.Provider == "openai" {
			cfg.Model.Model = ExplorerModel
		}
	case AgentRolePlanner:
		cfg.Tools.EnableWriteFile = false
		cfg.Tools.EnableApplyPatch = false
		cfg.Tools.EnableCollab = false
		cfg.BaseInstructions = instructions.PlannerBaseInstructions
	case AgentRoleOrchestrator:
		cfg.Tools.EnableShell = false
		cfg.Tools.EnableWriteFile = false
		cfg.Tools.EnableApplyPatch = false
		cfg.Tools.DisableRequestUserInput = true
		cfg.BaseInstructions = instructions.OrchestratorBaseInstructions
	case AgentRoleWorker, AgentRoleDefault:
		cfg.Tools.DisableRequestUserInput = true
	}
}

// extractFinalMessage scans history for the last assistant message, used to
// populate WorkflowResult.FinalMessage when a child workflow completes.
func extractFinalMessage(items []models.ConversationItem) string {
	for i := len(items) - 1; i >= 0; i-- {
		if items[i].Type == models.ItemTypeAssistantMessage && items[i].Content != "" {
			return items[i].Content
		}
	}
	return ""
}

func collabSuccessOutput(callID string, data map[string]interface{}) models.ConversationItem {
	content, _ := json.Marshal(data)
	trueVal := true
	return models.ConversationItem{
		Type:   models.ItemTypeFunctionCallOutput,
		CallID: callID,
		Output: &models.FunctionCallOutputPayload{
			Content: string(content),
			Success: &trueVal,
		},
	}
}

func collabErrorOutput(callID string, message string) models.ConversationItem {
	falseVal := false
	return models.ConversationItem{
		Type:   models.ItemTypeFunctionCallOutput,
		CallID: callID,
		Output: &models.FunctionCallOutputPayload{
			Content: message,
			Success: &falseVal,
		},
	}
}
