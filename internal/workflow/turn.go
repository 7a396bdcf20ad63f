// Package workflow contains Temporal workflow definitions.
//
// turn.go drives one turn of the agentic loop: call the model, hand any
// function calls it produced to the approval/exec pipeline, feed the
// results back, and repeat until the model stops calling tools or the
// iteration budget runs out.
package workflow

import (
	"errors"
	"fmt"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/relayforge/agentharness/internal/activities"
	"github.com/relayforge/agentharness/internal/models"
)

// runAgenticTurn drives iterations of the model/tool loop for the current
// turn. It returns once the model produces an assistant-only response, the
// turn is interrupted or shut down, a repeated-tool-call loop is detected,
// or the iteration budget is exhausted.
func (s *SessionState) runAgenticTurn(ctx workflow.Context) (bool, error) {
	logger := workflow.GetLogger(ctx)
	s.compactedThisTurn = false

	gate := NewApprovalGate(s.Config.ApprovalMode, s.ExecPolicyRules)
	executor := NewToolExecutor(s.ToolSpecs, s.Config.Cwd, s.Config.SessionTaskQueue, s.ConversationID, s.McpToolLookup)

	for s.IterationCount < s.MaxIterations {
		if s.Interrupted {
			logger.Info("turn interrupted before iteration", "iteration", s.IterationCount)
			return false, nil
		}

		outcome, err := s.runOneIteration(ctx, gate, executor)
		if err != nil {
			return false, err
		}
		if outcome == iterationDone {
			return false, nil
		}
		if outcome == iterationAbortedTurn {
			return false, nil
		}
		// iterationContinue: loop again
	}

	s.recordMaxIterationsReached(logger)
	return false, nil
}

type iterationResult int

const (
	// iterationContinue means another pass through the loop should run.
	iterationContinue iterationResult = iota
	// iterationDone means the turn finished normally (assistant reply, no
	// more tool calls pending).
	iterationDone
	// iterationAbortedTurn means the turn ended early: interrupt, shutdown,
	// denial, or a detected tool-call loop.
	iterationAbortedTurn
)

// runOneIteration executes a single model-call + dispatch pass and reports
// what the caller should do next.
func (s *SessionState) runOneIteration(ctx workflow.Context, gate *ApprovalGate, executor *ToolExecutor) (iterationResult, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("starting iteration", "iteration", s.IterationCount, "turn_id", s.CurrentTurnID)

	s.maybeCompactBeforeLLM(ctx)

	llmResult, err := s.callLLM(ctx)
	if err != nil {
		retry, handleErr := s.handleLLMError(ctx, err)
		if handleErr != nil {
			return iterationAbortedTurn, handleErr
		}
		if retry {
			return iterationContinue, nil
		}
		return iterationAbortedTurn, nil
	}
	if s.Interrupted {
		logger.Info("turn interrupted after model call")
		return iterationAbortedTurn, nil
	}

	s.recordLLMResponse(ctx, llmResult)

	calls := extractFunctionCalls(llmResult.Items)
	calls, hadIntercepted, err := s.dispatchInterceptedCalls(ctx, calls)
	if err != nil {
		return iterationAbortedTurn, err
	}
	if hadIntercepted && len(calls) == 0 {
		if s.Interrupted || s.ShutdownRequested {
			return iterationAbortedTurn, nil
		}
		s.IterationCount++
		return iterationContinue, nil
	}

	if len(calls) > 0 {
		return s.dispatchFunctionCalls(ctx, gate, executor, calls)
	}

	// The model replied without calling any tool: the turn is over unless
	// the finish reason says otherwise (e.g. truncated for length).
	if llmResult.FinishReason == models.FinishReasonStop {
		logger.Info("turn completed", "iterations", s.IterationCount, "turn_id", s.CurrentTurnID)
	}
	s.IterationCount++
	return iterationDone, nil
}

// dispatchFunctionCalls guards against tight tool-call loops, then runs the
// approve/execute pipeline for the remaining calls.
func (s *SessionState) dispatchFunctionCalls(ctx workflow.Context, gate *ApprovalGate, executor *ToolExecutor, calls []models.ConversationItem) (iterationResult, error) {
	logger := workflow.GetLogger(ctx)

	if s.detectRepeatedToolCalls(calls) {
		logger.Warn("repeated identical tool calls detected, ending turn", "repeat_count", s.repeatCount)
		_ = s.History.AddItem(models.ConversationItem{
			Type:    models.ItemTypeAssistantMessage,
			Content: "[Turn ended: detected repeated identical tool calls. Please try a different approach.]",
		})
		return iterationAbortedTurn, nil
	}

	allDenied, execErr := s.approveAndExecuteTools(ctx, gate, executor, calls)
	if execErr != nil {
		return iterationAbortedTurn, execErr
	}
	if allDenied {
		return iterationAbortedTurn, nil
	}
	if s.Interrupted {
		logger.Info("turn interrupted after tool execution")
		return iterationAbortedTurn, nil
	}
	s.IterationCount++
	return iterationContinue, nil
}

func (s *SessionState) recordMaxIterationsReached(logger interface{ Warn(string, ...interface{}) }) {
	logger.Warn("reached the per-turn iteration budget", "iterations", s.IterationCount)
	_ = s.History.AddItem(models.ConversationItem{
		Type:    models.ItemTypeAssistantMessage,
		Content: fmt.Sprintf("[Turn ended: reached maximum of %d iterations without completing. The task may need to be broken into smaller steps.]", s.MaxIterations),
	})
}

// effectiveAutoCompactLimit returns the configured auto-compact token
// budget, clamped to 90% of the model's context window so a stale limit
// left over from a larger model never exceeds what the current model can
// actually hold (this matters right after a model switch).
func (s *SessionState) effectiveAutoCompactLimit() int {
	budget := s.Config.AutoCompactTokenLimit
	if budget <= 0 {
		return 0
	}
	ceiling := s.Config.Model.ContextWindow * 9 / 10
	if ceiling > 0 && ceiling < budget {
		return ceiling
	}
	return budget
}

// maybeCompactBeforeLLM runs proactive compaction ahead of the next model
// call: explicit /compact requests take priority, then a model-switch
// notice (plus compaction if the new model's window is already exceeded),
// then the ordinary token-budget check.
func (s *SessionState) maybeCompactBeforeLLM(ctx workflow.Context) {
	logger := workflow.GetLogger(ctx)

	if s.CompactRequested {
		s.CompactRequested = false
		logger.Info("manual compaction requested")
		if err := s.performCompaction(ctx); err != nil {
			logger.Warn("manual compaction failed", "error", err)
		}
		return
	}

	if s.compactedThisTurn {
		return
	}

	limit := s.effectiveAutoCompactLimit()

	if s.consumeModelSwitch() {
		s.announceModelSwitch(ctx, limit)
		return
	}

	if limit <= 0 {
		return
	}
	if estimated, _ := s.History.EstimateTokenCount(); estimated >= limit {
		logger.Info("proactive compaction triggered", "estimated_tokens", estimated, "limit", limit)
		if err := s.performCompaction(ctx); err != nil {
			logger.Warn("proactive compaction failed, continuing without", "error", err)
		}
	}
}

// announceModelSwitch injects a developer-visible note about a mid-session
// model change and compacts immediately if the new model's smaller window
// is already exceeded by existing history.
func (s *SessionState) announceModelSwitch(ctx workflow.Context, limit int) {
	logger := workflow.GetLogger(ctx)

	notice := fmt.Sprintf("<model_switch>\nThe user switched from model %q to %q "+
		"(context window: %d tokens). Continue the conversation seamlessly.\n</model_switch>",
		s.PreviousModel, s.Config.Model.Model, s.Config.Model.ContextWindow)
	_ = s.History.AddItem(models.ConversationItem{
		Type:    models.ItemTypeModelSwitch,
		Content: notice,
	})
	s.markHistoryResendNeeded() // history changed, resend in full next call

	if limit <= 0 {
		return
	}
	estimated, _ := s.History.EstimateTokenCount()
	if estimated < limit {
		return
	}
	logger.Info("model-switch compaction triggered",
		"estimated_tokens", estimated, "limit", limit,
		"previous_model", s.PreviousModel, "new_model", s.Config.Model.Model)
	if err := s.performCompaction(ctx); err != nil {
		logger.Warn("model-switch compaction failed, continuing without", "error", err)
	}
}

// callLLM assembles the incremental prompt (full history, or just what
// changed since LastResponseID) and runs the LLM call activity.
func (s *SessionState) callLLM(ctx workflow.Context) (*activities.LLMActivityOutput, error) {
	historyItems, err := s.History.GetForPrompt()
	if err != nil {
		return nil, fmt.Errorf("reading conversation history: %w", err)
	}

	inputItems := historyItems
	previousResponseID := ""
	canSendIncremental := s.LastResponseID != "" && s.lastSentHistoryLen > 0 && s.lastSentHistoryLen <= len(historyItems)
	if canSendIncremental {
		inputItems = historyItems[s.lastSentHistoryLen:]
		previousResponseID = s.LastResponseID
	}

	activityOpts := workflow.ActivityOptions{
		StartToCloseTimeout: 2 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    30 * time.Second,
			MaximumAttempts:    3,
		},
	}
	llmCtx := workflow.WithActivityOptions(ctx, activityOpts)

	s.Phase = PhaseLLMCalling
	s.ToolsInFlight = nil

	input := activities.LLMActivityInput{
		History:               inputItems,
		ModelConfig:           s.Config.Model,
		ToolSpecs:             s.ToolSpecs,
		BaseInstructions:      s.Config.BaseInstructions,
		DeveloperInstructions: s.Config.DeveloperInstructions,
		UserInstructions:      s.Config.UserInstructions,
		PreviousResponseID:    previousResponseID,
	}

	var output activities.LLMActivityOutput
	if err := workflow.ExecuteActivity(llmCtx, "ExecuteLLMCall", input).Get(ctx, &output); err != nil {
		return nil, err
	}
	return &output, nil
}

// handleLLMError classifies a failed LLM call and decides how the turn
// should react: context overflow compacts and retries, a rate limit sleeps
// and retries, anything else records an error message and ends the turn.
// Returns (shouldRetry, fatalErr).
func (s *SessionState) handleLLMError(ctx workflow.Context, err error) (bool, error) {
	logger := workflow.GetLogger(ctx)

	var appErr *temporal.ApplicationError
	if errors.As(err, &appErr) {
		switch appErr.Type() {
		case models.LLMErrTypeContextOverflow:
			return s.recoverFromContextOverflow(ctx, logger), nil

		case models.LLMErrTypeAPILimit:
			logger.Warn("provider rate limit hit, backing off")
			workflow.Sleep(ctx, time.Minute)
			return true, nil

		case models.LLMErrTypeFatal:
			logger.Error("fatal LLM error, ending turn", "error", err)
			s.appendTurnError(appErr.Message())
			return false, nil
		}
	}

	logger.Error("LLM activity failed, ending turn", "error", err)
	s.appendTurnError(fmt.Sprintf("LLM call failed: %v", err))
	return false, nil
}

// recoverFromContextOverflow tries compaction first and falls back to
// dropping the oldest half of the turns if the summarizer itself fails.
// Always returns true: the caller retries regardless, now with a shorter
// history and a reset response-chain cursor.
func (s *SessionState) recoverFromContextOverflow(ctx workflow.Context, logger interface{ Warn(string, ...interface{}) }) bool {
	logger.Warn("context window exceeded, attempting compaction")
	if err := s.performCompaction(ctx); err != nil {
		logger.Warn("compaction failed, falling back to dropping oldest turns", "error", err)
		turnCount, _ := s.History.GetTurnCount()
		keepTurns := turnCount / 2
		if keepTurns < 2 {
			keepTurns = 2
		}
		s.History.DropOldestUserTurns(keepTurns)
	}
	s.LastResponseID = ""
	s.markHistoryResendNeeded()
	return true
}

func (s *SessionState) appendTurnError(message string) {
	_ = s.History.AddItem(models.ConversationItem{
		Type:    models.ItemTypeAssistantMessage,
		Content: fmt.Sprintf("[Error: %s]", message),
		TurnID:  s.CurrentTurnID,
	})
}

// recordLLMResponse appends the model's response items to history, tallies
// token usage, and advances the incremental-send cursor.
func (s *SessionState) recordLLMResponse(ctx workflow.Context, result *activities.LLMActivityOutput) {
	logger := workflow.GetLogger(ctx)

	s.recordUsage(result.TokenUsage.TotalTokens, result.TokenUsage.CachedTokens)
	logger.Info("model call completed",
		"tokens", result.TokenUsage.TotalTokens,
		"cached_tokens", result.TokenUsage.CachedTokens,
		"cache_creation_tokens", result.TokenUsage.CacheCreationTokens,
		"finish_reason", result.FinishReason,
		"items", len(result.Items))

	for _, item := range result.Items {
		_ = s.History.AddItem(item)
	}
	if result.ResponseID != "" {
		s.LastResponseID = result.ResponseID
		sent, _ := s.History.GetForPrompt()
		s.lastSentHistoryLen = len(sent)
	}
}

// dispatchInterceptedCalls peels off the function calls the workflow itself
// handles (request_user_input, update_plan, the collab family) before the
// remaining calls reach the approval/exec pipeline.
func (s *SessionState) dispatchInterceptedCalls(ctx workflow.Context, calls []models.ConversationItem) (remaining []models.ConversationItem, hadIntercepted bool, err error) {
	if len(calls) == 0 {
		return calls, false, nil
	}

	var normalCalls []models.ConversationItem
	for _, fc := range calls {
		handler, intercepted := s.interceptedHandlerFor(fc.Name)
		if !intercepted {
			normalCalls = append(normalCalls, fc)
			continue
		}
		hadIntercepted = true
		outputItem, callErr := handler(ctx, fc)
		if callErr != nil {
			return nil, hadIntercepted, callErr
		}
		if addErr := s.History.AddItem(outputItem); addErr != nil {
			return nil, hadIntercepted, fmt.Errorf("recording %s response: %w", fc.Name, addErr)
		}
	}
	return normalCalls, hadIntercepted, nil
}

type interceptedCallHandler func(workflow.Context, models.ConversationItem) (models.ConversationItem, error)

// interceptedHandlerFor returns the workflow-side handler for a function
// call name the session intercepts directly, or ok=false if the call
// belongs to the ordinary approval/exec pipeline.
func (s *SessionState) interceptedHandlerFor(name string) (handler interceptedCallHandler, ok bool) {
	switch {
	case name == "request_user_input":
		return s.handleRequestUserInput, true
	case name == "update_plan":
		return s.handleUpdatePlan, true
	case isCollabToolCall(name):
		return s.handleCollabToolCall, true
	default:
		return nil, false
	}
}

// approveAndExecuteTools runs the full per-call pipeline: classify against
// the approval gate, drop anything outright forbidden, block for a user
// decision on anything that needs one, execute what remains, run
// on-failure escalation if configured, then record results to history.
// allDenied=true means every surviving call was denied and the turn ends.
func (s *SessionState) approveAndExecuteTools(
	ctx workflow.Context,
	gate *ApprovalGate,
	executor *ToolExecutor,
	functionCalls []models.ConversationItem,
) (allDenied bool, err error) {
	logger := workflow.GetLogger(ctx)

	needsApproval, forbiddenResults := gate.Classify(functionCalls)

	functionCalls = s.recordForbiddenAndFilter(functionCalls, forbiddenResults)
	if len(functionCalls) == 0 {
		return false, nil
	}

	if len(needsApproval) > 0 {
		functionCalls, err = s.waitForApprovalAndFilter(ctx, functionCalls, gate, needsApproval)
		if err != nil {
			return false, err
		}
		if len(functionCalls) == 0 {
			return true, nil
		}
	}

	s.Phase = PhaseToolExecuting
	s.ToolsInFlight = toolNamesOf(functionCalls)
	logger.Info("executing tools", "count", len(functionCalls))

	toolResults, err := executor.ExecuteParallel(ctx, functionCalls)
	if err != nil {
		s.appendTurnError(fmt.Sprintf("tool execution failed: %v", err))
		return false, nil
	}
	s.ToolsInFlight = nil

	if s.Config.ApprovalMode == models.ApprovalOnFailure {
		toolResults, err = s.handleOnFailureEscalation(ctx, functionCalls, toolResults)
		if err != nil {
			return false, err
		}
	}

	s.recordToolResults(functionCalls, toolResults)
	return false, nil
}

func toolNamesOf(calls []models.ConversationItem) []string {
	names := make([]string, len(calls))
	for i, fc := range calls {
		names[i] = fc.Name
	}
	return names
}

// recordForbiddenAndFilter records the gate's outright-denied results to
// history and strips those calls from the batch, returning what remains.
func (s *SessionState) recordForbiddenAndFilter(
	calls []models.ConversationItem,
	forbidden []models.ConversationItem,
) []models.ConversationItem {
	for _, fr := range forbidden {
		_ = s.History.AddItem(fr)
	}
	if len(forbidden) == 0 {
		return calls
	}

	forbiddenIDs := make(map[string]bool, len(forbidden))
	for _, fr := range forbidden {
		forbiddenIDs[fr.CallID] = true
	}

	var remaining []models.ConversationItem
	for _, fc := range calls {
		if !forbiddenIDs[fc.CallID] {
			remaining = append(remaining, fc)
		}
	}
	return remaining
}

// waitForApprovalAndFilter publishes the pending-approval state, blocks
// until the operator responds (or the turn is interrupted/shut down), then
// applies the decision and returns the calls that were approved.
func (s *SessionState) waitForApprovalAndFilter(
	ctx workflow.Context,
	calls []models.ConversationItem,
	gate *ApprovalGate,
	needsApproval []PendingApproval,
) ([]models.ConversationItem, error) {
	logger := workflow.GetLogger(ctx)

	s.Phase = PhaseApprovalPending
	s.PendingApprovals = needsApproval
	s.resetApprovalState()

	logger.Info("blocked on tool approval", "count", len(needsApproval))

	if err := workflow.Await(ctx, func() bool {
		return s.ApprovalReceived || s.Interrupted || s.ShutdownRequested
	}); err != nil {
		return nil, fmt.Errorf("awaiting approval: %w", err)
	}

	s.PendingApprovals = nil

	if s.Interrupted || s.ShutdownRequested {
		logger.Info("approval wait cut short", "interrupted", s.Interrupted, "shutdown", s.ShutdownRequested)
		return nil, nil
	}

	approved, deniedResults := gate.ApplyDecision(calls, s.ApprovalResponse)
	for _, dr := range deniedResults {
		_ = s.History.AddItem(dr)
	}
	return approved, nil
}

// recordToolResults tallies executed tool names and appends each result as
// a function_call_output history item.
func (s *SessionState) recordToolResults(calls []models.ConversationItem, results []activities.ToolActivityOutput) {
	for _, fc := range calls {
		s.recordToolCall(fc.Name)
	}
	for _, result := range results {
		_ = s.History.AddItem(models.ConversationItem{
			Type:   models.ItemTypeFunctionCallOutput,
			CallID: result.CallID,
			Output: &models.FunctionCallOutputPayload{
				Content: result.Content,
				Success: result.Success,
			},
		})
	}
}

// detectRepeatedToolCalls flags a tight loop: the same batch of calls
// (by name+arguments) repeated maxRepeatToolCalls times in a row.
func (s *SessionState) detectRepeatedToolCalls(calls []models.ConversationItem) bool {
	key := toolCallsKey(calls)
	return s.trackRepeatedCall(key) >= maxRepeatToolCalls
}
