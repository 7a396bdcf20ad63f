// Package workflow contains Temporal workflow definitions.
//
// state.go manages workflow state, separated from workflow logic.
package workflow

import (
	"github.com/relayforge/agentharness/internal/history"
	"github.com/relayforge/agentharness/internal/models"
	"github.com/relayforge/agentharness/internal/tools"
)

// Handler name constants for Temporal query and update handlers.
const (
	// QueryGetConversationItems returns conversation history.
	QueryGetConversationItems = "get_conversation_items"

	// QueryGetTurnStatus returns the current turn phase and stats.
	// Used by the interactive CLI to drive spinner/state transitions.
	QueryGetTurnStatus = "get_turn_status"

	// UpdateUserInput submits a new user message to the workflow.
	UpdateUserInput = "user_input"

	// UpdateInterrupt aborts the current turn.
	UpdateInterrupt = "interrupt"

	// UpdateShutdown ends the session.
	UpdateShutdown = "shutdown"

	// UpdateApprovalResponse submits the user's tool approval decision.
	UpdateApprovalResponse = "approval_response"

	// UpdateEscalationResponse submits the user's escalation decision (on-failure mode).
	UpdateEscalationResponse = "escalation_response"

	// UpdateUserInputQuestionResponse submits the user's answers to request_user_input questions.
	UpdateUserInputQuestionResponse = "user_input_question_response"

	// UpdateCompact triggers manual context compaction.
	UpdateCompact = "compact"

	// UpdateModel switches the active provider/model mid-session.
	UpdateModel = "update_model"

	// UpdatePlanRequest dispatches a message to a new planner subagent.
	UpdatePlanRequest = "plan_request"

	// UpdateGetStateUpdate blocks until new conversation items or a phase
	// change are available past the caller's cursor, then returns them.
	UpdateGetStateUpdate = "get_state_update"

	// SignalAgentInput delivers a user message to a child agent workflow.
	SignalAgentInput = "agent_input"

	// SignalAgentShutdown requests a child agent workflow to shut down.
	SignalAgentShutdown = "agent_shutdown"
)

// TurnPhase indicates the current phase of the workflow turn.
type TurnPhase string

const (
	PhaseWaitingForInput    TurnPhase = "waiting_for_input"
	PhaseLLMCalling         TurnPhase = "llm_calling"
	PhaseToolExecuting      TurnPhase = "tool_executing"
	PhaseApprovalPending    TurnPhase = "approval_pending"
	PhaseEscalationPending  TurnPhase = "escalation_pending"
	PhaseUserInputPending   TurnPhase = "user_input_pending"
	PhaseCompacting         TurnPhase = "compacting"
	PhaseWaitingForAgents   TurnPhase = "waiting_for_agents"
)

// TurnStatus is the response from the get_turn_status query.
type TurnStatus struct {
	Phase                   TurnPhase                `json:"phase"`
	CurrentTurnID           string                   `json:"current_turn_id"`
	ToolsInFlight           []string                 `json:"tools_in_flight,omitempty"`
	PendingApprovals        []PendingApproval        `json:"pending_approvals,omitempty"`
	PendingEscalations      []EscalationRequest      `json:"pending_escalations,omitempty"`
	PendingUserInputRequest *PendingUserInputRequest `json:"pending_user_input_request,omitempty"`
	IterationCount          int                      `json:"iteration_count"`
	TotalTokens             int                      `json:"total_tokens"`
	TurnCount               int                      `json:"turn_count"`
	WorkerVersion           string                   `json:"worker_version,omitempty"`
}

// WorkflowInput is the initial input to start a conversation.
type WorkflowInput struct {
	ConversationID string                      `json:"conversation_id"`
	UserMessage    string                      `json:"user_message"`
	Config         models.SessionConfiguration `json:"config"`
	// Depth tracks subagent nesting level. 0 = top-level, 1 = child.
	Depth int `json:"depth,omitempty"`
}

// UserInput is the payload for the user_input Update.
type UserInput struct {
	Content string `json:"content"`
}

// UserInputAccepted is returned by the user_input Update after acceptance.
type UserInputAccepted struct {
	TurnID string `json:"turn_id"`
}

// InterruptRequest is the payload for the interrupt Update.
type InterruptRequest struct{}

// InterruptResponse is returned by the interrupt Update.
type InterruptResponse struct {
	Acknowledged bool `json:"acknowledged"`
}

// ShutdownRequest is the payload for the shutdown Update.
type ShutdownRequest struct {
	Reason string `json:"reason,omitempty"`
}

// ShutdownResponse is returned by the shutdown Update.
type ShutdownResponse struct {
	Acknowledged bool `json:"acknowledged"`
}

// PendingApproval describes a tool call awaiting user approval.
type PendingApproval struct {
	CallID    string `json:"call_id"`
	ToolName  string `json:"tool_name"`
	Arguments string `json:"arguments"` // Raw JSON string of arguments
	Reason    string `json:"reason,omitempty"` // Why approval is needed (from policy justification or heuristic)
}

// ApprovalResponse is the user's decision on pending tool approvals.
type ApprovalResponse struct {
	Approved []string `json:"approved"` // CallIDs the user approved
	Denied   []string `json:"denied"`   // CallIDs the user denied
}

// ApprovalResponseAck is returned by the approval_response Update after acceptance.
type ApprovalResponseAck struct{}

// EscalationRequest describes a failed sandboxed tool call awaiting user escalation.
type EscalationRequest struct {
	CallID    string `json:"call_id"`
	ToolName  string `json:"tool_name"`
	Arguments string `json:"arguments"`
	Output    string `json:"output"`     // Failed output from sandboxed execution
	Reason    string `json:"reason"`     // Why escalation is needed
}

// EscalationResponse is the user's decision on escalation.
type EscalationResponse struct {
	Approved []string `json:"approved"` // CallIDs to re-execute without sandbox
	Denied   []string `json:"denied"`   // CallIDs to reject
}

// EscalationResponseAck is returned by the escalation_response Update.
type EscalationResponseAck struct{}

// RequestUserInputQuestionOption describes a single option for a user input question.
type RequestUserInputQuestionOption struct {
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

// RequestUserInputQuestion describes a single question for the user.
type RequestUserInputQuestion struct {
	ID       string                           `json:"id"`
	Header   string                           `json:"header,omitempty"`
	Question string                           `json:"question"`
	IsOther  bool                             `json:"is_other,omitempty"`
	Options  []RequestUserInputQuestionOption `json:"options"`
}

// PendingUserInputRequest describes a request_user_input call awaiting user response.
type PendingUserInputRequest struct {
	CallID    string                     `json:"call_id"`
	Questions []RequestUserInputQuestion `json:"questions"`
}

// UserInputQuestionAnswer holds the selected answers for a single question.
type UserInputQuestionAnswer struct {
	Answers []string `json:"answers"`
}

// UserInputQuestionResponse is the user's response to a request_user_input call.
type UserInputQuestionResponse struct {
	Answers map[string]UserInputQuestionAnswer `json:"answers"`
}

// UserInputQuestionResponseAck is returned by the user_input_question_response Update.
type UserInputQuestionResponseAck struct{}

// CompactRequest is the payload for the compact Update.
type CompactRequest struct{}

// PlanStep is a single step in the model's visible task plan, as submitted
// via the update_plan tool.
type PlanStep struct {
	Step   string `json:"step"`
	Status string `json:"status"` // "pending", "in_progress", "completed"
}

// CompactResponse is returned by the compact Update.
type CompactResponse struct {
	Acknowledged bool `json:"acknowledged"`
}

// UpdateModelRequest is the payload for the update_model Update.
type UpdateModelRequest struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// UpdateModelResponse is returned by the update_model Update.
type UpdateModelResponse struct {
	PreviousModel string `json:"previous_model"`
	CurrentModel  string `json:"current_model"`
}

// PlanRequest is the payload for the plan_request Update. It asks the
// session to spawn a planner subagent that works the message independently
// and reports back through the usual child-workflow result.
type PlanRequest struct {
	Message string `json:"message"`
}

// PlanRequestAccepted is returned by the plan_request Update once the
// planner child workflow has been started.
type PlanRequestAccepted struct {
	AgentID    string `json:"agent_id"`
	WorkflowID string `json:"workflow_id"`
}

// StateUpdateRequest is the payload for the get_state_update Update. The
// caller's cursor: the handler blocks until history grows past SinceSeq or
// the phase differs from SincePhase.
type StateUpdateRequest struct {
	SinceSeq   int       `json:"since_seq"`
	SincePhase TurnPhase `json:"since_phase"`
}

// StateUpdateResponse is returned by the get_state_update Update.
type StateUpdateResponse struct {
	Items     []models.ConversationItem `json:"items"`
	Status    TurnStatus                `json:"status"`
	Compacted bool                      `json:"compacted"`
	Completed bool                      `json:"completed"`
}

// AgentInputSignal is the payload for the agent_input signal.
// Sent from parent to child workflow via SignalExternalWorkflow.
type AgentInputSignal struct {
	Content   string `json:"content"`
	Interrupt bool   `json:"interrupt"`
}

// SessionState is passed through ContinueAsNew.
// Uses ContextManager interface to allow pluggable storage backends.
type SessionState struct {
	ConversationID string                      `json:"conversation_id"`
	History        history.ContextManager      `json:"-"`             // Not serialized directly; see note below
	HistoryItems   []models.ConversationItem   `json:"history_items"` // Serialized form for ContinueAsNew
	ToolSpecs      []tools.ToolSpec            `json:"tool_specs"`
	Config         models.SessionConfiguration `json:"config"`

	// Iteration tracking
	IterationCount int `json:"iteration_count"`
	MaxIterations  int `json:"max_iterations"`

	// Multi-turn state
	PendingUserInput  bool   `json:"pending_user_input"`   // New user input waiting
	ShutdownRequested bool   `json:"shutdown_requested"`   // Session shutdown requested
	Interrupted       bool   `json:"interrupted"`          // Current turn interrupted
	CurrentTurnID     string `json:"current_turn_id"`      // Active turn ID

	// Turn phase tracking (for CLI polling)
	Phase            TurnPhase         `json:"phase"`
	ToolsInFlight    []string          `json:"tools_in_flight,omitempty"`
	PendingApprovals []PendingApproval `json:"pending_approvals,omitempty"`

	// Approval transient state (not serialized — lost on ContinueAsNew)
	ApprovalReceived bool              `json:"-"`
	ApprovalResponse *ApprovalResponse `json:"-"`

	// Escalation transient state (on-failure mode)
	PendingEscalations  []EscalationRequest  `json:"pending_escalations,omitempty"`
	EscalationReceived  bool                 `json:"-"`
	EscalationResponse  *EscalationResponse  `json:"-"`

	// User input question transient state (request_user_input interception)
	PendingUserInputReq   *PendingUserInputRequest   `json:"pending_user_input_request,omitempty"`
	UserInputQReceived    bool                       `json:"-"`
	UserInputQResponse    *UserInputQuestionResponse `json:"-"`

	// Transient: user requested manual compaction via /compact command
	CompactRequested bool `json:"-"`

	// Exec policy rules (serialized text, persists across ContinueAsNew)
	ExecPolicyRules string `json:"exec_policy_rules,omitempty"`

	// Total iterations across all turns (persists across ContinueAsNew).
	// Used to trigger ContinueAsNew when history grows too large.
	TotalIterationsForCAN int `json:"total_iterations_for_can"`

	// OpenAI Responses API: last response ID for incremental sends
	// Persists across CAN to enable chaining across workflow continuations.
	LastResponseID string `json:"last_response_id,omitempty"`

	// Transient: tracks how many history items were sent in the last LLM call,
	// enabling incremental sends (only new items after this index).
	// Reset on history modification (compaction, DropOldestUserTurns).
	lastSentHistoryLen int `json:"-"`

	// Context compaction tracking
	CompactionCount   int  `json:"compaction_count"`   // How many times compaction has occurred
	compactedThisTurn bool `json:"-"`                  // Prevents double compaction in one turn

	// Repeated tool call detection (transient — not serialized)
	lastToolKey string `json:"-"`
	repeatCount int    `json:"-"`

	// Cumulative stats (persist across ContinueAsNew)
	TotalTokens       int      `json:"total_tokens"`
	TotalCachedTokens int      `json:"total_cached_tokens"`
	ToolCallsExecuted []string `json:"tool_calls_executed"`

	// Model switch tracking: set when the user changes the active model
	// mid-session. Consumed once by maybeCompactBeforeLLM, which injects a
	// model-switch marker into history and clears this flag.
	modelSwitched bool   `json:"-"`
	PreviousModel string `json:"previous_model,omitempty"`

	// Subagent control — manages child workflow lifecycles.
	AgentCtl *AgentControl `json:"agent_ctl,omitempty"`

	// Plan is the model's current task plan, set by the update_plan tool.
	// Persists across ContinueAsNew for display via get_turn_status.
	Plan []PlanStep `json:"plan,omitempty"`

	// ResolvedProfile is the merged default→provider→model profile computed
	// once by resolveProfile. Recomputed on each ContinueAsNew entry (pure,
	// not persisted).
	ResolvedProfile models.ResolvedProfile `json:"-"`

	// McpToolLookup routes "<server>__<tool>" qualified names to their MCP
	// server + tool, populated by initMcpServers. Not persisted across
	// ContinueAsNew: MCP connections are re-established on resume.
	McpToolLookup map[string]tools.McpToolRef `json:"-"`
}

// WorkflowResult is the final result of the workflow.
type WorkflowResult struct {
	ConversationID    string   `json:"conversation_id"`
	TotalIterations   int      `json:"total_iterations"`
	TotalTokens       int      `json:"total_tokens"`
	ToolCallsExecuted []string `json:"tool_calls_executed"`
	EndReason         string   `json:"end_reason,omitempty"` // "shutdown", "error"
	// FinalMessage is the last assistant message from the workflow.
	// Used by parent workflows to get the child's result.
	FinalMessage string `json:"final_message,omitempty"`
}

// recordUsage accumulates token usage from a completed LLM call.
func (s *SessionState) recordUsage(total, cached int) {
	s.TotalTokens += total
	s.TotalCachedTokens += cached
}

// recordToolCall appends name to the session's executed-tool-call ledger.
func (s *SessionState) recordToolCall(name string) {
	s.ToolCallsExecuted = append(s.ToolCallsExecuted, name)
}

// resetApprovalState clears the transient approval fields ahead of waiting
// on the next batch of tool calls that require approval.
func (s *SessionState) resetApprovalState() {
	s.ApprovalReceived = false
	s.ApprovalResponse = nil
}

// trackRepeatedCall folds key into the repeated-tool-call detector and
// returns the current run length of identical consecutive calls.
func (s *SessionState) trackRepeatedCall(key string) int {
	if key == s.lastToolKey {
		s.repeatCount++
	} else {
		s.lastToolKey = key
		s.repeatCount = 1
	}
	return s.repeatCount
}

// consumeModelSwitch reports whether a mid-session model switch is pending
// and clears the flag, so the caller acts on it exactly once.
func (s *SessionState) consumeModelSwitch() bool {
	if !s.modelSwitched {
		return false
	}
	s.modelSwitched = false
	return true
}

// markHistoryResendNeeded forces the next callLLM to send the full history
// instead of an incremental delta — used whenever history is mutated out of
// band (compaction, model-switch notices, dropped turns).
func (s *SessionState) markHistoryResendNeeded() {
	s.lastSentHistoryLen = 0
}

// initHistory initializes the History field from HistoryItems.
// Called after deserialization (ContinueAsNew) to restore the interface.
func (s *SessionState) initHistory() {
	h := history.NewInMemoryHistory()
	for _, item := range s.HistoryItems {
		h.AddItem(item)
	}
	s.History = h
}

// syncHistoryItems copies history to HistoryItems for serialization.
// Called before ContinueAsNew to persist state.
func (s *SessionState) syncHistoryItems() {
	items, _ := s.History.GetRawItems()
	s.HistoryItems = items
}
